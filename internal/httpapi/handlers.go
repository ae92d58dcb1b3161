package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"territoria.org/internal/access"
	"territoria.org/internal/audit"
	"territoria.org/internal/catalog"
	"territoria.org/internal/obs"
	"territoria.org/internal/stream"
	"territoria.org/internal/users"
)

const (
	maxBodyBytes     = 1 << 20
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// ReadyProbe is a readiness check (database ping).
type ReadyProbe struct {
	DB *sql.DB
}

// Check pings the database when one is configured.
func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// UserService is the user management surface.
type UserService interface {
	Create(ctx context.Context, in users.CreateInput) (users.Detail, error)
	Update(ctx context.Context, userID int64, in users.UpdateInput) (users.Detail, error)
	Deactivate(ctx context.Context, userID int64) error
	Get(ctx context.Context, userID int64) (users.Detail, error)
	List(ctx context.Context, f users.Filter) ([]access.User, int, error)
	Grants(ctx context.Context, userID int64) (access.Matrix, error)
	SetPermission(ctx context.Context, userID, municipalityID, permissionID int64, grant bool) (access.Matrix, error)
	ApplyBatch(ctx context.Context, userID int64, changes []access.GrantChange) (access.Matrix, error)
	Territories(ctx context.Context, userID int64) ([]access.Territory, error)
	HasAccess(ctx context.Context, userID, municipalityID int64, permission string) (bool, error)
	Authenticate(ctx context.Context, login, password string) (users.LoginResult, error)
}

// CatalogService is the reference catalog surface.
type CatalogService interface {
	ListRoles(ctx context.Context, includeInactive bool) ([]access.Role, error)
	Role(ctx context.Context, id int64) (catalog.RoleDetail, error)
	CreateRole(ctx context.Context, name, description string, permissionIDs []int64) (catalog.RoleDetail, error)
	UpdateRole(ctx context.Context, id int64, upd catalog.RoleUpdate) (access.Role, error)
	DeleteRole(ctx context.Context, id int64) error
	SetRolePermissions(ctx context.Context, id int64, permissionIDs []int64) (catalog.RoleDetail, error)
	RoleUserCounts(ctx context.Context) ([]catalog.RoleCount, error)
	Permissions(ctx context.Context) ([]access.Permission, error)
	Municipalities(ctx context.Context, search string) ([]access.Municipality, error)
	Municipality(ctx context.Context, id int64) (access.Municipality, error)
	JobTitles(ctx context.Context) ([]access.JobTitle, error)
	CreateJobTitle(ctx context.Context, name string) (access.JobTitle, error)
	RenameJobTitle(ctx context.Context, id int64, name string) (access.JobTitle, error)
	DeleteJobTitle(ctx context.Context, id int64) error
}

// AuditLog answers audit queries.
type AuditLog interface {
	Query(ctx context.Context, f audit.Filter) ([]audit.Entry, int, error)
}

// EventSource feeds the live event stream.
type EventSource interface {
	Subscribe(ctx context.Context, f stream.Filter) <-chan access.Event
}

// Deps wires the API to its services. Nil services disable their routes with 503.
type Deps struct {
	Users       UserService
	Catalog     CatalogService
	Audit       AuditLog
	Events      EventSource
	Ready       ReadyProbe
	Version     string
	RateBurst   int
	RatePerSec  float64
	CORSOrigins []string
}

// API is the HTTP layer.
type API struct {
	router      *mux.Router
	users       UserService
	catalog     CatalogService
	auditLog    AuditLog
	events      EventSource
	readyProbe  ReadyProbe
	version     string
	rateBurst   int
	ratePerSec  float64
	corsOrigins []string
}

// New builds the API and registers its routes.
func New(d Deps) *API {
	a := &API{
		router:      mux.NewRouter(),
		users:       d.Users,
		catalog:     d.Catalog,
		auditLog:    d.Audit,
		events:      d.Events,
		readyProbe:  d.Ready,
		version:     d.Version,
		rateBurst:   d.RateBurst,
		ratePerSec:  d.RatePerSec,
		corsOrigins: d.CORSOrigins,
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 20
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 10
	}
	a.routes()
	return a
}

func (a *API) routes() {
	r := a.router
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	r.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/auth/login", a.handleLogin).Methods(http.MethodPost)

	v1.HandleFunc("/me/territories", a.handleMyTerritories).Methods(http.MethodGet)
	v1.HandleFunc("/me/access/{municipalityId:[0-9]+}/{permission}", a.handleMyAccess).Methods(http.MethodGet)

	v1.HandleFunc("/users", a.admin(a.handleListUsers)).Methods(http.MethodGet)
	v1.HandleFunc("/users", a.admin(a.handleCreateUser)).Methods(http.MethodPost)
	v1.HandleFunc("/users/{id:[0-9]+}", a.admin(a.handleGetUser)).Methods(http.MethodGet)
	v1.HandleFunc("/users/{id:[0-9]+}", a.admin(a.handleUpdateUser)).Methods(http.MethodPut)
	v1.HandleFunc("/users/{id:[0-9]+}", a.admin(a.handleDeactivateUser)).Methods(http.MethodDelete)
	v1.HandleFunc("/users/{id:[0-9]+}/grants", a.admin(a.handleUserGrants)).Methods(http.MethodGet)
	v1.HandleFunc("/users/{id:[0-9]+}/permissions", a.admin(a.handleSetPermission)).Methods(http.MethodPatch)
	v1.HandleFunc("/users/{id:[0-9]+}/permissions/batch", a.admin(a.handleApplyBatch)).Methods(http.MethodPost)

	v1.HandleFunc("/roles", a.handleListRoles).Methods(http.MethodGet)
	v1.HandleFunc("/roles", a.admin(a.handleCreateRole)).Methods(http.MethodPost)
	v1.HandleFunc("/roles/counts", a.admin(a.handleRoleCounts)).Methods(http.MethodGet)
	v1.HandleFunc("/roles/{id:[0-9]+}", a.handleGetRole).Methods(http.MethodGet)
	v1.HandleFunc("/roles/{id:[0-9]+}", a.admin(a.handleUpdateRole)).Methods(http.MethodPut)
	v1.HandleFunc("/roles/{id:[0-9]+}", a.admin(a.handleDeleteRole)).Methods(http.MethodDelete)
	v1.HandleFunc("/roles/{id:[0-9]+}/permissions", a.handleGetRole).Methods(http.MethodGet)
	v1.HandleFunc("/roles/{id:[0-9]+}/permissions", a.admin(a.handleSetRolePermissions)).Methods(http.MethodPut)

	v1.HandleFunc("/job-titles", a.handleListJobTitles).Methods(http.MethodGet)
	v1.HandleFunc("/job-titles", a.admin(a.handleCreateJobTitle)).Methods(http.MethodPost)
	v1.HandleFunc("/job-titles/{id:[0-9]+}", a.admin(a.handleRenameJobTitle)).Methods(http.MethodPut)
	v1.HandleFunc("/job-titles/{id:[0-9]+}", a.admin(a.handleDeleteJobTitle)).Methods(http.MethodDelete)

	v1.HandleFunc("/municipalities", a.handleListMunicipalities).Methods(http.MethodGet)
	v1.HandleFunc("/municipalities/{id:[0-9]+}", a.handleGetMunicipality).Methods(http.MethodGet)
	v1.HandleFunc("/permissions", a.handleListPermissions).Methods(http.MethodGet)

	v1.HandleFunc("/audit-logs", a.admin(a.handleAuditLogs)).Methods(http.MethodGet)
	v1.HandleFunc("/events", a.admin(a.Stream)).Methods(http.MethodGet)
}

// Handler returns the router wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = a.withAuth(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h, a.corsOrigins)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// Healthz reports liveness.
func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "territoria-api",
		"version": a.version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready reports whether the database is reachable.
func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- helpers ---

type page struct {
	Data  any `json:"data"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// handleError maps domain errors onto status codes.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, access.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, access.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, access.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, users.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, err.Error())
	case errors.Is(err, context.Canceled):
		writeError(w, r, 499, "request cancelled")
	default:
		obs.Logger().WithError(err).WithField("request_id", RequestIDFromContext(r.Context())).
			WithField("path", r.URL.Path).Error("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New(name + " must be a positive integer")
	}
	return id, nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < min {
		return 0, errors.New("value too small")
	}
	if n > max {
		n = max
	}
	return n, nil
}

func parseInt64(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, errors.New("must be a positive integer")
	}
	return n, nil
}

// paging reads page and limit query parameters.
func paging(r *http.Request) (pageNum, limit int, err error) {
	q := r.URL.Query()
	if pageNum, err = parsePositiveInt(q.Get("page"), 1, 1, 1<<20); err != nil {
		return 0, 0, errors.New("page: " + err.Error())
	}
	if limit, err = parsePositiveInt(q.Get("limit"), defaultPageLimit, 1, maxPageLimit); err != nil {
		return 0, 0, errors.New("limit: " + err.Error())
	}
	return pageNum, limit, nil
}

func unavailable(w http.ResponseWriter, r *http.Request, what string) {
	writeError(w, r, http.StatusServiceUnavailable, what+" unavailable")
}
