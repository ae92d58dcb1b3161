package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"territoria.org/internal/access"
	"territoria.org/internal/audit"
	"territoria.org/internal/auth"
	"territoria.org/internal/catalog"
	"territoria.org/internal/stream"
	"territoria.org/internal/users"
)

// fakeUsers keeps one matrix per user and records the calls it receives.
type fakeUsers struct {
	mu       sync.Mutex
	matrices map[int64]access.Matrix
	filter   users.Filter
	actor    *int64
	created  users.CreateInput
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{matrices: map[int64]access.Matrix{}}
}

func (f *fakeUsers) Create(ctx context.Context, in users.CreateInput) (users.Detail, error) {
	if in.Email == "" {
		return users.Detail{}, fmt.Errorf("%w: email is required", access.ErrInvalidInput)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = in
	f.actor = auth.ActorFromContext(ctx)
	return users.Detail{User: access.User{ID: 7, Email: in.Email, Active: true}}, nil
}

func (f *fakeUsers) Update(ctx context.Context, userID int64, in users.UpdateInput) (users.Detail, error) {
	return users.Detail{User: access.User{ID: userID}}, nil
}

func (f *fakeUsers) Deactivate(ctx context.Context, userID int64) error {
	if userID != 7 {
		return fmt.Errorf("%w: user %d", access.ErrNotFound, userID)
	}
	return nil
}

func (f *fakeUsers) Get(ctx context.Context, userID int64) (users.Detail, error) {
	if userID != 7 {
		return users.Detail{}, fmt.Errorf("%w: user %d", access.ErrNotFound, userID)
	}
	return users.Detail{User: access.User{ID: 7}}, nil
}

func (f *fakeUsers) List(ctx context.Context, flt users.Filter) ([]access.User, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = flt
	return nil, 0, nil
}

func (f *fakeUsers) Grants(ctx context.Context, userID int64) (access.Matrix, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.matrices[userID], nil
}

func (f *fakeUsers) SetPermission(ctx context.Context, userID, municipalityID, permissionID int64, grant bool) (access.Matrix, error) {
	return f.ApplyBatch(ctx, userID, []access.GrantChange{{MunicipalityID: municipalityID, PermissionID: permissionID, Grant: grant}})
}

func (f *fakeUsers) ApplyBatch(ctx context.Context, userID int64, changes []access.GrantChange) (access.Matrix, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.matrices[userID]
	for _, c := range changes {
		if c.MunicipalityID <= 0 || c.PermissionID <= 0 {
			return nil, fmt.Errorf("%w: ids must be positive", access.ErrInvalidInput)
		}
		key := access.GrantKey{MunicipalityID: c.MunicipalityID, PermissionID: c.PermissionID}
		var next access.Matrix
		for _, g := range m {
			if g.Key() != key {
				next = append(next, g)
			}
		}
		if c.Grant {
			next = append(next, access.Grant{UserID: userID, MunicipalityID: key.MunicipalityID, PermissionID: key.PermissionID, Active: true, IsException: true})
		}
		m = next
	}
	f.matrices[userID] = m
	return m, nil
}

func (f *fakeUsers) Territories(ctx context.Context, userID int64) ([]access.Territory, error) {
	return []access.Territory{{
		Municipality: access.Municipality{ID: 10, Name: "Abasolo"},
		Permissions:  []string{"view"},
	}}, nil
}

func (f *fakeUsers) HasAccess(ctx context.Context, userID, municipalityID int64, permission string) (bool, error) {
	return municipalityID == 10 && permission == "view", nil
}

func (f *fakeUsers) Authenticate(ctx context.Context, login, password string) (users.LoginResult, error) {
	if login != "admin@territoria.org" || password != "Admin123!" {
		return users.LoginResult{}, users.ErrUnauthorized
	}
	token, err := auth.GenerateToken(1, []string{AdminRole}, time.Hour)
	if err != nil {
		return users.LoginResult{}, err
	}
	return users.LoginResult{Token: token, ExpiresAt: time.Now().Add(time.Hour), Roles: []string{AdminRole}}, nil
}

type fakeCatalog struct {
	catalog.Service
	roles []access.Role
}

func (f *fakeCatalog) ListRoles(ctx context.Context, includeInactive bool) ([]access.Role, error) {
	return f.roles, nil
}

func (f *fakeCatalog) Role(ctx context.Context, id int64) (catalog.RoleDetail, error) {
	for _, r := range f.roles {
		if r.ID == id {
			return catalog.RoleDetail{Role: r, Permissions: []access.Permission{}}, nil
		}
	}
	return catalog.RoleDetail{}, access.ErrNotFound
}

func (f *fakeCatalog) CreateRole(ctx context.Context, name, description string, permissionIDs []int64) (catalog.RoleDetail, error) {
	for _, r := range f.roles {
		if r.Name == name {
			return catalog.RoleDetail{}, fmt.Errorf("%w: role %q exists", access.ErrConflict, name)
		}
	}
	r := access.Role{ID: int64(len(f.roles) + 1), Name: name, Description: description, Active: true}
	f.roles = append(f.roles, r)
	return catalog.RoleDetail{Role: r, Permissions: []access.Permission{}}, nil
}

func (f *fakeCatalog) Municipalities(ctx context.Context, search string) ([]access.Municipality, error) {
	return nil, nil
}

type fakeAudit struct {
	last audit.Filter
}

func (f *fakeAudit) Query(ctx context.Context, flt audit.Filter) ([]audit.Entry, int, error) {
	f.last = flt
	return []audit.Entry{{ID: "01", Action: "CREATE", Module: "USERS"}}, 1, nil
}

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	users   *fakeUsers
	catalog *fakeCatalog
	audit   *fakeAudit
	hub     *stream.Hub
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	t.Setenv("TERRITORIA_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	c := &apiClient{
		t:       t,
		users:   newFakeUsers(),
		catalog: &fakeCatalog{roles: []access.Role{{ID: 1, Name: AdminRole, Active: true}}},
		audit:   &fakeAudit{},
		hub:     stream.New(),
	}
	api := New(Deps{
		Users:      c.users,
		Catalog:    c.catalog,
		Audit:      c.audit,
		Events:     c.hub,
		Version:    "test",
		RateBurst:  100,
		RatePerSec: 100,
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	c.baseURL = srv.URL
	c.client = srv.Client()
	return c
}

func (c *apiClient) do(method, path string, body any, token string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) token(userID int64, roles ...string) string {
	c.t.Helper()
	token, err := auth.GenerateToken(userID, roles, time.Hour)
	if err != nil {
		c.t.Fatalf("generate token: %v", err)
	}
	return token
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		defer resp.Body.Close()
		var body map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&body)
		t.Fatalf("expected %d, got %d (%v)", want, resp.StatusCode, body)
	}
}

func TestLoginFlow(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(http.MethodPost, "/v1/auth/login", map[string]any{"login": "admin@territoria.org", "password": "wrong"}, "")
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/auth/login", map[string]any{"login": "admin@territoria.org", "password": "Admin123!"}, "")
	expectStatus(t, resp, http.StatusOK)
	res := decode[users.LoginResult](t, resp)
	if res.Token == "" {
		t.Fatal("empty token issued")
	}

	resp = api.do(http.MethodGet, "/v1/roles", nil, res.Token)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestLoginValidation(t *testing.T) {
	api := newTestAPI(t)
	resp := api.do(http.MethodPost, "/v1/auth/login", map[string]any{"login": ""}, "")
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusBadRequest)
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(http.MethodGet, "/v1/users", nil, "")
	expectStatus(t, resp, http.StatusUnauthorized)
	body := decode[map[string]any](t, resp)
	if body["error"] == "" || body["request_id"] == nil {
		t.Fatalf("unexpected error body: %v", body)
	}

	resp = api.do(http.MethodGet, "/v1/users", nil, "not-a-token")
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	api := newTestAPI(t)
	viewer := api.token(5, "consulta")

	resp := api.do(http.MethodGet, "/v1/users", nil, viewer)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	// catalog reads are open to any authenticated user
	resp = api.do(http.MethodGet, "/v1/municipalities", nil, viewer)
	expectStatus(t, resp, http.StatusOK)
	body := decode[map[string]any](t, resp)
	if data, ok := body["data"].([]any); !ok || len(data) != 0 {
		t.Fatalf("expected empty data array, got %v", body["data"])
	}

	resp = api.do(http.MethodPost, "/v1/roles", map[string]any{"name": "operador"}, viewer)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
}

func TestCreateUserCarriesActor(t *testing.T) {
	api := newTestAPI(t)
	admin := api.token(1, AdminRole)

	resp := api.do(http.MethodPost, "/v1/users", map[string]any{
		"email":            "ana@territoria.org",
		"password":         "Secreta123",
		"first_name":       "Ana",
		"last_name":        "López",
		"role_ids":         []int64{1},
		"municipality_ids": []int64{10, 20},
	}, admin)
	expectStatus(t, resp, http.StatusCreated)
	d := decode[map[string]any](t, resp)
	if d["id"].(float64) != 7 {
		t.Fatalf("unexpected user: %v", d)
	}
	if api.users.actor == nil || *api.users.actor != 1 {
		t.Fatalf("actor not propagated: %v", api.users.actor)
	}
	if len(api.users.created.MunicipalityIDs) != 2 {
		t.Fatalf("municipalities not decoded: %+v", api.users.created)
	}

	resp = api.do(http.MethodPost, "/v1/users", map[string]any{"first_name": "x"}, admin)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/users", map[string]any{"unknown": true}, admin)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestUserLookupAndDeactivate(t *testing.T) {
	api := newTestAPI(t)
	admin := api.token(1, AdminRole)

	resp := api.do(http.MethodGet, "/v1/users/99", nil, admin)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = api.do(http.MethodGet, "/v1/users/7", nil, admin)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.do(http.MethodDelete, "/v1/users/7", nil, admin)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()
}

func TestListUsersQuery(t *testing.T) {
	api := newTestAPI(t)
	admin := api.token(1, AdminRole)

	resp := api.do(http.MethodGet, "/v1/users?search=ana&active=true&municipality_id=10&page=3&limit=20", nil, admin)
	expectStatus(t, resp, http.StatusOK)
	p := decode[map[string]any](t, resp)
	if p["page"].(float64) != 3 || p["limit"].(float64) != 20 {
		t.Fatalf("unexpected paging: %v", p)
	}
	f := api.users.filter
	if f.Search != "ana" || f.Active == nil || !*f.Active || f.MunicipalityID != 10 || f.Offset != 40 || f.Limit != 20 {
		t.Fatalf("unexpected filter: %+v", f)
	}

	resp = api.do(http.MethodGet, "/v1/users?active=maybe", nil, admin)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.do(http.MethodGet, "/v1/users?page=0", nil, admin)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestPermissionToggleAndBatch(t *testing.T) {
	api := newTestAPI(t)
	admin := api.token(1, AdminRole)

	resp := api.do(http.MethodPatch, "/v1/users/7/permissions", map[string]any{"municipality_id": 10, "permission_id": 1}, admin)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.do(http.MethodPatch, "/v1/users/7/permissions", map[string]any{"municipality_id": 10, "permission_id": 1, "grant": true}, admin)
	expectStatus(t, resp, http.StatusOK)
	body := decode[map[string]any](t, resp)
	if perms := body["permissions"].([]any); len(perms) != 1 {
		t.Fatalf("expected one grant, got %v", perms)
	}

	resp = api.do(http.MethodPost, "/v1/users/7/permissions/batch", map[string]any{"changes": []map[string]any{
		{"municipality_id": 10, "permission_id": 1, "grant": false},
		{"municipality_id": 20, "permission_id": 2, "grant": true},
	}}, admin)
	expectStatus(t, resp, http.StatusOK)
	body = decode[map[string]any](t, resp)
	perms := body["permissions"].([]any)
	if len(perms) != 1 || perms[0].(map[string]any)["municipality_id"].(float64) != 20 {
		t.Fatalf("unexpected matrix: %v", perms)
	}

	resp = api.do(http.MethodPost, "/v1/users/7/permissions/batch", map[string]any{"changes": []map[string]any{
		{"municipality_id": 0, "permission_id": 2, "grant": true},
	}}, admin)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.do(http.MethodGet, "/v1/users/8/grants", nil, admin)
	expectStatus(t, resp, http.StatusOK)
	body = decode[map[string]any](t, resp)
	if perms, ok := body["permissions"].([]any); !ok || len(perms) != 0 {
		t.Fatalf("expected empty permissions array, got %v", body["permissions"])
	}
}

func TestMyTerritoriesAndAccess(t *testing.T) {
	api := newTestAPI(t)
	viewer := api.token(5, "consulta")

	resp := api.do(http.MethodGet, "/v1/me/territories", nil, viewer)
	expectStatus(t, resp, http.StatusOK)
	body := decode[map[string]any](t, resp)
	if data := body["data"].([]any); len(data) != 1 {
		t.Fatalf("unexpected territories: %v", data)
	}

	resp = api.do(http.MethodGet, "/v1/me/access/10/view", nil, viewer)
	expectStatus(t, resp, http.StatusOK)
	if body := decode[map[string]any](t, resp); body["allowed"] != true {
		t.Fatalf("expected access, got %v", body)
	}

	resp = api.do(http.MethodGet, "/v1/me/access/20/view", nil, viewer)
	expectStatus(t, resp, http.StatusOK)
	if body := decode[map[string]any](t, resp); body["allowed"] != false {
		t.Fatalf("expected no access, got %v", body)
	}
}

func TestRoleEndpoints(t *testing.T) {
	api := newTestAPI(t)
	admin := api.token(1, AdminRole)

	resp := api.do(http.MethodPost, "/v1/roles", map[string]any{"name": "operador", "permission_ids": []int64{1, 2}}, admin)
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/roles", map[string]any{"name": "operador"}, admin)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = api.do(http.MethodGet, "/v1/roles/2", nil, admin)
	expectStatus(t, resp, http.StatusOK)
	rd := decode[map[string]any](t, resp)
	if rd["name"] != "operador" {
		t.Fatalf("unexpected role: %v", rd)
	}

	resp = api.do(http.MethodGet, "/v1/roles/42", nil, admin)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestAuditLogQuery(t *testing.T) {
	api := newTestAPI(t)
	admin := api.token(1, AdminRole)

	q := url.Values{}
	q.Set("module", "users")
	q.Set("user_id", "1")
	q.Set("from", "2024-01-01")
	q.Set("to", "2024-01-31")
	resp := api.do(http.MethodGet, "/v1/audit-logs?"+q.Encode(), nil, admin)
	expectStatus(t, resp, http.StatusOK)
	p := decode[map[string]any](t, resp)
	if p["total"].(float64) != 1 {
		t.Fatalf("unexpected page: %v", p)
	}
	f := api.audit.last
	if f.Module != "users" || f.UserID != 1 || f.From.IsZero() {
		t.Fatalf("unexpected filter: %+v", f)
	}
	if f.To.Day() != 31 || f.To.Hour() != 23 {
		t.Fatalf("expected end of day upper bound, got %v", f.To)
	}

	resp = api.do(http.MethodGet, "/v1/audit-logs?from=yesterday", nil, admin)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestHealthAndReady(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(http.MethodGet, "/healthz", nil, "")
	expectStatus(t, resp, http.StatusOK)
	body := decode[map[string]any](t, resp)
	if body["service"] != "territoria-api" || body["version"] != "test" {
		t.Fatalf("unexpected health body: %v", body)
	}

	resp = api.do(http.MethodGet, "/readyz", nil, "")
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.do(http.MethodGet, "/v1/nowhere", nil, api.token(1, AdminRole))
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestUnavailableServices(t *testing.T) {
	t.Setenv("TERRITORIA_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	api := New(Deps{})
	req := httptest.NewRequest(http.MethodGet, "/v1/permissions", nil)
	token, _ := auth.GenerateToken(1, []string{AdminRole}, time.Hour)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
