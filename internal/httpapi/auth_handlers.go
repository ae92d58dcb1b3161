package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"territoria.org/internal/auth"
)

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if a.users == nil {
		unavailable(w, r, "users")
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Login) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "login and password are required")
		return
	}
	res, err := a.users.Authenticate(r.Context(), req.Login, req.Password)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleMyTerritories lists the caller's municipalities with their permissions.
func (a *API) handleMyTerritories(w http.ResponseWriter, r *http.Request) {
	if a.users == nil {
		unavailable(w, r, "users")
		return
	}
	uid, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthenticated")
		return
	}
	territories, err := a.users.Territories(r.Context(), uid)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": territories})
}

func (a *API) handleMyAccess(w http.ResponseWriter, r *http.Request) {
	if a.users == nil {
		unavailable(w, r, "users")
		return
	}
	uid, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthenticated")
		return
	}
	vars := mux.Vars(r)
	muniID, err := strconv.ParseInt(vars["municipalityId"], 10, 64)
	if err != nil || muniID <= 0 {
		writeError(w, r, http.StatusBadRequest, "municipalityId must be a positive integer")
		return
	}
	perm := vars["permission"]
	allowed, err := a.users.HasAccess(r.Context(), uid, muniID, perm)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"municipality_id": muniID,
		"permission":      perm,
		"allowed":         allowed,
	})
}
