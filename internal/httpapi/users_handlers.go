package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"territoria.org/internal/access"
	"territoria.org/internal/users"
)

type permissionRequest struct {
	MunicipalityID int64 `json:"municipality_id"`
	PermissionID   int64 `json:"permission_id"`
	Grant          *bool `json:"grant"`
}

type batchRequest struct {
	Changes []access.GrantChange `json:"changes"`
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if a.users == nil {
		unavailable(w, r, "users")
		return
	}
	pageNum, limit, err := paging(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	f := users.Filter{
		Search: strings.TrimSpace(q.Get("search")),
		Limit:  limit,
		Offset: (pageNum - 1) * limit,
	}
	if raw := q.Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "active must be a boolean")
			return
		}
		f.Active = &active
	}
	for name, dst := range map[string]*int64{
		"job_title_id":    &f.JobTitleID,
		"role_id":         &f.RoleID,
		"municipality_id": &f.MunicipalityID,
	} {
		v, err := parseInt64(q.Get(name))
		if err != nil {
			writeError(w, r, http.StatusBadRequest, name+" "+err.Error())
			return
		}
		*dst = v
	}

	list, total, err := a.users.List(r.Context(), f)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if list == nil {
		list = []access.User{}
	}
	writeJSON(w, http.StatusOK, page{Data: list, Total: total, Page: pageNum, Limit: limit})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if a.users == nil {
		unavailable(w, r, "users")
		return
	}
	var in users.CreateInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	d, err := a.users.Create(r.Context(), in)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	if a.users == nil {
		unavailable(w, r, "users")
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	d, err := a.users.Get(r.Context(), id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	if a.users == nil {
		unavailable(w, r, "users")
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var in users.UpdateInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	d, err := a.users.Update(r.Context(), id, in)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	if a.users == nil {
		unavailable(w, r, "users")
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.users.Deactivate(r.Context(), id); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUserGrants(w http.ResponseWriter, r *http.Request) {
	if a.users == nil {
		unavailable(w, r, "users")
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	m, err := a.users.Grants(r.Context(), id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeMatrix(w, id, m)
}

// handleSetPermission toggles one (municipality, permission) cell as an exception.
func (a *API) handleSetPermission(w http.ResponseWriter, r *http.Request) {
	if a.users == nil {
		unavailable(w, r, "users")
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req permissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Grant == nil {
		writeError(w, r, http.StatusBadRequest, "grant is required")
		return
	}
	m, err := a.users.SetPermission(r.Context(), id, req.MunicipalityID, req.PermissionID, *req.Grant)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeMatrix(w, id, m)
}

func (a *API) handleApplyBatch(w http.ResponseWriter, r *http.Request) {
	if a.users == nil {
		unavailable(w, r, "users")
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req batchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	m, err := a.users.ApplyBatch(r.Context(), id, req.Changes)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeMatrix(w, id, m)
}

func writeMatrix(w http.ResponseWriter, userID int64, m access.Matrix) {
	if m == nil {
		m = access.Matrix{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     userID,
		"permissions": m,
	})
}
