package httpapi

import (
	"net/http"
	"strconv"

	"territoria.org/internal/catalog"
)

type roleRequest struct {
	Name          string  `json:"name"`
	Description   string  `json:"description"`
	PermissionIDs []int64 `json:"permission_ids"`
}

type rolePermissionsRequest struct {
	PermissionIDs []int64 `json:"permission_ids"`
}

type jobTitleRequest struct {
	Name string `json:"name"`
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	if a.catalog == nil {
		unavailable(w, r, "catalog")
		return
	}
	includeInactive, _ := strconv.ParseBool(r.URL.Query().Get("include_inactive"))
	roles, err := a.catalog.ListRoles(r.Context(), includeInactive)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": nonNil(roles)})
}

func (a *API) handleGetRole(w http.ResponseWriter, r *http.Request) {
	if a.catalog == nil {
		unavailable(w, r, "catalog")
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rd, err := a.catalog.Role(r.Context(), id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	if a.catalog == nil {
		unavailable(w, r, "catalog")
		return
	}
	var req roleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rd, err := a.catalog.CreateRole(r.Context(), req.Name, req.Description, req.PermissionIDs)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rd)
}

func (a *API) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	if a.catalog == nil {
		unavailable(w, r, "catalog")
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var upd catalog.RoleUpdate
	if err := decodeJSON(w, r, &upd); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.catalog.UpdateRole(r.Context(), id, upd)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	if a.catalog == nil {
		unavailable(w, r, "catalog")
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.catalog.DeleteRole(r.Context(), id); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSetRolePermissions(w http.ResponseWriter, r *http.Request) {
	if a.catalog == nil {
		unavailable(w, r, "catalog")
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req rolePermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rd, err := a.catalog.SetRolePermissions(r.Context(), id, req.PermissionIDs)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

func (a *API) handleRoleCounts(w http.ResponseWriter, r *http.Request) {
	if a.catalog == nil {
		unavailable(w, r, "catalog")
		return
	}
	counts, err := a.catalog.RoleUserCounts(r.Context())
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": nonNil(counts)})
}

func (a *API) handleListJobTitles(w http.ResponseWriter, r *http.Request) {
	if a.catalog == nil {
		unavailable(w, r, "catalog")
		return
	}
	titles, err := a.catalog.JobTitles(r.Context())
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": nonNil(titles)})
}

func (a *API) handleCreateJobTitle(w http.ResponseWriter, r *http.Request) {
	if a.catalog == nil {
		unavailable(w, r, "catalog")
		return
	}
	var req jobTitleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	jt, err := a.catalog.CreateJobTitle(r.Context(), req.Name)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, jt)
}

func (a *API) handleRenameJobTitle(w http.ResponseWriter, r *http.Request) {
	if a.catalog == nil {
		unavailable(w, r, "catalog")
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req jobTitleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	jt, err := a.catalog.RenameJobTitle(r.Context(), id, req.Name)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jt)
}

func (a *API) handleDeleteJobTitle(w http.ResponseWriter, r *http.Request) {
	if a.catalog == nil {
		unavailable(w, r, "catalog")
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.catalog.DeleteJobTitle(r.Context(), id); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListMunicipalities(w http.ResponseWriter, r *http.Request) {
	if a.catalog == nil {
		unavailable(w, r, "catalog")
		return
	}
	munis, err := a.catalog.Municipalities(r.Context(), r.URL.Query().Get("search"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": nonNil(munis)})
}

func (a *API) handleGetMunicipality(w http.ResponseWriter, r *http.Request) {
	if a.catalog == nil {
		unavailable(w, r, "catalog")
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	m, err := a.catalog.Municipality(r.Context(), id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	if a.catalog == nil {
		unavailable(w, r, "catalog")
		return
	}
	perms, err := a.catalog.Permissions(r.Context())
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": nonNil(perms)})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
