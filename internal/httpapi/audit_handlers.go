package httpapi

import (
	"net/http"
	"strings"
	"time"

	"territoria.org/internal/audit"
)

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if a.auditLog == nil {
		unavailable(w, r, "audit log")
		return
	}
	pageNum, limit, err := paging(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	f := audit.Filter{
		Module: strings.TrimSpace(q.Get("module")),
		Action: strings.TrimSpace(q.Get("action")),
		Search: strings.TrimSpace(q.Get("search")),
		Limit:  limit,
		Offset: (pageNum - 1) * limit,
	}
	if f.UserID, err = parseInt64(q.Get("user_id")); err != nil {
		writeError(w, r, http.StatusBadRequest, "user_id "+err.Error())
		return
	}
	if f.From, err = parseTime(q.Get("from"), false); err != nil {
		writeError(w, r, http.StatusBadRequest, "from: "+err.Error())
		return
	}
	if f.To, err = parseTime(q.Get("to"), true); err != nil {
		writeError(w, r, http.StatusBadRequest, "to: "+err.Error())
		return
	}

	entries, total, err := a.auditLog.Query(r.Context(), f)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page{Data: nonNil(entries), Total: total, Page: pageNum, Limit: limit})
}

// parseTime accepts RFC3339 or a bare date; a bare upper bound covers the whole day.
func parseTime(raw string, endOfDay bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	d, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		d = d.Add(24*time.Hour - time.Nanosecond)
	}
	return d, nil
}
