package audit

import (
	"context"
	"time"
)

// ModuleAll disables module filtering in queries.
const ModuleAll = "ALL"

// Entry is one persisted audit record.
type Entry struct {
	ID        string         `json:"id"`
	UserID    *int64         `json:"user_id,omitempty"`
	Action    string         `json:"action"`
	Module    string         `json:"module"`
	EntityID  string         `json:"entity_id,omitempty"`
	Details   map[string]any `json:"details"`
	IP        string         `json:"ip,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Filter narrows audit queries. Zero values mean "no constraint".
type Filter struct {
	Module string
	Action string
	Search string
	UserID int64
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// Store persists audit entries.
type Store interface {
	InsertEntry(ctx context.Context, e Entry) error
	QueryEntries(ctx context.Context, f Filter) ([]Entry, int, error)
}
