package access

import (
	"context"
	"time"
)

// Op names a committed matrix mutation.
type Op string

const (
	OpProvision    Op = "PROVISION"
	OpResync       Op = "RESYNC"
	OpSetException Op = "SET_EXCEPTION"
	OpApplyBatch   Op = "APPLY_BATCH"
	OpRevokeAll    Op = "REVOKE_ALL"
)

// Event describes a committed change to one user's matrix.
type Event struct {
	Op             Op         `json:"op"`
	UserID         int64      `json:"user_id"`
	ActorID        *int64     `json:"actor_id,omitempty"`
	Added          []GrantKey `json:"added"`
	Removed        []GrantKey `json:"removed"`
	Municipalities []int64    `json:"municipalities"`
	At             time.Time  `json:"at"`
}

// Listener consumes committed events. It runs on the committing goroutine and
// must not block; slow work belongs on the listener's own goroutine.
type Listener interface {
	MatrixCommitted(ctx context.Context, evt Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, evt Event)

func (f ListenerFunc) MatrixCommitted(ctx context.Context, evt Event) { f(ctx, evt) }

func (e *Engine) emitAfterCommit(ctx context.Context, tx Tx, evt Event) {
	if len(e.listeners) == 0 {
		return
	}
	tx.AfterCommit(func() {
		for _, l := range e.listeners {
			l.MatrixCommitted(ctx, evt)
		}
	})
}
