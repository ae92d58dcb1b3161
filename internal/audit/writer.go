package audit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"territoria.org/internal/access"
	"territoria.org/internal/ids"
	"territoria.org/internal/obs"
)

// ModuleUserPermissions tags entries produced by committed matrix events.
const ModuleUserPermissions = "USER_PERMISSIONS"

const (
	defaultQueueSize    = 1024
	defaultWriteTimeout = 5 * time.Second
	defaultQueryLimit   = 50
	maxQueryLimit       = 500
)

var errNoStore = errors.New("audit: store not configured")

type job struct {
	ctx   context.Context
	entry Entry
	evt   *access.Event
}

// Writer persists audit entries on its own goroutine. Record never blocks the
// caller and never returns persistence failures; they are logged and counted.
type Writer struct {
	store   Store
	names   *names
	queue   chan job
	done    chan struct{}
	timeout time.Duration
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// WriterOption configures a Writer.
type WriterOption func(*writerConfig)

type writerConfig struct {
	queueSize int
	timeout   time.Duration
	lookup    access.Store
	cacheTTL  time.Duration
	now       func() time.Time
}

// WithQueueSize bounds the number of pending entries. Entries beyond it are dropped.
func WithQueueSize(n int) WriterOption {
	return func(c *writerConfig) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithWriteTimeout bounds a single insert.
func WithWriteTimeout(d time.Duration) WriterOption {
	return func(c *writerConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithNames enables municipality and permission name lookups for matrix entries.
func WithNames(store access.Store) WriterOption {
	return func(c *writerConfig) { c.lookup = store }
}

// WithCacheTTL sets how long resolved names are cached.
func WithCacheTTL(d time.Duration) WriterOption {
	return func(c *writerConfig) { c.cacheTTL = d }
}

func withClock(now func() time.Time) WriterOption {
	return func(c *writerConfig) { c.now = now }
}

// NewWriter starts a writer backed by store. Call Close to drain it.
func NewWriter(store Store, opts ...WriterOption) (*Writer, error) {
	if store == nil {
		return nil, errNoStore
	}
	cfg := writerConfig{queueSize: defaultQueueSize, timeout: defaultWriteTimeout, now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	w := &Writer{
		store:   store,
		queue:   make(chan job, cfg.queueSize),
		done:    make(chan struct{}),
		timeout: cfg.timeout,
		now:     cfg.now,
	}
	if cfg.lookup != nil {
		w.names = newNames(cfg.lookup, cfg.cacheTTL)
	}
	go w.run()
	return w, nil
}

// Record enqueues an entry. Request metadata is taken from ctx and sensitive
// details are masked before the entry leaves the caller.
func (w *Writer) Record(ctx context.Context, e Entry) {
	e.Action = strings.ToUpper(strings.TrimSpace(e.Action))
	e.Module = strings.ToUpper(strings.TrimSpace(e.Module))
	if e.Action == "" || e.Module == "" {
		obs.Logger().WithField("type", "audit").Warn("audit entry without action or module ignored")
		return
	}
	e.Details = Mask(e.Details)
	w.enqueue(ctx, e, nil)
}

// MatrixCommitted records a committed matrix change. Names are resolved on the
// writer goroutine so the committing request is not delayed.
func (w *Writer) MatrixCommitted(ctx context.Context, evt access.Event) {
	e := Entry{
		UserID:    evt.ActorID,
		Action:    string(evt.Op),
		Module:    ModuleUserPermissions,
		EntityID:  strconv.FormatInt(evt.UserID, 10),
		CreatedAt: evt.At,
	}
	w.enqueue(ctx, e, &evt)
}

func (w *Writer) enqueue(ctx context.Context, e Entry, evt *access.Event) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = w.now().UTC()
	}
	if e.ID == "" {
		e.ID = ids.At(e.CreatedAt)
	}
	stamp(ctx, &e)

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.drop(e, "writer closed")
		return
	}
	select {
	case w.queue <- job{ctx: context.WithoutCancel(ctx), entry: e, evt: evt}:
	default:
		w.drop(e, "queue full")
	}
}

func (w *Writer) drop(e Entry, reason string) {
	obs.CountAudit("dropped")
	obs.Logger().WithFields(logrus.Fields{
		"type":   "audit",
		"action": e.Action,
		"module": e.Module,
		"reason": reason,
	}).Warn("audit entry dropped")
}

func (w *Writer) run() {
	defer close(w.done)
	for j := range w.queue {
		w.write(j)
	}
}

func (w *Writer) write(j job) {
	ctx, cancel := context.WithTimeout(j.ctx, w.timeout)
	defer cancel()

	e := j.entry
	if j.evt != nil {
		e.Details = w.names.matrixDetails(ctx, *j.evt)
	}
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	err := w.store.InsertEntry(ctx, e)
	if err != nil {
		obs.CountAudit("failed")
	} else {
		obs.CountAudit("written")
	}
	logEntry(e, err)
}

// Query lists persisted entries, newest first, with the total match count.
func (w *Writer) Query(ctx context.Context, f Filter) ([]Entry, int, error) {
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return nil, 0, fmt.Errorf("%w: audit range ends before it starts", access.ErrInvalidInput)
	}
	if f.Limit < 0 || f.Offset < 0 {
		return nil, 0, fmt.Errorf("%w: negative paging", access.ErrInvalidInput)
	}
	if f.Limit == 0 {
		f.Limit = defaultQueryLimit
	}
	if f.Limit > maxQueryLimit {
		f.Limit = maxQueryLimit
	}
	f.Module = strings.ToUpper(strings.TrimSpace(f.Module))
	if f.Module == ModuleAll {
		f.Module = ""
	}
	f.Action = strings.ToUpper(strings.TrimSpace(f.Action))
	f.Search = strings.TrimSpace(f.Search)
	return w.store.QueryEntries(ctx, f)
}

// Close stops accepting entries and waits for the queue to drain or ctx to end.
func (w *Writer) Close(ctx context.Context) error {
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.queue)
		w.mu.Unlock()
	})
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ access.Listener = (*Writer)(nil)
