package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"territoria.org/internal/access"
)

type countingPurger struct {
	calls     atomic.Int32
	olderThan time.Duration
	err       error
}

func (p *countingPurger) PurgeRevoked(ctx context.Context, olderThan time.Duration) (int64, error) {
	p.calls.Add(1)
	p.olderThan = olderThan
	return 3, p.err
}

func TestRunContextPassesRetention(t *testing.T) {
	p := &countingPurger{}
	n, err := NewPurgeGrantsJob(p, 48*time.Hour).RunContext(context.Background())
	if err != nil {
		t.Fatalf("RunContext: %v", err)
	}
	if n != 3 || p.olderThan != 48*time.Hour {
		t.Fatalf("unexpected purge: n=%d olderThan=%v", n, p.olderThan)
	}
}

func TestRunContextError(t *testing.T) {
	p := &countingPurger{err: errors.New("db down")}
	if _, err := NewPurgeGrantsJob(p, time.Hour).RunContext(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestSchedulerRunsJob(t *testing.T) {
	p := &countingPurger{}
	s := NewScheduler()
	if err := s.Add("@every 1s", NewPurgeGrantsJob(p, time.Hour)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add("not a spec", NewPurgeGrantsJob(p, time.Hour)); err == nil {
		t.Fatal("expected invalid spec to fail")
	}
	s.Start()
	deadline := time.Now().Add(3 * time.Second)
	for p.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if p.calls.Load() == 0 {
		t.Fatal("job never ran")
	}
}

func TestPurgeAgainstEngine(t *testing.T) {
	mem := access.NewMemoryStore()
	mem.AddPermission(access.Permission{ID: 1, Name: "view", Active: true})
	mem.AddMunicipality(access.Municipality{ID: 10, Num: 1, Name: "Abasolo", Active: true})
	u := mem.AddUser(access.User{Email: "ana@example.org", Active: true})
	engine, err := access.NewEngine(mem)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	ctx := context.Background()
	req := access.ExceptionRequest{UserID: u.ID, MunicipalityID: 10, PermissionID: 1, Grant: true}
	if _, err := engine.SetException(ctx, req); err != nil {
		t.Fatalf("grant: %v", err)
	}
	req.Grant = false
	if _, err := engine.SetException(ctx, req); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	n, err := NewPurgeGrantsJob(engine, time.Hour).RunContext(ctx)
	if err != nil {
		t.Fatalf("RunContext: %v", err)
	}
	if n != 0 {
		t.Fatalf("fresh revocation purged: %d", n)
	}
	if len(mem.AllGrants(u.ID)) != 1 {
		t.Fatal("revoked row should be kept within retention")
	}
}
