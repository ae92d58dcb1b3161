package stream

import (
	"context"
	"testing"
	"time"

	"territoria.org/internal/access"
)

func receive(t *testing.T, ch <-chan access.Event) access.Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return access.Event{}
}

func TestPublishFansOutWithFilter(t *testing.T) {
	hub := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	all := hub.Subscribe(ctx, Filter{})
	only7 := hub.Subscribe(ctx, Filter{UserID: 7})

	hub.MatrixCommitted(ctx, access.Event{Op: access.OpResync, UserID: 3})
	hub.MatrixCommitted(ctx, access.Event{Op: access.OpSetException, UserID: 7})

	if evt := receive(t, all); evt.UserID != 3 {
		t.Fatalf("unexpected first event: %+v", evt)
	}
	if evt := receive(t, all); evt.UserID != 7 {
		t.Fatalf("unexpected second event: %+v", evt)
	}
	if evt := receive(t, only7); evt.UserID != 7 || evt.Op != access.OpSetException {
		t.Fatalf("filtered subscriber got %+v", evt)
	}
	select {
	case evt := <-only7:
		t.Fatalf("unexpected extra event: %+v", evt)
	default:
	}
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	hub := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = hub.Subscribe(ctx, Filter{})

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*4; i++ {
			hub.Publish(access.Event{UserID: int64(i + 1)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	hub := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := hub.Subscribe(ctx, Filter{})
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	if n := hub.Subscribers(); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
}

func TestHubAsEngineListener(t *testing.T) {
	mem := access.NewMemoryStore()
	mem.AddPermission(access.Permission{ID: 1, Name: "view", Active: true})
	mem.AddMunicipality(access.Municipality{ID: 10, Num: 1, Name: "Abasolo", Active: true})
	u := mem.AddUser(access.User{Email: "ana@example.org", Active: true})

	hub := New()
	engine, err := access.NewEngine(mem, access.WithListener(hub))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := hub.Subscribe(ctx, Filter{UserID: u.ID})

	if _, err := engine.SetException(ctx, access.ExceptionRequest{UserID: u.ID, MunicipalityID: 10, PermissionID: 1, Grant: true}); err != nil {
		t.Fatalf("SetException: %v", err)
	}
	evt := receive(t, ch)
	if len(evt.Added) != 1 || evt.Added[0] != (access.GrantKey{MunicipalityID: 10, PermissionID: 1}) {
		t.Fatalf("unexpected event: %+v", evt)
	}
}
