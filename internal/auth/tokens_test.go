package auth

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/whytehoux-projecty/LAS/internal/bus"
	"github.com/whytehoux-projecty/LAS/internal/persistence"
)

func newTestTokenStore(t *testing.T) (*TokenStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lasdash.db")
	db, err := persistence.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewTokenStore(db), path
}

func TestTokenStore_GetAbsent(t *testing.T) {
	ts, _ := newTestTokenStore(t)
	_, ok, err := ts.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected absent pair")
	}
}

func TestTokenStore_SetGetClear(t *testing.T) {
	ts, _ := newTestTokenStore(t)
	ctx := context.Background()

	if err := ts.Set(ctx, TokenPair{Access: "a1", Refresh: "r1"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	pair, ok, err := ts.Get(ctx)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if pair.Access != "a1" || pair.Refresh != "r1" {
		t.Fatalf("pair = %+v", pair)
	}

	if err := ts.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok, _ := ts.Get(ctx); ok {
		t.Fatal("pair present after Clear")
	}
}

func TestTokenStore_RejectsPartialPair(t *testing.T) {
	ts, _ := newTestTokenStore(t)
	ctx := context.Background()

	if err := ts.Set(ctx, TokenPair{Access: "only"}); err == nil {
		t.Fatal("expected error for partial pair")
	}
	if _, ok, _ := ts.Get(ctx); ok {
		t.Fatal("partial pair visible after rejected Set")
	}
}

func TestTokenStore_SurvivesReopen(t *testing.T) {
	ts, path := newTestTokenStore(t)
	ctx := context.Background()

	if err := ts.Set(ctx, TokenPair{Access: "a1", Refresh: "r1"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	db2, err := persistence.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	ts2 := NewTokenStore(db2)
	pair, ok, err := ts2.Get(ctx)
	if err != nil || !ok {
		t.Fatalf("Get after reopen: ok=%v err=%v", ok, err)
	}
	if pair.Access != "a1" {
		t.Fatalf("pair = %+v", pair)
	}
}

func TestSession_Lifecycle(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("session.")
	defer b.Unsubscribe(sub)

	s := NewSession(b)
	if s.State() != StateAnonymous {
		t.Fatalf("initial state = %q", s.State())
	}

	s.MarkAuthenticated()
	if s.State() != StateAuthenticated {
		t.Fatalf("state = %q after login", s.State())
	}

	s.Expire("refresh rejected")
	if s.State() != StateAnonymous {
		t.Fatalf("state = %q after expire", s.State())
	}

	// authenticated then expired, in order.
	ev := <-sub.Ch()
	if ev.Topic != bus.TopicSessionAuthenticated {
		t.Fatalf("first topic = %q", ev.Topic)
	}
	ev = <-sub.Ch()
	if ev.Topic != bus.TopicSessionExpired {
		t.Fatalf("second topic = %q", ev.Topic)
	}
	if payload := ev.Payload.(bus.SessionExpiredEvent); payload.Reason != "refresh rejected" {
		t.Fatalf("reason = %q", payload.Reason)
	}
}

func TestSession_ExpireIdempotent(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("session.")
	defer b.Unsubscribe(sub)

	s := NewSession(b)
	s.Expire("noop")
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected event %q for expire of anonymous session", ev.Topic)
	default:
	}
}
