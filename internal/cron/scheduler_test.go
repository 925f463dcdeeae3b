package cron_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/whytehoux-projecty/LAS/internal/cron"
	"github.com/whytehoux-projecty/LAS/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "lasdash.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedArchive(t *testing.T, store *persistence.Store, sessionID string, age time.Duration) {
	t.Helper()
	ctx := context.Background()
	if err := store.EnsureArchiveSession(ctx, sessionID); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	err := store.AppendArchiveEntry(ctx, persistence.ArchiveEntry{
		SessionID:  sessionID,
		Role:       "agent",
		Content:    "archived answer",
		InsertedAt: time.Now().Add(-age),
	})
	if err != nil {
		t.Fatalf("append entry: %v", err)
	}
}

func TestNewScheduler_RejectsBadExpression(t *testing.T) {
	_, err := cron.NewScheduler(cron.Config{
		Store:          openTestStore(t),
		Schedule:       "not a cron expr",
		TranscriptDays: 30,
	})
	if err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestScheduler_SweepPurgesOldEntries(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	oldSession := uuid.New().String()
	freshSession := uuid.New().String()
	seedArchive(t, store, oldSession, 48*time.Hour)
	seedArchive(t, store, freshSession, time.Hour)

	sched, err := cron.NewScheduler(cron.Config{
		Store:          store,
		Schedule:       "0 3 * * *",
		TranscriptDays: 1,
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	sched.Sweep(ctx)

	old, err := store.ListArchiveEntries(ctx, oldSession, 10)
	if err != nil {
		t.Fatalf("list old: %v", err)
	}
	if len(old) != 0 {
		t.Fatalf("old session still has %d entries after sweep", len(old))
	}

	fresh, err := store.ListArchiveEntries(ctx, freshSession, 10)
	if err != nil {
		t.Fatalf("list fresh: %v", err)
	}
	if len(fresh) != 1 {
		t.Fatalf("fresh session has %d entries, want 1", len(fresh))
	}
}

func TestScheduler_NextRunAdvances(t *testing.T) {
	sched, err := cron.NewScheduler(cron.Config{
		Store:          openTestStore(t),
		Schedule:       "0 3 * * *",
		TranscriptDays: 30,
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	next := sched.NextRun()
	if !next.After(time.Now()) {
		t.Fatalf("next run %v is not in the future", next)
	}
	if next.Hour() != 3 || next.Minute() != 0 {
		t.Fatalf("next run %v does not match the 03:00 schedule", next)
	}
}

func TestScheduler_DisabledWithoutHorizon(t *testing.T) {
	sched, err := cron.NewScheduler(cron.Config{
		Store:          openTestStore(t),
		Schedule:       "0 3 * * *",
		TranscriptDays: 0,
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	// Start must be a no-op; Stop must not hang on a loop that never ran.
	sched.Start(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop hung for a disabled scheduler")
	}
}
