package transcript

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whytehoux-projecty/LAS/internal/bus"
	"github.com/whytehoux-projecty/LAS/internal/persistence"
)

// Archiver copies appended transcript entries into the sqlite archive so
// the conversation survives the session. It consumes the bus rather than
// hooking the store directly, which keeps the append path synchronous and
// the disk write off it.
type Archiver struct {
	store     *persistence.Store
	eventBus  *bus.Bus
	logger    *slog.Logger
	sessionID string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewArchiver creates an Archiver writing under a fresh session id.
func NewArchiver(store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		store:     store,
		eventBus:  eventBus,
		logger:    logger,
		sessionID: uuid.New().String(),
	}
}

// SessionID returns the archive session this run writes under.
func (a *Archiver) SessionID() string {
	return a.sessionID
}

// Start registers the archive session and begins consuming appended
// entries in a background goroutine.
func (a *Archiver) Start(ctx context.Context) error {
	if err := a.store.EnsureArchiveSession(ctx, a.sessionID); err != nil {
		return err
	}

	ctx, a.cancel = context.WithCancel(ctx)
	sub := a.eventBus.Subscribe(bus.TopicTranscriptAppended)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.eventBus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				a.persist(ctx, ev)
			}
		}
	}()
	return nil
}

// Stop halts consumption and waits for the in-flight write to finish.
func (a *Archiver) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

func (a *Archiver) persist(ctx context.Context, ev bus.Event) {
	payload, ok := ev.Payload.(bus.TranscriptAppendedEvent)
	if !ok {
		return
	}
	insertedAt := payload.InsertedAt
	if insertedAt.IsZero() {
		insertedAt = time.Now()
	}
	err := a.store.AppendArchiveEntry(ctx, persistence.ArchiveEntry{
		SessionID:     a.sessionID,
		Role:          payload.Role,
		Content:       payload.Content,
		Reasoning:     payload.Reasoning,
		AgentLabel:    payload.AgentLabel,
		Status:        payload.Status,
		CorrelationID: payload.CorrelationID,
		InsertedAt:    insertedAt,
	})
	if err != nil && ctx.Err() == nil {
		a.logger.Error("archive transcript entry", "error", err)
	}
}
