// Package poll drives the fixed-cadence synchronization loop against the
// agent daemon: a liveness probe, the latest-answer fetch, and the latest
// screenshot, every tick. Fetch failures are transient by definition here;
// they are logged and retried on the next tick, never surfaced as fatal.
package poll

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/whytehoux-projecty/LAS/internal/api"
	"github.com/whytehoux-projecty/LAS/internal/bus"
	"github.com/whytehoux-projecty/LAS/internal/otel"
	"github.com/whytehoux-projecty/LAS/internal/transcript"
)

// DefaultInterval is the poll cadence when none is configured.
const DefaultInterval = 3 * time.Second

// Snapshot is the one held screenshot. At most one non-released snapshot
// exists per synchronizer; installing a replacement releases the previous
// one first.
type Snapshot struct {
	Data        []byte
	Placeholder bool
	FetchedAt   time.Time
}

// Release frees the backing image buffer.
func (s *Snapshot) Release() {
	s.Data = nil
}

// placeholder stands in when no screenshot could be fetched. It owns no
// buffer, so it is never released.
var placeholder = &Snapshot{Placeholder: true}

// Config holds the Synchronizer dependencies.
type Config struct {
	Client     *api.Client
	Transcript *transcript.Store
	Bus        *bus.Bus
	Logger     *slog.Logger
	Metrics    *otel.Metrics // nil disables instrumentation
	Tracer     trace.Tracer  // nil disables spans
	// Interval is the tick cadence; zero means DefaultInterval.
	Interval time.Duration
}

// Synchronizer polls the daemon on a fixed cadence. Start and Stop pair;
// after Stop returns, no result mutates shared state even if a fetch is
// still in flight.
type Synchronizer struct {
	client     *api.Client
	transcript *transcript.Store
	eventBus   *bus.Bus
	logger     *slog.Logger
	metrics    *otel.Metrics
	tracer     trace.Tracer
	interval   time.Duration

	mu      sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	online  bool
	held    *Snapshot
}

// New creates a stopped Synchronizer.
func New(cfg Config) *Synchronizer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Synchronizer{
		client:     cfg.Client,
		transcript: cfg.Transcript,
		eventBus:   cfg.Bus,
		logger:     logger,
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
		interval:   interval,
		held:       placeholder,
	}
}

// Start begins ticking. The first round of fetches runs immediately, then
// every interval. No-op if already running.
func (s *Synchronizer) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.stopped = false
	s.cancel = cancel
	s.mu.Unlock()

	go s.loop(ctx)
}

// Stop halts the loop. After Stop returns no further fetch starts, and
// any fetch already in flight has its result discarded. Idempotent.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.stopped = true
	s.cancel()
	s.cancel = nil
}

// Online reports the last liveness result.
func (s *Synchronizer) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Snapshot returns the currently-held screenshot. Never nil; the
// placeholder is returned when nothing has been fetched yet.
func (s *Synchronizer) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

func (s *Synchronizer) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs the three fetches concurrently; each installs its own result
// independently, so one slow or failing endpoint never delays the others.
func (s *Synchronizer) tick(ctx context.Context) {
	start := time.Now()
	if s.tracer != nil {
		var span trace.Span
		ctx, span = otel.StartSpan(ctx, s.tracer, "poll.tick")
		defer span.End()
	}
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); s.fetchHealth(ctx) }()
	go func() { defer wg.Done(); s.fetchAnswer(ctx) }()
	go func() { defer wg.Done(); s.fetchScreenshot(ctx) }()
	wg.Wait()

	if s.metrics != nil {
		s.metrics.PollTickDur.Record(ctx, time.Since(start).Seconds())
	}
}

func (s *Synchronizer) fetchHealth(ctx context.Context) {
	_, err := s.client.Health(ctx)
	if err != nil {
		s.noteFetchError(ctx, "health", err)
	}
	s.setOnline(err == nil)
}

func (s *Synchronizer) fetchAnswer(ctx context.Context) {
	answer, err := s.client.LatestAnswer(ctx)
	if err != nil {
		s.noteFetchError(ctx, "latest_answer", err)
		return
	}
	if answer.Answer == "" {
		return
	}

	// The stopped check and the append share the synchronizer lock so a
	// result landing after Stop can never reach the transcript.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	_, appended := s.transcript.AppendAgentAnswer(transcript.Entry{
		Content:       answer.Answer,
		Reasoning:     answer.Reasoning,
		AgentLabel:    answer.AgentName,
		Status:        answer.Status,
		CorrelationID: answer.UID,
	}, "poll")
	if !appended && s.metrics != nil {
		s.metrics.DedupDrops.Add(ctx, 1)
	}
}

func (s *Synchronizer) fetchScreenshot(ctx context.Context) {
	data, err := s.client.Screenshot(ctx, time.Now().UnixMilli())
	if err != nil {
		s.noteFetchError(ctx, "screenshot", err)
		s.install(placeholder)
		return
	}
	s.install(&Snapshot{Data: data, FetchedAt: time.Now()})
}

// install swaps in a new screenshot, releasing the replaced one unless it
// is the shared placeholder. Holding at most one live buffer is the whole
// contract here.
func (s *Synchronizer) install(next *Snapshot) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		if !next.Placeholder {
			next.Release()
		}
		return
	}
	// Release the outgoing buffer before the swap so at most one live
	// buffer ever exists.
	if prev := s.held; prev != nil && !prev.Placeholder && prev != next {
		prev.Release()
	}
	s.held = next
	s.mu.Unlock()

	if s.eventBus != nil {
		s.eventBus.Publish(bus.TopicPollScreenshot, bus.PollScreenshotEvent{
			Bytes:       len(next.Data),
			Placeholder: next.Placeholder,
		})
	}
}

func (s *Synchronizer) setOnline(online bool) {
	s.mu.Lock()
	if s.stopped || s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	s.mu.Unlock()

	if s.eventBus != nil {
		s.eventBus.Publish(bus.TopicPollOnline, bus.PollOnlineEvent{Online: online})
	}
}

func (s *Synchronizer) noteFetchError(ctx context.Context, endpoint string, err error) {
	if ctx.Err() != nil {
		return
	}
	if s.metrics != nil {
		s.metrics.PollFetchErrors.Add(ctx, 1)
	}
	s.logger.Debug("poll fetch failed", "endpoint", endpoint, "error", err)
}
