// Package stream manages the long-lived push channel from the agent
// daemon. Inbound frames are newline-delimited JSON envelopes; each valid
// frame becomes an Event, and chat-typed events land in the transcript.
// A handle never reconnects on its own: transport failure is terminal and
// the caller opens a fresh handle to try again.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/metric"

	"github.com/whytehoux-projecty/LAS/internal/api"
	"github.com/whytehoux-projecty/LAS/internal/bus"
	"github.com/whytehoux-projecty/LAS/internal/otel"
	"github.com/whytehoux-projecty/LAS/internal/transcript"
)

// State is the connection lifecycle state. Closed and Errored are terminal
// for a handle; only a new Open call yields a Connecting handle again.
type State string

const (
	StateConnecting State = "Connecting"
	StateOpen       State = "Open"
	StateClosed     State = "Closed"
	StateErrored    State = "Errored"
)

// envelopeSchema is the wire contract for one frame: a self-describing
// record with a type discriminator and an arbitrary data payload.
const envelopeSchema = `{
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"data": {}
	}
}`

// Event is one validated inbound frame.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// chatData is the payload of a chat-typed event.
type chatData struct {
	Content   string `json:"content"`
	Reasoning string `json:"reasoning"`
	AgentName string `json:"agent_name"`
}

// Config holds the Manager dependencies.
type Config struct {
	Client     *api.Client
	Transcript *transcript.Store
	Bus        *bus.Bus
	Logger     *slog.Logger
	Metrics    *otel.Metrics // nil disables instrumentation
}

// Manager opens push-channel handles. It is safe for concurrent use.
type Manager struct {
	client     *api.Client
	transcript *transcript.Store
	eventBus   *bus.Bus
	logger     *slog.Logger
	metrics    *otel.Metrics
	schema     *jsonschema.Schema
}

// NewManager compiles the frame schema and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal frame schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("frame.json", doc); err != nil {
		return nil, fmt.Errorf("add frame schema: %w", err)
	}
	schema, err := compiler.Compile("frame.json")
	if err != nil {
		return nil, fmt.Errorf("compile frame schema: %w", err)
	}
	return &Manager{
		client:     cfg.Client,
		transcript: cfg.Transcript,
		eventBus:   cfg.Bus,
		logger:     logger,
		metrics:    cfg.Metrics,
		schema:     schema,
	}, nil
}

// Handle is one push-channel connection. Events() grows as frames arrive
// and is closed when the handle reaches a terminal state.
type Handle struct {
	mgr    *Manager
	cancel context.CancelFunc
	events chan Event

	mu    sync.Mutex
	state State
	err   error
	body  io.ReadCloser
}

// Open dials the push channel. The returned handle starts in Connecting
// and flips to Open on the first valid inbound frame. If the dial itself
// fails the handle is returned in Errored alongside the error.
func (m *Manager) Open(ctx context.Context) (*Handle, error) {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		mgr:    m,
		cancel: cancel,
		events: make(chan Event, 256),
		state:  StateConnecting,
	}
	m.publishState(StateConnecting, nil)

	body, err := m.client.OpenStream(ctx)
	if err != nil {
		cancel()
		h.transition(StateErrored, err)
		close(h.events)
		return h, err
	}

	h.mu.Lock()
	h.body = body
	h.mu.Unlock()

	go h.readLoop(ctx, body)
	return h, nil
}

// Events returns the inbound event sequence. The channel is buffered;
// events past a full buffer are dropped for this channel only, after
// dispatch. It is closed when the handle closes or errors.
func (h *Handle) Events() <-chan Event {
	return h.events
}

// State returns the current connection state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns the transport error for an Errored handle, nil otherwise.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Close tears the connection down. Idempotent; safe after an error. No
// events are delivered after Close returns the handle to Closed.
func (h *Handle) Close() {
	h.cancel()
	h.transition(StateClosed, nil)

	h.mu.Lock()
	body := h.body
	h.body = nil
	h.mu.Unlock()
	if body != nil {
		body.Close()
	}
}

// transition moves to a terminal or open state. Terminal states stick: a
// handle that errored stays Errored even if Close is called afterwards.
func (h *Handle) transition(next State, cause error) {
	h.mu.Lock()
	if h.state == StateClosed || h.state == StateErrored {
		h.mu.Unlock()
		return
	}
	h.state = next
	h.err = cause
	h.mu.Unlock()
	h.mgr.publishState(next, cause)
}

func (m *Manager) publishState(s State, cause error) {
	ev := bus.ConnStateEvent{State: string(s)}
	if cause != nil {
		ev.Err = cause.Error()
	}
	if m.eventBus != nil {
		m.eventBus.Publish(bus.TopicConnState, ev)
	}
}

// maxFrameSize bounds one NDJSON line; screenshot-free chat frames are
// tiny, but reasoning payloads can run long.
const maxFrameSize = 1 << 20

func (h *Handle) readLoop(ctx context.Context, body io.ReadCloser) {
	defer close(h.events)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ev, ok := h.mgr.parseFrame(ctx, line)
		if !ok {
			continue
		}

		// First valid frame confirms the channel is live.
		h.mu.Lock()
		if h.state == StateConnecting {
			h.state = StateOpen
			h.mu.Unlock()
			h.mgr.publishState(StateOpen, nil)
		} else if h.state != StateOpen {
			// Closed while a frame was in flight; drop it.
			h.mu.Unlock()
			return
		} else {
			h.mu.Unlock()
		}

		h.mgr.dispatch(ctx, ev)
		// Handle-channel delivery never gates the read loop: a consumer
		// that stops draining loses raw events, not transcript updates.
		select {
		case h.events <- ev:
		default:
		}
	}

	// Reader ended: deliberate close keeps Closed, anything else is a
	// transport failure.
	err := scanner.Err()
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	h.mgr.logger.Warn("push channel lost", "error", err)
	h.transition(StateErrored, err)

	h.mu.Lock()
	b := h.body
	h.body = nil
	h.mu.Unlock()
	if b != nil {
		b.Close()
	}
}

// parseFrame validates one NDJSON line against the envelope schema.
// Malformed frames are dropped without touching the connection state.
func (m *Manager) parseFrame(ctx context.Context, line string) (Event, bool) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(line))
	if err != nil {
		m.dropFrame(ctx, "not JSON", err)
		return Event{}, false
	}
	if err := m.schema.Validate(doc); err != nil {
		m.dropFrame(ctx, "envelope mismatch", err)
		return Event{}, false
	}
	var ev Event
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		m.dropFrame(ctx, "decode", err)
		return Event{}, false
	}
	if m.metrics != nil {
		m.metrics.StreamEvents.Add(ctx, 1,
			metric.WithAttributes(otel.AttrEventType.String(ev.Type)))
	}
	return ev, true
}

func (m *Manager) dropFrame(ctx context.Context, reason string, err error) {
	if m.metrics != nil {
		m.metrics.StreamDropped.Add(ctx, 1)
	}
	m.logger.Debug("dropped push frame", "reason", reason, "error", err)
}

// dispatch routes known event types. Chat frames become agent transcript
// entries, deduplicated against the poll writer by content fingerprint.
func (m *Manager) dispatch(ctx context.Context, ev Event) {
	switch ev.Type {
	case "chat":
		var data chatData
		if err := json.Unmarshal(ev.Data, &data); err != nil || data.Content == "" {
			m.dropFrame(ctx, "chat payload", err)
			return
		}
		_, appended := m.transcript.AppendAgentAnswer(transcript.Entry{
			Content:    data.Content,
			Reasoning:  data.Reasoning,
			AgentLabel: data.AgentName,
		}, "stream")
		if !appended && m.metrics != nil {
			m.metrics.DedupDrops.Add(ctx, 1)
		}
	default:
		// Unknown types ride through on Events() for the UI to inspect.
	}
}
