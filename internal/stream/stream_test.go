package stream

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/whytehoux-projecty/LAS/internal/api"
	"github.com/whytehoux-projecty/LAS/internal/auth"
	"github.com/whytehoux-projecty/LAS/internal/bus"
	"github.com/whytehoux-projecty/LAS/internal/persistence"
	"github.com/whytehoux-projecty/LAS/internal/transcript"
)

// streamServer drives the push channel from the test body: each string
// sent on the frames channel is written as one line and flushed; closing
// the channel ends the response.
type streamServer struct {
	srv   *httptest.Server
	opens atomic.Int64

	mu     sync.Mutex
	frames chan string
}

func newStreamServer(t *testing.T) *streamServer {
	t.Helper()
	ss := &streamServer{frames: make(chan string)}
	ss.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stream" {
			http.NotFound(w, r)
			return
		}
		ss.opens.Add(1)
		frames := ss.currentFrames()
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for {
			select {
			case frame, ok := <-frames:
				if !ok {
					return
				}
				fmt.Fprintln(w, frame)
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}))
	t.Cleanup(ss.srv.Close)
	return ss
}

func (ss *streamServer) currentFrames() chan string {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.frames
}

func (ss *streamServer) reset() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.frames = make(chan string)
}

func newTestManager(t *testing.T, baseURL string) (*Manager, *transcript.Store, *bus.Bus) {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "lasdash.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	b := bus.New()
	store := transcript.New(b)
	client := api.New(api.Config{
		BaseURL: baseURL,
		Tokens:  auth.NewTokenStore(db),
		Session: auth.NewSession(b),
	})
	mgr, err := NewManager(Config{Client: client, Transcript: store, Bus: b})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return mgr, store, b
}

func waitForState(t *testing.T, h *Handle, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %q, want %q", h.State(), want)
}

func TestHandle_OpensOnFirstFrame(t *testing.T) {
	ss := newStreamServer(t)
	mgr, store, _ := newTestManager(t, ss.srv.URL)

	h, err := mgr.Open(t.Context())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	if got := h.State(); got != StateConnecting {
		t.Fatalf("initial state = %q, want Connecting", got)
	}

	ss.frames <- `{"type":"chat","data":{"content":"hello from the agent"}}`

	select {
	case ev := <-h.Events():
		if ev.Type != "chat" {
			t.Fatalf("event type = %q", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
	waitForState(t, h, StateOpen)

	entries := store.Snapshot()
	if len(entries) != 1 || entries[0].Content != "hello from the agent" {
		t.Fatalf("transcript = %+v", entries)
	}
	if entries[0].Role != transcript.RoleAgent {
		t.Fatalf("role = %q, want agent", entries[0].Role)
	}
}

func TestHandle_DropsMalformedFramesAndStaysOpen(t *testing.T) {
	ss := newStreamServer(t)
	mgr, store, _ := newTestManager(t, ss.srv.URL)

	h, err := mgr.Open(t.Context())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	ss.frames <- `{"type":"chat","data":{"content":"first"}}`
	<-h.Events()
	waitForState(t, h, StateOpen)

	// Not JSON, then wrong envelope shape, then a valid frame.
	ss.frames <- `this is not json`
	ss.frames <- `{"data":{"content":"no type field"}}`
	ss.frames <- `{"type":"chat","data":{"content":"second"}}`

	select {
	case ev := <-h.Events():
		if ev.Type != "chat" {
			t.Fatalf("event type = %q", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame after malformed ones was not delivered")
	}

	if got := h.State(); got != StateOpen {
		t.Fatalf("state = %q after malformed frames, want Open", got)
	}
	if got := store.Len(); got != 2 {
		t.Fatalf("transcript length = %d, want 2", got)
	}
}

func TestHandle_DeduplicatesAgainstStore(t *testing.T) {
	ss := newStreamServer(t)
	mgr, store, _ := newTestManager(t, ss.srv.URL)

	h, err := mgr.Open(t.Context())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	ss.frames <- `{"type":"chat","data":{"content":"Task complete."}}`
	<-h.Events()
	// Same answer, different surface form: fingerprint-identical.
	ss.frames <- `{"type":"chat","data":{"content":"  task   COMPLETE"}}`
	<-h.Events()

	if got := store.Len(); got != 1 {
		t.Fatalf("transcript length = %d, want 1 after dedup", got)
	}
}

func TestHandle_UnconsumedEventsNeverStallDispatch(t *testing.T) {
	ss := newStreamServer(t)
	mgr, store, _ := newTestManager(t, ss.srv.URL)

	h, err := mgr.Open(t.Context())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	// Nobody reads Events(). The transcript must still receive every
	// frame, well past the handle channel's buffer.
	const total = 300
	for i := 0; i < total; i++ {
		ss.frames <- fmt.Sprintf(`{"type":"chat","data":{"content":"update %d"}}`, i)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && store.Len() < total {
		time.Sleep(5 * time.Millisecond)
	}
	if got := store.Len(); got != total {
		t.Fatalf("transcript length = %d, want %d", got, total)
	}
	if got := h.State(); got != StateOpen {
		t.Fatalf("state = %q, want Open", got)
	}
}

func TestHandle_TransportFailureIsTerminal(t *testing.T) {
	ss := newStreamServer(t)
	mgr, store, busHandle := newTestManager(t, ss.srv.URL)

	sub := busHandle.Subscribe("conn.")
	defer busHandle.Unsubscribe(sub)

	h, err := mgr.Open(t.Context())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ss.frames <- `{"type":"chat","data":{"content":"before the cut"}}`
	<-h.Events()
	waitForState(t, h, StateOpen)

	// Server drops the connection mid-stream.
	close(ss.frames)
	waitForState(t, h, StateErrored)

	if h.Err() == nil {
		t.Fatal("Err() = nil for errored handle")
	}

	// Events channel must be closed; no further delivery.
	select {
	case _, ok := <-h.Events():
		if ok {
			t.Fatal("event delivered after transport failure")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after transport failure")
	}

	// No auto-reconnect: the one dial stays the only dial.
	time.Sleep(50 * time.Millisecond)
	if got := ss.opens.Load(); got != 1 {
		t.Fatalf("stream dials = %d, want 1 (no auto-reconnect)", got)
	}

	// Close after error keeps the Errored state.
	h.Close()
	if got := h.State(); got != StateErrored {
		t.Fatalf("state = %q after Close on errored handle, want Errored", got)
	}

	// Teardown safety: transcript untouched from here on.
	n := store.Len()
	time.Sleep(50 * time.Millisecond)
	if got := store.Len(); got != n {
		t.Fatalf("transcript grew from %d to %d after failure", n, got)
	}
}

func TestHandle_CloseIsIdempotent(t *testing.T) {
	ss := newStreamServer(t)
	mgr, store, _ := newTestManager(t, ss.srv.URL)

	h, err := mgr.Open(t.Context())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ss.frames <- `{"type":"chat","data":{"content":"only entry"}}`
	<-h.Events()

	h.Close()
	h.Close()
	if got := h.State(); got != StateClosed {
		t.Fatalf("state = %q, want Closed", got)
	}

	n := store.Len()
	time.Sleep(50 * time.Millisecond)
	if got := store.Len(); got != n {
		t.Fatalf("transcript mutated after Close: %d -> %d", n, got)
	}
}

func TestManager_ReopenAfterErrorYieldsFreshHandle(t *testing.T) {
	ss := newStreamServer(t)
	mgr, _, _ := newTestManager(t, ss.srv.URL)

	h1, err := mgr.Open(t.Context())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	close(ss.frames)
	waitForState(t, h1, StateErrored)

	ss.reset()
	h2, err := mgr.Open(t.Context())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer h2.Close()

	if got := h2.State(); got != StateConnecting {
		t.Fatalf("fresh handle state = %q, want Connecting", got)
	}
	ss.frames <- `{"type":"status","data":{"phase":"thinking"}}`
	select {
	case ev := <-h2.Events():
		if ev.Type != "status" {
			t.Fatalf("event type = %q", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event on reopened handle")
	}
	waitForState(t, h2, StateOpen)
	if got := ss.opens.Load(); got != 2 {
		t.Fatalf("stream dials = %d, want 2", got)
	}
}
