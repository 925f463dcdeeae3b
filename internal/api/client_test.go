package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/whytehoux-projecty/LAS/internal/auth"
	"github.com/whytehoux-projecty/LAS/internal/bus"
	"github.com/whytehoux-projecty/LAS/internal/persistence"
)

type testEnv struct {
	client  *Client
	tokens  *auth.TokenStore
	session *auth.Session
	bus     *bus.Bus
}

func newTestEnv(t *testing.T, baseURL string) *testEnv {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "lasdash.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	b := bus.New()
	tokens := auth.NewTokenStore(db)
	session := auth.NewSession(b)
	client := New(Config{
		BaseURL: baseURL,
		Tokens:  tokens,
		Session: session,
		Timeout: 5 * time.Second,
	})
	return &testEnv{client: client, tokens: tokens, session: session, bus: b}
}

func writeTokens(w http.ResponseWriter, access, refresh string) {
	json.NewEncoder(w).Encode(map[string]string{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "bearer",
	})
}

func TestClient_AttachesBearerToken(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(HealthStatus{Status: "ok"})
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL)
	if _, err := env.client.Health(t.Context()); err != nil {
		t.Fatalf("Health: %v", err)
	}
	if got := gotAuth.Load().(string); got != "" {
		t.Fatalf("Authorization = %q with no stored pair, want empty", got)
	}

	if err := env.tokens.Set(t.Context(), auth.TokenPair{Access: "acc", Refresh: "ref"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.client.Health(t.Context()); err != nil {
		t.Fatalf("Health: %v", err)
	}
	if got := gotAuth.Load().(string); got != "Bearer acc" {
		t.Fatalf("Authorization = %q, want Bearer acc", got)
	}
}

func TestClient_MeWithoutPairFailsFast(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL)
	_, err := env.client.Me(t.Context())
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("Me with no pair = %v, want ErrNotAuthenticated", err)
	}
	if got := hits.Load(); got != 0 {
		t.Fatalf("daemon hits = %d, want 0 (fail fast without a pair)", got)
	}
}

func TestClient_SingleFlightRefresh(t *testing.T) {
	var refreshCalls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer new-access" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(User{Username: "ada"})
	})
	mux.HandleFunc("/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		// Hold the refresh open long enough for every request to take
		// its first 401 and join the in-flight operation.
		time.Sleep(150 * time.Millisecond)
		writeTokens(w, "new-access", "new-refresh")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	env := newTestEnv(t, srv.URL)
	if err := env.tokens.Set(t.Context(), auth.TokenPair{Access: "stale", Refresh: "old-refresh"}); err != nil {
		t.Fatal(err)
	}

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.client.Me(t.Context())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("request %d: %v", i, err)
		}
	}
	if got := refreshCalls.Load(); got != 1 {
		t.Fatalf("refresh calls = %d, want 1", got)
	}
	pair, ok, _ := env.tokens.Get(t.Context())
	if !ok || pair.Access != "new-access" || pair.Refresh != "new-refresh" {
		t.Fatalf("stored pair = %+v ok=%v", pair, ok)
	}
}

func TestClient_NoDoubleRetry(t *testing.T) {
	var meCalls, refreshCalls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/me", func(w http.ResponseWriter, r *http.Request) {
		meCalls.Add(1)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
	mux.HandleFunc("/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		writeTokens(w, "fresh-access", "fresh-refresh")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	env := newTestEnv(t, srv.URL)
	if err := env.tokens.Set(t.Context(), auth.TokenPair{Access: "a", Refresh: "r"}); err != nil {
		t.Fatal(err)
	}

	_, err := env.client.Me(t.Context())
	if !IsStatus(err, http.StatusUnauthorized) {
		t.Fatalf("err = %v, want 401 StatusError", err)
	}
	if got := meCalls.Load(); got != 2 {
		t.Fatalf("request attempts = %d, want exactly 2", got)
	}
	if got := refreshCalls.Load(); got != 1 {
		t.Fatalf("refresh calls = %d, want exactly 1", got)
	}
}

func TestClient_RefreshFailureTerminatesSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/me", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
	mux.HandleFunc("/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid refresh token", http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	env := newTestEnv(t, srv.URL)
	sub := env.bus.Subscribe("session.")
	defer env.bus.Unsubscribe(sub)

	if err := env.tokens.Set(t.Context(), auth.TokenPair{Access: "a", Refresh: "r"}); err != nil {
		t.Fatal(err)
	}
	env.session.MarkAuthenticated()
	<-sub.Ch() // drain session.authenticated

	_, err := env.client.Me(t.Context())
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}

	// Pairing invariant: both fields gone together.
	if _, ok, _ := env.tokens.Get(t.Context()); ok {
		t.Fatal("token pair still present after refresh failure")
	}
	if env.session.State() != auth.StateAnonymous {
		t.Fatalf("session state = %q, want anonymous", env.session.State())
	}

	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicSessionExpired {
			t.Fatalf("topic = %q, want session.expired", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("no session.expired event")
	}
}

func TestClient_NonAuthErrorsPropagate(t *testing.T) {
	var refreshCalls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/query", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "agent busy", http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		writeTokens(w, "x", "y")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	env := newTestEnv(t, srv.URL)
	_, _, err := env.client.SubmitQuery(t.Context(), "hello", false)
	if !IsStatus(err, http.StatusServiceUnavailable) {
		t.Fatalf("err = %v, want 503 StatusError", err)
	}
	if refreshCalls.Load() != 0 {
		t.Fatal("non-auth failure triggered a refresh")
	}
}

func TestClient_LoginInstallsPair(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["username"] != "ada" || body["password"] != "hunter22" {
			http.Error(w, "bad credentials", http.StatusUnauthorized)
			return
		}
		writeTokens(w, "login-access", "login-refresh")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	env := newTestEnv(t, srv.URL)
	if err := env.client.Login(t.Context(), "ada", "hunter22"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	pair, ok, _ := env.tokens.Get(t.Context())
	if !ok || pair.Access != "login-access" {
		t.Fatalf("pair = %+v ok=%v", pair, ok)
	}
	if env.session.State() != auth.StateAuthenticated {
		t.Fatalf("session state = %q", env.session.State())
	}
}

func TestClient_LogoutClearsLocallyEvenOnServerError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	env := newTestEnv(t, srv.URL)
	if err := env.tokens.Set(t.Context(), auth.TokenPair{Access: "a", Refresh: "r"}); err != nil {
		t.Fatal(err)
	}
	env.session.MarkAuthenticated()

	err := env.client.Logout(t.Context())
	if !IsStatus(err, http.StatusInternalServerError) {
		t.Fatalf("err = %v, want server error surfaced", err)
	}
	if _, ok, _ := env.tokens.Get(t.Context()); ok {
		t.Fatal("pair still present after logout")
	}
	if env.session.State() != auth.StateAnonymous {
		t.Fatalf("session state = %q", env.session.State())
	}
}

func TestClient_SubmitQueryCarriesCorrelationID(t *testing.T) {
	var gotHeader atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/query", func(w http.ResponseWriter, r *http.Request) {
		gotHeader.Store(r.Header.Get("X-Correlation-ID"))
		var req QueryRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(QueryResponse{Answer: "done", UID: "u1"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	env := newTestEnv(t, srv.URL)
	resp, correlationID, err := env.client.SubmitQuery(t.Context(), "do it", true)
	if err != nil {
		t.Fatalf("SubmitQuery: %v", err)
	}
	if resp.Answer != "done" {
		t.Fatalf("answer = %q", resp.Answer)
	}
	if correlationID == "" || gotHeader.Load().(string) != correlationID {
		t.Fatalf("correlation id mismatch: returned %q, sent %q", correlationID, gotHeader.Load())
	}
}
