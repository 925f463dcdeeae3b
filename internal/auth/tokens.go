// Package auth owns the credential pair and the session lifecycle.
package auth

import (
	"context"
	"fmt"
	"sync"

	"github.com/whytehoux-projecty/LAS/internal/persistence"
)

// TokenPair is the access/refresh credential pair.
type TokenPair struct {
	Access  string
	Refresh string
}

// TokenStore holds the current pair, mirrored in memory and persisted so a
// restart stays logged in. Invariant: both fields present or both absent —
// the memory mirror is only updated after the persisted write succeeds, so
// a storage failure can never leave the two layers disagreeing on half a
// pair.
type TokenStore struct {
	mu     sync.Mutex
	db     *persistence.Store
	cached *TokenPair
	loaded bool
}

// NewTokenStore creates a TokenStore over the given persistence layer.
func NewTokenStore(db *persistence.Store) *TokenStore {
	return &TokenStore{db: db}
}

// Get returns the current pair, or false when absent.
func (ts *TokenStore) Get(ctx context.Context) (TokenPair, bool, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if !ts.loaded {
		pair, err := ts.db.GetTokenPair(ctx)
		if err != nil {
			return TokenPair{}, false, fmt.Errorf("load token pair: %w", err)
		}
		if pair != nil {
			ts.cached = &TokenPair{Access: pair.Access, Refresh: pair.Refresh}
		}
		ts.loaded = true
	}
	if ts.cached == nil {
		return TokenPair{}, false, nil
	}
	return *ts.cached, true, nil
}

// Set installs a new pair, persisting both fields atomically before the
// in-memory mirror changes.
func (ts *TokenStore) Set(ctx context.Context, pair TokenPair) error {
	if pair.Access == "" || pair.Refresh == "" {
		return fmt.Errorf("set token pair: refusing partial pair")
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if err := ts.db.SetTokenPair(ctx, persistence.TokenPair{Access: pair.Access, Refresh: pair.Refresh}); err != nil {
		return err
	}
	ts.cached = &pair
	ts.loaded = true
	return nil
}

// Clear removes the pair from storage and memory together. Idempotent.
func (ts *TokenStore) Clear(ctx context.Context) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if err := ts.db.ClearTokenPair(ctx); err != nil {
		return err
	}
	ts.cached = nil
	ts.loaded = true
	return nil
}
