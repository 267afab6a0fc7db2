// Package identity keeps the local viewer's linked account: their chat login
// and the rank record attached to it. Lookups for the viewer themself are
// answered from here without touching the network.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eloward/rankbadges/rank"
	"github.com/eloward/rankbadges/store"
)

const storeKey = "identity:viewer"

// failureHold is how long a failed read is remembered before the store is
// asked again. Until then the viewer is treated as unknown.
const failureHold = 30 * time.Second

// errHeld marks a load failure answered from memory.
var errHeld = errors.New("identity store recently failed")

// Viewer is the persisted identity.
type Viewer struct {
	Login string      `json:"login"`
	Rank  *rank.Entry `json:"rank,omitempty"`
}

// Store caches the viewer in memory and persists it through a store.KV.
// Persistence failures are logged and the in-memory copy stays authoritative.
type Store struct {
	kv store.KV

	now func() time.Time

	mu          sync.RWMutex
	viewer      *Viewer
	loaded      bool
	failedUntil time.Time
	failure     error
}

func New(kv store.KV) *Store { return &Store{kv: kv, now: time.Now} }

// Load returns the viewer, reading the store once. A missing record is (nil, nil).
// After a failed read the same error is returned, without touching the store,
// for a short while.
func (s *Store) Load(ctx context.Context) (*Viewer, error) {
	s.mu.RLock()
	if s.loaded {
		v := s.viewer.clone()
		s.mu.RUnlock()
		return v, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return s.viewer.clone(), nil
	}
	if s.failure != nil && s.now().Before(s.failedUntil) {
		return nil, errors.Join(errHeld, s.failure)
	}
	raw, err := s.kv.Get(ctx, storeKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.loaded = true
		return nil, nil
	case err != nil:
		return nil, s.fail(fmt.Errorf("load viewer identity: %w", err))
	}
	var v Viewer
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, s.fail(fmt.Errorf("decode viewer identity: %w", err))
	}
	v.Login = rank.NormalizeKey(v.Login)
	s.viewer, s.loaded = &v, true
	s.failure = nil
	return v.clone(), nil
}

// fail records err for failureHold. Callers hold s.mu.
func (s *Store) fail(err error) error {
	s.failure = err
	s.failedUntil = s.now().Add(failureHold)
	return err
}

// Save replaces the viewer.
func (s *Store) Save(ctx context.Context, v Viewer) error {
	v.Login = rank.NormalizeKey(v.Login)
	if v.Login == "" {
		return errors.New("viewer login empty")
	}
	s.mu.Lock()
	s.viewer, s.loaded = v.clone(), true
	s.mu.Unlock()

	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, storeKey, raw); err != nil {
		slog.Warn("viewer identity not persisted", slog.String("component", "identity"), slog.Any("err", err))
	}
	return nil
}

// Clear forgets the viewer.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.viewer, s.loaded = nil, true
	s.mu.Unlock()
	if err := s.kv.Delete(ctx, storeKey); err != nil {
		slog.Warn("viewer identity not removed from store", slog.String("component", "identity"), slog.Any("err", err))
	}
	return nil
}

// Self returns the viewer's rank when participant is the viewer.
func (s *Store) Self(ctx context.Context, participant string) (*rank.Entry, bool) {
	v, err := s.Load(ctx)
	if err != nil {
		if !errors.Is(err, errHeld) {
			slog.Warn("viewer identity unavailable", slog.String("component", "identity"), slog.Any("err", err))
		}
		return nil, false
	}
	if v == nil || v.Login != rank.NormalizeKey(participant) {
		return nil, false
	}
	return v.Rank, true
}

func (v *Viewer) clone() *Viewer {
	if v == nil {
		return nil
	}
	c := *v
	c.Rank = v.Rank.Clone()
	return &c
}
