// Package store persists small key/value records (viewer identity, badge
// icons) behind one interface with Postgres, Redis and in-memory backends.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = errors.New("store: key not found")

// KV is a persisted key/value store.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Open builds the configured backend. Postgres runs migrations before use.
func Open(ctx context.Context, backend, dsn, redisURL string) (KV, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendPostgres:
		db, err := Connect(dsn)
		if err != nil {
			return nil, err
		}
		if err := RunMigrations(db); err != nil {
			_ = db.Close()
			return nil, err
		}
		return NewPostgres(db), nil
	case BackendRedis:
		return NewRedis(ctx, redisURL)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// Memory is the process-local backend.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *Memory { return &Memory{data: make(map[string][]byte)} }

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	m.data[key] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }
