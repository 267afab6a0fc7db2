package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/eloward/rankbadges/store"
)

// SetupTestStore opens the Postgres store (migrated) when TEST_PG_DSN is set,
// and the in-memory store otherwise.
func SetupTestStore(t *testing.T) store.KV {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		return store.NewMemory()
	}
	kv, err := store.Open(context.Background(), store.BackendPostgres, dsn, "")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

// FailingStore errors on every call.
type FailingStore struct{ Err error }

func (f FailingStore) Get(context.Context, string) ([]byte, error) { return nil, f.Err }
func (f FailingStore) Set(context.Context, string, []byte) error    { return f.Err }
func (f FailingStore) Delete(context.Context, string) error         { return f.Err }
func (f FailingStore) Ping(context.Context) error                   { return f.Err }
func (f FailingStore) Close() error                                 { return nil }
