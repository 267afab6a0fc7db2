package badgeicon

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/eloward/rankbadges/store"
	"github.com/eloward/rankbadges/testutil"
)

func cdn(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/lol/gold.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("PNG"))
		case "/lol/gold_premium.webp":
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write([]byte("WEBP"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetFetchesOnceThenServesFromMemory(t *testing.T) {
	var hits atomic.Int32
	srv := cdn(t, &hits)
	kv := store.NewMemory()
	c := New(srv.URL+"/lol", "v1", kv, srv.Client())
	ctx := context.Background()

	got, err := c.Get(ctx, "GOLD", false)
	if err != nil {
		t.Fatal(err)
	}
	if got != "data:image/png;base64,UE5H" {
		t.Fatalf("data url = %q", got)
	}
	if _, err := c.Get(ctx, "gold", false); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 1 {
		t.Fatalf("cdn hits = %d, want 1", hits.Load())
	}
	if raw, err := kv.Get(ctx, "badge_icon:v1:gold"); err != nil || string(raw) != got {
		t.Fatalf("persisted = %q, %v", raw, err)
	}
	if v, ok := c.Lookup("GOLD", false); !ok || v != got {
		t.Fatal("Lookup missed remembered icon")
	}
}

func TestAnimatedVariant(t *testing.T) {
	var hits atomic.Int32
	srv := cdn(t, &hits)
	c := New(srv.URL+"/lol", "v1", store.NewMemory(), srv.Client())
	got, err := c.Get(context.Background(), "gold", true)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got, "data:image/webp;base64,") {
		t.Fatalf("animated data url = %q", got)
	}
	if c.Key("gold", true) != "badge_icon:v1:gold:animated" {
		t.Fatalf("key = %q", c.Key("gold", true))
	}
}

func TestPersistedIconSurvivesRestartAndVersionBumpInvalidates(t *testing.T) {
	var hits atomic.Int32
	srv := cdn(t, &hits)
	kv := store.NewMemory()
	ctx := context.Background()

	if _, err := New(srv.URL+"/lol", "v1", kv, srv.Client()).Get(ctx, "gold", false); err != nil {
		t.Fatal(err)
	}
	if _, err := New(srv.URL+"/lol", "v1", kv, srv.Client()).Get(ctx, "gold", false); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 1 {
		t.Fatalf("restart refetched: hits = %d", hits.Load())
	}
	if _, err := New(srv.URL+"/lol", "v2", kv, srv.Client()).Get(ctx, "gold", false); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 2 {
		t.Fatalf("version bump did not refetch: hits = %d", hits.Load())
	}
}

func TestStorageFailureIsNotFatal(t *testing.T) {
	var hits atomic.Int32
	srv := cdn(t, &hits)
	c := New(srv.URL+"/lol", "v1", testutil.FailingStore{Err: errors.New("quota")}, srv.Client())
	if _, err := c.Get(context.Background(), "gold", false); err != nil {
		t.Fatalf("Get with failing store: %v", err)
	}
	if _, err := c.Get(context.Background(), "gold", false); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 1 {
		t.Fatalf("memory copy not used: hits = %d", hits.Load())
	}
}

func TestErrors(t *testing.T) {
	var hits atomic.Int32
	srv := cdn(t, &hits)
	c := New(srv.URL+"/lol", "v1", nil, srv.Client())
	if _, err := c.Get(context.Background(), "wood", false); !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("err = %v, want ErrUnknownTier", err)
	}
	if _, err := c.Get(context.Background(), "iron", false); err == nil {
		t.Fatal("missing cdn file should fail")
	}
}

func TestConcurrentFetchesCollapse(t *testing.T) {
	var hits atomic.Int32
	srv := cdn(t, &hits)
	c := New(srv.URL+"/lol", "v1", nil, srv.Client())
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Get(context.Background(), "gold", false); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if hits.Load() > 2 {
		t.Fatalf("cdn hits = %d, want concurrent fetches collapsed", hits.Load())
	}
}
