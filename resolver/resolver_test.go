package resolver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eloward/rankbadges/rank"
	"github.com/eloward/rankbadges/rankapi"
	"github.com/eloward/rankbadges/rankcache"
	"github.com/eloward/rankbadges/testutil"
)

// lockedCache adapts a rankcache.Cache for concurrent test use.
type lockedCache struct {
	mu sync.Mutex
	c  *rankcache.Cache
}

func newLockedCache() *lockedCache { return &lockedCache{c: rankcache.New(10, time.Hour)} }

func (l *lockedCache) Lookup(_ context.Context, key string) (*rank.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Get(key), nil
}

func (l *lockedCache) Store(_ context.Context, key string, e *rank.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Set(key, e)
	return nil
}

type fakeBackend struct {
	mu       sync.Mutex
	ranks    map[string]*rank.Entry
	err      error
	fetches  atomic.Int32
	release  chan struct{}
	counters []string
}

func (f *fakeBackend) FetchRank(ctx context.Context, participant string) (*rank.Entry, error) {
	f.fetches.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.ranks[participant]
	if !ok {
		return nil, rankapi.ErrNotFound
	}
	return e.Clone(), nil
}

func (f *fakeBackend) IncrementCounter(_ context.Context, counter, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters = append(f.counters, counter+"@"+channel)
	return nil
}

func (f *fakeBackend) counted() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]int{}
	for _, c := range f.counters {
		out[c]++
	}
	return out
}

type fakeIdentity struct{ login string }

func (f fakeIdentity) Self(_ context.Context, participant string) (*rank.Entry, bool) {
	if participant != f.login {
		return nil, false
	}
	return &rank.Entry{Tier: "DIAMOND", Division: "I", SummonerName: "Me#EUW", Region: "euw1"}, true
}

func TestResolveMissThenHit(t *testing.T) {
	be := &fakeBackend{ranks: map[string]*rank.Entry{"alice": {Tier: "GOLD", Division: "II", LeaguePoints: rank.LP(50)}}}
	r := New(newLockedCache(), be, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e, err := r.Resolve(ctx, " Alice ", "streamer")
		if err != nil {
			t.Fatal(err)
		}
		if e.Tooltip() != "GOLD II - 50 LP" {
			t.Fatalf("tooltip = %q", e.Tooltip())
		}
	}
	if got := be.fetches.Load(); got != 1 {
		t.Fatalf("backend fetches = %d, want 1", got)
	}
	r.Wait()
	counts := be.counted()
	if counts["db_read@streamer"] != 3 || counts["successful_lookup@streamer"] != 3 {
		t.Fatalf("counters = %v", counts)
	}
}

func TestResolveNotFoundIsNilAndUncached(t *testing.T) {
	be := &fakeBackend{ranks: map[string]*rank.Entry{}}
	r := New(newLockedCache(), be, nil)
	for i := 0; i < 2; i++ {
		e, err := r.Resolve(context.Background(), "nobody", "ch")
		if err != nil || e != nil {
			t.Fatalf("Resolve = %v, %v; want nil, nil", e, err)
		}
	}
	if be.fetches.Load() != 2 {
		t.Fatalf("not-found answer was cached: fetches = %d", be.fetches.Load())
	}
	r.Wait()
	counts := be.counted()
	if counts["db_read@ch"] != 2 || counts["successful_lookup@ch"] != 0 {
		t.Fatalf("counters = %v", counts)
	}
}

func TestResolveSelfSkipsNetwork(t *testing.T) {
	be := &fakeBackend{}
	r := New(newLockedCache(), be, fakeIdentity{login: "me"})
	e, err := r.Resolve(context.Background(), "@Me", "ch")
	if err != nil || e.NormalizedTier() != "DIAMOND" {
		t.Fatalf("Resolve = %v, %v", e, err)
	}
	r.Wait()
	if be.fetches.Load() != 0 || len(be.counted()) != 0 {
		t.Fatal("viewer lookup touched the backend")
	}
}

func TestResolveBackendError(t *testing.T) {
	be := &fakeBackend{err: rankapi.ErrCircuitOpen}
	r := New(newLockedCache(), be, nil)
	if _, err := r.Resolve(context.Background(), "x", "ch"); !errors.Is(err, rankapi.ErrCircuitOpen) {
		t.Fatalf("err = %v", err)
	}
}

func TestConcurrentMissesCollapse(t *testing.T) {
	be := &fakeBackend{
		ranks:   map[string]*rank.Entry{"bob": {Tier: "SILVER", Division: "IV"}},
		release: make(chan struct{}),
	}
	r := New(newLockedCache(), be, nil)

	const n = 20
	var wg sync.WaitGroup
	results := make([]*rank.Entry, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := r.Resolve(context.Background(), "bob", "ch")
			if err != nil {
				t.Error(err)
			}
			results[i] = e
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(be.release)
	wg.Wait()

	if got := be.fetches.Load(); got != 1 {
		t.Fatalf("backend fetches = %d, want 1", got)
	}
	for i, e := range results {
		if e == nil || e.NormalizedTier() != "SILVER" {
			t.Fatalf("result %d = %v", i, e)
		}
	}
	results[0].Tier = "mutated"
	if results[1].Tier != "SILVER" {
		t.Fatal("callers share one entry")
	}
}

func TestCancelledCallerDoesNotFailOthers(t *testing.T) {
	be := &fakeBackend{
		ranks:   map[string]*rank.Entry{"carol": {Tier: "IRON"}},
		release: make(chan struct{}),
	}
	r := New(newLockedCache(), be, nil)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctx, "carol", "ch")
		first <- err
	}()
	time.Sleep(20 * time.Millisecond)
	second := make(chan *rank.Entry, 1)
	go func() {
		e, _ := r.Resolve(context.Background(), "carol", "ch")
		second <- e
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller err = %v", err)
	}
	close(be.release)
	if e := <-second; e == nil || e.NormalizedTier() != "IRON" {
		t.Fatalf("waiting caller got %v", e)
	}
}

func TestAgainstMockRankServer(t *testing.T) {
	srv := testutil.NewMockRankServer(t)
	srv.SetRank("dave", map[string]any{"rank_tier": "PLATINUM", "rank_division": "III", "lp": 12, "riot_id": "Dave#NA1", "region": "na1"})
	client := rankapi.New(srv.RankURL(), srv.SubscriptionURL(), nil)
	r := New(newLockedCache(), client, nil)

	e, err := r.Resolve(context.Background(), "Dave", "somechannel")
	if err != nil {
		t.Fatal(err)
	}
	if e.Tooltip() != "PLATINUM III - 12 LP" {
		t.Fatalf("tooltip = %q", e.Tooltip())
	}
	r.Wait()
	if srv.Counter("db_read", "somechannel") != 1 || srv.Counter("successful_lookup", "somechannel") != 1 {
		t.Fatal("usage counters not posted with channel")
	}
}
