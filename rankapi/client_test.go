package rankapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/eloward/rankbadges/testutil"
)

func newClient(m *testutil.MockRankServer) *Client {
	return New(m.RankURL(), m.SubscriptionURL(), nil)
}

func TestFetchRank(t *testing.T) {
	m := testutil.NewMockRankServer(t)
	m.SetRank("faker", map[string]interface{}{
		"rank_tier": "CHALLENGER", "lp": 1500, "riot_id": "Hide on bush#KR1", "region": "kr",
	})
	c := newClient(m)

	tests := []struct {
		name        string
		participant string
		wantTip     string
		wantErr     error
	}{
		{"backend field names", "Faker", "CHALLENGER - 1500 LP", nil},
		{"at prefix and spaces", "  @faker ", "CHALLENGER - 1500 LP", nil},
		{"unknown participant", "nobody", "", ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := c.FetchRank(context.Background(), tt.participant)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("FetchRank: %v", err)
			}
			if e.Tooltip() != tt.wantTip {
				t.Errorf("tooltip = %q, want %q", e.Tooltip(), tt.wantTip)
			}
			if e.ProfileURL() != "https://op.gg/lol/summoners/kr/Hide%20on%20bush-KR1" {
				t.Errorf("profile = %q", e.ProfileURL())
			}
		})
	}
	if _, err := c.FetchRank(context.Background(), " "); err == nil {
		t.Error("empty participant accepted")
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	m := testutil.NewMockRankServer(t)
	m.SetFailing(true)
	c := newClient(m)
	for i := 0; i < 5; i++ {
		if _, err := c.FetchRank(context.Background(), "someone"); err == nil {
			t.Fatal("expected backend error")
		}
	}
	if c.BreakerState() != "open" {
		t.Fatalf("breaker = %s, want open", c.BreakerState())
	}
	before := m.Lookups("someone")
	if _, err := c.FetchRank(context.Background(), "someone"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if m.Lookups("someone") != before {
		t.Error("open breaker still hit the backend")
	}
}

func TestNotFoundDoesNotTripBreaker(t *testing.T) {
	m := testutil.NewMockRankServer(t)
	c := newClient(m)
	for i := 0; i < 10; i++ {
		_, _ = c.FetchRank(context.Background(), "ghost")
	}
	if c.BreakerState() != "closed" {
		t.Fatalf("breaker = %s after 404s", c.BreakerState())
	}
}

func TestIncrementCounter(t *testing.T) {
	m := testutil.NewMockRankServer(t)
	c := newClient(m)
	ctx := context.Background()
	if err := c.IncrementCounter(ctx, CounterDBRead, "streamer"); err != nil {
		t.Fatal(err)
	}
	if err := c.IncrementCounter(ctx, CounterSuccessfulLookup, "streamer"); err != nil {
		t.Fatal(err)
	}
	if m.Counter(CounterDBRead, "streamer") != 1 || m.Counter(CounterSuccessfulLookup, "streamer") != 1 {
		t.Error("counters not recorded")
	}
	if err := c.IncrementCounter(ctx, "bogus", "streamer"); !errors.Is(err, ErrUnknownCounter) {
		t.Errorf("err = %v, want ErrUnknownCounter", err)
	}
	m.SetFailing(true)
	if err := c.IncrementCounter(ctx, CounterDBRead, "streamer"); err == nil {
		t.Error("expected error from failing backend")
	}
}

func TestCheckEnrollment(t *testing.T) {
	m := testutil.NewMockRankServer(t)
	m.SetEnrolled("enrolled", true)
	c := newClient(m)
	ctx := context.Background()

	tests := []struct {
		name    string
		channel string
		legacy  bool
		want    bool
	}{
		{"active", "Enrolled", false, true},
		{"inactive", "other", false, false},
		{"legacy shape", "enrolled", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m.SetLegacy(tt.legacy)
			got, err := c.CheckEnrollment(ctx, tt.channel)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("CheckEnrollment(%q) = %v, want %v", tt.channel, got, tt.want)
			}
		})
	}
}

func TestCheckEnrollmentRejectsShapelessAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	c := New("", srv.URL, srv.Client())
	if _, err := c.CheckEnrollment(context.Background(), "x"); err == nil {
		t.Fatal("expected error for response without status")
	}
}
