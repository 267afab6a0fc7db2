package activation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eloward/rankbadges/compat"
	"github.com/eloward/rankbadges/dom"
	"github.com/eloward/rankbadges/retry"
)

const chatPage = `<html><body><div class="chat-room">
<div class="chat-scrollable-area__message-container"></div>
</div></body></html>`

func TestParseURL(t *testing.T) {
	tests := []struct {
		url  string
		want Page
	}{
		{"https://www.twitch.tv/Caedrel", Page{Channel: "caedrel", Chat: true}},
		{"https://twitch.tv/caedrel?referrer=raid", Page{Channel: "caedrel", Chat: true}},
		{"https://www.twitch.tv/popout/caedrel/chat?popout=", Page{Channel: "caedrel", Chat: true}},
		{"https://www.twitch.tv/embed/caedrel/chat?parent=example.com", Page{Channel: "caedrel", Chat: true}},
		{"https://www.twitch.tv/moderator/caedrel", Page{Channel: "caedrel", Chat: true}},
		{"https://www.twitch.tv/caedrel/videos", Page{Channel: "caedrel", Replay: true, Chat: true}},
		{"https://www.twitch.tv/videos/2212345678", Page{Replay: true, Chat: true}},
		{"https://www.twitch.tv/directory/category/league-of-legends", Page{}},
		{"https://www.twitch.tv/settings/profile", Page{}},
		{"https://www.twitch.tv/search?term=lol", Page{}},
		{"https://www.twitch.tv/", Page{}},
		{"https://example.com/caedrel", Page{}},
		{"://bad", Page{}},
	}
	for _, tc := range tests {
		t.Run(tc.url, func(t *testing.T) {
			if got := ParseURL(tc.url); got != tc.want {
				t.Errorf("ParseURL(%q) = %+v, want %+v", tc.url, got, tc.want)
			}
		})
	}
}

func TestScrape(t *testing.T) {
	doc, err := dom.ParseString(`<html><head><meta property="og:url" content="https://www.twitch.tv/tarzaned"></head>
<body><a data-a-target="stream-game-link" href="/directory/category/league-of-legends"></a></body></html>`, "https://www.twitch.tv/videos/1")
	if err != nil {
		t.Fatal(err)
	}
	if got := ScrapeChannel(doc); got != "tarzaned" {
		t.Errorf("ScrapeChannel = %q", got)
	}
	if got := ScrapeGame(doc); !SupportedGame(got) {
		t.Errorf("ScrapeGame = %q, want league of legends", got)
	}

	doc, _ = dom.ParseString(`<html><body><a data-a-target="home-channel-header-link" href="/Doublelift">Doublelift</a>
<a href="/directory/game/Teamfight%20Tactics">TFT</a></body></html>`, "")
	if got := ScrapeChannel(doc); got != "doublelift" {
		t.Errorf("ScrapeChannel = %q", got)
	}
	if got := ScrapeGame(doc); got != "TFT" {
		t.Errorf("ScrapeGame = %q", got)
	}
}

func TestSupportedGame(t *testing.T) {
	for game, want := range map[string]bool{
		"League of Legends":   true,
		"league of legends":   true,
		" LEAGUE OF LEGENDS ": true,
		"Teamfight Tactics":   false,
		"":                    false,
	} {
		if got := SupportedGame(game); got != want {
			t.Errorf("SupportedGame(%q) = %v", game, got)
		}
	}
}

type fakeBG struct {
	mu        sync.Mutex
	games     map[string]string
	gameErr   error
	active    map[string]bool
	activeErr error
	gates     map[string]chan struct{}
	checked   []string
	aborted   []string
}

func (f *fakeBG) DetectGame(_ context.Context, channel string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gameErr != nil {
		return "", f.gameErr
	}
	return f.games[channel], nil
}

func (f *fakeBG) CheckActive(ctx context.Context, channel string) (bool, error) {
	f.mu.Lock()
	f.checked = append(f.checked, channel)
	gate := f.gates[channel]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			f.mu.Lock()
			f.aborted = append(f.aborted, channel)
			f.mu.Unlock()
			return false, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activeErr != nil {
		return false, f.activeErr
	}
	return f.active[channel], nil
}

func (f *fakeBG) snapshot() (checked, aborted []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.checked...), append([]string(nil), f.aborted...)
}

type recorder struct {
	mu       sync.Mutex
	sessions []Session
}

func (r *recorder) record(s Session) {
	r.mu.Lock()
	r.sessions = append(r.sessions, s)
	r.mu.Unlock()
}

func (r *recorder) all() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Session(nil), r.sessions...)
}

func setup(t *testing.T, markup, pageURL string, bg *fakeBG, opts ...Option) (*Machine, *recorder) {
	t.Helper()
	doc, err := dom.ParseString(markup, pageURL)
	if err != nil {
		t.Fatal(err)
	}
	m := New(doc, bg, opts...)
	rec := &recorder{}
	m.Subscribe(rec.record)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	m.Start(ctx)
	return m, rec
}

func waitState(t *testing.T, m *Machine, want State) Session {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := m.Current(); s.State == want {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", m.Current().State, want)
	return Session{}
}

func TestActivatesEnrolledLeagueChannel(t *testing.T) {
	bg := &fakeBG{games: map[string]string{"caedrel": "League of Legends"}, active: map[string]bool{"caedrel": true}}
	m, rec := setup(t, chatPage, "https://www.twitch.tv/caedrel", bg)
	s := waitState(t, m, Active)
	if s.Channel != "caedrel" || s.Game != "League of Legends" || s.Skin != compat.Standard || s.Forced {
		t.Fatalf("session = %+v", s)
	}
	if !m.Alive(s.Token) {
		t.Fatal("active token not alive")
	}
	got := rec.all()
	if len(got) != 2 || got[0].State != Detecting || got[1].State != Active {
		t.Fatalf("published = %+v", got)
	}
}

func TestUnsupportedGameStopsBeforeEnrollment(t *testing.T) {
	bg := &fakeBG{games: map[string]string{"ch": "Valorant"}, active: map[string]bool{"ch": true}}
	m, _ := setup(t, chatPage, "https://www.twitch.tv/ch", bg)
	s := waitState(t, m, InactiveUnsupportedGame)
	if s.Game != "Valorant" {
		t.Fatalf("game = %q", s.Game)
	}
	if checked, _ := bg.snapshot(); len(checked) != 0 {
		t.Fatalf("enrollment checked for unsupported game: %v", checked)
	}
}

func TestEnrollmentFailureIsInactive(t *testing.T) {
	bg := &fakeBG{games: map[string]string{"ch": "League of Legends"}, activeErr: errors.New("network down")}
	m, _ := setup(t, chatPage, "https://www.twitch.tv/ch", bg)
	waitState(t, m, InactiveNotEnrolled)

	bg = &fakeBG{games: map[string]string{"ch": "League of Legends"}}
	m, _ = setup(t, chatPage, "https://www.twitch.tv/ch", bg)
	waitState(t, m, InactiveNotEnrolled)
}

func TestGameFallsBackToPage(t *testing.T) {
	bg := &fakeBG{gameErr: errors.New("helix unavailable"), active: map[string]bool{"ch": true}}
	page := `<html><body><a data-a-target="stream-game-link">League of Legends</a>` + chatPage[12:]
	m, _ := setup(t, page, "https://www.twitch.tv/ch", bg)
	if s := waitState(t, m, Active); s.Game != "League of Legends" {
		t.Fatalf("game = %q", s.Game)
	}
}

func TestReplayScrapesChannel(t *testing.T) {
	bg := &fakeBG{games: map[string]string{"tarzaned": "League of Legends"}, active: map[string]bool{"tarzaned": true}}
	page := `<html><head><meta property="og:url" content="https://www.twitch.tv/tarzaned"></head><body>` + chatPage[12:]
	m, _ := setup(t, page, "https://www.twitch.tv/videos/123", bg)
	s := waitState(t, m, Active)
	if s.Channel != "tarzaned" || !s.Replay {
		t.Fatalf("session = %+v", s)
	}
}

func TestSiteSpecificPagesStayIdle(t *testing.T) {
	bg := &fakeBG{}
	m, _ := setup(t, chatPage, "https://www.twitch.tv/directory", bg)
	if s := m.Current(); s.State != Idle {
		t.Fatalf("state = %v", s.State)
	}
}

// Navigating away mid-detection: only the newer channel may ever activate,
// and the older enrollment call is cancelled.
func TestSupersededRunNeverCommits(t *testing.T) {
	gateA, gateB := make(chan struct{}), make(chan struct{})
	bg := &fakeBG{
		games:  map[string]string{"a": "League of Legends", "b": "League of Legends"},
		active: map[string]bool{"a": true, "b": true},
		gates:  map[string]chan struct{}{"a": gateA, "b": gateB},
	}
	m, rec := setup(t, chatPage, "https://www.twitch.tv/a", bg)
	first := m.Current().Token

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if checked, _ := bg.snapshot(); len(checked) == 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	m.doc.Navigate("https://www.twitch.tv/b")
	close(gateB)
	s := waitState(t, m, Active)
	if s.Channel != "b" {
		t.Fatalf("active channel = %q", s.Channel)
	}
	close(gateA)
	time.Sleep(20 * time.Millisecond)

	if m.Alive(first) {
		t.Fatal("superseded token still alive")
	}
	for _, got := range rec.all() {
		if got.Channel == "a" && got.State != Detecting {
			t.Fatalf("stale run committed %+v", got)
		}
	}
	if _, aborted := bg.snapshot(); len(aborted) != 1 || aborted[0] != "a" {
		t.Fatalf("aborted = %v, want [a]", aborted)
	}
	if err := m.commit(first, func(s *Session) { s.State = Active }); !errors.Is(err, ErrStale) {
		t.Fatalf("commit with old token = %v, want ErrStale", err)
	}
}

func TestFallbackForcesActivationWhenChatVisible(t *testing.T) {
	bg := &fakeBG{
		games: map[string]string{"ch": "League of Legends"},
		gates: map[string]chan struct{}{"ch": make(chan struct{})},
	}
	m, _ := setup(t, chatPage, "https://www.twitch.tv/ch", bg, WithFallbackDelay(30*time.Millisecond))
	s := waitState(t, m, Active)
	if !s.Forced || s.Game != AssumedGame || s.Channel != "ch" {
		t.Fatalf("session = %+v", s)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, aborted := bg.snapshot(); len(aborted) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("pending enrollment check not cancelled after forced activation")
}

func TestFallbackNeedsVisibleChat(t *testing.T) {
	bg := &fakeBG{
		games: map[string]string{"ch": "League of Legends"},
		gates: map[string]chan struct{}{"ch": make(chan struct{})},
	}
	hidden := `<html><body><div class="chat-room" style="display: none">
<div class="chat-scrollable-area__message-container"></div></div></body></html>`
	m, _ := setup(t, hidden, "https://www.twitch.tv/ch", bg, WithFallbackDelay(20*time.Millisecond))
	time.Sleep(80 * time.Millisecond)
	if s := m.Current(); s.State != Detecting {
		t.Fatalf("state = %v, want detecting", s.State)
	}
}

func TestFallbackWaitsForLateChat(t *testing.T) {
	bg := &fakeBG{
		games: map[string]string{"ch": "League of Legends"},
		gates: map[string]chan struct{}{"ch": make(chan struct{})},
	}
	hidden := `<html><body><div class="chat-room" style="display: none">
<div class="chat-scrollable-area__message-container"></div></div></body></html>`
	m, _ := setup(t, hidden, "https://www.twitch.tv/ch", bg,
		WithFallbackDelay(10*time.Millisecond),
		WithFallbackPolicy(retry.Policy{Attempts: 50, Initial: 5 * time.Millisecond, Max: 10 * time.Millisecond, Multiplier: 2}))
	time.Sleep(40 * time.Millisecond)
	if s := m.Current(); s.State != Detecting {
		t.Fatalf("state = %v before chat mounted", s.State)
	}
	m.doc.RemoveAttr(m.doc.Query(nil, ".chat-room"), "style")
	s := waitState(t, m, Active)
	if !s.Forced || s.Game != AssumedGame {
		t.Fatalf("session = %+v", s)
	}
}

func TestFallbackGivesUpWhenChatNeverMounts(t *testing.T) {
	bg := &fakeBG{
		games: map[string]string{"ch": "League of Legends"},
		gates: map[string]chan struct{}{"ch": make(chan struct{})},
	}
	m, _ := setup(t, `<html><body></body></html>`, "https://www.twitch.tv/ch", bg,
		WithFallbackDelay(5*time.Millisecond),
		WithFallbackPolicy(retry.Policy{Attempts: 3, Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1}))
	time.Sleep(60 * time.Millisecond)
	if err := m.doc.ReplaceBody(chatPage); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	if s := m.Current(); s.State != Detecting {
		t.Fatalf("state = %v, want detecting after the fallback gave up", s.State)
	}
}

func TestNavigationStopsFallbackLooking(t *testing.T) {
	bg := &fakeBG{
		games: map[string]string{"a": "League of Legends", "b": "Minecraft"},
		gates: map[string]chan struct{}{"a": make(chan struct{})},
	}
	m, _ := setup(t, `<html><body></body></html>`, "https://www.twitch.tv/a", bg,
		WithFallbackDelay(5*time.Millisecond),
		WithFallbackPolicy(retry.Policy{Attempts: 100, Initial: 5 * time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 1}))
	time.Sleep(20 * time.Millisecond)
	m.doc.Navigate("https://www.twitch.tv/b")
	waitState(t, m, InactiveUnsupportedGame)
	if err := m.doc.ReplaceBody(chatPage); err != nil {
		t.Fatal(err)
	}
	time.Sleep(40 * time.Millisecond)
	if s := m.Current(); s.State != InactiveUnsupportedGame || s.Channel != "b" {
		t.Fatalf("session = %+v", s)
	}
}

func TestUnknownChannelLeftToFallback(t *testing.T) {
	bg := &fakeBG{}
	m, _ := setup(t, `<html><body></body></html>`, "https://www.twitch.tv/videos/9", bg,
		WithScrapePolicy(retry.Policy{Attempts: 2, Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1}))
	time.Sleep(50 * time.Millisecond)
	if s := m.Current(); s.State != Detecting {
		t.Fatalf("state = %v", s.State)
	}
	if checked, _ := bg.snapshot(); len(checked) != 0 {
		t.Fatalf("enrollment checked without a channel: %v", checked)
	}
}

func TestStopReturnsToIdle(t *testing.T) {
	bg := &fakeBG{games: map[string]string{"ch": "League of Legends"}, active: map[string]bool{"ch": true}}
	m, _ := setup(t, chatPage, "https://www.twitch.tv/ch", bg)
	s := waitState(t, m, Active)
	m.Stop()
	if m.Alive(s.Token) || m.Current().State != Idle {
		t.Fatal("Stop left session active")
	}
}
