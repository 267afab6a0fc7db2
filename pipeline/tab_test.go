package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/html"

	"github.com/eloward/rankbadges/activation"
	"github.com/eloward/rankbadges/background"
	"github.com/eloward/rankbadges/badge"
	"github.com/eloward/rankbadges/compat"
	"github.com/eloward/rankbadges/dom"
	"github.com/eloward/rankbadges/messaging"
	"github.com/eloward/rankbadges/rankapi"
	"github.com/eloward/rankbadges/retry"
	"github.com/eloward/rankbadges/testutil"
)

type games map[string]string

func (g games) Game(_ context.Context, login string) (string, error) { return g[login], nil }

func line(user string) string {
	return `<div class="chat-line__message" data-a-user="` + user + `"><span class="chat-line__username-container">` +
		`<span class="chat-author__display-name" data-a-user="` + user + `">` + user + `</span></span>` +
		`<span class="text-fragment">hi</span></div>`
}

func standardPage(users ...string) string {
	var b strings.Builder
	b.WriteString(`<html><body><div class="chat-room"><div class="chat-scrollable-area__message-container">`)
	for _, u := range users {
		b.WriteString(line(u))
	}
	b.WriteString(`</div></div></body></html>`)
	return b.String()
}

var testConfig = Config{
	ProbeInterval:  10 * time.Millisecond,
	ProbeWindow:    2 * time.Second,
	HealthInterval: 10 * time.Millisecond,
	FallbackDelay:  5 * time.Second,
	CDNURL:         "https://cdn.test/lol",
	Discovery:      retry.Policy{Attempts: 6, Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2},
}

type harness struct {
	srv    *testutil.MockRankServer
	client *messaging.Client
	doc    *dom.Document
	tab    *Tab
}

func newHarness(t *testing.T, markup, pageURL string) *harness {
	t.Helper()
	srv := testutil.NewMockRankServer(t)
	srv.SetEnrolled("streamer", true)
	srv.SetEnrolled("other", true)
	srv.SetRank("alice", map[string]any{"rank_tier": "GOLD", "rank_division": "II", "lp": 50, "riot_id": "Alice#NA1", "region": "na1"})
	srv.SetRank("bob", map[string]any{"rank_tier": "SILVER", "rank_division": "I", "lp": 0, "riot_id": "Bob#NA1", "region": "na1"})
	srv.SetRank("carol", map[string]any{"rank_tier": "MASTER", "lp": 120, "riot_id": "Carol#KR1", "region": "kr"})

	svc := background.New(context.Background(), background.Options{
		Backend: rankapi.New(srv.RankURL(), srv.SubscriptionURL(), nil),
		Games:   games{"streamer": "League of Legends", "other": "League of Legends", "valorant": "VALORANT"},
	})
	t.Cleanup(svc.Close)
	client := messaging.NewClient(messaging.NewLocal(messaging.NewRouter(svc)))

	doc, err := dom.ParseString(markup, pageURL)
	if err != nil {
		t.Fatal(err)
	}
	return &harness{srv: srv, client: client, doc: doc}
}

func (h *harness) start(t *testing.T, bg Background) {
	t.Helper()
	if bg == nil {
		bg = h.client
	}
	h.tab = New(h.doc, bg, testConfig)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		h.tab.Stop()
		cancel()
	})
	h.tab.Start(ctx)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) badgeFor(user string) *html.Node {
	for _, msg := range h.doc.QueryAll(nil, `[data-a-user="`+user+`"].chat-line__message, .seventv-message`) {
		if h.doc.Matches(msg, ".seventv-message") && !strings.EqualFold(strings.TrimSpace(h.doc.Text(h.doc.Query(msg, ".seventv-chat-user-username"))), user) {
			continue
		}
		if b := h.doc.Query(msg, "."+badge.Class); b != nil {
			return b
		}
	}
	return nil
}

func (h *harness) container() *html.Node {
	return h.doc.QueryFirst(nil, ".chat-scrollable-area__message-container", ".seventv-chat-list")
}

func (h *harness) appendMarkup(t *testing.T, parent *html.Node, markup string) {
	t.Helper()
	nodes, err := dom.Fragment(markup)
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range nodes {
		h.doc.AppendChild(parent, n)
	}
}

func TestAnnotatesExistingThenNewMessages(t *testing.T) {
	h := newHarness(t, standardPage("alice", "nobody"), "https://www.twitch.tv/streamer")
	h.start(t, nil)

	waitFor(t, "alice badge", func() bool { return h.badgeFor("alice") != nil })
	if got := h.doc.Attr(h.badgeFor("alice"), "data-rank-text"); got != "GOLD II - 50 LP" {
		t.Fatalf("tooltip = %q", got)
	}

	h.appendMarkup(t, h.container(), line("bob"))
	waitFor(t, "bob badge", func() bool { return h.badgeFor("bob") != nil })

	if h.badgeFor("nobody") != nil {
		t.Fatal("unranked participant got a badge")
	}
	if s := h.tab.Session(); s.State != activation.Active || s.Skin != compat.Standard {
		t.Fatalf("session = %+v", s)
	}
	waitFor(t, "usage counters", func() bool { return h.srv.Counter("db_read", "streamer") >= 3 })
}

func TestPendingTargetsShareOneLookup(t *testing.T) {
	h := newHarness(t, standardPage("alice", "alice", "alice"), "https://www.twitch.tv/streamer")
	h.srv.SetDelay(40 * time.Millisecond)
	h.start(t, nil)

	waitFor(t, "three badges", func() bool { return len(h.doc.QueryAll(nil, "."+badge.Class)) == 3 })
	if n := h.srv.Lookups("alice"); n != 1 {
		t.Fatalf("lookups = %d, want 1", n)
	}
}

func TestMessagesProcessedOnce(t *testing.T) {
	h := newHarness(t, standardPage("alice"), "https://www.twitch.tv/streamer")
	h.start(t, nil)
	waitFor(t, "alice badge", func() bool { return h.badgeFor("alice") != nil })

	msg := h.doc.Query(nil, ".chat-line__message")
	h.tab.mu.Lock()
	gen, pending := h.tab.gen, h.tab.pending
	h.tab.mu.Unlock()
	h.tab.onMessages(gen, []*html.Node{msg}, false)
	if n := pending.len(); n != 0 {
		t.Fatalf("already processed message queued again: %d pending", n)
	}
	if n := len(h.doc.QueryAll(nil, "."+badge.Class)); n != 1 {
		t.Fatalf("badges = %d, want 1", n)
	}
}

func TestInactiveChannelStartsNoObservers(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want activation.State
	}{
		{"not enrolled", "https://www.twitch.tv/stranger", activation.InactiveNotEnrolled},
		{"unsupported game", "https://www.twitch.tv/valorant", activation.InactiveUnsupportedGame},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, standardPage("alice"), tc.url)
			h.srv.SetEnrolled("valorant", true)
			h.start(t, nil)
			waitFor(t, tc.want.String(), func() bool { return h.tab.Session().State == tc.want })
			time.Sleep(30 * time.Millisecond)
			if n := h.doc.ObserverCount(); n != 0 {
				t.Fatalf("observers = %d, want 0", n)
			}
			if h.badgeFor("alice") != nil {
				t.Fatal("badge rendered while inactive")
			}
		})
	}
}

// gatedBackground holds one channel's enrollment answer until released.
type gatedBackground struct {
	*messaging.Client
	channel string
	release chan struct{}
}

func (g *gatedBackground) CheckActive(ctx context.Context, channel string) (bool, error) {
	if channel == g.channel {
		select {
		case <-g.release:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return g.Client.CheckActive(ctx, channel)
}

func TestNavigationMidDetectionOnlyNewChannelActivates(t *testing.T) {
	h := newHarness(t, standardPage("alice"), "https://www.twitch.tv/streamer")
	bg := &gatedBackground{Client: h.client, channel: "streamer", release: make(chan struct{})}
	var (
		mu      sync.Mutex
		started []string
	)
	h.start(t, bg)
	h.tab.Machine().Subscribe(func(s activation.Session) {
		if s.State == activation.Active {
			mu.Lock()
			started = append(started, s.Channel)
			mu.Unlock()
		}
	})

	h.doc.Navigate("https://www.twitch.tv/other")
	waitFor(t, "other active", func() bool { return h.tab.Session().State == activation.Active })
	close(bg.release)
	waitFor(t, "alice badge", func() bool { return h.badgeFor("alice") != nil })
	time.Sleep(30 * time.Millisecond)

	if s := h.tab.Session(); s.Channel != "other" {
		t.Fatalf("active channel = %q", s.Channel)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(started) != 1 || started[0] != "other" {
		t.Fatalf("activations = %v", started)
	}
}

func TestNavigationAwayTearsDown(t *testing.T) {
	h := newHarness(t, standardPage("alice"), "https://www.twitch.tv/streamer")
	h.start(t, nil)
	waitFor(t, "alice badge", func() bool { return h.badgeFor("alice") != nil })
	if h.doc.ObserverCount() == 0 {
		t.Fatal("no observer while active")
	}

	h.doc.Navigate("https://www.twitch.tv/directory/following")
	if n := h.doc.ObserverCount(); n != 0 {
		t.Fatalf("observers after navigating away = %d", n)
	}
	h.appendMarkup(t, h.container(), line("bob"))
	time.Sleep(50 * time.Millisecond)
	if h.badgeFor("bob") != nil {
		t.Fatal("badge rendered after teardown")
	}
}

func TestSkinChangeRestartsPipeline(t *testing.T) {
	h := newHarness(t, standardPage("alice"), "https://www.twitch.tv/streamer")
	h.start(t, nil)
	waitFor(t, "alice badge", func() bool { return h.badgeFor("alice") != nil })

	err := h.doc.ReplaceBody(`<seventv-container><div class="seventv-chat-list">
<div class="seventv-message"><span class="seventv-chat-user"><span class="seventv-chat-user-username"><span>carol</span></span></span></div>
</div></seventv-container>`)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "carol badge in 7tv markup", func() bool { return h.badgeFor("carol") != nil })
	b := h.badgeFor("carol")
	if !h.doc.HasClass(b, "seventv-chat-badge") {
		t.Fatalf("badge markup = %s", h.doc.Render(b))
	}
	if got := h.doc.Attr(b, "data-rank-text"); got != "MASTER - 120 LP" {
		t.Fatalf("tooltip = %q", got)
	}
	if s := h.tab.Session(); s.Skin != compat.SevenTV {
		t.Fatalf("skin = %v", s.Skin)
	}
}

func TestReplacedContainerIsReattached(t *testing.T) {
	h := newHarness(t, standardPage("alice"), "https://www.twitch.tv/streamer")
	h.start(t, nil)
	waitFor(t, "alice badge", func() bool { return h.badgeFor("alice") != nil })

	room := h.doc.Query(nil, ".chat-room")
	h.doc.Remove(h.container())
	h.appendMarkup(t, room, `<div class="chat-scrollable-area__message-container"></div>`)
	waitFor(t, "observer on new container", func() bool {
		h.tab.mu.Lock()
		defer h.tab.mu.Unlock()
		return h.tab.chat != nil && h.tab.chat.Container() == h.container()
	})
	h.appendMarkup(t, h.container(), line("bob"))
	waitFor(t, "bob badge", func() bool { return h.badgeFor("bob") != nil })
}
