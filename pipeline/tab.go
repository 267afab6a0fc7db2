// Package pipeline wires one document into the annotation flow: activation
// gates it, the skin adapter locates chat, the observer feeds new messages
// through deduplication, ranks come from the background and badges are
// rendered for every waiting name node.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/eloward/rankbadges/activation"
	"github.com/eloward/rankbadges/badge"
	"github.com/eloward/rankbadges/compat"
	"github.com/eloward/rankbadges/dedup"
	"github.com/eloward/rankbadges/dom"
	"github.com/eloward/rankbadges/observer"
	"github.com/eloward/rankbadges/rank"
	"github.com/eloward/rankbadges/retry"
	"github.com/eloward/rankbadges/telemetry"
)

// Background is everything a tab asks the background service.
type Background interface {
	activation.Background
	ResolveRank(ctx context.Context, participant, channel string) (*rank.Entry, error)
	FetchBadgeIcon(ctx context.Context, tier string, animated bool) (string, error)
	ClearCache(ctx context.Context) error
}

type Config struct {
	DedupMaxSize   int
	FallbackDelay  time.Duration
	ProbeInterval  time.Duration
	ProbeWindow    time.Duration
	HealthInterval time.Duration
	CDNURL         string
	Discovery      retry.Policy
}

func (c Config) withDefaults() Config {
	if c.DedupMaxSize <= 0 {
		c.DedupMaxSize = dedup.DefaultMaxSize
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 2 * time.Second
	}
	if c.Discovery.Attempts == 0 {
		c.Discovery = retry.DefaultPolicy
	}
	return c
}

// Tab is the per-document pipeline. Start it once; Stop tears everything down.
type Tab struct {
	doc     *dom.Document
	bg      Background
	cfg     Config
	machine *activation.Machine
	cdn     badge.IconFunc

	mu          sync.Mutex
	session     activation.Session
	lastChannel string
	gen         uint64
	sessCancel  context.CancelFunc
	runCancel   context.CancelFunc
	runCtx      context.Context
	adapter     compat.Adapter
	annotator   *badge.Annotator
	chat        *observer.Chat
	seen        *dedup.Set
	pending     *pendingTargets
	icons       map[string]string
	iconsWanted map[string]bool

	unsubscribe func()
}

func New(doc *dom.Document, bg Background, cfg Config) *Tab {
	cfg = cfg.withDefaults()
	t := &Tab{
		doc:         doc,
		bg:          bg,
		cfg:         cfg,
		pending:     newPendingTargets(),
		icons:       make(map[string]string),
		iconsWanted: make(map[string]bool),
	}
	t.cdn = badge.CDNIcons(cfg.CDNURL)
	t.machine = activation.New(doc, bg, activation.WithFallbackDelay(cfg.FallbackDelay))
	return t
}

// Start follows activation until ctx ends.
func (t *Tab) Start(ctx context.Context) {
	telemetry.AddTabs(1)
	t.unsubscribe = t.machine.Subscribe(t.onSession)
	t.machine.Start(ctx)
}

// Stop tears down the running session and stops following navigation.
func (t *Tab) Stop() {
	t.machine.Stop()
	if t.unsubscribe != nil {
		t.unsubscribe()
		t.unsubscribe = nil
		telemetry.AddTabs(-1)
	}
	t.teardown()
}

// Session is the tab's committed activation state.
func (t *Tab) Session() activation.Session { return t.machine.Current() }

// Machine exposes the activation state machine (tests, admin).
func (t *Tab) Machine() *activation.Machine { return t.machine }

func (t *Tab) onSession(s activation.Session) {
	if s.State != activation.Active {
		t.teardown()
		return
	}
	t.mu.Lock()
	boundary := t.lastChannel != "" && t.lastChannel != s.Channel
	t.lastChannel = s.Channel
	t.mu.Unlock()
	if boundary {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := t.bg.ClearCache(ctx); err != nil {
				slog.Debug("cache clear at channel switch failed", slog.String("component", "pipeline"), slog.Any("err", err))
			}
		}()
	}
	t.startSession(s)
}

func (t *Tab) startSession(s activation.Session) {
	t.teardown()
	sessCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.session = s
	t.sessCancel = cancel
	t.mu.Unlock()

	slog.Info("annotation session started",
		slog.String("component", "pipeline"),
		slog.String("channel", s.Channel),
		slog.String("skin", s.Skin.String()),
		slog.Bool("forced", s.Forced))
	t.startRun(sessCtx, s.Skin, nil)

	det := compat.NewDetector(t.doc, t.cfg.ProbeInterval, t.cfg.ProbeWindow)
	if skin := det.Current(); skin != s.Skin {
		t.startRun(sessCtx, skin, nil)
	}
	go det.Watch(sessCtx, func(skin compat.Skin) {
		slog.Info("chat skin changed, restarting", slog.String("component", "pipeline"), slog.String("skin", skin.String()))
		t.startRun(sessCtx, skin, nil)
	})
	go t.watchHealth(sessCtx)
}

// startRun (re)binds the observer and annotator for skin. Any previous run's
// observers, processed set and pending targets are dropped. A non-nil expect
// restarts only if that observer is still the current one.
func (t *Tab) startRun(sessCtx context.Context, skin compat.Skin, expect *observer.Chat) {
	adapter := compat.For(skin)
	runCtx, cancel := context.WithCancel(sessCtx)

	t.mu.Lock()
	if sessCtx.Err() != nil || (expect != nil && t.chat != expect) {
		t.mu.Unlock()
		cancel()
		return
	}
	t.stopRunLocked()
	t.gen++
	gen := t.gen
	t.runCtx, t.runCancel = runCtx, cancel
	t.adapter = adapter
	t.session.Skin = skin
	t.pending = newPendingTargets()
	t.annotator = badge.New(t.doc, adapter, t.iconFor, badge.WithRenderHook(func(s compat.Skin) { telemetry.RecordBadge(s.String()) }))
	t.seen = dedup.New(t.cfg.DedupMaxSize, dedup.DefaultPruneFraction, dedup.WithPruneHook(telemetry.AddDedupPruned))
	t.chat = observer.New(t.doc, adapter, func(msgs []*html.Node, initial bool) { t.onMessages(gen, msgs, initial) },
		observer.WithRetryPolicy(t.cfg.Discovery))
	chat := t.chat
	t.mu.Unlock()

	chat.Start(runCtx)
}

func (t *Tab) stopRunLocked() {
	if t.runCancel != nil {
		t.runCancel()
		t.runCancel = nil
	}
	if t.chat != nil {
		t.chat.Stop()
		t.chat = nil
	}
	if t.seen != nil {
		t.seen.Clear()
	}
	t.pending.reset()
	t.pending = newPendingTargets()
}

func (t *Tab) teardown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessCancel != nil {
		t.sessCancel()
		t.sessCancel = nil
	}
	t.stopRunLocked()
	t.gen++
	t.session = activation.Session{}
}

// watchHealth restarts the run when the attached container has been replaced,
// which the host does on some in-page route changes.
func (t *Tab) watchHealth(ctx context.Context) {
	tick := time.NewTicker(t.cfg.HealthInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			t.mu.Lock()
			chat, adapter := t.chat, t.adapter
			t.mu.Unlock()
			if chat == nil || chat.Mode() != observer.ModePrimary || chat.Healthy() {
				continue
			}
			slog.Info("chat container detached, restarting observer", slog.String("component", "pipeline"))
			t.startRun(ctx, adapter.Skin(), chat)
		}
	}
}

// alive reports whether work started under gen may still touch the document.
func (t *Tab) alive(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return gen == t.gen && t.machine.Alive(t.session.Token)
}

// onMessages runs inside observer callbacks: it only records targets and
// schedules lookups.
func (t *Tab) onMessages(gen uint64, msgs []*html.Node, initial bool) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	adapter, seen, pending, runCtx, channel := t.adapter, t.seen, t.pending, t.runCtx, t.session.Channel
	t.mu.Unlock()

	var order []string
	for _, msg := range msgs {
		if !seen.Add(msg) {
			continue
		}
		name := adapter.FindNameElement(t.doc, msg)
		if name == nil {
			continue
		}
		participant := rank.NormalizeKey(adapter.Username(t.doc, name))
		if participant == "" {
			continue
		}
		if pending.add(participant, name) {
			order = append(order, participant)
		}
	}
	if initial && len(order) > 0 {
		slog.Debug("processing existing messages", slog.String("component", "pipeline"), slog.Int("messages", len(msgs)), slog.Int("participants", len(order)))
	}
	for _, p := range order {
		go t.resolve(runCtx, gen, pending, p, channel)
	}
}

func (t *Tab) resolve(ctx context.Context, gen uint64, pending *pendingTargets, participant, channel string) {
	e, err := t.bg.ResolveRank(ctx, participant, channel)
	if err != nil {
		slog.Debug("rank lookup failed", slog.String("component", "pipeline"), slog.String("participant", participant), slog.Any("err", err))
		e = nil
	}
	if !t.alive(gen) {
		return
	}
	t.apply(gen, pending, participant, e)
}

// apply annotates every waiting name node for participant, then sweeps the
// visible chat for messages from them the observer missed.
func (t *Tab) apply(gen uint64, pending *pendingTargets, participant string, e *rank.Entry) {
	targets := pending.take(participant)

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	annotator, adapter, chat := t.annotator, t.adapter, t.chat
	t.mu.Unlock()

	if e.HasTier() {
		t.wantIcon(e)
	}
	for _, name := range targets {
		if t.doc.Contains(name) {
			annotator.Annotate(name, e)
		}
	}
	if !e.HasTier() {
		return
	}
	var scope *html.Node
	if chat != nil {
		scope = chat.Container()
	}
	for _, msg := range t.doc.QueryAll(scope, adapter.MessageSelector()) {
		name := adapter.FindNameElement(t.doc, msg)
		if name == nil || annotator.Has(name) || !t.doc.Visible(msg) {
			continue
		}
		if rank.NormalizeKey(adapter.Username(t.doc, name)) == participant {
			annotator.Annotate(name, e)
		}
	}
}

// iconFor prefers a fetched data URL and falls back to the CDN address.
func (t *Tab) iconFor(e *rank.Entry) string {
	key := e.IconName()
	t.mu.Lock()
	v, ok := t.icons[key]
	t.mu.Unlock()
	if ok {
		return v
	}
	return t.cdn(e)
}

func (t *Tab) wantIcon(e *rank.Entry) {
	key := e.IconName()
	t.mu.Lock()
	if t.iconsWanted[key] {
		t.mu.Unlock()
		return
	}
	t.iconsWanted[key] = true
	t.mu.Unlock()

	tier, animated := e.NormalizedTier(), e.Animate
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		url, err := t.bg.FetchBadgeIcon(ctx, tier, animated)
		t.mu.Lock()
		defer t.mu.Unlock()
		if err != nil {
			delete(t.iconsWanted, key)
			slog.Debug("badge icon fetch failed", slog.String("component", "pipeline"), slog.String("tier", tier), slog.Any("err", err))
			return
		}
		t.icons[key] = url
	}()
}
