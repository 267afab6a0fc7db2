// Package activation decides, per navigation, whether the current page is a
// session worth annotating: a channel playing a supported game whose streamer
// is enrolled.
//
// Every navigation mints a new activation token. A detection run only commits
// while its token is current, so a slow answer for a page the viewer already
// left can never start observers.
package activation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eloward/rankbadges/compat"
	"github.com/eloward/rankbadges/dom"
	"github.com/eloward/rankbadges/retry"
	"github.com/eloward/rankbadges/telemetry"
)

type State int

const (
	Idle State = iota
	Detecting
	Active
	InactiveUnsupportedGame
	InactiveNotEnrolled
)

func (s State) String() string {
	switch s {
	case Detecting:
		return "detecting"
	case Active:
		return "active"
	case InactiveUnsupportedGame:
		return "inactive_unsupported_game"
	case InactiveNotEnrolled:
		return "inactive_not_enrolled"
	default:
		return "idle"
	}
}

// AssumedGame is the game recorded when the fallback force-activates.
const AssumedGame = "assumed"

const (
	DefaultFallbackDelay = 10 * time.Second
	gameTimeout          = 5 * time.Second
)

// ErrStale is returned when a run's token has been superseded.
var ErrStale = errors.New("activation: stale token")

// Session is the committed state for one navigation.
type Session struct {
	Channel string
	Replay  bool
	Game    string
	Skin    compat.Skin
	Token   string
	State   State
	// Forced is set when the fallback activated without a completed detection.
	Forced bool
}

// Background answers the remote questions a detection run asks.
type Background interface {
	CheckActive(ctx context.Context, channel string) (bool, error)
	DetectGame(ctx context.Context, channel string) (string, error)
}

type Option func(*Machine)

// WithFallbackDelay sets how long a run may stay undecided before the
// fallback looks for a visible chat.
func WithFallbackDelay(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.fallbackDelay = d
		}
	}
}

// WithScrapePolicy bounds the retries spent finding the channel in page chrome.
func WithScrapePolicy(p retry.Policy) Option { return func(m *Machine) { m.scrape = p } }

// WithFallbackPolicy bounds how long the fallback keeps looking for a visible
// chat once its delay has passed.
func WithFallbackPolicy(p retry.Policy) Option { return func(m *Machine) { m.chatWait = p } }

type Machine struct {
	doc           *dom.Document
	bg            Background
	fallbackDelay time.Duration
	scrape        retry.Policy
	chatWait      retry.Policy

	// notify serialises commits with listener delivery so listeners observe
	// states in commit order.
	notify sync.Mutex

	mu        sync.Mutex
	session   Session
	cancelRun context.CancelFunc
	timer     *time.Timer
	looking   *retry.Handle
	listeners map[int]func(Session)
	nextID    int
	parent    context.Context
	stopNav   func()
}

func New(doc *dom.Document, bg Background, opts ...Option) *Machine {
	m := &Machine{
		doc:           doc,
		bg:            bg,
		fallbackDelay: DefaultFallbackDelay,
		scrape:        retry.Policy{Attempts: 6, Initial: 250 * time.Millisecond, Max: 2 * time.Second, Multiplier: 2},
		chatWait:      retry.Policy{Attempts: 5, Initial: 500 * time.Millisecond, Max: 2 * time.Second, Multiplier: 2},
		listeners:     make(map[int]func(Session)),
		parent:        context.Background(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers fn for every committed session. Listeners run
// synchronously and must not call Detect or Stop.
func (m *Machine) Subscribe(fn func(Session)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Start detects the current page and follows navigations until Stop or ctx ends.
func (m *Machine) Start(ctx context.Context) {
	stop := m.doc.OnNavigate(func(pageURL string) { m.Detect(pageURL) })
	m.mu.Lock()
	m.parent = ctx
	m.stopNav = stop
	m.mu.Unlock()
	m.Detect(m.doc.URL())
	go func() {
		<-ctx.Done()
		m.Stop()
	}()
}

// Stop cancels any run in flight and returns to Idle.
func (m *Machine) Stop() {
	m.mu.Lock()
	stop := m.stopNav
	m.stopNav = nil
	m.mu.Unlock()
	if stop != nil {
		stop()
	}
	m.notify.Lock()
	defer m.notify.Unlock()
	m.mu.Lock()
	m.supersedeLocked()
	already := m.session.State == Idle && m.session.Token == ""
	m.session = Session{State: Idle}
	m.mu.Unlock()
	if !already {
		m.publish(Session{State: Idle})
	}
}

// Current returns the committed session.
func (m *Machine) Current() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Alive reports whether token belongs to the current, active session.
func (m *Machine) Alive(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return token != "" && m.session.Token == token && m.session.State == Active
}

// Detect supersedes whatever run is in flight and starts a new one for
// pageURL. It returns the new token.
func (m *Machine) Detect(pageURL string) string {
	page := ParseURL(pageURL)
	token := uuid.NewString()

	m.notify.Lock()
	defer m.notify.Unlock()
	m.mu.Lock()
	m.supersedeLocked()
	if !page.Chat {
		m.session = Session{State: Idle, Token: token}
		s := m.session
		m.mu.Unlock()
		m.publish(s)
		return token
	}
	ctx, cancel := context.WithCancel(m.parent)
	m.cancelRun = cancel
	m.session = Session{Channel: page.Channel, Replay: page.Replay, Token: token, State: Detecting}
	s := m.session
	m.timer = time.AfterFunc(m.fallbackDelay, func() { m.fallback(token) })
	m.mu.Unlock()

	m.publish(s)
	go m.run(ctx, token, page)
	return token
}

func (m *Machine) supersedeLocked() {
	if m.cancelRun != nil {
		m.cancelRun()
		m.cancelRun = nil
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.looking.Cancel()
	m.looking = nil
}

func (m *Machine) run(ctx context.Context, token string, page Page) {
	log := slog.With(slog.String("component", "activation"), slog.String("token", token))

	channel := page.Channel
	if channel == "" {
		h := retry.Do(ctx, m.scrape, func(context.Context) error {
			channel = ScrapeChannel(m.doc)
			if channel == "" {
				return errors.New("channel not in page yet")
			}
			return nil
		})
		if err := h.Wait(); err != nil {
			log.Debug("channel not found, leaving decision to fallback", slog.Any("err", err))
			return
		}
		if err := m.update(token, func(s *Session) { s.Channel = channel }); err != nil {
			return
		}
	}

	game := m.game(ctx, channel)
	if game != "" && !SupportedGame(game) {
		m.finish(token, log, func(s *Session) {
			s.Game = game
			s.State = InactiveUnsupportedGame
		})
		return
	}

	active, err := m.bg.CheckActive(ctx, channel)
	if err != nil {
		if ctx.Err() != nil {
			log.Debug("enrollment check aborted", slog.Any("err", err))
			return
		}
		log.Info("enrollment check failed, staying inactive", slog.String("channel", channel), slog.Any("err", err))
		active = false
	}
	m.finish(token, log, func(s *Session) {
		s.Game = game
		if active {
			s.State = Active
			s.Skin = compat.Detect(m.doc)
		} else {
			s.State = InactiveNotEnrolled
		}
	})
}

// game asks the background first and falls back to the page. An unknown game
// is "" and treated as supported.
func (m *Machine) game(ctx context.Context, channel string) string {
	gctx, cancel := context.WithTimeout(ctx, gameTimeout)
	defer cancel()
	game, err := m.bg.DetectGame(gctx, channel)
	if err == nil && game != "" {
		return game
	}
	if err != nil {
		slog.Debug("remote game detection failed", slog.String("component", "activation"), slog.String("channel", channel), slog.Any("err", err))
	}
	return ScrapeGame(m.doc)
}

func (m *Machine) finish(token string, log *slog.Logger, mutate func(*Session)) {
	if err := m.commit(token, mutate); err != nil {
		log.Debug("detection result discarded", slog.Any("err", err))
	}
}

// update changes a still-detecting session without publishing.
func (m *Machine) update(token string, mutate func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.Token != token || m.session.State != Detecting {
		return ErrStale
	}
	mutate(&m.session)
	return nil
}

// commit settles a detecting session and publishes it.
func (m *Machine) commit(token string, mutate func(*Session)) error {
	m.notify.Lock()
	defer m.notify.Unlock()
	m.mu.Lock()
	if m.session.Token != token || m.session.State != Detecting {
		m.mu.Unlock()
		return ErrStale
	}
	mutate(&m.session)
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	s := m.session
	m.mu.Unlock()
	m.publish(s)
	return nil
}

// detecting reports whether token's run is still undecided.
func (m *Machine) detecting(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Token == token && m.session.State == Detecting
}

// fallback force-activates an undecided session once chat is on screen. Chat
// that mounts late gets a few more looks before the run is left undecided.
func (m *Machine) fallback(token string) {
	m.mu.Lock()
	if m.session.Token != token || m.session.State != Detecting {
		m.mu.Unlock()
		return
	}
	h := retry.Do(m.parent, m.chatWait, func(context.Context) error {
		if !m.detecting(token) {
			return retry.Permanent(ErrStale)
		}
		if !compat.ChatPresent(m.doc) {
			return errors.New("chat not on screen")
		}
		return nil
	})
	m.looking = h
	m.mu.Unlock()

	if err := h.Wait(); err != nil {
		slog.Debug("fallback found no chat", slog.String("component", "activation"), slog.String("token", token), slog.Any("err", err))
		return
	}
	skin := compat.Detect(m.doc)
	err := m.commit(token, func(s *Session) {
		if s.Channel == "" {
			s.Channel = ScrapeChannel(m.doc)
		}
		s.Game = AssumedGame
		s.State = Active
		s.Skin = skin
		s.Forced = true
	})
	if err != nil {
		return
	}
	m.mu.Lock()
	if m.session.Token == token && m.cancelRun != nil {
		m.cancelRun()
		m.cancelRun = nil
	}
	m.mu.Unlock()
	slog.Info("activation forced by fallback", slog.String("component", "activation"), slog.String("token", token))
}

func (m *Machine) publish(s Session) {
	telemetry.RecordTransition(s.State.String())
	m.mu.Lock()
	fns := make([]func(Session), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}
