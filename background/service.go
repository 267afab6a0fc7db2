// Package background is the shared process every tab talks to. It owns the
// rank cache on a single goroutine and answers the messaging contract: rank
// resolution, enrollment checks, usage counters, badge icons and game
// detection.
package background

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/eloward/rankbadges/identity"
	"github.com/eloward/rankbadges/messaging"
	"github.com/eloward/rankbadges/rank"
	"github.com/eloward/rankbadges/rankcache"
	"github.com/eloward/rankbadges/resolver"
	"github.com/eloward/rankbadges/telemetry"
)

var (
	// ErrNoGameSource is returned by DetectGame when no remote game lookup is configured.
	ErrNoGameSource = errors.New("background: game detection unavailable")
	// ErrInvalidRank rejects SetRankData without a participant or tier.
	ErrInvalidRank = errors.New("background: invalid rank data")
)

// RankBackend is the remote rank and enrollment service.
type RankBackend interface {
	resolver.Backend
	CheckEnrollment(ctx context.Context, channel string) (bool, error)
}

// GameSource resolves a channel's current category.
type GameSource interface {
	Game(ctx context.Context, login string) (string, error)
}

// IconSource returns badge icons as data URLs.
type IconSource interface {
	Get(ctx context.Context, tier string, animated bool) (string, error)
}

type Options struct {
	CacheMaxSize int
	CacheTTL     time.Duration
	Backend      RankBackend
	Games        GameSource
	Icons        IconSource
	Identity     *identity.Store
	Clock        func() time.Time
}

// Service implements messaging.Handler.
type Service struct {
	backend  RankBackend
	games    GameSource
	icons    IconSource
	identity *identity.Store
	resolver *resolver.Resolver

	inbox  chan cacheMsg
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var _ messaging.Handler = (*Service)(nil)

// New starts the cache actor. A persisted viewer identity is pinned and seeded
// before the first request is served.
func New(parent context.Context, opts Options) *Service {
	ctx, cancel := context.WithCancel(parent)
	cacheOpts := []rankcache.Option{
		rankcache.WithEvictHook(func(key string, reason rankcache.EvictReason) {
			telemetry.RecordEviction(string(reason))
			slog.Debug("rank cache eviction", slog.String("component", "background"), slog.String("participant", key), slog.String("reason", string(reason)))
		}),
	}
	if opts.Clock != nil {
		cacheOpts = append(cacheOpts, rankcache.WithClock(opts.Clock))
	}
	cache := rankcache.New(opts.CacheMaxSize, opts.CacheTTL, cacheOpts...)

	if opts.Identity != nil {
		if v, err := opts.Identity.Load(ctx); err != nil {
			slog.Warn("viewer identity not loaded", slog.String("component", "background"), slog.Any("err", err))
		} else if v != nil {
			cache.SetCurrentUser(v.Login)
			if v.Rank.HasTier() {
				cache.Set(v.Login, v.Rank)
			}
		}
	}

	s := &Service{
		backend:  opts.Backend,
		games:    opts.Games,
		icons:    opts.Icons,
		identity: opts.Identity,
		inbox:    make(chan cacheMsg, 64),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	var self resolver.Identity
	if opts.Identity != nil {
		self = opts.Identity
	}
	s.resolver = resolver.New(s, opts.Backend, self)
	go s.loop(cache)
	return s
}

// Close stops the actor and waits for outstanding usage counters.
func (s *Service) Close() {
	s.cancel()
	<-s.done
	s.resolver.Wait()
}

// Done is closed once the actor has stopped.
func (s *Service) Done() <-chan struct{} { return s.done }

func (s *Service) ResolveRank(ctx context.Context, req messaging.ResolveRank) (messaging.RankResult, error) {
	e, err := s.resolver.Resolve(ctx, req.Participant, req.Channel)
	if err != nil {
		return messaging.RankResult{}, err
	}
	return messaging.RankResult{Rank: e}, nil
}

// CheckActive never guesses: any backend failure is returned and the caller
// treats the channel as not enrolled.
func (s *Service) CheckActive(ctx context.Context, req messaging.CheckActive) (messaging.ActiveResult, error) {
	if s.backend == nil {
		return messaging.ActiveResult{}, errors.New("background: no rank backend")
	}
	active, err := s.backend.CheckEnrollment(ctx, req.Channel)
	if err != nil {
		return messaging.ActiveResult{}, fmt.Errorf("check enrollment %q: %w", req.Channel, err)
	}
	return messaging.ActiveResult{Active: active}, nil
}

func (s *Service) IncrementCounter(ctx context.Context, req messaging.IncrementCounter) error {
	if s.backend == nil {
		return errors.New("background: no rank backend")
	}
	err := s.backend.IncrementCounter(ctx, req.Counter, req.Channel)
	telemetry.RecordBackendCounter(req.Counter, err)
	return err
}

// SetCurrentUser pins the viewer in the cache and remembers them across restarts.
func (s *Service) SetCurrentUser(ctx context.Context, req messaging.SetCurrentUser) error {
	key := rank.NormalizeKey(req.Participant)
	if err := s.pin(ctx, key); err != nil {
		return err
	}
	if s.identity == nil || key == "" {
		return nil
	}
	v := identity.Viewer{Login: key}
	if prev, err := s.identity.Load(ctx); err == nil && prev != nil && prev.Login == key {
		v.Rank = prev.Rank
	}
	return s.identity.Save(ctx, v)
}

// ClearCache drops every entry but the pinned viewer.
func (s *Service) ClearCache(ctx context.Context) error {
	_, err := ask(ctx, s, func(r chan struct{}) cacheMsg { return clearMsg{Reply: r} })
	return err
}

func (s *Service) GetAllCachedRanks(ctx context.Context) (messaging.RanksResult, error) {
	all, err := ask(ctx, s, func(r chan map[string]*rank.Entry) cacheMsg { return snapshotMsg{Reply: r} })
	if err != nil {
		return messaging.RanksResult{}, err
	}
	return messaging.RanksResult{Ranks: all}, nil
}

// SetRankData stores a rank supplied by the identity provider. The viewer's own
// record is also persisted.
func (s *Service) SetRankData(ctx context.Context, req messaging.SetRankData) error {
	key := rank.NormalizeKey(req.Participant)
	if key == "" {
		return fmt.Errorf("%w: empty participant", ErrInvalidRank)
	}
	if !req.Rank.HasTier() {
		return fmt.Errorf("%w: rank for %q has no tier", ErrInvalidRank, key)
	}
	if err := s.Store(ctx, key, req.Rank); err != nil {
		return err
	}
	if s.identity == nil {
		return nil
	}
	v, err := s.identity.Load(ctx)
	if err != nil || v == nil || v.Login != key {
		return nil
	}
	v.Rank = req.Rank.Clone()
	return s.identity.Save(ctx, *v)
}

func (s *Service) FetchBadgeIcon(ctx context.Context, req messaging.FetchBadgeIcon) (messaging.IconResult, error) {
	if s.icons == nil {
		return messaging.IconResult{}, errors.New("background: badge icons unavailable")
	}
	url, err := s.icons.Get(ctx, req.Tier, req.Animated)
	if err != nil {
		return messaging.IconResult{}, err
	}
	return messaging.IconResult{DataURL: url}, nil
}

func (s *Service) DetectGame(ctx context.Context, req messaging.DetectGame) (messaging.GameResult, error) {
	if s.games == nil {
		return messaging.GameResult{}, ErrNoGameSource
	}
	game, err := s.games.Game(ctx, req.Channel)
	if err != nil {
		return messaging.GameResult{}, fmt.Errorf("detect game %q: %w", req.Channel, err)
	}
	return messaging.GameResult{Game: game}, nil
}
