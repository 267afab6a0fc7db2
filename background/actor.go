package background

import (
	"context"
	"errors"

	"github.com/eloward/rankbadges/rank"
	"github.com/eloward/rankbadges/rankcache"
	"github.com/eloward/rankbadges/telemetry"
)

// ErrStopped is returned for cache requests sent after Close.
var ErrStopped = errors.New("background: service stopped")

// cacheMsg is one request to the cache actor.
type cacheMsg interface{ isCacheMsg() }

type lookupMsg struct {
	Key   string
	Reply chan *rank.Entry
}

type storeMsg struct {
	Key   string
	Entry *rank.Entry
	Reply chan struct{}
}

type pinMsg struct {
	Key   string
	Reply chan struct{}
}

type clearMsg struct{ Reply chan struct{} }

type snapshotMsg struct{ Reply chan map[string]*rank.Entry }

type statsMsg struct{ Reply chan CacheStats }

func (lookupMsg) isCacheMsg()   {}
func (storeMsg) isCacheMsg()    {}
func (pinMsg) isCacheMsg()      {}
func (clearMsg) isCacheMsg()    {}
func (snapshotMsg) isCacheMsg() {}
func (statsMsg) isCacheMsg()    {}

// CacheStats is a point-in-time view of the rank cache.
type CacheStats struct {
	rankcache.Stats
	Size        int    `json:"size"`
	MaxSize     int    `json:"maxSize"`
	CurrentUser string `json:"currentUser,omitempty"`
}

// loop owns the cache. Nothing else touches it.
func (s *Service) loop(cache *rankcache.Cache) {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case m := <-s.inbox:
			switch msg := m.(type) {
			case lookupMsg:
				msg.Reply <- cache.Get(msg.Key)
			case storeMsg:
				cache.Set(msg.Key, msg.Entry)
				msg.Reply <- struct{}{}
			case pinMsg:
				cache.SetCurrentUser(msg.Key)
				msg.Reply <- struct{}{}
			case clearMsg:
				cache.Clear()
				msg.Reply <- struct{}{}
			case snapshotMsg:
				msg.Reply <- cache.All()
			case statsMsg:
				msg.Reply <- CacheStats{Stats: cache.Stats(), Size: cache.Len(), MaxSize: cache.MaxSize(), CurrentUser: cache.CurrentUser()}
			}
			telemetry.SetCacheSize(cache.Len())
		}
	}
}

// ask sends one message built around a fresh reply channel and waits for the
// answer.
func ask[T any](ctx context.Context, s *Service, build func(chan T) cacheMsg) (T, error) {
	var zero T
	reply := make(chan T, 1)
	select {
	case s.inbox <- build(reply):
	case <-s.done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case v := <-reply:
		return v, nil
	case <-s.done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Lookup reads one entry through the actor.
func (s *Service) Lookup(ctx context.Context, key string) (*rank.Entry, error) {
	return ask(ctx, s, func(r chan *rank.Entry) cacheMsg { return lookupMsg{Key: key, Reply: r} })
}

// Store writes one entry through the actor.
func (s *Service) Store(ctx context.Context, key string, e *rank.Entry) error {
	_, err := ask(ctx, s, func(r chan struct{}) cacheMsg { return storeMsg{Key: key, Entry: e.Clone(), Reply: r} })
	return err
}

func (s *Service) pin(ctx context.Context, key string) error {
	_, err := ask(ctx, s, func(r chan struct{}) cacheMsg { return pinMsg{Key: key, Reply: r} })
	return err
}

// Stats reports cache size and counters.
func (s *Service) Stats(ctx context.Context) (CacheStats, error) {
	return ask(ctx, s, func(r chan CacheStats) cacheMsg { return statsMsg{Reply: r} })
}
