// Package resolver answers "what is this participant's rank" for the background
// service: the viewer's own rank comes from the local identity, everyone else
// goes through the rank cache and, on a miss, the rank backend.
package resolver

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/eloward/rankbadges/rank"
	"github.com/eloward/rankbadges/rankapi"
	"github.com/eloward/rankbadges/telemetry"
)

// Cache is the resolver's view of the rank cache. The background service
// implements it by messaging its cache actor.
type Cache interface {
	Lookup(ctx context.Context, key string) (*rank.Entry, error)
	Store(ctx context.Context, key string, e *rank.Entry) error
}

// Backend is the remote rank service.
type Backend interface {
	FetchRank(ctx context.Context, participant string) (*rank.Entry, error)
	IncrementCounter(ctx context.Context, counter, channel string) error
}

// Identity answers for the local viewer.
type Identity interface {
	Self(ctx context.Context, participant string) (*rank.Entry, bool)
}

// ErrNoBackend is returned on a cache miss when no backend is configured.
var ErrNoBackend = errors.New("resolver: no rank backend")

const (
	fetchTimeout   = 10 * time.Second
	counterTimeout = 5 * time.Second
)

type Resolver struct {
	cache    Cache
	backend  Backend
	identity Identity

	group    singleflight.Group
	counters sync.WaitGroup
}

// New wires a resolver. identity may be nil when no viewer is known.
func New(cache Cache, backend Backend, identity Identity) *Resolver {
	return &Resolver{cache: cache, backend: backend, identity: identity}
}

// Resolve returns the participant's rank, or nil when the backend has none.
// channel is reported with the usage counters.
func (r *Resolver) Resolve(ctx context.Context, participant, channel string) (*rank.Entry, error) {
	key := rank.NormalizeKey(participant)
	if key == "" {
		return nil, nil
	}
	if r.identity != nil {
		if e, ok := r.identity.Self(ctx, key); ok {
			telemetry.RecordLookup("self")
			return e, nil
		}
	}

	e, err := r.cache.Lookup(ctx, key)
	if err != nil {
		slog.Warn("rank cache lookup failed", slog.String("component", "resolver"), slog.String("participant", key), slog.Any("err", err))
	}
	if e != nil {
		telemetry.RecordLookup("hit")
		r.count(channel, e)
		return e, nil
	}

	e, err = r.fetch(ctx, key)
	switch {
	case errors.Is(err, rankapi.ErrNotFound):
		telemetry.RecordLookup("not_found")
		r.count(channel, nil)
		return nil, nil
	case err != nil:
		telemetry.RecordLookup("error")
		return nil, err
	}
	telemetry.RecordLookup("miss")
	r.count(channel, e)
	return e, nil
}

// fetch runs at most one backend request per key. The shared request outlives
// any single caller so a cancelled tab does not fail the others waiting on it.
func (r *Resolver) fetch(ctx context.Context, key string) (*rank.Entry, error) {
	if r.backend == nil {
		return nil, ErrNoBackend
	}
	ch := r.group.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		var (
			e   *rank.Entry
			err error
		)
		telemetry.TimeFunc(telemetry.RankLookupDuration, func() {
			e, err = r.backend.FetchRank(fctx, key)
		})
		if err != nil {
			return nil, err
		}
		if e != nil {
			if serr := r.cache.Store(fctx, key, e); serr != nil {
				slog.Warn("rank not cached", slog.String("component", "resolver"), slog.String("participant", key), slog.Any("err", serr))
			}
		}
		return e, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		e, _ := res.Val.(*rank.Entry)
		return e.Clone(), nil
	}
}

func (r *Resolver) count(channel string, e *rank.Entry) {
	if r.backend == nil {
		return
	}
	r.post(rankapi.CounterDBRead, channel)
	if e.KnownTier() {
		r.post(rankapi.CounterSuccessfulLookup, channel)
	}
}

func (r *Resolver) post(counter, channel string) {
	r.counters.Add(1)
	go func() {
		defer r.counters.Done()
		ctx, cancel := context.WithTimeout(context.Background(), counterTimeout)
		defer cancel()
		err := r.backend.IncrementCounter(ctx, counter, channel)
		telemetry.RecordBackendCounter(counter, err)
		if err != nil {
			slog.Debug("usage counter dropped", slog.String("component", "resolver"), slog.String("counter", counter), slog.Any("err", err))
		}
	}()
}

// Wait blocks until every in-flight usage counter post has finished.
func (r *Resolver) Wait() { r.counters.Wait() }
