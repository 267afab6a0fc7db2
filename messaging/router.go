package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/eloward/rankbadges/telemetry"
)

// Handler is what the background service implements. Each method answers
// exactly one request type.
type Handler interface {
	ResolveRank(ctx context.Context, req ResolveRank) (RankResult, error)
	CheckActive(ctx context.Context, req CheckActive) (ActiveResult, error)
	IncrementCounter(ctx context.Context, req IncrementCounter) error
	SetCurrentUser(ctx context.Context, req SetCurrentUser) error
	ClearCache(ctx context.Context) error
	GetAllCachedRanks(ctx context.Context) (RanksResult, error)
	SetRankData(ctx context.Context, req SetRankData) error
	FetchBadgeIcon(ctx context.Context, req FetchBadgeIcon) (IconResult, error)
	DetectGame(ctx context.Context, req DetectGame) (GameResult, error)
}

// Router turns envelopes into handler calls. Every envelope gets exactly one
// reply, including unknown types, bad payloads and handler panics.
type Router struct {
	h Handler
}

func NewRouter(h Handler) *Router { return &Router{h: h} }

// Dispatch handles one envelope.
func (r *Router) Dispatch(ctx context.Context, env Envelope) (reply Reply) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "messaging", "messaging.dispatch", attribute.String("type", string(env.Type)))
	defer func() {
		if p := recover(); p != nil {
			telemetry.LoggerWithCorr(ctx).Error("background handler panic",
				slog.String("component", "messaging"),
				slog.String("type", string(env.Type)),
				slog.Any("panic", p))
			reply = errReply(env.ID, fmt.Errorf("internal error handling %s", env.Type))
		}
		var err error
		if !reply.OK {
			err = fmt.Errorf("%s", reply.Error)
		}
		telemetry.EndSpan(span, err)
		telemetry.RecordMessaging(string(env.Type), reply.OK, time.Since(start))
	}()

	req, err := Decode(env)
	if err != nil {
		return errReply(env.ID, err)
	}
	result, err := r.call(ctx, req)
	if err != nil {
		return errReply(env.ID, err)
	}
	return okReply(env.ID, result)
}

func (r *Router) call(ctx context.Context, req Request) (any, error) {
	switch req := req.(type) {
	case ResolveRank:
		return r.h.ResolveRank(ctx, req)
	case CheckActive:
		return r.h.CheckActive(ctx, req)
	case IncrementCounter:
		return Ack{}, r.h.IncrementCounter(ctx, req)
	case SetCurrentUser:
		return Ack{}, r.h.SetCurrentUser(ctx, req)
	case ClearCache:
		return Ack{}, r.h.ClearCache(ctx)
	case GetAllCachedRanks:
		return r.h.GetAllCachedRanks(ctx)
	case SetRankData:
		return Ack{}, r.h.SetRankData(ctx, req)
	case FetchBadgeIcon:
		return r.h.FetchBadgeIcon(ctx, req)
	case DetectGame:
		return r.h.DetectGame(ctx, req)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, req)
	}
}
