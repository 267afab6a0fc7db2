package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/eloward/rankbadges/rank"
)

// ErrRemote wraps an error reported by the background service.
var ErrRemote = errors.New("messaging: background error")

// Transport delivers an envelope and returns its reply.
type Transport interface {
	RoundTrip(ctx context.Context, env Envelope) (Reply, error)
}

// Client is the tab-side API over a Transport.
type Client struct {
	t Transport
}

func NewClient(t Transport) *Client { return &Client{t: t} }

// Call sends req and decodes its result into R.
func Call[R any](ctx context.Context, t Transport, req Request) (R, error) {
	var out R
	env, err := Encode(req)
	if err != nil {
		return out, err
	}
	reply, err := t.RoundTrip(ctx, env)
	if err != nil {
		return out, fmt.Errorf("%s: %w", req.Type(), err)
	}
	if !reply.OK {
		return out, fmt.Errorf("%w: %s: %s", ErrRemote, req.Type(), reply.Error)
	}
	if len(reply.Result) > 0 {
		if err := json.Unmarshal(reply.Result, &out); err != nil {
			return out, fmt.Errorf("%s: decode result: %w", req.Type(), err)
		}
	}
	return out, nil
}

func (c *Client) ResolveRank(ctx context.Context, participant, channel string) (*rank.Entry, error) {
	res, err := Call[RankResult](ctx, c.t, ResolveRank{Participant: participant, Channel: channel})
	return res.Rank, err
}

func (c *Client) CheckActive(ctx context.Context, channel string) (bool, error) {
	res, err := Call[ActiveResult](ctx, c.t, CheckActive{Channel: channel})
	return res.Active, err
}

func (c *Client) IncrementCounter(ctx context.Context, counter, channel string) error {
	_, err := Call[Ack](ctx, c.t, IncrementCounter{Counter: counter, Channel: channel})
	return err
}

func (c *Client) SetCurrentUser(ctx context.Context, participant string) error {
	_, err := Call[Ack](ctx, c.t, SetCurrentUser{Participant: participant})
	return err
}

func (c *Client) ClearCache(ctx context.Context) error {
	_, err := Call[Ack](ctx, c.t, ClearCache{})
	return err
}

func (c *Client) GetAllCachedRanks(ctx context.Context) (map[string]*rank.Entry, error) {
	res, err := Call[RanksResult](ctx, c.t, GetAllCachedRanks{})
	return res.Ranks, err
}

func (c *Client) SetRankData(ctx context.Context, participant string, e *rank.Entry) error {
	_, err := Call[Ack](ctx, c.t, SetRankData{Participant: participant, Rank: e})
	return err
}

func (c *Client) FetchBadgeIcon(ctx context.Context, tier string, animated bool) (string, error) {
	res, err := Call[IconResult](ctx, c.t, FetchBadgeIcon{Tier: tier, Animated: animated})
	return res.DataURL, err
}

func (c *Client) DetectGame(ctx context.Context, channel string) (string, error) {
	res, err := Call[GameResult](ctx, c.t, DetectGame{Channel: channel})
	return res.Game, err
}
