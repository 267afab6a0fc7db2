// Package rankapi talks to the rank lookup backend and the subscription
// backend: per-participant rank lookups, usage counters and channel
// enrollment checks.
package rankapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"

	"github.com/eloward/rankbadges/rank"
	"github.com/eloward/rankbadges/telemetry"
)

const (
	DefaultRankURL         = "https://eloward-viewers-api.unleashai-inquiries.workers.dev/api/ranks/lol"
	DefaultSubscriptionURL = "https://eloward-subscription-api.unleashai-inquiries.workers.dev"

	CounterDBRead           = "db_read"
	CounterSuccessfulLookup = "successful_lookup"

	tracerName = "rankapi"
)

var (
	// ErrNotFound means the backend has no rank for the participant.
	ErrNotFound = errors.New("rankapi: rank not found")
	// ErrCircuitOpen means recent lookups failed and calls are being shed.
	ErrCircuitOpen = errors.New("rankapi: backend circuit open")
	// ErrUnknownCounter is returned for counter names the backend does not accept.
	ErrUnknownCounter = errors.New("rankapi: unknown counter")
)

// Client is safe for concurrent use.
type Client struct {
	RankURL         string
	SubscriptionURL string
	HTTPClient      *http.Client

	breaker *gobreaker.CircuitBreaker
}

// New builds a client. Empty URLs fall back to the production endpoints and a
// nil httpClient gets a 5s timeout.
func New(rankURL, subscriptionURL string, httpClient *http.Client) *Client {
	if rankURL == "" {
		rankURL = DefaultRankURL
	}
	if subscriptionURL == "" {
		subscriptionURL = DefaultSubscriptionURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	c := &Client{
		RankURL:         strings.TrimRight(rankURL, "/"),
		SubscriptionURL: strings.TrimRight(subscriptionURL, "/"),
		HTTPClient:      httpClient,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "rank-backend",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change",
				slog.String("component", "rankapi"),
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			telemetry.SetCircuitState(to.String())
		},
	})
	return c
}

// BreakerState reports the lookup breaker state ("closed", "half-open", "open").
func (c *Client) BreakerState() string { return c.breaker.State().String() }

// FetchRank looks up one participant. A participant the backend does not know
// yields ErrNotFound.
func (c *Client) FetchRank(ctx context.Context, participant string) (*rank.Entry, error) {
	key := rank.NormalizeKey(participant)
	if key == "" {
		return nil, fmt.Errorf("fetch rank: empty participant")
	}
	ctx, span := telemetry.StartSpan(ctx, tracerName, "rankapi.fetch_rank", attribute.String("participant", key))
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.getRank(ctx, key)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		return nil, err
	}
	return out.(*rank.Entry), nil
}

func (c *Client) getRank(ctx context.Context, key string) (*rank.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.RankURL+"/"+url.PathEscape(key), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch rank %s: %w", key, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch rank %s: %s: %s", key, resp.Status, strings.TrimSpace(string(b)))
	}
	var e rank.Entry
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		return nil, fmt.Errorf("decode rank %s: %w", key, err)
	}
	return &e, nil
}

type channelBody struct {
	ChannelName string `json:"channel_name"`
}

// IncrementCounter posts one usage counter for the channel. The backend
// answers {"success": bool}; false is reported as an error.
func (c *Client) IncrementCounter(ctx context.Context, counter, channel string) error {
	switch counter {
	case CounterDBRead, CounterSuccessfulLookup:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCounter, counter)
	}
	var out struct {
		Success bool `json:"success"`
	}
	if err := c.postJSON(ctx, "/metrics/"+counter, channelBody{ChannelName: channel}, &out); err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("increment %s: backend reported failure", counter)
	}
	return nil
}

// CheckEnrollment reports whether the channel is enrolled. Both the current
// {"active": bool} and legacy {"subscribed": bool} answers are accepted.
func (c *Client) CheckEnrollment(ctx context.Context, channel string) (bool, error) {
	channel = rank.NormalizeKey(channel)
	if channel == "" {
		return false, fmt.Errorf("check enrollment: empty channel")
	}
	ctx, span := telemetry.StartSpan(ctx, tracerName, "rankapi.check_enrollment", attribute.String("channel", channel))
	var out struct {
		Active     *bool `json:"active"`
		Subscribed *bool `json:"subscribed"`
	}
	err := c.postJSON(ctx, "/subscription/verify", channelBody{ChannelName: channel}, &out)
	telemetry.EndSpan(span, err)
	if err != nil {
		return false, err
	}
	switch {
	case out.Active != nil:
		return *out.Active, nil
	case out.Subscribed != nil:
		return *out.Subscribed, nil
	default:
		return false, fmt.Errorf("check enrollment %s: response has no status", channel)
	}
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.SubscriptionURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post %s: %s: %s", path, resp.Status, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
