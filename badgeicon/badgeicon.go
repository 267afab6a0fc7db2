// Package badgeicon fetches tier badge images from the CDN and keeps them as
// data URLs, in memory and in the persisted store. Persisted keys carry the
// icon set version, so bumping it orphans every stale image.
package badgeicon

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/eloward/rankbadges/rank"
	"github.com/eloward/rankbadges/store"
	"github.com/eloward/rankbadges/telemetry"
)

const (
	DefaultCDNURL  = "https://eloward-cdn.unleashai.workers.dev/lol"
	DefaultVersion = "v1"

	maxIconBytes = 512 << 10
)

// ErrUnknownTier is returned for tiers with no icon.
var ErrUnknownTier = errors.New("badgeicon: unknown tier")

// Cache is safe for concurrent use.
type Cache struct {
	cdn     string
	version string
	kv      store.KV
	client  *http.Client

	mu     sync.RWMutex
	memory map[string]string
	group  singleflight.Group
}

func New(cdnURL, version string, kv store.KV, client *http.Client) *Cache {
	if cdnURL == "" {
		cdnURL = DefaultCDNURL
	}
	if version == "" {
		version = DefaultVersion
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Cache{
		cdn:     strings.TrimRight(cdnURL, "/"),
		version: version,
		kv:      kv,
		client:  client,
		memory:  make(map[string]string),
	}
}

// Key is the persisted key for a tier icon.
func (c *Cache) Key(tier string, animated bool) string {
	k := "badge_icon:" + c.version + ":" + strings.ToLower(strings.TrimSpace(tier))
	if animated {
		k += ":animated"
	}
	return k
}

// URL is the CDN location of a tier icon.
func (c *Cache) URL(tier string, animated bool) string {
	ext := ".png"
	if animated {
		ext = ".webp"
	}
	return c.cdn + "/" + rank.IconName(tier, animated) + ext
}

// Get returns the icon as a data URL: memory first, then the store, then the CDN.
func (c *Cache) Get(ctx context.Context, tier string, animated bool) (string, error) {
	probe := &rank.Entry{Tier: tier}
	if !probe.KnownTier() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	key := c.Key(tier, animated)

	c.mu.RLock()
	v, ok := c.memory[key]
	c.mu.RUnlock()
	if ok {
		telemetry.RecordIconFetch("memory")
		return v, nil
	}

	if c.kv != nil {
		raw, err := c.kv.Get(ctx, key)
		switch {
		case err == nil:
			c.remember(key, string(raw))
			telemetry.RecordIconFetch("store")
			return string(raw), nil
		case !errors.Is(err, store.ErrNotFound):
			slog.Warn("badge icon store read failed", slog.String("component", "badgeicon"), slog.String("key", key), slog.Any("err", err))
		}
	}

	out, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.download(ctx, tier, animated)
	})
	if err != nil {
		telemetry.RecordIconFetch("error")
		return "", err
	}
	dataURL := out.(string)
	c.remember(key, dataURL)
	telemetry.RecordIconFetch("cdn")
	if c.kv != nil {
		if err := c.kv.Set(ctx, key, []byte(dataURL)); err != nil {
			slog.Warn("badge icon not persisted", slog.String("component", "badgeicon"), slog.String("key", key), slog.Any("err", err))
		}
	}
	return dataURL, nil
}

// Lookup returns a remembered icon without fetching.
func (c *Cache) Lookup(tier string, animated bool) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.memory[c.Key(tier, animated)]
	return v, ok
}

func (c *Cache) remember(key, dataURL string) {
	c.mu.Lock()
	c.memory[key] = dataURL
	c.mu.Unlock()
}

func (c *Cache) download(ctx context.Context, tier string, animated bool) (string, error) {
	u := c.URL(tier, animated)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch icon %s: %w", u, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch icon %s: %s", u, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxIconBytes+1))
	if err != nil {
		return "", fmt.Errorf("read icon %s: %w", u, err)
	}
	if len(body) > maxIconBytes {
		return "", fmt.Errorf("icon %s larger than %d bytes", u, maxIconBytes)
	}
	ct := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(ct); err != nil || !strings.HasPrefix(mt, "image/") {
		ct = mime.TypeByExtension(path.Ext(u))
		if ct == "" {
			ct = "image/png"
		}
	} else {
		ct = mt
	}
	return "data:" + ct + ";base64," + base64.StdEncoding.EncodeToString(body), nil
}
