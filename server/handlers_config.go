package server

import (
	"net/http"
	"strconv"

	"github.com/eloward/rankbadges/telemetry"
)

// HandleConfig returns the effective non-secret settings.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	c := h.cfg
	out := map[string]string{
		"STORE_BACKEND":             c.StoreBackend,
		"RANK_CACHE_MAX_SIZE":       strconv.Itoa(c.RankCacheMaxSize),
		"RANK_CACHE_TTL":            c.RankCacheTTL.String(),
		"DEDUP_MAX_SIZE":            strconv.Itoa(c.DedupMaxSize),
		"ACTIVATION_FALLBACK_DELAY": c.FallbackDelay.String(),
		"COMPAT_PROBE_WINDOW":       c.ProbeWindow.String(),
		"BADGE_ICON_VERSION":        c.BadgeIconVersion,
		"LOG_LEVEL":                 c.LogLevel,
		"LOG_FORMAT":                c.LogFormat,
		"WATCH_CHANNEL":             c.WatchChannel,
		"HELIX_ENABLED":             strconv.FormatBool(c.HelixEnabled()),
	}
	for k, v := range out {
		if v == "" {
			delete(out, k)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleStatus summarizes the cache, the rank backend circuit and attached tabs.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		http.Error(w, "background unavailable", http.StatusServiceUnavailable)
		return
	}
	resp := map[string]any{
		"cache":   stats,
		"tracing": telemetry.IsTracingEnabled(),
	}
	if h.breaker != nil {
		resp["rank_backend_circuit"] = h.breaker()
	}
	tabs := []TabStatus{}
	if h.tabs != nil {
		tabs = append(tabs, h.tabs()...)
	}
	resp["tabs"] = tabs
	writeJSON(w, http.StatusOK, resp)
}
