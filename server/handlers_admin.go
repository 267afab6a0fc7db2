package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/eloward/rankbadges/background"
	"github.com/eloward/rankbadges/messaging"
	"github.com/eloward/rankbadges/rank"
	"github.com/eloward/rankbadges/telemetry"
)

// maxBodyBytes bounds admin request bodies.
const maxBodyBytes = 64 << 10

// HandleAdminRanks lists every cached rank keyed by participant.
func (h *Handlers) HandleAdminRanks(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.GetAllCachedRanks(r.Context())
	if err != nil {
		h.adminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleAdminResolve resolves one participant the way a tab would, including
// the backend lookup on a miss. ?channel= attributes the usage counters.
func (h *Handlers) HandleAdminResolve(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.ResolveRank(r.Context(), messaging.ResolveRank{
		Participant: chi.URLParam(r, "participant"),
		Channel:     r.URL.Query().Get("channel"),
	})
	if err != nil {
		h.adminError(w, r, err)
		return
	}
	if res.Rank == nil {
		http.Error(w, "no rank", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleAdminSetRank stores a rank record supplied by an operator.
func (h *Handlers) HandleAdminSetRank(w http.ResponseWriter, r *http.Request) {
	var e rank.Entry
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&e); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	err := h.svc.SetRankData(r.Context(), messaging.SetRankData{
		Participant: chi.URLParam(r, "participant"),
		Rank:        &e,
	})
	if err != nil {
		h.adminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleAdminClearCache drops every cached rank except the pinned viewer.
func (h *Handlers) HandleAdminClearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ClearCache(r.Context()); err != nil {
		h.adminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleAdminCurrentUser sets the viewer whose rank is pinned in the cache.
func (h *Handlers) HandleAdminCurrentUser(w http.ResponseWriter, r *http.Request) {
	var body messaging.SetCurrentUser
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := h.svc.SetCurrentUser(r.Context(), body); err != nil {
		h.adminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleAdminCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		h.adminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handlers) adminError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, background.ErrInvalidRank):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, background.ErrStopped):
		http.Error(w, "background unavailable", http.StatusServiceUnavailable)
	default:
		telemetry.LoggerWithCorr(r.Context()).Error("admin request failed",
			slog.String("component", "http"), slog.String("path", r.URL.Path), slog.Any("err", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
