package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

const readinessTimeout = 2 * time.Second

// HandleHealthz is the liveness probe: the background cache actor must be running.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.svc.Done():
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	default:
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz runs the readiness checks in order and reports the first failure.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	checks := []struct {
		name string
		fn   func() error
	}{
		{"background", func() error {
			_, err := h.svc.Stats(ctx)
			return err
		}},
		{"store", func() error {
			if h.kv == nil {
				return nil
			}
			return h.kv.Ping(ctx)
		}},
		{"rank_backend", func() error {
			if h.breaker != nil && h.breaker() == gobreaker.StateOpen.String() {
				return errors.New("circuit breaker open")
			}
			return nil
		}},
	}
	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
