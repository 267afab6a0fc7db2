package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/eloward/rankbadges/activation"
	"github.com/eloward/rankbadges/background"
	"github.com/eloward/rankbadges/config"
	"github.com/eloward/rankbadges/messaging"
	"github.com/eloward/rankbadges/store"
)

// TabStatus is what /status reports for one attached chat tab.
type TabStatus struct {
	Channel string `json:"channel,omitempty"`
	State   string `json:"state"`
	Skin    string `json:"skin,omitempty"`
	Game    string `json:"game,omitempty"`
	Replay  bool   `json:"replay,omitempty"`
	Forced  bool   `json:"forced,omitempty"`
}

// TabStatusOf summarizes an activation session.
func TabStatusOf(s activation.Session) TabStatus {
	ts := TabStatus{
		Channel: s.Channel,
		State:   s.State.String(),
		Game:    s.Game,
		Replay:  s.Replay,
		Forced:  s.Forced,
	}
	if s.State == activation.Active {
		ts.Skin = s.Skin.String()
	}
	return ts
}

// Deps are the collaborators the HTTP surface needs. Service is required.
type Deps struct {
	Config  *config.Config
	Service *background.Service
	Store   store.KV
	// Breaker reports the rank backend circuit state ("closed", "open", "half-open").
	Breaker func() string
	Tabs    func() []TabStatus
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	cfg     *config.Config
	svc     *background.Service
	router  *messaging.Router
	kv      store.KV
	breaker func() string
	tabs    func() []TabStatus
}

func NewHandlers(d Deps) *Handlers {
	cfg := d.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	return &Handlers{
		cfg:     cfg,
		svc:     d.Service,
		router:  messaging.NewRouter(d.Service),
		kv:      d.Store,
		breaker: d.Breaker,
		tabs:    d.Tabs,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", slog.String("component", "http"), slog.Any("err", err))
	}
}
