package compat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eloward/rankbadges/dom"
)

const (
	DefaultProbeInterval = 500 * time.Millisecond
	DefaultProbeWindow   = 10 * time.Second
)

// Detector keeps the skin classification current for a while after
// activation, since skins inject themselves after the page has loaded.
type Detector struct {
	doc      *dom.Document
	interval time.Duration
	window   time.Duration

	mu      sync.Mutex
	current Skin
}

// NewDetector classifies doc immediately. Zero durations use the defaults.
func NewDetector(doc *dom.Document, interval, window time.Duration) *Detector {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if window <= 0 {
		window = DefaultProbeWindow
	}
	return &Detector{doc: doc, interval: interval, window: window, current: Detect(doc)}
}

// Current is the latest classification.
func (d *Detector) Current() Skin {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Probe re-classifies the page and reports the new skin and whether it changed.
func (d *Detector) Probe() (Skin, bool) {
	skin := Detect(d.doc)
	d.mu.Lock()
	changed := skin != d.current
	d.current = skin
	d.mu.Unlock()
	return skin, changed
}

// Watch re-probes every interval until the window elapses or ctx is done,
// calling onChange for each classification change. It blocks; run it in a
// goroutine.
func (d *Detector) Watch(ctx context.Context, onChange func(Skin)) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	deadline := time.NewTimer(d.window)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			slog.Debug("skin probing finished", slog.String("component", "compat"), slog.String("skin", d.Current().String()))
			return
		case <-ticker.C:
			if skin, changed := d.Probe(); changed {
				slog.Info("chat skin changed", slog.String("component", "compat"), slog.String("skin", skin.String()))
				if onChange != nil {
					onChange(skin)
				}
			}
		}
	}
}
