// Package observer watches a chat skin's message list and hands newly inserted
// message elements to a sink.
package observer

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/net/html"

	"github.com/eloward/rankbadges/compat"
	"github.com/eloward/rankbadges/dom"
	"github.com/eloward/rankbadges/retry"
)

// ErrContainerNotFound is what container discovery retries on.
var ErrContainerNotFound = errors.New("observer: chat message container not found")

// Sink receives message elements. initial is true for the batch of messages
// that already existed when the container was attached.
type Sink func(msgs []*html.Node, initial bool)

// Mode says which observer is currently attached.
type Mode int

const (
	ModeNone Mode = iota
	ModePrimary
	ModeFallback
)

// Chat attaches to one document with one adapter. Create a new Chat after a
// skin change.
type Chat struct {
	doc     *dom.Document
	adapter compat.Adapter
	sink    Sink
	policy  retry.Policy

	mu        sync.Mutex
	primary   *dom.Observer
	fallback  *dom.Observer
	discovery *retry.Handle
	stopped   bool
}

// Option configures a Chat.
type Option func(*Chat)

// WithRetryPolicy overrides the container discovery backoff.
func WithRetryPolicy(p retry.Policy) Option { return func(c *Chat) { c.policy = p } }

func New(doc *dom.Document, adapter compat.Adapter, sink Sink, opts ...Option) *Chat {
	c := &Chat{doc: doc, adapter: adapter, sink: sink, policy: retry.DefaultPolicy}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start attaches to the message container. When the container is not there
// yet, a deep fallback observer covers a broader ancestor while discovery
// retries in the background; discovery gives up silently.
func (c *Chat) Start(ctx context.Context) {
	if c.attach() {
		return
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if root := compat.FindFallbackRoot(c.doc); root != nil {
		c.fallback = c.doc.Observe(root, dom.ObserveOptions{Subtree: true}, c.onFallback)
	}
	c.mu.Unlock()

	h := retry.Do(ctx, c.policy, func(context.Context) error {
		if c.attach() {
			return nil
		}
		return ErrContainerNotFound
	})
	c.mu.Lock()
	c.discovery = h
	c.mu.Unlock()
	go func() {
		if err := h.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			slog.Debug("chat container discovery gave up",
				slog.String("component", "observer"),
				slog.String("skin", c.adapter.Skin().String()))
		}
	}()
}

// attach binds the primary observer if the container exists and replays the
// messages already in it.
func (c *Chat) attach() bool {
	container := c.adapter.FindMessageContainer(c.doc)
	if container == nil {
		return false
	}
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return true
	}
	if c.primary != nil {
		c.mu.Unlock()
		return true
	}
	c.primary = c.doc.Observe(container, dom.ObserveOptions{}, c.onPrimary)
	if c.fallback != nil {
		c.fallback.Disconnect()
		c.fallback = nil
	}
	c.mu.Unlock()

	slog.Debug("chat observer attached", slog.String("component", "observer"), slog.String("skin", c.adapter.Skin().String()))
	if existing := c.doc.QueryAll(container, c.adapter.MessageSelector()); len(existing) > 0 {
		c.sink(existing, true)
	}
	return true
}

func (c *Chat) onPrimary(recs []dom.MutationRecord) { c.emit(recs) }

func (c *Chat) onFallback(recs []dom.MutationRecord) {
	// the container may have just been rendered under the fallback root
	c.mu.Lock()
	attached := c.primary != nil
	c.mu.Unlock()
	if !attached && c.adapter.FindMessageContainer(c.doc) != nil {
		c.attach()
		return
	}
	c.emit(recs)
}

func (c *Chat) emit(recs []dom.MutationRecord) {
	if c.Mode() == ModeNone {
		return
	}
	sel := c.adapter.MessageSelector()
	var msgs []*html.Node
	for _, r := range recs {
		for _, n := range r.AddedNodes {
			if n.Type != html.ElementNode {
				continue
			}
			if c.doc.Matches(n, sel) {
				msgs = append(msgs, n)
				continue
			}
			msgs = append(msgs, c.doc.QueryAll(n, sel)...)
		}
	}
	if len(msgs) > 0 {
		c.sink(msgs, false)
	}
}

// Mode reports which observer is attached.
func (c *Chat) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.stopped:
		return ModeNone
	case c.primary != nil:
		return ModePrimary
	case c.fallback != nil:
		return ModeFallback
	default:
		return ModeNone
	}
}

// Healthy is false once the observed container has been detached from the
// page, which means the pipeline needs a restart.
func (c *Chat) Healthy() bool {
	c.mu.Lock()
	primary := c.primary
	c.mu.Unlock()
	if primary == nil {
		return true
	}
	return c.doc.Contains(primary.Target())
}

// Container is the observed message list, or nil.
func (c *Chat) Container() *html.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.primary == nil {
		return nil
	}
	return c.primary.Target()
}

// Stop disconnects every observer and cancels discovery.
func (c *Chat) Stop() {
	c.mu.Lock()
	c.stopped = true
	primary, fallback, discovery := c.primary, c.fallback, c.discovery
	c.primary, c.fallback, c.discovery = nil, nil, nil
	c.mu.Unlock()

	primary.Disconnect()
	fallback.Disconnect()
	discovery.Cancel()
}
