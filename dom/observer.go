package dom

import (
	"sync/atomic"

	"golang.org/x/net/html"
)

// MutationRecord describes one childList change.
type MutationRecord struct {
	Target       *html.Node
	AddedNodes   []*html.Node
	RemovedNodes []*html.Node
}

// ObserveOptions selects which changes an observer sees. Child list changes on
// the target are always reported; Subtree extends that to every descendant.
type ObserveOptions struct {
	Subtree bool
}

// Observer receives mutation records for one target until disconnected.
type Observer struct {
	doc    *Document
	target *html.Node
	opts   ObserveOptions
	fn     func([]MutationRecord)
	closed atomic.Bool
}

type delivery struct {
	obs *Observer
	rec MutationRecord
}

// Observe starts watching target. fn runs without the tree lock held and may
// query or mutate the document.
func (d *Document) Observe(target *html.Node, opts ObserveOptions, fn func([]MutationRecord)) *Observer {
	o := &Observer{doc: d, target: target, opts: opts, fn: fn}
	d.obsMu.Lock()
	d.observers[o] = struct{}{}
	d.obsMu.Unlock()
	return o
}

// Disconnect stops delivery. Records already queued for this observer are dropped.
func (o *Observer) Disconnect() {
	if o == nil || o.closed.Swap(true) {
		return
	}
	o.doc.obsMu.Lock()
	delete(o.doc.observers, o)
	o.doc.obsMu.Unlock()
}

// Target is the observed node.
func (o *Observer) Target() *html.Node { return o.target }

// ObserverCount is the number of connected observers (tests, metrics).
func (d *Document) ObserverCount() int {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	return len(d.observers)
}

// collectLocked matches rec against connected observers. Caller holds d.mu.
func (d *Document) collectLocked(rec MutationRecord) []delivery {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	var out []delivery
	for o := range d.observers {
		if rec.Target == o.target || (o.opts.Subtree && isAncestor(o.target, rec.Target)) {
			out = append(out, delivery{obs: o, rec: rec})
		}
	}
	return out
}

// deliver queues records and, unless another call is already draining, drains
// the queue, batching consecutive records per observer.
func (d *Document) deliver(ds []delivery) {
	if len(ds) == 0 {
		return
	}
	d.qmu.Lock()
	d.queue = append(d.queue, ds...)
	if d.draining {
		d.qmu.Unlock()
		return
	}
	d.draining = true
	for len(d.queue) > 0 {
		batch := d.queue
		d.queue = nil
		d.qmu.Unlock()
		dispatch(batch)
		d.qmu.Lock()
	}
	d.draining = false
	d.qmu.Unlock()
}

func dispatch(batch []delivery) {
	var order []*Observer
	grouped := make(map[*Observer][]MutationRecord)
	for _, dl := range batch {
		if _, seen := grouped[dl.obs]; !seen {
			order = append(order, dl.obs)
		}
		grouped[dl.obs] = append(grouped[dl.obs], dl.rec)
	}
	for _, o := range order {
		if o.closed.Load() {
			continue
		}
		o.fn(grouped[o])
	}
}
