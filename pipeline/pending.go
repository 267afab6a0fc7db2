package pipeline

import (
	"sync"

	"golang.org/x/net/html"
)

// pendingTargets holds name nodes waiting for their participant's rank.
type pendingTargets struct {
	mu      sync.Mutex
	targets map[string][]*html.Node
}

func newPendingTargets() *pendingTargets {
	return &pendingTargets{targets: make(map[string][]*html.Node)}
}

// add records name under participant and reports whether this is the first
// waiting node, meaning a lookup must be started.
func (p *pendingTargets) add(participant string, name *html.Node) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	list, waiting := p.targets[participant]
	p.targets[participant] = append(list, name)
	return !waiting
}

// take removes and returns every node waiting on participant.
func (p *pendingTargets) take(participant string) []*html.Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.targets[participant]
	delete(p.targets, participant)
	return list
}

func (p *pendingTargets) reset() {
	p.mu.Lock()
	p.targets = make(map[string][]*html.Node)
	p.mu.Unlock()
}

func (p *pendingTargets) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, l := range p.targets {
		n += len(l)
	}
	return n
}
