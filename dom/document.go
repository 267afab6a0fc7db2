// Package dom is the page model the annotation pipeline runs against: an HTML
// tree with CSS selector queries, childList mutation observers and navigation
// notifications.
//
// Node handles are plain *html.Node values, but their fields must only be read
// or written through Document methods, which serialise access to the tree.
// Mutation records are delivered after the mutating call has released the tree
// lock; a mutation made from inside an observer callback is queued and delivered
// once the current callback returns, so callbacks never nest.
package dom

import (
	"errors"
	"io"
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrNotFound is returned when an expected element is missing.
var ErrNotFound = errors.New("dom: element not found")

// Document is one page. It is safe for concurrent use.
type Document struct {
	mu   sync.RWMutex
	root *html.Node
	url  string

	obsMu     sync.Mutex
	observers map[*Observer]struct{}

	navMu     sync.Mutex
	navSeq    int
	navigated map[int]func(string)

	qmu      sync.Mutex
	queue    []delivery
	draining bool
}

// New wraps an already parsed tree.
func New(root *html.Node, pageURL string) *Document {
	return &Document{
		root:      root,
		url:       pageURL,
		observers: make(map[*Observer]struct{}),
		navigated: make(map[int]func(string)),
	}
}

// Parse reads a full HTML document.
func Parse(r io.Reader, pageURL string) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, err
	}
	return New(root, pageURL), nil
}

// ParseString is Parse for an in-memory string.
func ParseString(markup, pageURL string) (*Document, error) {
	return Parse(strings.NewReader(markup), pageURL)
}

// Root is the document node.
func (d *Document) Root() *html.Node { return d.root }

// URL is the current page location.
func (d *Document) URL() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.url
}

// Navigate changes the location and notifies navigation listeners. The tree is
// left alone, mirroring single-page-app route changes.
func (d *Document) Navigate(pageURL string) {
	d.mu.Lock()
	d.url = pageURL
	d.mu.Unlock()

	d.navMu.Lock()
	fns := make([]func(string), 0, len(d.navigated))
	for _, fn := range d.navigated {
		fns = append(fns, fn)
	}
	d.navMu.Unlock()
	for _, fn := range fns {
		fn(pageURL)
	}
}

// OnNavigate registers fn for location changes and returns a func that removes it.
func (d *Document) OnNavigate(fn func(pageURL string)) func() {
	d.navMu.Lock()
	d.navSeq++
	id := d.navSeq
	d.navigated[id] = fn
	d.navMu.Unlock()
	return func() {
		d.navMu.Lock()
		delete(d.navigated, id)
		d.navMu.Unlock()
	}
}

// Body returns the <body> element, or nil.
func (d *Document) Body() *html.Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return findAtom(d.root, atom.Body)
}

// ReplaceBody swaps the body's children for the parsed markup, producing
// removal and insertion records. Used for full page swaps.
func (d *Document) ReplaceBody(markup string) error {
	body := d.Body()
	if body == nil {
		return ErrNotFound
	}
	nodes, err := html.ParseFragment(strings.NewReader(markup), &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body})
	if err != nil {
		return err
	}

	d.mu.Lock()
	var removed []*html.Node
	for c := body.FirstChild; c != nil; {
		next := c.NextSibling
		body.RemoveChild(c)
		removed = append(removed, c)
		c = next
	}
	for _, n := range nodes {
		body.AppendChild(n)
	}
	ds := d.collectLocked(MutationRecord{Target: body, AddedNodes: nodes, RemovedNodes: removed})
	d.mu.Unlock()

	d.deliver(ds)
	return nil
}

// Contains reports whether n is still attached to the document.
func (d *Document) Contains(n *html.Node) bool {
	if n == nil {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return isAncestor(d.root, n)
}

// Parent returns n's parent element.
func (d *Document) Parent(n *html.Node) *html.Node {
	if n == nil {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return n.Parent
}

// Children returns the element children of n.
func (d *Document) Children(n *html.Node) []*html.Node {
	if n == nil {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			out = append(out, c)
		}
	}
	return out
}

// Tag returns the element name.
func (d *Document) Tag(n *html.Node) string {
	if n == nil {
		return ""
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return n.Data
}

// Attr returns the attribute value, or "".
func (d *Document) Attr(n *html.Node, key string) string {
	v, _ := d.LookupAttr(n, key)
	return v
}

// LookupAttr returns the attribute value and whether it is present.
func (d *Document) LookupAttr(n *html.Node, key string) (string, bool) {
	if n == nil {
		return "", false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return getAttr(n, key)
}

// SetAttr sets or replaces an attribute. Attribute changes do not produce
// mutation records.
func (d *Document) SetAttr(n *html.Node, key, val string) {
	if n == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	setAttr(n, key, val)
}

// RemoveAttr deletes an attribute if present.
func (d *Document) RemoveAttr(n *html.Node, key string) {
	if n == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return
		}
	}
}

// HasClass reports whether the class attribute contains cls.
func (d *Document) HasClass(n *html.Node, cls string) bool {
	return hasClassToken(d.Attr(n, "class"), cls)
}

// Text returns the concatenated text content of n.
func (d *Document) Text(n *html.Node) string {
	if n == nil {
		return ""
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	var b strings.Builder
	collectText(n, &b)
	return b.String()
}

// Visible approximates layout visibility: attached, and neither n nor an
// ancestor is hidden or display:none.
func (d *Document) Visible(n *html.Node) bool {
	if n == nil {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !isAncestor(d.root, n) {
		return false
	}
	for p := n; p != nil; p = p.Parent {
		if p.Type != html.ElementNode {
			continue
		}
		if _, hidden := getAttr(p, "hidden"); hidden {
			return false
		}
		style, _ := getAttr(p, "style")
		if strings.Contains(strings.ReplaceAll(strings.ToLower(style), " ", ""), "display:none") {
			return false
		}
	}
	return true
}

// AppendChild attaches child as the last child of parent.
func (d *Document) AppendChild(parent, child *html.Node) {
	d.InsertBefore(parent, child, nil)
}

// InsertBefore attaches child before ref (or last when ref is nil). A child that
// is already attached elsewhere is moved.
func (d *Document) InsertBefore(parent, child, ref *html.Node) {
	if parent == nil || child == nil {
		return
	}
	d.mu.Lock()
	var ds []delivery
	if old := child.Parent; old != nil {
		old.RemoveChild(child)
		ds = append(ds, d.collectLocked(MutationRecord{Target: old, RemovedNodes: []*html.Node{child}})...)
	}
	if ref != nil && ref.Parent != parent {
		ref = nil
	}
	parent.InsertBefore(child, ref)
	ds = append(ds, d.collectLocked(MutationRecord{Target: parent, AddedNodes: []*html.Node{child}})...)
	d.mu.Unlock()

	d.deliver(ds)
}

// Remove detaches n from its parent.
func (d *Document) Remove(n *html.Node) {
	if n == nil {
		return
	}
	d.mu.Lock()
	parent := n.Parent
	if parent == nil {
		d.mu.Unlock()
		return
	}
	parent.RemoveChild(n)
	ds := d.collectLocked(MutationRecord{Target: parent, RemovedNodes: []*html.Node{n}})
	d.mu.Unlock()

	d.deliver(ds)
}

// NewElement builds a detached element. attrs are key/value pairs.
func NewElement(tag string, attrs ...string) *html.Node {
	n := &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}
	for i := 0; i+1 < len(attrs); i += 2 {
		n.Attr = append(n.Attr, html.Attribute{Key: attrs[i], Val: attrs[i+1]})
	}
	return n
}

// NewText builds a detached text node.
func NewText(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}

// Fragment parses markup in a <div> context and returns the detached nodes.
func Fragment(markup string) ([]*html.Node, error) {
	return html.ParseFragment(strings.NewReader(markup), &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div})
}

// Render serialises n (tests and debugging).
func (d *Document) Render(n *html.Node) string {
	if n == nil {
		return ""
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	var b strings.Builder
	_ = html.Render(&b, n)
	return b.String()
}

func getAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func hasClassToken(classAttr, cls string) bool {
	for _, f := range strings.Fields(classAttr) {
		if f == cls {
			return true
		}
	}
	return false
}

func collectText(n *html.Node, b *strings.Builder) {
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}

func isAncestor(anc, n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p == anc {
			return true
		}
	}
	return false
}

func findAtom(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if f := findAtom(c, a); f != nil {
			return f
		}
	}
	return nil
}
