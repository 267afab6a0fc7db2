// Package badge renders rank badges next to chat author names.
package badge

import (
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/html"

	"github.com/eloward/rankbadges/compat"
	"github.com/eloward/rankbadges/dom"
	"github.com/eloward/rankbadges/rank"
)

// Class marks every badge this package renders.
const Class = "eloward-rank-badge"

const selector = "." + Class

// IconFunc returns the image URL (remote or data URL) for an entry's badge.
type IconFunc func(e *rank.Entry) string

// CDNIcons builds icon URLs under base: static icons are PNG, animated ones WebP.
func CDNIcons(base string) IconFunc {
	base = strings.TrimRight(base, "/")
	return func(e *rank.Entry) string {
		ext := ".png"
		if e.Animate {
			ext = ".webp"
		}
		return base + "/" + e.IconName() + ext
	}
}

// Annotator inserts and updates badges for one document and skin. It is safe
// for concurrent use: the badge lookup and the insert happen under one lock, so
// a message never ends up with two badges.
type Annotator struct {
	doc      *dom.Document
	adapter  compat.Adapter
	icons    IconFunc
	onRender func(compat.Skin)

	mu sync.Mutex
}

// Option configures an Annotator.
type Option func(*Annotator)

// WithRenderHook is called after each badge insert or update.
func WithRenderHook(fn func(compat.Skin)) Option { return func(a *Annotator) { a.onRender = fn } }

func New(doc *dom.Document, adapter compat.Adapter, icons IconFunc, opts ...Option) *Annotator {
	a := &Annotator{doc: doc, adapter: adapter, icons: icons}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Annotate renders e next to the author name node. Calling it again for the
// same message updates the badge in place. An entry with no tier removes any
// existing badge. It reports whether a badge is now shown.
func (a *Annotator) Annotate(name *html.Node, e *rank.Entry) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.doc.Contains(name) {
		return false
	}
	msg := compat.MessageOf(a.doc, a.adapter, name)
	if msg == nil {
		msg = a.doc.Parent(name)
	}
	existing := a.doc.Query(msg, selector)

	if !e.HasTier() {
		if existing != nil {
			a.doc.Remove(existing)
		}
		return false
	}

	if existing != nil {
		a.apply(existing, e)
		a.rendered()
		return true
	}

	anchor := a.adapter.FindOrCreateBadgeAnchor(a.doc, msg)
	if anchor == nil {
		return false
	}
	el := a.build(e)
	a.apply(el, e)
	a.doc.AppendChild(anchor, el)
	a.rendered()
	return true
}

// Has reports whether the message enclosing name already shows a badge.
func (a *Annotator) Has(name *html.Node) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	msg := compat.MessageOf(a.doc, a.adapter, name)
	if msg == nil {
		return false
	}
	return a.doc.Query(msg, selector) != nil
}

func (a *Annotator) rendered() {
	if a.onRender != nil {
		a.onRender(a.adapter.Skin())
	}
}

// build creates the badge skeleton in the skin's own markup.
func (a *Annotator) build(e *rank.Entry) *html.Node {
	switch a.adapter.Skin() {
	case compat.FFZ:
		return dom.NewElement("span", "class", "ffz-badge "+Class, "role", "img")
	case compat.SevenTV:
		wrap := dom.NewElement("div", "class", "seventv-chat-badge "+Class)
		wrap.AppendChild(dom.NewElement("img", "class", Class+"__icon"))
		return wrap
	default:
		link := dom.NewElement("a", "class", "chat-badge-link "+Class, "target", "_blank", "rel", "noopener noreferrer")
		link.AppendChild(dom.NewElement("img", "class", "chat-badge "+Class+"__icon"))
		return link
	}
}

// apply writes the entry's data onto an existing badge element.
func (a *Annotator) apply(el *html.Node, e *rank.Entry) {
	icon := ""
	if a.icons != nil {
		icon = a.icons(e)
	}
	tooltip := e.Tooltip()
	profile := e.ProfileURL()

	a.doc.SetAttr(el, "data-rank-tier", e.NormalizedTier())
	setOrRemove(a.doc, el, "data-rank-division", strings.ToUpper(strings.TrimSpace(e.Division)))
	lp := ""
	if e.LeaguePoints != nil {
		lp = strconv.Itoa(*e.LeaguePoints)
	}
	setOrRemove(a.doc, el, "data-rank-lp", lp)
	setOrRemove(a.doc, el, "data-rank-region", rank.RegionSlug(e.Region))
	setOrRemove(a.doc, el, "data-summoner", e.SummonerName)
	a.doc.SetAttr(el, "data-rank-text", tooltip)
	a.doc.SetAttr(el, "aria-label", tooltip)
	setOrRemove(a.doc, el, "data-profile-url", profile)

	if a.doc.Tag(el) == "a" {
		setOrRemove(a.doc, el, "href", profile)
	}
	if a.adapter.Skin() == compat.FFZ {
		a.doc.SetAttr(el, "style", "background-image: url(\""+icon+"\")")
		return
	}
	if img := a.doc.Query(el, "img"); img != nil {
		a.doc.SetAttr(img, "src", icon)
		a.doc.SetAttr(img, "alt", tooltip)
	}
}

func setOrRemove(doc *dom.Document, n *html.Node, key, val string) {
	if val == "" {
		doc.RemoveAttr(n, key)
		return
	}
	doc.SetAttr(n, key, val)
}
