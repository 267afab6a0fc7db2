// Package compat recognises which chat skin is rendering the page and hides
// its markup differences behind an Adapter.
package compat

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/eloward/rankbadges/dom"
)

// Skin is a chat rendering variant.
type Skin int

const (
	Standard Skin = iota
	SevenTV
	FFZ
)

func (s Skin) String() string {
	switch s {
	case SevenTV:
		return "seventv"
	case FFZ:
		return "ffz"
	default:
		return "standard"
	}
}

// Adapter locates the parts of a chat message for one skin.
type Adapter interface {
	Skin() Skin
	// MessageSelector matches one chat message element.
	MessageSelector() string
	// FindMessageContainer returns the element whose children are messages, or nil.
	FindMessageContainer(doc *dom.Document) *html.Node
	// FindNameElement returns the author name element inside msg, or nil.
	FindNameElement(doc *dom.Document, msg *html.Node) *html.Node
	// FindOrCreateBadgeAnchor returns the element badges are appended to,
	// creating it with the skin's markup when the message has none.
	FindOrCreateBadgeAnchor(doc *dom.Document, msg *html.Node) *html.Node
	// Username extracts the participant login from a name element.
	Username(doc *dom.Document, name *html.Node) string
}

// For returns the adapter for skin.
func For(skin Skin) Adapter {
	switch skin {
	case SevenTV:
		return sevenTV{}
	case FFZ:
		return ffz{}
	default:
		return standard{}
	}
}

// Detect classifies the page. 7TV wins over FFZ when both leave traces, since
// 7TV replaces the message list while FFZ decorates Twitch's.
func Detect(doc *dom.Document) Skin {
	switch {
	case isSevenTV(doc):
		return SevenTV
	case isFFZ(doc):
		return FFZ
	default:
		return Standard
	}
}

func isSevenTV(doc *dom.Document) bool {
	if doc.QueryFirst(nil, "seventv-container", ".seventv-chat-list", ".seventv-message") != nil {
		return true
	}
	return doc.HasCSSVarPrefix("--seventv-")
}

func isFFZ(doc *dom.Document) bool {
	if doc.QueryFirst(nil, ".ffz-chat-container", ".ffz-top-nav", ".ffz-badge") != nil {
		return true
	}
	if root := doc.Query(nil, "html"); root != nil {
		for _, cls := range strings.Fields(doc.Attr(root, "class")) {
			if strings.HasPrefix(cls, "ffz-") {
				return true
			}
		}
	}
	return doc.HasCSSVarPrefix("--ffz-")
}

// fallbackRootSelectors are broader ancestors watched deeply when a skin's
// message container cannot be found, from most to least specific.
var fallbackRootSelectors = []string{
	`[data-test-selector="chat-room-component-layout"]`,
	".chat-room",
	".stream-chat",
	".chat-shell",
	"body",
}

// FindFallbackRoot returns the ancestor a deep observer should watch.
func FindFallbackRoot(doc *dom.Document) *html.Node {
	return doc.QueryFirst(nil, fallbackRootSelectors...)
}

// ChatPresent reports whether any skin's message container is visibly on the page.
func ChatPresent(doc *dom.Document) bool {
	for _, s := range []Skin{SevenTV, FFZ, Standard} {
		if c := For(s).FindMessageContainer(doc); c != nil && doc.Visible(c) {
			return true
		}
	}
	return false
}

// MessageOf returns the message element enclosing n, or nil.
func MessageOf(doc *dom.Document, a Adapter, n *html.Node) *html.Node {
	return doc.Closest(n, a.MessageSelector())
}
