package compat

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/eloward/rankbadges/dom"
)

type standard struct{}

func (standard) Skin() Skin              { return Standard }
func (standard) MessageSelector() string { return ".chat-line__message" }

func (standard) FindMessageContainer(doc *dom.Document) *html.Node {
	return doc.QueryFirst(nil,
		`[data-test-selector="chat-scrollable-area__message-container"]`,
		".chat-scrollable-area__message-container",
		".chat-list--default",
	)
}

func (standard) FindNameElement(doc *dom.Document, msg *html.Node) *html.Node {
	return doc.QueryFirst(msg, ".chat-author__display-name", `[data-a-target="chat-message-username"]`)
}

func (standard) FindOrCreateBadgeAnchor(doc *dom.Document, msg *html.Node) *html.Node {
	return twitchBadgeAnchor(doc, msg)
}

func (standard) Username(doc *dom.Document, name *html.Node) string {
	return twitchUsername(doc, name)
}

type ffz struct{}

func (ffz) Skin() Skin              { return FFZ }
func (ffz) MessageSelector() string { return ".chat-line__message" }

func (ffz) FindMessageContainer(doc *dom.Document) *html.Node {
	return doc.QueryFirst(nil,
		".ffz-chat-container .chat-scrollable-area__message-container",
		`[data-test-selector="chat-scrollable-area__message-container"]`,
		".chat-scrollable-area__message-container",
	)
}

func (ffz) FindNameElement(doc *dom.Document, msg *html.Node) *html.Node {
	return doc.QueryFirst(msg, ".chat-author__display-name", ".chat-line__username")
}

func (ffz) FindOrCreateBadgeAnchor(doc *dom.Document, msg *html.Node) *html.Node {
	return twitchBadgeAnchor(doc, msg)
}

func (ffz) Username(doc *dom.Document, name *html.Node) string {
	return twitchUsername(doc, name)
}

type sevenTV struct{}

func (sevenTV) Skin() Skin              { return SevenTV }
func (sevenTV) MessageSelector() string { return ".seventv-message" }

func (sevenTV) FindMessageContainer(doc *dom.Document) *html.Node {
	return doc.QueryFirst(nil, ".seventv-chat-list", "seventv-container .seventv-chat-scroller")
}

func (sevenTV) FindNameElement(doc *dom.Document, msg *html.Node) *html.Node {
	return doc.QueryFirst(msg, ".seventv-chat-user-username", ".seventv-chat-user")
}

func (sevenTV) FindOrCreateBadgeAnchor(doc *dom.Document, msg *html.Node) *html.Node {
	if list := doc.Query(msg, ".seventv-chat-user-badge-list"); list != nil {
		return list
	}
	user := doc.Query(msg, ".seventv-chat-user")
	if user == nil {
		return nil
	}
	list := dom.NewElement("span", "class", "seventv-chat-user-badge-list")
	name := doc.Query(user, ".seventv-chat-user-username")
	if name != nil && doc.Parent(name) == user {
		doc.InsertBefore(user, list, name)
	} else {
		doc.InsertBefore(user, list, firstChild(doc, user))
	}
	return list
}

func (sevenTV) Username(doc *dom.Document, name *html.Node) string {
	return strings.TrimSpace(doc.Text(name))
}

// twitchBadgeAnchor finds the badge span Twitch (and FFZ, which keeps Twitch's
// markup) renders before the author name, synthesising it when absent.
func twitchBadgeAnchor(doc *dom.Document, msg *html.Node) *html.Node {
	if a := doc.QueryFirst(msg, ".chat-line__message--badges", ".chat-badges"); a != nil {
		return a
	}
	container := doc.QueryFirst(msg, ".chat-line__username-container", ".chat-line__username")
	if container == nil {
		return nil
	}
	anchor := dom.NewElement("span", "class", "chat-line__message--badges")
	doc.InsertBefore(container, anchor, firstChild(doc, container))
	return anchor
}

func twitchUsername(doc *dom.Document, name *html.Node) string {
	if login := doc.Attr(name, "data-a-user"); login != "" {
		return login
	}
	if parent := doc.Closest(name, "[data-a-user]"); parent != nil {
		return doc.Attr(parent, "data-a-user")
	}
	return strings.TrimSpace(doc.Text(name))
}

func firstChild(doc *dom.Document, n *html.Node) *html.Node {
	if kids := doc.Children(n); len(kids) > 0 {
		return kids[0]
	}
	return nil
}
