package chat

import (
	"context"
	"errors"
	"html"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	twitch "github.com/gempir/go-twitch-irc/v4"
	xhtml "golang.org/x/net/html"

	"github.com/eloward/rankbadges/dom"
	"github.com/eloward/rankbadges/telemetry"
)

// DefaultMaxLines is how many chat lines the host keeps.
const DefaultMaxLines = 150

// ircClient is the part of the go-twitch-irc client the host uses.
type ircClient interface {
	OnPrivateMessage(func(twitch.PrivateMessage))
	Join(channels ...string)
	Connect() error
	Disconnect() error
}

// Host owns one page document for one channel.
type Host struct {
	doc      *dom.Document
	channel  string
	maxLines int

	// newClient is swapped in tests.
	newClient func() ircClient

	mu    sync.Mutex
	lines []*xhtml.Node
}

// PageURL is the channel page the host pretends to be.
func PageURL(channel string) string {
	return "https://www.twitch.tv/" + url.PathEscape(strings.ToLower(channel))
}

// NewHost builds an empty chat page for channel.
func NewHost(channel string, maxLines int) (*Host, error) {
	channel = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(channel, "#")))
	if channel == "" {
		return nil, errors.New("chat: channel required")
	}
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	esc := html.EscapeString(channel)
	page := `<html><head><meta property="og:url" content="` + html.EscapeString(PageURL(channel)) + `"></head><body>` +
		`<div class="channel-info-content"><a href="/` + esc + `"><h1 class="tw-title">` + esc + `</h1></a>` +
		`<a data-a-target="stream-game-link" href=""></a></div>` +
		`<div class="chat-shell"><div class="stream-chat"><div class="chat-room">` +
		`<div data-test-selector="chat-scrollable-area__message-container" class="chat-scrollable-area__message-container" role="log"></div>` +
		`</div></div></div></body></html>`
	doc, err := dom.ParseString(page, PageURL(channel))
	if err != nil {
		return nil, err
	}
	return &Host{
		doc:       doc,
		channel:   channel,
		maxLines:  maxLines,
		newClient: func() ircClient { return twitch.NewAnonymousClient() },
	}, nil
}

// Document is the rendered page.
func (h *Host) Document() *dom.Document { return h.doc }

// Channel is the normalised channel login.
func (h *Host) Channel() string { return h.channel }

// SetGame updates the category link in the page chrome. An empty game clears it.
func (h *Host) SetGame(game string) {
	link := h.doc.Query(nil, `[data-a-target="stream-game-link"]`)
	if link == nil {
		return
	}
	for _, c := range h.doc.Children(link) {
		h.doc.Remove(c)
	}
	if game == "" {
		h.doc.SetAttr(link, "href", "")
		return
	}
	slug := strings.ReplaceAll(strings.ToLower(game), " ", "-")
	h.doc.SetAttr(link, "href", "/directory/category/"+url.PathEscape(slug))
	h.doc.AppendChild(link, dom.NewText(game))
}

// Render appends one chat line and trims the oldest beyond the limit.
func (h *Host) Render(msg twitch.PrivateMessage) {
	container := h.doc.Query(nil, ".chat-scrollable-area__message-container")
	if container == nil {
		return
	}
	login := strings.ToLower(msg.User.Name)
	display := msg.User.DisplayName
	if display == "" {
		display = msg.User.Name
	}

	nameAttrs := []string{"class", "chat-author__display-name", "data-a-user", login}
	if msg.User.Color != "" {
		nameAttrs = append(nameAttrs, "style", "color: "+msg.User.Color)
	}
	name := dom.NewElement("span", nameAttrs...)
	name.AppendChild(dom.NewText(display))
	username := dom.NewElement("span", "class", "chat-line__username")
	username.AppendChild(name)

	header := dom.NewElement("span", "class", "chat-line__username-container")
	header.AppendChild(dom.NewElement("span", "class", "chat-line__message--badges"))
	header.AppendChild(username)

	sep := dom.NewElement("span", "aria-hidden", "true")
	sep.AppendChild(dom.NewText(": "))
	text := dom.NewElement("span", "class", "text-fragment", "data-a-target", "chat-message-text")
	text.AppendChild(dom.NewText(msg.Message))

	lineAttrs := []string{"class", "chat-line__message", "data-a-target", "chat-line-message", "data-a-user", login}
	if msg.ID != "" {
		lineAttrs = append(lineAttrs, "data-message-id", msg.ID)
	}
	line := dom.NewElement("div", lineAttrs...)
	line.AppendChild(header)
	line.AppendChild(sep)
	line.AppendChild(text)

	h.mu.Lock()
	h.lines = append(h.lines, line)
	var drop []*xhtml.Node
	if over := len(h.lines) - h.maxLines; over > 0 {
		drop = append(drop, h.lines[:over]...)
		h.lines = append([]*xhtml.Node(nil), h.lines[over:]...)
	}
	h.mu.Unlock()

	h.doc.AppendChild(container, line)
	for _, n := range drop {
		h.doc.Remove(n)
	}
	telemetry.IncChatLines()
}

// Run reads the channel's chat until ctx is done.
func (h *Host) Run(ctx context.Context) error {
	client := h.newClient()
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		if !strings.EqualFold(msg.Channel, h.channel) {
			return
		}
		h.Render(msg)
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		if err := client.Disconnect(); err != nil && !errors.Is(err, twitch.ErrConnectionIsNotOpen) {
			slog.Debug("twitch chat disconnect", slog.String("component", "chat"), slog.Any("err", err))
		}
	}()

	client.Join(h.channel)
	if ctx.Err() != nil {
		<-done
		return nil
	}
	slog.Info("twitch chat connecting", slog.String("component", "chat"), slog.String("channel", h.channel))
	err := client.Connect()
	if ctx.Err() != nil {
		<-done
		return nil
	}
	if err != nil && !errors.Is(err, twitch.ErrClientDisconnected) {
		slog.Error("twitch chat connect error", slog.String("component", "chat"), slog.Any("err", err))
		return err
	}
	<-done
	return nil
}
