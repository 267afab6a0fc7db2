package activation

import (
	"net/url"
	"strings"

	"github.com/eloward/rankbadges/dom"
)

// first path segments that are site pages, not channels.
var reserved = map[string]bool{
	"directory": true, "settings": true, "search": true, "p": true, "downloads": true,
	"jobs": true, "turbo": true, "subscriptions": true, "inventory": true, "wallet": true,
	"drops": true,
}

// Page is what the location alone says about the current page.
type Page struct {
	Channel string
	Replay  bool
	// Chat is false for site pages that never host a channel chat.
	Chat bool
}

// ParseURL extracts the channel login from a Twitch page URL. Replay pages
// (/videos/<id>) carry no login; Channel is empty and the caller scrapes it.
func ParseURL(raw string) Page {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Page{}
	}
	host := strings.ToLower(u.Hostname())
	if host != "" && host != "twitch.tv" && !strings.HasSuffix(host, ".twitch.tv") {
		return Page{}
	}
	var segs []string
	for _, s := range strings.Split(u.Path, "/") {
		if s != "" {
			segs = append(segs, strings.ToLower(s))
		}
	}
	if len(segs) == 0 || reserved[segs[0]] {
		return Page{}
	}
	switch segs[0] {
	case "popout", "embed":
		if len(segs) >= 2 {
			return Page{Channel: segs[1], Chat: true}
		}
		return Page{}
	case "moderator":
		if len(segs) >= 2 {
			return Page{Channel: segs[1], Chat: true}
		}
		return Page{}
	case "videos":
		return Page{Replay: true, Chat: true}
	}
	if len(segs) >= 2 && segs[1] == "videos" {
		return Page{Channel: segs[0], Replay: true, Chat: true}
	}
	return Page{Channel: segs[0], Chat: true}
}

// channel login candidates in page chrome, most specific first.
var channelSelectors = []string{
	`.channel-info-content a[href^="/"]`,
	`[data-a-target="home-channel-header-link"]`,
	`[data-a-target="user-channel-header-item"]`,
	`h1.tw-title`,
	`meta[property="og:url"]`,
}

// ScrapeChannel reads the channel login from the page, or "".
func ScrapeChannel(doc *dom.Document) string {
	for _, sel := range channelSelectors {
		n := doc.Query(nil, sel)
		if n == nil {
			continue
		}
		if content, ok := doc.LookupAttr(n, "content"); ok {
			if p := ParseURL(content); p.Channel != "" {
				return p.Channel
			}
			continue
		}
		if href, ok := doc.LookupAttr(n, "href"); ok {
			if p := ParseURL(href); p.Channel != "" {
				return p.Channel
			}
		}
		if text := strings.ToLower(strings.TrimSpace(doc.Text(n))); text != "" && !strings.ContainsAny(text, " /") {
			return text
		}
	}
	return ""
}

// category candidates, increasing generality.
var gameSelectors = []string{
	`[data-a-target="stream-game-link"]`,
	`[data-a-target="video-info-game-boxart-link"]`,
	`a[href*="/directory/category/"]`,
	`a[href*="/directory/game/"]`,
}

// ScrapeGame reads the stream category from the page, or "".
func ScrapeGame(doc *dom.Document) string {
	for _, sel := range gameSelectors {
		n := doc.Query(nil, sel)
		if n == nil {
			continue
		}
		if text := strings.TrimSpace(doc.Text(n)); text != "" {
			return text
		}
		if href := doc.Attr(n, "href"); href != "" {
			if g := gameFromHref(href); g != "" {
				return g
			}
		}
	}
	return ""
}

func gameFromHref(href string) string {
	for _, marker := range []string{"/directory/category/", "/directory/game/"} {
		if _, rest, ok := strings.Cut(href, marker); ok {
			slug, _, _ := strings.Cut(rest, "/")
			slug, _, _ = strings.Cut(slug, "?")
			if s, err := url.PathUnescape(slug); err == nil {
				slug = s
			}
			return strings.ReplaceAll(slug, "-", " ")
		}
	}
	return ""
}

// SupportedGame reports whether annotations apply to game.
func SupportedGame(game string) bool {
	return strings.EqualFold(strings.TrimSpace(game), "league of legends")
}
