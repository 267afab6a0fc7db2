package dom

import (
	"strings"
	"sync"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// compiled selectors, shared by every document. A nil value marks a selector
// that failed to compile.
var selectorCache sync.Map // string -> cascadia.Sel

func compile(selector string) cascadia.Sel {
	if v, ok := selectorCache.Load(selector); ok {
		sel, _ := v.(cascadia.Sel)
		return sel
	}
	sel, err := cascadia.Parse(selector)
	if err != nil {
		selectorCache.Store(selector, nil)
		return nil
	}
	selectorCache.Store(selector, sel)
	return sel
}

// ValidSelector reports whether selector parses.
func ValidSelector(selector string) bool { return compile(selector) != nil }

// Query returns the first descendant of scope (the whole document when scope is
// nil) matching selector. Invalid selectors match nothing.
func (d *Document) Query(scope *html.Node, selector string) *html.Node {
	sel := compile(selector)
	if sel == nil {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if scope == nil {
		scope = d.root
	}
	return cascadia.Query(scope, sel)
}

// QueryAll returns every matching descendant of scope in document order.
func (d *Document) QueryAll(scope *html.Node, selector string) []*html.Node {
	sel := compile(selector)
	if sel == nil {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if scope == nil {
		scope = d.root
	}
	return cascadia.QueryAll(scope, sel)
}

// QueryFirst tries each selector in order and returns the first hit.
func (d *Document) QueryFirst(scope *html.Node, selectors ...string) *html.Node {
	for _, s := range selectors {
		if n := d.Query(scope, s); n != nil {
			return n
		}
	}
	return nil
}

// Matches reports whether n itself matches selector.
func (d *Document) Matches(n *html.Node, selector string) bool {
	sel := compile(selector)
	if sel == nil || n == nil {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return n.Type == html.ElementNode && sel.Match(n)
}

// Closest walks from n up through its ancestors and returns the first element
// matching selector.
func (d *Document) Closest(n *html.Node, selector string) *html.Node {
	sel := compile(selector)
	if sel == nil {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for p := n; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && sel.Match(p) {
			return p
		}
	}
	return nil
}

// CSSVar returns the value of a custom property declared on the root <html>
// element, on <body>, or in a :root rule of an inline <style> sheet. Custom
// properties inherit, so these are the places a skin publishes them.
func (d *Document) CSSVar(name string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, decls := range d.rootDeclarationsLocked() {
		if v, ok := decls[name]; ok {
			return v
		}
	}
	return ""
}

// HasCSSVarPrefix reports whether any root-level custom property starts with prefix.
func (d *Document) HasCSSVarPrefix(prefix string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, decls := range d.rootDeclarationsLocked() {
		for k := range decls {
			if strings.HasPrefix(k, prefix) {
				return true
			}
		}
	}
	return false
}

func (d *Document) rootDeclarationsLocked() []map[string]string {
	var out []map[string]string
	if htmlEl := findAtom(d.root, atom.Html); htmlEl != nil {
		if style, ok := getAttr(htmlEl, "style"); ok {
			out = append(out, parseDeclarations(style))
		}
	}
	if body := findAtom(d.root, atom.Body); body != nil {
		if style, ok := getAttr(body, "style"); ok {
			out = append(out, parseDeclarations(style))
		}
	}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Style {
			var b strings.Builder
			collectText(n, &b)
			out = append(out, rootRuleDeclarations(b.String())...)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(d.root)
	return out
}

// rootRuleDeclarations extracts the bodies of ":root { ... }" and "html { ... }" rules.
func rootRuleDeclarations(sheet string) []map[string]string {
	var out []map[string]string
	rest := sheet
	for {
		open := strings.Index(rest, "{")
		if open < 0 {
			return out
		}
		closing := strings.Index(rest[open:], "}")
		if closing < 0 {
			return out
		}
		selector := strings.TrimSpace(rest[:open])
		body := rest[open+1 : open+closing]
		for _, s := range strings.Split(selector, ",") {
			s = strings.TrimSpace(s)
			if s == ":root" || s == "html" {
				out = append(out, parseDeclarations(body))
				break
			}
		}
		rest = rest[open+closing+1:]
	}
}

func parseDeclarations(style string) map[string]string {
	decls := make(map[string]string)
	for _, part := range strings.Split(style, ";") {
		k, v, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		decls[k] = strings.TrimSpace(v)
	}
	return decls
}
