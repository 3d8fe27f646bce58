// Package htmllinks pulls hyperlink targets out of HTML fragments such as
// feed item bodies.
package htmllinks

import (
	"net/url"
	"strings"

	xhtml "golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Extract returns the absolute http(s) targets of every <a href> in input,
// in document order and without duplicates. Relative references are resolved
// against base; they are dropped when base is empty or unparsable. Fragments
// are removed from the returned links.
func Extract(input, base string) []string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil
	}

	nodes, err := xhtml.ParseFragment(strings.NewReader(trimmed), &xhtml.Node{
		Type:     xhtml.ElementNode,
		Data:     "body",
		DataAtom: atom.Body,
	})
	if err != nil {
		return nil
	}

	var baseURL *url.URL
	if base != "" {
		if u, err := url.Parse(base); err == nil && u.IsAbs() {
			baseURL = u
		}
	}

	c := collector{base: baseURL, seen: make(map[string]struct{})}
	for _, n := range nodes {
		c.walk(n)
	}
	return c.links
}

type collector struct {
	base  *url.URL
	seen  map[string]struct{}
	links []string
}

func (c *collector) walk(n *xhtml.Node) {
	if n == nil {
		return
	}
	if n.Type == xhtml.ElementNode && n.DataAtom == atom.A {
		if href, ok := attr(n, "href"); ok {
			c.add(href)
		}
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		c.walk(child)
	}
}

func (c *collector) add(href string) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return
	}
	if !ref.IsAbs() {
		if c.base == nil {
			return
		}
		ref = c.base.ResolveReference(ref)
	}

	scheme := strings.ToLower(ref.Scheme)
	if scheme != "http" && scheme != "https" {
		return
	}
	ref.Fragment = ""
	ref.RawFragment = ""

	s := ref.String()
	if _, dup := c.seen[s]; dup {
		return
	}
	c.seen[s] = struct{}{}
	c.links = append(c.links, s)
}

func attr(n *xhtml.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			return a.Val, true
		}
	}
	return "", false
}
