// Package link turns raw URLs and feed items into canonical link records.
package link

import (
	"database/sql"
	"strings"

	"github.com/mmcdole/gofeed"

	"govlink/internal/link/htmllinks"
	"govlink/internal/search"
	"govlink/internal/store"
	"govlink/internal/urlnorm"
)

// FromURL canonicalizes raw and describes it as a registry record.
func FromURL(n urlnorm.Normalizer, feedID, raw string, excluded ...string) (store.UpsertLinkParams, error) {
	raw = strings.TrimSpace(raw)
	res, err := n.Inspect(raw, excluded...)
	if err != nil {
		return store.UpsertLinkParams{}, err
	}
	return fromResult(feedID, res), nil
}

func fromResult(feedID string, res urlnorm.Result) store.UpsertLinkParams {
	names := make([]string, 0, len(res.Params))
	for _, p := range res.Params {
		names = append(names, p.Name)
	}
	return store.UpsertLinkParams{
		FeedID:       nullString(feedID),
		RawURL:       res.Input,
		CanonicalURL: res.URL,
		Domain:       res.Domain.Lower + res.Domain.Top,
		Params:       names,
	}
}

// Batch is the outcome of canonicalizing every link of a feed item.
type Batch struct {
	Links   []store.UpsertLinkParams
	Skipped []string
}

// FromFeedItem collects the item's own link, its alternate links and every
// hyperlink in its body, and canonicalizes each of them. Links that cannot
// be canonicalized end up in Skipped. Two raw links with the same canonical
// form yield a single record.
func FromFeedItem(n urlnorm.Normalizer, feedID string, fi *gofeed.Item) Batch {
	var b Batch
	if fi == nil {
		return b
	}

	seen := make(map[string]struct{})
	for _, raw := range candidates(fi) {
		params, err := FromURL(n, feedID, raw)
		if err != nil {
			b.Skipped = append(b.Skipped, raw)
			continue
		}
		if _, dup := seen[params.CanonicalURL]; dup {
			continue
		}
		seen[params.CanonicalURL] = struct{}{}
		b.Links = append(b.Links, params)
	}
	return b
}

func candidates(fi *gofeed.Item) []string {
	var out []string
	add := func(values ...string) {
		for _, v := range values {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}

	add(fi.Link)
	add(fi.Links...)

	base := strings.TrimSpace(fi.Link)
	add(htmllinks.Extract(fi.Content, base)...)
	add(htmllinks.Extract(fi.Description, base)...)
	return out
}

// Document is the search index representation of a stored link.
func Document(l store.Link) search.Document {
	doc := search.Document{
		ID:           l.ID,
		CanonicalURL: l.CanonicalURL,
		RawURL:       l.RawURL,
		Domain:       l.Domain,
		Params:       l.Params,
	}
	if doc.Params == nil {
		doc.Params = []string{}
	}
	if l.FeedID.Valid {
		doc.FeedID = l.FeedID.String
	}
	return doc
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{Valid: true, String: v}
}
