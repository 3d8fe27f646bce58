package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"govlink/internal/logx"
	meilisearch "github.com/meilisearch/meilisearch-go"
)

type Document struct {
	ID           string   `json:"id"`
	FeedID       string   `json:"feed_id,omitempty"`
	CanonicalURL string   `json:"canonical_url"`
	RawURL       string   `json:"raw_url"`
	Domain       string   `json:"domain"`
	Params       []string `json:"params"`
}

type Metrics interface {
	ObserveSearch(method string, err error, duration time.Duration)
}

type Client struct {
	svc     string
	client  meilisearch.ServiceManager
	index   string
	metrics Metrics
}

func New(url string, metrics Metrics) *Client {
	return &Client{
		svc:     "search",
		client:  meilisearch.New(url),
		index:   "links",
		metrics: metrics,
	}
}

func (c *Client) observe(method string, start time.Time, err *error) {
	if c.metrics == nil {
		return
	}
	c.metrics.ObserveSearch(method, *err, time.Since(start))
}

func (c *Client) EnsureIndex(ctx context.Context) (err error) {
	defer c.observe("EnsureIndex", time.Now(), &err)

	if _, err = c.client.GetIndexWithContext(ctx, c.index); err != nil {
		var apiErr *meilisearch.Error
		if errors.As(err, &apiErr) && apiErr.MeilisearchApiError.Code == "index_not_found" {
			if _, err = c.client.CreateIndexWithContext(ctx, &meilisearch.IndexConfig{Uid: c.index, PrimaryKey: "id"}); err != nil {
				return err
			}
		} else {
			return err
		}
	}

	settings := &meilisearch.Settings{
		SearchableAttributes: []string{"canonical_url", "raw_url", "domain", "params"},
		FilterableAttributes: []string{"feed_id", "domain"},
	}
	_, err = c.client.Index(c.index).UpdateSettingsWithContext(ctx, settings)
	return err
}

func (c *Client) Health(ctx context.Context) (err error) {
	defer c.observe("Health", time.Now(), &err)

	if _, err = c.client.HealthWithContext(ctx); err != nil {
		return fmt.Errorf("meili unhealthy: %w", err)
	}
	return nil
}

type SearchResponse struct {
	Query          string     `json:"query"`
	Limit          int        `json:"limit"`
	Offset         int        `json:"offset"`
	EstimatedTotal int64      `json:"estimated_total"`
	Hits           []Document `json:"hits"`
}

type SearchFilters struct {
	FeedID string
	Domain string
}

func (f SearchFilters) expression() string {
	var parts []string
	if f.FeedID != "" {
		parts = append(parts, "feed_id = "+quote(f.FeedID))
	}
	if f.Domain != "" {
		parts = append(parts, "domain = "+quote(f.Domain))
	}
	return strings.Join(parts, " AND ")
}

var filterEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func quote(v string) string {
	return `"` + filterEscaper.Replace(v) + `"`
}

func (c *Client) Search(ctx context.Context, query string, limit, offset int, filters SearchFilters) (resp SearchResponse, err error) {
	defer c.observe("Search", time.Now(), &err)

	req := &meilisearch.SearchRequest{
		Offset: int64(offset),
		Limit:  int64(limit),
	}
	if expr := filters.expression(); expr != "" {
		req.Filter = expr
	}

	var searchRes *meilisearch.SearchResponse
	searchRes, err = c.client.Index(c.index).SearchWithContext(ctx, query, req)
	if err != nil {
		return SearchResponse{}, err
	}
	hits := make([]Document, 0, len(searchRes.Hits))
	for _, hit := range searchRes.Hits {
		m, ok := hit.(map[string]interface{})
		if !ok {
			continue
		}
		hits = append(hits, documentFromHit(m))
	}
	resp = SearchResponse{Query: query, Limit: limit, Offset: offset, EstimatedTotal: searchRes.EstimatedTotalHits, Hits: hits}
	return resp, nil
}

func documentFromHit(m map[string]interface{}) Document {
	doc := Document{}
	if v, ok := m["id"].(string); ok {
		doc.ID = v
	}
	if v, ok := m["feed_id"].(string); ok {
		doc.FeedID = v
	}
	if v, ok := m["canonical_url"].(string); ok {
		doc.CanonicalURL = v
	}
	if v, ok := m["raw_url"].(string); ok {
		doc.RawURL = v
	}
	if v, ok := m["domain"].(string); ok {
		doc.Domain = v
	}
	if vs, ok := m["params"].([]interface{}); ok {
		for _, v := range vs {
			if s, ok := v.(string); ok {
				doc.Params = append(doc.Params, s)
			}
		}
	}
	return doc
}

func (c *Client) UpsertDocuments(ctx context.Context, docs []Document) (err error) {
	defer c.observe("UpsertDocuments", time.Now(), &err)

	if len(docs) == 0 {
		return nil
	}

	logx.Info(c.svc, "upsert documents", map[string]any{"index": c.index, "batch_size": len(docs)})

	_, err = c.client.Index(c.index).UpdateDocumentsWithContext(ctx, docs)
	return err
}

func (c *Client) IndexName() string {
	return c.index
}
