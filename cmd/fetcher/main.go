package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"

	"govlink/internal/feed"
	"govlink/internal/httpx"
	"govlink/internal/link"
	"govlink/internal/logx"
	"govlink/internal/search"
	"govlink/internal/store"
	"govlink/internal/urlnorm"
)

func main() {
	svc := "fetcher"

	cfg, err := httpx.LoadRuntimeConfig(svc)
	if err != nil {
		fatal(svc, "load config", err, nil)
	}
	svc = cfg.Service
	if err := cfg.RequireBackends(); err != nil {
		fatal(svc, "load config", err, nil)
	}

	metrics := httpx.NewMetrics(svc)

	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		fatal(svc, "open db", err, nil)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	repo := store.New(db, metrics)
	searchClient := search.New(cfg.Search.URL, metrics)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Database.PingTimeout)
	if err := repo.Ping(ctx); err != nil {
		fatal(svc, "ping db", err, nil)
	}
	if err := repo.Migrate(ctx); err != nil {
		fatal(svc, "migrate", err, nil)
	}
	if err := searchClient.EnsureIndex(ctx); err != nil {
		fatal(svc, "ensure index", err, nil)
	}
	cancel()

	w := &worker{
		svc:        svc,
		repo:       repo,
		index:      searchClient,
		fetcher:    feed.NewFetcher(metrics),
		normalizer: urlnorm.New(cfg.Normalize.Exclude...),
		backoffs:   newBackoffTracker(cfg.Fetcher.Backoff),
	}

	logx.Info(svc, "ready", map[string]any{
		"every": cfg.Fetcher.Interval.String(),
		"index": searchClient.IndexName(),
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.Fetcher.Interval)
	defer ticker.Stop()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Fetcher.Interval)
		w.run(ctx)
		cancel()

		select {
		case <-ticker.C:
		case <-stop:
			logx.Info(svc, "stopped", nil)
			return
		}
	}
}

func fatal(service, msg string, err error, extra map[string]any) {
	logx.Error(service, msg, err, extra)
	os.Exit(1)
}

type feedStore interface {
	ListFeeds(ctx context.Context, active bool) ([]store.Feed, error)
	UpdateFeedCrawlState(context.Context, store.UpdateFeedCrawlStateParams) (store.Feed, error)
	UpsertLink(context.Context, store.UpsertLinkParams) (store.UpsertLinkResult, error)
}

type feedFetcher interface {
	Fetch(ctx context.Context, url, etag, lastModified string) (feed.Result, error)
}

type documentIndexer interface {
	UpsertDocuments(ctx context.Context, docs []search.Document) error
}

type worker struct {
	svc        string
	repo       feedStore
	index      documentIndexer
	fetcher    feedFetcher
	normalizer urlnorm.Normalizer
	backoffs   *backoffTracker
}

func (w *worker) run(ctx context.Context) {
	logx.Info(w.svc, "crawl tick", nil)

	feeds, err := w.repo.ListFeeds(ctx, true)
	if err != nil {
		logx.Error(w.svc, "list feeds", err, nil)
		return
	}

	for _, f := range feeds {
		result := w.crawlFeed(ctx, f)

		extra := map[string]any{
			"feed":    f.URL,
			"feed_id": f.ID,
		}
		if result.Status != 0 {
			extra["status"] = result.Status
		}
		if result.Links > 0 {
			extra["links"] = result.Links
			extra["fresh"] = result.Fresh
		}
		if result.Skipped > 0 {
			extra["malformed"] = result.Skipped
		}
		if result.Reason != "" {
			extra["reason"] = result.Reason
		}
		if result.RetryIn > 0 {
			extra["retry_in"] = result.RetryIn.String()
		}

		switch {
		case errors.Is(result.Err, ErrBackoffActive):
			logx.Info(w.svc, "feed skipped", extra)
		case result.Err != nil && result.RetryIn > 0:
			logx.Warn(w.svc, "feed retry scheduled", result.Err, extra)
		case result.Err != nil:
			logx.Error(w.svc, "feed error", result.Err, extra)
		default:
			logx.Info(w.svc, "feed processed", extra)
		}
	}
}

type CrawlResult struct {
	FeedID  string
	Status  int
	Links   int
	Fresh   int
	Skipped int
	Err     error
	RetryIn time.Duration
	Reason  string
}

var ErrBackoffActive = errors.New("backoff active")

func (w *worker) crawlFeed(ctx context.Context, f store.Feed) CrawlResult {
	result := CrawlResult{FeedID: f.ID}

	now := time.Now().UTC()
	if wait := w.backoffs.Remaining(f.ID, now); wait > 0 {
		result.Err = ErrBackoffActive
		result.RetryIn = wait
		result.Reason = "backoff active"
		return result
	}

	res, err := w.fetcher.Fetch(ctx, f.URL, f.ETag.String, f.LastModified.String)
	result.Status = res.Status
	if err != nil {
		result.Err = err
		if feed.Retryable(err) {
			result.RetryIn = w.backoffs.Schedule(f.ID, now, res.RetryAfter)
			result.Reason = "retry scheduled"
		} else {
			result.Reason = "fetch failed"
		}
		return result
	}
	w.backoffs.Reset(f.ID)

	if res.Status == http.StatusNotModified {
		result.Reason = "not modified"
		if _, err := w.repo.UpdateFeedCrawlState(ctx, store.UpdateFeedCrawlStateParams{
			ID:           f.ID,
			ETag:         sqlNullString(firstNonEmpty(res.ETag, f.ETag.String)),
			LastModified: sqlNullString(firstNonEmpty(res.LastModified, f.LastModified.String)),
			LastCrawled:  sql.NullTime{Valid: true, Time: time.Now().UTC()},
			Title:        f.Title,
		}); err != nil {
			result.Err = err
			result.Reason = "update feed"
		}
		return result
	}
	if res.Feed == nil {
		result.Reason = "no content"
		return result
	}

	title := f.Title
	if res.Feed.Title != "" {
		title = res.Feed.Title
	}
	if _, err := w.repo.UpdateFeedCrawlState(ctx, store.UpdateFeedCrawlStateParams{
		ID:           f.ID,
		ETag:         sqlNullString(res.ETag),
		LastModified: sqlNullString(res.LastModified),
		LastCrawled:  sql.NullTime{Valid: true, Time: time.Now().UTC()},
		Title:        title,
	}); err != nil {
		result.Err = err
		result.Reason = "update feed"
		return result
	}

	var docs []search.Document
	seen := make(map[string]struct{})
	for _, entry := range res.Feed.Items {
		batch := link.FromFeedItem(w.normalizer, f.ID, entry)
		result.Skipped += len(batch.Skipped)

		for _, params := range batch.Links {
			if _, dup := seen[params.CanonicalURL]; dup {
				continue
			}
			seen[params.CanonicalURL] = struct{}{}

			out, err := w.repo.UpsertLink(ctx, params)
			if err != nil {
				result.Err = errors.Join(result.Err, fmt.Errorf("upsert link: %w", err))
				if result.Reason == "" {
					result.Reason = "link upsert"
				}
				continue
			}
			if out.Fresh {
				result.Fresh++
			}
			docs = append(docs, link.Document(out.Link))
		}
	}

	result.Links = len(docs)
	if len(docs) > 0 {
		if err := w.index.UpsertDocuments(ctx, docs); err != nil {
			result.Err = errors.Join(result.Err, err)
			result.Reason = "search upsert"
		}
	}
	return result
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func sqlNullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{Valid: true, String: v}
}

type backoffTracker struct {
	min    time.Duration
	max    time.Duration
	factor float64
	items  map[string]backoffEntry
}

type backoffEntry struct {
	until    time.Time
	duration time.Duration
}

func newBackoffTracker(cfg httpx.BackoffConfig) *backoffTracker {
	return &backoffTracker{
		min:    cfg.Min,
		max:    cfg.Max,
		factor: cfg.Factor,
		items:  make(map[string]backoffEntry),
	}
}

func (b *backoffTracker) Remaining(id string, now time.Time) time.Duration {
	entry, ok := b.items[id]
	if !ok {
		return 0
	}
	if !now.Before(entry.until) {
		delete(b.items, id)
		return 0
	}
	return entry.until.Sub(now)
}

// Schedule extends the backoff of id. A server supplied delay wins over the
// exponential one but is still capped at max.
func (b *backoffTracker) Schedule(id string, now time.Time, suggested time.Duration) time.Duration {
	entry := b.items[id]
	duration := suggested
	if duration <= 0 {
		if entry.duration == 0 {
			duration = b.min
		} else {
			duration = time.Duration(float64(entry.duration) * b.factor)
		}
	}
	if duration > b.max {
		duration = b.max
	}
	entry.duration = duration
	entry.until = now.Add(duration)
	b.items[id] = entry
	return duration
}

func (b *backoffTracker) Reset(id string) {
	delete(b.items, id)
}
