package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

var (
	ErrFeedExists = errors.New("feed already exists")
	ErrLinkExists = errors.New("link already exists")
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

type Metrics interface {
	ObserveDB(method string, err error, duration time.Duration)
}

type Store struct {
	db      *sql.DB
	metrics Metrics
}

func New(db *sql.DB, metrics Metrics) *Store {
	return &Store{db: db, metrics: metrics}
}

// LinkID derives the primary key of a link from its canonical URL so that the
// database row and the search document share one identifier.
func LinkID(canonicalURL string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(canonicalURL)).String()
}

func (s *Store) Migrate(ctx context.Context) (err error) {
	defer s.observe("Migrate", time.Now(), &err)
	_, err = s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) Ping(ctx context.Context) (err error) {
	defer s.observe("Ping", time.Now(), &err)
	return s.db.PingContext(ctx)
}

type Feed struct {
	ID           string         `json:"id"`
	URL          string         `json:"url"`
	Title        string         `json:"title"`
	ETag         sql.NullString `json:"etag"`
	LastModified sql.NullString `json:"last_modified"`
	LastCrawled  sql.NullTime   `json:"last_crawled"`
	Active       bool           `json:"active"`
}

const feedColumns = `id, url, title, etag, last_modified, last_crawled, active`

func scanFeed(row interface{ Scan(...any) error }) (Feed, error) {
	var f Feed
	err := row.Scan(&f.ID, &f.URL, &f.Title, &f.ETag, &f.LastModified, &f.LastCrawled, &f.Active)
	return f, err
}

func (s *Store) InsertFeed(ctx context.Context, url string) (f Feed, err error) {
	defer s.observe("InsertFeed", time.Now(), &err)

	const q = `INSERT INTO feeds (id, url) VALUES ($1, $2)
ON CONFLICT (url) DO NOTHING
RETURNING ` + feedColumns
	f, err = scanFeed(s.db.QueryRowContext(ctx, q, uuid.NewString(), url))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
			return Feed{}, ErrFeedExists
		}
		return Feed{}, err
	}
	return f, nil
}

func (s *Store) ListFeeds(ctx context.Context, active bool) (feeds []Feed, err error) {
	defer s.observe("ListFeeds", time.Now(), &err)

	const q = `SELECT ` + feedColumns + `
FROM feeds
WHERE active = $1
ORDER BY title ASC, url ASC`
	rows, err := s.db.QueryContext(ctx, q, active)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}

type UpdateFeedCrawlStateParams struct {
	ID           string
	ETag         sql.NullString
	LastModified sql.NullString
	LastCrawled  sql.NullTime
	Title        string
}

func (s *Store) UpdateFeedCrawlState(ctx context.Context, arg UpdateFeedCrawlStateParams) (f Feed, err error) {
	defer s.observe("UpdateFeedCrawlState", time.Now(), &err)

	const q = `UPDATE feeds
SET etag = $2,
    last_modified = $3,
    last_crawled = $4,
    title = COALESCE(NULLIF($5, ''), title)
WHERE id = $1
RETURNING ` + feedColumns
	return scanFeed(s.db.QueryRowContext(ctx, q, arg.ID, arg.ETag, arg.LastModified, arg.LastCrawled, arg.Title))
}

type Link struct {
	ID           string         `json:"id"`
	FeedID       sql.NullString `json:"feed_id"`
	RawURL       string         `json:"raw_url"`
	CanonicalURL string         `json:"canonical_url"`
	Domain       string         `json:"domain"`
	Params       []string       `json:"params"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

const linkColumns = `id, feed_id, raw_url, canonical_url, domain, params, created_at, updated_at`

func linkDest(l *Link) []any {
	return []any{&l.ID, &l.FeedID, &l.RawURL, &l.CanonicalURL, &l.Domain, pq.Array(&l.Params), &l.CreatedAt, &l.UpdatedAt}
}

type UpsertLinkParams struct {
	FeedID       sql.NullString
	RawURL       string
	CanonicalURL string
	Domain       string
	Params       []string
}

func (p UpsertLinkParams) args() []any {
	params := p.Params
	if params == nil {
		params = []string{}
	}
	return []any{LinkID(p.CanonicalURL), p.FeedID, p.RawURL, p.CanonicalURL, p.Domain, pq.Array(params)}
}

// InsertLink records a new canonical URL. It fails with ErrLinkExists when the
// canonical form is already registered.
func (s *Store) InsertLink(ctx context.Context, arg UpsertLinkParams) (l Link, err error) {
	defer s.observe("InsertLink", time.Now(), &err)

	const q = `INSERT INTO links (id, feed_id, raw_url, canonical_url, domain, params)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (canonical_url) DO NOTHING
RETURNING ` + linkColumns
	if err = s.db.QueryRowContext(ctx, q, arg.args()...).Scan(linkDest(&l)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
			return Link{}, ErrLinkExists
		}
		return Link{}, err
	}
	return l, nil
}

type UpsertLinkResult struct {
	Link  Link
	Fresh bool
}

func (s *Store) UpsertLink(ctx context.Context, arg UpsertLinkParams) (res UpsertLinkResult, err error) {
	defer s.observe("UpsertLink", time.Now(), &err)

	const q = `INSERT INTO links (id, feed_id, raw_url, canonical_url, domain, params)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (canonical_url) DO UPDATE SET
    feed_id = COALESCE(EXCLUDED.feed_id, links.feed_id),
    raw_url = EXCLUDED.raw_url,
    updated_at = now()
RETURNING ` + linkColumns + `, xmax = 0 AS inserted`
	dest := append(linkDest(&res.Link), &res.Fresh)
	if err = s.db.QueryRowContext(ctx, q, arg.args()...).Scan(dest...); err != nil {
		return UpsertLinkResult{}, err
	}
	return res, nil
}

type ListLinksParams struct {
	FeedID string
	Limit  int32
	Offset int32
}

func (s *Store) ListLinks(ctx context.Context, arg ListLinksParams) (links []Link, err error) {
	defer s.observe("ListLinks", time.Now(), &err)

	const q = `SELECT ` + linkColumns + `
FROM links
WHERE ($1 = '' OR feed_id::text = $1)
ORDER BY created_at DESC, id ASC
LIMIT $2 OFFSET $3`
	rows, err := s.db.QueryContext(ctx, q, arg.FeedID, arg.Limit, arg.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var l Link
		if err := rows.Scan(linkDest(&l)...); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

func (s *Store) observe(method string, start time.Time, err *error) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveDB(method, *err, time.Since(start))
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	return false
}
