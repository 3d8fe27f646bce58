package httpx

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"govlink/internal/link"
	"govlink/internal/logx"
	"govlink/internal/search"
	"govlink/internal/store"
	"govlink/internal/urlnorm"
)

const (
	defaultLinksLimit  = 50
	maxLinksLimit      = 200
	defaultSearchLimit = 20
	maxSearchLimit     = 100
	maxBatchSize       = 1000
)

type LinkStore interface {
	Ping(ctx context.Context) error
	InsertLink(ctx context.Context, arg store.UpsertLinkParams) (store.Link, error)
	ListLinks(ctx context.Context, arg store.ListLinksParams) ([]store.Link, error)
	InsertFeed(ctx context.Context, url string) (store.Feed, error)
	ListFeeds(ctx context.Context, active bool) ([]store.Feed, error)
}

type Searcher interface {
	Health(ctx context.Context) error
	Search(ctx context.Context, query string, limit, offset int, filters search.SearchFilters) (search.SearchResponse, error)
	UpsertDocuments(ctx context.Context, docs []search.Document) error
}

// Config wires the server. Store and Search are optional; their routes are
// only registered when set.
type Config struct {
	Store      LinkStore
	Search     Searcher
	Normalizer urlnorm.Normalizer
	Metrics    *Metrics
	Service    string
}

type server struct {
	cfg Config
}

func NewServer(cfg Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = HTTPErrorHandler(cfg.Service)

	e.Use(middleware.Recover())
	e.Use(requestLogger(cfg.Service))
	e.Use(cfg.Metrics.Middleware())

	s := &server{cfg: cfg}

	e.GET("/healthz", s.health)
	if cfg.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(cfg.Metrics.Handler()))
	}

	e.GET("/normalize", s.normalizeQuery)
	e.POST("/normalize", s.normalizeBody)
	e.POST("/normalize/batch", s.normalizeBatch)

	if cfg.Store != nil {
		e.GET("/links", s.listLinks)
		e.POST("/links", s.createLink)
		e.GET("/feeds", s.listFeeds)
		e.POST("/feeds", s.createFeed)
	}
	if cfg.Search != nil {
		e.GET("/search", s.search)
	}

	return e
}

func (s *server) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	if s.cfg.Store != nil {
		if err := s.cfg.Store.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "db down"})
		}
	}
	if s.cfg.Search != nil {
		if err := s.cfg.Search.Health(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "search down"})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) inspect(raw string, excluded []string) (urlnorm.Result, error) {
	res, err := s.cfg.Normalizer.Inspect(raw, excluded...)
	s.cfg.Metrics.ObserveNormalize(err)
	return res, err
}

func (s *server) normalizeQuery(c echo.Context) error {
	raw := c.QueryParam("url")
	if raw == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "url required")
	}
	res, err := s.inspect(raw, exclusions(c.QueryParams()["exclude"]))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

type normalizeReq struct {
	URL      string   `json:"url"`
	Excluded []string `json:"excluded"`
}

func (s *server) normalizeBody(c echo.Context) error {
	var req normalizeReq
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if req.URL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "url required")
	}
	res, err := s.inspect(req.URL, req.Excluded)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

type batchReq struct {
	URLs     []string `json:"urls"`
	Excluded []string `json:"excluded"`
}

type batchEntry struct {
	Input string `json:"input"`
	URL   string `json:"url,omitempty"`
	Error string `json:"error,omitempty"`
}

func (s *server) normalizeBatch(c echo.Context) error {
	var req batchReq
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if len(req.URLs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "urls required")
	}
	if len(req.URLs) > maxBatchSize {
		return echo.NewHTTPError(http.StatusBadRequest, "too many urls")
	}

	entries := make([]batchEntry, 0, len(req.URLs))
	for _, raw := range req.URLs {
		entry := batchEntry{Input: raw}
		res, err := s.inspect(raw, req.Excluded)
		if err != nil {
			entry.Error = err.Error()
		} else {
			entry.URL = res.URL
		}
		entries = append(entries, entry)
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *server) listLinks(c echo.Context) error {
	limit, offset, err := pagination(c, defaultLinksLimit, maxLinksLimit)
	if err != nil {
		return err
	}
	links, err := s.cfg.Store.ListLinks(c.Request().Context(), store.ListLinksParams{
		FeedID: c.QueryParam("feed_id"),
		Limit:  int32(limit),
		Offset: int32(offset),
	})
	if err != nil {
		return err
	}
	views := make([]linkView, 0, len(links))
	for _, l := range links {
		views = append(views, mapLink(l))
	}
	return c.JSON(http.StatusOK, views)
}

func (s *server) createLink(c echo.Context) error {
	var req normalizeReq
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if req.URL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "url required")
	}

	params, err := link.FromURL(s.cfg.Normalizer, "", req.URL, req.Excluded...)
	s.cfg.Metrics.ObserveNormalize(err)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	l, err := s.cfg.Store.InsertLink(ctx, params)
	if err != nil {
		if errors.Is(err, store.ErrLinkExists) {
			return echo.NewHTTPError(http.StatusConflict, "link exists").SetInternal(err)
		}
		return err
	}

	if s.cfg.Search != nil {
		if err := s.cfg.Search.UpsertDocuments(ctx, []search.Document{link.Document(l)}); err != nil {
			logx.Warn(s.cfg.Service, "index link", err, map[string]any{"id": l.ID})
		}
	}
	return c.JSON(http.StatusCreated, mapLink(l))
}

func (s *server) listFeeds(c echo.Context) error {
	feeds, err := s.cfg.Store.ListFeeds(c.Request().Context(), true)
	if err != nil {
		return err
	}
	views := make([]feedView, 0, len(feeds))
	for _, f := range feeds {
		views = append(views, mapFeed(f))
	}
	return c.JSON(http.StatusOK, views)
}

type createFeedReq struct {
	URL string `json:"url"`
}

func (s *server) createFeed(c echo.Context) error {
	var req createFeedReq
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "url required")
	}
	feed, err := s.cfg.Store.InsertFeed(c.Request().Context(), req.URL)
	if err != nil {
		if errors.Is(err, store.ErrFeedExists) {
			return echo.NewHTTPError(http.StatusConflict, "feed exists").SetInternal(err)
		}
		return err
	}
	return c.JSON(http.StatusCreated, mapFeed(feed))
}

func (s *server) search(c echo.Context) error {
	limit, offset, err := pagination(c, defaultSearchLimit, maxSearchLimit)
	if err != nil {
		return err
	}
	res, err := s.cfg.Search.Search(c.Request().Context(), c.QueryParam("q"), limit, offset, search.SearchFilters{
		FeedID: c.QueryParam("feed_id"),
		Domain: c.QueryParam("domain"),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func pagination(c echo.Context, defLimit, maxLimit int) (limit, offset int, err error) {
	limit, err = parseInt(c.QueryParam("limit"), defLimit)
	if err != nil || limit < 0 {
		return 0, 0, echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
	}
	offset, err = parseInt(c.QueryParam("offset"), 0)
	if err != nil || offset < 0 {
		return 0, 0, echo.NewHTTPError(http.StatusBadRequest, "invalid offset")
	}
	if limit == 0 {
		limit = defLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit, offset, nil
}

func parseInt(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// exclusions accepts both repeated values and comma separated lists.
func exclusions(values []string) []string {
	var out []string
	for _, v := range values {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}

func requestLogger(service string) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:      true,
		LogMethod:       true,
		LogURI:          true,
		LogStatus:       true,
		LogError:        true,
		LogResponseSize: true,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics" || c.Path() == "/healthz"
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			extra := map[string]any{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency.String(),
				"size":    v.ResponseSize,
			}
			if v.Error != nil {
				logx.Error(service, "request", v.Error, extra)
			} else {
				logx.Info(service, "request", extra)
			}
			return nil
		},
	})
}

type linkView struct {
	ID           string    `json:"id"`
	FeedID       *string   `json:"feed_id,omitempty"`
	RawURL       string    `json:"raw_url"`
	CanonicalURL string    `json:"canonical_url"`
	Domain       string    `json:"domain"`
	Params       []string  `json:"params"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func mapLink(l store.Link) linkView {
	view := linkView{
		ID:           l.ID,
		RawURL:       l.RawURL,
		CanonicalURL: l.CanonicalURL,
		Domain:       l.Domain,
		Params:       l.Params,
		CreatedAt:    l.CreatedAt.UTC(),
		UpdatedAt:    l.UpdatedAt.UTC(),
	}
	if view.Params == nil {
		view.Params = []string{}
	}
	if l.FeedID.Valid {
		view.FeedID = &l.FeedID.String
	}
	return view
}

type feedView struct {
	ID           string     `json:"id"`
	URL          string     `json:"url"`
	Title        string     `json:"title"`
	ETag         *string    `json:"etag,omitempty"`
	LastModified *string    `json:"last_modified,omitempty"`
	LastCrawled  *time.Time `json:"last_crawled,omitempty"`
}

func mapFeed(f store.Feed) feedView {
	view := feedView{
		ID:    f.ID,
		URL:   f.URL,
		Title: f.Title,
	}
	if f.ETag.Valid {
		view.ETag = &f.ETag.String
	}
	if f.LastModified.Valid {
		view.LastModified = &f.LastModified.String
	}
	if f.LastCrawled.Valid {
		t := f.LastCrawled.Time.UTC()
		view.LastCrawled = &t
	}
	return view
}
