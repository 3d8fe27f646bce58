package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"govlink/internal/search"
	"govlink/internal/store"
	"govlink/internal/urlnorm"
)

type stubStore struct {
	pingErr        error
	insertLinkFunc func(context.Context, store.UpsertLinkParams) (store.Link, error)
	listLinksFunc  func(context.Context, store.ListLinksParams) ([]store.Link, error)
	insertFeedErr  error
}

func (s *stubStore) Ping(context.Context) error { return s.pingErr }

func (s *stubStore) InsertLink(ctx context.Context, arg store.UpsertLinkParams) (store.Link, error) {
	if s.insertLinkFunc != nil {
		return s.insertLinkFunc(ctx, arg)
	}
	return store.Link{ID: store.LinkID(arg.CanonicalURL), RawURL: arg.RawURL, CanonicalURL: arg.CanonicalURL, Domain: arg.Domain, Params: arg.Params}, nil
}

func (s *stubStore) ListLinks(ctx context.Context, arg store.ListLinksParams) ([]store.Link, error) {
	if s.listLinksFunc != nil {
		return s.listLinksFunc(ctx, arg)
	}
	return nil, nil
}

func (s *stubStore) InsertFeed(_ context.Context, url string) (store.Feed, error) {
	if s.insertFeedErr != nil {
		return store.Feed{}, s.insertFeedErr
	}
	return store.Feed{ID: "feed", URL: url, Active: true}, nil
}

func (s *stubStore) ListFeeds(context.Context, bool) ([]store.Feed, error) {
	return []store.Feed{{ID: "feed", URL: "https://example.com/rss", Title: "Example"}}, nil
}

type stubSearch struct {
	healthErr error
	indexed   []search.Document
	filters   search.SearchFilters
}

func (s *stubSearch) Health(context.Context) error { return s.healthErr }

func (s *stubSearch) Search(_ context.Context, query string, limit, offset int, filters search.SearchFilters) (search.SearchResponse, error) {
	s.filters = filters
	return search.SearchResponse{Query: query, Limit: limit, Offset: offset, Hits: []search.Document{}}, nil
}

func (s *stubSearch) UpsertDocuments(_ context.Context, docs []search.Document) error {
	s.indexed = append(s.indexed, docs...)
	return nil
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestNormalizeQueryHandler(t *testing.T) {
	t.Parallel()

	srv := NewServer(Config{Service: "test", Normalizer: urlnorm.New("utm_source"), Metrics: NewMetrics("test")})

	target := "/normalize?url=" + url.QueryEscape("https://www.austintexas.net/a?utm_source=x&a=1&A=2&b=3") + "&exclude=B"
	rec := do(t, srv, http.MethodGet, target, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}

	res := decode[urlnorm.Result](t, rec)
	if res.URL != "https://www.austintexas.gov/a?a=1" {
		t.Fatalf("unexpected url %q", res.URL)
	}
	if res.Domain.Lower != "www.austintexas" || res.Domain.Top != ".gov" {
		t.Fatalf("unexpected domain %+v", res.Domain)
	}
}

func TestNormalizeBodyHandler(t *testing.T) {
	t.Parallel()

	srv := NewServer(Config{Service: "test"})

	rec := do(t, srv, http.MethodPost, "/normalize", `{"url":"www.austintexas.gov?a=1&b=2&c=3","excluded":["a","b","c"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	res := decode[urlnorm.Result](t, rec)
	if res.URL != "www.austintexas.gov" || len(res.Params) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestNormalizeMalformedURL(t *testing.T) {
	t.Parallel()

	srv := NewServer(Config{Service: "test", Metrics: NewMetrics("test")})

	rec := do(t, srv, http.MethodPost, "/normalize", `{"url":"localhost"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status %d, got %d", http.StatusUnprocessableEntity, rec.Code)
	}
	env := decode[errorEnvelope](t, rec)
	if env.Error.Code != "unprocessable_entity" || !strings.Contains(env.Error.Message, "malformed url") {
		t.Fatalf("unexpected envelope %+v", env)
	}

	rec = do(t, srv, http.MethodGet, "/normalize", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d for missing url, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestNormalizeBatchHandler(t *testing.T) {
	t.Parallel()

	srv := NewServer(Config{Service: "test"})

	rec := do(t, srv, http.MethodPost, "/normalize/batch", `{"urls":["www.austintexas.net?a=1&A=1","","http://www.austintexas.net"],"excluded":[]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	entries := decode[[]batchEntry](t, rec)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].URL != "www.austintexas.gov?a=1" || entries[0].Error != "" {
		t.Fatalf("unexpected entry %+v", entries[0])
	}
	if entries[1].URL != "" || entries[1].Error == "" {
		t.Fatalf("expected error for empty url, got %+v", entries[1])
	}
	if entries[2].URL != "http://www.austintexas.gov" {
		t.Fatalf("unexpected entry %+v", entries[2])
	}

	rec = do(t, srv, http.MethodPost, "/normalize/batch", `{"urls":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d for empty batch, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestRegistryRoutesRequireStore(t *testing.T) {
	t.Parallel()

	srv := NewServer(Config{Service: "test"})

	rec := do(t, srv, http.MethodGet, "/links", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestCreateLinkIndexesDocument(t *testing.T) {
	t.Parallel()

	var inserted store.UpsertLinkParams
	st := &stubStore{
		insertLinkFunc: func(_ context.Context, arg store.UpsertLinkParams) (store.Link, error) {
			inserted = arg
			return store.Link{ID: store.LinkID(arg.CanonicalURL), RawURL: arg.RawURL, CanonicalURL: arg.CanonicalURL, Domain: arg.Domain, Params: arg.Params}, nil
		},
	}
	idx := &stubSearch{}
	srv := NewServer(Config{Service: "test", Store: st, Search: idx})

	rec := do(t, srv, http.MethodPost, "/links", `{"url":"www.austintexas.net?pone=first&ptwo=second&pone=third"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d: %s", http.StatusCreated, rec.Code, rec.Body.String())
	}
	if inserted.CanonicalURL != "www.austintexas.gov?pone=first&ptwo=second" {
		t.Fatalf("unexpected canonical url %q", inserted.CanonicalURL)
	}
	if len(idx.indexed) != 1 || idx.indexed[0].ID != store.LinkID(inserted.CanonicalURL) {
		t.Fatalf("expected link to be indexed, got %+v", idx.indexed)
	}

	view := decode[linkView](t, rec)
	if view.Domain != "www.austintexas.gov" || len(view.Params) != 2 {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestCreateLinkConflict(t *testing.T) {
	t.Parallel()

	st := &stubStore{
		insertLinkFunc: func(context.Context, store.UpsertLinkParams) (store.Link, error) {
			return store.Link{}, store.ErrLinkExists
		},
	}
	srv := NewServer(Config{Service: "test", Store: st})

	rec := do(t, srv, http.MethodPost, "/links", `{"url":"www.example.com"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status %d, got %d", http.StatusConflict, rec.Code)
	}
	env := decode[errorEnvelope](t, rec)
	if env.Error.Code != "conflict" {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestCreateFeedConflict(t *testing.T) {
	t.Parallel()

	srv := NewServer(Config{Service: "test", Store: &stubStore{insertFeedErr: store.ErrFeedExists}})

	rec := do(t, srv, http.MethodPost, "/feeds", `{"url":"https://example.com/rss"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status %d, got %d", http.StatusConflict, rec.Code)
	}
}

func TestLinksHandlerValidPagination(t *testing.T) {
	t.Parallel()

	called := false
	st := &stubStore{
		listLinksFunc: func(_ context.Context, params store.ListLinksParams) ([]store.Link, error) {
			called = true
			if params.Limit != maxLinksLimit {
				t.Fatalf("expected limit %d, got %d", maxLinksLimit, params.Limit)
			}
			if params.Offset != 5 {
				t.Fatalf("expected offset 5, got %d", params.Offset)
			}
			if params.FeedID != "f1" {
				t.Fatalf("expected feed filter, got %q", params.FeedID)
			}
			return []store.Link{}, nil
		},
	}

	srv := NewServer(Config{Store: st, Service: "test"})

	rec := do(t, srv, http.MethodGet, "/links?limit=1000&offset=5&feed_id=f1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if !called {
		t.Fatalf("expected ListLinks to be called")
	}
}

func TestLinksHandlerInvalidPagination(t *testing.T) {
	t.Parallel()

	st := &stubStore{
		listLinksFunc: func(context.Context, store.ListLinksParams) ([]store.Link, error) {
			t.Fatalf("ListLinks should not be called for invalid pagination")
			return nil, nil
		},
	}
	srv := NewServer(Config{Store: st, Service: "test"})

	for _, target := range []string{"/links?limit=-1", "/links?offset=-10", "/links?limit=abc"} {
		rec := do(t, srv, http.MethodGet, target, "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected status %d, got %d", target, http.StatusBadRequest, rec.Code)
		}
	}
}

func TestSearchHandlerPassesFilters(t *testing.T) {
	t.Parallel()

	idx := &stubSearch{}
	srv := NewServer(Config{Service: "test", Search: idx})

	rec := do(t, srv, http.MethodGet, "/search?q=austin&domain=www.austintexas.gov", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if idx.filters.Domain != "www.austintexas.gov" {
		t.Fatalf("unexpected filters %+v", idx.filters)
	}
	res := decode[search.SearchResponse](t, rec)
	if res.Limit != defaultSearchLimit {
		t.Fatalf("expected default limit %d, got %d", defaultSearchLimit, res.Limit)
	}
}

func TestHealthReportsBackends(t *testing.T) {
	t.Parallel()

	srv := NewServer(Config{Service: "test", Store: &stubStore{pingErr: errors.New("down")}})
	rec := do(t, srv, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}

	srv = NewServer(Config{Service: "test", Store: &stubStore{}, Search: &stubSearch{}})
	rec = do(t, srv, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
}

func TestMetricsEndpointCountsNormalizations(t *testing.T) {
	t.Parallel()

	srv := NewServer(Config{Service: "test", Metrics: NewMetrics("test")})

	do(t, srv, http.MethodPost, "/normalize", `{"url":"www.example.com"}`)
	do(t, srv, http.MethodPost, "/normalize", `{"url":"localhost"}`)

	rec := do(t, srv, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`govlink_normalize_total{outcome="ok",service="test"} 1`,
		`govlink_normalize_total{outcome="malformed",service="test"} 1`,
		`govlink_http_requests_total{method="POST",path="/normalize",service="test",status="422"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics to contain %q", want)
		}
	}
}
