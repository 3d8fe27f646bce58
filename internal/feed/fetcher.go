package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/mmcdole/gofeed"
)

const userAgent = "govlink-fetcher/1.0"

var (
	ErrRetryLater     = errors.New("retry later")
	ErrTransientFetch = errors.New("transient fetch")
)

type Result struct {
	Status       int
	Feed         *gofeed.Feed
	ETag         string
	LastModified string
	RetryAfter   time.Duration
}

type Metrics interface {
	ObserveFeed(method string, err error, duration time.Duration)
}

type Fetcher struct {
	client  *http.Client
	parser  *gofeed.Parser
	metrics Metrics
}

func NewFetcher(metrics Metrics) *Fetcher {
	return &Fetcher{
		client:  &http.Client{Timeout: 20 * time.Second},
		parser:  gofeed.NewParser(),
		metrics: metrics,
	}
}

// Fetch downloads and parses the feed at url. A 304 response carries the
// validators forward and leaves Feed nil.
func (f *Fetcher) Fetch(ctx context.Context, url, etag, lastModified string) (res Result, err error) {
	if f.metrics != nil {
		defer func(start time.Time) {
			f.metrics.ObserveFeed("Fetch", err, time.Since(start))
		}(time.Now())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("User-Agent", userAgent)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if isTransientFetchError(err) {
			return Result{}, fmt.Errorf("%w: %w", ErrTransientFetch, err)
		}
		return Result{}, err
	}
	defer resp.Body.Close()

	res = Result{
		Status:       resp.StatusCode,
		ETag:         firstNonEmpty(resp.Header.Get("ETag"), etag),
		LastModified: firstNonEmpty(resp.Header.Get("Last-Modified"), lastModified),
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return res, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		res.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return res, ErrRetryLater
	case isTransientStatus(resp.StatusCode):
		res.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return res, fmt.Errorf("%w: http status %d", ErrTransientFetch, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return res, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	parsed, err := f.parser.Parse(resp.Body)
	if err != nil {
		return res, fmt.Errorf("parse feed: %w", err)
	}
	res.Feed = parsed
	return res, nil
}

// Retryable reports whether err should put the feed under backoff rather
// than count as a hard failure.
func Retryable(err error) bool {
	return errors.Is(err, ErrRetryLater) || errors.Is(err, ErrTransientFetch)
}

var transientSyscallErrors = []error{
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ECONNABORTED,
	syscall.EPIPE,
	syscall.EHOSTUNREACH,
	syscall.ENETUNREACH,
	syscall.ENETDOWN,
	syscall.ENETRESET,
	syscall.ETIMEDOUT,
}

func isTransientStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if diff := time.Until(t); diff > 0 {
			return diff
		}
	}
	return 0
}

func isTransientFetchError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, net.ErrClosed) {
		return true
	}
	for _, target := range transientSyscallErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
