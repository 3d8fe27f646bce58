package httpx

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr          = ":8080"
	defaultShutdownTimeout   = 5 * time.Second
	defaultDBDriver          = "pgx"
	defaultDBMaxOpenConns    = 10
	defaultDBMaxIdleConns    = 10
	defaultDBConnMaxLifetime = 30 * time.Minute
	defaultDBPingTimeout     = 10 * time.Second
	defaultFetcherInterval   = 2 * time.Minute
	defaultBackoffMin        = 30 * time.Second
	defaultBackoffMax        = 10 * time.Minute
	defaultBackoffFactor     = 2.0
)

var supportedDrivers = map[string]struct{}{
	"pgx":      {},
	"postgres": {},
}

type RuntimeConfig struct {
	Service   string
	Database  DatabaseConfig
	HTTP      HTTPConfig
	Search    SearchConfig
	Normalize NormalizeConfig
	Fetcher   FetcherConfig
	Expose    bool
}

type DatabaseConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

// Enabled reports whether a DSN was configured.
func (c DatabaseConfig) Enabled() bool { return c.DSN != "" }

type HTTPConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

type SearchConfig struct {
	URL string
}

func (c SearchConfig) Enabled() bool { return c.URL != "" }

// NormalizeConfig holds the parameter names every normalization drops.
type NormalizeConfig struct {
	Exclude     []string
	ExcludeFile string
}

type FetcherConfig struct {
	Interval time.Duration
	Backoff  BackoffConfig
}

type BackoffConfig struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
}

func LoadRuntimeConfig(service string) (RuntimeConfig, error) {
	cfg := RuntimeConfig{
		Service: service,
		Database: DatabaseConfig{
			Driver:          defaultDBDriver,
			MaxOpenConns:    defaultDBMaxOpenConns,
			MaxIdleConns:    defaultDBMaxIdleConns,
			ConnMaxLifetime: defaultDBConnMaxLifetime,
			PingTimeout:     defaultDBPingTimeout,
		},
		HTTP: HTTPConfig{
			Addr:            defaultHTTPAddr,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Fetcher: FetcherConfig{
			Interval: defaultFetcherInterval,
			Backoff: BackoffConfig{
				Min:    defaultBackoffMin,
				Max:    defaultBackoffMax,
				Factor: defaultBackoffFactor,
			},
		},
	}

	if v := envString("GOVLINK_SERVICE_NAME"); v != "" {
		cfg.Service = v
	}

	cfg.HTTP.Addr = stringWithDefault("GOVLINK_HTTP_ADDR", cfg.HTTP.Addr)

	shutdownTimeout, err := durationFromEnv("GOVLINK_HTTP_SHUTDOWN_TIMEOUT", cfg.HTTP.ShutdownTimeout)
	if err != nil {
		return cfg, err
	}
	if shutdownTimeout <= 0 {
		return cfg, fmt.Errorf("GOVLINK_HTTP_SHUTDOWN_TIMEOUT must be greater than zero")
	}
	cfg.HTTP.ShutdownTimeout = shutdownTimeout

	cfg.Database.Driver = stringWithDefault("GOVLINK_DB_DRIVER", cfg.Database.Driver)
	if _, ok := supportedDrivers[cfg.Database.Driver]; !ok {
		return cfg, fmt.Errorf("GOVLINK_DB_DRIVER must be one of pgx, postgres (got %q)", cfg.Database.Driver)
	}

	maxOpenConns, err := intFromEnv("GOVLINK_DB_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	if err != nil {
		return cfg, err
	}
	if maxOpenConns < 0 {
		return cfg, fmt.Errorf("GOVLINK_DB_MAX_OPEN_CONNS must be non-negative")
	}
	cfg.Database.MaxOpenConns = maxOpenConns

	maxIdleConns, err := intFromEnv("GOVLINK_DB_MAX_IDLE_CONNS", cfg.Database.MaxIdleConns)
	if err != nil {
		return cfg, err
	}
	if maxIdleConns < 0 {
		return cfg, fmt.Errorf("GOVLINK_DB_MAX_IDLE_CONNS must be non-negative")
	}
	cfg.Database.MaxIdleConns = maxIdleConns

	connMaxLifetime, err := durationFromEnv("GOVLINK_DB_CONN_MAX_LIFETIME", cfg.Database.ConnMaxLifetime)
	if err != nil {
		return cfg, err
	}
	cfg.Database.ConnMaxLifetime = connMaxLifetime

	pingTimeout, err := durationFromEnv("GOVLINK_DB_PING_TIMEOUT", cfg.Database.PingTimeout)
	if err != nil {
		return cfg, err
	}
	if pingTimeout <= 0 {
		return cfg, fmt.Errorf("GOVLINK_DB_PING_TIMEOUT must be greater than zero")
	}
	cfg.Database.PingTimeout = pingTimeout

	cfg.Database.DSN = envString("GOVLINK_DSN")
	cfg.Search.URL = envString("MEILI_URL")

	cfg.Normalize.Exclude = splitList(envString("GOVLINK_EXCLUDE"))
	if path := envString("GOVLINK_EXCLUDE_FILE"); path != "" {
		names, err := LoadExcludeFile(path)
		if err != nil {
			return cfg, fmt.Errorf("invalid GOVLINK_EXCLUDE_FILE: %w", err)
		}
		cfg.Normalize.ExcludeFile = path
		cfg.Normalize.Exclude = append(cfg.Normalize.Exclude, names...)
	}

	interval, err := durationFromEnv("GOVLINK_EVERY", cfg.Fetcher.Interval)
	if err != nil {
		return cfg, err
	}
	if interval <= 0 {
		return cfg, fmt.Errorf("GOVLINK_EVERY must be greater than zero")
	}
	cfg.Fetcher.Interval = interval

	backoffMin, err := durationFromEnv("GOVLINK_BACKOFF_MIN", cfg.Fetcher.Backoff.Min)
	if err != nil {
		return cfg, err
	}
	if backoffMin <= 0 {
		return cfg, fmt.Errorf("GOVLINK_BACKOFF_MIN must be greater than zero")
	}
	cfg.Fetcher.Backoff.Min = backoffMin

	backoffMax, err := durationFromEnv("GOVLINK_BACKOFF_MAX", cfg.Fetcher.Backoff.Max)
	if err != nil {
		return cfg, err
	}
	if backoffMax <= 0 {
		return cfg, fmt.Errorf("GOVLINK_BACKOFF_MAX must be greater than zero")
	}
	if backoffMax < cfg.Fetcher.Backoff.Min {
		return cfg, fmt.Errorf("GOVLINK_BACKOFF_MAX must be greater than or equal to GOVLINK_BACKOFF_MIN")
	}
	cfg.Fetcher.Backoff.Max = backoffMax

	backoffFactor, err := floatFromEnv("GOVLINK_BACKOFF_FACTOR", cfg.Fetcher.Backoff.Factor)
	if err != nil {
		return cfg, err
	}
	if backoffFactor < 1 {
		return cfg, fmt.Errorf("GOVLINK_BACKOFF_FACTOR must be at least 1")
	}
	cfg.Fetcher.Backoff.Factor = backoffFactor

	if v := envString("GOVLINK_EXPOSE_CONFIG"); v != "" {
		expose, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid GOVLINK_EXPOSE_CONFIG: %w", err)
		}
		cfg.Expose = expose
	}

	return cfg, nil
}

// RequireBackends fails unless both the database and the search index are
// configured.
func (cfg RuntimeConfig) RequireBackends() error {
	var errs []error
	if !cfg.Database.Enabled() {
		errs = append(errs, errors.New("GOVLINK_DSN is required"))
	}
	if !cfg.Search.Enabled() {
		errs = append(errs, errors.New("MEILI_URL is required"))
	}
	return errors.Join(errs...)
}

type excludeFile struct {
	Exclude []string `yaml:"exclude"`
}

// LoadExcludeFile reads a YAML document of the form `exclude: [name, ...]`.
func LoadExcludeFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f excludeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	var names []string
	for _, name := range f.Exclude {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

type RuntimeConfigSnapshot struct {
	Service   string            `json:"service"`
	HTTP      HTTPSnapshot      `json:"http"`
	Database  DatabaseSnapshot  `json:"database"`
	Search    SearchSnapshot    `json:"search"`
	Normalize NormalizeSnapshot `json:"normalize"`
	Fetcher   FetcherSnapshot   `json:"fetcher"`
}

type HTTPSnapshot struct {
	Addr            string `json:"addr"`
	ShutdownTimeout string `json:"shutdown_timeout"`
}

type DatabaseSnapshot struct {
	Driver          string `json:"driver"`
	DSN             string `json:"dsn"`
	MaxOpenConns    int    `json:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns"`
	ConnMaxLifetime string `json:"conn_max_lifetime"`
	PingTimeout     string `json:"ping_timeout"`
}

type SearchSnapshot struct {
	URL string `json:"url"`
}

type NormalizeSnapshot struct {
	Exclude     []string `json:"exclude"`
	ExcludeFile string   `json:"exclude_file,omitempty"`
}

type FetcherSnapshot struct {
	Interval string          `json:"interval"`
	Backoff  BackoffSnapshot `json:"backoff"`
}

type BackoffSnapshot struct {
	Min    string  `json:"min"`
	Max    string  `json:"max"`
	Factor float64 `json:"factor"`
}

func (cfg RuntimeConfig) Snapshot() RuntimeConfigSnapshot {
	exclude := cfg.Normalize.Exclude
	if exclude == nil {
		exclude = []string{}
	}
	return RuntimeConfigSnapshot{
		Service: cfg.Service,
		HTTP: HTTPSnapshot{
			Addr:            cfg.HTTP.Addr,
			ShutdownTimeout: cfg.HTTP.ShutdownTimeout.String(),
		},
		Database: DatabaseSnapshot{
			Driver:          cfg.Database.Driver,
			DSN:             sanitizeDSN(cfg.Database.DSN),
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime.String(),
			PingTimeout:     cfg.Database.PingTimeout.String(),
		},
		Search: SearchSnapshot{
			URL: cfg.Search.URL,
		},
		Normalize: NormalizeSnapshot{
			Exclude:     exclude,
			ExcludeFile: cfg.Normalize.ExcludeFile,
		},
		Fetcher: FetcherSnapshot{
			Interval: cfg.Fetcher.Interval.String(),
			Backoff: BackoffSnapshot{
				Min:    cfg.Fetcher.Backoff.Min.String(),
				Max:    cfg.Fetcher.Backoff.Max.String(),
				Factor: cfg.Fetcher.Backoff.Factor,
			},
		},
	}
}

func RegisterConfigRoute(e *echo.Echo, cfg RuntimeConfig) {
	if !cfg.Expose {
		return
	}

	e.GET("/config", func(c echo.Context) error {
		return c.JSON(http.StatusOK, cfg.Snapshot())
	})
}

var sensitiveDSNParams = []string{"password", "pass", "pwd", "password_file", "sslpassword"}

func sanitizeDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "<redacted>"
	}
	if parsed.User != nil {
		parsed.User = url.User(parsed.User.Username())
	}
	if parsed.RawQuery != "" {
		query := parsed.Query()
		for _, key := range sensitiveDSNParams {
			query.Del(key)
		}
		parsed.RawQuery = query.Encode()
	}
	return parsed.String()
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func stringWithDefault(key, fallback string) string {
	if v := envString(key); v != "" {
		return v
	}
	return fallback
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	if v := envString(key); v != "" {
		duration, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		if duration < 0 {
			return 0, fmt.Errorf("%s must not be negative", key)
		}
		return duration, nil
	}
	return fallback, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	if v := envString(key); v != "" {
		value, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return value, nil
	}
	return fallback, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	if v := envString(key); v != "" {
		value, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return value, nil
	}
	return fallback, nil
}
