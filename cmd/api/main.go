package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"

	"govlink/internal/httpx"
	"govlink/internal/logx"
	"govlink/internal/search"
	"govlink/internal/store"
	"govlink/internal/urlnorm"
)

func main() {
	svc := "api"

	runtimeCfg, err := httpx.LoadRuntimeConfig(svc)
	if err != nil {
		fatal(svc, "load config", err, nil)
	}
	svc = runtimeCfg.Service

	metrics := httpx.NewMetrics(svc)
	serverCfg := httpx.Config{
		Normalizer: urlnorm.New(runtimeCfg.Normalize.Exclude...),
		Metrics:    metrics,
		Service:    svc,
	}

	ctx, cancel := context.WithTimeout(context.Background(), runtimeCfg.Database.PingTimeout)
	defer cancel()

	if runtimeCfg.Database.Enabled() {
		db, err := openDB(ctx, runtimeCfg.Database)
		if err != nil {
			fatal(svc, "open db", err, map[string]any{"driver": runtimeCfg.Database.Driver})
		}
		defer db.Close()

		repo := store.New(db, metrics)
		if err := repo.Migrate(ctx); err != nil {
			fatal(svc, "migrate", err, nil)
		}
		serverCfg.Store = repo
	} else {
		logx.Info(svc, "registry disabled", map[string]any{"reason": "GOVLINK_DSN not set"})
	}

	if runtimeCfg.Search.Enabled() {
		searchClient := search.New(runtimeCfg.Search.URL, metrics)
		if err := searchClient.EnsureIndex(ctx); err != nil {
			fatal(svc, "ensure index", err, nil)
		}
		serverCfg.Search = searchClient
	} else {
		logx.Info(svc, "search disabled", map[string]any{"reason": "MEILI_URL not set"})
	}
	cancel()

	srv := httpx.NewServer(serverCfg)
	httpx.RegisterConfigRoute(srv, runtimeCfg)

	addr := runtimeCfg.HTTP.Addr

	serverErrCh := make(chan error, 1)
	go func() {
		logx.Info(svc, "listening", map[string]any{"addr": addr, "exclude": runtimeCfg.Normalize.Exclude})
		serverErrCh <- srv.Start(addr)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
	case err := <-serverErrCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			logx.Info(svc, "server stopped", map[string]any{"addr": addr})
			return
		}
		fatal(svc, "server", err, map[string]any{"addr": addr})
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), runtimeCfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logx.Error(svc, "shutdown", err, nil)
	}

	if err := <-serverErrCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		fatal(svc, "server", err, map[string]any{"addr": addr})
	}
	logx.Info(svc, "server stopped", map[string]any{"addr": addr})
}

func openDB(ctx context.Context, cfg httpx.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func fatal(service, msg string, err error, extra map[string]any) {
	logx.Error(service, msg, err, extra)
	os.Exit(1)
}
