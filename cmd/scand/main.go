// Command scand runs the mail scan engine: it freezes the configured
// symbol and composite set, starts the worker pool and serves scan
// submissions over HTTP.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sievemail/scan_engine/internal/clients"
	"github.com/sievemail/scan_engine/internal/config"
	"github.com/sievemail/scan_engine/internal/controller"
	"github.com/sievemail/scan_engine/internal/engine"
	"github.com/sievemail/scan_engine/internal/maps"
	"github.com/sievemail/scan_engine/pkg/logger"
)

const (
	exitConfigError  = 1
	exitRuntimeFatal = 2
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(exitConfigError)
	}

	log := logger.New(cfg.Logging)
	log.WithField("env", cfg.Env).Info("starting scan engine")

	rules, err := config.LoadRules(cfg.RulesFile)
	if err != nil {
		log.WithError(err).Error("cannot load rules")
		os.Exit(exitConfigError)
	}

	eng, err := engine.Build(engine.Options{
		Rules:         rules,
		Workers:       cfg.Workers,
		TaskDeadline:  cfg.TaskDeadline,
		SymbolTimeout: cfg.SymbolTimeout,
		SoftBudget:    cfg.SoftBudget,
		NewBundle:     bundleFactory(cfg),
		Log:           log,
	})
	if err != nil {
		log.WithError(err).Error("cannot build engine")
		os.Exit(exitConfigError)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher := maps.NewWatcher(log)
	for _, path := range cfg.CompositeMapFiles {
		cf, err := maps.NewCompositeFile(path, eng.Composites(), eng.ClassifyComposites, log)
		if err != nil {
			log.WithField("map", path).WithError(err).Error("cannot load composite map")
			os.Exit(exitConfigError)
		}
		watcher.Add(path, cf)
	}
	for path, fm := range eng.FileMaps() {
		watcher.Add(path, fm)
	}
	if len(cfg.CompositeMapFiles) > 0 || len(eng.FileMaps()) > 0 {
		if err := watcher.Start(ctx); err != nil {
			log.WithError(err).Error("cannot start map watcher")
			os.Exit(exitRuntimeFatal)
		}
		defer watcher.Stop()
	}

	eng.Start(ctx)
	defer eng.Stop()

	srv := controller.New(controller.Config{
		Engine:            eng,
		Password:          cfg.ControllerPassword,
		RateLimitEnabled:  cfg.RateLimitEnabled,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		Log:               log,
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("controller listening")
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.WithError(err).Error("server failed")
		os.Exit(exitRuntimeFatal)
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown incomplete")
	}
}

// bundleFactory builds the per-worker collaborator pools.
func bundleFactory(cfg *config.Config) func() *clients.Bundle {
	return func() *clients.Bundle {
		b := &clients.Bundle{
			DNS:  clients.NewResolver(),
			HTTP: clients.NewHTTPClient(),
		}
		if cfg.RedisAddr != "" {
			b.Redis = clients.NewRedis(clients.RedisConfig{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
				PoolSize: cfg.RedisPoolSize,
				Timeout:  cfg.SymbolTimeout,
			})
		}
		return b
	}
}
