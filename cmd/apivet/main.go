// Command apivet runs the API vulnerability scan pipeline: it loads the
// rule set, opens the store, starts both pipeline stages on the message
// bus, and sweeps scans to completion. Captured requests enter either
// through the bus directly (embedded deployments) or through the small
// HTTP ingest endpoint this binary exposes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/time/rate"

	"github.com/apivet/apivet/pkg/broker"
	"github.com/apivet/apivet/pkg/config"
	"github.com/apivet/apivet/pkg/duration"
	"github.com/apivet/apivet/pkg/metrics"
	"github.com/apivet/apivet/pkg/orchestrator"
	"github.com/apivet/apivet/pkg/reconcile"
	"github.com/apivet/apivet/pkg/replay"
	"github.com/apivet/apivet/pkg/rule"
	"github.com/apivet/apivet/pkg/store"
	"github.com/apivet/apivet/pkg/store/memstore"
	"github.com/apivet/apivet/pkg/store/pgstore"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		ingestAddr = flag.String("ingest", ":8080", "listen address for the ingest endpoint, empty to disable")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	rules, err := rule.LoadDir(cfg.RulesDir, logger)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	logger.Info("rules loaded", slog.Int("count", rules.Len()), slog.String("dir", cfg.RulesDir))

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector, err = metrics.New(metrics.Options{
			Port: cfg.Metrics.Port,
			Path: cfg.Metrics.Path,
		})
		if err != nil {
			return err
		}
		defer collector.Close()
		logger.Info("metrics serving", slog.String("addr", collector.Addr()))
	}

	bus := broker.New(broker.Config{
		QueueSize:     cfg.Broker.QueueSize,
		Workers:       cfg.Broker.Workers,
		MaxDeliveries: cfg.Broker.MaxDeliveries,
		Logger:        logger,
	})
	defer bus.Close()

	executor := replay.New()
	executor.Timeout = cfg.Replay.Timeout
	if cfg.Replay.RateLimit > 0 {
		executor.Limiter = rate.NewLimiter(rate.Limit(cfg.Replay.RateLimit), cfg.Replay.RateLimit)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Store:    st,
		Rules:    rules,
		Broker:   bus,
		Executor: executor,
		Metrics:  collector,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if err := orch.Register(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go reconcile.New(reconcile.Config{
		Store:    st,
		Interval: cfg.Reconcile.Interval,
		Metrics:  collector,
		Logger:   logger,
	}).Run(ctx)

	var ingest *http.Server
	if *ingestAddr != "" {
		ingest = newIngestServer(*ingestAddr, bus, logger)
		go func() {
			if err := ingest.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("ingest server error", slog.String("error", err.Error()))
			}
		}()
		logger.Info("ingest serving", slog.String("addr", *ingestAddr))
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), duration.ShutdownGrace)
	defer cancel()
	if ingest != nil {
		if err := ingest.Shutdown(shutdownCtx); err != nil {
			logger.Warn("ingest shutdown", slog.String("error", err.Error()))
		}
	}
	return nil
}

func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Info("using in-memory store")
		return memstore.New(), nil
	}
	st, err := pgstore.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	logger.Info("using postgres store")
	return st, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// newIngestServer accepts captured requests over HTTP and feeds them to
// Stage 1.
func newIngestServer(addr string, bus *broker.Broker, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/requests", func(w http.ResponseWriter, r *http.Request) {
		var payload orchestrator.RequestCreated
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		if payload.Request == nil || payload.Request.ID == "" {
			http.Error(w, "request.id is required", http.StatusBadRequest)
			return
		}
		if err := bus.Publish(orchestrator.TopicRequestCreated, payload); err != nil {
			logger.Error("ingest publish failed", slog.String("error", err.Error()))
			http.Error(w, "queue full", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  duration.Replay,
		WriteTimeout: duration.ShutdownGrace,
	}
}
