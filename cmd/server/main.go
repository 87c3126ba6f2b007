package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/commutepulse/commutepulse/internal/alerts"
	"github.com/commutepulse/commutepulse/internal/api"
	"github.com/commutepulse/commutepulse/internal/catalog"
	"github.com/commutepulse/commutepulse/internal/config"
	"github.com/commutepulse/commutepulse/internal/engine"
	"github.com/commutepulse/commutepulse/internal/metrics"
	"github.com/commutepulse/commutepulse/internal/moderation"
	"github.com/commutepulse/commutepulse/internal/reliability"
	"github.com/commutepulse/commutepulse/internal/store"
	"github.com/commutepulse/commutepulse/internal/trust"
	"github.com/commutepulse/commutepulse/internal/ws"
)

// refreshInterval is how often every route summary is recomputed against the
// clock so confidence ages and stale windows fall back even without traffic.
const refreshInterval = 30 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	slog.Info("commutepulse-server starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	slog.Info("config loaded",
		"http_port", cfg.Server.HTTPPort,
		"store_backend", cfg.Store.Backend,
		"auth_mode", cfg.Server.Auth.Mode,
		"catalog", cfg.Catalog.Path,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	routes, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		slog.Error("failed to load route catalog", "err", err)
		os.Exit(1)
	}
	slog.Info("route catalog loaded", "routes", len(routes))

	// Durable backend: SQLite by default, PostgreSQL for shared deployments.
	var st store.Store
	switch cfg.Store.Backend {
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.URL())
	default:
		st, err = store.NewSQLite(cfg.Store.Path)
	}
	if err != nil {
		slog.Error("failed to open store", "backend", cfg.Store.Backend, "err", err)
		os.Exit(1)
	}
	defer st.Close()

	// Trust scorer, seeded with every persisted reputation record.
	scorer := trust.NewScorer(st, trustPolicy(cfg))
	trustRecords, err := st.TrustRecords(ctx)
	if err != nil {
		slog.Error("failed to load trust records", "err", err)
		os.Exit(1)
	}
	scorer.Seed(trustRecords)

	mtr := metrics.New()

	notifier := alerts.NewWebhookNotifier(cfg.Alerts.Webhooks)
	dispatcher := alerts.New(notifier, st, cfg.Alerts.DelayBands, cfg.Alerts.QueueSize)
	subs, err := st.Subscriptions(ctx)
	if err != nil {
		slog.Error("failed to load subscriptions", "err", err)
		os.Exit(1)
	}
	dispatcher.Seed(subs)

	eng := engine.New(routes, scorer, st, enginePolicy(cfg))
	eng.AddListener(dispatcher)
	eng.AddListener(mtr)

	queue := moderation.New(st, eng)
	eng.SetFlagSink(queue)
	pendingFlags, err := st.PendingFlags(ctx)
	if err != nil {
		slog.Error("failed to load pending flags", "err", err)
		os.Exit(1)
	}
	queue.Seed(pendingFlags)

	// Rebuild the in-memory report logs from durable state before serving.
	if err := eng.Warm(ctx); err != nil {
		slog.Error("failed to warm engine from store", "err", err)
		os.Exit(1)
	}

	rollup := reliability.New(eng, st, reliability.Policy{
		ToleranceMinutes: cfg.Reliability.ToleranceMinutes,
		RetentionDays:    cfg.Reliability.RetentionDays,
	})

	hub := ws.New(eng, cfg.Server.BroadcastInterval)
	mtr.SetWSClients(hub.Count)
	mtr.SetPendingFlags(queue.PendingCount)

	handler := api.New(api.Deps{
		Engine:      eng,
		Queue:       queue,
		Rollup:      rollup,
		Dispatcher:  dispatcher,
		Metrics:     mtr,
		Stats:       st,
		Board:       hub,
		Server:      cfg.Server,
		HistoryDays: cfg.Reliability.HistoryDays,
	})

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: handler,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		return httpSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error { hub.Run(ctx); return nil })
	g.Go(func() error { dispatcher.Run(ctx); return nil })
	g.Go(func() error { rollup.Run(ctx); return nil })

	// Periodic board refresher: summaries age even when no reports arrive.
	g.Go(func() error {
		t := time.NewTicker(refreshInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				for _, r := range eng.Routes() {
					eng.Refresh(r.ID)
				}
			}
		}
	})

	// Hot-reload of the tuning knobs. Ports, catalog and store backend
	// require a restart.
	g.Go(func() error {
		return config.Watch(ctx, *configPath, func(next *config.Config) {
			eng.SetPolicy(enginePolicy(next))
			scorer.SetPolicy(trustPolicy(next))
			dispatcher.SetBands(next.Alerts.DelayBands)
		})
	})

	if err := g.Wait(); err != nil {
		slog.Error("commutepulse-server stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("commutepulse-server shut down")
}

// enginePolicy maps the config section onto the engine's policy struct.
func enginePolicy(cfg *config.Config) engine.Policy {
	e := cfg.Engine
	return engine.Policy{
		Window:                  e.Window,
		NotRunningWindow:        e.NotRunningWindow,
		ClockSkew:               e.ClockSkew,
		DuplicateCooldown:       e.DuplicateCooldown,
		SpamTrustThreshold:      e.SpamTrustThreshold,
		NotRunningMassThreshold: e.NotRunningMassThreshold,
		LateMassThreshold:       e.LateMassThreshold,
		DensityMedium:           e.DensityMedium,
		RateEvery:               e.RateEvery,
		RateBurst:               e.RateBurst,
		ConfidenceFloor:         e.ConfidenceFloor,
	}
}

func trustPolicy(cfg *config.Config) trust.Policy {
	return trust.Policy{
		AcceptStep:      cfg.Trust.AcceptStep,
		RemovePenalty:   cfg.Trust.RemovePenalty,
		IdleDecayPerDay: cfg.Trust.IdleDecayPerDay,
	}
}
