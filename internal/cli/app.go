package cli

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/calderhq/gapwise/internal/cache"
	"github.com/calderhq/gapwise/internal/config"
	"github.com/calderhq/gapwise/internal/engine"
	"github.com/calderhq/gapwise/internal/harness"
	"github.com/calderhq/gapwise/internal/metrics"
	"github.com/calderhq/gapwise/internal/quota"
	"github.com/calderhq/gapwise/internal/ranking"
	"github.com/calderhq/gapwise/internal/store"
	"github.com/calderhq/gapwise/internal/workflow"
)

// app bundles the wired process: store, engine, metrics. Commands that
// only read checkpoints pass empty collaborators; commands that drive
// runs must supply real ones.
type app struct {
	cfg        config.Config
	store      *store.Store
	engine     *engine.Engine
	metrics    *metrics.Metrics
	metricsSrv *http.Server
}

// openApp builds the full engine stack from the global options.
func openApp(opts *RootOptions, collab workflow.Collaborators) (*app, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	m := metrics.New()
	results := cache.NewTiered(
		[]cache.Tier{cache.NewMemoryTier(), st.Cache()},
		cache.WithHitFunc(func(tier string) { m.CacheHits.WithLabelValues(tier).Inc() }),
		cache.WithMissFunc(func() { m.CacheMisses.Inc() }),
	)

	budgets := make([]quota.Budget, 0, len(cfg.Quota.Resources))
	for name, budget := range cfg.Quota.Resources {
		budgets = append(budgets, quota.Budget{Resource: name, Ceiling: budget.Ceiling})
	}

	a := &app{
		cfg:     cfg,
		store:   st,
		metrics: m,
		engine: engine.New(
			st,
			quota.NewLedger(budgets),
			results,
			ranking.New(cfg.Ranking),
			collab,
			cfg,
			engine.WithMetrics(m),
		),
	}

	if opts.MetricsAddr != "" {
		a.metricsSrv = &http.Server{Addr: opts.MetricsAddr, Handler: m.Handler()}
		go func() {
			if err := a.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server failed", "addr", opts.MetricsAddr, "error", err)
			}
		}()
		slog.Info("serving metrics", "addr", opts.MetricsAddr)
	}
	return a, nil
}

// Close releases the app's resources.
func (a *app) Close() {
	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.metricsSrv.Shutdown(ctx)
	}
	if err := a.store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

// loadCollaborators wires the scripted fixture collaborators used by
// local runs. Deployments embedding gapwise wire real surfaces through
// workflow.Collaborators instead of this path.
func loadCollaborators(path string) (workflow.Collaborators, error) {
	fx, err := harness.LoadFixture(path)
	if err != nil {
		return workflow.Collaborators{}, WrapExitError(ExitCommandError, "failed to load fixture", err)
	}
	return fx.Collaborators(), nil
}
