package harness

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calderhq/gapwise/internal/cache"
	"github.com/calderhq/gapwise/internal/config"
	"github.com/calderhq/gapwise/internal/engine"
	"github.com/calderhq/gapwise/internal/quota"
	"github.com/calderhq/gapwise/internal/ranking"
	"github.com/calderhq/gapwise/internal/store"
	"github.com/calderhq/gapwise/internal/workflow"
)

// Clock is the pinned wall clock for harness runs. Fixture candidate
// publish dates are authored relative to it.
var Clock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Result is one driven run plus the handles tests assert against. The
// engine and store stay live so tests can resume, cancel, or inspect
// checkpoints after the initial drive.
type Result struct {
	Run     workflow.Run
	Err     error
	Engine  *engine.Engine
	Store   *store.Store
	Fixture *Fixture
}

// Run drives a fresh engine over the fixture with the default
// configuration until the run suspends or terminates.
func Run(t *testing.T, fx *Fixture, input workflow.RunInput) *Result {
	t.Helper()
	return RunWithConfig(t, fx, input, config.Defaults())
}

// RunWithConfig is Run with an explicit configuration, for fixtures
// that exercise quota ceilings or fan-out bounds.
func RunWithConfig(t *testing.T, fx *Fixture, input workflow.RunInput, cfg config.Config) *Result {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "harness.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	budgets := make([]quota.Budget, 0, len(cfg.Quota.Resources))
	for name, budget := range cfg.Quota.Resources {
		budgets = append(budgets, quota.Budget{Resource: name, Ceiling: budget.Ceiling})
	}

	eng := engine.New(
		st,
		quota.NewLedger(budgets),
		cache.NewTiered([]cache.Tier{cache.NewMemoryTier(), st.Cache()}),
		ranking.New(cfg.Ranking),
		fx.Collaborators(),
		cfg,
		engine.WithRunIDGenerator(engine.NewFixedGenerator("run-"+fx.Name)),
		engine.WithNow(func() time.Time { return Clock }),
		engine.WithSleep(func(context.Context, time.Duration) error { return nil }),
	)

	run, err := eng.Start(context.Background(), input)
	return &Result{Run: run, Err: err, Engine: eng, Store: st, Fixture: fx}
}

// Resume delivers an approval decision to the result's run and updates
// the result in place.
func (r *Result) Resume(t *testing.T, decision workflow.Decision) workflow.Run {
	t.Helper()
	run, err := r.Engine.Resume(context.Background(), r.Run.ID, decision)
	r.Run, r.Err = run, err
	return run
}
