package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/calderhq/gapwise/internal/cache"
	"github.com/calderhq/gapwise/internal/config"
	"github.com/calderhq/gapwise/internal/metrics"
	"github.com/calderhq/gapwise/internal/quota"
	"github.com/calderhq/gapwise/internal/ranking"
	"github.com/calderhq/gapwise/internal/store"
	"github.com/calderhq/gapwise/internal/workflow"
)

// SleepFunc abstracts backoff sleeps so tests run without real delays.
// Returns ctx.Err() if the context is done before the delay elapses.
type SleepFunc func(ctx context.Context, d time.Duration) error

func defaultSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Engine is the workflow orchestrator. One Engine serves many runs;
// per-run state lives entirely in checkpoints, so engines are
// interchangeable across process restarts (or shardable by run id
// across processes sharing a store).
//
// All collaborators and support systems are injected at construction.
// Nothing is reached through ambient globals.
type Engine struct {
	store   *store.Store
	ledger  *quota.Ledger
	results *cache.Tiered
	ranker  *ranking.Engine
	collab  workflow.Collaborators
	cfg     config.Config
	metrics *metrics.Metrics
	steps   map[workflow.RunState]stepEntry
	runIDs  RunIDGenerator
	now     func() time.Time
	sleep   SleepFunc

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithRunIDGenerator overrides run id generation (tests use
// FixedGenerator for deterministic ids).
func WithRunIDGenerator(gen RunIDGenerator) Option {
	return func(e *Engine) { e.runIDs = gen }
}

// WithNow overrides the engine's wall clock.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSleep overrides the backoff sleep.
func WithSleep(sleep SleepFunc) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// WithMetrics injects a shared metrics instance. Without it the engine
// records into a private registry nothing serves.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an Engine.
func New(
	st *store.Store,
	ledger *quota.Ledger,
	results *cache.Tiered,
	ranker *ranking.Engine,
	collab workflow.Collaborators,
	cfg config.Config,
	opts ...Option,
) *Engine {
	e := &Engine{
		store:   st,
		ledger:  ledger,
		results: results,
		ranker:  ranker,
		collab:  collab,
		cfg:     cfg,
		runIDs:  UUIDv7Generator{},
		now:     time.Now,
		sleep:   defaultSleep,
		cancels: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}
	e.steps = e.stepTable()
	return e
}

// Start creates a run and drives it until it suspends for approval or
// reaches a terminal state. The returned run reflects the last
// persisted checkpoint; a non-nil error is also recorded on the run as
// its last error.
func (e *Engine) Start(ctx context.Context, input workflow.RunInput) (workflow.Run, error) {
	if input.DocumentRef == "" {
		return workflow.Run{}, fmt.Errorf("start: document ref is required")
	}
	if input.TargetSpecRef == "" && input.TargetSpecText == "" {
		return workflow.Run{}, fmt.Errorf("start: target spec ref or text is required")
	}

	now := e.now()
	run := workflow.Run{
		ID:        e.runIDs.Generate(),
		State:     workflow.StateCreated,
		CreatedAt: now,
		UpdatedAt: now,
		Context: workflow.Context{
			Input:     input,
			StartedAt: now,
		},
	}
	clock := NewClockAt(0)
	if err := e.persist(ctx, &run, clock); err != nil {
		return run, err
	}
	e.metrics.RunsStarted.Inc()
	slog.Info("run started", "run", run.ID, "document", input.DocumentRef)

	return e.drive(ctx, run, clock)
}

// Advance re-drives a run from its latest checkpoint. Used after a
// crash: whatever step was in flight runs again (steps are
// at-least-once; side effects are idempotency-guarded). Suspended and
// terminal runs are returned unchanged.
func (e *Engine) Advance(ctx context.Context, runID string) (workflow.Run, error) {
	run, clock, err := e.load(ctx, runID)
	if err != nil {
		return workflow.Run{}, err
	}
	return e.drive(ctx, run, clock)
}

// Resume delivers an approval decision to a suspended run.
//
// Idempotent: replaying a decision that already took effect returns
// the run unchanged with no duplicate side effects. A decision for a
// run that is not awaiting approval (and did not already consume this
// decision) is an error.
func (e *Engine) Resume(ctx context.Context, runID string, decision workflow.Decision) (workflow.Run, error) {
	if !decision.Valid() {
		return workflow.Run{}, fmt.Errorf("resume: unknown decision %q", decision)
	}
	run, clock, err := e.load(ctx, runID)
	if err != nil {
		return workflow.Run{}, err
	}

	switch run.State {
	case workflow.StateCompleted:
		if decision == workflow.DecisionApproved {
			// Replay of an approval that already completed: no-op.
			return run, nil
		}
		return run, fmt.Errorf("resume: run %s already completed", runID)
	case workflow.StateFailed:
		if decision == workflow.DecisionRejected && run.Context.Decision == workflow.DecisionRejected {
			// Replay of a rejection that already failed the run: no-op.
			return run, nil
		}
		return run, fmt.Errorf("resume: run %s already failed: %s", runID, run.LastError)
	case workflow.StateFinalizing:
		// Crashed between approval and completion; re-drive.
		if decision == workflow.DecisionApproved {
			return e.drive(ctx, run, clock)
		}
		return run, fmt.Errorf("resume: run %s already approved", runID)
	case workflow.StateAwaitingApproval:
		// Fall through to decision handling below.
	default:
		return run, fmt.Errorf("resume: run %s is %s, not awaiting approval", runID, run.State)
	}

	run.Context.Decision = decision
	if decision == workflow.DecisionRejected {
		slog.Info("run rejected by approver", "run", run.ID)
		rejected, _ := e.fail(ctx, &run, clock, workflow.NewError(workflow.CodeRejected, "rejected by approver"))
		// A rejection is a normal user decision, not an engine failure.
		return rejected, nil
	}

	slog.Info("run approved, finalizing", "run", run.ID)
	run.State = workflow.StateFinalizing
	run.UpdatedAt = e.now()
	if err := e.persist(ctx, &run, clock); err != nil {
		return run, err
	}
	return e.drive(ctx, run, clock)
}

// Cancel transitions any non-terminal run to failed with reason
// cancelled and abandons in-flight branch work best-effort. Cancelling
// a terminal run is a no-op.
func (e *Engine) Cancel(ctx context.Context, runID string) (workflow.Run, error) {
	run, clock, err := e.load(ctx, runID)
	if err != nil {
		return workflow.Run{}, err
	}
	return e.cancelFrom(ctx, run, clock)
}

// cancelFrom lands the cancellation checkpoint. A driver sharing the
// store can persist its own snapshot at the seq the cancellation
// targets; the append is then dropped and the read-back disagrees.
// Retrying against the reloaded head until the snapshot lands (or the
// run turns terminal on its own) keeps the guarantee that cancelling a
// non-terminal run always fails it.
func (e *Engine) cancelFrom(ctx context.Context, run workflow.Run, clock *Clock) (workflow.Run, error) {
	for {
		if run.State.Terminal() {
			return run, nil
		}
		run.State = workflow.StateFailed
		run.LastError = workflow.NewError(workflow.CodeCancelled, "cancelled").Error()
		run.UpdatedAt = e.now()
		err := e.persist(ctx, &run, clock)
		if err == nil {
			slog.Info("run cancelled", "run", run.ID, "seq", clock.Current())
			e.metrics.RunsFailed.Inc()
			e.cancelInFlight(run.ID)
			return run, nil
		}
		if !workflow.IsCancelled(err) {
			return run, err
		}
		slog.Debug("cancellation superseded, retrying", "run", run.ID, "seq", clock.Current())
		run, clock, err = e.load(ctx, run.ID)
		if err != nil {
			return workflow.Run{}, err
		}
	}
}

// Status returns the run at its latest checkpoint.
func (e *Engine) Status(ctx context.Context, runID string) (workflow.Run, error) {
	run, _, err := e.load(ctx, runID)
	return run, err
}

// drive executes steps until the run suspends or terminates. This is
// the single logical sequencer for the run: every context mutation
// outside branch slots happens here.
func (e *Engine) drive(ctx context.Context, run workflow.Run, clock *Clock) (workflow.Run, error) {
	ctx, cancel := context.WithCancel(ctx)
	e.registerCancel(run.ID, cancel)
	defer e.unregisterCancel(run.ID)
	defer cancel()

	// Gauge of runs this process is actively driving. tracked lags
	// run.State by one persist so the decrement always matches the
	// increment, even when a step fails mid-transition.
	tracked := run.State
	e.metrics.RunsByState.WithLabelValues(string(tracked)).Inc()
	defer func() { e.metrics.RunsByState.WithLabelValues(string(tracked)).Dec() }()

	for {
		if run.State.Terminal() {
			return run, nil
		}
		if run.State == workflow.StateAwaitingApproval {
			// Suspended: the checkpoint is already durable, just return.
			return run, nil
		}

		entry, ok := e.steps[run.State]
		if !ok {
			return e.fail(ctx, &run, clock,
				fmt.Errorf("no step registered for state %q", run.State))
		}

		if entry.run != nil {
			slog.Debug("executing step", "run", run.ID, "state", run.State)
			if err := entry.run(ctx, &run); err != nil {
				return e.fail(ctx, &run, clock, err)
			}
		}

		run.State = entry.next
		run.UpdatedAt = e.now()
		if err := e.persist(ctx, &run, clock); err != nil {
			if workflow.IsCancelled(err) {
				// Superseded by a concurrent cancellation; surface the
				// persisted truth rather than our stale copy.
				if latest, _, loadErr := e.load(ctx, run.ID); loadErr == nil {
					return latest, err
				}
			}
			return run, err
		}
		slog.Info("run advanced", "run", run.ID, "state", run.State, "seq", clock.Current())
		e.metrics.RunsByState.WithLabelValues(string(tracked)).Dec()
		e.metrics.RunsByState.WithLabelValues(string(run.State)).Inc()
		tracked = run.State

		if run.State == workflow.StateCompleted {
			e.metrics.RunsCompleted.Inc()
		}
	}
}

// fail transitions the run to failed, recording the cause verbatim as
// the run's last error. Persistence errors here are logged, not
// returned: the caller's cause is the error that matters.
func (e *Engine) fail(ctx context.Context, run *workflow.Run, clock *Clock, cause error) (workflow.Run, error) {
	run.State = workflow.StateFailed
	run.LastError = cause.Error()
	run.UpdatedAt = e.now()
	if err := e.persist(ctx, run, clock); err != nil && !workflow.IsCancelled(err) {
		slog.Error("failed to persist failure checkpoint", "run", run.ID, "error", err)
	}
	e.metrics.RunsFailed.Inc()
	slog.Warn("run failed", "run", run.ID, "error", cause)
	return *run, cause
}

// persist appends a checkpoint, then reads back the latest snapshot to
// detect a concurrent writer. The store ignores a duplicate (run, seq)
// write, so if someone else (a cancellation sweep, a racing driver)
// landed a snapshot at our seq first, the read-back disagrees with what
// we wrote and we stand down.
func (e *Engine) persist(ctx context.Context, run *workflow.Run, clock *Clock) error {
	payload, err := json.Marshal(run.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	cp := store.Checkpoint{
		RunID:     run.ID,
		Seq:       clock.Next(),
		State:     string(run.State),
		LastError: run.LastError,
		Context:   payload,
		CreatedAt: run.UpdatedAt,
	}
	if err := e.store.AppendCheckpoint(ctx, cp); err != nil {
		return err
	}

	latest, err := e.store.LatestCheckpoint(ctx, run.ID)
	if err != nil {
		return err
	}
	if latest.Seq != cp.Seq || latest.State != cp.State {
		return workflow.NewError(workflow.CodeCancelled,
			"run %s superseded at seq %d (now %s@%d)", run.ID, cp.Seq, latest.State, latest.Seq)
	}
	return nil
}

// load reconstructs a run from its latest checkpoint, with a clock
// positioned to continue the snapshot sequence.
func (e *Engine) load(ctx context.Context, runID string) (workflow.Run, *Clock, error) {
	cp, err := e.store.LatestCheckpoint(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			return workflow.Run{}, nil, workflow.WrapError(workflow.CodeNotFound, err, "run %s", runID)
		}
		return workflow.Run{}, nil, err
	}

	var runCtx workflow.Context
	if err := json.Unmarshal(cp.Context, &runCtx); err != nil {
		return workflow.Run{}, nil, fmt.Errorf("unmarshal checkpoint context: %w", err)
	}

	run := workflow.Run{
		ID:        cp.RunID,
		State:     workflow.RunState(cp.State),
		LastError: cp.LastError,
		CreatedAt: runCtx.StartedAt,
		UpdatedAt: cp.CreatedAt,
		Context:   runCtx,
	}
	return run, NewClockAt(cp.Seq), nil
}

func (e *Engine) registerCancel(runID string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels[runID] = cancel
}

func (e *Engine) unregisterCancel(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cancels, runID)
}

// cancelInFlight signals the run's driver context, if this process is
// driving it. Branch executions notice at their next boundary check;
// external calls already in flight complete and have their results
// discarded.
func (e *Engine) cancelInFlight(runID string) {
	e.mu.Lock()
	cancel := e.cancels[runID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
