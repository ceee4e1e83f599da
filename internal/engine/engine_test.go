package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calderhq/gapwise/internal/cache"
	"github.com/calderhq/gapwise/internal/config"
	"github.com/calderhq/gapwise/internal/quota"
	"github.com/calderhq/gapwise/internal/ranking"
	"github.com/calderhq/gapwise/internal/store"
	"github.com/calderhq/gapwise/internal/workflow"
)

// scripted implements every collaborator interface with overridable
// hooks and call counting, so tests can fail specific calls and assert
// side-effect counts.
type scripted struct {
	mu sync.Mutex

	sourceText string
	sourceErr  error
	specText   string

	taskFn    func(call int, task string, inputs map[string]any) (json.RawMessage, error)
	searchFn  func(call int, query string, limit int) ([]workflow.Candidate, error)
	detailsFn func(ids []string) ([]workflow.Candidate, error)

	taskCalls       int
	searchCalls     int
	detailsCalls    int
	applyCalls      int
	approvalCalls   int
	completionCalls int
	lastTaskInputs  map[string]any
}

func (s *scripted) FetchSourceText(_ context.Context, ref string) (string, error) {
	if s.sourceErr != nil {
		return "", s.sourceErr
	}
	return s.sourceText, nil
}

func (s *scripted) ApplyEdits(_ context.Context, ref string, insertions []workflow.Insertion) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyCalls++
	return fmt.Sprintf("%s#rev%d", ref, s.applyCalls), nil
}

func (s *scripted) FetchTargetSpec(_ context.Context, ref, inline string) (string, error) {
	if inline != "" {
		return inline, nil
	}
	return s.specText, nil
}

func (s *scripted) InvokeStructuredTask(_ context.Context, task string, inputs map[string]any) (json.RawMessage, error) {
	s.mu.Lock()
	s.taskCalls++
	call := s.taskCalls
	s.lastTaskInputs = inputs
	fn := s.taskFn
	s.mu.Unlock()
	if fn != nil {
		return fn(call, task, inputs)
	}
	return defaultTaskResult(task)
}

func defaultTaskResult(task string) (json.RawMessage, error) {
	switch task {
	case workflow.TaskAnalyze:
		return json.RawMessage(`{"role_title":"Platform Engineer","skills":["terraform","kubernetes"]}`), nil
	case workflow.TaskScore:
		return json.RawMessage(`{"overall":61,"missing_skills":["terraform","kubernetes"]}`), nil
	default:
		return nil, workflow.NewError(workflow.CodeSchemaViolation, "unknown task %s", task)
	}
}

func (s *scripted) Search(_ context.Context, query string, limit int) ([]workflow.Candidate, error) {
	s.mu.Lock()
	s.searchCalls++
	call := s.searchCalls
	fn := s.searchFn
	s.mu.Unlock()
	if fn != nil {
		return fn(call, query, limit)
	}
	return stubsFor(query, 3), nil
}

func (s *scripted) FetchDetails(_ context.Context, ids []string) ([]workflow.Candidate, error) {
	s.mu.Lock()
	s.detailsCalls++
	fn := s.detailsFn
	s.mu.Unlock()
	if fn != nil {
		return fn(ids)
	}
	details := make([]workflow.Candidate, 0, len(ids))
	for _, id := range ids {
		details = append(details, detailFor(id))
	}
	return details, nil
}

func (s *scripted) SendApprovalRequest(_ context.Context, runID, summary string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvalCalls++
	return fmt.Sprintf("msg-%s-%d", runID, s.approvalCalls), nil
}

func (s *scripted) SendCompletion(_ context.Context, runID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completionCalls++
	return nil
}

func (s *scripted) collaborators() workflow.Collaborators {
	return workflow.Collaborators{
		Documents:  s,
		Specs:      s,
		Tasks:      s,
		Candidates: s,
		Notifier:   s,
	}
}

func stubsFor(query string, n int) []workflow.Candidate {
	stubs := make([]workflow.Candidate, 0, n)
	for i := 0; i < n; i++ {
		stubs = append(stubs, workflow.Candidate{ID: fmt.Sprintf("%s-%d", cache.Normalize(query), i)})
	}
	return stubs
}

// testClock pins every time-dependent computation so two runs of the
// same scenario rank candidates identically.
var testClock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func detailFor(id string) workflow.Candidate {
	return workflow.Candidate{
		ID:              id,
		Title:           "Hands-on tutorial " + id,
		URL:             "https://videos.example/" + id,
		Source:          "acme academy",
		DurationSeconds: 3600,
		Views:           20000,
		Likes:           900,
		Comments:        80,
		PublishedAt:     time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

type testEnv struct {
	engine  *Engine
	store   *store.Store
	collabs *scripted
	cfg     config.Config
}

func newTestEnv(t *testing.T, mutate func(*config.Config, *scripted)) *testEnv {
	t.Helper()

	cfg := config.Defaults()
	collabs := &scripted{
		sourceText: "experienced backend engineer",
		specText:   "platform engineer role needing terraform and kubernetes",
	}
	if mutate != nil {
		mutate(&cfg, collabs)
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "gapwise.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	budgets := make([]quota.Budget, 0, len(cfg.Quota.Resources))
	for name, budget := range cfg.Quota.Resources {
		budgets = append(budgets, quota.Budget{Resource: name, Ceiling: budget.Ceiling})
	}

	eng := New(
		st,
		quota.NewLedger(budgets),
		cache.NewTiered([]cache.Tier{cache.NewMemoryTier(), st.Cache()}),
		ranking.New(cfg.Ranking),
		collabs.collaborators(),
		cfg,
		WithRunIDGenerator(NewFixedGenerator("run-0001", "run-0002")),
		WithNow(func() time.Time { return testClock }),
		WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
	return &testEnv{engine: eng, store: st, collabs: collabs, cfg: cfg}
}

func startInput() workflow.RunInput {
	return workflow.RunInput{
		DocumentRef:    "doc-123",
		TargetSpecText: "platform engineer role needing terraform and kubernetes",
	}
}

// TestStepTable_CoversStates verifies the dispatch table as data: every
// state except the suspend point and terminals has a step, and each
// step's successor is a valid state strictly later in the progression.
func TestStepTable_CoversStates(t *testing.T) {
	env := newTestEnv(t, nil)
	table := env.engine.steps

	position := make(map[workflow.RunState]int, len(workflow.OrderedStates))
	for i, s := range workflow.OrderedStates {
		position[s] = i
	}

	for _, state := range workflow.OrderedStates {
		entry, ok := table[state]
		switch state {
		case workflow.StateAwaitingApproval, workflow.StateCompleted, workflow.StateFailed:
			assert.False(t, ok, "state %s must have no step entry", state)
		default:
			require.True(t, ok, "state %s missing from step table", state)
			assert.True(t, entry.next.Valid(), "successor of %s invalid", state)
			assert.Greater(t, position[entry.next], position[state],
				"successor of %s must be later in the progression", state)
		}
	}
}

// TestStart_ReachesAwaitingApproval drives the happy path to the
// suspend point, including a gap whose search finds nothing: its
// section must be present-but-empty, not omitted.
func TestStart_ReachesAwaitingApproval(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config, s *scripted) {
		s.taskFn = func(call int, task string, inputs map[string]any) (json.RawMessage, error) {
			if task == workflow.TaskAnalyze {
				return json.RawMessage(`{"role_title":"Platform Engineer","skills":["argo","terraform","kubernetes"]}`), nil
			}
			return json.RawMessage(`{"overall":55,"missing_skills":["argo","kubernetes","terraform"]}`), nil
		}
		s.searchFn = func(call int, query string, limit int) ([]workflow.Candidate, error) {
			if cache.Normalize(query) == cache.Normalize("kubernetes tutorial project for Platform Engineer") {
				return nil, nil // gap with zero candidates
			}
			return stubsFor(query, 3), nil
		}
	})

	run, err := env.engine.Start(context.Background(), startInput())
	require.NoError(t, err)
	assert.Equal(t, workflow.StateAwaitingApproval, run.State)
	assert.Empty(t, run.LastError)

	require.NotNil(t, run.Context.Artifact)
	sections := run.Context.Artifact.Sections
	require.Len(t, sections, 3)

	// Gap-identifier order, independent of branch completion order.
	assert.Equal(t, "argo", sections[0].GapID)
	assert.Equal(t, "kubernetes", sections[1].GapID)
	assert.Equal(t, "terraform", sections[2].GapID)

	assert.Equal(t, workflow.SectionOK, sections[0].Status)
	assert.Equal(t, workflow.SectionNoResults, sections[1].Status)
	assert.Empty(t, sections[1].Results)
	assert.Equal(t, workflow.SectionOK, sections[2].Status)
	require.NotEmpty(t, sections[2].Results)
	assert.Equal(t, 1, sections[2].Results[0].Rank)
	assert.NotEmpty(t, sections[2].Results[0].Tip)

	assert.Equal(t, 1, env.collabs.approvalCalls)
	assert.NotEmpty(t, run.Context.ApprovalMessageRef)

	// Suspension is durable: the latest checkpoint carries the state.
	latest, err := env.store.LatestCheckpoint(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, string(workflow.StateAwaitingApproval), latest.State)
}

// TestResume_ApprovedCompletesIdempotently approves a suspended run,
// then replays the approval and requires no duplicate side effects.
func TestResume_ApprovedCompletesIdempotently(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	run, err := env.engine.Start(ctx, startInput())
	require.NoError(t, err)
	require.Equal(t, workflow.StateAwaitingApproval, run.State)

	resumed, err := env.engine.Resume(ctx, run.ID, workflow.DecisionApproved)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateCompleted, resumed.State)
	assert.NotEmpty(t, resumed.Context.AppliedResult)
	require.NotNil(t, resumed.Context.FinalScore)
	assert.Equal(t, 1, env.collabs.applyCalls)
	assert.Equal(t, 1, env.collabs.completionCalls)

	// Replay: same observable effect as once.
	replayed, err := env.engine.Resume(ctx, run.ID, workflow.DecisionApproved)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateCompleted, replayed.State)
	assert.Equal(t, 1, env.collabs.applyCalls, "no duplicate edit")
	assert.Equal(t, 1, env.collabs.completionCalls, "no duplicate notification")
}

// TestResume_RejectedFailsRun routes a rejection to failed with reason
// rejected, not completed; replaying the rejection is a no-op.
func TestResume_RejectedFailsRun(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	run, err := env.engine.Start(ctx, startInput())
	require.NoError(t, err)

	rejected, err := env.engine.Resume(ctx, run.ID, workflow.DecisionRejected)
	require.NoError(t, err, "rejection is a normal decision, not an engine failure")
	assert.Equal(t, workflow.StateFailed, rejected.State)
	assert.Contains(t, rejected.LastError, "REJECTED")
	assert.Equal(t, 0, env.collabs.applyCalls)

	replayed, err := env.engine.Resume(ctx, run.ID, workflow.DecisionRejected)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateFailed, replayed.State)

	// But approving a rejected run is an error, not a silent success.
	_, err = env.engine.Resume(ctx, run.ID, workflow.DecisionApproved)
	assert.Error(t, err)
}

// TestResume_NotAwaiting rejects decisions for runs that are not
// suspended.
func TestResume_NotAwaiting(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.engine.Resume(context.Background(), "no-such-run", workflow.DecisionApproved)
	require.Error(t, err)
	assert.Equal(t, workflow.CodeNotFound, workflow.CodeOf(err))
}

// TestStart_FatalIngestFailsRun verifies NotFound aborts the run with
// the error recorded verbatim.
func TestStart_FatalIngestFailsRun(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config, s *scripted) {
		s.sourceErr = workflow.NewError(workflow.CodeNotFound, "document doc-123 not found")
	})

	run, err := env.engine.Start(context.Background(), startInput())
	require.Error(t, err)
	assert.Equal(t, workflow.StateFailed, run.State)
	assert.Contains(t, run.LastError, "NOT_FOUND")
	assert.Contains(t, run.LastError, "doc-123")
	assert.Equal(t, 0, env.collabs.searchCalls, "no fan-out after a fatal prefix failure")
}

// TestQuotaRace_OneBranchWins gives two branches a budget only one can
// claim: exactly one branch succeeds, the other fails QuotaExhausted,
// and the run still reaches the suspend point with partial results.
func TestQuotaRace_OneBranchWins(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config, s *scripted) {
		cfg.Quota.Resources[config.ResourceCandidateAPI] = config.ResourceBudget{
			Ceiling: 100,
			Costs:   map[string]int64{config.OpSearch: 80, config.OpDetails: 5},
		}
	})

	run, err := env.engine.Start(context.Background(), startInput())
	require.NoError(t, err)
	assert.Equal(t, workflow.StateAwaitingApproval, run.State)

	var done, exhausted int
	for _, b := range run.Context.Branches {
		switch b.Status {
		case workflow.BranchDone:
			done++
		case workflow.BranchFailed:
			assert.Contains(t, b.Error, string(workflow.CodeQuotaExhausted))
			exhausted++
		}
	}
	assert.Equal(t, 1, done)
	assert.Equal(t, 1, exhausted)
	assert.Equal(t, 1, env.collabs.searchCalls, "the denied branch never issued its call")
}

// TestAllBranchesFailed_HardFailure verifies the partial-results policy
// has a floor: when every branch fails, the run fails.
func TestAllBranchesFailed_HardFailure(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config, s *scripted) {
		cfg.Quota.Resources[config.ResourceCandidateAPI] = config.ResourceBudget{
			Ceiling: 0,
			Costs:   map[string]int64{config.OpSearch: 80, config.OpDetails: 5},
		}
	})

	run, err := env.engine.Start(context.Background(), startInput())
	require.Error(t, err)
	assert.Equal(t, workflow.StateFailed, run.State)
	assert.Contains(t, run.LastError, "all 2 research branches failed")
}

// TestSchemaViolation_OneCorrectiveRetry verifies the invoker gets
// exactly one corrective retry carrying a hint, and a second violation
// fails the step.
func TestSchemaViolation_OneCorrectiveRetry(t *testing.T) {
	t.Run("retry succeeds", func(t *testing.T) {
		env := newTestEnv(t, func(cfg *config.Config, s *scripted) {
			s.taskFn = func(call int, task string, inputs map[string]any) (json.RawMessage, error) {
				if task == workflow.TaskAnalyze && inputs["correction_hint"] == nil {
					return json.RawMessage(`{"role_title":"","skills":[]}`), nil
				}
				return defaultTaskResult(task)
			}
		})

		run, err := env.engine.Start(context.Background(), startInput())
		require.NoError(t, err)
		assert.Equal(t, workflow.StateAwaitingApproval, run.State)
	})

	t.Run("second violation fails the step", func(t *testing.T) {
		env := newTestEnv(t, func(cfg *config.Config, s *scripted) {
			s.taskFn = func(call int, task string, inputs map[string]any) (json.RawMessage, error) {
				if task == workflow.TaskAnalyze {
					return json.RawMessage(`not json at all`), nil
				}
				return defaultTaskResult(task)
			}
		})

		run, err := env.engine.Start(context.Background(), startInput())
		require.Error(t, err)
		assert.Equal(t, workflow.StateFailed, run.State)
		assert.Contains(t, run.LastError, string(workflow.CodeSchemaViolation))
	})
}

// TestUpstreamUnavailable_BackoffThenSuccess verifies the bounded
// retry: two transient failures then success still completes the step.
func TestUpstreamUnavailable_BackoffThenSuccess(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config, s *scripted) {
		s.searchFn = func(call int, query string, limit int) ([]workflow.Candidate, error) {
			if call <= 2 {
				return nil, workflow.NewError(workflow.CodeUpstreamUnavailable, "search backend down")
			}
			return stubsFor(query, 2), nil
		}
		// A single gap keeps the retry count unambiguous.
		s.taskFn = func(call int, task string, inputs map[string]any) (json.RawMessage, error) {
			if task == workflow.TaskAnalyze {
				return json.RawMessage(`{"role_title":"SRE","skills":["terraform"]}`), nil
			}
			return json.RawMessage(`{"overall":70,"missing_skills":["terraform"]}`), nil
		}
	})

	run, err := env.engine.Start(context.Background(), startInput())
	require.NoError(t, err)
	assert.Equal(t, workflow.StateAwaitingApproval, run.State)
	assert.Equal(t, 3, env.collabs.searchCalls)
	assert.Equal(t, workflow.BranchDone, run.Context.Branches[0].Status)
}

// TestCancel transitions a suspended run to failed with reason
// cancelled; cancelling a terminal run is a no-op.
func TestCancel(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	run, err := env.engine.Start(ctx, startInput())
	require.NoError(t, err)

	cancelled, err := env.engine.Cancel(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateFailed, cancelled.State)
	assert.Contains(t, cancelled.LastError, string(workflow.CodeCancelled))

	// Terminal: no-op, state unchanged.
	again, err := env.engine.Cancel(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, cancelled.LastError, again.LastError)

	// Resuming a cancelled run is an error.
	_, err = env.engine.Resume(ctx, run.ID, workflow.DecisionApproved)
	assert.Error(t, err)
}

// TestCancel_RetriesWhenSuperseded reproduces a cancellation racing a
// driver in another process: the driver's snapshot lands at the seq the
// cancellation targets, so the cancellation's append is dropped and the
// retry must land the failure at the new head.
func TestCancel_RetriesWhenSuperseded(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	run, err := env.engine.Start(ctx, startInput())
	require.NoError(t, err)
	require.Equal(t, workflow.StateAwaitingApproval, run.State)

	stale, clock, err := env.engine.load(ctx, run.ID)
	require.NoError(t, err)

	// The competing driver claims the next seq first.
	payload, err := json.Marshal(stale.Context)
	require.NoError(t, err)
	stolen := clock.Current() + 1
	require.NoError(t, env.store.AppendCheckpoint(ctx, store.Checkpoint{
		RunID:   run.ID,
		Seq:     stolen,
		State:   string(workflow.StateAwaitingApproval),
		Context: payload,
	}))

	cancelled, err := env.engine.cancelFrom(ctx, stale, clock)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateFailed, cancelled.State)
	assert.Contains(t, cancelled.LastError, string(workflow.CodeCancelled))

	latest, err := env.store.LatestCheckpoint(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, string(workflow.StateFailed), latest.State)
	assert.Equal(t, stolen+1, latest.Seq)
}

// TestCancel_MidFanOut cancels while one branch is blocked inside a
// search call and another waits on the concurrency semaphore. The
// waiter abandons without calling out, the blocked branch's late
// results are discarded against the persisted failure, and no approval
// request goes out.
func TestCancel_MidFanOut(t *testing.T) {
	searching := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	env := newTestEnv(t, func(cfg *config.Config, s *scripted) {
		cfg.Concurrency = 1
		s.searchFn = func(call int, query string, limit int) ([]workflow.Candidate, error) {
			once.Do(func() { close(searching) })
			<-release
			return stubsFor(query, 2), nil
		}
	})
	ctx := context.Background()

	type outcome struct {
		run workflow.Run
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		run, err := env.engine.Start(ctx, startInput())
		done <- outcome{run, err}
	}()

	<-searching
	cancelled, err := env.engine.Cancel(context.Background(), "run-0001")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateFailed, cancelled.State)

	close(release)
	got := <-done
	require.Error(t, got.err)
	assert.True(t, workflow.IsCancelled(got.err))
	assert.Equal(t, workflow.StateFailed, got.run.State)

	// Late results never become sections or a notification.
	assert.Empty(t, got.run.Context.Artifact)
	assert.Zero(t, env.collabs.approvalCalls)

	// Only the branch holding the semaphore reached the search; the
	// waiter abandoned at the boundary check.
	assert.Equal(t, 1, env.collabs.searchCalls)
	abandoned := 0
	for _, branch := range got.run.Context.Branches {
		if branch.Status == workflow.BranchFailed && strings.Contains(branch.Error, "abandoned") {
			abandoned++
		}
	}
	assert.Equal(t, 1, abandoned)
}

// TestFoldBoosts_PreservesOutOfRangeValues checks that folding only
// normalizes names; zero and negative boosts survive so the ranking
// clamp can floor them instead of them reverting to neutral.
func TestFoldBoosts_PreservesOutOfRangeValues(t *testing.T) {
	folded := foldBoosts(map[string]float64{
		" Acme Academy ": 0,
		"beta":           -2,
		"":               3,
		"Gamma":          1.4,
	})
	assert.Equal(t, map[string]float64{
		"acme academy": 0,
		"beta":         -2,
		"gamma":        1.4,
	}, folded)
	assert.Nil(t, foldBoosts(nil))
}

// TestSuspendSurvivesEngineRestart rebuilds a fresh engine over the
// same store and resumes a run the old engine suspended: checkpoint
// persistence, not a blocked goroutine, carries the wait.
func TestSuspendSurvivesEngineRestart(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	run, err := env.engine.Start(ctx, startInput())
	require.NoError(t, err)
	require.Equal(t, workflow.StateAwaitingApproval, run.State)

	budgets := []quota.Budget{{Resource: config.ResourceCandidateAPI, Ceiling: 10000}}
	second := New(
		env.store,
		quota.NewLedger(budgets),
		cache.NewTiered([]cache.Tier{cache.NewMemoryTier(), env.store.Cache()}),
		ranking.New(env.cfg.Ranking),
		env.collabs.collaborators(),
		env.cfg,
		WithSleep(func(context.Context, time.Duration) error { return nil }),
	)

	status, err := second.Status(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateAwaitingApproval, status.State)

	resumed, err := second.Resume(ctx, run.ID, workflow.DecisionApproved)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateCompleted, resumed.State)
}

// TestDeterministicArtifact runs the same scenario twice on separate
// stores and requires byte-identical artifacts.
func TestDeterministicArtifact(t *testing.T) {
	artifacts := make([]string, 2)
	for i := range artifacts {
		env := newTestEnv(t, nil)
		run, err := env.engine.Start(context.Background(), startInput())
		require.NoError(t, err)
		blob, err := json.Marshal(run.Context.Artifact)
		require.NoError(t, err)
		artifacts[i] = string(blob)
	}
	assert.Equal(t, artifacts[0], artifacts[1])
}

// TestCacheBypassesQuota verifies the second run over the same queries
// is served from the shared tier without touching quota or the source.
func TestCacheBypassesQuota(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.engine.Start(ctx, startInput())
	require.NoError(t, err)
	searchesAfterFirst := env.collabs.searchCalls
	require.Greater(t, searchesAfterFirst, 0)

	run, err := env.engine.Start(ctx, startInput())
	require.NoError(t, err)
	assert.Equal(t, workflow.StateAwaitingApproval, run.State)
	assert.Equal(t, searchesAfterFirst, env.collabs.searchCalls,
		"second run answered entirely from cache")
}

func TestStart_InputValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.engine.Start(ctx, workflow.RunInput{TargetSpecText: "spec"})
	assert.Error(t, err)

	_, err = env.engine.Start(ctx, workflow.RunInput{DocumentRef: "doc"})
	assert.Error(t, err)
}
