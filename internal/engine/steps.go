package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/calderhq/gapwise/internal/workflow"
)

// stepFunc performs the work of one state against the run context.
// Steps mutate only the run they are given; persistence and state
// advancement belong to the runner.
type stepFunc func(ctx context.Context, run *workflow.Run) error

// stepEntry is one row of the state machine's dispatch table.
type stepEntry struct {
	next workflow.RunState
	run  stepFunc // nil for pure transitions
}

// stepTable is the explicit state → step mapping the runner drives.
// Keeping the transition graph as data (rather than method dispatch)
// makes it inspectable and testable; see TestStepTable_CoversStates.
//
// awaiting_approval, completed, and failed have no entries: the first
// suspends, the others are terminal.
func (e *Engine) stepTable() map[workflow.RunState]stepEntry {
	return map[workflow.RunState]stepEntry{
		workflow.StateCreated:    {next: workflow.StateIngesting},
		workflow.StateIngesting:  {next: workflow.StateAnalyzing, run: e.stepIngest},
		workflow.StateAnalyzing:  {next: workflow.StateScoring, run: e.stepAnalyze},
		workflow.StateScoring:    {next: workflow.StateFanningOut, run: e.stepScore},
		workflow.StateFanningOut: {next: workflow.StateCollecting, run: e.stepFanOut},
		workflow.StateCollecting: {next: workflow.StateAwaitingApproval, run: e.stepCollect},
		workflow.StateFinalizing: {next: workflow.StateCompleted, run: e.stepFinalize},
	}
}

// stepIngest fetches the source document and the target specification.
// NotFound and SizeExceeded from the document source are fatal to the
// run; transient upstream failures are retried with backoff.
func (e *Engine) stepIngest(ctx context.Context, run *workflow.Run) error {
	input := run.Context.Input

	var text string
	err := e.retryUpstream(ctx, "fetch_source_text", func() error {
		var fetchErr error
		text, fetchErr = e.collab.Documents.FetchSourceText(ctx, input.DocumentRef)
		return fetchErr
	})
	if err != nil {
		return err
	}

	var spec string
	err = e.retryUpstream(ctx, "fetch_target_spec", func() error {
		var fetchErr error
		spec, fetchErr = e.collab.Specs.FetchTargetSpec(ctx, input.TargetSpecRef, input.TargetSpecText)
		return fetchErr
	})
	if err != nil {
		return err
	}

	run.Context.SourceText = text
	run.Context.TargetSpec = spec
	slog.Debug("ingested", "run", run.ID, "source_bytes", len(text), "spec_bytes", len(spec))
	return nil
}

// stepAnalyze extracts the role and required skills from the target
// specification.
func (e *Engine) stepAnalyze(ctx context.Context, run *workflow.Run) error {
	var analysis workflow.Analysis
	err := e.invokeTask(ctx, workflow.TaskAnalyze, map[string]any{
		"target_spec": run.Context.TargetSpec,
	}, &analysis)
	if err != nil {
		return err
	}
	run.Context.Analysis = &analysis
	slog.Debug("analyzed", "run", run.ID, "role", analysis.RoleTitle, "skills", len(analysis.Skills))
	return nil
}

// stepScore scores the document against the target specification,
// yielding the missing-skill list the fan-out researches.
func (e *Engine) stepScore(ctx context.Context, run *workflow.Run) error {
	var score workflow.FitScore
	err := e.invokeTask(ctx, workflow.TaskScore, map[string]any{
		"source_text": run.Context.SourceText,
		"target_spec": run.Context.TargetSpec,
		"skills":      run.Context.Analysis.Skills,
	}, &score)
	if err != nil {
		return err
	}
	run.Context.FitScore = &score
	slog.Debug("scored", "run", run.ID, "overall", score.Overall, "missing", len(score.MissingSkills))
	return nil
}

// fallbackGapSkills caps how many analysis skills seed gaps when the
// score reported nothing missing.
const fallbackGapSkills = 5

// stepFanOut fixes the gap list, allocates one isolated branch slot per
// gap, and runs the branch executors under bounded concurrency to the
// barrier. Failures before the spawn (the step's own setup) abort the
// run; branch failures are recorded in their slots and judged at
// collect time.
func (e *Engine) stepFanOut(ctx context.Context, run *workflow.Run) error {
	if len(run.Context.Gaps) == 0 {
		gaps, err := buildGaps(run.Context)
		if err != nil {
			return err
		}
		run.Context.Gaps = gaps
	}
	if run.Context.Branches == nil {
		branches := make([]workflow.GapBranch, len(run.Context.Gaps))
		for i, gap := range run.Context.Gaps {
			branches[i] = workflow.GapBranch{
				RunID:  run.ID,
				GapID:  gap.ID,
				Status: workflow.BranchPending,
			}
		}
		run.Context.Branches = branches
	}

	e.runBranches(ctx, run)

	// Late-result guard: if the run was cancelled while branches were in
	// flight, the persisted state has moved on without us. Discard
	// everything rather than writing into a dead run.
	latest, err := e.store.LatestCheckpoint(ctx, run.ID)
	if err == nil && workflow.RunState(latest.State) == workflow.StateFailed {
		return workflow.NewError(workflow.CodeCancelled,
			"run cancelled during fan-out; branch results discarded")
	}
	return nil
}

// buildGaps derives the gap list from the fit score, falling back to
// the analysis skills, then to a single general gap. Gaps are sorted by
// identifier: this fixes the barrier merge order before any branch runs.
func buildGaps(runCtx workflow.Context) ([]workflow.Gap, error) {
	if runCtx.FitScore == nil || runCtx.Analysis == nil {
		return nil, fmt.Errorf("fan-out setup: run context missing analysis or score")
	}

	role := strings.TrimSpace(runCtx.Analysis.RoleTitle)
	if role == "" {
		role = "the role"
	}

	skills := runCtx.FitScore.MissingSkills
	if len(skills) == 0 {
		skills = runCtx.Analysis.Skills
		if len(skills) > fallbackGapSkills {
			skills = skills[:fallbackGapSkills]
		}
	}

	seen := make(map[string]bool, len(skills))
	gaps := make([]workflow.Gap, 0, len(skills))
	for _, skill := range skills {
		skill = strings.TrimSpace(skill)
		if skill == "" {
			continue
		}
		id := gapID(skill)
		if seen[id] {
			continue
		}
		seen[id] = true
		gaps = append(gaps, workflow.Gap{
			ID:    id,
			Skill: skill,
			Query: fmt.Sprintf("%s tutorial project for %s", skill, role),
		})
	}
	if len(gaps) == 0 {
		gaps = append(gaps, workflow.Gap{
			ID:    "general",
			Skill: "general",
			Query: fmt.Sprintf("portfolio project tutorial for %s", role),
		})
	}

	sort.Slice(gaps, func(i, j int) bool { return gaps[i].ID < gaps[j].ID })
	return gaps, nil
}

// gapID canonicalizes a skill name into a gap identifier.
func gapID(skill string) string {
	return strings.Join(strings.Fields(strings.ToLower(skill)), "-")
}

// stepCollect is the barrier's merge side: the single writer that
// re-serializes branch slots into the merged artifact in gap-identifier
// order, then requests approval and hands the run to its suspend.
//
// A failed branch does not fail the run; its section is present and
// marked. All branches failing is a hard failure.
func (e *Engine) stepCollect(ctx context.Context, run *workflow.Run) error {
	branches := run.Context.Branches

	failed := 0
	firstErr := ""
	for _, b := range branches {
		if b.Status == workflow.BranchFailed {
			failed++
			if firstErr == "" {
				firstErr = b.Error
			}
		}
	}
	if len(branches) > 0 && failed == len(branches) {
		return fmt.Errorf("all %d research branches failed; first error: %s", failed, firstErr)
	}

	artifact := &workflow.Artifact{
		RunID:    run.ID,
		Sections: make([]workflow.ArtifactSection, 0, len(branches)),
	}
	for i, gap := range run.Context.Gaps {
		branch := branches[i]
		section := workflow.ArtifactSection{
			GapID: gap.ID,
			Skill: gap.Skill,
		}
		switch {
		case branch.Status == workflow.BranchFailed:
			section.Status = workflow.SectionFailed
			section.Error = branch.Error
		case len(branch.Results) == 0:
			section.Status = workflow.SectionNoResults
		default:
			section.Status = workflow.SectionOK
			section.Results = branch.Results
		}
		artifact.Sections = append(artifact.Sections, section)
	}
	run.Context.Artifact = artifact

	return e.requestApproval(ctx, run)
}

// requestApproval sends the approval notification exactly once per run.
// The side-effect key is claimed before sending: a step replay after a
// crash finds the key taken and skips the send.
func (e *Engine) requestApproval(ctx context.Context, run *workflow.Run) error {
	claimed, err := e.store.ClaimSideEffect(ctx, run.ID, "send_approval_request")
	if err != nil {
		return err
	}
	if !claimed {
		slog.Debug("approval request already sent", "run", run.ID)
		return nil
	}

	summary := approvalSummary(run)
	var msgRef string
	err = e.retryUpstream(ctx, "send_approval_request", func() error {
		var sendErr error
		msgRef, sendErr = e.collab.Notifier.SendApprovalRequest(ctx, run.ID, summary)
		return sendErr
	})
	if err != nil {
		return err
	}
	run.Context.ApprovalMessageRef = msgRef
	slog.Info("approval requested", "run", run.ID, "message", msgRef)
	return nil
}

// approvalSummary renders the reviewer-facing digest of the merged
// artifact. Deterministic for a given artifact.
func approvalSummary(run *workflow.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s: %d gap(s) researched.\n", run.ID, len(run.Context.Gaps))
	if run.Context.FitScore != nil {
		fmt.Fprintf(&b, "Current fit score: %d/100.\n", run.Context.FitScore.Overall)
	}
	for _, section := range run.Context.Artifact.Sections {
		switch section.Status {
		case workflow.SectionOK:
			fmt.Fprintf(&b, "- %s: %d result(s), top: %s\n",
				section.Skill, len(section.Results), section.Results[0].Title)
		case workflow.SectionNoResults:
			fmt.Fprintf(&b, "- %s: no results\n", section.Skill)
		case workflow.SectionFailed:
			fmt.Fprintf(&b, "- %s: failed (%s)\n", section.Skill, section.Error)
		}
	}
	return b.String()
}

// stepFinalize applies the approved artifact to the source document,
// recalculates the fit score over the amended document, and sends the
// completion notice. Each external effect is idempotency-guarded.
func (e *Engine) stepFinalize(ctx context.Context, run *workflow.Run) error {
	insertions := buildInsertions(run.Context.Artifact)

	claimed, err := e.store.ClaimSideEffect(ctx, run.ID, "apply_edits")
	if err != nil {
		return err
	}
	if claimed {
		var resultRef string
		err = e.retryUpstream(ctx, "apply_edits", func() error {
			var applyErr error
			resultRef, applyErr = e.collab.Documents.ApplyEdits(ctx, run.Context.Input.DocumentRef, insertions)
			return applyErr
		})
		if err != nil {
			return err
		}
		run.Context.AppliedResult = resultRef
		slog.Info("edits applied", "run", run.ID, "result", resultRef)
	}

	var final workflow.FitScore
	err = e.invokeTask(ctx, workflow.TaskScore, map[string]any{
		"source_text": run.Context.SourceText,
		"target_spec": run.Context.TargetSpec,
		"skills":      run.Context.Analysis.Skills,
		"applied":     run.Context.AppliedResult,
	}, &final)
	if err != nil {
		return err
	}
	run.Context.FinalScore = &final

	claimed, err = e.store.ClaimSideEffect(ctx, run.ID, "send_completion")
	if err != nil {
		return err
	}
	if claimed {
		summary := fmt.Sprintf("Run %s completed. Fit score %d/100.", run.ID, final.Overall)
		err = e.retryUpstream(ctx, "send_completion", func() error {
			return e.collab.Notifier.SendCompletion(ctx, run.ID, summary)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// buildInsertions renders the artifact's successful sections as
// document edits. Section order is already the deterministic gap order.
func buildInsertions(artifact *workflow.Artifact) []workflow.Insertion {
	insertions := make([]workflow.Insertion, 0, len(artifact.Sections))
	for _, section := range artifact.Sections {
		if section.Status != workflow.SectionOK {
			continue
		}
		var b strings.Builder
		for _, r := range section.Results {
			fmt.Fprintf(&b, "%d. %s (%s)\n", r.Rank, r.Title, r.URL)
			if r.Tip != "" {
				fmt.Fprintf(&b, "   %s\n", r.Tip)
			}
		}
		insertions = append(insertions, workflow.Insertion{
			Heading: fmt.Sprintf("Suggested work: %s", section.Skill),
			Body:    b.String(),
		})
	}
	return insertions
}
