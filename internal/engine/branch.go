package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/calderhq/gapwise/internal/cache"
	"github.com/calderhq/gapwise/internal/config"
	"github.com/calderhq/gapwise/internal/ranking"
	"github.com/calderhq/gapwise/internal/workflow"
)

// runBranches executes every unfinished branch under the configured
// concurrency bound and waits at the barrier.
//
// Each goroutine writes only its own slot in run.Context.Branches;
// wg.Wait is the synchronization point that publishes the slots back to
// the single sequencer. Branches already done or failed (a crash-resume
// re-entering fan-out) are skipped, keeping the step idempotent-enough
// to replay.
func (e *Engine) runBranches(ctx context.Context, run *workflow.Run) {
	prefs := ranking.Preferences{
		ScoredAt:     run.Context.StartedAt,
		SourceBoosts: foldBoosts(run.Context.Input.SourceBoosts),
		Limit:        e.cfg.ResultsPerGap,
	}

	sem := make(chan struct{}, e.cfg.Concurrency)
	var wg sync.WaitGroup
	for i := range run.Context.Branches {
		branch := &run.Context.Branches[i]
		if branch.Status == workflow.BranchDone || branch.Status == workflow.BranchFailed {
			continue
		}
		gap := run.Context.Gaps[i]

		wg.Add(1)
		go func() {
			defer wg.Done()

			// Cooperative cancellation at the branch boundary.
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				branch.Status = workflow.BranchFailed
				branch.Error = workflow.NewError(workflow.CodeCancelled, "branch abandoned").Error()
				return
			}
			defer func() { <-sem }()

			branch.Status = workflow.BranchRunning
			start := time.Now()
			results, err := e.executeBranch(ctx, gap, prefs)
			e.metrics.BranchSeconds.Observe(time.Since(start).Seconds())

			if err != nil {
				branch.Status = workflow.BranchFailed
				branch.Error = err.Error()
				e.metrics.BranchesFailed.Inc()
				slog.Warn("branch failed", "run", run.ID, "gap", gap.ID, "error", err)
				return
			}
			branch.Status = workflow.BranchDone
			branch.Results = results
			e.metrics.BranchesDone.Inc()
			slog.Debug("branch done", "run", run.ID, "gap", gap.ID, "results", len(results))
		}()
	}
	wg.Wait()
}

// executeBranch is one fan-out unit: query → fetch candidates → score →
// enrich. All external access goes through the result cache, and every
// cache miss through the quota ledger.
func (e *Engine) executeBranch(ctx context.Context, gap workflow.Gap, prefs ranking.Preferences) ([]workflow.RankedCandidate, error) {
	candidates, err := e.lookupCandidates(ctx, gap)
	if err != nil {
		return nil, err
	}

	prefs.SkillHint = gap.Skill
	ranked := e.ranker.Rank(candidates, prefs)
	e.personalize(ctx, gap, ranked)
	return ranked, nil
}

// personalize asks the task invoker for per-candidate tips. The task is
// best-effort: any failure falls back to the deterministic template, so
// a degraded invoker cannot fail a branch that already has results.
func (e *Engine) personalize(ctx context.Context, gap workflow.Gap, ranked []workflow.RankedCandidate) {
	if len(ranked) == 0 {
		return
	}
	titles := make([]string, len(ranked))
	for i, r := range ranked {
		titles[i] = r.Title
	}
	var out struct {
		Tips []string `json:"tips"`
	}
	err := e.invokeTask(ctx, workflow.TaskPersonalize, map[string]any{
		"skill":  gap.Skill,
		"titles": titles,
	}, &out)
	if err != nil {
		slog.Debug("personalization unavailable, using template tips", "gap", gap.ID, "error", err)
	}
	for i := range ranked {
		if err == nil && i < len(out.Tips) && out.Tips[i] != "" {
			ranked[i].Tip = out.Tips[i]
			continue
		}
		ranked[i].Tip = personalizationTip(gap.Skill, ranked[i].Candidate)
	}
}

// lookupCandidates resolves the gap's query to enriched candidates via
// the read-through cache. A cache hit bypasses the quota ledger
// entirely; a miss is admission-checked before the search call is
// issued, and denial fails the branch without retry.
func (e *Engine) lookupCandidates(ctx context.Context, gap workflow.Gap) ([]workflow.Candidate, error) {
	key := cache.Key(config.OpSearch, gap.Query)
	if blob, ok := e.results.Get(ctx, key); ok {
		var cached []workflow.Candidate
		if err := json.Unmarshal(blob, &cached); err == nil {
			return cached, nil
		}
		// Undecodable entry: treat as a miss and overwrite below.
		slog.Warn("discarding undecodable cache entry", "key", key)
	}

	if err := e.consume(config.OpSearch); err != nil {
		return nil, err
	}
	var stubs []workflow.Candidate
	err := e.retryUpstream(ctx, "search", func() error {
		var searchErr error
		stubs, searchErr = e.collab.Candidates.Search(ctx, gap.Query, e.cfg.SearchLimit)
		return searchErr
	})
	if err != nil {
		return nil, err
	}

	enriched, err := e.enrich(ctx, stubs)
	if err != nil {
		return nil, err
	}

	if blob, err := json.Marshal(enriched); err == nil {
		e.results.Set(ctx, key, blob, e.cfg.Cache.SearchTTL.Std())
	}
	return enriched, nil
}

// enrich backfills signal fields for search stubs via the details
// call. Details are cached per candidate id at the longer details TTL,
// and only uncached ids are fetched, in one batched call.
func (e *Engine) enrich(ctx context.Context, stubs []workflow.Candidate) ([]workflow.Candidate, error) {
	details := make(map[string]workflow.Candidate, len(stubs))
	var need []string
	for _, stub := range stubs {
		if stub.ID == "" {
			continue
		}
		dkey := cache.Key(config.OpDetails, stub.ID)
		blob, ok := e.results.Get(ctx, dkey)
		if !ok {
			need = append(need, stub.ID)
			continue
		}
		var detail workflow.Candidate
		if err := json.Unmarshal(blob, &detail); err != nil {
			need = append(need, stub.ID)
			continue
		}
		details[detail.ID] = detail
	}

	if len(need) > 0 {
		if err := e.consume(config.OpDetails); err != nil {
			return nil, err
		}
		var fetched []workflow.Candidate
		err := e.retryUpstream(ctx, "fetch_details", func() error {
			var fetchErr error
			fetched, fetchErr = e.collab.Candidates.FetchDetails(ctx, need)
			return fetchErr
		})
		if err != nil {
			return nil, err
		}
		for _, detail := range fetched {
			details[detail.ID] = detail
			if blob, err := json.Marshal(detail); err == nil {
				e.results.Set(ctx, cache.Key(config.OpDetails, detail.ID), blob, e.cfg.Cache.DetailsTTL.Std())
			}
		}
	}

	// Stub order is the source's relevance order; keep it.
	enriched := make([]workflow.Candidate, 0, len(stubs))
	for _, stub := range stubs {
		if detail, ok := details[stub.ID]; ok {
			enriched = append(enriched, detail)
			continue
		}
		enriched = append(enriched, stub)
	}
	return enriched, nil
}

// consume charges one operation against the candidate API budget.
// Denial is a QuotaExhausted branch failure: retrying cannot help until
// the period rolls over.
func (e *Engine) consume(op string) error {
	budget := e.cfg.Quota.Resources[config.ResourceCandidateAPI]
	cost := budget.Cost(op)
	if !e.ledger.TryConsume(config.ResourceCandidateAPI, cost) {
		e.metrics.QuotaDenied.WithLabelValues(config.ResourceCandidateAPI).Inc()
		return workflow.NewError(workflow.CodeQuotaExhausted,
			"budget exhausted for %s (%d units, %d remaining)",
			op, cost, e.ledger.Remaining(config.ResourceCandidateAPI))
	}
	e.metrics.QuotaGranted.WithLabelValues(config.ResourceCandidateAPI).Add(float64(cost))
	return nil
}

// foldBoosts folds caller-supplied source names to lower case. Values
// pass through untouched; the ranking engine clamps every boost into
// its bounded range, so a zero or negative preference lands on the
// floor rather than silently reverting to neutral.
func foldBoosts(boosts map[string]float64) map[string]float64 {
	if len(boosts) == 0 {
		return nil
	}
	folded := make(map[string]float64, len(boosts))
	for name, boost := range boosts {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		folded[name] = boost
	}
	return folded
}

// personalizationTip renders the per-candidate suggestion carried into
// the artifact. Pure function of its inputs.
func personalizationTip(skill string, c workflow.Candidate) string {
	source := c.Source
	if source == "" {
		source = "the author"
	}
	return fmt.Sprintf("Build a highlight around %s following %s's walkthrough; cite concrete outcomes to prove hands-on depth.", skill, source)
}
