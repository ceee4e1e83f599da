// Package ranking scores candidate items for one gap into a
// deterministic ordered list.
//
// Rank is a pure function: every input that influences a score,
// including the scoring instant, arrives through its parameters, and
// ties break on a stable secondary key. The orchestrator's barrier
// merge depends on this: replaying a run over identical inputs must
// produce a byte-identical artifact regardless of branch completion
// order.
package ranking

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/calderhq/gapwise/internal/config"
	"github.com/calderhq/gapwise/internal/workflow"
)

// Preferences are the caller-supplied knobs for one Rank call.
type Preferences struct {
	// ScoredAt anchors recency decay and velocity. Callers pass a fixed
	// instant (the run's fan-out time) so replays score identically.
	ScoredAt time.Time

	// SourceBoosts are per-source multipliers, keyed by folded source
	// name. Values are clamped into the configured bounded range before
	// use; out-of-range preferences cannot dominate or zero out a
	// result.
	SourceBoosts map[string]float64

	// SkillHint, when present in a candidate's text, earns the
	// candidate a small relevance bonus.
	SkillHint string

	// Limit truncates the ranked output. Zero means no truncation.
	Limit int
}

// Engine holds the tunable signal terms. It carries no mutable state;
// a single Engine is safe for concurrent use across branches.
type Engine struct {
	cfg config.RankingConfig
}

// New creates a ranking engine with the given signal configuration.
func New(cfg config.RankingConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Rank filters, scores, and orders candidates.
//
// Candidates below the hard minimum-duration filter are excluded before
// scoring. The remainder are scored by a composite of:
//
//   - Wilson lower bound of the like/view ratio (confidence-adjusted so
//     low-sample items are not overrated),
//   - shrinkage of that bound toward the population-average ratio,
//     weighted by sample size,
//   - engagement velocity (log-scaled signals per day since publish),
//   - additive keyword bonus for hands-on content markers,
//   - multiplicative recency decay past the age threshold,
//   - multiplicative per-source preference boost, clamped.
//
// Ordering is descending score with ties broken by ascending candidate
// identifier. Ranks are 1-based.
func (e *Engine) Rank(candidates []workflow.Candidate, prefs Preferences) []workflow.RankedCandidate {
	eligible := make([]workflow.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.DurationSeconds < e.cfg.MinDurationSeconds {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return []workflow.RankedCandidate{}
	}

	prior := populationPrior(eligible)

	ranked := make([]workflow.RankedCandidate, 0, len(eligible))
	for _, c := range eligible {
		ranked = append(ranked, workflow.RankedCandidate{
			Candidate: c,
			Score:     e.score(c, prior, prefs),
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].ID < ranked[j].ID
	})

	if prefs.Limit > 0 && len(ranked) > prefs.Limit {
		ranked = ranked[:prefs.Limit]
	}
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked
}

// score computes the composite score for one candidate.
func (e *Engine) score(c workflow.Candidate, prior float64, prefs Preferences) float64 {
	n := float64(c.Views)
	wilson := wilsonLower(float64(c.Likes), n, e.cfg.WilsonZ)
	shrunk := shrink(wilson, n, prior, e.cfg.PriorWeight)
	vel := velocity(c, prefs.ScoredAt)

	base := e.cfg.RatioWeight*shrunk + e.cfg.VelocityWeight*vel
	base += e.keywordBonus(c, prefs.SkillHint)

	return base * e.recency(c.PublishedAt, prefs.ScoredAt) * e.sourceBoost(c.Source, prefs.SourceBoosts)
}

// wilsonLower returns the lower bound of the Wilson score interval for
// a proportion of positive successes out of n trials. Returns 0 when
// there is no sample.
func wilsonLower(positive, n, z float64) float64 {
	if n <= 0 {
		return 0
	}
	if positive < 0 {
		positive = 0
	}
	if positive > n {
		positive = n
	}
	p := positive / n
	z2 := z * z
	denom := 1 + z2/n
	center := p + z2/(2*n)
	margin := z * math.Sqrt(p*(1-p)/n+z2/(4*n*n))
	lower := (center - margin) / denom
	if lower < 0 {
		return 0
	}
	return lower
}

// shrink blends a sample statistic toward the population prior,
// weighted by sample size. With no sample the prior wins outright;
// large samples dominate the prior.
func shrink(value, n, prior, priorWeight float64) float64 {
	if n < 0 {
		n = 0
	}
	if n+priorWeight == 0 {
		return value
	}
	return (n*value + priorWeight*prior) / (n + priorWeight)
}

// populationPrior is the average like/view ratio across the eligible
// set. Computed from the input alone, so identical inputs produce an
// identical prior.
func populationPrior(candidates []workflow.Candidate) float64 {
	var likes, views float64
	for _, c := range candidates {
		if c.Views > 0 {
			likes += float64(c.Likes)
			views += float64(c.Views)
		}
	}
	if views == 0 {
		return 0
	}
	return likes / views
}

// velocity maps engagement per day since publish into [0, 1). The log
// scale keeps viral outliers from drowning the ratio term; the ratio
// x/(1+x) bounds it without coupling candidates to each other.
func velocity(c workflow.Candidate, at time.Time) float64 {
	if c.PublishedAt.IsZero() || !c.PublishedAt.Before(at) {
		return 0
	}
	days := at.Sub(c.PublishedAt).Hours() / 24
	if days < 1 {
		days = 1
	}
	perDay := float64(c.Likes+c.Comments) / days
	scaled := math.Log1p(perDay)
	return scaled / (1 + scaled)
}

// recency is 1 under the age threshold, then an exponential half-life
// decay. The decay never drives a score to zero.
func (e *Engine) recency(published, at time.Time) float64 {
	if published.IsZero() || !published.Before(at) {
		return 1
	}
	days := int(at.Sub(published).Hours() / 24)
	over := days - e.cfg.RecencyThresholdDays
	if over <= 0 {
		return 1
	}
	return math.Exp(-math.Ln2 * float64(over) / float64(e.cfg.RecencyHalfLifeDays))
}

// sourceBoost looks up the candidate's per-source multiplier, clamped
// into the configured range. Unknown sources get 1.0.
func (e *Engine) sourceBoost(source string, boosts map[string]float64) float64 {
	name := strings.ToLower(strings.TrimSpace(source))
	if name == "" || boosts == nil {
		return 1
	}
	boost, ok := boosts[name]
	if !ok {
		return 1
	}
	return e.ClampBoost(boost)
}

// ClampBoost bounds a preference multiplier into [BoostMin, BoostMax].
func (e *Engine) ClampBoost(boost float64) float64 {
	if boost < e.cfg.BoostMin {
		return e.cfg.BoostMin
	}
	if boost > e.cfg.BoostMax {
		return e.cfg.BoostMax
	}
	return boost
}

// keywordBonus is a small additive bonus for content markers, capped so
// keyword stuffing cannot outrun real engagement signal. A skill hint
// appearing in the text earns one extra keyword's worth of bonus.
func (e *Engine) keywordBonus(c workflow.Candidate, skillHint string) float64 {
	text := strings.ToLower(c.Title + " " + c.Description)
	hits := 0
	for _, kw := range e.cfg.Keywords {
		if kw != "" && strings.Contains(text, kw) {
			hits++
		}
	}
	bonus := float64(hits) * e.cfg.KeywordBonus
	if bonus > e.cfg.KeywordBonusCap {
		bonus = e.cfg.KeywordBonusCap
	}
	if skillHint != "" && strings.Contains(text, strings.ToLower(skillHint)) {
		bonus += e.cfg.KeywordBonus
	}
	return bonus
}
