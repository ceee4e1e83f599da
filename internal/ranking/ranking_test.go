package ranking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calderhq/gapwise/internal/config"
	"github.com/calderhq/gapwise/internal/workflow"
)

var scoredAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testEngine() *Engine {
	return New(config.Defaults().Ranking)
}

func candidate(id string, mutate func(*workflow.Candidate)) workflow.Candidate {
	c := workflow.Candidate{
		ID:              id,
		Title:           "Terraform tutorial",
		Source:          "acme academy",
		DurationSeconds: 3600,
		Views:           10000,
		Likes:           500,
		Comments:        40,
		PublishedAt:     scoredAt.AddDate(-1, 0, 0),
	}
	if mutate != nil {
		mutate(&c)
	}
	return c
}

// TestRank_Deterministic calls Rank twice with identical inputs and
// requires identical output, including tie-break order.
func TestRank_Deterministic(t *testing.T) {
	e := testEngine()
	candidates := []workflow.Candidate{
		candidate("c", nil),
		candidate("a", nil),
		candidate("b", func(c *workflow.Candidate) { c.Likes = 900 }),
	}
	prefs := Preferences{ScoredAt: scoredAt}

	first := e.Rank(candidates, prefs)
	second := e.Rank(candidates, prefs)
	require.Equal(t, first, second)

	// "a" and "c" are byte-identical apart from their ids, so they score
	// identically and must order by ascending id.
	require.Len(t, first, 3)
	assert.Equal(t, "b", first[0].ID)
	assert.Equal(t, "a", first[1].ID)
	assert.Equal(t, "c", first[2].ID)
	assert.Equal(t, []int{1, 2, 3}, []int{first[0].Rank, first[1].Rank, first[2].Rank})
}

// TestRank_MinDurationHardFilter verifies short candidates are excluded
// before scoring, not merely down-ranked.
func TestRank_MinDurationHardFilter(t *testing.T) {
	e := testEngine()
	candidates := []workflow.Candidate{
		candidate("long", nil),
		candidate("short", func(c *workflow.Candidate) {
			c.DurationSeconds = 10 * 60
			c.Likes = 9999
			c.Views = 10000
		}),
	}

	ranked := e.Rank(candidates, Preferences{ScoredAt: scoredAt})
	require.Len(t, ranked, 1)
	assert.Equal(t, "long", ranked[0].ID)
}

func TestRank_EmptyAndAllFiltered(t *testing.T) {
	e := testEngine()
	assert.Empty(t, e.Rank(nil, Preferences{ScoredAt: scoredAt}))

	onlyShort := []workflow.Candidate{
		candidate("s", func(c *workflow.Candidate) { c.DurationSeconds = 60 }),
	}
	assert.Empty(t, e.Rank(onlyShort, Preferences{ScoredAt: scoredAt}))
}

// TestClampBoost checks the clamp at the boundaries and just outside.
func TestClampBoost(t *testing.T) {
	e := testEngine()
	tests := []struct {
		in   float64
		want float64
	}{
		{0.5, 0.5},
		{2.0, 2.0},
		{0.49, 0.5},
		{2.01, 2.0},
		{0, 0.5},
		{100, 2.0},
		{1.3, 1.3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.ClampBoost(tt.in), "clamp(%v)", tt.in)
	}
}

// TestRank_SourceBoostApplied verifies a trusted source outranks an
// otherwise-identical candidate, and that an extreme boost is clamped
// rather than letting one preference dominate outright.
func TestRank_SourceBoostApplied(t *testing.T) {
	e := testEngine()
	candidates := []workflow.Candidate{
		candidate("plain", func(c *workflow.Candidate) { c.Source = "unknown channel" }),
		candidate("boosted", func(c *workflow.Candidate) { c.Source = "Trusted Channel" }),
	}

	ranked := e.Rank(candidates, Preferences{
		ScoredAt:     scoredAt,
		SourceBoosts: map[string]float64{"trusted channel": 1000},
	})
	require.Len(t, ranked, 2)
	assert.Equal(t, "boosted", ranked[0].ID)
	// Clamped at 2.0: the boosted score can be at most 2x the plain one.
	assert.LessOrEqual(t, ranked[0].Score, ranked[1].Score*2.0+1e-9)
}

// TestRank_WilsonPenalizesLowSample verifies an item with few total
// signals is not overrated relative to one with many, even at a higher
// raw ratio.
func TestRank_WilsonPenalizesLowSample(t *testing.T) {
	e := testEngine()
	candidates := []workflow.Candidate{
		// 9/10 likes: raw ratio 0.9 but tiny sample.
		candidate("tiny", func(c *workflow.Candidate) {
			c.Views = 10
			c.Likes = 9
			c.Comments = 0
		}),
		// 40000/50000 ratio 0.8 with a large sample.
		candidate("large", func(c *workflow.Candidate) {
			c.Views = 50000
			c.Likes = 40000
			c.Comments = 0
		}),
	}

	ranked := e.Rank(candidates, Preferences{ScoredAt: scoredAt})
	require.Len(t, ranked, 2)
	assert.Equal(t, "large", ranked[0].ID)
}

// TestRank_RecencyDecay verifies no penalty under the threshold and a
// mild, never-zero penalty past it.
func TestRank_RecencyDecay(t *testing.T) {
	e := testEngine()
	fresh := candidate("fresh", func(c *workflow.Candidate) {
		c.PublishedAt = scoredAt.AddDate(-2, 0, 0)
	})
	old := candidate("old", func(c *workflow.Candidate) {
		c.PublishedAt = scoredAt.AddDate(-8, 0, 0)
	})

	ranked := e.Rank([]workflow.Candidate{old, fresh}, Preferences{ScoredAt: scoredAt})
	require.Len(t, ranked, 2)
	assert.Equal(t, "fresh", ranked[0].ID)
	assert.Greater(t, ranked[1].Score, 0.0, "decay never drives a score to zero")
}

// TestRank_KeywordBonusCapped verifies stuffing every keyword into the
// text cannot add more than the cap.
func TestRank_KeywordBonusCapped(t *testing.T) {
	cfg := config.Defaults().Ranking
	e := New(cfg)

	plain := candidate("plain", func(c *workflow.Candidate) {
		c.Title = "some video"
		c.Description = ""
	})
	stuffed := candidate("stuffed", func(c *workflow.Candidate) {
		c.Title = "tutorial course project hands on hands-on from scratch end to end beginner"
		c.Description = ""
	})

	ranked := e.Rank([]workflow.Candidate{plain, stuffed}, Preferences{ScoredAt: scoredAt})
	require.Len(t, ranked, 2)
	assert.Equal(t, "stuffed", ranked[0].ID)
	assert.LessOrEqual(t, ranked[0].Score-ranked[1].Score, cfg.KeywordBonusCap+1e-9)
}

// TestRank_Limit verifies truncation happens after ordering and ranks
// stay 1-based over the truncated list.
func TestRank_Limit(t *testing.T) {
	e := testEngine()
	candidates := []workflow.Candidate{
		candidate("a", nil),
		candidate("b", func(c *workflow.Candidate) { c.Likes = 800 }),
		candidate("c", func(c *workflow.Candidate) { c.Likes = 700 }),
		candidate("d", func(c *workflow.Candidate) { c.Likes = 600 }),
	}

	ranked := e.Rank(candidates, Preferences{ScoredAt: scoredAt, Limit: 2})
	require.Len(t, ranked, 2)
	assert.Equal(t, "b", ranked[0].ID)
	assert.Equal(t, "c", ranked[1].ID)
	assert.Equal(t, 1, ranked[0].Rank)
	assert.Equal(t, 2, ranked[1].Rank)
}

func TestWilsonLower(t *testing.T) {
	// No sample: zero.
	assert.Equal(t, 0.0, wilsonLower(0, 0, 1.96))
	// Perfect small sample stays well under 1.
	assert.Less(t, wilsonLower(5, 5, 1.96), 0.7)
	// Large sample converges toward the raw proportion.
	assert.InDelta(t, 0.8, wilsonLower(80000, 100000, 1.96), 0.01)
	// Monotone in sample size at fixed ratio.
	assert.Less(t, wilsonLower(8, 10, 1.96), wilsonLower(800, 1000, 1.96))
}

func TestShrink(t *testing.T) {
	// No sample: prior wins outright.
	assert.Equal(t, 0.05, shrink(0.9, 0, 0.05, 50))
	// Large sample: value dominates.
	assert.InDelta(t, 0.9, shrink(0.9, 1e6, 0.05, 50), 0.001)
	// Blend is between value and prior.
	mid := shrink(0.9, 50, 0.05, 50)
	assert.Greater(t, mid, 0.05)
	assert.Less(t, mid, 0.9)
}
