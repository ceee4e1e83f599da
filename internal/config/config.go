// Package config loads gapwise configuration from YAML.
//
// Everything operators tune without a code change lives here: quota
// ceilings and per-operation unit costs, cache TTLs, fan-out
// concurrency, and the ranking weights. Defaults() is a complete,
// runnable configuration; a config file overrides only what it names.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML support for strings like
// "90m" or "24h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration.
type Config struct {
	// Concurrency bounds fan-out parallelism. Distinct from the quota
	// ceiling: concurrency bounds how many branches run at once, the
	// ledger bounds total consumption.
	Concurrency int `yaml:"concurrency"`

	// SearchLimit is the maximum raw candidates requested per gap query.
	SearchLimit int `yaml:"search_limit"`

	// ResultsPerGap is how many ranked candidates each gap keeps.
	ResultsPerGap int `yaml:"results_per_gap"`

	Quota   QuotaConfig   `yaml:"quota"`
	Cache   CacheConfig   `yaml:"cache"`
	Ranking RankingConfig `yaml:"ranking"`
}

// QuotaConfig maps resource names to their periodic budgets.
type QuotaConfig struct {
	Resources map[string]ResourceBudget `yaml:"resources"`
}

// ResourceBudget is one resource's ceiling and per-operation unit
// costs. Costs are configuration, not logic: a broad search charges far
// more than a details fetch, and the exact amounts are tunable here.
type ResourceBudget struct {
	Ceiling int64            `yaml:"ceiling"`
	Costs   map[string]int64 `yaml:"costs"`
}

// Cost returns the unit cost for an operation, defaulting to 1 for
// operations the config does not name.
func (b ResourceBudget) Cost(op string) int64 {
	if c, ok := b.Costs[op]; ok {
		return c
	}
	return 1
}

// CacheConfig holds per-kind TTLs for the result cache.
type CacheConfig struct {
	SearchTTL  Duration `yaml:"search_ttl"`
	DetailsTTL Duration `yaml:"details_ttl"`
}

// RankingConfig holds the independently tunable ranking signal terms.
type RankingConfig struct {
	// MinDurationSeconds is the hard filter: candidates shorter than
	// this are excluded before scoring, not merely down-ranked.
	MinDurationSeconds int `yaml:"min_duration_seconds"`

	// WilsonZ is the z value for the confidence-adjusted engagement
	// ratio lower bound. 1.96 is a 95% interval.
	WilsonZ float64 `yaml:"wilson_z"`

	// PriorWeight is the pseudo-sample size used when shrinking a
	// candidate's raw ratio toward the population prior.
	PriorWeight float64 `yaml:"prior_weight"`

	// RecencyThresholdDays and RecencyHalfLifeDays shape the decay:
	// no penalty under the threshold, exponential half-life beyond it.
	RecencyThresholdDays int `yaml:"recency_threshold_days"`
	RecencyHalfLifeDays  int `yaml:"recency_half_life_days"`

	// RatioWeight and VelocityWeight blend the two main score terms.
	RatioWeight    float64 `yaml:"ratio_weight"`
	VelocityWeight float64 `yaml:"velocity_weight"`

	// KeywordBonus is the additive bonus per matched keyword, capped at
	// KeywordBonusCap. Keywords mark hands-on, practical content.
	KeywordBonus    float64  `yaml:"keyword_bonus"`
	KeywordBonusCap float64  `yaml:"keyword_bonus_cap"`
	Keywords        []string `yaml:"keywords"`

	// BoostMin and BoostMax clamp caller-supplied per-source boosts so
	// no single preference can dominate or zero out a result.
	BoostMin float64 `yaml:"boost_min"`
	BoostMax float64 `yaml:"boost_max"`
}

// Resource and operation names used by the branch executor.
const (
	ResourceCandidateAPI = "candidate_api"
	OpSearch             = "search"
	OpDetails            = "details"
)

// Defaults returns the complete default configuration.
func Defaults() Config {
	return Config{
		Concurrency:   4,
		SearchLimit:   8,
		ResultsPerGap: 3,
		Quota: QuotaConfig{
			Resources: map[string]ResourceBudget{
				ResourceCandidateAPI: {
					Ceiling: 10000,
					Costs: map[string]int64{
						OpSearch:  100,
						OpDetails: 1,
					},
				},
			},
		},
		Cache: CacheConfig{
			SearchTTL:  Duration(1 * time.Hour),
			DetailsTTL: Duration(24 * time.Hour),
		},
		Ranking: RankingConfig{
			MinDurationSeconds:   15 * 60,
			WilsonZ:              1.96,
			PriorWeight:          50,
			RecencyThresholdDays: 365 * 3,
			RecencyHalfLifeDays:  365 * 4,
			RatioWeight:          0.7,
			VelocityWeight:       0.3,
			KeywordBonus:         0.02,
			KeywordBonusCap:      0.12,
			Keywords: []string{
				"tutorial",
				"course",
				"project",
				"hands on",
				"hands-on",
				"from scratch",
				"end to end",
				"beginner",
			},
			BoostMin: 0.5,
			BoostMax: 2.0,
		},
	}
}

// Load reads a YAML file over Defaults(). A missing path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.SearchLimit < 1 {
		return fmt.Errorf("search_limit must be >= 1, got %d", c.SearchLimit)
	}
	if c.ResultsPerGap < 1 {
		return fmt.Errorf("results_per_gap must be >= 1, got %d", c.ResultsPerGap)
	}
	for name, budget := range c.Quota.Resources {
		if budget.Ceiling < 0 {
			return fmt.Errorf("quota resource %q: ceiling must be >= 0", name)
		}
		for op, cost := range budget.Costs {
			if cost < 0 {
				return fmt.Errorf("quota resource %q: cost for %q must be >= 0", name, op)
			}
		}
	}
	if c.Ranking.BoostMin <= 0 || c.Ranking.BoostMax < c.Ranking.BoostMin {
		return fmt.Errorf("ranking boost range [%v, %v] is invalid",
			c.Ranking.BoostMin, c.Ranking.BoostMax)
	}
	return nil
}
