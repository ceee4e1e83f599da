package harness

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/calderhq/gapwise/internal/workflow"
)

// Snapshot is the stable projection of a run compared against golden
// files. Floating-point scores are deliberately excluded; section order
// and 1-based ranks carry the same ordering information reproducibly.
type Snapshot struct {
	Fixture       string            `json:"fixture"`
	RunID         string            `json:"run_id"`
	State         string            `json:"state"`
	LastError     string            `json:"last_error,omitempty"`
	Decision      string            `json:"decision,omitempty"`
	FitScore      int               `json:"fit_score,omitempty"`
	FinalScore    int               `json:"final_score,omitempty"`
	AppliedResult string            `json:"applied_result,omitempty"`
	Sections      []SectionSnapshot `json:"sections,omitempty"`
}

// SectionSnapshot is one artifact section.
type SectionSnapshot struct {
	GapID   string           `json:"gap_id"`
	Skill   string           `json:"skill"`
	Status  string           `json:"status"`
	Error   string           `json:"error,omitempty"`
	Results []ResultSnapshot `json:"results,omitempty"`
}

// ResultSnapshot is one ranked candidate.
type ResultSnapshot struct {
	Rank  int    `json:"rank"`
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url,omitempty"`
	Tip   string `json:"tip,omitempty"`
}

// TakeSnapshot projects the run for golden comparison.
func TakeSnapshot(r *Result) Snapshot {
	run := r.Run
	snap := Snapshot{
		Fixture:       r.Fixture.Name,
		RunID:         run.ID,
		State:         string(run.State),
		LastError:     run.LastError,
		Decision:      string(run.Context.Decision),
		AppliedResult: run.Context.AppliedResult,
	}
	if run.Context.FitScore != nil {
		snap.FitScore = run.Context.FitScore.Overall
	}
	if run.Context.FinalScore != nil {
		snap.FinalScore = run.Context.FinalScore.Overall
	}
	if run.Context.Artifact != nil {
		for _, section := range run.Context.Artifact.Sections {
			snap.Sections = append(snap.Sections, sectionSnapshot(section))
		}
	}
	return snap
}

func sectionSnapshot(section workflow.ArtifactSection) SectionSnapshot {
	out := SectionSnapshot{
		GapID:  section.GapID,
		Skill:  section.Skill,
		Status: string(section.Status),
		Error:  section.Error,
	}
	for _, r := range section.Results {
		out.Results = append(out.Results, ResultSnapshot{
			Rank:  r.Rank,
			ID:    r.ID,
			Title: r.Title,
			URL:   r.URL,
			Tip:   r.Tip,
		})
	}
	return out
}

// VerifySnapshot compares the run snapshot against
// testdata/golden/<name>.golden.json. Regenerate with -update.
func VerifySnapshot(t *testing.T, name string, r *Result) {
	t.Helper()
	blob, err := json.MarshalIndent(TakeSnapshot(r), "", "  ")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden.json"),
	)
	g.Assert(t, name, append(blob, '\n'))
}
