package cli

import (
	"fmt"
	"strings"

	"github.com/calderhq/gapwise/internal/workflow"
)

// runView is the command-facing projection of a run, shared by the
// run, resume, cancel, and status commands.
type runView struct {
	ID                 string        `json:"id"`
	State              string        `json:"state"`
	LastError          string        `json:"last_error,omitempty"`
	FitScore           *int          `json:"fit_score,omitempty"`
	FinalScore         *int          `json:"final_score,omitempty"`
	Decision           string        `json:"decision,omitempty"`
	ApprovalMessageRef string        `json:"approval_message_ref,omitempty"`
	AppliedResult      string        `json:"applied_result,omitempty"`
	Sections           []sectionView `json:"sections,omitempty"`
}

type sectionView struct {
	GapID   string       `json:"gap_id"`
	Skill   string       `json:"skill"`
	Status  string       `json:"status"`
	Error   string       `json:"error,omitempty"`
	Results []resultView `json:"results,omitempty"`
}

type resultView struct {
	Rank  int    `json:"rank"`
	Title string `json:"title"`
	URL   string `json:"url,omitempty"`
	Tip   string `json:"tip,omitempty"`
}

func newRunView(run workflow.Run) runView {
	v := runView{
		ID:                 run.ID,
		State:              string(run.State),
		LastError:          run.LastError,
		Decision:           string(run.Context.Decision),
		ApprovalMessageRef: run.Context.ApprovalMessageRef,
		AppliedResult:      run.Context.AppliedResult,
	}
	if run.Context.FitScore != nil {
		v.FitScore = &run.Context.FitScore.Overall
	}
	if run.Context.FinalScore != nil {
		v.FinalScore = &run.Context.FinalScore.Overall
	}
	if run.Context.Artifact != nil {
		for _, section := range run.Context.Artifact.Sections {
			sv := sectionView{
				GapID:  section.GapID,
				Skill:  section.Skill,
				Status: string(section.Status),
				Error:  section.Error,
			}
			for _, r := range section.Results {
				sv.Results = append(sv.Results, resultView{
					Rank:  r.Rank,
					Title: r.Title,
					URL:   r.URL,
					Tip:   r.Tip,
				})
			}
			v.Sections = append(v.Sections, sv)
		}
	}
	return v
}

// String renders the text-format view.
func (v runView) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s: %s", v.ID, v.State)
	if v.FitScore != nil {
		fmt.Fprintf(&b, " (fit %d/100)", *v.FitScore)
	}
	if v.FinalScore != nil {
		fmt.Fprintf(&b, " (final %d/100)", *v.FinalScore)
	}
	if v.LastError != "" {
		fmt.Fprintf(&b, "\n  error: %s", v.LastError)
	}
	if v.AppliedResult != "" {
		fmt.Fprintf(&b, "\n  applied: %s", v.AppliedResult)
	}
	for _, section := range v.Sections {
		fmt.Fprintf(&b, "\n  [%s] %s", section.Status, section.Skill)
		if section.Error != "" {
			fmt.Fprintf(&b, ": %s", section.Error)
		}
		for _, r := range section.Results {
			fmt.Fprintf(&b, "\n    %d. %s", r.Rank, r.Title)
			if r.URL != "" {
				fmt.Fprintf(&b, " <%s>", r.URL)
			}
		}
	}
	return b.String()
}
