package workflow

import (
	"time"
)

// RunState is the orchestrator's state machine vocabulary.
//
// The happy path is a strict linear progression:
//
//	created → ingesting → analyzing → scoring → fanning_out →
//	collecting → awaiting_approval → finalizing → completed
//
// failed is a parallel terminal reachable from any non-terminal state.
// awaiting_approval is the only state where a run is durably suspended
// waiting for an external signal; every other transition is driven by
// completion of the previous step.
type RunState string

const (
	StateCreated          RunState = "created"
	StateIngesting        RunState = "ingesting"
	StateAnalyzing        RunState = "analyzing"
	StateScoring          RunState = "scoring"
	StateFanningOut       RunState = "fanning_out"
	StateCollecting       RunState = "collecting"
	StateAwaitingApproval RunState = "awaiting_approval"
	StateFinalizing       RunState = "finalizing"
	StateCompleted        RunState = "completed"
	StateFailed           RunState = "failed"
)

// OrderedStates lists every state in progression order, terminals last.
// The engine's step table is keyed off this ordering.
var OrderedStates = []RunState{
	StateCreated,
	StateIngesting,
	StateAnalyzing,
	StateScoring,
	StateFanningOut,
	StateCollecting,
	StateAwaitingApproval,
	StateFinalizing,
	StateCompleted,
	StateFailed,
}

// Terminal reports whether the state accepts no further transitions.
func (s RunState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Valid reports whether s is a known state.
func (s RunState) Valid() bool {
	for _, known := range OrderedStates {
		if s == known {
			return true
		}
	}
	return false
}

// Decision is the approval verdict delivered to a suspended run.
// Authentication of the decision's sender is the approval surface's
// responsibility; the engine only checks that a decision arrived for a
// run that is actually awaiting one.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// Run is one workflow execution. Owned exclusively by the engine and
// mutated only through state transitions; history is append-only in the
// checkpoint store, so a Run value is always "latest snapshot".
type Run struct {
	ID        string    `json:"id"`
	State     RunState  `json:"state"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Context   Context   `json:"context"`
}

// RunInput is the caller-supplied seed for a new run.
type RunInput struct {
	// DocumentRef identifies the source document to review.
	DocumentRef string `json:"document_ref"`

	// TargetSpecRef points at the specification the document is reviewed
	// against. Exactly one of TargetSpecRef / TargetSpecText is required;
	// inline text wins when both are set.
	TargetSpecRef  string `json:"target_spec_ref,omitempty"`
	TargetSpecText string `json:"target_spec_text,omitempty"`

	// SourceBoosts are per-source preference multipliers applied during
	// ranking. Values are clamped to the engine's bounded range before
	// scoring, so callers cannot zero out or dominate results.
	SourceBoosts map[string]float64 `json:"source_boosts,omitempty"`
}

// Context is the run's accumulated working data. It is the payload of
// every checkpoint snapshot: a crash after any persisted transition
// resumes from exactly this structure.
type Context struct {
	Input RunInput `json:"input"`

	// StartedAt anchors every time-dependent computation in the run
	// (recency decay, engagement velocity), so replays and resumed
	// drives score candidates identically.
	StartedAt time.Time `json:"started_at"`

	SourceText string `json:"source_text,omitempty"`
	TargetSpec string `json:"target_spec,omitempty"`

	Analysis *Analysis `json:"analysis,omitempty"`
	FitScore *FitScore `json:"fit_score,omitempty"`

	// Gaps is fixed when the run leaves analyzing/scoring and ordered by
	// gap identifier. Branches is the arena of per-branch slots, index-
	// aligned with Gaps; during fan-out each branch writes only its own
	// slot and the collecting barrier is the single merge point.
	Gaps     []Gap       `json:"gaps,omitempty"`
	Branches []GapBranch `json:"branches,omitempty"`

	Artifact *Artifact `json:"artifact,omitempty"`

	// Approval bookkeeping.
	ApprovalMessageRef string   `json:"approval_message_ref,omitempty"`
	Decision           Decision `json:"decision,omitempty"`

	// Finalizing output.
	AppliedResult string    `json:"applied_result,omitempty"`
	FinalScore    *FitScore `json:"final_score,omitempty"`
}

// Analysis is the structured result of analyzing the target spec.
type Analysis struct {
	RoleTitle string   `json:"role_title"`
	Skills    []string `json:"skills"`
	Summary   string   `json:"summary,omitempty"`
}

// FitScore is the structured result of scoring the document against the
// target spec. Overall is a 0–100 fit percentage.
type FitScore struct {
	Overall       int      `json:"overall"`
	MissingSkills []string `json:"missing_skills"`
	Notes         string   `json:"notes,omitempty"`
}

// Gap is one identified shortfall between document and target spec,
// paired with the search query the branch executor will run for it.
type Gap struct {
	// ID is the canonical gap identifier. Gap IDs are unique within a
	// run and define the deterministic merge order at the barrier.
	ID    string `json:"id"`
	Skill string `json:"skill"`
	Query string `json:"query"`
}

// BranchStatus tracks one fan-out unit through its lifecycle.
type BranchStatus string

const (
	BranchPending BranchStatus = "pending"
	BranchRunning BranchStatus = "running"
	BranchDone    BranchStatus = "done"
	BranchFailed  BranchStatus = "failed"
)

// GapBranch is one fan-out unit of work. Immutable once Status reaches
// done or failed.
type GapBranch struct {
	RunID   string            `json:"run_id"`
	GapID   string            `json:"gap_id"`
	Status  BranchStatus      `json:"status"`
	Results []RankedCandidate `json:"results,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Candidate is one raw item returned by the candidate source, carrying
// the signal fields the ranking engine scores.
type Candidate struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	URL             string    `json:"url,omitempty"`
	Source          string    `json:"source,omitempty"`
	DurationSeconds int       `json:"duration_seconds"`
	Views           int64     `json:"views"`
	Likes           int64     `json:"likes"`
	Comments        int64     `json:"comments"`
	PublishedAt     time.Time `json:"published_at"`
}

// RankedCandidate is a candidate with its computed composite score and
// 1-based rank. Tip is a deterministic per-candidate suggestion carried
// into the merged artifact.
type RankedCandidate struct {
	Candidate
	Score float64 `json:"score"`
	Rank  int     `json:"rank"`
	Tip   string  `json:"tip,omitempty"`
}

// Artifact is the merged fan-out result presented for approval. Sections
// are in gap-identifier order regardless of branch completion order, so
// the artifact is byte-identical across replays of the same inputs.
type Artifact struct {
	RunID    string            `json:"run_id"`
	Sections []ArtifactSection `json:"sections"`
}

// SectionStatus marks how a section's branch ended.
type SectionStatus string

const (
	SectionOK        SectionStatus = "ok"
	SectionNoResults SectionStatus = "no_results"
	SectionFailed    SectionStatus = "failed"
)

// ArtifactSection is the per-gap portion of the merged artifact. A gap
// whose branch failed or found nothing is still present, marked rather
// than silently omitted.
type ArtifactSection struct {
	GapID   string            `json:"gap_id"`
	Skill   string            `json:"skill"`
	Status  SectionStatus     `json:"status"`
	Error   string            `json:"error,omitempty"`
	Results []RankedCandidate `json:"results,omitempty"`
}
