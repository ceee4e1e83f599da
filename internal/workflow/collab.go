package workflow

import (
	"context"
	"encoding/json"
)

// Collaborator interfaces. These are the system's boundary: real
// deployments wire thin I/O wrappers (document stores, mail, search
// APIs) behind them; tests and local runs wire the scripted fixtures in
// internal/harness. Implementations must map their transport failures
// onto the workflow failure taxonomy (CodeNotFound, CodeSizeExceeded,
// CodeUpstreamUnavailable, ...) so the engine's retry policy applies.

// Insertion is one edit applied to the source document during
// finalizing.
type Insertion struct {
	Heading string `json:"heading"`
	Body    string `json:"body"`
}

// DocumentSource fetches and rewrites the document under review.
type DocumentSource interface {
	// FetchSourceText returns the document's plain text. Fails with
	// CodeNotFound or CodeSizeExceeded, both fatal to the run.
	FetchSourceText(ctx context.Context, ref string) (string, error)

	// ApplyEdits inserts the approved sections into the document and
	// returns a reference to the result.
	ApplyEdits(ctx context.Context, ref string, insertions []Insertion) (string, error)
}

// SpecSource resolves the target specification. When inline text is
// provided it is returned as-is without a fetch.
type SpecSource interface {
	FetchTargetSpec(ctx context.Context, ref, inline string) (string, error)
}

// TaskInvoker runs a named structured task (analysis, scoring,
// personalization) and returns its raw JSON result. The engine owns
// schema validation and the corrective-retry policy; invokers should
// pass the "correction_hint" input through to the task when present.
type TaskInvoker interface {
	InvokeStructuredTask(ctx context.Context, task string, inputs map[string]any) (json.RawMessage, error)
}

// Task names the engine invokes.
const (
	TaskAnalyze     = "analyze_target_spec"
	TaskScore       = "score_document"
	TaskPersonalize = "personalize_results"
)

// CandidateSource looks up candidate items for a gap. Search is the
// expensive broad call; FetchDetails backfills signal fields for known
// ids at a much smaller unit cost. Both are gated by the quota ledger
// before they are issued.
type CandidateSource interface {
	Search(ctx context.Context, query string, limit int) ([]Candidate, error)
	FetchDetails(ctx context.Context, ids []string) ([]Candidate, error)
}

// Notifier delivers human-facing notifications. SendApprovalRequest
// returns an opaque message reference recorded in the run context.
type Notifier interface {
	SendApprovalRequest(ctx context.Context, runID, summary string) (string, error)
	SendCompletion(ctx context.Context, runID, summary string) error
}

// Collaborators bundles the full boundary surface for injection into
// the engine. Constructed once at process start; never reached through
// ambient globals.
type Collaborators struct {
	Documents  DocumentSource
	Specs      SpecSource
	Tasks      TaskInvoker
	Candidates CandidateSource
	Notifier   Notifier
}
