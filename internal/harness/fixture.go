package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/calderhq/gapwise/internal/cache"
	"github.com/calderhq/gapwise/internal/workflow"
)

// Fixture scripts every collaborator a run touches. One Fixture value
// backs one engine; call counters make scripted failure sequences and
// side-effect assertions possible.
type Fixture struct {
	// Name uniquely identifies this fixture and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this fixture exercises.
	Description string `yaml:"description,omitempty"`

	// SourceText is the document under review. SourceError, when set,
	// makes the fetch fail with that failure code instead.
	SourceText  string `yaml:"source_text"`
	SourceError string `yaml:"source_error,omitempty"`

	// TargetSpec is returned for by-reference spec fetches. Inline spec
	// text in the run input bypasses it.
	TargetSpec string `yaml:"target_spec"`

	// Tasks scripts structured task invocations by task name.
	Tasks map[string]TaskScript `yaml:"tasks"`

	// Searches scripts candidate lookups. Queries are matched after
	// normalization, the same canonicalization the result cache keys by.
	Searches []SearchScript `yaml:"searches,omitempty"`

	mu          sync.Mutex
	taskCalls   map[string]int
	searchCalls map[string]int
	details     map[string]workflow.Candidate
	searchIndex map[string]*SearchScript
	approvals   []string
	completions []string
	insertions  []workflow.Insertion
}

// TaskScript is the scripted result sequence for one task name. Call n
// past the end of the sequence replays the last entry.
type TaskScript struct {
	Results []ScriptResult `yaml:"results"`
}

// ScriptResult is one scripted outcome: either a value the engine
// decodes as the task result, or a failure-taxonomy error.
type ScriptResult struct {
	Value   map[string]any `yaml:"value,omitempty"`
	Error   string         `yaml:"error,omitempty"`
	Message string         `yaml:"message,omitempty"`
}

// SearchScript is the scripted candidate set for one query. FailFirst
// makes the first n calls fail with Error, then the candidates are
// served; with FailFirst zero a non-empty Error fails every call.
type SearchScript struct {
	Query      string         `yaml:"query"`
	Candidates []CandidateDoc `yaml:"candidates,omitempty"`
	Error      string         `yaml:"error,omitempty"`
	Message    string         `yaml:"message,omitempty"`
	FailFirst  int            `yaml:"fail_first,omitempty"`
}

// CandidateDoc is the YAML shape of one candidate.
type CandidateDoc struct {
	ID              string    `yaml:"id"`
	Title           string    `yaml:"title"`
	Description     string    `yaml:"description,omitempty"`
	URL             string    `yaml:"url,omitempty"`
	Source          string    `yaml:"source,omitempty"`
	DurationSeconds int       `yaml:"duration_seconds"`
	Views           int64     `yaml:"views"`
	Likes           int64     `yaml:"likes"`
	Comments        int64     `yaml:"comments"`
	PublishedAt     time.Time `yaml:"published_at"`
}

func (d CandidateDoc) candidate() workflow.Candidate {
	return workflow.Candidate{
		ID:              d.ID,
		Title:           d.Title,
		Description:     d.Description,
		URL:             d.URL,
		Source:          d.Source,
		DurationSeconds: d.DurationSeconds,
		Views:           d.Views,
		Likes:           d.Likes,
		Comments:        d.Comments,
		PublishedAt:     d.PublishedAt,
	}
}

var knownCodes = map[string]bool{
	string(workflow.CodeQuotaExhausted):      true,
	string(workflow.CodeUpstreamUnavailable): true,
	string(workflow.CodeSchemaViolation):     true,
	string(workflow.CodeNotFound):            true,
	string(workflow.CodeSizeExceeded):        true,
	string(workflow.CodeCancelled):           true,
	string(workflow.CodeRejected):            true,
}

// LoadFixture reads and parses a fixture YAML file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	fx, err := ParseFixture(data)
	if err != nil {
		return nil, fmt.Errorf("fixture %s: %w", path, err)
	}
	return fx, nil
}

// ParseFixture parses fixture YAML. Unknown fields are an error, so
// typos fail loudly instead of silently scripting nothing.
func ParseFixture(data []byte) (*Fixture, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var fx Fixture
	if err := dec.Decode(&fx); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	if err := fx.Validate(); err != nil {
		return nil, err
	}
	fx.index()
	return &fx, nil
}

// Validate rejects fixtures that would script an ambiguous world.
func (f *Fixture) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("name is required")
	}
	if f.SourceText == "" && f.SourceError == "" {
		return fmt.Errorf("source_text or source_error is required")
	}
	if f.SourceError != "" && !knownCodes[f.SourceError] {
		return fmt.Errorf("unknown source_error code %q", f.SourceError)
	}
	for name, task := range f.Tasks {
		if len(task.Results) == 0 {
			return fmt.Errorf("task %q: at least one result is required", name)
		}
		for i, r := range task.Results {
			if (r.Value == nil) == (r.Error == "") {
				return fmt.Errorf("task %q result %d: exactly one of value or error", name, i)
			}
			if r.Error != "" && !knownCodes[r.Error] {
				return fmt.Errorf("task %q result %d: unknown error code %q", name, i, r.Error)
			}
		}
	}

	queries := make(map[string]bool, len(f.Searches))
	ids := make(map[string]bool)
	for i, s := range f.Searches {
		if s.Query == "" {
			return fmt.Errorf("search %d: query is required", i)
		}
		norm := cache.Normalize(s.Query)
		if queries[norm] {
			return fmt.Errorf("search %d: duplicate query %q", i, s.Query)
		}
		queries[norm] = true
		if s.Error != "" && !knownCodes[s.Error] {
			return fmt.Errorf("search %d: unknown error code %q", i, s.Error)
		}
		for _, c := range s.Candidates {
			if c.ID == "" {
				return fmt.Errorf("search %d: candidate without id", i)
			}
			if ids[c.ID] {
				return fmt.Errorf("search %d: duplicate candidate id %q", i, c.ID)
			}
			ids[c.ID] = true
		}
	}
	return nil
}

// index builds the lookup tables the collaborator methods serve from.
func (f *Fixture) index() {
	f.taskCalls = make(map[string]int)
	f.searchCalls = make(map[string]int)
	f.details = make(map[string]workflow.Candidate)
	f.searchIndex = make(map[string]*SearchScript, len(f.Searches))
	for i := range f.Searches {
		s := &f.Searches[i]
		f.searchIndex[cache.Normalize(s.Query)] = s
		for _, c := range s.Candidates {
			f.details[c.ID] = c.candidate()
		}
	}
}

// Collaborators returns the engine-facing bundle, every surface served
// by this fixture.
func (f *Fixture) Collaborators() workflow.Collaborators {
	return workflow.Collaborators{
		Documents:  f,
		Specs:      f,
		Tasks:      f,
		Candidates: f,
		Notifier:   f,
	}
}

func scriptErr(code, message, fallback string) error {
	if message == "" {
		message = fallback
	}
	return workflow.NewError(workflow.FailureCode(code), "%s", message)
}

// FetchSourceText implements workflow.DocumentSource.
func (f *Fixture) FetchSourceText(_ context.Context, ref string) (string, error) {
	if f.SourceError != "" {
		return "", scriptErr(f.SourceError, "", fmt.Sprintf("scripted failure fetching %s", ref))
	}
	return f.SourceText, nil
}

// ApplyEdits implements workflow.DocumentSource. The result reference
// is deterministic so amended documents snapshot stably.
func (f *Fixture) ApplyEdits(_ context.Context, ref string, insertions []workflow.Insertion) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertions = append(f.insertions, insertions...)
	return ref + "#amended", nil
}

// FetchTargetSpec implements workflow.SpecSource.
func (f *Fixture) FetchTargetSpec(_ context.Context, ref, inline string) (string, error) {
	if inline != "" {
		return inline, nil
	}
	if f.TargetSpec == "" {
		return "", workflow.NewError(workflow.CodeNotFound, "no scripted target spec for %s", ref)
	}
	return f.TargetSpec, nil
}

// InvokeStructuredTask implements workflow.TaskInvoker.
func (f *Fixture) InvokeStructuredTask(_ context.Context, task string, _ map[string]any) (json.RawMessage, error) {
	f.mu.Lock()
	f.taskCalls[task]++
	call := f.taskCalls[task]
	script, ok := f.Tasks[task]
	f.mu.Unlock()
	if !ok {
		return nil, workflow.NewError(workflow.CodeSchemaViolation, "no scripted results for task %s", task)
	}

	idx := call - 1
	if idx >= len(script.Results) {
		idx = len(script.Results) - 1
	}
	r := script.Results[idx]
	if r.Error != "" {
		return nil, scriptErr(r.Error, r.Message, fmt.Sprintf("scripted failure for task %s call %d", task, call))
	}
	blob, err := json.Marshal(r.Value)
	if err != nil {
		return nil, fmt.Errorf("marshal scripted result for %s: %w", task, err)
	}
	return blob, nil
}

// Search implements workflow.CandidateSource. It returns id-only stubs;
// signal fields arrive via FetchDetails, matching the two-phase shape
// of real candidate APIs.
func (f *Fixture) Search(_ context.Context, query string, limit int) ([]workflow.Candidate, error) {
	norm := cache.Normalize(query)
	f.mu.Lock()
	f.searchCalls[norm]++
	call := f.searchCalls[norm]
	script := f.searchIndex[norm]
	f.mu.Unlock()
	if script == nil {
		return nil, fmt.Errorf("harness: no scripted search for query %q", query)
	}
	if script.Error != "" && (script.FailFirst == 0 || call <= script.FailFirst) {
		return nil, scriptErr(script.Error, script.Message, fmt.Sprintf("scripted search failure for %q", query))
	}

	stubs := make([]workflow.Candidate, 0, len(script.Candidates))
	for _, c := range script.Candidates {
		if len(stubs) == limit {
			break
		}
		stubs = append(stubs, workflow.Candidate{ID: c.ID})
	}
	return stubs, nil
}

// FetchDetails implements workflow.CandidateSource.
func (f *Fixture) FetchDetails(_ context.Context, ids []string) ([]workflow.Candidate, error) {
	out := make([]workflow.Candidate, 0, len(ids))
	for _, id := range ids {
		detail, ok := f.details[id]
		if !ok {
			return nil, fmt.Errorf("harness: no scripted details for candidate %q", id)
		}
		out = append(out, detail)
	}
	return out, nil
}

// SendApprovalRequest implements workflow.Notifier.
func (f *Fixture) SendApprovalRequest(_ context.Context, runID, summary string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvals = append(f.approvals, summary)
	return "approval-" + runID, nil
}

// SendCompletion implements workflow.Notifier.
func (f *Fixture) SendCompletion(_ context.Context, runID, summary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions = append(f.completions, summary)
	return nil
}

// Approvals returns the approval summaries sent so far.
func (f *Fixture) Approvals() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.approvals...)
}

// Completions returns the completion summaries sent so far.
func (f *Fixture) Completions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.completions...)
}

// AppliedInsertions returns every insertion applied to the document.
func (f *Fixture) AppliedInsertions() []workflow.Insertion {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]workflow.Insertion(nil), f.insertions...)
}

// SearchCalls returns how many times the query was searched upstream
// (cache hits never reach the fixture).
func (f *Fixture) SearchCalls(query string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.searchCalls[cache.Normalize(query)]
}

var (
	_ workflow.DocumentSource  = (*Fixture)(nil)
	_ workflow.SpecSource      = (*Fixture)(nil)
	_ workflow.TaskInvoker     = (*Fixture)(nil)
	_ workflow.CandidateSource = (*Fixture)(nil)
	_ workflow.Notifier        = (*Fixture)(nil)
)
