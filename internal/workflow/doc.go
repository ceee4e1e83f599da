// Package workflow defines the shared data model for gapwise runs.
//
// It holds the run state machine vocabulary, the context payload carried
// between steps, the branch/candidate types produced by fan-out, the
// failure taxonomy, and the collaborator interfaces the engine calls out
// to. The package is deliberately free of behavior beyond validation and
// accessors: every mutation of a Run happens inside the engine's state
// transitions.
package workflow
