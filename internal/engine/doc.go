// Package engine implements the gapwise workflow orchestrator: the run
// state machine, the checkpoint-driven runner, and the branch executor
// for the research fan-out.
//
// The orchestrator runs as a single logical sequencer per run. Each
// state's work is a step function in an explicit ordered table; the
// runner executes the current state's step, advances, and persists a
// full context snapshot before doing anything else, so a crash at any
// point resumes cleanly from the last checkpoint. Steps are therefore
// at-least-once; external side effects inside steps are guarded by
// idempotency keys in the store.
//
// The only indefinite suspension point is awaiting_approval, realized
// as persist-and-return rather than a blocked goroutine: the suspended
// run survives process restarts and is picked up again by Resume.
package engine
