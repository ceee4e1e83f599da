package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/calderhq/gapwise/internal/workflow"
)

// Upstream retry policy: bounded exponential backoff, then surface the
// failure to the step or branch that asked.
const (
	maxUpstreamAttempts = 3
	backoffBase         = 100 * time.Millisecond
)

// retryUpstream runs fn, retrying only UpstreamUnavailable failures.
// Any other error (fatal, schema, quota) returns immediately. The
// backoff sleep respects context cancellation.
func (e *Engine) retryUpstream(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxUpstreamAttempts; attempt++ {
		if attempt > 1 {
			delay := backoffBase << (attempt - 2)
			if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
				return workflow.WrapError(workflow.CodeCancelled, sleepErr, "%s aborted during backoff", op)
			}
		}
		err = fn()
		if err == nil || !workflow.IsUpstreamUnavailable(err) {
			return err
		}
		slog.Warn("upstream unavailable, backing off",
			"op", op, "attempt", attempt, "error", err)
	}
	return err
}

// validator lets task result types carry their own shape checks beyond
// JSON well-formedness.
type validator interface {
	Validate() error
}

// invokeTask calls a structured collaborator task and decodes its
// result into out.
//
// Failure policy per the taxonomy: UpstreamUnavailable is retried with
// backoff inside each attempt; a SchemaViolation (from the invoker, a
// malformed payload, or out's own Validate) earns exactly one
// corrective retry carrying the violation as a "correction_hint" input,
// after which the step fails.
func (e *Engine) invokeTask(ctx context.Context, task string, inputs map[string]any, out any) error {
	attempt := func(in map[string]any) error {
		var raw json.RawMessage
		err := e.retryUpstream(ctx, task, func() error {
			var callErr error
			raw, callErr = e.collab.Tasks.InvokeStructuredTask(ctx, task, in)
			return callErr
		})
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return workflow.WrapError(workflow.CodeSchemaViolation, err,
				"task %s returned a malformed result", task)
		}
		if v, ok := out.(validator); ok {
			if err := v.Validate(); err != nil {
				return workflow.WrapError(workflow.CodeSchemaViolation, err,
					"task %s result failed validation", task)
			}
		}
		return nil
	}

	err := attempt(inputs)
	if err == nil || !workflow.IsSchemaViolation(err) {
		return err
	}

	slog.Info("schema violation, retrying once with correction hint",
		"task", task, "violation", err)
	corrected := make(map[string]any, len(inputs)+1)
	for k, v := range inputs {
		corrected[k] = v
	}
	corrected["correction_hint"] = err.Error()
	return attempt(corrected)
}
