package store

import (
	"context"
	"fmt"
)

// SideEffectKey derives the idempotency key for an external side effect
// from the run id and step name. At-least-once step execution plus this
// key gives at-most-once delivery of the effect itself.
func SideEffectKey(runID, step string) string {
	return runID + "/" + step
}

// ClaimSideEffect atomically claims the idempotency key for a side
// effect. Returns true if this caller won the claim and must perform
// the effect; false if the key was already claimed (the effect already
// happened, or at least was attempted by a step that then checkpointed).
//
// Uses ON CONFLICT(key) DO NOTHING; the claim is the insert itself, so
// two replaying steps can never both see "claimed".
func (s *Store) ClaimSideEffect(ctx context.Context, runID, step string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO side_effects (key, run_id, step, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING
	`,
		SideEffectKey(runID, step),
		runID,
		step,
		timestamp(s.now()),
	)
	if err != nil {
		return false, fmt.Errorf("claim side effect: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim side effect: %w", err)
	}
	return affected > 0, nil
}
