package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrRunNotFound is returned when no checkpoint exists for a run id.
var ErrRunNotFound = errors.New("run not found")

// Checkpoint is one persisted run snapshot: {run id, state, context},
// self-contained and sufficient to resume execution. Seq is the run's
// monotonic snapshot counter; the pair (run_id, seq) is unique, so a
// step replayed after a crash re-appends the same snapshot harmlessly.
type Checkpoint struct {
	RunID     string
	Seq       int64
	State     string
	LastError string
	Context   json.RawMessage
	CreatedAt time.Time
}

// AppendCheckpoint appends a snapshot to the run's event log.
// Uses ON CONFLICT(run_id, seq) DO NOTHING for idempotency - a replayed
// write of the same snapshot is silently ignored. Other constraint
// violations still return errors.
func (s *Store) AppendCheckpoint(ctx context.Context, cp Checkpoint) error {
	if cp.RunID == "" {
		return fmt.Errorf("append checkpoint: empty run id")
	}
	createdAt := cp.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, seq, state, last_error, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, seq) DO NOTHING
	`,
		cp.RunID,
		cp.Seq,
		cp.State,
		cp.LastError,
		string(cp.Context),
		timestamp(createdAt),
	)
	if err != nil {
		return fmt.Errorf("append checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the newest snapshot for a run. The run's
// current state is derivable as exactly this row.
func (s *Store) LatestCheckpoint(ctx context.Context, runID string) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, seq, state, last_error, context, created_at
		FROM checkpoints
		WHERE run_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, runID)

	cp, err := scanCheckpoint(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("latest checkpoint: %w", err)
	}
	return cp, nil
}

// History returns all snapshots for a run in append order.
func (s *Store) History(ctx context.Context, runID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, state, last_error, context, created_at
		FROM checkpoints
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	var history []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		history = append(history, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return history, nil
}

// ListRuns returns the latest snapshot of every run, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.run_id, c.seq, c.state, c.last_error, c.context, c.created_at
		FROM checkpoints c
		JOIN (
			SELECT run_id, MAX(seq) AS max_seq
			FROM checkpoints
			GROUP BY run_id
		) latest ON latest.run_id = c.run_id AND latest.max_seq = c.seq
		ORDER BY c.created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		runs = append(runs, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func scanCheckpoint(scan func(...any) error) (Checkpoint, error) {
	var (
		cp        Checkpoint
		contextS  string
		createdAt string
	)
	if err := scan(&cp.RunID, &cp.Seq, &cp.State, &cp.LastError, &contextS, &createdAt); err != nil {
		return Checkpoint{}, err
	}
	cp.Context = json.RawMessage(contextS)
	parsed, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	cp.CreatedAt = parsed
	return cp, nil
}
