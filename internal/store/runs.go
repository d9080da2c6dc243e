package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sentinel-intel/sentinel/internal/model"
)

const runColumns = `id, started_at, finished_at, status, failure_reason, metadata,
	targets_processed, targets_failed, services_created, services_updated, records_skipped`

// CreateRun persists a new run as pending and promotes it to running in the
// same transaction.
func (s *Store) CreateRun(ctx context.Context, id string, startedAt time.Time, metadata string) error {
	const op = "create run"
	tx, rollback, err := s.begin(ctx, op)
	if err != nil {
		return err
	}
	defer rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO scan_runs (id, started_at, status, metadata) VALUES (?, ?, ?, ?)`,
		id, millis(startedAt), model.RunPending, metadata,
	)
	if err != nil {
		return &model.PersistenceError{Op: op, Err: fmt.Errorf("executing sql insert failed: %w", err)}
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE scan_runs SET status = ? WHERE id = ? AND status = ?`,
		model.RunRunning, id, model.RunPending,
	)
	if err != nil {
		return &model.PersistenceError{Op: op, Err: fmt.Errorf("executing sql update failed: %w", err)}
	}
	if err := tx.Commit(); err != nil {
		return &model.PersistenceError{Op: op, Err: fmt.Errorf("committing transaction failed: %w", err)}
	}
	return nil
}

// FinishRun transitions a running run to completed. ErrAlreadyFinished is
// returned for terminal runs, ErrNotFound for unknown ones.
func (s *Store) FinishRun(ctx context.Context, id string, finishedAt time.Time, counts model.RunCounts) error {
	return s.transition(ctx, "finish run", id,
		`UPDATE scan_runs SET
			status = ?, finished_at = ?,
			targets_processed = ?, targets_failed = ?, services_created = ?, services_updated = ?, records_skipped = ?
		WHERE id = ? AND status = ?`,
		model.RunCompleted, millis(finishedAt),
		counts.TargetsProcessed, counts.TargetsFailed, counts.ServicesCreated, counts.ServicesUpdated, counts.RecordsSkipped,
		id, model.RunRunning,
	)
}

// FailRun transitions a running run to failed, keeping the counts gathered
// so far.
func (s *Store) FailRun(ctx context.Context, id string, finishedAt time.Time, reason string, counts model.RunCounts) error {
	return s.transition(ctx, "fail run", id,
		`UPDATE scan_runs SET
			status = ?, finished_at = ?, failure_reason = ?,
			targets_processed = ?, targets_failed = ?, services_created = ?, services_updated = ?, records_skipped = ?
		WHERE id = ? AND status = ?`,
		model.RunFailed, millis(finishedAt), reason,
		counts.TargetsProcessed, counts.TargetsFailed, counts.ServicesCreated, counts.ServicesUpdated, counts.RecordsSkipped,
		id, model.RunRunning,
	)
}

func (s *Store) transition(ctx context.Context, op, id, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return &model.PersistenceError{Op: op, Err: fmt.Errorf("executing sql update failed: %w", err)}
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return &model.PersistenceError{Op: op, Err: fmt.Errorf("fetching affected rows failed: %w", err)}
	}
	if ra == 1 {
		return nil
	}

	var status model.RunStatus
	err = s.db.QueryRowContext(ctx, `SELECT status FROM scan_runs WHERE id = ?`, id).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.ErrNotFound
	case err != nil:
		return &model.PersistenceError{Op: op, Err: fmt.Errorf("executing sql query failed: %w", err)}
	case status.Terminal():
		return fmt.Errorf("run %s is %s: %w", id, status, model.ErrAlreadyFinished)
	}
	return &model.PersistenceError{Op: op, Err: fmt.Errorf("run %s in unexpected status %q", id, status)}
}

// CleanupStuck fails every running run started before cutoff with reason
// interrupted and returns the number of runs transitioned.
func (s *Store) CleanupStuck(ctx context.Context, cutoff, now time.Time) (int64, error) {
	const op = "cleanup stuck runs"
	result, err := s.db.ExecContext(ctx,
		`UPDATE scan_runs SET status = ?, failure_reason = ?, finished_at = ?
		WHERE status = ? AND started_at < ?`,
		model.RunFailed, model.ReasonInterrupted, millis(now),
		model.RunRunning, millis(cutoff),
	)
	if err != nil {
		return 0, &model.PersistenceError{Op: op, Err: fmt.Errorf("executing sql update failed: %w", err)}
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return 0, &model.PersistenceError{Op: op, Err: fmt.Errorf("fetching affected rows failed: %w", err)}
	}
	return ra, nil
}

// GetRun returns ErrNotFound when the run does not exist.
func (s *Store) GetRun(ctx context.Context, id string) (model.ScanRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM scan_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.ScanRun{}, model.ErrNotFound
	case err != nil:
		return model.ScanRun{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return run, nil
}

// Runs returns the most recent runs, newest first. An empty status matches
// every run.
func (s *Store) Runs(ctx context.Context, status model.RunStatus, limit int) ([]model.ScanRun, error) {
	var (
		sb   strings.Builder
		args []any
	)
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("unknown run status %q", status)
	}
	sb.WriteString(`SELECT ` + runColumns + ` FROM scan_runs`)
	if status != "" {
		sb.WriteString(` WHERE status = ?`)
		args = append(args, status)
	}
	sb.WriteString(` ORDER BY started_at DESC, id LIMIT ?`)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var runs []model.ScanRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run failed: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (model.ScanRun, error) {
	var (
		run      model.ScanRun
		started  int64
		finished sql.NullInt64
		reason   sql.NullString
	)
	err := row.Scan(
		&run.ID,
		&started,
		&finished,
		&run.Status,
		&reason,
		&run.Metadata,
		&run.Counts.TargetsProcessed,
		&run.Counts.TargetsFailed,
		&run.Counts.ServicesCreated,
		&run.Counts.ServicesUpdated,
		&run.Counts.RecordsSkipped,
	)
	if err != nil {
		return model.ScanRun{}, err
	}
	run.StartedAt = fromMillis(started)
	run.FinishedAt = fromNullMillis(finished)
	if reason.Valid {
		run.FailureReason = &reason.String
	}
	return run, nil
}
