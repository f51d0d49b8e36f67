package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite"
)

// Run is the ledger entry of a job started through the local session
type Run struct {
	ID            string
	Node          string
	InProgress    bool
	ExitCode      *int
	FailureReason *string
}

type RunRow struct {
	Run
	Seq int
}

func (r RunRow) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("id: %q, node: %q, in_progress: %t", r.ID, r.Node, r.InProgress))
	if r.ExitCode != nil {
		sb.WriteString(fmt.Sprintf(", exit_code: %d", *r.ExitCode))
	} else {
		sb.WriteString(", exit_code: nil")
	}
	if r.FailureReason != nil {
		sb.WriteString(fmt.Sprintf(", failure_reason: %q", *r.FailureReason))
	} else {
		sb.WriteString(", failure_reason: nil")
	}
	return sb.String()
}

// Runs is the sqlite ledger of session runs
type Runs struct {
	db *sql.DB
}

// OpenRuns opens the ledger at dbPath, ":memory:" keeps it in memory
func OpenRuns(ctx context.Context, dbPath string) (*Runs, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// a memory database lives as long as its single connection
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS runs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			node TEXT NOT NULL,
			in_progress BOOLEAN NOT NULL,
			exit_code INTEGER DEFAULT NULL,
			failure_reason TEXT DEFAULT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Runs{db: db}, nil
}

func (r *Runs) Close() error {
	return r.db.Close()
}

func rollback(ctx context.Context, tx *sql.Tx, id string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("id", id))
	}
}

// Start records that the run identified by id is in progress on node.
// Starting a run in progress again is fine, ErrAlreadyFinished is returned
// for a finished one.
func (r *Runs) Start(ctx context.Context, id, node string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, id)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM runs WHERE id=?`, id,
	).Scan(&inProgress)
	switch {
	case err == nil && inProgress:
		return nil
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, node, in_progress) VALUES (?,?,?);`, id, node, true,
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Get returns the run identified by id, ErrNotFound when there is none
func (r *Runs) Get(ctx context.Context, id string) (RunRow, error) {
	var row RunRow
	err := r.db.QueryRowContext(ctx,
		`SELECT seq, id, node, in_progress, exit_code, failure_reason FROM runs WHERE id=?`, id,
	).Scan(
		&row.Seq,
		&row.ID,
		&row.Node,
		&row.InProgress,
		&row.ExitCode,
		&row.FailureReason,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return RunRow{}, ErrNotFound
	case err != nil:
		return RunRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return row, nil
}

// Finish records the exit code of the run, a non-empty reason marks an
// internal failure
func (r *Runs) Finish(ctx context.Context, id string, exitCode int, reason string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, id)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM runs WHERE id=?`, id,
	).Scan(&inProgress)
	switch {
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	var failure *string
	if reason != "" {
		failure = &reason
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE runs
		 SET
			in_progress = false,
			exit_code = ?,
			failure_reason = ?
		WHERE id = ?;
		`, exitCode, failure, id,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// InProgress returns the ids of the runs not finished, oldest first
func (r *Runs) InProgress(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM runs WHERE in_progress ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Runs) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM runs WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return ErrNotFound
	}
	return nil
}
