package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BartekS5/pagesync/pkg/models"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err = db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id               TEXT PRIMARY KEY,
			tenant_id        TEXT NOT NULL,
			source           TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL DEFAULT 'pending',
			total_records    INTEGER NOT NULL DEFAULT 0,
			failed_records   INTEGER NOT NULL DEFAULT 0,
			error            TEXT,
			created_at       TEXT NOT NULL,
			started_at       TEXT,
			completed_at     TEXT,
			heartbeat_at     TEXT,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			pause_requested  INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status       ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_created_at   ON jobs(created_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_completed_at ON jobs(completed_at);

		CREATE TABLE IF NOT EXISTS checkpoints (
			seq               INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id            TEXT NOT NULL,
			phase             TEXT NOT NULL,
			cursor            TEXT,
			records_processed INTEGER NOT NULL,
			failed_records    INTEGER NOT NULL DEFAULT 0,
			page_number       INTEGER NOT NULL,
			extra             TEXT,
			created_at        TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_job ON checkpoints(job_id, seq);
	`)
	return err
}

const jobColumns = `id, tenant_id, source, status, total_records, failed_records, error,
	created_at, started_at, completed_at, heartbeat_at, cancel_requested, pause_requested`

func (s *SQLiteStore) Create(ctx context.Context, j *models.Job) error {
	status := j.Status
	if status == "" {
		status = models.StatusPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, tenant_id, source, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, j.ID, j.TenantID, j.Source, status, formatTime(j.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("create job %s: %w", j.ID, ErrExists)
		}
		return fmt.Errorf("create job %s: %w", j.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*models.Job, error) {
	j := &models.Job{}
	var (
		jobErr                              sql.NullString
		createdAt                           string
		startedAt, completedAt, heartbeatAt sql.NullString
		cancelRequested, pauseRequested     int
	)
	err := row.Scan(
		&j.ID, &j.TenantID, &j.Source, &j.Status, &j.TotalRecords, &j.FailedRecords, &jobErr,
		&createdAt, &startedAt, &completedAt, &heartbeatAt, &cancelRequested, &pauseRequested,
	)
	if err != nil {
		return nil, err
	}

	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{startedAt, &j.StartedAt},
		{completedAt, &j.CompletedAt},
		{heartbeatAt, &j.HeartbeatAt},
	} {
		if !f.src.Valid {
			continue
		}
		t, err := parseTime(f.src.String)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}
		*f.dst = &t
	}
	if jobErr.Valid && jobErr.String != "" {
		j.Error = &models.JobError{}
		if err := json.Unmarshal([]byte(jobErr.String), j.Error); err != nil {
			return nil, fmt.Errorf("decode job error: %w", err)
		}
	}
	j.CancelRequested = cancelRequested != 0
	j.PauseRequested = pauseRequested != 0
	return j, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func (s *SQLiteStore) List(ctx context.Context, f ListFilter) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any
	if len(f.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(f.Statuses)) + `)`
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	if f.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, f.TenantID)
	}
	if f.NewestFirst {
		query += ` ORDER BY created_at DESC, id DESC`
	} else {
		query += ` ORDER BY created_at ASC, id ASC`
	}
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, from []models.Status, to models.Status, upd StatusUpdate) error {
	allowed := allowedFrom(from, to)
	if len(allowed) == 0 {
		return s.explainTransition(ctx, id, to)
	}

	now := formatTime(s.now())
	var errJSON any
	if to == models.StatusFailed && upd.Error != nil {
		b, err := json.Marshal(upd.Error)
		if err != nil {
			return fmt.Errorf("encode job error: %w", err)
		}
		errJSON = string(b)
	}

	set := `status = ?, error = ?`
	args := []any{to, errJSON}
	switch {
	case to == models.StatusRunning:
		set += `, started_at = COALESCE(started_at, ?), heartbeat_at = ?, completed_at = NULL, cancel_requested = 0, pause_requested = 0`
		args = append(args, now, now)
	case to.IsTerminal():
		set += `, completed_at = ?`
		args = append(args, now)
	}
	args = append(args, id)
	for _, st := range allowed {
		args = append(args, st)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET `+set+` WHERE id = ? AND status IN (`+placeholders(len(allowed))+`)`, args...)
	if err != nil {
		return fmt.Errorf("update status for job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update status for job %s: %w", id, err)
	}
	if n == 0 {
		return s.explainTransition(ctx, id, to)
	}
	return nil
}

func (s *SQLiteStore) explainTransition(ctx context.Context, id string, to models.Status) error {
	j, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return transitionError(id, j.Status, to)
}

func (s *SQLiteStore) UpdateProgress(ctx context.Context, id string, total, failed int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET total_records = MAX(total_records, ?), failed_records = MAX(failed_records, ?), heartbeat_at = ?
		WHERE id = ? AND status = ?
	`, total, failed, formatTime(s.now()), id, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("update progress for job %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) setFlag(ctx context.Context, id, column string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET `+column+` = 1 WHERE id = ? AND status IN (?, ?, ?)`,
		id, models.StatusPending, models.StatusRunning, models.StatusPaused)
	if err != nil {
		return fmt.Errorf("set %s for job %s: %w", column, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		j, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("job %s: %w: job is %s", id, ErrInvalidTransition, j.Status)
	}
	return nil
}

func (s *SQLiteStore) RequestCancel(ctx context.Context, id string) error {
	return s.setFlag(ctx, id, "cancel_requested")
}

func (s *SQLiteStore) RequestPause(ctx context.Context, id string) error {
	return s.setFlag(ctx, id, "pause_requested")
}

func (s *SQLiteStore) readFlag(ctx context.Context, id, column string) (bool, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT `+column+` FROM jobs WHERE id = ?`, id).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("read %s for job %s: %w", column, id, err)
	}
	return v != 0, nil
}

func (s *SQLiteStore) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	return s.readFlag(ctx, id, "cancel_requested")
}

func (s *SQLiteStore) IsPauseRequested(ctx context.Context, id string) (bool, error) {
	return s.readFlag(ctx, id, "pause_requested")
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	var extra any
	if len(cp.Extra) > 0 {
		b, err := json.Marshal(cp.Extra)
		if err != nil {
			return fmt.Errorf("encode checkpoint extra: %w", err)
		}
		extra = string(b)
	}
	createdAt := cp.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (job_id, phase, cursor, records_processed, failed_records, page_number, extra, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, cp.JobID, cp.Phase, cp.Cursor, cp.RecordsProcessed, cp.FailedRecords, cp.PageNumber, extra, formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("save checkpoint for job %s: %w", cp.JobID, err)
	}
	return nil
}

func scanSQLiteCheckpoint(row rowScanner) (models.Checkpoint, error) {
	var (
		cp        models.Checkpoint
		cursor    sql.NullString
		extra     sql.NullString
		createdAt string
	)
	if err := row.Scan(&cp.JobID, &cp.Phase, &cursor, &cp.RecordsProcessed, &cp.FailedRecords, &cp.PageNumber, &extra, &createdAt); err != nil {
		return cp, err
	}
	if cursor.Valid {
		c := cursor.String
		cp.Cursor = &c
	}
	if extra.Valid && extra.String != "" {
		if err := json.Unmarshal([]byte(extra.String), &cp.Extra); err != nil {
			return cp, fmt.Errorf("decode checkpoint extra: %w", err)
		}
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return cp, fmt.Errorf("parse checkpoint created_at: %w", err)
	}
	cp.CreatedAt = t
	return cp, nil
}

func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, jobID string) (*models.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, phase, cursor, records_processed, failed_records, page_number, extra, created_at
		FROM checkpoints WHERE job_id = ? ORDER BY seq DESC LIMIT 1
	`, jobID)
	cp, err := scanSQLiteCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint for job %s: %w", jobID, err)
	}
	return &cp, nil
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context, jobID string) ([]models.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, phase, cursor, records_processed, failed_records, page_number, extra, created_at
		FROM checkpoints WHERE job_id = ? ORDER BY seq ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []models.Checkpoint
	for rows.Next() {
		cp, err := scanSQLiteCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) FailStale(ctx context.Context, before time.Time, jobErr models.JobError) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM jobs
		WHERE status = ? AND COALESCE(heartbeat_at, started_at, created_at) < ?
		ORDER BY id
	`, models.StatusRunning, formatTime(before))
	if err != nil {
		return nil, fmt.Errorf("query stale jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale jobs: %w", err)
	}

	var failed []string
	for _, id := range ids {
		err := s.UpdateStatus(ctx, id, []models.Status{models.StatusRunning}, models.StatusFailed, StatusUpdate{Error: &jobErr})
		if errors.Is(err, ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return failed, err
		}
		failed = append(failed, id)
	}
	return failed, nil
}

func (s *SQLiteStore) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin cleanup: %w", err)
	}
	defer tx.Rollback()

	args := []any{models.StatusCompleted, models.StatusFailed, models.StatusCancelled, formatTime(before)}
	const terminal = `status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE job_id IN (SELECT id FROM jobs WHERE `+terminal+`)`, args...); err != nil {
		return 0, fmt.Errorf("delete checkpoints: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE `+terminal, args...)
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cleanup: %w", err)
	}
	return n, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
