package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BartekS5/pagesync/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore is a PostgreSQL-backed implementation of Store.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore wraps an open pool. Call Migrate before first use.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

// Migrate runs all pending migrations, tracked in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context, logger zerolog.Logger) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	err = s.pool.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(name, "%03d_", &version); err != nil || version <= currentVersion {
			continue
		}

		sql, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(ctx, string(sql)); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}

		logger.Info().Int("version", version).Str("file", name).Msg("applied migration")
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, j *models.Job) error {
	status := j.Status
	if status == "" {
		status = models.StatusPending
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, tenant_id, source, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, j.ID, j.TenantID, j.Source, string(status), j.CreatedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("create job %s: %w", j.ID, ErrExists)
		}
		return fmt.Errorf("create job %s: %w", j.ID, err)
	}
	return nil
}

const pgJobColumns = `id, tenant_id, source, status, total_records, failed_records, error,
	created_at, started_at, completed_at, heartbeat_at, cancel_requested, pause_requested`

func scanPostgresJob(row pgx.Row) (*models.Job, error) {
	j := &models.Job{}
	var (
		status string
		jobErr []byte
	)
	err := row.Scan(
		&j.ID, &j.TenantID, &j.Source, &status, &j.TotalRecords, &j.FailedRecords, &jobErr,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.HeartbeatAt, &j.CancelRequested, &j.PauseRequested,
	)
	if err != nil {
		return nil, err
	}
	j.Status = models.Status(status)
	if len(jobErr) > 0 {
		j.Error = &models.JobError{}
		if err := json.Unmarshal(jobErr, j.Error); err != nil {
			return nil, fmt.Errorf("decode job error: %w", err)
		}
	}
	return j, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanPostgresJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func statusStrings(statuses []models.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func (s *PostgresStore) List(ctx context.Context, f ListFilter) ([]*models.Job, error) {
	query := `SELECT ` + pgJobColumns + ` FROM jobs WHERE TRUE`
	var args []any
	if len(f.Statuses) > 0 {
		args = append(args, statusStrings(f.Statuses))
		query += fmt.Sprintf(` AND status = ANY($%d)`, len(args))
	}
	if f.TenantID != "" {
		args = append(args, f.TenantID)
		query += fmt.Sprintf(` AND tenant_id = $%d`, len(args))
	}
	if f.NewestFirst {
		query += ` ORDER BY created_at DESC, id DESC`
	} else {
		query += ` ORDER BY created_at ASC, id ASC`
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanPostgresJob(rows)
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

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, from []models.Status, to models.Status, upd StatusUpdate) error {
	allowed := allowedFrom(from, to)
	if len(allowed) == 0 {
		return s.explainTransition(ctx, id, to)
	}

	var errJSON []byte
	if to == models.StatusFailed && upd.Error != nil {
		b, err := json.Marshal(upd.Error)
		if err != nil {
			return fmt.Errorf("encode job error: %w", err)
		}
		errJSON = b
	}

	set := `status = $1, error = $2`
	switch {
	case to == models.StatusRunning:
		set += `, started_at = COALESCE(started_at, $3), heartbeat_at = $3, completed_at = NULL, cancel_requested = FALSE, pause_requested = FALSE`
	case to.IsTerminal():
		set += `, completed_at = $3`
	default:
		set += `, heartbeat_at = COALESCE(heartbeat_at, $3)`
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET `+set+` WHERE id = $4 AND status = ANY($5)`,
		string(to), errJSON, s.now().UTC(), id, statusStrings(allowed))
	if err != nil {
		return fmt.Errorf("update status for job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainTransition(ctx, id, to)
	}
	return nil
}

func (s *PostgresStore) explainTransition(ctx context.Context, id string, to models.Status) error {
	j, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return transitionError(id, j.Status, to)
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, id string, total, failed int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			total_records = GREATEST(total_records, $1),
			failed_records = GREATEST(failed_records, $2),
			heartbeat_at = $3
		WHERE id = $4 AND status = $5
	`, total, failed, s.now().UTC(), id, string(models.StatusRunning))
	if err != nil {
		return fmt.Errorf("update progress for job %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) setFlag(ctx context.Context, id, column string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET `+column+` = TRUE WHERE id = $1 AND status = ANY($2)`,
		id, []string{string(models.StatusPending), string(models.StatusRunning), string(models.StatusPaused)})
	if err != nil {
		return fmt.Errorf("set %s for job %s: %w", column, id, err)
	}
	if tag.RowsAffected() == 0 {
		j, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("job %s: %w: job is %s", id, ErrInvalidTransition, j.Status)
	}
	return nil
}

func (s *PostgresStore) RequestCancel(ctx context.Context, id string) error {
	return s.setFlag(ctx, id, "cancel_requested")
}

func (s *PostgresStore) RequestPause(ctx context.Context, id string) error {
	return s.setFlag(ctx, id, "pause_requested")
}

func (s *PostgresStore) readFlag(ctx context.Context, id, column string) (bool, error) {
	var v bool
	err := s.pool.QueryRow(ctx, `SELECT `+column+` FROM jobs WHERE id = $1`, id).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("read %s for job %s: %w", column, id, err)
	}
	return v, nil
}

func (s *PostgresStore) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	return s.readFlag(ctx, id, "cancel_requested")
}

func (s *PostgresStore) IsPauseRequested(ctx context.Context, id string) (bool, error) {
	return s.readFlag(ctx, id, "pause_requested")
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	var extra []byte
	if len(cp.Extra) > 0 {
		b, err := json.Marshal(cp.Extra)
		if err != nil {
			return fmt.Errorf("encode checkpoint extra: %w", err)
		}
		extra = b
	}
	createdAt := cp.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO checkpoints (job_id, phase, cursor, records_processed, failed_records, page_number, extra, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, cp.JobID, string(cp.Phase), cp.Cursor, cp.RecordsProcessed, cp.FailedRecords, cp.PageNumber, extra, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("save checkpoint for job %s: %w", cp.JobID, err)
	}
	return nil
}

func scanPostgresCheckpoint(row pgx.Row) (models.Checkpoint, error) {
	var (
		cp    models.Checkpoint
		phase string
		extra []byte
	)
	if err := row.Scan(&cp.JobID, &phase, &cp.Cursor, &cp.RecordsProcessed, &cp.FailedRecords, &cp.PageNumber, &extra, &cp.CreatedAt); err != nil {
		return cp, err
	}
	cp.Phase = models.Phase(phase)
	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &cp.Extra); err != nil {
			return cp, fmt.Errorf("decode checkpoint extra: %w", err)
		}
	}
	return cp, nil
}

func (s *PostgresStore) LoadCheckpoint(ctx context.Context, jobID string) (*models.Checkpoint, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT job_id, phase, cursor, records_processed, failed_records, page_number, extra, created_at
		FROM checkpoints WHERE job_id = $1 ORDER BY seq DESC LIMIT 1
	`, jobID)
	cp, err := scanPostgresCheckpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint for job %s: %w", jobID, err)
	}
	return &cp, nil
}

func (s *PostgresStore) ListCheckpoints(ctx context.Context, jobID string) ([]models.Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, phase, cursor, records_processed, failed_records, page_number, extra, created_at
		FROM checkpoints WHERE job_id = $1 ORDER BY seq ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []models.Checkpoint
	for rows.Next() {
		cp, err := scanPostgresCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FailStale(ctx context.Context, before time.Time, jobErr models.JobError) ([]string, error) {
	b, err := json.Marshal(jobErr)
	if err != nil {
		return nil, fmt.Errorf("encode job error: %w", err)
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs SET status = $1, error = $2, completed_at = $3
		WHERE status = $4 AND COALESCE(heartbeat_at, started_at, created_at) < $5
		RETURNING id
	`, string(models.StatusFailed), b, s.now().UTC(), string(models.StatusRunning), before.UTC())
	if err != nil {
		return nil, fmt.Errorf("fail stale jobs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("fail stale jobs: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin cleanup: %w", err)
	}
	defer tx.Rollback(ctx)

	terminal := []string{string(models.StatusCompleted), string(models.StatusFailed), string(models.StatusCancelled)}
	if _, err := tx.Exec(ctx, `
		DELETE FROM checkpoints WHERE job_id IN (
			SELECT id FROM jobs WHERE status = ANY($1) AND completed_at < $2
		)`, terminal, before.UTC()); err != nil {
		return 0, fmt.Errorf("delete checkpoints: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM jobs WHERE status = ANY($1) AND completed_at < $2`, terminal, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
