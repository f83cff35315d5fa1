package etl

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/BartekS5/pagesync/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PostgresLoader upserts records into one table per entity, keyed by
// (tenant, entity, source id) so reloading a page never duplicates rows.
type PostgresLoader struct {
	Pool   *pgxpool.Pool
	Table  string
	logger zerolog.Logger
}

func NewPostgresLoader(pool *pgxpool.Pool, config *models.MappingSchema, logger zerolog.Logger) *PostgresLoader {
	table := config.Table
	if table == "" {
		table = config.Entity
	}
	return &PostgresLoader{Pool: pool, Table: table, logger: logger}
}

func (l *PostgresLoader) ident() string {
	return pgx.Identifier{l.Table}.Sanitize()
}

// EnsureTable creates the target table when it does not exist yet.
func (l *PostgresLoader) EnsureTable(ctx context.Context) error {
	_, err := l.Pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			_record_id        UUID NOT NULL,
			_tenant_id        TEXT NOT NULL,
			_entity           TEXT NOT NULL,
			source_id         TEXT NOT NULL,
			_scan_id          TEXT NOT NULL,
			_source_system    TEXT NOT NULL DEFAULT '',
			_page_number      INTEGER NOT NULL,
			_extracted_at     TIMESTAMPTZ NOT NULL,
			properties        JSONB NOT NULL DEFAULT '{}'::jsonb,
			custom_properties JSONB NOT NULL DEFAULT '{}'::jsonb,
			PRIMARY KEY (_tenant_id, _entity, source_id)
		)`, l.ident()))
	if err != nil {
		return fmt.Errorf("create table %s: %w", l.Table, err)
	}
	return nil
}

func (l *PostgresLoader) Load(ctx context.Context, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		INSERT INTO %s
			(_record_id, _tenant_id, _entity, source_id, _scan_id, _source_system,
			 _page_number, _extracted_at, properties, custom_properties)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (_tenant_id, _entity, source_id) DO UPDATE SET
			_scan_id          = EXCLUDED._scan_id,
			_source_system    = EXCLUDED._source_system,
			_page_number      = EXCLUDED._page_number,
			_extracted_at     = EXCLUDED._extracted_at,
			properties        = EXCLUDED.properties,
			custom_properties = EXCLUDED.custom_properties`, l.ident())

	batch := &pgx.Batch{}
	for _, rec := range records {
		props, err := json.Marshal(rec.Properties)
		if err != nil {
			return fmt.Errorf("encode properties of %s: %w", rec.SourceID, err)
		}
		custom, err := json.Marshal(rec.CustomProperties)
		if err != nil {
			return fmt.Errorf("encode custom properties of %s: %w", rec.SourceID, err)
		}
		batch.Queue(query,
			rec.ID, rec.TenantID, rec.Entity, rec.SourceID, rec.JobID, rec.SourceSystem,
			rec.PageNumber, rec.ExtractedAt, props, custom)
	}

	br := l.Pool.SendBatch(ctx, batch)
	for range records {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("upsert into %s: %w", l.Table, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("upsert into %s: %w", l.Table, err)
	}

	l.logger.Debug().Str("table", l.Table).Int("records", len(records)).Msg("postgres upsert")
	return nil
}
