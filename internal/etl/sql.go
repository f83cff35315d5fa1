package etl

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BartekS5/pagesync/pkg/models"
	"github.com/rs/zerolog"
)

// SQLLoader upserts records into SQL Server with a MERGE per record inside
// one transaction per batch. Properties are stored as JSON text.
type SQLLoader struct {
	DB     *sql.DB
	Table  string
	logger zerolog.Logger
}

var sqlColumns = []string{
	"_record_id", "_tenant_id", "_entity", "source_id", "_scan_id", "_source_system",
	"_page_number", "_extracted_at", "properties", "custom_properties",
}

func NewSQLLoader(db *sql.DB, config *models.MappingSchema, logger zerolog.Logger) *SQLLoader {
	table := config.Table
	if table == "" {
		table = config.Entity
	}
	return &SQLLoader{DB: db, Table: table, logger: logger}
}

func quoteSQLServer(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// EnsureTable creates the target table when it does not exist yet.
func (l *SQLLoader) EnsureTable(ctx context.Context) error {
	query := fmt.Sprintf(`
IF OBJECT_ID(N'%s', N'U') IS NULL
CREATE TABLE %s (
	_record_id        UNIQUEIDENTIFIER NOT NULL,
	_tenant_id        NVARCHAR(255) NOT NULL,
	_entity           NVARCHAR(255) NOT NULL,
	source_id         NVARCHAR(255) NOT NULL,
	_scan_id          NVARCHAR(255) NOT NULL,
	_source_system    NVARCHAR(255) NOT NULL,
	_page_number      INT NOT NULL,
	_extracted_at     DATETIME2 NOT NULL,
	properties        NVARCHAR(MAX) NOT NULL,
	custom_properties NVARCHAR(MAX) NOT NULL,
	CONSTRAINT %s PRIMARY KEY (_tenant_id, _entity, source_id)
)`, strings.ReplaceAll(l.Table, "'", "''"), quoteSQLServer(l.Table), quoteSQLServer("pk_"+l.Table))
	if _, err := l.DB.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", l.Table, err)
	}
	return nil
}

// mergeQuery builds the upsert statement using @pN placeholders in the
// order of sqlColumns.
func (l *SQLLoader) mergeQuery() string {
	placeholders := make([]string, len(sqlColumns))
	var updates []string
	for i, col := range sqlColumns {
		placeholders[i] = fmt.Sprintf("@p%d AS %s", i+1, col)
		switch col {
		case "_record_id", "_tenant_id", "_entity", "source_id":
		default:
			updates = append(updates, fmt.Sprintf("target.%s = source.%s", col, col))
		}
	}
	return fmt.Sprintf(`MERGE %s WITH (HOLDLOCK) AS target
USING (SELECT %s) AS source
ON target._tenant_id = source._tenant_id AND target._entity = source._entity AND target.source_id = source.source_id
WHEN MATCHED THEN UPDATE SET %s
WHEN NOT MATCHED THEN INSERT (%s) VALUES (source.%s);`,
		quoteSQLServer(l.Table),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "),
		strings.Join(sqlColumns, ", "),
		strings.Join(sqlColumns, ", source."))
}

func (l *SQLLoader) Load(ctx context.Context, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, l.mergeQuery())
	if err != nil {
		return fmt.Errorf("prepare merge into %s: %w", l.Table, err)
	}
	defer stmt.Close()

	for _, rec := range records {
		props, err := json.Marshal(rec.Properties)
		if err != nil {
			return fmt.Errorf("encode properties of %s: %w", rec.SourceID, err)
		}
		custom, err := json.Marshal(rec.CustomProperties)
		if err != nil {
			return fmt.Errorf("encode custom properties of %s: %w", rec.SourceID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			rec.ID.String(), rec.TenantID, rec.Entity, rec.SourceID, rec.JobID, rec.SourceSystem,
			rec.PageNumber, rec.ExtractedAt, string(props), string(custom),
		); err != nil {
			return fmt.Errorf("merge %s into %s: %w", rec.SourceID, l.Table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	l.logger.Debug().Str("table", l.Table).Int("records", len(records)).Msg("sql server merge")
	return nil
}
