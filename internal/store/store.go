// Package store persists batches, entries and job records in a relational backend.
//
// Two backends share one SQL dialect: DuckDB (embedded, default) and Postgres.
// They differ only in how entries are bulk loaded: the DuckDB Appender or the
// Postgres COPY protocol, both on the connection that holds the transaction.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/marcboeker/go-duckdb"

	"github.com/bundle-ingest/backend/internal/config"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the relational persistence layer.
type Store struct {
	db     *sql.DB
	driver string
	bulk   bulkInserter
	logger *slog.Logger

	// test hook run inside SaveBatch after the header insert
	afterHeaderInsert func() error
}

// Open connects to the configured backend and creates the schema.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "driver", cfg.Driver)

	var (
		db   *sql.DB
		bulk bulkInserter
		err  error
	)
	switch cfg.Driver {
	case config.DriverDuckDB:
		db, err = openDuckDB(cfg, logger)
		bulk = duckdbAppender{}
	case config.DriverPostgres:
		db, err = sql.Open("pgx", cfg.DSN)
		bulk = pgxCopier{}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, driver: cfg.Driver, bulk: bulk, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("store ready")
	return s, nil
}

func openDuckDB(cfg config.DatabaseConfig, logger *slog.Logger) (*sql.DB, error) {
	var pragmas []string
	if cfg.DuckDBMemoryLimit != "" {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA memory_limit='%s'", strings.ReplaceAll(cfg.DuckDBMemoryLimit, "'", "")))
	}
	if cfg.DuckDBThreads > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA threads=%d", cfg.DuckDBThreads))
	}
	pragmas = append(pragmas, "PRAGMA enable_progress_bar=false")

	connector, err := duckdb.NewConnector(cfg.DSN, func(execer driver.ExecerContext) error {
		for _, pragma := range pragmas {
			if _, err := execer.ExecContext(context.Background(), pragma, nil); err != nil {
				logger.Warn("pragma failed", "pragma", pragma, "error", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}
	return sql.OpenDB(connector), nil
}

var schema = []string{
	`CREATE SEQUENCE IF NOT EXISTS batches_id_seq START 1`,
	`CREATE TABLE IF NOT EXISTS batches (
		id                 BIGINT PRIMARY KEY DEFAULT nextval('batches_id_seq'),
		batch_no           VARCHAR NOT NULL,
		excel_file_name    VARCHAR NOT NULL,
		excel_storage_path VARCHAR NOT NULL,
		total_rows         INTEGER NOT NULL,
		total_pdfs         INTEGER NOT NULL,
		status             VARCHAR NOT NULL,
		created_at         TIMESTAMP NOT NULL,
		updated_at         TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS entries (
		batch_id      BIGINT NOT NULL,
		row_index     INTEGER NOT NULL,
		row_type      VARCHAR NOT NULL,
		seq_no        BIGINT,
		product_name  VARCHAR,
		model         VARCHAR,
		quantity      BIGINT,
		serial_no     VARCHAR,
		pdf_file_name VARCHAR,
		pdf_path      VARCHAR,
		parse_status  VARCHAR NOT NULL,
		error_message VARCHAR,
		raw_text      VARCHAR NOT NULL,
		PRIMARY KEY (batch_id, row_index)
	)`,
	`CREATE TABLE IF NOT EXISTS upload_jobs (
		job_id             VARCHAR PRIMARY KEY,
		original_file_name VARCHAR NOT NULL,
		zip_file_path      VARCHAR NOT NULL,
		workspace          VARCHAR NOT NULL,
		file_size_bytes    BIGINT NOT NULL,
		status             VARCHAR NOT NULL,
		progress           INTEGER NOT NULL,
		batch_id           BIGINT,
		error_message      VARCHAR,
		attempts           INTEGER NOT NULL,
		created_at         TIMESTAMP NOT NULL,
		started_at         TIMESTAMP,
		completed_at       TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS download_jobs (
		job_id              VARCHAR PRIMARY KEY,
		batch_id            BIGINT NOT NULL,
		batch_no            VARCHAR NOT NULL,
		status              VARCHAR NOT NULL,
		progress            INTEGER NOT NULL,
		zip_file_path       VARCHAR,
		zip_file_name       VARCHAR,
		zip_file_size_bytes BIGINT,
		total_files         INTEGER NOT NULL,
		missing_files_count INTEGER NOT NULL,
		error_message       VARCHAR,
		attempts            INTEGER NOT NULL,
		created_at          TIMESTAMP NOT NULL,
		started_at          TIMESTAMP,
		completed_at        TIMESTAMP,
		downloaded_at       TIMESTAMP,
		expires_at          TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_download_jobs_batch ON download_jobs (batch_id)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}

// Ping checks the backend connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

// placeholders renders $start..$start+n-1 as a comma separated list.
func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}
