package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/marcboeker/go-duckdb"

	"github.com/bundle-ingest/backend/internal/models"
)

var entryColumns = []string{
	"batch_id", "row_index", "row_type", "seq_no", "product_name", "model", "quantity",
	"serial_no", "pdf_file_name", "pdf_path", "parse_status", "error_message", "raw_text",
}

// bulkInserter loads entries through conn, which already holds an open transaction.
type bulkInserter interface {
	insertEntries(ctx context.Context, conn *sql.Conn, entries []models.Entry) error
}

func entryValues(e *models.Entry) []driver.Value {
	var seq, qty driver.Value
	if e.SeqNo != nil {
		seq = int64(*e.SeqNo)
	}
	if e.Quantity != nil {
		qty = int64(*e.Quantity)
	}
	return []driver.Value{
		e.BatchID,
		int32(e.RowIndex),
		string(e.RowType),
		seq,
		nullString(e.ProductName),
		nullString(e.Model),
		qty,
		nullString(e.SerialNo),
		nullString(e.PdfFileName),
		nullString(e.PdfPath),
		string(e.ParseStatus),
		nullString(e.ErrorMessage),
		e.RawText,
	}
}

// duckdbAppender uses the native Appender API on the transaction's connection.
type duckdbAppender struct{}

func (duckdbAppender) insertEntries(ctx context.Context, conn *sql.Conn, entries []models.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return conn.Raw(func(driverConn interface{}) error {
		dConn, ok := driverConn.(*duckdb.Conn)
		if !ok {
			return fmt.Errorf("failed to cast to duckdb.Conn")
		}

		appender, err := duckdb.NewAppenderFromConn(dConn, "", "entries")
		if err != nil {
			return fmt.Errorf("failed to create appender: %w", err)
		}

		for i := range entries {
			if err := ctx.Err(); err != nil {
				appender.Close()
				return err
			}
			if err := appender.AppendRow(entryValues(&entries[i])...); err != nil {
				appender.Close()
				return fmt.Errorf("appending row %d: %w", entries[i].RowIndex, err)
			}
		}

		if err := appender.Close(); err != nil {
			return fmt.Errorf("flushing appender: %w", err)
		}
		return nil
	})
}

// pgxCopier streams entries with COPY FROM on the underlying pgx connection.
type pgxCopier struct{}

func (pgxCopier) insertEntries(ctx context.Context, conn *sql.Conn, entries []models.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return conn.Raw(func(driverConn interface{}) error {
		pc, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("failed to cast to stdlib.Conn")
		}

		n, err := pc.Conn().CopyFrom(ctx, pgx.Identifier{"entries"}, entryColumns,
			pgx.CopyFromSlice(len(entries), func(i int) ([]any, error) {
				vals := entryValues(&entries[i])
				row := make([]any, len(vals))
				for j, v := range vals {
					row[j] = v
				}
				return row, nil
			}))
		if err != nil {
			return fmt.Errorf("copying entries: %w", err)
		}
		if int(n) != len(entries) {
			return fmt.Errorf("copied %d of %d entries", n, len(entries))
		}
		return nil
	})
}
