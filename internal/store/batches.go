package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bundle-ingest/backend/internal/models"
)

// PersistError reports a failed batch transaction. Nothing from the batch is visible.
type PersistError struct {
	Op  string
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persisting batch: %s: %v", e.Op, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// SaveBatch writes a batch header and all of its entries in one transaction:
// insert header, stamp the generated id on every entry, bulk load entries,
// mark the batch parsed, commit. Any failure rolls everything back.
// On success batch.ID, batch.Status and every entry's BatchID are set.
func (s *Store) SaveBatch(ctx context.Context, batch *models.Batch, entries []models.Entry) (int64, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, &PersistError{Op: "acquire connection", Err: err}
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN TRANSACTION"); err != nil {
		return 0, &PersistError{Op: "begin", Err: err}
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if _, err := conn.ExecContext(context.Background(), "ROLLBACK"); err != nil {
			s.logger.Warn("rollback failed", "batch_no", batch.BatchNo, "error", err)
		}
	}()

	var id int64
	err = conn.QueryRowContext(ctx, `
		INSERT INTO batches (batch_no, excel_file_name, excel_storage_path, total_rows, total_pdfs, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		batch.BatchNo, batch.ExcelFileName, batch.ExcelStoragePath,
		batch.TotalRows, batch.TotalPdfs, string(models.BatchStatusUploaded), batch.CreatedAt.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, &PersistError{Op: "insert batch", Err: err}
	}

	if s.afterHeaderInsert != nil {
		if err := s.afterHeaderInsert(); err != nil {
			return 0, &PersistError{Op: "insert entries", Err: err}
		}
	}

	for i := range entries {
		entries[i].BatchID = id
	}
	if err := s.bulk.insertEntries(ctx, conn, entries); err != nil {
		return 0, &PersistError{Op: "insert entries", Err: err}
	}

	updatedAt := batch.CreatedAt.UTC()
	if _, err := conn.ExecContext(ctx,
		`UPDATE batches SET status = $1, updated_at = $2 WHERE id = $3`,
		string(models.BatchStatusParsed), updatedAt, id,
	); err != nil {
		return 0, &PersistError{Op: "update batch status", Err: err}
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return 0, &PersistError{Op: "commit", Err: err}
	}
	committed = true

	batch.ID = id
	batch.Status = models.BatchStatusParsed
	batch.UpdatedAt = &updatedAt
	s.logger.Info("batch persisted", "batch_id", id, "batch_no", batch.BatchNo, "entries", len(entries))
	return id, nil
}

const batchColumns = `id, batch_no, excel_file_name, excel_storage_path, total_rows, total_pdfs, status, created_at, updated_at`

func scanBatch(row rowScanner) (*models.Batch, error) {
	var (
		b       models.Batch
		status  string
		updated sql.NullTime
	)
	if err := row.Scan(&b.ID, &b.BatchNo, &b.ExcelFileName, &b.ExcelStoragePath,
		&b.TotalRows, &b.TotalPdfs, &status, &b.CreatedAt, &updated); err != nil {
		return nil, err
	}
	b.Status = models.BatchStatus(status)
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = timePtr(updated)
	return &b, nil
}

// GetBatch loads one batch header.
func (s *Store) GetBatch(ctx context.Context, id int64) (*models.Batch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading batch %d: %w", id, err)
	}
	return b, nil
}

// SetBatchStatus moves a batch to status.
func (s *Store) SetBatchStatus(ctx context.Context, id int64, status models.BatchStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = $1, updated_at = $2 WHERE id = $3`, string(status), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("updating batch %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// BatchFilter selects a page of batches.
type BatchFilter struct {
	BatchNo  string
	Page     int
	PageSize int
}

// ListBatches returns batches newest first, optionally filtered by a substring of the batch number.
func (s *Store) ListBatches(ctx context.Context, f BatchFilter) (*models.Page[models.Batch], error) {
	where, args := "", []any{}
	if f.BatchNo != "" {
		where = ` WHERE strpos(batch_no, $1) > 0`
		args = append(args, f.BatchNo)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM batches`+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting batches: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM batches%s ORDER BY created_at DESC, id DESC LIMIT %d OFFSET %d`,
		batchColumns, where, f.PageSize, (f.Page-1)*f.PageSize)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing batches: %w", err)
	}
	defer rows.Close()

	var items []models.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning batch: %w", err)
		}
		items = append(items, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return models.NewPage(items, f.Page, f.PageSize, total), nil
}

const entrySelect = `SELECT batch_id, row_index, row_type, seq_no, product_name, model, quantity,
	serial_no, pdf_file_name, pdf_path, parse_status, error_message, raw_text FROM entries`

func scanEntry(row rowScanner) (*models.Entry, error) {
	var (
		e                                      models.Entry
		rowType, parseStatus                   string
		seq, qty                               sql.NullInt64
		product, model, serial, pdfName, pdfAt sql.NullString
		errMsg                                 sql.NullString
	)
	if err := row.Scan(&e.BatchID, &e.RowIndex, &rowType, &seq, &product, &model, &qty,
		&serial, &pdfName, &pdfAt, &parseStatus, &errMsg, &e.RawText); err != nil {
		return nil, err
	}
	e.RowType = models.RowType(rowType)
	e.ParseStatus = models.ParseStatus(parseStatus)
	e.SeqNo = intPtr(seq)
	e.Quantity = intPtr(qty)
	e.ProductName = product.String
	e.Model = model.String
	e.SerialNo = serial.String
	e.PdfFileName = pdfName.String
	e.PdfPath = pdfAt.String
	e.ErrorMessage = errMsg.String
	return &e, nil
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]models.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	defer rows.Close()

	var items []models.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		items = append(items, *e)
	}
	return items, rows.Err()
}

// ListEntries returns one page of a batch's entries in row order.
func (s *Store) ListEntries(ctx context.Context, batchID int64, page, pageSize int) (*models.Page[models.Entry], error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE batch_id = $1`, batchID).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting entries: %w", err)
	}
	items, err := s.queryEntries(ctx,
		fmt.Sprintf(`%s WHERE batch_id = $1 ORDER BY row_index LIMIT %d OFFSET %d`, entrySelect, pageSize, (page-1)*pageSize),
		batchID)
	if err != nil {
		return nil, err
	}
	return models.NewPage(items, page, pageSize, total), nil
}

// DataEntries returns every data row of a batch in row order.
func (s *Store) DataEntries(ctx context.Context, batchID int64) ([]models.Entry, error) {
	return s.queryEntries(ctx, entrySelect+` WHERE batch_id = $1 AND row_type = $2 ORDER BY row_index`,
		batchID, string(models.RowTypeData))
}
