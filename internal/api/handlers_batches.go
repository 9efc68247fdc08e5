// handlers_batches.go - Batch and entry query handlers
package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/bundle-ingest/backend/internal/models"
	"github.com/bundle-ingest/backend/internal/store"
)

// Page size bounds for listings
const (
	defaultBatchPageSize = 20
	maxBatchPageSize     = 200
	defaultEntryPageSize = 100
	maxEntryPageSize     = 500
)

const mimeMsgpack = "application/msgpack"

// BatchHandlerImpl implements the BatchHandler interface
type BatchHandlerImpl struct {
	batches BatchReader
}

// NewBatchHandler creates a new batch handler
func NewBatchHandler(batches BatchReader) BatchHandler {
	return &BatchHandlerImpl{batches: batches}
}

// parsePaging reads page and pageSize, falling back to defaults for missing
// or unparseable values and clamping pageSize into 1..maxSize.
func parsePaging(c echo.Context, defaultSize, maxSize int) (int, int) {
	page, err := strconv.Atoi(c.QueryParam("page"))
	if err != nil || page < 1 {
		page = 1
	}
	pageSize, err := strconv.Atoi(c.QueryParam("pageSize"))
	if err != nil {
		pageSize = defaultSize
	}
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxSize {
		pageSize = maxSize
	}
	return page, pageSize
}

func parseBatchID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("batchId"), 10, 64)
	if err != nil || id < 1 {
		return 0, NewValidationError("batchId")
	}
	return id, nil
}

// HandleListBatches returns a page of batches, newest first
func (h *BatchHandlerImpl) HandleListBatches(c echo.Context) error {
	page, pageSize := parsePaging(c, defaultBatchPageSize, maxBatchPageSize)
	result, err := h.batches.ListBatches(c.Request().Context(), store.BatchFilter{
		BatchNo:  strings.TrimSpace(c.QueryParam("batchNo")),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		return NewInternalError("failed to list batches", err)
	}
	return c.JSON(http.StatusOK, result)
}

// HandleGetBatch returns one batch header
func (h *BatchHandlerImpl) HandleGetBatch(c echo.Context) error {
	id, err := parseBatchID(c)
	if err != nil {
		return err
	}
	batch, err := h.batches.GetBatch(c.Request().Context(), id)
	if err != nil {
		return notFoundOr(err, "batch", c.Param("batchId"))
	}
	return c.JSON(http.StatusOK, batch)
}

func (h *BatchHandlerImpl) entriesPage(c echo.Context) (*models.Page[models.Entry], error) {
	id, err := parseBatchID(c)
	if err != nil {
		return nil, err
	}
	ctx := c.Request().Context()
	if _, err := h.batches.GetBatch(ctx, id); err != nil {
		return nil, notFoundOr(err, "batch", c.Param("batchId"))
	}

	page, pageSize := parsePaging(c, defaultEntryPageSize, maxEntryPageSize)
	result, err := h.batches.ListEntries(ctx, id, page, pageSize)
	if err != nil {
		return nil, NewInternalError("failed to list entries", err)
	}
	return result, nil
}

// HandleListEntries returns a page of a batch's entries in row order
func (h *BatchHandlerImpl) HandleListEntries(c echo.Context) error {
	result, err := h.entriesPage(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// HandleListEntriesMsgpack returns the same page in MessagePack format
func (h *BatchHandlerImpl) HandleListEntriesMsgpack(c echo.Context) error {
	result, err := h.entriesPage(c)
	if err != nil {
		return err
	}
	data, err := msgpack.Marshal(result)
	if err != nil {
		return NewInternalError("failed to encode msgpack", err)
	}
	return c.Blob(http.StatusOK, mimeMsgpack, data)
}
