package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/audiencekit/segment-engine/internal/domain"
	"github.com/audiencekit/segment-engine/internal/usecase"
	"github.com/gin-gonic/gin"
)

type BatchHandler struct {
	uc     *usecase.BatchUsecase
	logger *slog.Logger
}

func NewBatchHandler(uc *usecase.BatchUsecase, logger *slog.Logger) *BatchHandler {
	return &BatchHandler{uc: uc, logger: logger.With("component", "batch_handler")}
}

type segmentRequest struct {
	Name       string          `json:"name"       binding:"required,max=256"`
	Definition json.RawMessage `json:"definition"`
}

type createBatchRequest struct {
	AccountRef string           `json:"account_ref" binding:"required,max=256"`
	Name       string           `json:"name"        binding:"required,max=256"`
	Segments   []segmentRequest `json:"segments"    binding:"required,min=1,max=500,dive"`
}

type createBatchResponse struct {
	ID            string        `json:"id"`
	Status        domain.Status `json:"status"`
	SegmentsTotal int           `json:"segments_total"`
	CreatedAt     time.Time     `json:"created_at"`
}

func (h *BatchHandler) Create(ctx *gin.Context) {
	var req createBatchRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	segments := make([]usecase.SegmentInput, len(req.Segments))
	for i, s := range req.Segments {
		segments[i] = usecase.SegmentInput{Name: s.Name, Definition: s.Definition}
	}

	batch, err := h.uc.CreateBatch(ctx.Request.Context(), usecase.CreateBatchInput{
		OwnerID:    ctx.GetString("ownerID"),
		AccountRef: req.AccountRef,
		Name:       req.Name,
		Segments:   segments,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrAccountNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"error": errAccountNotFound})
		case errors.Is(err, domain.ErrEmptyBatch), errors.Is(err, domain.ErrDuplicateSegment):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error("create batch", "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.JSON(http.StatusCreated, createBatchResponse{
		ID:            batch.ID,
		Status:        batch.Status,
		SegmentsTotal: batch.SegmentsTotal,
		CreatedAt:     batch.CreatedAt,
	})
}

type taskResponse struct {
	Name         string           `json:"name"`
	State        domain.TaskState `json:"state"`
	ExternalID   *string          `json:"external_id,omitempty"`
	AttemptCount int              `json:"attempt_count"`
	LastError    *string          `json:"last_error,omitempty"`
}

type batchResponse struct {
	ID                string         `json:"id"`
	AccountRef        string         `json:"account_ref"`
	Name              string         `json:"name"`
	Status            domain.Status  `json:"status"`
	SegmentsTotal     int            `json:"segments_total"`
	SegmentsProcessed int            `json:"segments_processed"`
	SuccessCount      int            `json:"success_count"`
	ErrorCount        int            `json:"error_count"`
	LastError         *string        `json:"last_error,omitempty"`
	NextAttemptAt     *time.Time     `json:"next_attempt_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	Tasks             []taskResponse `json:"tasks,omitempty"`
}

func toBatchResponse(b *domain.Batch) batchResponse {
	resp := batchResponse{
		ID:                b.ID,
		AccountRef:        b.AccountRef,
		Name:              b.Name,
		Status:            b.Status,
		SegmentsTotal:     b.SegmentsTotal,
		SegmentsProcessed: b.SegmentsProcessed,
		SuccessCount:      b.SuccessCount,
		ErrorCount:        b.ErrorCount,
		LastError:         b.LastError,
		NextAttemptAt:     b.NextAttemptAt,
		CreatedAt:         b.CreatedAt,
		UpdatedAt:         b.UpdatedAt,
		CompletedAt:       b.CompletedAt,
	}
	for _, t := range b.Tasks {
		resp.Tasks = append(resp.Tasks, taskResponse{
			Name:         t.Name,
			State:        t.State,
			ExternalID:   t.ExternalID,
			AttemptCount: t.AttemptCount,
			LastError:    t.LastError,
		})
	}
	return resp
}

// GetByID is the observability surface for UI polling: aggregate counters
// plus per-task progress, read-only.
func (h *BatchHandler) GetByID(ctx *gin.Context) {
	batchID := ctx.Param("id")

	batch, err := h.uc.GetBatch(ctx.Request.Context(), batchID, ctx.GetString("ownerID"))
	if err != nil {
		if errors.Is(err, domain.ErrBatchNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errBatchNotFound})
			return
		}
		h.logger.Error("get batch", "batch_id", batchID, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.JSON(http.StatusOK, toBatchResponse(batch))
}

type listBatchesResponse struct {
	Batches    []batchResponse `json:"batches"`
	NextCursor *string         `json:"next_cursor,omitempty"`
}

func (h *BatchHandler) List(ctx *gin.Context) {
	limit, _ := strconv.Atoi(ctx.Query("limit"))

	result, err := h.uc.ListBatches(ctx.Request.Context(), usecase.ListBatchesInput{
		OwnerID: ctx.GetString("ownerID"),
		Status:  domain.Status(ctx.Query("status")),
		Cursor:  ctx.Query("cursor"),
		Limit:   limit,
	})
	if err != nil {
		h.logger.Error("list batches", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	resp := listBatchesResponse{NextCursor: result.NextCursor, Batches: []batchResponse{}}
	for _, b := range result.Batches {
		resp.Batches = append(resp.Batches, toBatchResponse(b))
	}
	ctx.JSON(http.StatusOK, resp)
}

func (h *BatchHandler) Cancel(ctx *gin.Context) {
	batchID := ctx.Param("id")

	err := h.uc.CancelBatch(ctx.Request.Context(), batchID, ctx.GetString("ownerID"))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrBatchNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"error": errBatchNotFound})
		case errors.Is(err, domain.ErrBatchTerminal):
			ctx.JSON(http.StatusConflict, gin.H{"error": errBatchTerminal})
		default:
			h.logger.Error("cancel batch", "batch_id", batchID, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.Status(http.StatusNoContent)
}

type errorRecordResponse struct {
	ID           string     `json:"id"`
	SegmentName  string     `json:"segment_name"`
	ErrorMessage string     `json:"error_message"`
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

func (h *BatchHandler) ListErrors(ctx *gin.Context) {
	batchID := ctx.Param("id")

	recs, err := h.uc.ListErrors(ctx.Request.Context(), batchID, ctx.GetString("ownerID"))
	if err != nil {
		if errors.Is(err, domain.ErrBatchNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errBatchNotFound})
			return
		}
		h.logger.Error("list error records", "batch_id", batchID, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	resp := make([]errorRecordResponse, 0, len(recs))
	for _, r := range recs {
		resp = append(resp, errorRecordResponse{
			ID:           r.ID,
			SegmentName:  r.SegmentName,
			ErrorMessage: r.ErrorMessage,
			RetryCount:   r.RetryCount,
			CreatedAt:    r.CreatedAt,
			ResolvedAt:   r.ResolvedAt,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"errors": resp})
}

func (h *BatchHandler) ResolveError(ctx *gin.Context) {
	recordID := ctx.Param("id")

	if err := h.uc.ResolveError(ctx.Request.Context(), recordID, ctx.GetString("ownerID")); err != nil {
		if errors.Is(err, domain.ErrErrorRecordNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errRecordNotFound})
			return
		}
		h.logger.Error("resolve error record", "record_id", recordID, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.Status(http.StatusNoContent)
}
