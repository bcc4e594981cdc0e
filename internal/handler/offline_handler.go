package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/attendance/internal/model"
	"github.com/hitoshi/attendance/internal/offline"
)

// OfflineQueueInterface はオフラインキューハンドラーが必要とするインターフェース。
// *offline.Queue がそのまま満たす。
type OfflineQueueInterface interface {
	Enqueue(ctx context.Context, req offline.EnqueueRequest) (*model.OfflineOperation, error)
	ListPending(ctx context.Context, participantID string, limit int) ([]*model.OfflineOperation, error)
	ListFailed(ctx context.Context, participantID string, limit int) ([]*model.OfflineOperation, error)
	Get(ctx context.Context, id, participantID string) (*model.OfflineOperation, error)
	ProcessOne(ctx context.Context, id string) (bool, error)
	ProcessBatch(ctx context.Context, participantID string, maxOperations int) (*model.BatchResult, error)
	Retry(ctx context.Context, id, participantID string) error
	Clear(ctx context.Context, participantID string) (int, error)
	GetQueueStatus(ctx context.Context, participantID string) (*model.QueueStatus, error)
}

// 一覧の既定件数と上限。
const (
	defaultOperationListLimit = 50
	maxOperationListLimit     = 200
)

// maxProcessOperations は1回の一括処理要求で指定できる件数の上限。
// キュー側でもバッチサイズで切り詰められる。
const maxProcessOperations = 50

// OfflineHandler はオフライン操作キューのHTTPハンドラー。
type OfflineHandler struct {
	queue  OfflineQueueInterface
	errors errorWriter
}

// NewOfflineHandler はOfflineHandlerを生成する。
func NewOfflineHandler(queue OfflineQueueInterface, logger *slog.Logger) *OfflineHandler {
	return &OfflineHandler{
		queue:  queue,
		errors: errorWriter{logger: logger},
	}
}

// enqueueRequest はオフライン操作追加リクエストのボディ。
type enqueueRequest struct {
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Priority   int             `json:"priority"`
	MaxRetries int             `json:"max_retries"`
}

// processRequest はキュー処理リクエストのボディ。
type processRequest struct {
	MaxOperations int `json:"max_operations"`
}

// processOneResponse は単一操作の処理結果。
// 成功した操作はキューから削除されるため、operationは失敗時や未実行時のみ返す。
type processOneResponse struct {
	Processed bool               `json:"processed"`
	Operation *operationResponse `json:"operation,omitempty"`
}

// Enqueue はオフライン中に受け付けた操作をキューに追加する。
// POST /api/offline/operations
func (h *OfflineHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	participantID, ok := participantFrom(w, r)
	if !ok {
		return
	}

	var req enqueueRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		h.errors.write(w, err)
		return
	}

	op, err := h.queue.Enqueue(r.Context(), offline.EnqueueRequest{
		ParticipantID: participantID,
		Type:          model.OperationType(req.Type),
		Payload:       req.Payload,
		Priority:      req.Priority,
		MaxRetries:    req.MaxRetries,
	})
	if err != nil {
		h.errors.write(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOperationResponse(op))
}

// ListPending はpendingの操作を処理順に返す。
// GET /api/offline/operations/pending?limit=50
func (h *OfflineHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.queue.ListPending)
}

// ListFailed は自動再試行を停止した操作を返す。
// GET /api/offline/operations/failed?limit=50
func (h *OfflineHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.queue.ListFailed)
}

func (h *OfflineHandler) list(w http.ResponseWriter, r *http.Request, fetch func(context.Context, string, int) ([]*model.OfflineOperation, error)) {
	participantID, ok := participantFrom(w, r)
	if !ok {
		return
	}

	limit, err := queryInt(r, "limit", defaultOperationListLimit)
	if err != nil {
		h.errors.write(w, err)
		return
	}
	if limit <= 0 || limit > maxOperationListLimit {
		limit = maxOperationListLimit
	}

	ops, err := fetch(r.Context(), participantID, limit)
	if err != nil {
		h.errors.write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Operations []operationResponse `json:"operations"`
	}{Operations: toOperationResponses(ops)})
}

// GetOperation は操作を1件返す。
// GET /api/offline/operations/{id}
func (h *OfflineHandler) GetOperation(w http.ResponseWriter, r *http.Request) {
	participantID, ok := participantFrom(w, r)
	if !ok {
		return
	}

	op, err := h.queue.Get(r.Context(), chi.URLParam(r, "id"), participantID)
	if err != nil {
		h.errors.write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOperationResponse(op))
}

// ProcessOne は指定した操作を即時に実行する。
// POST /api/offline/operations/{id}/process
func (h *OfflineHandler) ProcessOne(w http.ResponseWriter, r *http.Request) {
	participantID, ok := participantFrom(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	if _, err := h.queue.Get(r.Context(), id, participantID); err != nil {
		h.errors.write(w, err)
		return
	}

	processed, err := h.queue.ProcessOne(r.Context(), id)
	if err != nil {
		h.errors.write(w, err)
		return
	}

	resp := processOneResponse{Processed: processed}
	if !processed {
		op, err := h.queue.Get(r.Context(), id, participantID)
		switch {
		case err == nil:
			o := toOperationResponse(op)
			resp.Operation = &o
		case !model.IsKind(err, model.KindNotFound):
			h.errors.write(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ProcessQueue は実行可能な操作を優先度順にまとめて実行する。
// POST /api/offline/process
func (h *OfflineHandler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	participantID, ok := participantFrom(w, r)
	if !ok {
		return
	}

	var req processRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		h.errors.write(w, err)
		return
	}
	if req.MaxOperations < 0 {
		h.errors.write(w, model.NewInvalidRequestError("max_operations は0以上で指定してください"))
		return
	}
	if req.MaxOperations > maxProcessOperations {
		req.MaxOperations = maxProcessOperations
	}

	result, err := h.queue.ProcessBatch(r.Context(), participantID, req.MaxOperations)
	if err != nil {
		h.errors.write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{
		Processed: result.Processed,
		Failed:    result.Failed,
		Total:     result.Total,
	})
}

// Retry はfailedの操作を再試行待ちに戻す。
// POST /api/offline/operations/{id}/retry
func (h *OfflineHandler) Retry(w http.ResponseWriter, r *http.Request) {
	participantID, ok := participantFrom(w, r)
	if !ok {
		return
	}

	if err := h.queue.Retry(r.Context(), chi.URLParam(r, "id"), participantID); err != nil {
		h.errors.write(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Clear はpendingとfailedの操作を破棄する。
// DELETE /api/offline/operations
func (h *OfflineHandler) Clear(w http.ResponseWriter, r *http.Request) {
	participantID, ok := participantFrom(w, r)
	if !ok {
		return
	}

	n, err := h.queue.Clear(r.Context(), participantID)
	if err != nil {
		h.errors.write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Cleared int `json:"cleared"`
	}{Cleared: n})
}

// GetStatus はキュー状況を返す。
// GET /api/offline/status
func (h *OfflineHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	participantID, ok := participantFrom(w, r)
	if !ok {
		return
	}

	st, err := h.queue.GetQueueStatus(r.Context(), participantID)
	if err != nil {
		h.errors.write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queueStatusResponse{
		Pending:       st.Pending,
		Processing:    st.Processing,
		Failed:        st.Failed,
		Total:         st.Total,
		OldestPending: st.OldestPending,
		NewestFailed:  st.NewestFailed,
	})
}
