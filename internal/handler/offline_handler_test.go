package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/hitoshi/attendance/internal/middleware"
	"github.com/hitoshi/attendance/internal/model"
	"github.com/hitoshi/attendance/internal/offline"
)

// mockOfflineQueue はOfflineQueueInterfaceのモック実装。
type mockOfflineQueue struct {
	enqueueFn      func(ctx context.Context, req offline.EnqueueRequest) (*model.OfflineOperation, error)
	listPendingFn  func(ctx context.Context, participantID string, limit int) ([]*model.OfflineOperation, error)
	listFailedFn   func(ctx context.Context, participantID string, limit int) ([]*model.OfflineOperation, error)
	getFn          func(ctx context.Context, id, participantID string) (*model.OfflineOperation, error)
	processOneFn   func(ctx context.Context, id string) (bool, error)
	processBatchFn func(ctx context.Context, participantID string, maxOperations int) (*model.BatchResult, error)
	retryFn        func(ctx context.Context, id, participantID string) error
	clearFn        func(ctx context.Context, participantID string) (int, error)
	statusFn       func(ctx context.Context, participantID string) (*model.QueueStatus, error)
}

func (m *mockOfflineQueue) Enqueue(ctx context.Context, req offline.EnqueueRequest) (*model.OfflineOperation, error) {
	return m.enqueueFn(ctx, req)
}

func (m *mockOfflineQueue) ListPending(ctx context.Context, participantID string, limit int) ([]*model.OfflineOperation, error) {
	return m.listPendingFn(ctx, participantID, limit)
}

func (m *mockOfflineQueue) ListFailed(ctx context.Context, participantID string, limit int) ([]*model.OfflineOperation, error) {
	return m.listFailedFn(ctx, participantID, limit)
}

func (m *mockOfflineQueue) Get(ctx context.Context, id, participantID string) (*model.OfflineOperation, error) {
	return m.getFn(ctx, id, participantID)
}

func (m *mockOfflineQueue) ProcessOne(ctx context.Context, id string) (bool, error) {
	return m.processOneFn(ctx, id)
}

func (m *mockOfflineQueue) ProcessBatch(ctx context.Context, participantID string, maxOperations int) (*model.BatchResult, error) {
	return m.processBatchFn(ctx, participantID, maxOperations)
}

func (m *mockOfflineQueue) Retry(ctx context.Context, id, participantID string) error {
	return m.retryFn(ctx, id, participantID)
}

func (m *mockOfflineQueue) Clear(ctx context.Context, participantID string) (int, error) {
	return m.clearFn(ctx, participantID)
}

func (m *mockOfflineQueue) GetQueueStatus(ctx context.Context, participantID string) (*model.QueueStatus, error) {
	return m.statusFn(ctx, participantID)
}

func testOperation(status model.OperationStatus) *model.OfflineOperation {
	return &model.OfflineOperation{
		ID:            "op-1",
		Type:          model.OperationCheckIn,
		Payload:       json.RawMessage(`{"session_id":"session-1","latitude":40.7128,"longitude":-74.006}`),
		ParticipantID: testParticipant,
		Priority:      1,
		MaxRetries:    3,
		Status:        status,
		CreatedAt:     testNow,
	}
}

// --- POST /api/offline/operations ---

func TestOfflineHandler_Enqueue_Created(t *testing.T) {
	queue := &mockOfflineQueue{
		enqueueFn: func(ctx context.Context, req offline.EnqueueRequest) (*model.OfflineOperation, error) {
			if req.ParticipantID != testParticipant || req.Type != model.OperationCheckIn || req.Priority != 5 {
				t.Errorf("req = %+v", req)
			}
			var p model.CheckPayload
			if err := json.Unmarshal(req.Payload, &p); err != nil || p.SessionID != "session-1" {
				t.Errorf("payload = %s, err = %v", req.Payload, err)
			}
			op := testOperation(model.OperationStatusPending)
			op.Priority = req.Priority
			return op, nil
		},
	}

	body := `{"type":"check_in","priority":5,"payload":{"session_id":"session-1","latitude":40.7128,"longitude":-74.006}}`
	w := doRequest(t, newTestRouter(nil, queue), http.MethodPost, "/api/offline/operations", body, testParticipant)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d; body = %s", w.Code, http.StatusCreated, w.Body.String())
	}
	var resp operationResponse
	decodeBody(t, w, &resp)
	if resp.ID != "op-1" || resp.Status != model.OperationStatusPending || resp.Priority != 5 {
		t.Errorf("resp = %+v", resp)
	}
	var p model.CheckPayload
	if err := json.Unmarshal(resp.Payload, &p); err != nil || p.SessionID != "session-1" {
		t.Errorf("payload should be echoed as JSON, got %s", resp.Payload)
	}
}

func TestOfflineHandler_Enqueue_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"validation", model.NewInvalidRequestError("未知の操作種別です: teleport"), http.StatusBadRequest},
		{"queue full", model.NewQueueFullError(1000), http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := &mockOfflineQueue{
				enqueueFn: func(ctx context.Context, req offline.EnqueueRequest) (*model.OfflineOperation, error) {
					return nil, tt.err
				},
			}
			w := doRequest(t, newTestRouter(nil, queue), http.MethodPost, "/api/offline/operations", `{"type":"teleport","payload":{}}`, testParticipant)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

// --- 一覧 ---

// TestOfflineHandler_ListPending_ClampsLimit は上限を超えるlimitが丸められることを検証する。
func TestOfflineHandler_ListPending_ClampsLimit(t *testing.T) {
	var gotLimit int
	queue := &mockOfflineQueue{
		listPendingFn: func(ctx context.Context, participantID string, limit int) ([]*model.OfflineOperation, error) {
			gotLimit = limit
			return []*model.OfflineOperation{testOperation(model.OperationStatusPending)}, nil
		},
	}
	router := newTestRouter(nil, queue)

	w := doRequest(t, router, http.MethodGet, "/api/offline/operations/pending?limit=5000", "", testParticipant)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotLimit != maxOperationListLimit {
		t.Errorf("limit = %d, want %d", gotLimit, maxOperationListLimit)
	}

	doRequest(t, router, http.MethodGet, "/api/offline/operations/pending", "", testParticipant)
	if gotLimit != defaultOperationListLimit {
		t.Errorf("default limit = %d, want %d", gotLimit, defaultOperationListLimit)
	}
}

func TestOfflineHandler_ListFailed(t *testing.T) {
	attempt := testNow.Add(time.Minute)
	queue := &mockOfflineQueue{
		listFailedFn: func(ctx context.Context, participantID string, limit int) ([]*model.OfflineOperation, error) {
			op := testOperation(model.OperationStatusFailed)
			op.RetryCount = 3
			op.LastError = "3回失敗したため自動再試行を停止しました: boom"
			op.LastAttemptAt = &attempt
			return []*model.OfflineOperation{op}, nil
		},
	}

	w := doRequest(t, newTestRouter(nil, queue), http.MethodGet, "/api/offline/operations/failed", "", testParticipant)

	var resp struct {
		Operations []operationResponse `json:"operations"`
	}
	decodeBody(t, w, &resp)
	if len(resp.Operations) != 1 {
		t.Fatalf("operations = %d, want 1", len(resp.Operations))
	}
	op := resp.Operations[0]
	if op.RetryCount != 3 || op.LastError == "" || op.LastAttemptAt == nil || op.NextAttemptAt != nil {
		t.Errorf("op = %+v", op)
	}
}

// --- 処理 ---

// TestOfflineHandler_ProcessOne_Completed は成功した操作が削除済みのためoperationを返さないことを検証する。
func TestOfflineHandler_ProcessOne_Completed(t *testing.T) {
	getCalls := 0
	queue := &mockOfflineQueue{
		getFn: func(ctx context.Context, id, participantID string) (*model.OfflineOperation, error) {
			getCalls++
			return testOperation(model.OperationStatusPending), nil
		},
		processOneFn: func(ctx context.Context, id string) (bool, error) {
			if id != "op-1" {
				t.Errorf("id = %q, want op-1", id)
			}
			return true, nil
		},
	}

	w := doRequest(t, newTestRouter(nil, queue), http.MethodPost, "/api/offline/operations/op-1/process", "", testParticipant)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", w.Code, http.StatusOK, w.Body.String())
	}
	var resp processOneResponse
	decodeBody(t, w, &resp)
	if !resp.Processed || resp.Operation != nil {
		t.Errorf("resp = %+v", resp)
	}
	if getCalls != 1 {
		t.Errorf("Get calls = %d, want 1", getCalls)
	}
}

// TestOfflineHandler_ProcessOne_RetryScheduled は失敗した操作の状態を返すことを検証する。
func TestOfflineHandler_ProcessOne_RetryScheduled(t *testing.T) {
	processed := false
	queue := &mockOfflineQueue{
		getFn: func(ctx context.Context, id, participantID string) (*model.OfflineOperation, error) {
			op := testOperation(model.OperationStatusPending)
			if processed {
				op.RetryCount = 1
				op.LastError = "ジオフェンス外"
				op.NextAttemptAt = testNow.Add(30 * time.Second)
			}
			return op, nil
		},
		processOneFn: func(ctx context.Context, id string) (bool, error) {
			processed = true
			return false, nil
		},
	}

	w := doRequest(t, newTestRouter(nil, queue), http.MethodPost, "/api/offline/operations/op-1/process", "", testParticipant)

	var resp processOneResponse
	decodeBody(t, w, &resp)
	if resp.Processed || resp.Operation == nil {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Operation.RetryCount != 1 || resp.Operation.NextAttemptAt == nil {
		t.Errorf("operation = %+v", resp.Operation)
	}
}

// TestOfflineHandler_ProcessOne_Exhausted はリトライ上限に達した操作の処理要求が409になることを検証する。
func TestOfflineHandler_ProcessOne_Exhausted(t *testing.T) {
	queue := &mockOfflineQueue{
		getFn: func(ctx context.Context, id, participantID string) (*model.OfflineOperation, error) {
			return testOperation(model.OperationStatusFailed), nil
		},
		processOneFn: func(ctx context.Context, id string) (bool, error) {
			return false, model.NewQueueExhaustedError(id, 3)
		},
	}

	w := doRequest(t, newTestRouter(nil, queue), http.MethodPost, "/api/offline/operations/op-1/process", "", testParticipant)

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d; body = %s", w.Code, http.StatusConflict, w.Body.String())
	}
	var body middleware.ErrorResponseBody
	decodeBody(t, w, &body)
	if body.Code != model.ErrCodeQueueExhausted {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeQueueExhausted)
	}
}

func TestOfflineHandler_ProcessOne_NotOwned(t *testing.T) {
	queue := &mockOfflineQueue{
		getFn: func(ctx context.Context, id, participantID string) (*model.OfflineOperation, error) {
			return nil, model.NewOperationNotFoundError(id)
		},
		processOneFn: func(ctx context.Context, id string) (bool, error) {
			t.Error("ProcessOne should not be called for another participant's operation")
			return false, nil
		},
	}

	w := doRequest(t, newTestRouter(nil, queue), http.MethodPost, "/api/offline/operations/op-9/process", "", testParticipant)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestOfflineHandler_ProcessQueue(t *testing.T) {
	var gotMax int
	queue := &mockOfflineQueue{
		processBatchFn: func(ctx context.Context, participantID string, maxOperations int) (*model.BatchResult, error) {
			gotMax = maxOperations
			return &model.BatchResult{Processed: 2, Failed: 1, Total: 3}, nil
		},
	}
	router := newTestRouter(nil, queue)

	w := doRequest(t, router, http.MethodPost, "/api/offline/process", "", testParticipant)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", w.Code, http.StatusOK, w.Body.String())
	}
	var resp batchResponse
	decodeBody(t, w, &resp)
	if resp != (batchResponse{Processed: 2, Failed: 1, Total: 3}) {
		t.Errorf("resp = %+v", resp)
	}
	if gotMax != 0 {
		t.Errorf("maxOperations = %d, want 0 (queue default)", gotMax)
	}

	doRequest(t, router, http.MethodPost, "/api/offline/process", `{"max_operations":4}`, testParticipant)
	if gotMax != 4 {
		t.Errorf("maxOperations = %d, want 4", gotMax)
	}

	// 上限を超える指定は上限に切り詰める
	doRequest(t, router, http.MethodPost, "/api/offline/process", `{"max_operations":1000000}`, testParticipant)
	if gotMax != maxProcessOperations {
		t.Errorf("maxOperations = %d, want %d", gotMax, maxProcessOperations)
	}

	w = doRequest(t, router, http.MethodPost, "/api/offline/process", `{"max_operations":-1}`, testParticipant)
	if w.Code != http.StatusBadRequest {
		t.Errorf("negative max: status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// --- 再試行・破棄・状況 ---

func TestOfflineHandler_Retry(t *testing.T) {
	queue := &mockOfflineQueue{
		retryFn: func(ctx context.Context, id, participantID string) error {
			if id == "op-pending" {
				return model.NewOperationNotFailedError(id, model.OperationStatusPending)
			}
			return nil
		},
	}
	router := newTestRouter(nil, queue)

	w := doRequest(t, router, http.MethodPost, "/api/offline/operations/op-1/retry", "", testParticipant)
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}

	w = doRequest(t, router, http.MethodPost, "/api/offline/operations/op-pending/retry", "", testParticipant)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	var body middleware.ErrorResponseBody
	decodeBody(t, w, &body)
	if body.Code != model.ErrCodeOperationNotFailed {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeOperationNotFailed)
	}
}

func TestOfflineHandler_ClearAndStatus(t *testing.T) {
	oldest := testNow
	queue := &mockOfflineQueue{
		clearFn: func(ctx context.Context, participantID string) (int, error) {
			return 4, nil
		},
		statusFn: func(ctx context.Context, participantID string) (*model.QueueStatus, error) {
			return &model.QueueStatus{ParticipantID: participantID, Pending: 2, Processing: 1, Failed: 1, Total: 4, OldestPending: &oldest}, nil
		},
	}
	router := newTestRouter(nil, queue)

	w := doRequest(t, router, http.MethodDelete, "/api/offline/operations", "", testParticipant)
	var cleared struct {
		Cleared int `json:"cleared"`
	}
	decodeBody(t, w, &cleared)
	if cleared.Cleared != 4 {
		t.Errorf("cleared = %d, want 4", cleared.Cleared)
	}

	w = doRequest(t, router, http.MethodGet, "/api/offline/status", "", testParticipant)
	var st queueStatusResponse
	decodeBody(t, w, &st)
	if st.Pending != 2 || st.Processing != 1 || st.Failed != 1 || st.Total != 4 {
		t.Errorf("status = %+v", st)
	}
	if st.OldestPending == nil || !st.OldestPending.Equal(testNow) || st.NewestFailed != nil {
		t.Errorf("timestamps = %v, %v", st.OldestPending, st.NewestFailed)
	}
}
