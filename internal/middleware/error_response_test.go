package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/attendance/internal/model"
)

// TestWriteErrorResponse_WritesUnifiedFormat は統一エラーフォーマットでレスポンスが書き込まれることを検証する。
func TestWriteErrorResponse_WritesUnifiedFormat(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("limit が不正です"))

	resp := w.Result()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if body.Code != model.ErrCodeInvalidRequest {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInvalidRequest)
	}
	if body.Kind != string(model.KindValidation) {
		t.Errorf("kind = %q, want %q", body.Kind, model.KindValidation)
	}
	if body.Category != "validation" {
		t.Errorf("category = %q, want %q", body.Category, "validation")
	}
	if body.Action == "" {
		t.Error("action should not be empty")
	}
}

func TestStatusForKind(t *testing.T) {
	tests := []struct {
		kind model.ErrorKind
		want int
	}{
		{model.KindValidation, http.StatusBadRequest},
		{model.KindNotFound, http.StatusNotFound},
		{model.KindConflict, http.StatusConflict},
		{model.KindOutOfRange, http.StatusUnprocessableEntity},
		{model.KindQueueExhausted, http.StatusConflict},
		{model.KindSystem, http.StatusInternalServerError},
		{"", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusForKind(tt.kind); got != tt.want {
			t.Errorf("StatusForKind(%q) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

// TestWriteError_WrappedDomainError はラップされたドメインエラーも分類どおりに返すことを検証する。
func TestWriteError_WrappedDomainError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	w := httptest.NewRecorder()

	err := fmt.Errorf("チェックインに失敗しました: %w", model.NewOutOfRangeError(250, 100))
	WriteError(w, logger, err)

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnprocessableEntity)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if body.Code != model.ErrCodeOutOfRange {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeOutOfRange)
	}
	if buf.Len() != 0 {
		t.Errorf("domain errors should not be logged, got %s", buf.String())
	}
}

// TestWriteError_HidesInternalDetails は内部エラーの詳細を応答に含めずログにだけ残すことを検証する。
func TestWriteError_HidesInternalDetails(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	for _, err := range []error{
		errors.New("pq: connection refused"),
		model.NewUnknownStatusError("session_status", "paused"),
	} {
		buf.Reset()
		w := httptest.NewRecorder()
		WriteError(w, logger, err)

		if w.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
		}
		if strings.Contains(w.Body.String(), err.Error()) {
			t.Errorf("response leaks internal error: %s", w.Body.String())
		}
		if !strings.Contains(buf.String(), "internal server error") {
			t.Errorf("expected error log, got %s", buf.String())
		}
	}
}
