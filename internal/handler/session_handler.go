package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/attendance/internal/attendance"
	"github.com/hitoshi/attendance/internal/middleware"
	"github.com/hitoshi/attendance/internal/model"
)

// SessionServiceInterface はセッションハンドラーが必要とするサービスインターフェース。
// *attendance.Service がそのまま満たす。
type SessionServiceInterface interface {
	StartSession(ctx context.Context, req attendance.StartRequest) (*attendance.StartResult, error)
	StartGeneralSession(ctx context.Context, req attendance.StartRequest) (*attendance.StartResult, error)
	CheckIn(ctx context.Context, req attendance.CheckRequest) (*attendance.Result, error)
	CheckOut(ctx context.Context, req attendance.CheckRequest) (*attendance.Result, error)
	EndSession(ctx context.Context, req attendance.EndRequest) (*attendance.Result, error)
	GetActiveSession(ctx context.Context, participantID string) (*model.Session, error)
	GetHistory(ctx context.Context, participantID string, limit, offset int) ([]*model.Session, error)
	GetSessionDetails(ctx context.Context, sessionID, participantID string) (*attendance.SessionDetails, error)
	GetStatistics(ctx context.Context, participantID string, from, to time.Time) (*attendance.Statistics, error)
}

// SessionHandler はセッションとチェックイン/チェックアウトのHTTPハンドラー。
type SessionHandler struct {
	service SessionServiceInterface
	errors  errorWriter
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(service SessionServiceInterface, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		service: service,
		errors:  errorWriter{logger: logger},
	}
}

// startSessionRequest はセッション開始リクエストのボディ。
type startSessionRequest struct {
	MeetingID string `json:"meeting_id"`
	Notes     string `json:"notes"`
	SessionID string `json:"session_id"`
}

// endSessionRequest はセッション終了リクエストのボディ。
type endSessionRequest struct {
	Reason string `json:"reason"`
}

// StartSession はミーティングへのセッションを開始する。
// POST /api/sessions
func (h *SessionHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	participantID, ok := participantFrom(w, r)
	if !ok {
		return
	}

	var req startSessionRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		h.errors.write(w, err)
		return
	}
	if req.MeetingID == "" {
		h.errors.write(w, model.NewInvalidRequestError("meeting_id は必須です"))
		return
	}

	res, err := h.service.StartSession(r.Context(), attendance.StartRequest{
		ParticipantID: participantID,
		MeetingID:     req.MeetingID,
		Notes:         req.Notes,
		SessionID:     req.SessionID,
	})
	if err != nil {
		h.errors.write(w, err)
		return
	}
	writeJSON(w, startStatus(res), toStartResponse(res))
}

// StartGeneralSession はミーティングに紐付かない一般セッションを開始する。
// 進行中のセッションがあればそれを返す。
// POST /api/sessions/general
func (h *SessionHandler) StartGeneralSession(w http.ResponseWriter, r *http.Request) {
	participantID, ok := participantFrom(w, r)
	if !ok {
		return
	}

	var req startSessionRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		h.errors.write(w, err)
		return
	}

	res, err := h.service.StartGeneralSession(r.Context(), attendance.StartRequest{
		ParticipantID: participantID,
		Notes:         req.Notes,
		SessionID:     req.SessionID,
	})
	if err != nil {
		h.errors.write(w, err)
		return
	}
	writeJSON(w, startStatus(res), toStartResponse(res))
}

// startStatus は新規作成なら201、既存を返した場合は200を返す。
func startStatus(res *attendance.StartResult) int {
	if res.Reused || res.AlreadyApplied {
		return http.StatusOK
	}
	return http.StatusCreated
}

// GetActiveSession は進行中のセッションを返す。無い場合はsessionをnullで返す。
// GET /api/sessions/active
func (h *SessionHandler) GetActiveSession(w http.ResponseWriter, r *http.Request) {
	participantID, ok := participantFrom(w, r)
	if !ok {
		return
	}

	sess, err := h.service.GetActiveSession(r.Context(), participantID)
	if err != nil {
		h.errors.write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Session *sessionResponse `json:"session"`
	}{Session: toSessionResponsePtr(sess)})
}

// GetHistory はセッション履歴を新しい順に返す。
// GET /api/sessions/history?limit=20&offset=0
func (h *SessionHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	participantID, ok := participantFrom(w, r)
	if !ok {
		return
	}

	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		h.errors.write(w, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		h.errors.write(w, err)
		return
	}

	sessions, err := h.service.GetHistory(r.Context(), participantID, limit, offset)
	if err != nil {
		h.errors.write(w, err)
		return
	}

	items := make([]sessionResponse, len(sessions))
	for i, s := range sessions {
		items[i] = toSessionResponse(s)
	}
	writeJSON(w, http.StatusOK, struct {
		Sessions []sessionResponse `json:"sessions"`
	}{Sessions: items})
}

// GetStatistics は期間内のセッション統計を返す。from/toは省略可能。
// GET /api/sessions/statistics?from=...&to=...
func (h *SessionHandler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	participantID, ok := participantFrom(w, r)
	if !ok {
		return
	}

	from, err := queryTime(r, "from")
	if err != nil {
		h.errors.write(w, err)
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		h.errors.write(w, err)
		return
	}

	stats, err := h.service.GetStatistics(r.Context(), participantID, from, to)
	if err != nil {
		h.errors.write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statisticsResponse{
		From:                   from,
		To:                     to,
		TotalSessions:          stats.TotalSessions,
		Active:                 stats.Active,
		CheckedIn:              stats.CheckedIn,
		Completed:              stats.Completed,
		Ended:                  stats.Ended,
		CompletionRate:         stats.CompletionRate,
		AverageDurationMinutes: stats.AverageDurationMinutes,
	})
}

// GetSessionDetails はセッションとイベント履歴を返す。
// GET /api/sessions/{id}
func (h *SessionHandler) GetSessionDetails(w http.ResponseWriter, r *http.Request) {
	participantID, ok := participantFrom(w, r)
	if !ok {
		return
	}

	details, err := h.service.GetSessionDetails(r.Context(), chi.URLParam(r, "id"), participantID)
	if err != nil {
		h.errors.write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDetailsResponse(details))
}

// CheckIn はジオフェンスを確認してチェックインする。
// POST /api/sessions/{id}/check-in
func (h *SessionHandler) CheckIn(w http.ResponseWriter, r *http.Request) {
	h.check(w, r, h.service.CheckIn)
}

// CheckOut はジオフェンスを確認してチェックアウトする。
// POST /api/sessions/{id}/check-out
func (h *SessionHandler) CheckOut(w http.ResponseWriter, r *http.Request) {
	h.check(w, r, h.service.CheckOut)
}

func (h *SessionHandler) check(w http.ResponseWriter, r *http.Request, do func(context.Context, attendance.CheckRequest) (*attendance.Result, error)) {
	participantID, ok := participantFrom(w, r)
	if !ok {
		return
	}

	var payload model.CheckPayload
	if err := decodeJSON(w, r, &payload, false); err != nil {
		h.errors.write(w, err)
		return
	}
	payload.SessionID = chi.URLParam(r, "id")

	req, err := attendance.NewCheckRequest(participantID, payload)
	if err != nil {
		h.errors.write(w, err)
		return
	}

	res, err := do(r.Context(), req)
	if err != nil {
		h.writeRejection(w, res, err)
		return
	}
	writeJSON(w, http.StatusOK, toResultResponse(res))
}

// EndSession はセッションを終了する。
// POST /api/sessions/{id}/end
func (h *SessionHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	participantID, ok := participantFrom(w, r)
	if !ok {
		return
	}

	var req endSessionRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		h.errors.write(w, err)
		return
	}

	res, err := h.service.EndSession(r.Context(), attendance.EndRequest{
		SessionID:     chi.URLParam(r, "id"),
		ParticipantID: participantID,
		Reason:        req.Reason,
	})
	if err != nil {
		h.writeRejection(w, res, err)
		return
	}
	writeJSON(w, http.StatusOK, toResultResponse(res))
}

// writeRejection はドメインエラーを結果種別とジオフェンス判定結果つきで書き込む。
func (h *SessionHandler) writeRejection(w http.ResponseWriter, res *attendance.Result, err error) {
	var apiErr *model.APIError
	status := http.StatusInternalServerError
	if errors.As(err, &apiErr) {
		status = middleware.StatusForKind(apiErr.Kind)
	}
	if res == nil || status == http.StatusInternalServerError {
		h.errors.write(w, err)
		return
	}

	writeJSON(w, status, rejectionResponse{
		Code:      apiErr.Code,
		Kind:      string(apiErr.Kind),
		Message:   apiErr.Message,
		Category:  apiErr.Category,
		Action:    apiErr.Action,
		Outcome:   res.Outcome,
		Proximity: toProximityResponse(res.Proximity),
	})
}
