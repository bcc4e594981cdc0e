package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/attendance/internal/attendance"
)

// MeetingServiceInterface はミーティングハンドラーが必要とするサービスインターフェース。
// *attendance.Service がそのまま満たす。
type MeetingServiceInterface interface {
	FindNearbyMeetings(ctx context.Context, lat, lng, radiusKm float64) ([]attendance.NearbyMeeting, error)
}

// MeetingHandler はミーティング検索のHTTPハンドラー。
type MeetingHandler struct {
	service MeetingServiceInterface
	errors  errorWriter
}

// NewMeetingHandler はMeetingHandlerを生成する。
func NewMeetingHandler(service MeetingServiceInterface, logger *slog.Logger) *MeetingHandler {
	return &MeetingHandler{
		service: service,
		errors:  errorWriter{logger: logger},
	}
}

// FindNearby は指定地点の近くにある受付中のミーティングを近い順に返す。
// GET /api/meetings/nearby?lat=&lng=&radius_km=
func (h *MeetingHandler) FindNearby(w http.ResponseWriter, r *http.Request) {
	lat, err := queryFloat(r, "lat", 0, true)
	if err != nil {
		h.errors.write(w, err)
		return
	}
	lng, err := queryFloat(r, "lng", 0, true)
	if err != nil {
		h.errors.write(w, err)
		return
	}
	radius, err := queryFloat(r, "radius_km", attendance.DefaultNearbyRadiusKm, false)
	if err != nil {
		h.errors.write(w, err)
		return
	}

	meetings, err := h.service.FindNearbyMeetings(r.Context(), lat, lng, radius)
	if err != nil {
		h.errors.write(w, err)
		return
	}
	resp := make([]nearbyMeetingResponse, 0, len(meetings))
	for _, m := range meetings {
		resp = append(resp, toNearbyMeetingResponse(m))
	}
	writeJSON(w, http.StatusOK, resp)
}
