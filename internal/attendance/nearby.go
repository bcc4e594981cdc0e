package attendance

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/hitoshi/attendance/internal/geo"
	"github.com/hitoshi/attendance/internal/model"
)

// 近隣ミーティング検索の既定半径と上限（km）。
const (
	DefaultNearbyRadiusKm = 5.0
	MaxNearbyRadiusKm     = 50.0
)

// NearbyMeeting は近隣検索で見つかったミーティング。
type NearbyMeeting struct {
	Meeting *model.Meeting
	// RadiusMeters は未設定の場合に既定値を補ったジオフェンス半径。
	RadiusMeters float64
	// DistanceKm は検索地点からの距離。小数第2位で丸める。
	DistanceKm float64
}

// FindNearbyMeetings は指定地点からradiusKm以内にある受付中のミーティングを近い順に返す。
// radiusKmが0の場合は既定値を使い、上限を超える場合は上限に丸める。
func (s *Service) FindNearbyMeetings(ctx context.Context, lat, lng, radiusKm float64) ([]NearbyMeeting, error) {
	if !geo.IsCoordinateValid(lat, lng) {
		return nil, model.NewInvalidLocationError(lat, lng)
	}
	if math.IsNaN(radiusKm) || radiusKm < 0 {
		return nil, model.NewInvalidRequestError("radius_km は0以上で指定してください")
	}
	if radiusKm == 0 {
		radiusKm = DefaultNearbyRadiusKm
	}
	if radiusKm > MaxNearbyRadiusKm {
		radiusKm = MaxNearbyRadiusKm
	}

	meetings, err := s.meetings.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("近隣ミーティングの検索に失敗しました: %w", err)
	}

	type candidate struct {
		meeting  *model.Meeting
		distance float64
	}
	limit := radiusKm * 1000
	var found []candidate
	for _, m := range meetings {
		d := geo.Distance(lat, lng, m.Lat, m.Lng)
		if d <= limit {
			found = append(found, candidate{meeting: m, distance: d})
		}
	}
	// 丸め前の距離で並べ、同距離はID順
	sort.Slice(found, func(i, j int) bool {
		if found[i].distance != found[j].distance {
			return found[i].distance < found[j].distance
		}
		return found[i].meeting.ID < found[j].meeting.ID
	})

	results := make([]NearbyMeeting, 0, len(found))
	for _, c := range found {
		_, radius := s.machine.Geofence(c.meeting)
		results = append(results, NearbyMeeting{
			Meeting:      c.meeting,
			RadiusMeters: radius,
			DistanceKm:   math.Round(c.distance/10) / 100,
		})
	}
	s.logger.Debug("近隣ミーティングを検索しました",
		slog.Float64("radius_km", radiusKm),
		slog.Int("found", len(results)),
	)
	return results, nil
}
