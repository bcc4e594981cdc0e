package handler

import (
	"encoding/json"
	"math"
	"time"

	"github.com/hitoshi/attendance/internal/attendance"
	"github.com/hitoshi/attendance/internal/geo"
	"github.com/hitoshi/attendance/internal/model"
)

// destinationResponse はセッションの目的地。
type destinationResponse struct {
	Name      string  `json:"name"`
	Address   string  `json:"address,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// sessionResponse はセッションのAPIレスポンス。
type sessionResponse struct {
	ID            string              `json:"id"`
	ParticipantID string              `json:"participant_id"`
	MeetingID     *string             `json:"meeting_id"`
	Destination   destinationResponse `json:"destination"`
	Notes         string              `json:"notes,omitempty"`
	Status        model.SessionStatus `json:"status"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// eventResponse はセッションイベントのAPIレスポンス。
type eventResponse struct {
	ID              string             `json:"id"`
	Type            model.EventType    `json:"type"`
	ClientTimestamp time.Time          `json:"client_timestamp"`
	ServerTimestamp time.Time          `json:"server_timestamp"`
	Latitude        float64            `json:"latitude"`
	Longitude       float64            `json:"longitude"`
	Accuracy        *float64           `json:"accuracy,omitempty"`
	Altitude        *float64           `json:"altitude,omitempty"`
	Speed           *float64           `json:"speed,omitempty"`
	Heading         *float64           `json:"heading,omitempty"`
	LocationFlag    model.LocationFlag `json:"location_flag"`
	Notes           string             `json:"notes,omitempty"`
}

// proximityResponse はジオフェンス判定結果。
// 判定不能な入力では距離が無限大になるため、その場合はdistance_metersを省く。
type proximityResponse struct {
	WithinRange    bool     `json:"within_range"`
	DistanceMeters *float64 `json:"distance_meters,omitempty"`
	RadiusMeters   float64  `json:"radius_meters"`
	Confidence     float64  `json:"confidence"`
}

// startResponse はセッション開始のレスポンス。
type startResponse struct {
	Session          sessionResponse `json:"session"`
	ClosedPreviousID string          `json:"closed_previous_id,omitempty"`
	Reused           bool            `json:"reused"`
	AlreadyApplied   bool            `json:"already_applied"`
}

// resultResponse はチェックイン/チェックアウト/終了のレスポンス。
type resultResponse struct {
	Outcome        attendance.Outcome `json:"outcome"`
	Session        *sessionResponse   `json:"session,omitempty"`
	Event          *eventResponse     `json:"event,omitempty"`
	Proximity      *proximityResponse `json:"proximity,omitempty"`
	Lenient        bool               `json:"lenient"`
	AlreadyApplied bool               `json:"already_applied"`
}

// rejectionResponse は判定済みの拒否理由と判定結果をまとめたエラーレスポンス。
type rejectionResponse struct {
	Code      string             `json:"code"`
	Kind      string             `json:"kind"`
	Message   string             `json:"message"`
	Category  string             `json:"category"`
	Action    string             `json:"action"`
	Outcome   attendance.Outcome `json:"outcome"`
	Proximity *proximityResponse `json:"proximity,omitempty"`
}

// detailsResponse はセッション詳細のレスポンス。
type detailsResponse struct {
	Session         sessionResponse `json:"session"`
	Events          []eventResponse `json:"events"`
	CheckInTime     *time.Time      `json:"check_in_time"`
	CheckOutTime    *time.Time      `json:"check_out_time"`
	DurationMinutes *float64        `json:"duration_minutes"`
}

// statisticsResponse はセッション統計のレスポンス。
type statisticsResponse struct {
	From                   time.Time `json:"from"`
	To                     time.Time `json:"to"`
	TotalSessions          int       `json:"total_sessions"`
	Active                 int       `json:"active"`
	CheckedIn              int       `json:"checked_in"`
	Completed              int       `json:"completed"`
	Ended                  int       `json:"ended"`
	CompletionRate         float64   `json:"completion_rate"`
	AverageDurationMinutes float64   `json:"average_duration_minutes"`
}

// operationResponse はオフライン操作のAPIレスポンス。
type operationResponse struct {
	ID            string                `json:"id"`
	Type          model.OperationType   `json:"type"`
	Payload       json.RawMessage       `json:"payload"`
	Priority      int                   `json:"priority"`
	RetryCount    int                   `json:"retry_count"`
	MaxRetries    int                   `json:"max_retries"`
	Status        model.OperationStatus `json:"status"`
	LastError     string                `json:"last_error,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	LastAttemptAt *time.Time            `json:"last_attempt_at,omitempty"`
	NextAttemptAt *time.Time            `json:"next_attempt_at,omitempty"`
}

// queueStatusResponse はオフラインキュー状況のレスポンス。
type queueStatusResponse struct {
	Pending       int        `json:"pending"`
	Processing    int        `json:"processing"`
	Failed        int        `json:"failed"`
	Total         int        `json:"total"`
	OldestPending *time.Time `json:"oldest_pending"`
	NewestFailed  *time.Time `json:"newest_failed"`
}

// batchResponse はキュー処理結果のレスポンス。
type batchResponse struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

func toSessionResponse(s *model.Session) sessionResponse {
	return sessionResponse{
		ID:            s.ID,
		ParticipantID: s.ParticipantID,
		MeetingID:     s.MeetingID,
		Destination: destinationResponse{
			Name:      s.Destination.Name,
			Address:   s.Destination.Address,
			Latitude:  s.Destination.Lat,
			Longitude: s.Destination.Lng,
		},
		Notes:     s.Notes,
		Status:    s.Status,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

func toSessionResponsePtr(s *model.Session) *sessionResponse {
	if s == nil {
		return nil
	}
	r := toSessionResponse(s)
	return &r
}

func toEventResponse(e *model.SessionEvent) eventResponse {
	return eventResponse{
		ID:              e.ID,
		Type:            e.Type,
		ClientTimestamp: e.ClientTimestamp,
		ServerTimestamp: e.ServerTimestamp,
		Latitude:        e.Lat,
		Longitude:       e.Lng,
		Accuracy:        e.Accuracy,
		Altitude:        e.Altitude,
		Speed:           e.Speed,
		Heading:         e.Heading,
		LocationFlag:    e.LocationFlag,
		Notes:           e.Notes,
	}
}

func toProximityResponse(p *geo.ProximityResult) *proximityResponse {
	if p == nil {
		return nil
	}
	r := &proximityResponse{
		WithinRange:  p.WithinRange,
		RadiusMeters: finiteOrZero(p.RadiusMeters),
		Confidence:   finiteOrZero(p.Confidence),
	}
	if !math.IsInf(p.DistanceMeters, 0) && !math.IsNaN(p.DistanceMeters) {
		d := p.DistanceMeters
		r.DistanceMeters = &d
	}
	return r
}

// finiteOrZero はJSONに書けない値を0に置き換える。
func finiteOrZero(v float64) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0
	}
	return v
}

func toResultResponse(res *attendance.Result) resultResponse {
	r := resultResponse{
		Outcome:        res.Outcome,
		Session:        toSessionResponsePtr(res.Session),
		Proximity:      toProximityResponse(res.Proximity),
		Lenient:        res.Lenient,
		AlreadyApplied: res.AlreadyApplied,
	}
	if res.Event != nil {
		e := toEventResponse(res.Event)
		r.Event = &e
	}
	return r
}

func toStartResponse(res *attendance.StartResult) startResponse {
	return startResponse{
		Session:          toSessionResponse(res.Session),
		ClosedPreviousID: res.ClosedPreviousID(),
		Reused:           res.Reused,
		AlreadyApplied:   res.AlreadyApplied,
	}
}

func toDetailsResponse(d *attendance.SessionDetails) detailsResponse {
	events := make([]eventResponse, len(d.Events))
	for i, e := range d.Events {
		events[i] = toEventResponse(e)
	}
	return detailsResponse{
		Session:         toSessionResponse(d.Session),
		Events:          events,
		CheckInTime:     d.CheckInTime,
		CheckOutTime:    d.CheckOutTime,
		DurationMinutes: d.DurationMinutes,
	}
}

func toOperationResponse(op *model.OfflineOperation) operationResponse {
	r := operationResponse{
		ID:            op.ID,
		Type:          op.Type,
		Payload:       op.Payload,
		Priority:      op.Priority,
		RetryCount:    op.RetryCount,
		MaxRetries:    op.MaxRetries,
		Status:        op.Status,
		LastError:     op.LastError,
		CreatedAt:     op.CreatedAt,
		LastAttemptAt: op.LastAttemptAt,
	}
	if op.Status == model.OperationStatusPending && !op.NextAttemptAt.IsZero() {
		next := op.NextAttemptAt
		r.NextAttemptAt = &next
	}
	return r
}

func toOperationResponses(ops []*model.OfflineOperation) []operationResponse {
	results := make([]operationResponse, len(ops))
	for i, op := range ops {
		results[i] = toOperationResponse(op)
	}
	return results
}

// nearbyMeetingResponse は近隣ミーティング検索結果の1件。
type nearbyMeetingResponse struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	Address      string     `json:"address,omitempty"`
	Latitude     float64    `json:"latitude"`
	Longitude    float64    `json:"longitude"`
	RadiusMeters float64    `json:"radius_meters"`
	DistanceKm   float64    `json:"distance_km"`
	StartTime    *time.Time `json:"start_time"`
	EndTime      *time.Time `json:"end_time"`
	IsActive     bool       `json:"is_active"`
}

func toNearbyMeetingResponse(n attendance.NearbyMeeting) nearbyMeetingResponse {
	m := n.Meeting
	return nearbyMeetingResponse{
		ID:           m.ID,
		Name:         m.Name,
		Description:  m.Description,
		Address:      m.Address,
		Latitude:     m.Lat,
		Longitude:    m.Lng,
		RadiusMeters: n.RadiusMeters,
		DistanceKm:   n.DistanceKm,
		StartTime:    m.StartTime,
		EndTime:      m.EndTime,
		IsActive:     m.IsActive,
	}
}
