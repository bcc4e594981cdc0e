package attendance

import (
	"context"
	"log/slog"
	"math"

	"github.com/hitoshi/attendance/internal/geo"
	"github.com/hitoshi/attendance/internal/model"
	"github.com/hitoshi/attendance/internal/session"
)

// CheckRequest はチェックイン/チェックアウトの要求。
type CheckRequest struct {
	SessionID     string
	ParticipantID string
	Sample        model.LocationSample
	// Replay はオフライン操作の再生であることを示す。
	// セッションが既に操作後の状態にある場合、重複イベントを作らず成功として扱う。
	Replay bool
}

// NewCheckRequest はクライアントから受け取った位置情報ペイロードを要求に変換する。
// session_idと座標、location_flagの形式だけを確認し、精度の上限はチェック時に判定する。
func NewCheckRequest(participantID string, p model.CheckPayload) (CheckRequest, error) {
	if p.SessionID == "" {
		return CheckRequest{}, model.NewInvalidRequestError("session_id は必須です")
	}
	if !geo.IsCoordinateValid(p.Latitude, p.Longitude) {
		return CheckRequest{}, model.NewInvalidLocationError(p.Latitude, p.Longitude)
	}
	flag, err := model.ParseLocationFlag(p.LocationFlag)
	if err != nil {
		return CheckRequest{}, model.NewInvalidRequestError("location_flag が不正です: " + p.LocationFlag)
	}

	sample := model.LocationSample{
		Lat:          p.Latitude,
		Lng:          p.Longitude,
		Accuracy:     p.Accuracy,
		Altitude:     p.Altitude,
		Speed:        p.Speed,
		Heading:      p.Heading,
		LocationFlag: flag,
		Notes:        p.Notes,
	}
	if p.Timestamp != nil {
		sample.ClientTimestamp = p.Timestamp.UTC()
	}
	return CheckRequest{
		SessionID:     p.SessionID,
		ParticipantID: participantID,
		Sample:        sample,
	}, nil
}

// checkKind はチェックインとチェックアウトで異なる部分をまとめたもの。
type checkKind struct {
	operation string
	required  model.SessionStatus
	label     string
	// applied は再生時に効果が反映済みとみなす状態。
	applied func(model.SessionStatus) bool
	apply   func(s *Service, sess *model.Session, meeting *model.Meeting, req CheckRequest, result *Result) (*session.Transition, error)
}

var checkInKind = checkKind{
	operation: "check_in",
	required:  model.SessionStatusActive,
	label:     "チェックイン",
	applied: func(st model.SessionStatus) bool {
		return st == model.SessionStatusCheckedIn || st == model.SessionStatusCompleted
	},
	apply: func(s *Service, sess *model.Session, meeting *model.Meeting, req CheckRequest, result *Result) (*session.Transition, error) {
		return s.machine.CheckIn(sess, meeting, *result.Proximity, req.Sample)
	},
}

var checkOutKind = checkKind{
	operation: "check_out",
	required:  model.SessionStatusCheckedIn,
	label:     "チェックアウト",
	applied: func(st model.SessionStatus) bool {
		return st == model.SessionStatusCompleted
	},
	apply: func(s *Service, sess *model.Session, _ *model.Meeting, req CheckRequest, result *Result) (*session.Transition, error) {
		return s.machine.CheckOut(sess, *result.Proximity, req.Sample)
	},
}

// CheckIn は位置情報を検証し、activeのセッションをchecked_inに遷移させる。
func (s *Service) CheckIn(ctx context.Context, req CheckRequest) (*Result, error) {
	return s.check(ctx, checkInKind, req)
}

// CheckOut は位置情報を検証し、checked_inのセッションをcompletedに遷移させる。
func (s *Service) CheckOut(ctx context.Context, req CheckRequest) (*Result, error) {
	return s.check(ctx, checkOutKind, req)
}

// check は次の順で検証と遷移を行う。
//  1. 座標と精度の妥当性
//  2. セッションの存在と状態
//  3. ミーティングのジオフェンスとの距離
//  4. 状態遷移とイベント追記（同一トランザクション）
func (s *Service) check(ctx context.Context, kind checkKind, req CheckRequest) (*Result, error) {
	result := &Result{}

	if err := s.validateSample(req.Sample); err != nil {
		return s.fail(kind.operation, result, err)
	}
	if err := validateParticipant(req.ParticipantID); err != nil {
		return s.fail(kind.operation, result, err)
	}
	req.Sample.Notes = s.sanitizer.Sanitize(req.Sample.Notes)

	unlock := s.locks.lock(req.ParticipantID)
	defer unlock()

	sess, err := s.loadOwned(ctx, req.SessionID, req.ParticipantID)
	if err != nil {
		return s.fail(kind.operation, result, err)
	}
	result.Session = sess

	if req.Replay && kind.applied(sess.Status) {
		result.Outcome = OutcomeSuccess
		result.AlreadyApplied = true
		s.logger.Info("再生された操作は反映済みのためスキップしました",
			slog.String("operation", kind.operation),
			slog.String("session_id", sess.ID),
			slog.String("status", string(sess.Status)),
		)
		return result, nil
	}

	if err := session.RequireStatus(sess, kind.required, kind.label); err != nil {
		return s.fail(kind.operation, result, err)
	}

	meeting, err := s.machine.MeetingFor(ctx, sess)
	if err != nil {
		return s.fail(kind.operation, result, err)
	}

	center, radius := s.machine.Geofence(meeting)
	proximity := s.verifier.Verify(req.Sample.Lat, req.Sample.Lng, center, radius, req.Sample.Accuracy)
	result.Proximity = &proximity
	if s.metrics != nil && !math.IsInf(proximity.DistanceMeters, 0) {
		s.metrics.ObserveProximity(proximity.DistanceMeters, proximity.Confidence)
	}

	tr, err := kind.apply(s, sess, meeting, req, result)
	if err != nil {
		if model.IsKind(err, model.KindOutOfRange) {
			s.logger.Warn("ジオフェンス外のため拒否しました",
				slog.String("operation", kind.operation),
				slog.String("session_id", sess.ID),
				slog.String("meeting_id", meeting.ID),
				slog.Float64("distance_meters", proximity.DistanceMeters),
				slog.Float64("radius_meters", radius),
			)
		}
		return s.fail(kind.operation, result, err)
	}

	if err := s.sessions.Transition(ctx, toRepoTransitionValue(tr)); err != nil {
		return s.fail(kind.operation, result, err)
	}

	result.Outcome = OutcomeSuccess
	result.Session = tr.Session
	result.Event = tr.Event
	result.Lenient = tr.Lenient
	s.record(kind.operation, result.Outcome)
	s.logger.Info("位置確認に成功しました",
		slog.String("operation", kind.operation),
		slog.String("session_id", sess.ID),
		slog.Float64("distance_meters", proximity.DistanceMeters),
		slog.Float64("confidence", proximity.Confidence),
	)
	return result, nil
}

// validateSample は座標と精度を検証する。
func (s *Service) validateSample(sample model.LocationSample) error {
	if !geo.IsCoordinateValid(sample.Lat, sample.Lng) {
		return model.NewInvalidLocationError(sample.Lat, sample.Lng)
	}
	if !s.verifier.IsAccuracyAcceptable(sample.Accuracy) {
		acc := math.NaN()
		if sample.Accuracy != nil {
			acc = *sample.Accuracy
		}
		return model.NewInvalidAccuracyError(acc, s.verifier.MaxAccuracyMeters())
	}
	return nil
}
