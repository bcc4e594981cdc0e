// Package session は出席セッションのライフサイクル（状態遷移）を管理する。
//
// 状態は active → checked_in → completed と進み、active/checked_in からは
// 手動終了で ended に遷移できる。遷移関数は常にセッションのコピーを返し、
// 永続化は呼び出し側の責務とする。
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/hitoshi/attendance/internal/clock"
	"github.com/hitoshi/attendance/internal/geo"
	"github.com/hitoshi/attendance/internal/model"
)

// GeneralDestinationName は一般セッションの目的地名。
const GeneralDestinationName = "General Session"

// SupersededReason は新しいセッション開始により既存セッションを終了する際の理由。
const SupersededReason = "superseded by new session"

// MeetingLookup はミーティングを参照する外部コラボレーター。
type MeetingLookup interface {
	FindByID(ctx context.Context, id string) (*model.Meeting, error)
}

// Config はMachineの設定。
type Config struct {
	// DefaultRadiusMeters はミーティングに半径が設定されていない場合に使う半径。
	DefaultRadiusMeters float64
}

// Machine はセッションの状態遷移を決定する。
type Machine struct {
	meetings      MeetingLookup
	clock         clock.Clock
	logger        *slog.Logger
	defaultRadius float64
	newID         func() string
}

// NewMachine はMachineを生成する。
func NewMachine(meetings MeetingLookup, clk clock.Clock, logger *slog.Logger, cfg Config) *Machine {
	radius := cfg.DefaultRadiusMeters
	if radius <= 0 {
		radius = geo.DefaultRadiusMeters
	}
	return &Machine{
		meetings:      meetings,
		clock:         clk,
		logger:        logger,
		defaultRadius: radius,
		newID:         func() string { return uuid.New().String() },
	}
}

// Transition は1回の状態遷移の結果。Fromは遷移前の状態で、保存時の期待値になる。
type Transition struct {
	Session *model.Session
	From    model.SessionStatus
	Event   *model.SessionEvent
	// Lenient は範囲外だがジオフェンス緩和設定により受け付けたことを示す。
	Lenient bool
}

// StartResult はセッション開始の結果。
// 既存の進行中セッションを終了した場合はClosedPreviousにその遷移が入る。
type StartResult struct {
	Session        *model.Session
	ClosedPrevious *Transition
}

// ClosedPreviousID は終了した既存セッションのIDを返す。終了していない場合は空文字列。
func (r *StartResult) ClosedPreviousID() string {
	if r.ClosedPrevious == nil {
		return ""
	}
	return r.ClosedPrevious.Session.ID
}

// Start はミーティングに対する新しいセッションを生成する。
// liveには参加者の現在の進行中セッション（なければnil）を渡す。
// 進行中セッションがある場合は先にendedへ遷移させ、その事実を結果に含めて返す。
func (m *Machine) Start(ctx context.Context, participantID, meetingID string, live *model.Session, notes string) (*StartResult, error) {
	meeting, err := m.meetings.FindByID(ctx, meetingID)
	if err != nil {
		return nil, fmt.Errorf("ミーティングの取得に失敗しました: %w", err)
	}
	if meeting == nil {
		return nil, model.NewMeetingNotFoundError(meetingID)
	}
	if !meeting.IsActive {
		return nil, model.NewMeetingInactiveError(meetingID)
	}

	now := m.clock.Now()
	if !meeting.InWindow(now) {
		return nil, model.NewMeetingClosedError(meetingID)
	}

	result := &StartResult{}
	if live != nil && live.Status.IsLive() {
		closing, err := m.End(live, SupersededReason, nil)
		if err != nil {
			return nil, err
		}
		result.ClosedPrevious = closing
		m.logger.Warn("新しいセッション開始のため進行中のセッションを終了します",
			slog.String("participant_id", participantID),
			slog.String("previous_session_id", live.ID),
			slog.String("previous_status", string(live.Status)),
			slog.String("meeting_id", meetingID),
		)
	}

	id := meeting.ID
	result.Session = &model.Session{
		ID:            m.newID(),
		ParticipantID: participantID,
		MeetingID:     &id,
		Destination:   meeting.Destination(),
		Notes:         notes,
		Status:        model.SessionStatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return result, nil
}

// NewGeneral はミーティングに紐付かない一般セッションを生成する。
// 既存セッションの扱いは呼び出し側が決める。
func (m *Machine) NewGeneral(participantID, notes string) *model.Session {
	now := m.clock.Now()
	return &model.Session{
		ID:            m.newID(),
		ParticipantID: participantID,
		Destination:   model.Destination{Name: GeneralDestinationName},
		Notes:         notes,
		Status:        model.SessionStatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// MeetingFor はセッションの位置確認対象となるミーティングを取得する。
// 一般セッションの場合はNO_GEOFENCEの競合エラーを返す。
func (m *Machine) MeetingFor(ctx context.Context, s *model.Session) (*model.Meeting, error) {
	if s.IsGeneral() {
		return nil, model.NewNoGeofenceError(s.ID)
	}
	meeting, err := m.meetings.FindByID(ctx, *s.MeetingID)
	if err != nil {
		return nil, fmt.Errorf("ミーティングの取得に失敗しました: %w", err)
	}
	if meeting == nil {
		return nil, model.NewMeetingNotFoundError(*s.MeetingID)
	}
	return meeting, nil
}

// Geofence はミーティングのジオフェンス中心と半径を返す。
// 半径が未設定の場合は既定値を使う。中心はセッション作成時のスナップショットではなく現在のミーティングの値を使う。
func (m *Machine) Geofence(meeting *model.Meeting) (geo.Point, float64) {
	radius := meeting.RadiusMeters
	if radius <= 0 {
		radius = m.defaultRadius
	}
	return geo.Point{Lat: meeting.Lat, Lng: meeting.Lng}, radius
}

// RequireStatus はセッションが指定状態にあることを確認する。
func RequireStatus(s *model.Session, want model.SessionStatus, operation string) error {
	if s.Status != want {
		return model.NewInvalidTransitionError(s.ID, s.Status, operation)
	}
	return nil
}

// CheckIn はactiveのセッションをchecked_inに遷移させ、CHECK_INイベントを生成する。
// 範囲外の場合、ミーティングがジオフェンス緩和設定でなければOUT_OF_RANGEエラーを返す。
// 失敗時は入力セッションを変更しない。
func (m *Machine) CheckIn(s *model.Session, meeting *model.Meeting, proximity geo.ProximityResult, sample model.LocationSample) (*Transition, error) {
	if err := RequireStatus(s, model.SessionStatusActive, "チェックイン"); err != nil {
		return nil, err
	}

	lenient := false
	if !proximity.WithinRange {
		if !meeting.GeofenceLenient {
			return nil, model.NewOutOfRangeError(proximity.DistanceMeters, proximity.RadiusMeters)
		}
		lenient = true
		m.logger.Info("ジオフェンス緩和設定によりチェックインを受け付けました",
			slog.String("session_id", s.ID),
			slog.String("meeting_id", meeting.ID),
			slog.Float64("distance_meters", proximity.DistanceMeters),
			slog.Float64("radius_meters", proximity.RadiusMeters),
		)
	}

	t := m.transition(s, model.SessionStatusCheckedIn, model.EventTypeCheckIn, sample)
	t.Lenient = lenient
	return t, nil
}

// CheckOut はchecked_inのセッションをcompletedに遷移させ、CHECK_OUTイベントを生成する。
// チェックアウトにはジオフェンス緩和を適用しない。
func (m *Machine) CheckOut(s *model.Session, proximity geo.ProximityResult, sample model.LocationSample) (*Transition, error) {
	if err := RequireStatus(s, model.SessionStatusCheckedIn, "チェックアウト"); err != nil {
		return nil, err
	}
	if !proximity.WithinRange {
		return nil, model.NewOutOfRangeError(proximity.DistanceMeters, proximity.RadiusMeters)
	}
	return m.transition(s, model.SessionStatusCompleted, model.EventTypeCheckOut, sample), nil
}

// End は進行中のセッションをendedに遷移させ、理由を含むSTATUS_CHANGEイベントを生成する。
// 理由はセッションのメモにも「Ended: 理由」として追記する。
// sampleがnilの場合、イベントの座標には目的地の座標を使う。
func (m *Machine) End(s *model.Session, reason string, sample *model.LocationSample) (*Transition, error) {
	if !s.Status.IsLive() {
		return nil, model.NewInvalidTransitionError(s.ID, s.Status, "終了")
	}

	var smp model.LocationSample
	if sample != nil {
		smp = *sample
	} else {
		smp = model.LocationSample{
			Lat:          s.Destination.Lat,
			Lng:          s.Destination.Lng,
			LocationFlag: model.LocationFlagGranted,
		}
	}
	smp.Notes = reason

	t := m.transition(s, model.SessionStatusEnded, model.EventTypeStatusChange, smp)
	t.Session.Notes = appendEndReason(s.Notes, reason)
	return t, nil
}

func (m *Machine) transition(s *model.Session, to model.SessionStatus, eventType model.EventType, sample model.LocationSample) *Transition {
	now := m.clock.Now()

	next := s.Clone()
	next.Status = to
	next.UpdatedAt = now

	clientTS := sample.ClientTimestamp
	if clientTS.IsZero() {
		clientTS = now
	}
	flag := sample.LocationFlag
	if flag == "" {
		flag = model.LocationFlagGranted
	}

	return &Transition{
		Session: next,
		From:    s.Status,
		Event: &model.SessionEvent{
			ID:              m.newID(),
			SessionID:       s.ID,
			Type:            eventType,
			ClientTimestamp: clientTS,
			ServerTimestamp: now,
			Lat:             sample.Lat,
			Lng:             sample.Lng,
			Accuracy:        sample.Accuracy,
			Altitude:        sample.Altitude,
			Speed:           sample.Speed,
			Heading:         sample.Heading,
			LocationFlag:    flag,
			Notes:           sample.Notes,
		},
	}
}

func appendEndReason(notes, reason string) string {
	if reason == "" {
		return notes
	}
	return strings.TrimSpace(notes + "\nEnded: " + reason)
}
