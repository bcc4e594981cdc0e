// Package attendance は出席セッションの業務操作（開始、チェックイン、チェックアウト、終了）を提供する。
//
// 位置情報の検証、状態遷移、イベント追記をこの順で組み合わせ、
// 同一参加者に対する状態遷移はプロセス内ロックと保存時の楽観的排他制御で直列化する。
package attendance

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hitoshi/attendance/internal/clock"
	"github.com/hitoshi/attendance/internal/geo"
	"github.com/hitoshi/attendance/internal/metrics"
	"github.com/hitoshi/attendance/internal/model"
	"github.com/hitoshi/attendance/internal/repository"
	"github.com/hitoshi/attendance/internal/security"
	"github.com/hitoshi/attendance/internal/session"
)

// Service は出席セッションの業務操作を提供する。
type Service struct {
	sessions  repository.SessionRepository
	meetings  repository.MeetingRepository
	machine   *session.Machine
	verifier  *geo.Verifier
	sanitizer security.NotesSanitizer
	clock     clock.Clock
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	locks     *participantLocks
}

// NewService はServiceを生成する。metricsはnilでもよい。
func NewService(
	sessions repository.SessionRepository,
	meetings repository.MeetingRepository,
	machine *session.Machine,
	verifier *geo.Verifier,
	sanitizer security.NotesSanitizer,
	clk clock.Clock,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Service {
	return &Service{
		sessions:  sessions,
		meetings:  meetings,
		machine:   machine,
		verifier:  verifier,
		sanitizer: sanitizer,
		clock:     clk,
		metrics:   collector,
		logger:    logger,
		locks:     newParticipantLocks(),
	}
}

// StartRequest はセッション開始の要求。
type StartRequest struct {
	ParticipantID string
	// MeetingID が空の場合は一般セッションとして扱う。
	MeetingID string
	Notes     string
	// SessionID を指定すると、そのIDでセッションを作成する。
	// 同じIDのセッションが既に存在する場合は何も作成しない（オフライン再生の冪等性のため）。
	SessionID string
}

// StartSession はミーティングに対するセッションを開始する。
// 参加者に進行中のセッションがある場合は、そのセッションを終了してから新しいセッションを作成し、
// 終了したセッションを結果に含めて返す。
func (s *Service) StartSession(ctx context.Context, req StartRequest) (*StartResult, error) {
	if req.MeetingID == "" {
		return s.StartGeneralSession(ctx, req)
	}
	if err := validateParticipant(req.ParticipantID); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(req.ParticipantID)
	defer unlock()

	if existing, err := s.findRequestedSession(ctx, req); err != nil || existing != nil {
		return existing, err
	}

	live, err := s.sessions.FindLiveByParticipant(ctx, req.ParticipantID)
	if err != nil {
		return nil, fmt.Errorf("進行中セッションの取得に失敗しました: %w", err)
	}

	started, err := s.machine.Start(ctx, req.ParticipantID, req.MeetingID, live, s.sanitizer.Sanitize(req.Notes))
	if err != nil {
		return nil, err
	}
	if req.SessionID != "" {
		started.Session.ID = req.SessionID
	}

	var prior *repository.SessionTransition
	result := &StartResult{Session: started.Session}
	if started.ClosedPrevious != nil {
		prior = toRepoTransition(started.ClosedPrevious)
		result.ClosedPrevious = started.ClosedPrevious.Session
	}

	if err := s.sessions.Create(ctx, started.Session, prior); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordSessionStarted(result.ClosedPrevious != nil)
	}
	s.logger.Info("セッションを開始しました",
		slog.String("session_id", started.Session.ID),
		slog.String("participant_id", req.ParticipantID),
		slog.String("meeting_id", req.MeetingID),
		slog.String("closed_previous_session_id", result.ClosedPreviousID()),
	)
	return result, nil
}

// StartGeneralSession はミーティングに紐付かない一般セッションを開始する。
// 進行中のセッションが既にある場合は終了させず、そのセッションをそのまま返す。
func (s *Service) StartGeneralSession(ctx context.Context, req StartRequest) (*StartResult, error) {
	if err := validateParticipant(req.ParticipantID); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(req.ParticipantID)
	defer unlock()

	if existing, err := s.findRequestedSession(ctx, req); err != nil || existing != nil {
		return existing, err
	}

	live, err := s.sessions.FindLiveByParticipant(ctx, req.ParticipantID)
	if err != nil {
		return nil, fmt.Errorf("進行中セッションの取得に失敗しました: %w", err)
	}
	if live != nil {
		return &StartResult{Session: live, Reused: true}, nil
	}

	general := s.machine.NewGeneral(req.ParticipantID, s.sanitizer.Sanitize(req.Notes))
	if req.SessionID != "" {
		general.ID = req.SessionID
	}
	if err := s.sessions.Create(ctx, general, nil); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordSessionStarted(false)
	}
	s.logger.Info("一般セッションを開始しました",
		slog.String("session_id", general.ID),
		slog.String("participant_id", req.ParticipantID),
	)
	return &StartResult{Session: general}, nil
}

// findRequestedSession はSessionID指定時に既存セッションを確認する。
// 同じ参加者のセッションが既にあれば作成済みとして返し、他の参加者のセッションであればConflictとする。
func (s *Service) findRequestedSession(ctx context.Context, req StartRequest) (*StartResult, error) {
	if req.SessionID == "" {
		return nil, nil
	}
	if _, err := uuid.Parse(req.SessionID); err != nil {
		return nil, model.NewInvalidRequestError("session_id はUUID形式で指定してください")
	}
	existing, err := s.sessions.FindByID(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("セッションの取得に失敗しました: %w", err)
	}
	if existing == nil {
		return nil, nil
	}
	if existing.ParticipantID != req.ParticipantID {
		return nil, model.NewConcurrentUpdateError(req.SessionID)
	}
	return &StartResult{Session: existing, AlreadyApplied: true}, nil
}

// EndRequest はセッション終了の要求。
type EndRequest struct {
	SessionID     string
	ParticipantID string
	Reason        string
	// Replay はオフライン操作の再生であることを示す。既に終了済みの場合は成功として扱う。
	Replay bool
}

// EndSession は進行中のセッションを手動で終了する。
func (s *Service) EndSession(ctx context.Context, req EndRequest) (*Result, error) {
	if err := validateParticipant(req.ParticipantID); err != nil {
		return s.fail("end", &Result{}, err)
	}

	unlock := s.locks.lock(req.ParticipantID)
	defer unlock()

	sess, err := s.loadOwned(ctx, req.SessionID, req.ParticipantID)
	if err != nil {
		return s.fail("end", &Result{}, err)
	}

	result := &Result{Session: sess}
	if req.Replay && sess.Status == model.SessionStatusEnded {
		result.Outcome = OutcomeSuccess
		result.AlreadyApplied = true
		return result, nil
	}

	tr, err := s.machine.End(sess, s.sanitizer.Sanitize(req.Reason), nil)
	if err != nil {
		return s.fail("end", result, err)
	}
	if err := s.sessions.Transition(ctx, toRepoTransitionValue(tr)); err != nil {
		return s.fail("end", result, err)
	}

	result.Outcome = OutcomeSuccess
	result.Session = tr.Session
	result.Event = tr.Event
	s.record("end", result.Outcome)
	s.logger.Info("セッションを終了しました",
		slog.String("session_id", sess.ID),
		slog.String("participant_id", req.ParticipantID),
		slog.String("previous_status", string(tr.From)),
	)
	return result, nil
}

// loadOwned はセッションを取得し、参加者の所有であることを確認する。
// 存在しない場合と他の参加者のセッションの場合はいずれもNotFoundとする。
func (s *Service) loadOwned(ctx context.Context, sessionID, participantID string) (*model.Session, error) {
	if sessionID == "" {
		return nil, model.NewInvalidRequestError("session_id は必須です")
	}
	sess, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("セッションの取得に失敗しました: %w", err)
	}
	if sess == nil || sess.ParticipantID != participantID {
		return nil, model.NewSessionNotFoundError(sessionID)
	}
	return sess, nil
}

// fail は結果にエラー分類を設定し、メトリクスを記録して返す。
// ドメインエラーでない場合は結果を返さない。
func (s *Service) fail(operation string, result *Result, err error) (*Result, error) {
	outcome := outcomeOf(err)
	if outcome == "" {
		return nil, err
	}
	result.Outcome = outcome
	s.record(operation, outcome)
	return result, err
}

func (s *Service) record(operation string, outcome Outcome) {
	if s.metrics != nil {
		s.metrics.RecordAttendance(operation, string(outcome))
	}
}

func toRepoTransitionValue(tr *session.Transition) repository.SessionTransition {
	return repository.SessionTransition{
		Session:  tr.Session,
		Expected: tr.From,
		Events:   []*model.SessionEvent{tr.Event},
	}
}

func toRepoTransition(tr *session.Transition) *repository.SessionTransition {
	t := toRepoTransitionValue(tr)
	return &t
}

func validateParticipant(participantID string) error {
	if participantID == "" {
		return model.NewInvalidRequestError("participant_id は必須です")
	}
	return nil
}
