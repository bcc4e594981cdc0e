package attendance

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/attendance/internal/model"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// GetActiveSession は参加者の進行中セッションを返す。なければnil。
func (s *Service) GetActiveSession(ctx context.Context, participantID string) (*model.Session, error) {
	if err := validateParticipant(participantID); err != nil {
		return nil, err
	}
	sess, err := s.sessions.FindLiveByParticipant(ctx, participantID)
	if err != nil {
		return nil, fmt.Errorf("進行中セッションの取得に失敗しました: %w", err)
	}
	return sess, nil
}

// GetHistory は参加者のセッション履歴を新しい順に返す。
// limitが0以下の場合は既定値、上限を超える場合は上限値に丸める。
func (s *Service) GetHistory(ctx context.Context, participantID string, limit, offset int) ([]*model.Session, error) {
	if err := validateParticipant(participantID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	sessions, err := s.sessions.ListHistory(ctx, participantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("セッション履歴の取得に失敗しました: %w", err)
	}
	return sessions, nil
}

// GetSessionDetails はセッションとイベント履歴を返す。
// チェックイン/チェックアウト時刻は最初の該当イベントから導出する。
func (s *Service) GetSessionDetails(ctx context.Context, sessionID, participantID string) (*SessionDetails, error) {
	sess, err := s.loadOwned(ctx, sessionID, participantID)
	if err != nil {
		return nil, err
	}
	events, err := s.sessions.ListEvents(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("セッションイベントの取得に失敗しました: %w", err)
	}

	details := &SessionDetails{
		Session:      sess,
		Events:       events,
		CheckInTime:  model.FirstEventTime(events, model.EventTypeCheckIn),
		CheckOutTime: model.FirstEventTime(events, model.EventTypeCheckOut),
	}
	if details.CheckInTime != nil && details.CheckOutTime != nil {
		d := details.CheckOutTime.Sub(*details.CheckInTime).Minutes()
		details.DurationMinutes = &d
	}
	return details, nil
}

// GetStatistics は期間内に作成されたセッションを状態別に集計する。
// from/toがゼロ値の場合はその側を無制限として扱う。
func (s *Service) GetStatistics(ctx context.Context, participantID string, from, to time.Time) (*Statistics, error) {
	if err := validateParticipant(participantID); err != nil {
		return nil, err
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return nil, model.NewInvalidRequestError("to は from 以降を指定してください")
	}

	sessions, err := s.sessions.ListCreatedBetween(ctx, participantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("セッションの取得に失敗しました: %w", err)
	}

	stats := &Statistics{ParticipantID: participantID, TotalSessions: len(sessions)}
	var totalMinutes float64
	var durations int
	for _, sess := range sessions {
		switch sess.Status {
		case model.SessionStatusActive:
			stats.Active++
		case model.SessionStatusCheckedIn:
			stats.CheckedIn++
		case model.SessionStatusCompleted:
			stats.Completed++
		case model.SessionStatusEnded:
			stats.Ended++
		}
		if sess.Status != model.SessionStatusCompleted {
			continue
		}

		events, err := s.sessions.ListEvents(ctx, sess.ID)
		if err != nil {
			return nil, fmt.Errorf("セッションイベントの取得に失敗しました: %w", err)
		}
		in := model.FirstEventTime(events, model.EventTypeCheckIn)
		out := model.FirstEventTime(events, model.EventTypeCheckOut)
		if in != nil && out != nil {
			totalMinutes += out.Sub(*in).Minutes()
			durations++
		}
	}

	if stats.TotalSessions > 0 {
		stats.CompletionRate = float64(stats.Completed) / float64(stats.TotalSessions)
	}
	if durations > 0 {
		stats.AverageDurationMinutes = totalMinutes / float64(durations)
	}
	return stats, nil
}
