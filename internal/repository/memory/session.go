package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/attendance/internal/model"
	"github.com/hitoshi/attendance/internal/repository"
)

// SessionStore はセッションとイベント履歴のインメモリ実装。
// 1つのミューテックスで更新全体を保護するため、遷移とイベント追記は常に一括で反映される。
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session
	events   map[string][]*model.SessionEvent
}

// NewSessionStore は空のSessionStoreを生成する。
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*model.Session),
		events:   make(map[string][]*model.SessionEvent),
	}
}

// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
func (s *SessionStore) FindByID(_ context.Context, id string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return sess.Clone(), nil
}

// FindLiveByParticipant は参加者の進行中のセッションを取得する。見つからない場合はnilを返す。
func (s *SessionStore) FindLiveByParticipant(_ context.Context, participantID string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if live := s.liveLocked(participantID, ""); live != nil {
		return live.Clone(), nil
	}
	return nil, nil
}

// Create はセッションを作成する。priorがあれば同じロック内で先に反映する。
func (s *SessionStore) Create(_ context.Context, session *model.Session, prior *repository.SessionTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return model.NewConcurrentUpdateError(session.ID)
	}

	excluded := ""
	if prior != nil {
		if err := s.checkExpectedLocked(prior); err != nil {
			return err
		}
		excluded = prior.Session.ID
	}
	if live := s.liveLocked(session.ParticipantID, excluded); live != nil {
		return model.NewConcurrentUpdateError(live.ID)
	}

	if prior != nil {
		s.applyLocked(*prior)
	}
	s.sessions[session.ID] = session.Clone()
	return nil
}

// Transition はセッションの状態をExpectedから更新し、イベントを追記する。
func (s *SessionStore) Transition(_ context.Context, t repository.SessionTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkExpectedLocked(&t); err != nil {
		return err
	}
	s.applyLocked(t)
	return nil
}

// ListEvents はセッションのイベントをサーバー時刻の昇順で返す。
func (s *SessionStore) ListEvents(_ context.Context, sessionID string) ([]*model.SessionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.events[sessionID]
	events := make([]*model.SessionEvent, 0, len(stored))
	for _, e := range stored {
		c := *e
		events = append(events, &c)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].ServerTimestamp.Before(events[j].ServerTimestamp)
	})
	return events, nil
}

// ListHistory は参加者のセッションを作成日時の降順で返す。
func (s *SessionStore) ListHistory(_ context.Context, participantID string, limit, offset int) ([]*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.filterLocked(func(sess *model.Session) bool {
		return sess.ParticipantID == participantID
	})
	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return []*model.Session{}, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// ListCreatedBetween は作成日時が[from, to)に含まれる参加者のセッションを返す。
func (s *SessionStore) ListCreatedBetween(_ context.Context, participantID string, from, to time.Time) ([]*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := s.filterLocked(func(sess *model.Session) bool {
		if sess.ParticipantID != participantID {
			return false
		}
		if !from.IsZero() && sess.CreatedAt.Before(from) {
			return false
		}
		if !to.IsZero() && !sess.CreatedAt.Before(to) {
			return false
		}
		return true
	})
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// LiveCount は参加者の進行中セッション数を返す。検証用。
func (s *SessionStore) LiveCount(participantID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.ParticipantID == participantID && sess.Status.IsLive() {
			n++
		}
	}
	return n
}

func (s *SessionStore) checkExpectedLocked(t *repository.SessionTransition) error {
	stored, ok := s.sessions[t.Session.ID]
	if !ok {
		return model.NewSessionNotFoundError(t.Session.ID)
	}
	if stored.Status != t.Expected {
		return model.NewConcurrentUpdateError(t.Session.ID)
	}
	return nil
}

func (s *SessionStore) applyLocked(t repository.SessionTransition) {
	s.sessions[t.Session.ID] = t.Session.Clone()
	for _, e := range t.Events {
		c := *e
		s.events[e.SessionID] = append(s.events[e.SessionID], &c)
	}
}

func (s *SessionStore) liveLocked(participantID, excludeID string) *model.Session {
	for _, sess := range s.sessions {
		if sess.ParticipantID == participantID && sess.ID != excludeID && sess.Status.IsLive() {
			return sess
		}
	}
	return nil
}

func (s *SessionStore) filterLocked(keep func(*model.Session) bool) []*model.Session {
	var out []*model.Session
	for _, sess := range s.sessions {
		if keep(sess) {
			out = append(out, sess.Clone())
		}
	}
	return out
}

// compile-time interface check
var _ repository.SessionRepository = (*SessionStore)(nil)
