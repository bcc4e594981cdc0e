// Package memory はリポジトリインターフェースのインメモリ実装を提供する。
// 単一プロセス内での利用（テスト、ローカル検証）を想定し、保存値は常にコピーで受け渡す。
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/hitoshi/attendance/internal/model"
	"github.com/hitoshi/attendance/internal/repository"
)

// MeetingStore はミーティングのインメモリ実装。
type MeetingStore struct {
	mu       sync.RWMutex
	meetings map[string]model.Meeting
}

// NewMeetingStore は空のMeetingStoreを生成する。
func NewMeetingStore() *MeetingStore {
	return &MeetingStore{meetings: make(map[string]model.Meeting)}
}

// Put はミーティングを登録または置き換える。
func (s *MeetingStore) Put(m *model.Meeting) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meetings[m.ID] = *m
}

// FindByID は指定IDのミーティングを取得する。見つからない場合はnilを返す。
func (s *MeetingStore) FindByID(_ context.Context, id string) (*model.Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meetings[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

// ListActive は受付中のミーティングをID順に返す。
func (s *MeetingStore) ListActive(_ context.Context) ([]*model.Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Meeting
	for _, m := range s.meetings {
		if !m.IsActive {
			continue
		}
		c := m
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// compile-time interface check
var _ repository.MeetingRepository = (*MeetingStore)(nil)
