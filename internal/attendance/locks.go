package attendance

import "sync"

// participantLocks は参加者IDごとの相互排他ロック。
// 参照カウントで管理し、使われなくなったエントリは解放する。
type participantLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newParticipantLocks() *participantLocks {
	return &participantLocks{locks: make(map[string]*lockEntry)}
}

// lock は参加者のロックを取得し、解放関数を返す。
func (l *participantLocks) lock(participantID string) func() {
	l.mu.Lock()
	e, ok := l.locks[participantID]
	if !ok {
		e = &lockEntry{}
		l.locks[participantID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, participantID)
		}
		l.mu.Unlock()
	}
}

// size は保持しているエントリ数を返す。
func (l *participantLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
