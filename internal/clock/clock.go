// Package clock はサーバー時刻の供給源を抽象化する。
// テストから時刻を制御できるようにするため、time.Nowを直接呼ばずにこのインターフェースを注入する。
package clock

import (
	"sync"
	"time"
)

// Clock は現在時刻を返すインターフェース。
type Clock interface {
	Now() time.Time
}

// System は実時刻（UTC）を返すClock。
type System struct{}

// Now は現在のUTC時刻を返す。
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Fake は手動で進めるテスト用のClock。並行利用に対して安全。
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake は指定時刻で停止したFakeを生成する。
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

// Now は現在の疑似時刻を返す。
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance は疑似時刻をdだけ進める。
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set は疑似時刻を指定時刻に設定する。
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}
