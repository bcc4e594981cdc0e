package attendance

import (
	"time"

	"github.com/hitoshi/attendance/internal/geo"
	"github.com/hitoshi/attendance/internal/model"
)

// Outcome はチェックイン/チェックアウト/終了の結果の種別。
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeValidationFailed Outcome = "validation_failed"
	OutcomeOutOfRange       Outcome = "out_of_range"
	OutcomeNotFound         Outcome = "not_found"
	OutcomeStateConflict    Outcome = "state_conflict"
)

// outcomeOf はエラー分類から結果種別を決める。
// ドメインエラーでない場合は空文字列を返す。
func outcomeOf(err error) Outcome {
	switch model.KindOf(err) {
	case model.KindValidation:
		return OutcomeValidationFailed
	case model.KindOutOfRange:
		return OutcomeOutOfRange
	case model.KindNotFound:
		return OutcomeNotFound
	case model.KindConflict:
		return OutcomeStateConflict
	default:
		return ""
	}
}

// Result は状態遷移を伴う操作の結果。
// 失敗時もOutcomeと（判定済みであれば）Proximityを返し、エラーには型付きのAPIErrorを返す。
type Result struct {
	Outcome   Outcome
	Session   *model.Session
	Event     *model.SessionEvent
	Proximity *geo.ProximityResult
	// Lenient はジオフェンス緩和設定により範囲外を受け付けたことを示す。
	Lenient bool
	// AlreadyApplied は再生された操作の効果が既にセッションに反映済みで、何も変更しなかったことを示す。
	AlreadyApplied bool
}

// StartResult はセッション開始の結果。
type StartResult struct {
	Session *model.Session
	// ClosedPrevious は開始に伴って終了した既存セッション。終了していない場合はnil。
	ClosedPrevious *model.Session
	// Reused は新規作成せず既存の進行中セッションを返したことを示す（一般セッションのみ）。
	Reused bool
	// AlreadyApplied は指定IDのセッションが既に存在し、何も作成しなかったことを示す。
	AlreadyApplied bool
}

// ClosedPreviousID は終了した既存セッションのIDを返す。終了していない場合は空文字列。
func (r *StartResult) ClosedPreviousID() string {
	if r.ClosedPrevious == nil {
		return ""
	}
	return r.ClosedPrevious.ID
}

// SessionDetails はセッションとイベント履歴、導出した時刻をまとめたもの。
type SessionDetails struct {
	Session      *model.Session
	Events       []*model.SessionEvent
	CheckInTime  *time.Time
	CheckOutTime *time.Time
	// DurationMinutes はチェックインからチェックアウトまでの分数。どちらかが無い場合はnil。
	DurationMinutes *float64
}

// Statistics は参加者の期間内セッションの集計。
type Statistics struct {
	ParticipantID          string
	TotalSessions          int
	Active                 int
	CheckedIn              int
	Completed              int
	Ended                  int
	CompletionRate         float64
	AverageDurationMinutes float64
}
