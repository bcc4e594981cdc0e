// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/attendance/internal/model"
)

// MeetingRepository はミーティングの参照インターフェース。
// ミーティングの作成・更新は外部の管理機能が担うため、読み取りのみを提供する。
type MeetingRepository interface {
	// FindByID は指定IDのミーティングを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Meeting, error)

	// ListActive は受付中（is_active）のミーティングを返す。
	ListActive(ctx context.Context) ([]*model.Meeting, error)
}

// SessionTransition はセッション1件の状態遷移と、それに伴って追記するイベントをまとめたもの。
// Expectedは遷移前の状態であり、保存時の楽観的排他制御（compare-and-swap）に使う。
type SessionTransition struct {
	Session  *model.Session
	Expected model.SessionStatus
	Events   []*model.SessionEvent
}

// SessionRepository は出席セッションとイベント履歴の永続化インターフェース。
// セッションの更新とイベント追記は常に同一トランザクションで行い、部分的な反映は起こさない。
type SessionRepository interface {
	// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)

	// FindLiveByParticipant は参加者の進行中（active/checked_in）のセッションを取得する。
	// 見つからない場合はnilを返す。
	FindLiveByParticipant(ctx context.Context, participantID string) (*model.Session, error)

	// Create はセッションを作成する。
	// priorがnilでない場合は、既存セッションの終了を同一トランザクションで先に反映する。
	// 参加者に進行中のセッションが既に存在する場合はCONCURRENT_UPDATEエラーを返す。
	Create(ctx context.Context, session *model.Session, prior *SessionTransition) error

	// Transition はセッションの状態をExpectedから更新し、イベントを追記する。
	// 保存済みの状態がExpectedと異なる場合は何も変更せずCONCURRENT_UPDATEエラーを返す。
	Transition(ctx context.Context, t SessionTransition) error

	// ListEvents はセッションのイベントをサーバー時刻の昇順で返す。
	ListEvents(ctx context.Context, sessionID string) ([]*model.SessionEvent, error)

	// ListHistory は参加者のセッションを作成日時の降順で返す。
	ListHistory(ctx context.Context, participantID string, limit, offset int) ([]*model.Session, error)

	// ListCreatedBetween は参加者のセッションのうち、作成日時が[from, to)に含まれるものを返す。
	// from、toがゼロ値の場合はその側を無制限として扱う。
	ListCreatedBetween(ctx context.Context, participantID string, from, to time.Time) ([]*model.Session, error)
}

// ErrClaimLost は操作の取得が回収済み、または他の呼び出し元に取得し直されていることを表す。
// この場合、呼び出し元は実行結果を記録してはならない。
var ErrClaimLost = errors.New("オフライン操作の取得が無効になっています")

// QueueStore はオフライン操作キューの永続化インターフェース。
// 並び順は model.OfflineOperation.SortKey に従う。
// 複数のワーカープロセスから同時に利用されることを前提とする。
type QueueStore interface {
	// Enqueue は操作をpendingとして追加する。
	// 参加者の未処理（pending/processing）件数がlimit以上の場合はQUEUE_FULLエラーを返す。
	// limitが0以下の場合は上限を設けない。
	Enqueue(ctx context.Context, op *model.OfflineOperation, limit int) error

	// Get は指定IDの操作を取得する。見つからない場合はnilを返す。
	Get(ctx context.Context, id string) (*model.OfflineOperation, error)

	// Claim は参加者の実行可能なpending操作を並び順に最大limit件取得し、processingに切り替える。
	// 同じ参加者の操作が既にprocessingの場合は何も取得しない。
	// 同じ操作を複数の呼び出し元が同時に取得することはない。
	Claim(ctx context.Context, participantID string, now time.Time, limit int) ([]*model.OfflineOperation, error)

	// ClaimByID は指定IDのpending操作をprocessingに切り替えて返す。
	// pendingでない場合、または同じ参加者の操作がprocessingの場合はnilを返す。
	ClaimByID(ctx context.Context, id string, now time.Time) (*model.OfflineOperation, error)

	// Renew は取得済みの操作の取得時刻をnowに更新し、op.LastAttemptAtにも反映する。
	// 取得時のop.LastAttemptAtのままprocessingでない場合は何も変更せずfalseを返す。
	Renew(ctx context.Context, op *model.OfflineOperation, now time.Time) (bool, error)

	// Complete は処理に成功した操作をキューから取り除く。
	// 取得時のop.LastAttemptAtのままprocessingでない場合はErrClaimLostを返す。
	Complete(ctx context.Context, op *model.OfflineOperation) error

	// Fail は処理に失敗した操作の再試行情報を保存する。
	// op.Statusがpendingなら再試行待ちに戻し、failedなら失敗済みの集合へ移す。
	// 取得時のop.LastAttemptAtのままprocessingでない場合はErrClaimLostを返す。
	Fail(ctx context.Context, op *model.OfflineOperation) error

	// Requeue はfailedの操作をpendingに戻し、リトライ回数を0にリセットする。
	// failedでない場合はfalseを返す。
	Requeue(ctx context.Context, id string, now time.Time) (bool, error)

	// List は参加者の指定状態の操作を並び順に最大limit件返す。
	List(ctx context.Context, participantID string, status model.OperationStatus, limit int) ([]*model.OfflineOperation, error)

	// Clear は参加者のpendingとfailedの操作を削除し、削除件数を返す。
	Clear(ctx context.Context, participantID string) (int, error)

	// Status は参加者のキュー状況を集計する。
	Status(ctx context.Context, participantID string) (*model.QueueStatus, error)

	// ListParticipantsWithDue は実行可能なpending操作を持つ参加者IDを最大limit件返す。
	ListParticipantsWithDue(ctx context.Context, now time.Time, limit int) ([]string, error)

	// ReclaimStale はlast_attempt_atがbefore以前のままprocessingになっている操作をpendingに戻す。
	// リトライ回数は消費しない。
	ReclaimStale(ctx context.Context, before time.Time) (int, error)

	// PurgeFailedBefore は作成日時がbeforeより古いfailed操作を削除する。
	PurgeFailedBefore(ctx context.Context, before time.Time) (int, error)
}
