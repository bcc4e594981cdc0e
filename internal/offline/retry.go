package offline

import (
	"fmt"
	"time"

	"github.com/hitoshi/attendance/internal/model"
)

const (
	// DefaultRetryBackoff は自動再試行の初回遅延。
	DefaultRetryBackoff = 30 * time.Second
	// DefaultMaxBackoff は自動再試行の最大遅延。
	DefaultMaxBackoff = 30 * time.Minute
)

// CalculateBackoff はリトライ回数に基づいて指数バックオフ遅延を計算する。
// 1回目の失敗後はbase、以降2倍ずつ増加し、maxで頭打ちになる。baseが0以下の場合は遅延なし。
func CalculateBackoff(base, max time.Duration, retryCount int) time.Duration {
	if base <= 0 || retryCount <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if max > 0 && delay > max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// ApplyFailure は処理に失敗した操作のリトライ回数を進め、次の状態を設定する。
// LastAttemptAtは取得時刻のまま変更しない（保存時の照合に使う）。
// リトライ回数が上限に達した場合はfailedに移してtrueを返す。
// それ以外はpendingに戻し、バックオフ後を次回試行時刻にする。
func ApplyFailure(op *model.OfflineOperation, cause error, now time.Time, base, max time.Duration) (exhausted bool) {
	op.RetryCount++
	op.LastError = cause.Error()

	if op.Exhausted() {
		op.Status = model.OperationStatusFailed
		op.LastError = fmt.Sprintf("%d回失敗したため自動再試行を停止しました: %s", op.RetryCount, cause.Error())
		return true
	}
	op.Status = model.OperationStatusPending
	op.NextAttemptAt = now.Add(CalculateBackoff(base, max, op.RetryCount))
	return false
}

// ApplyRelease は未実行のまま取得済みになった操作をリトライ回数を消費せずにpendingへ戻す。
func ApplyRelease(op *model.OfflineOperation, now time.Time) {
	op.Status = model.OperationStatusPending
	op.NextAttemptAt = now
}
