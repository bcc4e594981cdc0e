// Package cleanup は失敗したオフライン操作の自動削除ジョブを提供する。
// 保持期間（デフォルト30日）を超過したfailed操作を日次バッチで削除する。
// pendingの操作は対象外であり、期限切れで消えることはない。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Purger は保持期間を過ぎた失敗操作を削除するインターフェース。
type Purger interface {
	PurgeExpiredFailed(ctx context.Context) (int, error)
}

// CleanupJob は保持期間を超過した失敗操作の自動削除ジョブ。
// 削除は冪等であり、対象がない場合もエラーにならない。
type CleanupJob struct {
	purger        Purger
	logger        *slog.Logger
	RetentionDays int // ログ出力用の保持日数
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(purger Purger, logger *slog.Logger, retentionDays int) *CleanupJob {
	return &CleanupJob{
		purger:        purger,
		logger:        logger,
		RetentionDays: retentionDays,
	}
}

// Run は保持期間を超過した失敗操作を削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	deletedCount, err := j.purger.PurgeExpiredFailed(ctx)
	if err != nil {
		j.logger.Error("失敗操作クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("失敗操作クリーンアップの実行に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("失敗操作クリーンアップジョブが完了しました",
		slog.Int("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は指定間隔でRunを繰り返す。コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	_ = j.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
