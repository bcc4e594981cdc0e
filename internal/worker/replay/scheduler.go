// Package replay はオフライン操作のバックグラウンド再生処理を提供する。
package replay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/attendance/internal/model"
)

// QueueProcessor はオフラインキューの再生に必要な操作のインターフェース。
type QueueProcessor interface {
	// ReclaimStale は処理中のまま残った操作をpendingに戻す。
	ReclaimStale(ctx context.Context) (int, error)
	// ParticipantsWithDue は実行可能な操作を持つ参加者IDを最大limit件返す。
	ParticipantsWithDue(ctx context.Context, limit int) ([]string, error)
	// ProcessBatch は参加者の操作を最大maxOperations件実行する。
	ProcessBatch(ctx context.Context, participantID string, maxOperations int) (*model.BatchResult, error)
}

const (
	defaultMaxConcurrency   = 10
	defaultParticipantLimit = 500
)

// Scheduler はオフライン操作の定期再生と並列制御を行う。
// ティッカーで再生対象の参加者を取得し、semaphoreパターンで最大並列数を制御しながら
// 参加者ごとにバッチ処理を実行する。同じ参加者の操作はQueueStore側で直列化される。
type Scheduler struct {
	queue            QueueProcessor
	logger           *slog.Logger
	maxConcurrency   int
	batchSize        int
	participantLimit int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値10を使用する。
// batchSizeが0以下の場合はキュー側の既定件数を使う。
func NewScheduler(queue QueueProcessor, logger *slog.Logger, maxConcurrency, batchSize int) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}
	return &Scheduler{
		queue:            queue,
		logger:           logger,
		maxConcurrency:   maxConcurrency,
		batchSize:        batchSize,
		participantLimit: defaultParticipantLimit,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("オフライン再生スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("再生サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("オフライン再生スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("再生サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は再生対象の参加者を1回取得し、並列でバッチ処理を実行する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	// 中断されたワーカーが取得したままの操作を先に戻す
	if _, err := s.queue.ReclaimStale(ctx); err != nil {
		s.logger.Error("処理中の操作の回収に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	participants, err := s.queue.ParticipantsWithDue(ctx, s.participantLimit)
	if err != nil {
		return err
	}

	if len(participants) == 0 {
		s.logger.Info("再生対象のオフライン操作はありません")
		return nil
	}

	s.logger.Info("再生サイクルを開始します",
		slog.Int("participant_count", len(participants)),
	)

	var processed, failed atomic.Int64

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for _, participantID := range participants {
		wg.Add(1)
		sem <- struct{}{}

		go func(pid string) {
			defer wg.Done()
			defer func() { <-sem }()

			res, err := s.queue.ProcessBatch(ctx, pid, s.batchSize)
			if err != nil {
				s.logger.Error("オフライン操作のバッチ処理に失敗しました",
					slog.String("participant_id", pid),
					slog.String("error", err.Error()),
				)
			}
			if res != nil {
				processed.Add(int64(res.Processed))
				failed.Add(int64(res.Failed))
			}
		}(participantID)
	}

	wg.Wait()

	duration := time.Since(start)
	s.logger.Info("再生サイクルが完了しました",
		slog.Int("participant_count", len(participants)),
		slog.Int64("processed", processed.Load()),
		slog.Int64("failed", failed.Load()),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
