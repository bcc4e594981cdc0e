// Package offline はオフライン中に受け付けた操作のキューと再生処理を提供する。
//
// 操作は参加者ごとに優先度順で保存され、再生時は取得（pending→processing）に成功した
// 呼び出し元だけが実行する。失敗した操作はリトライ回数を進めて再試行待ちに戻り、
// 上限に達するとfailedに移って手動の再試行を待つ。
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/attendance/internal/attendance"
	"github.com/hitoshi/attendance/internal/clock"
	"github.com/hitoshi/attendance/internal/metrics"
	"github.com/hitoshi/attendance/internal/model"
	"github.com/hitoshi/attendance/internal/repository"
)

// Executor はオフライン操作の再生先となる出席サービス。
type Executor interface {
	StartSession(ctx context.Context, req attendance.StartRequest) (*attendance.StartResult, error)
	CheckIn(ctx context.Context, req attendance.CheckRequest) (*attendance.Result, error)
	CheckOut(ctx context.Context, req attendance.CheckRequest) (*attendance.Result, error)
	EndSession(ctx context.Context, req attendance.EndRequest) (*attendance.Result, error)
}

// Config はQueueの設定。
type Config struct {
	DefaultPriority   int
	DefaultMaxRetries int
	// MaxSize は参加者ごとの未処理操作数の上限。0以下は無制限。
	MaxSize int
	// BatchSize はProcessBatchの1回あたりの最大件数。件数を指定しなかった場合もこの値を使う。
	BatchSize    int
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	// ClaimTimeout を超えてprocessingのままの操作は中断したものとみなしてpendingに戻す。
	ClaimTimeout time.Duration
	// FailedRetention を超えたfailed操作は削除する。
	FailedRetention time.Duration
}

const defaultBatchSize = 10

// Queue はオフライン操作キュー。
type Queue struct {
	store    repository.QueueStore
	executor Executor
	clock    clock.Clock
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	cfg      Config
	newID    func() string
}

// NewQueue はQueueを生成する。metricsはnilでもよい。
func NewQueue(store repository.QueueStore, executor Executor, clk clock.Clock, collector metrics.MetricsCollector, logger *slog.Logger, cfg Config) *Queue {
	if cfg.DefaultPriority <= 0 {
		cfg.DefaultPriority = model.DefaultOperationPriority
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = model.DefaultOperationMaxRetries
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Queue{
		store:    store,
		executor: executor,
		clock:    clk,
		metrics:  collector,
		logger:   logger,
		cfg:      cfg,
		newID:    func() string { return uuid.New().String() },
	}
}

// EnqueueRequest はオフライン操作の追加要求。
type EnqueueRequest struct {
	ParticipantID string
	Type          model.OperationType
	Payload       json.RawMessage
	// Priority は大きいほど先に処理される。0の場合は既定値。
	Priority int
	// MaxRetries は自動再試行の上限。0の場合は既定値。
	MaxRetries int
}

// Enqueue はオフライン操作をpendingとして追加する。
// ペイロードは種別ごとに検証し、不正な場合はValidationErrorを返す。
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*model.OfflineOperation, error) {
	if req.ParticipantID == "" {
		return nil, model.NewInvalidRequestError("participant_id は必須です")
	}
	if req.Priority < 0 || req.Priority > model.MaxOperationPriority {
		return nil, model.NewInvalidRequestError(fmt.Sprintf("priority は0以上%d以下で指定してください", model.MaxOperationPriority))
	}
	if req.MaxRetries < 0 || req.MaxRetries > model.MaxOperationMaxRetries {
		return nil, model.NewInvalidRequestError(fmt.Sprintf("max_retries は0以上%d以下で指定してください", model.MaxOperationMaxRetries))
	}
	payload, err := normalizePayload(req.Type, req.Payload, q.newID)
	if err != nil {
		return nil, err
	}

	priority := req.Priority
	if priority == 0 {
		priority = q.cfg.DefaultPriority
	}
	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = q.cfg.DefaultMaxRetries
	}

	now := q.clock.Now()
	op := &model.OfflineOperation{
		ID:            q.newID(),
		Type:          req.Type,
		Payload:       payload,
		ParticipantID: req.ParticipantID,
		Priority:      priority,
		MaxRetries:    maxRetries,
		Status:        model.OperationStatusPending,
		CreatedAt:     now,
		NextAttemptAt: now,
	}
	if err := q.store.Enqueue(ctx, op, q.cfg.MaxSize); err != nil {
		if model.KindOf(err) != "" {
			return nil, err
		}
		return nil, fmt.Errorf("オフライン操作の追加に失敗しました: %w", err)
	}

	if q.metrics != nil {
		q.metrics.RecordQueueEnqueued(string(op.Type))
	}
	q.logger.Info("オフライン操作をキューに追加しました",
		slog.String("operation_id", op.ID),
		slog.String("operation_type", string(op.Type)),
		slog.String("participant_id", op.ParticipantID),
		slog.Int("priority", op.Priority),
	)
	return op, nil
}

// ListPending は参加者のpending操作を処理順に返す。
func (q *Queue) ListPending(ctx context.Context, participantID string, limit int) ([]*model.OfflineOperation, error) {
	return q.list(ctx, participantID, model.OperationStatusPending, limit)
}

// ListFailed は参加者のfailed操作を処理順に返す。
func (q *Queue) ListFailed(ctx context.Context, participantID string, limit int) ([]*model.OfflineOperation, error) {
	return q.list(ctx, participantID, model.OperationStatusFailed, limit)
}

func (q *Queue) list(ctx context.Context, participantID string, status model.OperationStatus, limit int) ([]*model.OfflineOperation, error) {
	ops, err := q.store.List(ctx, participantID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("オフライン操作の取得に失敗しました: %w", err)
	}
	return ops, nil
}

// Get は指定IDの操作を返す。参加者の操作でない場合はNotFoundとする。
func (q *Queue) Get(ctx context.Context, id, participantID string) (*model.OfflineOperation, error) {
	op, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("オフライン操作の取得に失敗しました: %w", err)
	}
	if op == nil || op.ParticipantID != participantID {
		return nil, model.NewOperationNotFoundError(id)
	}
	return op, nil
}

// outcome は取得した操作1件の処理結果。
type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeRetry
	outcomeExhausted
	// outcomeLost は実行中に取得が回収され、結果を記録しなかったことを表す。
	outcomeLost
)

// ProcessOne は指定IDの操作を取得して実行し、成功した場合にtrueを返す。
// 操作がpendingでない、または同じ参加者の別の操作が処理中の場合は実行せずfalseを返す。
// 実行の失敗はリトライ回数に反映し、エラーとしては返さない。
// ただしリトライ上限に達した場合と、既にfailedの操作を指定した場合はQueueExhaustedErrorを返す。
func (q *Queue) ProcessOne(ctx context.Context, id string) (bool, error) {
	op, err := q.store.ClaimByID(ctx, id, q.clock.Now())
	if err != nil {
		return false, fmt.Errorf("オフライン操作の取得に失敗しました: %w", err)
	}
	if op == nil {
		existing, err := q.store.Get(ctx, id)
		if err != nil {
			return false, fmt.Errorf("オフライン操作の取得に失敗しました: %w", err)
		}
		if existing == nil {
			return false, model.NewOperationNotFoundError(id)
		}
		if existing.Status == model.OperationStatusFailed {
			return false, model.NewQueueExhaustedError(id, existing.MaxRetries)
		}
		return false, nil
	}

	out, err := q.execute(ctx, op)
	if err != nil {
		return false, err
	}
	switch out {
	case outcomeCompleted:
		return true, nil
	case outcomeExhausted:
		return false, model.NewQueueExhaustedError(op.ID, op.MaxRetries)
	default:
		return false, nil
	}
}

// ProcessBatch は参加者の実行可能なpending操作を最大maxOperations件、処理順に1件ずつ実行する。
// 同じ参加者の操作が他で処理中の場合は何も実行しない。
// 各操作は実行直前に取得時刻を更新し、その間に回収された操作は実行しない。
// 戻り値のTotalは結果を記録した件数（Processed + Failed）。
func (q *Queue) ProcessBatch(ctx context.Context, participantID string, maxOperations int) (*model.BatchResult, error) {
	if maxOperations <= 0 || maxOperations > q.cfg.BatchSize {
		maxOperations = q.cfg.BatchSize
	}
	ops, err := q.store.Claim(ctx, participantID, q.clock.Now(), maxOperations)
	if err != nil {
		return nil, fmt.Errorf("オフライン操作の取得に失敗しました: %w", err)
	}

	result := &model.BatchResult{}
	defer func() { result.Total = result.Processed + result.Failed }()

	for i, op := range ops {
		if ctx.Err() != nil {
			q.release(ops[i:])
			break
		}
		if i > 0 {
			renewed, err := q.store.Renew(ctx, op, q.clock.Now())
			if err != nil {
				q.release(ops[i:])
				return result, fmt.Errorf("オフライン操作の取得時刻の更新に失敗しました: %w", err)
			}
			if !renewed {
				q.logLost(op)
				continue
			}
		}

		out, err := q.execute(ctx, op)
		if err != nil {
			q.release(ops[i+1:])
			return result, err
		}
		switch out {
		case outcomeCompleted:
			result.Processed++
		case outcomeRetry, outcomeExhausted:
			result.Failed++
		}
	}
	return result, nil
}

// execute は取得済みの操作を実行し、結果をキューに反映する。
// 実行中のpanicも失敗として扱い、操作の記録は失わない。
// 実行中に取得が回収されていた場合は結果を記録せずoutcomeLostを返す。
func (q *Queue) execute(ctx context.Context, op *model.OfflineOperation) (outcome, error) {
	start := q.clock.Now()
	runErr := q.run(ctx, op)
	if q.metrics != nil {
		q.metrics.RecordReplayLatency(q.clock.Now().Sub(start))
	}

	// キャンセルされた文脈でも結果の記録は行う
	bookkeeping := context.WithoutCancel(ctx)

	if runErr == nil {
		if err := q.store.Complete(bookkeeping, op); err != nil {
			if errors.Is(err, repository.ErrClaimLost) {
				q.logLost(op)
				return outcomeLost, nil
			}
			return outcomeLost, fmt.Errorf("オフライン操作の完了記録に失敗しました: %w", err)
		}
		q.recordResult(op, metrics.QueueResultCompleted)
		q.logger.Info("オフライン操作を再生しました",
			slog.String("operation_id", op.ID),
			slog.String("operation_type", string(op.Type)),
			slog.String("participant_id", op.ParticipantID),
		)
		return outcomeCompleted, nil
	}

	exhausted := ApplyFailure(op, runErr, q.clock.Now(), q.cfg.RetryBackoff, q.cfg.MaxBackoff)
	if err := q.store.Fail(bookkeeping, op); err != nil {
		if errors.Is(err, repository.ErrClaimLost) {
			q.logLost(op)
			return outcomeLost, nil
		}
		return outcomeLost, fmt.Errorf("オフライン操作の失敗記録に失敗しました: %w", err)
	}

	if exhausted {
		q.recordResult(op, metrics.QueueResultExhausted)
		q.logger.Error("オフライン操作がリトライ上限に達しました",
			slog.String("operation_id", op.ID),
			slog.String("operation_type", string(op.Type)),
			slog.String("participant_id", op.ParticipantID),
			slog.Int("retry_count", op.RetryCount),
			slog.String("error", runErr.Error()),
		)
		return outcomeExhausted, nil
	}

	q.recordResult(op, metrics.QueueResultRetry)
	q.logger.Warn("オフライン操作の再生に失敗しました。再試行します",
		slog.String("operation_id", op.ID),
		slog.String("operation_type", string(op.Type)),
		slog.String("participant_id", op.ParticipantID),
		slog.Int("retry_count", op.RetryCount),
		slog.Int("max_retries", op.MaxRetries),
		slog.Time("next_attempt_at", op.NextAttemptAt),
		slog.String("error", runErr.Error()),
	)
	return outcomeRetry, nil
}

func (q *Queue) logLost(op *model.OfflineOperation) {
	q.logger.Warn("オフライン操作の取得が回収されていたため結果を記録しませんでした",
		slog.String("operation_id", op.ID),
		slog.String("operation_type", string(op.Type)),
		slog.String("participant_id", op.ParticipantID),
	)
}

// run は操作種別に応じて出席サービスを呼び出す。
func (q *Queue) run(ctx context.Context, op *model.OfflineOperation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("オフライン操作の実行中にpanicが発生しました: %v", r)
		}
	}()

	switch op.Type {
	case model.OperationCheckIn, model.OperationCheckOut:
		var p model.CheckPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return fmt.Errorf("ペイロードの解析に失敗しました: %w", err)
		}
		req, err := checkRequest(op.ParticipantID, p)
		if err != nil {
			return err
		}
		if op.Type == model.OperationCheckIn {
			_, err = q.executor.CheckIn(ctx, req)
		} else {
			_, err = q.executor.CheckOut(ctx, req)
		}
		return err

	case model.OperationCreateSession:
		var p model.CreateSessionPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return fmt.Errorf("ペイロードの解析に失敗しました: %w", err)
		}
		_, err := q.executor.StartSession(ctx, attendance.StartRequest{
			ParticipantID: op.ParticipantID,
			MeetingID:     p.MeetingID,
			Notes:         p.Notes,
			SessionID:     p.SessionID,
		})
		return err

	case model.OperationEndSession:
		var p model.EndSessionPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return fmt.Errorf("ペイロードの解析に失敗しました: %w", err)
		}
		_, err := q.executor.EndSession(ctx, attendance.EndRequest{
			SessionID:     p.SessionID,
			ParticipantID: op.ParticipantID,
			Reason:        p.Reason,
			Replay:        true,
		})
		return err

	default:
		return model.NewInvalidRequestError("未知の操作種別です: " + string(op.Type))
	}
}

// release は取得したが実行しなかった操作をpendingに戻す。
func (q *Queue) release(ops []*model.OfflineOperation) {
	bookkeeping := context.Background()
	now := q.clock.Now()
	for _, op := range ops {
		ApplyRelease(op, now)
		if err := q.store.Fail(bookkeeping, op); err != nil {
			if errors.Is(err, repository.ErrClaimLost) {
				continue
			}
			q.logger.Error("未実行のオフライン操作を戻せませんでした",
				slog.String("operation_id", op.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Retry はfailedの操作をリトライ回数0のpendingに戻す。
func (q *Queue) Retry(ctx context.Context, id, participantID string) error {
	op, err := q.Get(ctx, id, participantID)
	if err != nil {
		return err
	}
	ok, err := q.store.Requeue(ctx, id, q.clock.Now())
	if err != nil {
		return fmt.Errorf("オフライン操作の再試行設定に失敗しました: %w", err)
	}
	if !ok {
		return model.NewOperationNotFailedError(id, op.Status)
	}
	q.logger.Info("失敗したオフライン操作を再試行待ちに戻しました",
		slog.String("operation_id", id),
		slog.String("participant_id", participantID),
	)
	return nil
}

// Clear は参加者のpendingとfailedの操作を破棄し、件数を返す。処理中の操作は対象外。
func (q *Queue) Clear(ctx context.Context, participantID string) (int, error) {
	n, err := q.store.Clear(ctx, participantID)
	if err != nil {
		return 0, fmt.Errorf("オフライン操作の削除に失敗しました: %w", err)
	}
	q.logger.Info("オフライン操作を破棄しました",
		slog.String("participant_id", participantID),
		slog.Int("count", n),
	)
	return n, nil
}

// GetQueueStatus は参加者のキュー状況を返す。
func (q *Queue) GetQueueStatus(ctx context.Context, participantID string) (*model.QueueStatus, error) {
	st, err := q.store.Status(ctx, participantID)
	if err != nil {
		return nil, fmt.Errorf("キュー状況の取得に失敗しました: %w", err)
	}
	return st, nil
}

// ParticipantsWithDue は実行可能な操作を持つ参加者IDを最大limit件返す。
func (q *Queue) ParticipantsWithDue(ctx context.Context, limit int) ([]string, error) {
	ids, err := q.store.ListParticipantsWithDue(ctx, q.clock.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("再生対象の参加者の取得に失敗しました: %w", err)
	}
	return ids, nil
}

// ReclaimStale はClaimTimeoutを超えて処理中のままの操作をpendingに戻す。
// ClaimTimeoutが0以下の場合は何もしない。
func (q *Queue) ReclaimStale(ctx context.Context) (int, error) {
	if q.cfg.ClaimTimeout <= 0 {
		return 0, nil
	}
	n, err := q.store.ReclaimStale(ctx, q.clock.Now().Add(-q.cfg.ClaimTimeout))
	if err != nil {
		return 0, fmt.Errorf("処理中のまま残った操作の回収に失敗しました: %w", err)
	}
	if n > 0 {
		q.logger.Warn("処理中のまま残っていたオフライン操作をpendingに戻しました", slog.Int("count", n))
	}
	return n, nil
}

// PurgeExpiredFailed は保持期間を過ぎたfailed操作を削除する。
// FailedRetentionが0以下の場合は何もしない。
func (q *Queue) PurgeExpiredFailed(ctx context.Context) (int, error) {
	if q.cfg.FailedRetention <= 0 {
		return 0, nil
	}
	n, err := q.store.PurgeFailedBefore(ctx, q.clock.Now().Add(-q.cfg.FailedRetention))
	if err != nil {
		return 0, fmt.Errorf("保持期間を過ぎた失敗操作の削除に失敗しました: %w", err)
	}
	return n, nil
}

func (q *Queue) recordResult(op *model.OfflineOperation, result string) {
	if q.metrics != nil {
		q.metrics.RecordQueueResult(string(op.Type), result)
	}
}
