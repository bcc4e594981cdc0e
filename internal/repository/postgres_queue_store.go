package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/attendance/internal/model"
	"github.com/lib/pq"
)

// PostgresQueueStore はPostgreSQLを使用したオフライン操作キュー。
// 参加者単位の取得はアドバイザリロックで直列化し、行の取得はFOR UPDATE SKIP LOCKEDで排他的に行う。
type PostgresQueueStore struct {
	db *sql.DB
}

// NewPostgresQueueStore はPostgresQueueStoreを生成する。
func NewPostgresQueueStore(db *sql.DB) *PostgresQueueStore {
	return &PostgresQueueStore{db: db}
}

const operationColumns = `id, operation_type, payload, participant_id, priority, retry_count, max_retries,
		        status, last_error, created_at, last_attempt_at, next_attempt_at`

// queueOrder はキューの並び順。sort_key降順、同値は作成日時、IDの昇順。
const queueOrder = `ORDER BY sort_key DESC, created_at ASC, id ASC`

func scanOperation(row rowScanner) (*model.OfflineOperation, error) {
	op := &model.OfflineOperation{}
	var payload []byte
	var lastError sql.NullString
	var lastAttemptAt sql.NullTime

	if err := row.Scan(
		&op.ID, &op.Type, &payload, &op.ParticipantID, &op.Priority, &op.RetryCount, &op.MaxRetries,
		&op.Status, &lastError, &op.CreatedAt, &lastAttemptAt, &op.NextAttemptAt,
	); err != nil {
		return nil, err
	}
	op.Payload = payload
	op.LastError = nullStringValue(lastError)
	op.LastAttemptAt = nullTimePtr(lastAttemptAt)
	return op, nil
}

// limitArg は0以下の件数指定をLIMIT NULL（無制限）に変換する。
func limitArg(limit int) sql.NullInt64 {
	if limit <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(limit), Valid: true}
}

// claimTime は取得時刻をPostgreSQLの精度（マイクロ秒）に揃える。
// 取得時刻は完了・失敗の記録時に照合するため、保存値と一致している必要がある。
func claimTime(now time.Time) time.Time {
	return now.UTC().Truncate(time.Microsecond)
}

// lockParticipant は参加者単位のトランザクションスコープのアドバイザリロックを取得する。
func lockParticipant(ctx context.Context, tx *sql.Tx, participantID string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, participantID); err != nil {
		return fmt.Errorf("参加者ロックの取得に失敗しました: %w", err)
	}
	return nil
}

func hasProcessing(ctx context.Context, tx *sql.Tx, participantID string) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM offline_operations WHERE participant_id = $1 AND status = 'processing'
		 )`,
		participantID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("処理中操作の確認に失敗しました: %w", err)
	}
	return exists, nil
}

// Enqueue は操作をpendingとして追加する。
func (s *PostgresQueueStore) Enqueue(ctx context.Context, op *model.OfflineOperation, limit int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if limit > 0 {
		if err := lockParticipant(ctx, tx, op.ParticipantID); err != nil {
			return err
		}
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM offline_operations
			 WHERE participant_id = $1 AND status IN ('pending', 'processing')`,
			op.ParticipantID,
		).Scan(&count); err != nil {
			return fmt.Errorf("キュー件数の取得に失敗しました: %w", err)
		}
		if count >= limit {
			return model.NewQueueFullError(limit)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO offline_operations (id, operation_type, payload, participant_id, priority, sort_key,
		                                 retry_count, max_retries, status, last_error,
		                                 created_at, last_attempt_at, next_attempt_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', $9, $10, $11, $12)`,
		op.ID, op.Type, []byte(op.Payload), op.ParticipantID, op.Priority, op.SortKey(),
		op.RetryCount, op.MaxRetries, nullString(op.LastError),
		op.CreatedAt, nullTime(op.LastAttemptAt), op.NextAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("オフライン操作の追加に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// Get は指定IDの操作を取得する。見つからない場合はnilを返す。
func (s *PostgresQueueStore) Get(ctx context.Context, id string) (*model.OfflineOperation, error) {
	op, err := scanOperation(s.db.QueryRowContext(ctx,
		`SELECT `+operationColumns+` FROM offline_operations WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("オフライン操作の取得に失敗しました: %w", err)
	}
	return op, nil
}

// Claim は参加者の実行可能なpending操作を並び順に最大limit件processingに切り替えて返す。
func (s *PostgresQueueStore) Claim(ctx context.Context, participantID string, now time.Time, limit int) ([]*model.OfflineOperation, error) {
	claimedAt := claimTime(now)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if err := lockParticipant(ctx, tx, participantID); err != nil {
		return nil, err
	}
	busy, err := hasProcessing(ctx, tx, participantID)
	if err != nil {
		return nil, err
	}
	if busy {
		return nil, nil
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+operationColumns+`
		 FROM offline_operations
		 WHERE participant_id = $1 AND status = 'pending' AND next_attempt_at <= $2
		 `+queueOrder+`
		 LIMIT $3
		 FOR UPDATE SKIP LOCKED`,
		participantID, now, limitArg(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("実行可能な操作の取得に失敗しました: %w", err)
	}
	ops, err := collectOperations(rows)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return ops, nil
	}

	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE offline_operations SET status = 'processing', last_attempt_at = $2
		 WHERE id = ANY($1)`,
		pq.Array(ids), claimedAt,
	); err != nil {
		return nil, fmt.Errorf("操作の取得状態への更新に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}

	for _, op := range ops {
		op.Status = model.OperationStatusProcessing
		t := claimedAt
		op.LastAttemptAt = &t
	}
	return ops, nil
}

// ClaimByID は指定IDのpending操作をprocessingに切り替えて返す。
func (s *PostgresQueueStore) ClaimByID(ctx context.Context, id string, now time.Time) (*model.OfflineOperation, error) {
	var participantID string
	err := s.db.QueryRowContext(ctx,
		`SELECT participant_id FROM offline_operations WHERE id = $1`, id,
	).Scan(&participantID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("オフライン操作の取得に失敗しました: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if err := lockParticipant(ctx, tx, participantID); err != nil {
		return nil, err
	}
	busy, err := hasProcessing(ctx, tx, participantID)
	if err != nil {
		return nil, err
	}
	if busy {
		return nil, nil
	}

	op, err := scanOperation(tx.QueryRowContext(ctx,
		`UPDATE offline_operations SET status = 'processing', last_attempt_at = $2
		 WHERE id = $1 AND status = 'pending'
		 RETURNING `+operationColumns,
		id, claimTime(now),
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("操作の取得状態への更新に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return op, nil
}

// claimToken は操作の取得時刻を返す。取得していない操作はnil。
func claimToken(op *model.OfflineOperation) sql.NullTime {
	return nullTime(op.LastAttemptAt)
}

// Renew は取得済みの操作の取得時刻をnowに更新する。
func (s *PostgresQueueStore) Renew(ctx context.Context, op *model.OfflineOperation, now time.Time) (bool, error) {
	renewed := claimTime(now)
	result, err := s.db.ExecContext(ctx,
		`UPDATE offline_operations SET last_attempt_at = $3
		 WHERE id = $1 AND status = 'processing' AND last_attempt_at = $2`,
		op.ID, claimToken(op), renewed,
	)
	if err != nil {
		return false, fmt.Errorf("操作の取得時刻の更新に失敗しました: %w", err)
	}
	n, err := affected(result)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	op.LastAttemptAt = &renewed
	return true, nil
}

// Complete は処理に成功した操作をキューから取り除く。
func (s *PostgresQueueStore) Complete(ctx context.Context, op *model.OfflineOperation) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM offline_operations
		 WHERE id = $1 AND status = 'processing' AND last_attempt_at = $2`,
		op.ID, claimToken(op),
	)
	if err != nil {
		return fmt.Errorf("完了した操作の削除に失敗しました: %w", err)
	}
	n, err := affected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrClaimLost
	}
	return nil
}

// Fail は処理に失敗した操作の再試行情報を保存する。
func (s *PostgresQueueStore) Fail(ctx context.Context, op *model.OfflineOperation) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE offline_operations
		 SET status = $3, retry_count = $4, last_error = $5, next_attempt_at = $6
		 WHERE id = $1 AND status = 'processing' AND last_attempt_at = $2`,
		op.ID, claimToken(op), op.Status, op.RetryCount, nullString(op.LastError), op.NextAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("失敗した操作の更新に失敗しました: %w", err)
	}
	n, err := affected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrClaimLost
	}
	return nil
}

// Requeue はfailedの操作をpendingに戻し、リトライ回数を0にリセットする。
func (s *PostgresQueueStore) Requeue(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE offline_operations
		 SET status = 'pending', retry_count = 0, last_error = NULL, next_attempt_at = $2
		 WHERE id = $1 AND status = 'failed'`,
		id, now,
	)
	if err != nil {
		return false, fmt.Errorf("操作の再投入に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return rowsAffected > 0, nil
}

// List は参加者の指定状態の操作を並び順に最大limit件返す。
func (s *PostgresQueueStore) List(ctx context.Context, participantID string, status model.OperationStatus, limit int) ([]*model.OfflineOperation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+operationColumns+`
		 FROM offline_operations
		 WHERE participant_id = $1 AND status = $2
		 `+queueOrder+`
		 LIMIT $3`,
		participantID, status, limitArg(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("オフライン操作一覧の取得に失敗しました: %w", err)
	}
	return collectOperations(rows)
}

// Clear は参加者のpendingとfailedの操作を削除する。
func (s *PostgresQueueStore) Clear(ctx context.Context, participantID string) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM offline_operations
		 WHERE participant_id = $1 AND status IN ('pending', 'failed')`,
		participantID,
	)
	if err != nil {
		return 0, fmt.Errorf("オフラインキューのクリアに失敗しました: %w", err)
	}
	return affected(result)
}

// Status は参加者のキュー状況を集計する。
func (s *PostgresQueueStore) Status(ctx context.Context, participantID string) (*model.QueueStatus, error) {
	st := &model.QueueStatus{ParticipantID: participantID}
	var oldestPending, newestFailed sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT
		     COUNT(*) FILTER (WHERE status = 'pending'),
		     COUNT(*) FILTER (WHERE status = 'processing'),
		     COUNT(*) FILTER (WHERE status = 'failed'),
		     MIN(created_at) FILTER (WHERE status = 'pending'),
		     MAX(created_at) FILTER (WHERE status = 'failed')
		 FROM offline_operations
		 WHERE participant_id = $1`,
		participantID,
	).Scan(&st.Pending, &st.Processing, &st.Failed, &oldestPending, &newestFailed)
	if err != nil {
		return nil, fmt.Errorf("キュー状況の集計に失敗しました: %w", err)
	}

	st.Total = st.Pending + st.Processing + st.Failed
	st.OldestPending = nullTimePtr(oldestPending)
	st.NewestFailed = nullTimePtr(newestFailed)
	return st, nil
}

// ListParticipantsWithDue は実行可能なpending操作を持つ参加者IDを最大limit件返す。
// 待ち時間の長い参加者から順に返す。
func (s *PostgresQueueStore) ListParticipantsWithDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT participant_id
		 FROM offline_operations
		 WHERE status = 'pending' AND next_attempt_at <= $1
		 GROUP BY participant_id
		 ORDER BY MIN(created_at) ASC
		 LIMIT $2`,
		now, limitArg(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("処理対象参加者の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("処理対象参加者の読み取りに失敗しました: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("処理対象参加者の走査中にエラーが発生しました: %w", err)
	}
	return ids, nil
}

// ReclaimStale はbefore以前から処理中のままの操作をpendingに戻す。
func (s *PostgresQueueStore) ReclaimStale(ctx context.Context, before time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE offline_operations SET status = 'pending'
		 WHERE status = 'processing' AND (last_attempt_at IS NULL OR last_attempt_at <= $1)`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("滞留した操作の回収に失敗しました: %w", err)
	}
	return affected(result)
}

// PurgeFailedBefore は作成日時がbeforeより古いfailed操作を削除する。
func (s *PostgresQueueStore) PurgeFailedBefore(ctx context.Context, before time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM offline_operations WHERE status = 'failed' AND created_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("失敗済み操作の削除に失敗しました: %w", err)
	}
	return affected(result)
}

func collectOperations(rows *sql.Rows) ([]*model.OfflineOperation, error) {
	defer rows.Close()

	ops := []*model.OfflineOperation{}
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("オフライン操作の読み取りに失敗しました: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("オフライン操作の走査中にエラーが発生しました: %w", err)
	}
	return ops, nil
}

func affected(result sql.Result) (int, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return int(n), nil
}

// compile-time interface check
var _ QueueStore = (*PostgresQueueStore)(nil)
