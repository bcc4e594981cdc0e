package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/attendance/internal/model"
	"github.com/hitoshi/attendance/internal/repository"
)

// QueueStore はオフライン操作キューのインメモリ実装。
// 取得（Claim）はミューテックス内でpendingからprocessingへ切り替えるため、同じ操作を二重に取得しない。
type QueueStore struct {
	mu  sync.Mutex
	ops map[string]*model.OfflineOperation
}

// NewQueueStore は空のQueueStoreを生成する。
func NewQueueStore() *QueueStore {
	return &QueueStore{ops: make(map[string]*model.OfflineOperation)}
}

// Enqueue は操作をpendingとして追加する。
func (q *QueueStore) Enqueue(_ context.Context, op *model.OfflineOperation, limit int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if limit > 0 {
		n := 0
		for _, o := range q.ops {
			if o.ParticipantID == op.ParticipantID &&
				(o.Status == model.OperationStatusPending || o.Status == model.OperationStatusProcessing) {
				n++
			}
		}
		if n >= limit {
			return model.NewQueueFullError(limit)
		}
	}

	c := cloneOperation(op)
	c.Status = model.OperationStatusPending
	q.ops[op.ID] = c
	return nil
}

// Get は指定IDの操作を取得する。見つからない場合はnilを返す。
func (q *QueueStore) Get(_ context.Context, id string) (*model.OfflineOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	op, ok := q.ops[id]
	if !ok {
		return nil, nil
	}
	return cloneOperation(op), nil
}

// Claim は参加者の実行可能なpending操作を並び順に最大limit件processingに切り替えて返す。
func (q *QueueStore) Claim(_ context.Context, participantID string, now time.Time, limit int) ([]*model.OfflineOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.hasProcessingLocked(participantID) {
		return nil, nil
	}

	due := q.selectLocked(func(o *model.OfflineOperation) bool {
		return o.ParticipantID == participantID &&
			o.Status == model.OperationStatusPending &&
			!o.NextAttemptAt.After(now)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*model.OfflineOperation, 0, len(due))
	for _, o := range due {
		q.markProcessingLocked(o, now)
		claimed = append(claimed, cloneOperation(o))
	}
	return claimed, nil
}

// ClaimByID は指定IDのpending操作をprocessingに切り替えて返す。
func (q *QueueStore) ClaimByID(_ context.Context, id string, now time.Time) (*model.OfflineOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok || op.Status != model.OperationStatusPending {
		return nil, nil
	}
	if q.hasProcessingLocked(op.ParticipantID) {
		return nil, nil
	}
	q.markProcessingLocked(op, now)
	return cloneOperation(op), nil
}

// Renew は取得済みの操作の取得時刻をnowに更新する。
func (q *QueueStore) Renew(_ context.Context, op *model.OfflineOperation, now time.Time) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored, ok := q.ops[op.ID]
	if !ok || !heldLocked(stored, op) {
		return false, nil
	}
	q.markProcessingLocked(stored, now)
	t := now
	op.LastAttemptAt = &t
	return true, nil
}

// Complete は処理に成功した操作をキューから取り除く。
func (q *QueueStore) Complete(_ context.Context, op *model.OfflineOperation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored, ok := q.ops[op.ID]
	if !ok || !heldLocked(stored, op) {
		return repository.ErrClaimLost
	}
	delete(q.ops, op.ID)
	return nil
}

// Fail は処理に失敗した操作の再試行情報を保存する。
func (q *QueueStore) Fail(_ context.Context, op *model.OfflineOperation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored, ok := q.ops[op.ID]
	if !ok || !heldLocked(stored, op) {
		return repository.ErrClaimLost
	}
	stored.Status = op.Status
	stored.RetryCount = op.RetryCount
	stored.LastError = op.LastError
	stored.NextAttemptAt = op.NextAttemptAt
	return nil
}

// Requeue はfailedの操作をpendingに戻し、リトライ回数を0にリセットする。
func (q *QueueStore) Requeue(_ context.Context, id string, now time.Time) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok || op.Status != model.OperationStatusFailed {
		return false, nil
	}
	op.Status = model.OperationStatusPending
	op.RetryCount = 0
	op.LastError = ""
	op.NextAttemptAt = now
	return true, nil
}

// List は参加者の指定状態の操作を並び順に最大limit件返す。
func (q *QueueStore) List(_ context.Context, participantID string, status model.OperationStatus, limit int) ([]*model.OfflineOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops := q.selectLocked(func(o *model.OfflineOperation) bool {
		return o.ParticipantID == participantID && o.Status == status
	})
	if limit > 0 && len(ops) > limit {
		ops = ops[:limit]
	}
	out := make([]*model.OfflineOperation, 0, len(ops))
	for _, o := range ops {
		out = append(out, cloneOperation(o))
	}
	return out, nil
}

// Clear は参加者のpendingとfailedの操作を削除する。
func (q *QueueStore) Clear(_ context.Context, participantID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for id, o := range q.ops {
		if o.ParticipantID != participantID {
			continue
		}
		if o.Status == model.OperationStatusPending || o.Status == model.OperationStatusFailed {
			delete(q.ops, id)
			n++
		}
	}
	return n, nil
}

// Status は参加者のキュー状況を集計する。
func (q *QueueStore) Status(_ context.Context, participantID string) (*model.QueueStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := &model.QueueStatus{ParticipantID: participantID}
	for _, o := range q.ops {
		if o.ParticipantID != participantID {
			continue
		}
		switch o.Status {
		case model.OperationStatusPending:
			st.Pending++
			if st.OldestPending == nil || o.CreatedAt.Before(*st.OldestPending) {
				t := o.CreatedAt
				st.OldestPending = &t
			}
		case model.OperationStatusProcessing:
			st.Processing++
		case model.OperationStatusFailed:
			st.Failed++
			if st.NewestFailed == nil || o.CreatedAt.After(*st.NewestFailed) {
				t := o.CreatedAt
				st.NewestFailed = &t
			}
		}
	}
	st.Total = st.Pending + st.Processing + st.Failed
	return st, nil
}

// ListParticipantsWithDue は実行可能なpending操作を持つ参加者IDを最大limit件返す。
func (q *QueueStore) ListParticipantsWithDue(_ context.Context, now time.Time, limit int) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	seen := make(map[string]struct{})
	var ids []string
	for _, o := range q.ops {
		if o.Status != model.OperationStatusPending || o.NextAttemptAt.After(now) {
			continue
		}
		if _, ok := seen[o.ParticipantID]; ok {
			continue
		}
		seen[o.ParticipantID] = struct{}{}
		ids = append(ids, o.ParticipantID)
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// ReclaimStale はbefore以前から処理中のままの操作をpendingに戻す。
func (q *QueueStore) ReclaimStale(_ context.Context, before time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, o := range q.ops {
		if o.Status != model.OperationStatusProcessing {
			continue
		}
		if o.LastAttemptAt == nil || !o.LastAttemptAt.After(before) {
			o.Status = model.OperationStatusPending
			n++
		}
	}
	return n, nil
}

// PurgeFailedBefore は作成日時がbeforeより古いfailed操作を削除する。
func (q *QueueStore) PurgeFailedBefore(_ context.Context, before time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for id, o := range q.ops {
		if o.Status == model.OperationStatusFailed && o.CreatedAt.Before(before) {
			delete(q.ops, id)
			n++
		}
	}
	return n, nil
}

func (q *QueueStore) hasProcessingLocked(participantID string) bool {
	for _, o := range q.ops {
		if o.ParticipantID == participantID && o.Status == model.OperationStatusProcessing {
			return true
		}
	}
	return false
}

// heldLocked は保存値がopの取得時のままprocessingであるかを返す。
func heldLocked(stored, op *model.OfflineOperation) bool {
	if stored.Status != model.OperationStatusProcessing {
		return false
	}
	if stored.LastAttemptAt == nil || op.LastAttemptAt == nil {
		return false
	}
	return stored.LastAttemptAt.Equal(*op.LastAttemptAt)
}

func (q *QueueStore) markProcessingLocked(o *model.OfflineOperation, now time.Time) {
	o.Status = model.OperationStatusProcessing
	t := now
	o.LastAttemptAt = &t
}

// selectLocked は条件に合う操作を並び順で返す。戻り値は保存値そのものを指す。
func (q *QueueStore) selectLocked(keep func(*model.OfflineOperation) bool) []*model.OfflineOperation {
	var out []*model.OfflineOperation
	for _, o := range q.ops {
		if keep(o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func cloneOperation(op *model.OfflineOperation) *model.OfflineOperation {
	c := *op
	if op.Payload != nil {
		c.Payload = append([]byte(nil), op.Payload...)
	}
	if op.LastAttemptAt != nil {
		t := *op.LastAttemptAt
		c.LastAttemptAt = &t
	}
	return &c
}

// compile-time interface check
var _ repository.QueueStore = (*QueueStore)(nil)
