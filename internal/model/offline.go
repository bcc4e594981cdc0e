// Package model はドメインモデルを定義する。
package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// OperationType はオフラインキューに積まれる操作の種別。
type OperationType string

const (
	OperationCheckIn       OperationType = "check_in"
	OperationCheckOut      OperationType = "check_out"
	OperationCreateSession OperationType = "create_session"
	OperationEndSession    OperationType = "end_session"
)

// ParseOperationType は文字列をOperationTypeに変換する。
func ParseOperationType(s string) (OperationType, error) {
	switch OperationType(s) {
	case OperationCheckIn, OperationCheckOut, OperationCreateSession, OperationEndSession:
		return OperationType(s), nil
	default:
		return "", NewInvalidRequestError("未知の操作種別です: " + s)
	}
}

// Scan はsql.Scannerを実装する。
func (t *OperationType) Scan(src any) error {
	str, err := scanString(src)
	if err != nil {
		return err
	}
	switch OperationType(str) {
	case OperationCheckIn, OperationCheckOut, OperationCreateSession, OperationEndSession:
		*t = OperationType(str)
		return nil
	default:
		return NewUnknownStatusError("operation_type", str)
	}
}

// Value はdriver.Valuerを実装する。
func (t OperationType) Value() (driver.Value, error) {
	return string(t), nil
}

// OperationStatus はオフライン操作の処理状態。
// pending → processing → {completed | pending(再試行) | failed} と遷移する。
type OperationStatus string

const (
	OperationStatusPending    OperationStatus = "pending"
	OperationStatusProcessing OperationStatus = "processing"
	OperationStatusFailed     OperationStatus = "failed"
	OperationStatusCompleted  OperationStatus = "completed"
)

// Scan はsql.Scannerを実装する。
func (s *OperationStatus) Scan(src any) error {
	str, err := scanString(src)
	if err != nil {
		return err
	}
	switch OperationStatus(str) {
	case OperationStatusPending, OperationStatusProcessing, OperationStatusFailed, OperationStatusCompleted:
		*s = OperationStatus(str)
		return nil
	default:
		return NewUnknownStatusError("operation_status", str)
	}
}

// Value はdriver.Valuerを実装する。
func (s OperationStatus) Value() (driver.Value, error) {
	return string(s), nil
}

const (
	// DefaultOperationPriority はオフライン操作の既定優先度。
	DefaultOperationPriority = 1
	// DefaultOperationMaxRetries はオフライン操作の既定最大リトライ回数。
	DefaultOperationMaxRetries = 3

	// MaxOperationPriority は受け付ける優先度の上限。
	// MaxOperationPriority * queuePriorityScale がint64に収まり、並び順キーが桁あふれしない。
	MaxOperationPriority = 1_000_000
	// MaxOperationMaxRetries は受け付ける最大リトライ回数の上限。
	MaxOperationMaxRetries = 100

	// queuePriorityScale は並び順キーで優先度に掛ける係数。
	// 作成時刻（エポック秒）の差がこの値を超えない限り、優先度の高い操作が常に先になる。
	queuePriorityScale int64 = 10_000_000_000
)

// OfflineOperation は切断中に受け付け、後で再生する遅延操作。
type OfflineOperation struct {
	ID            string
	Type          OperationType
	Payload       json.RawMessage // 種別ごとの内容。キューからは不透明として扱う
	ParticipantID string
	Priority      int
	RetryCount    int
	MaxRetries    int
	Status        OperationStatus
	LastError     string
	CreatedAt     time.Time
	LastAttemptAt *time.Time
	// NextAttemptAt は自動再試行が可能になる時刻。ゼロ値は即時。
	NextAttemptAt time.Time
}

// SortKey は優先度キュー上の並び順キーを返す。大きいほど先に処理される。
// priority * 係数 - 作成エポック秒 のため、同一優先度では古い操作が先になる。
func (o *OfflineOperation) SortKey() int64 {
	return int64(o.Priority)*queuePriorityScale - o.CreatedAt.Unix()
}

// Exhausted はリトライ回数が上限に達しているかを返す。
func (o *OfflineOperation) Exhausted() bool {
	return o.RetryCount >= o.MaxRetries
}

// Less はキュー上でoがotherより先に処理されるべきかを返す。
// 並び順キーが同じ場合は作成時刻、さらにIDで決定的に並べる。
func (o *OfflineOperation) Less(other *OfflineOperation) bool {
	ki, kj := o.SortKey(), other.SortKey()
	if ki != kj {
		return ki > kj
	}
	if !o.CreatedAt.Equal(other.CreatedAt) {
		return o.CreatedAt.Before(other.CreatedAt)
	}
	return o.ID < other.ID
}

// CheckPayload はcheck_in/check_out操作のペイロード。
type CheckPayload struct {
	SessionID    string     `json:"session_id"`
	Latitude     float64    `json:"latitude"`
	Longitude    float64    `json:"longitude"`
	Accuracy     *float64   `json:"accuracy,omitempty"`
	Altitude     *float64   `json:"altitude,omitempty"`
	Speed        *float64   `json:"speed,omitempty"`
	Heading      *float64   `json:"heading,omitempty"`
	Timestamp    *time.Time `json:"timestamp,omitempty"`
	LocationFlag string     `json:"location_flag,omitempty"`
	Notes        string     `json:"notes,omitempty"`
}

// CreateSessionPayload はcreate_session操作のペイロード。
// SessionIDを指定すると再生時に同一セッションの二重作成を防げる。
// MeetingIDが空の場合は一般セッションを作成する。
type CreateSessionPayload struct {
	SessionID string `json:"session_id,omitempty"`
	MeetingID string `json:"meeting_id,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// EndSessionPayload はend_session操作のペイロード。
type EndSessionPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// QueueStatus は参加者ごとのオフラインキューの状況。
type QueueStatus struct {
	ParticipantID string
	Pending       int
	Processing    int
	Failed        int
	Total         int
	OldestPending *time.Time
	NewestFailed  *time.Time
}

// BatchResult はバッチ処理の結果件数。
type BatchResult struct {
	Processed int
	Failed    int
	Total     int
}
