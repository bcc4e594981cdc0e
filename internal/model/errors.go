// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ErrorKind はエラーの分類を表す。HTTP層はこの分類でステータスコードを決める。
type ErrorKind string

const (
	// KindValidation は座標や精度など入力値の不備（呼び出し側の誤り、そのままでは再試行不可）。
	KindValidation ErrorKind = "validation"
	// KindNotFound はセッションやミーティングが存在しない。
	KindNotFound ErrorKind = "not_found"
	// KindConflict はミーティング非アクティブ、または状態遷移の前提を満たさない。
	KindConflict ErrorKind = "conflict"
	// KindOutOfRange はジオフェンス判定に失敗した（位置情報自体は正しい）。
	KindOutOfRange ErrorKind = "out_of_range"
	// KindQueueExhausted はオフライン操作がリトライ上限に達した。
	KindQueueExhausted ErrorKind = "queue_exhausted"
	// KindSystem は保存値の破損など内部エラー。
	KindSystem ErrorKind = "system"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Kind     ErrorKind // エラー分類
	Code     string    // エラーコード
	Message  string    // エラーメッセージ
	Category string    // カテゴリ: session, location, queue, validation, system
	Action   string    // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// KindOf はエラーチェーンからAPIErrorを探し、その分類を返す。
// APIErrorでない場合は空文字列を返す。
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// IsKind はエラーが指定分類のAPIErrorかを返す。
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// 定義済みエラーコード
const (
	ErrCodeInvalidLocation    = "INVALID_LOCATION"
	ErrCodeInvalidAccuracy    = "INVALID_ACCURACY"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeSessionNotFound    = "SESSION_NOT_FOUND"
	ErrCodeMeetingNotFound    = "MEETING_NOT_FOUND"
	ErrCodeOperationNotFound  = "OPERATION_NOT_FOUND"
	ErrCodeOperationNotFailed = "OPERATION_NOT_FAILED"
	ErrCodeMeetingInactive    = "MEETING_INACTIVE"
	ErrCodeMeetingClosed      = "MEETING_OUTSIDE_WINDOW"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeNoGeofence         = "NO_GEOFENCE"
	ErrCodeConcurrentUpdate   = "CONCURRENT_UPDATE"
	ErrCodeQueueFull          = "QUEUE_FULL"
	ErrCodeOutOfRange         = "OUT_OF_RANGE"
	ErrCodeQueueExhausted     = "QUEUE_EXHAUSTED"
	ErrCodeUnknownStatus      = "UNKNOWN_STATUS"
)

// NewInvalidLocationError は座標が範囲外の場合のエラーを生成する。
func NewInvalidLocationError(lat, lng float64) *APIError {
	return &APIError{
		Kind:     KindValidation,
		Code:     ErrCodeInvalidLocation,
		Message:  fmt.Sprintf("無効な座標です: lat=%f, lng=%f", lat, lng),
		Category: "location",
		Action:   "端末の位置情報を再取得してから再度お試しください。",
	}
}

// NewInvalidAccuracyError はGPS精度が許容範囲外の場合のエラーを生成する。
func NewInvalidAccuracyError(accuracy, max float64) *APIError {
	return &APIError{
		Kind:     KindValidation,
		Code:     ErrCodeInvalidAccuracy,
		Message:  fmt.Sprintf("位置情報の精度が不足しています: %.1fm（上限 %.1fm）", accuracy, max),
		Category: "location",
		Action:   "屋外など電波の良い場所で位置情報を再取得してください。",
	}
}

// NewInvalidRequestError はリクエスト内容が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Kind:     KindValidation,
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewSessionNotFoundError はセッション未検出エラーを生成する。
func NewSessionNotFoundError(sessionID string) *APIError {
	return &APIError{
		Kind:     KindNotFound,
		Code:     ErrCodeSessionNotFound,
		Message:  fmt.Sprintf("指定されたセッションが見つかりません: %s", sessionID),
		Category: "session",
		Action:   "セッションIDを確認してください。",
	}
}

// NewMeetingNotFoundError はミーティング未検出エラーを生成する。
func NewMeetingNotFoundError(meetingID string) *APIError {
	return &APIError{
		Kind:     KindNotFound,
		Code:     ErrCodeMeetingNotFound,
		Message:  fmt.Sprintf("指定されたミーティングが見つかりません: %s", meetingID),
		Category: "session",
		Action:   "ミーティングIDを確認してください。",
	}
}

// NewOperationNotFoundError はオフライン操作未検出エラーを生成する。
func NewOperationNotFoundError(operationID string) *APIError {
	return &APIError{
		Kind:     KindNotFound,
		Code:     ErrCodeOperationNotFound,
		Message:  fmt.Sprintf("指定されたオフライン操作が見つかりません: %s", operationID),
		Category: "queue",
		Action:   "操作IDを確認してください。",
	}
}

// NewOperationNotFailedError はfailed以外のオフライン操作を再試行しようとした場合のエラーを生成する。
func NewOperationNotFailedError(operationID string, status OperationStatus) *APIError {
	return &APIError{
		Kind:     KindConflict,
		Code:     ErrCodeOperationNotFailed,
		Message:  fmt.Sprintf("オフライン操作 %s は %s 状態のため再試行できません", operationID, status),
		Category: "queue",
		Action:   "失敗した操作のみ再試行できます。",
	}
}

// NewMeetingInactiveError は非アクティブなミーティングへのセッション開始エラーを生成する。
func NewMeetingInactiveError(meetingID string) *APIError {
	return &APIError{
		Kind:     KindConflict,
		Code:     ErrCodeMeetingInactive,
		Message:  fmt.Sprintf("ミーティングは現在受け付けていません: %s", meetingID),
		Category: "session",
		Action:   "主催者にミーティングの状態を確認してください。",
	}
}

// NewMeetingClosedError は開催時間外のミーティングへのセッション開始エラーを生成する。
func NewMeetingClosedError(meetingID string) *APIError {
	return &APIError{
		Kind:     KindConflict,
		Code:     ErrCodeMeetingClosed,
		Message:  fmt.Sprintf("ミーティングの開催時間外です: %s", meetingID),
		Category: "session",
		Action:   "開催時間内に再度お試しください。",
	}
}

// NewInvalidTransitionError はセッションが要求された遷移の前提状態にない場合のエラーを生成する。
func NewInvalidTransitionError(sessionID string, current SessionStatus, operation string) *APIError {
	return &APIError{
		Kind:     KindConflict,
		Code:     ErrCodeInvalidTransition,
		Message:  fmt.Sprintf("セッション %s は %s 状態のため %s できません", sessionID, current, operation),
		Category: "session",
		Action:   "セッションの状態を確認してください。",
	}
}

// NewNoGeofenceError は一般セッションなどジオフェンスを持たないセッションへの
// チェックイン/チェックアウトのエラーを生成する。
func NewNoGeofenceError(sessionID string) *APIError {
	return &APIError{
		Kind:     KindConflict,
		Code:     ErrCodeNoGeofence,
		Message:  fmt.Sprintf("セッション %s には位置確認の対象となるミーティングがありません", sessionID),
		Category: "session",
		Action:   "ミーティングを指定してセッションを開始してください。",
	}
}

// NewConcurrentUpdateError は楽観的排他制御で更新競合に負けた場合のエラーを生成する。
func NewConcurrentUpdateError(sessionID string) *APIError {
	return &APIError{
		Kind:     KindConflict,
		Code:     ErrCodeConcurrentUpdate,
		Message:  fmt.Sprintf("セッション %s は別のリクエストにより更新されました", sessionID),
		Category: "session",
		Action:   "セッションの状態を再取得してください。",
	}
}

// NewQueueFullError はオフラインキューが上限件数に達した場合のエラーを生成する。
func NewQueueFullError(limit int) *APIError {
	return &APIError{
		Kind:     KindConflict,
		Code:     ErrCodeQueueFull,
		Message:  fmt.Sprintf("オフラインキューが上限（%d件）に達しています。", limit),
		Category: "queue",
		Action:   "オンライン接続後にキューを処理してから再度お試しください。",
	}
}

// NewOutOfRangeError はジオフェンス外のエラーを生成する。
func NewOutOfRangeError(distance, radius float64) *APIError {
	return &APIError{
		Kind:     KindOutOfRange,
		Code:     ErrCodeOutOfRange,
		Message:  fmt.Sprintf("ミーティング会場から離れすぎています: %.1fm（許容 %.1fm）", distance, radius),
		Category: "location",
		Action:   "会場に到着してから再度お試しください。",
	}
}

// NewQueueExhaustedError はオフライン操作がリトライ上限に達した場合のエラーを生成する。
func NewQueueExhaustedError(operationID string, maxRetries int) *APIError {
	return &APIError{
		Kind:     KindQueueExhausted,
		Code:     ErrCodeQueueExhausted,
		Message:  fmt.Sprintf("オフライン操作 %s は%d回失敗したため自動再試行を停止しました", operationID, maxRetries),
		Category: "queue",
		Action:   "失敗した操作を確認し、必要であれば手動で再試行してください。",
	}
}

// NewUnknownStatusError は保存値が既知の列挙値でない場合のエラーを生成する。
// 既定値への暗黙の変換は行わない。
func NewUnknownStatusError(field, value string) *APIError {
	return &APIError{
		Kind:     KindSystem,
		Code:     ErrCodeUnknownStatus,
		Message:  fmt.Sprintf("未知の%s値です: %q", field, value),
		Category: "system",
		Action:   "管理者に問い合わせてください。",
	}
}
