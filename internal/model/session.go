// Package model はドメインモデルを定義する。
package model

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// SessionStatus は出席セッションの状態を表す。
// 値は閉じた集合であり、未知の文字列をデフォルト値に丸めることはしない。
type SessionStatus string

const (
	// SessionStatusActive は作成直後のチェックイン待ち状態。
	SessionStatusActive SessionStatus = "active"
	// SessionStatusCheckedIn はチェックイン済みでチェックアウト待ちの状態。
	SessionStatusCheckedIn SessionStatus = "checked_in"
	// SessionStatusCompleted はチェックアウトまで完了した終端状態。
	SessionStatusCompleted SessionStatus = "completed"
	// SessionStatusEnded は手動または自動で打ち切られた終端状態。
	SessionStatusEnded SessionStatus = "ended"
)

// ParseSessionStatus は文字列をSessionStatusに変換する。
// 未知の値はErrCodeUnknownStatusのエラーになる。
func ParseSessionStatus(s string) (SessionStatus, error) {
	switch SessionStatus(s) {
	case SessionStatusActive, SessionStatusCheckedIn, SessionStatusCompleted, SessionStatusEnded:
		return SessionStatus(s), nil
	default:
		return "", NewUnknownStatusError("session_status", s)
	}
}

// IsLive はセッションが進行中（ACTIVE または CHECKED_IN）かを返す。
// 参加者ごとに進行中のセッションは高々1件でなければならない。
func (s SessionStatus) IsLive() bool {
	return s == SessionStatusActive || s == SessionStatusCheckedIn
}

// IsTerminal は終端状態かを返す。
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusEnded
}

// Scan はsql.Scannerを実装する。保存値が未知の場合はエラーを返す。
func (s *SessionStatus) Scan(src any) error {
	str, err := scanString(src)
	if err != nil {
		return err
	}
	parsed, err := ParseSessionStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value はdriver.Valuerを実装する。
func (s SessionStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// Destination はセッション作成時にミーティングからコピーした目的地のスナップショット。
// 後からミーティングが編集されても履歴は変わらない。
type Destination struct {
	Name    string
	Address string
	Lat     float64
	Lng     float64
}

// Session は参加者1名による1回の出席試行を表す。
type Session struct {
	ID            string
	ParticipantID string
	MeetingID     *string // 一般セッションの場合はnil
	Destination   Destination
	Notes         string
	Status        SessionStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsGeneral はミーティングに紐付かない一般セッションかを返す。
func (s *Session) IsGeneral() bool {
	return s.MeetingID == nil
}

// Clone はセッションのコピーを返す。状態遷移は常にコピーに対して行う。
func (s *Session) Clone() *Session {
	c := *s
	if s.MeetingID != nil {
		id := *s.MeetingID
		c.MeetingID = &id
	}
	return &c
}

// EventType はセッションイベントの種別を表す。
type EventType string

const (
	EventTypeCheckIn        EventType = "check_in"
	EventTypeCheckOut       EventType = "check_out"
	EventTypeLocationUpdate EventType = "location_update"
	EventTypeStatusChange   EventType = "status_change"
)

// ParseEventType は文字列をEventTypeに変換する。
func ParseEventType(s string) (EventType, error) {
	switch EventType(s) {
	case EventTypeCheckIn, EventTypeCheckOut, EventTypeLocationUpdate, EventTypeStatusChange:
		return EventType(s), nil
	default:
		return "", NewUnknownStatusError("event_type", s)
	}
}

// Scan はsql.Scannerを実装する。
func (t *EventType) Scan(src any) error {
	str, err := scanString(src)
	if err != nil {
		return err
	}
	parsed, err := ParseEventType(str)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Value はdriver.Valuerを実装する。
func (t EventType) Value() (driver.Value, error) {
	return string(t), nil
}

// LocationFlag は端末の位置情報パーミッションの状態を表す。
type LocationFlag string

const (
	LocationFlagGranted LocationFlag = "granted"
	LocationFlagDenied  LocationFlag = "denied"
	LocationFlagTimeout LocationFlag = "timeout"
)

// ParseLocationFlag は文字列をLocationFlagに変換する。
// 空文字列はGRANTEDとして扱う（クライアントが省略した場合）。
func ParseLocationFlag(s string) (LocationFlag, error) {
	switch LocationFlag(s) {
	case "":
		return LocationFlagGranted, nil
	case LocationFlagGranted, LocationFlagDenied, LocationFlagTimeout:
		return LocationFlag(s), nil
	default:
		return "", NewUnknownStatusError("location_flag", s)
	}
}

// Scan はsql.Scannerを実装する。保存値の空文字列は不正として扱う。
func (f *LocationFlag) Scan(src any) error {
	str, err := scanString(src)
	if err != nil {
		return err
	}
	if str == "" {
		return NewUnknownStatusError("location_flag", str)
	}
	parsed, err := ParseLocationFlag(str)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Value はdriver.Valuerを実装する。
func (f LocationFlag) Value() (driver.Value, error) {
	return string(f), nil
}

// SessionEvent はセッション履歴に追記される不変の事実。
// 作成後に変更・削除されることはない。
type SessionEvent struct {
	ID              string
	SessionID       string
	Type            EventType
	ClientTimestamp time.Time
	ServerTimestamp time.Time
	Lat             float64
	Lng             float64
	Accuracy        *float64
	Altitude        *float64
	Speed           *float64
	Heading         *float64
	LocationFlag    LocationFlag
	Notes           string
}

// LocationSample はクライアントから送信された1回分の位置情報。
type LocationSample struct {
	Lat             float64
	Lng             float64
	Accuracy        *float64
	Altitude        *float64
	Speed           *float64
	Heading         *float64
	ClientTimestamp time.Time // ゼロ値の場合はサーバー時刻で補う
	LocationFlag    LocationFlag
	Notes           string
}

// FirstEventTime は指定種別の最初のイベントのクライアント時刻を返す。
// チェックイン/チェックアウト時刻はこの方法で導出し、セッションには保存しない。
func FirstEventTime(events []*SessionEvent, eventType EventType) *time.Time {
	for _, e := range events {
		if e.Type == eventType {
			t := e.ClientTimestamp
			return &t
		}
	}
	return nil
}

func scanString(src any) (string, error) {
	switch v := src.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("unsupported scan type %T", src)
	}
}
