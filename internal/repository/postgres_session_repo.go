package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/attendance/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用した出席セッションリポジトリ。
// 参加者ごとの進行中セッション1件の制約は部分一意インデックスでも担保する。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

const sessionColumns = `id, participant_id, meeting_id, destination_name, destination_address,
		        destination_lat, destination_lng, notes, status, created_at, updated_at`

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	s := &model.Session{}
	var meetingID, address, notes sql.NullString

	if err := row.Scan(
		&s.ID, &s.ParticipantID, &meetingID,
		&s.Destination.Name, &address, &s.Destination.Lat, &s.Destination.Lng,
		&notes, &s.Status, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if meetingID.Valid {
		id := meetingID.String
		s.MeetingID = &id
	}
	s.Destination.Address = nullStringValue(address)
	s.Notes = nullStringValue(notes)
	return s, nil
}

// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("セッションの取得に失敗しました: %w", err)
	}
	return s, nil
}

// FindLiveByParticipant は参加者の進行中のセッションを取得する。見つからない場合はnilを返す。
func (r *PostgresSessionRepo) FindLiveByParticipant(ctx context.Context, participantID string) (*model.Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+`
		 FROM sessions
		 WHERE participant_id = $1 AND status IN ('active', 'checked_in')
		 ORDER BY created_at DESC
		 LIMIT 1`,
		participantID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("進行中セッションの取得に失敗しました: %w", err)
	}
	return s, nil
}

// Create はセッションを作成する。
// priorがある場合は既存セッションの終了とイベント追記を同一トランザクションで先に反映する。
func (r *PostgresSessionRepo) Create(ctx context.Context, session *model.Session, prior *SessionTransition) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if prior != nil {
		if err := applyTransition(ctx, tx, *prior); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, participant_id, meeting_id, destination_name, destination_address,
		                       destination_lat, destination_lng, notes, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		session.ID, session.ParticipantID, session.MeetingID,
		session.Destination.Name, nullString(session.Destination.Address),
		session.Destination.Lat, session.Destination.Lng,
		nullString(session.Notes), session.Status,
		session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.NewConcurrentUpdateError(session.ID)
		}
		return fmt.Errorf("セッションの作成に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// Transition はセッションの状態をExpectedから更新し、イベントを追記する。
func (r *PostgresSessionRepo) Transition(ctx context.Context, t SessionTransition) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if err := applyTransition(ctx, tx, t); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// applyTransition はstatusが期待値の場合にのみセッションを更新し、イベントを追記する。
// 更新件数が0の場合は、セッションの有無に応じてNotFoundまたは競合エラーを返す。
func applyTransition(ctx context.Context, tx *sql.Tx, t SessionTransition) error {
	s := t.Session
	result, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status = $3, notes = $4, updated_at = $5
		 WHERE id = $1 AND status = $2`,
		s.ID, t.Expected, s.Status, nullString(s.Notes), s.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.NewConcurrentUpdateError(s.ID)
		}
		return fmt.Errorf("セッション状態の更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, s.ID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("セッションの存在確認に失敗しました: %w", err)
		}
		if !exists {
			return model.NewSessionNotFoundError(s.ID)
		}
		return model.NewConcurrentUpdateError(s.ID)
	}

	for _, e := range t.Events {
		if err := insertEvent(ctx, tx, e); err != nil {
			return err
		}
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, e *model.SessionEvent) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO session_events (id, session_id, event_type, client_timestamp, server_timestamp,
		                             lat, lng, accuracy, altitude, speed, heading, location_flag, notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.SessionID, e.Type, e.ClientTimestamp, e.ServerTimestamp,
		e.Lat, e.Lng,
		nullFloat(e.Accuracy), nullFloat(e.Altitude), nullFloat(e.Speed), nullFloat(e.Heading),
		e.LocationFlag, nullString(e.Notes),
	)
	if err != nil {
		return fmt.Errorf("セッションイベントの追記に失敗しました: %w", err)
	}
	return nil
}

// ListEvents はセッションのイベントをサーバー時刻の昇順で返す。
func (r *PostgresSessionRepo) ListEvents(ctx context.Context, sessionID string) ([]*model.SessionEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, client_timestamp, server_timestamp,
		        lat, lng, accuracy, altitude, speed, heading, location_flag, notes
		 FROM session_events
		 WHERE session_id = $1
		 ORDER BY server_timestamp ASC, id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("セッションイベントの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	events := []*model.SessionEvent{}
	for rows.Next() {
		e := &model.SessionEvent{}
		var accuracy, altitude, speed, heading sql.NullFloat64
		var notes sql.NullString

		if err := rows.Scan(
			&e.ID, &e.SessionID, &e.Type, &e.ClientTimestamp, &e.ServerTimestamp,
			&e.Lat, &e.Lng, &accuracy, &altitude, &speed, &heading,
			&e.LocationFlag, &notes,
		); err != nil {
			return nil, fmt.Errorf("セッションイベントの読み取りに失敗しました: %w", err)
		}

		e.Accuracy = nullFloatPtr(accuracy)
		e.Altitude = nullFloatPtr(altitude)
		e.Speed = nullFloatPtr(speed)
		e.Heading = nullFloatPtr(heading)
		e.Notes = nullStringValue(notes)
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("セッションイベントの走査中にエラーが発生しました: %w", err)
	}
	return events, nil
}

// ListHistory は参加者のセッションを作成日時の降順で返す。
func (r *PostgresSessionRepo) ListHistory(ctx context.Context, participantID string, limit, offset int) ([]*model.Session, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+`
		 FROM sessions
		 WHERE participant_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2 OFFSET $3`,
		participantID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("セッション履歴の取得に失敗しました: %w", err)
	}
	return collectSessions(rows)
}

// ListCreatedBetween は作成日時が[from, to)に含まれる参加者のセッションを返す。
func (r *PostgresSessionRepo) ListCreatedBetween(ctx context.Context, participantID string, from, to time.Time) ([]*model.Session, error) {
	var fromArg, toArg sql.NullTime
	if !from.IsZero() {
		fromArg = sql.NullTime{Time: from, Valid: true}
	}
	if !to.IsZero() {
		toArg = sql.NullTime{Time: to, Valid: true}
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+`
		 FROM sessions
		 WHERE participant_id = $1
		   AND ($2::timestamptz IS NULL OR created_at >= $2)
		   AND ($3::timestamptz IS NULL OR created_at < $3)
		 ORDER BY created_at ASC`,
		participantID, fromArg, toArg,
	)
	if err != nil {
		return nil, fmt.Errorf("期間内セッションの取得に失敗しました: %w", err)
	}
	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]*model.Session, error) {
	defer rows.Close()

	sessions := []*model.Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("セッションの読み取りに失敗しました: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("セッションの走査中にエラーが発生しました: %w", err)
	}
	return sessions, nil
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
