package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/attendance/internal/model"
)

// PostgresMeetingRepo はPostgreSQLを使用したミーティングリポジトリ。
type PostgresMeetingRepo struct {
	db *sql.DB
}

// NewPostgresMeetingRepo はPostgresMeetingRepoを生成する。
func NewPostgresMeetingRepo(db *sql.DB) *PostgresMeetingRepo {
	return &PostgresMeetingRepo{db: db}
}

const meetingColumns = `id, name, description, address, lat, lng, radius_meters,
		        start_time, end_time, is_active, geofence_lenient, created_at, updated_at`

// scanMeeting は1行をMeetingに読み込む。
// 半径が未設定の行はRadiusMeters=0として返し、既定値の適用は呼び出し側が行う。
func scanMeeting(row rowScanner) (*model.Meeting, error) {
	m := &model.Meeting{}
	var description, address sql.NullString
	var radius sql.NullFloat64
	var startTime, endTime sql.NullTime

	if err := row.Scan(
		&m.ID, &m.Name, &description, &address, &m.Lat, &m.Lng, &radius,
		&startTime, &endTime, &m.IsActive, &m.GeofenceLenient, &m.CreatedAt, &m.UpdatedAt,
	); err != nil {
		return nil, err
	}

	m.Description = nullStringValue(description)
	m.Address = nullStringValue(address)
	if radius.Valid {
		m.RadiusMeters = radius.Float64
	}
	m.StartTime = nullTimePtr(startTime)
	m.EndTime = nullTimePtr(endTime)
	return m, nil
}

// FindByID は指定IDのミーティングを取得する。見つからない場合はnilを返す。
func (r *PostgresMeetingRepo) FindByID(ctx context.Context, id string) (*model.Meeting, error) {
	m, err := scanMeeting(r.db.QueryRowContext(ctx,
		`SELECT `+meetingColumns+` FROM meetings WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ミーティングの取得に失敗しました: %w", err)
	}
	return m, nil
}

// ListActive は受付中のミーティングをID順に返す。
func (r *PostgresMeetingRepo) ListActive(ctx context.Context) ([]*model.Meeting, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+meetingColumns+` FROM meetings WHERE is_active ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("受付中ミーティングの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	meetings := []*model.Meeting{}
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, fmt.Errorf("ミーティングの読み取りに失敗しました: %w", err)
		}
		meetings = append(meetings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ミーティングの走査中にエラーが発生しました: %w", err)
	}
	return meetings, nil
}

// compile-time interface check
var _ MeetingRepository = (*PostgresMeetingRepo)(nil)
