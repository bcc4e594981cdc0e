// Package model はドメインモデルを定義する。
package model

import "time"

// Meeting はジオフェンスを定義するミーティング。
// このモジュールからは読み取り専用であり、作成・更新は外部のミーティング管理が担う。
type Meeting struct {
	ID           string
	Name         string
	Description  string
	Address      string
	Lat          float64
	Lng          float64
	RadiusMeters float64
	StartTime    *time.Time
	EndTime      *time.Time
	IsActive     bool
	// GeofenceLenient はジオフェンス外のチェックインを許容するミーティングかを示す。
	// テスト用ミーティング向けの明示的な設定値であり、名前による判定は行わない。
	GeofenceLenient bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// InWindow は指定時刻がミーティングの開催時間帯に含まれるかを返す。
// 開始・終了時刻が未設定の場合はその側を無制限として扱う。
func (m *Meeting) InWindow(now time.Time) bool {
	if m.StartTime != nil && now.Before(*m.StartTime) {
		return false
	}
	if m.EndTime != nil && now.After(*m.EndTime) {
		return false
	}
	return true
}

// Destination はミーティングから目的地スナップショットを生成する。
func (m *Meeting) Destination() Destination {
	return Destination{
		Name:    m.Name,
		Address: m.Address,
		Lat:     m.Lat,
		Lng:     m.Lng,
	}
}
