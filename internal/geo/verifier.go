// Package geo はジオフェンス判定のための純粋な計算を提供する。
// 大円距離（haversine）、精度を加味した信頼度スコア、座標・精度の妥当性確認を含む。
// I/Oを行わず、エラーを送出しない。
package geo

import "math"

// earthRadiusMeters は地球の平均半径（メートル）。
const earthRadiusMeters = 6371008.8

const (
	// DefaultMaxAccuracyMeters はGPS精度の既定上限。
	// 一般的な端末のGPSは誤差が大きいため緩めに設定している。
	DefaultMaxAccuracyMeters = 1000.0
	// DefaultRadiusMeters はミーティングに半径が設定されていない場合の既定半径。
	DefaultRadiusMeters = 100.0
)

// Point は緯度経度の組。
type Point struct {
	Lat float64
	Lng float64
}

// ProximityResult はジオフェンス判定の結果。
type ProximityResult struct {
	WithinRange    bool
	DistanceMeters float64
	RadiusMeters   float64
	// Confidence は半径内の余裕とGPS精度を掛け合わせた [0,1] のスコア。
	Confidence float64
}

// Config はVerifierの設定。
type Config struct {
	MaxAccuracyMeters float64
}

// Verifier はジオフェンス判定を行う。状態を持たないため並行に利用できる。
type Verifier struct {
	maxAccuracy float64
}

// NewVerifier はVerifierを生成する。
// MaxAccuracyMetersが0以下の場合は既定値を使用する。
func NewVerifier(cfg Config) *Verifier {
	maxAccuracy := cfg.MaxAccuracyMeters
	if maxAccuracy <= 0 || math.IsNaN(maxAccuracy) {
		maxAccuracy = DefaultMaxAccuracyMeters
	}
	return &Verifier{maxAccuracy: maxAccuracy}
}

// MaxAccuracyMeters は許容するGPS精度の上限を返す。
func (v *Verifier) MaxAccuracyMeters() float64 {
	return v.maxAccuracy
}

// Distance は2点間の大円距離をメートルで返す。
// 対称であり、同一点では0になる。
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := toRadians(lat1)
	phi2 := toRadians(lat2)
	dPhi := toRadians(lat2 - lat1)
	dLambda := toRadians(lng2 - lng1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	// 丸め誤差でaが[0,1]をわずかに外れるとNaNになるためクランプする
	a = clamp01(a)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// IsCoordinateValid は緯度が[-90,90]、経度が[-180,180]の範囲内かを返す。
// NaNは常に無効。
func IsCoordinateValid(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// IsAccuracyAcceptable はGPS精度が許容範囲内かを返す。
// 精度は任意項目であり、未指定（nil）の場合は許容する。
func (v *Verifier) IsAccuracyAcceptable(accuracy *float64) bool {
	if accuracy == nil {
		return true
	}
	a := *accuracy
	if math.IsNaN(a) || a < 0 {
		return false
	}
	return a <= v.maxAccuracy
}

// Verify はユーザー位置をミーティングのジオフェンスと照合する。
// 座標が不正、または半径が未設定の場合はフェイルクローズ（範囲外・信頼度0）とする。
func (v *Verifier) Verify(userLat, userLng float64, center Point, radiusMeters float64, accuracy *float64) ProximityResult {
	if !IsCoordinateValid(userLat, userLng) || !IsCoordinateValid(center.Lat, center.Lng) ||
		math.IsNaN(radiusMeters) || radiusMeters <= 0 {
		return ProximityResult{
			WithinRange:    false,
			DistanceMeters: math.Inf(1),
			RadiusMeters:   radiusMeters,
			Confidence:     0,
		}
	}

	distance := Distance(userLat, userLng, center.Lat, center.Lng)

	return ProximityResult{
		WithinRange:    distance <= radiusMeters,
		DistanceMeters: distance,
		RadiusMeters:   radiusMeters,
		Confidence:     v.confidence(distance, radiusMeters, accuracy),
	}
}

// confidence は半径内の余裕（1 - 距離/半径）と精度ペナルティ（1 - 精度/上限）の積を返す。
func (v *Verifier) confidence(distance, radius float64, accuracy *float64) float64 {
	score := clamp01(1 - distance/radius)
	if accuracy != nil {
		if math.IsNaN(*accuracy) {
			return 0
		}
		score *= clamp01(1 - *accuracy/v.maxAccuracy)
	}
	return clamp01(score)
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
