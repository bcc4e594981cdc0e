// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 出席サービス、オフラインキュー、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordSessionStarted(closedPrevious bool)
	RecordAttendance(operation, outcome string)
	ObserveProximity(distanceMeters, confidence float64)
	RecordQueueEnqueued(operationType string)
	RecordQueueResult(operationType, result string)
	RecordReplayLatency(duration time.Duration)
	RecordHTTPStatus(statusCode int)
}

// キュー処理結果のラベル値。
const (
	QueueResultCompleted = "completed"
	QueueResultRetry     = "retry"
	QueueResultExhausted = "exhausted"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	sessionsStarted *prometheus.CounterVec
	attendance      *prometheus.CounterVec
	distance        prometheus.Histogram
	confidence      prometheus.Histogram
	queueEnqueued   *prometheus.CounterVec
	queueResults    *prometheus.CounterVec
	replayLatency   prometheus.Histogram
	httpStatus      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_sessions_started_total",
			Help: "開始されたセッション数（既存セッションを終了したかどうか別）",
		}, []string{"closed_previous"}),
		attendance: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_operations_total",
			Help: "チェックイン/チェックアウト/終了の結果別の件数",
		}, []string{"operation", "outcome"}),
		distance: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "attendance_distance_meters",
			Help:    "ジオフェンス中心からの距離（メートル）",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 5000, 10000},
		}),
		confidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "attendance_confidence",
			Help:    "位置確認の信頼度スコア",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		queueEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_offline_enqueued_total",
			Help: "オフラインキューに追加された操作数",
		}, []string{"operation_type"}),
		queueResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_offline_processed_total",
			Help: "オフライン操作の処理結果別の件数",
		}, []string{"operation_type", "result"}),
		replayLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "attendance_offline_replay_seconds",
			Help:    "オフライン操作1件の再生にかかった時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.sessionsStarted,
		c.attendance,
		c.distance,
		c.confidence,
		c.queueEnqueued,
		c.queueResults,
		c.replayLatency,
		c.httpStatus,
	)

	return c
}

// RecordSessionStarted はセッション開始を記録する。
func (c *Collector) RecordSessionStarted(closedPrevious bool) {
	c.sessionsStarted.WithLabelValues(strconv.FormatBool(closedPrevious)).Inc()
}

// RecordAttendance はチェックイン等の結果を記録する。
func (c *Collector) RecordAttendance(operation, outcome string) {
	c.attendance.WithLabelValues(operation, outcome).Inc()
}

// ObserveProximity は位置確認の距離と信頼度を記録する。
func (c *Collector) ObserveProximity(distanceMeters, confidence float64) {
	c.distance.Observe(distanceMeters)
	c.confidence.Observe(confidence)
}

// RecordQueueEnqueued はオフライン操作の追加を記録する。
func (c *Collector) RecordQueueEnqueued(operationType string) {
	c.queueEnqueued.WithLabelValues(operationType).Inc()
}

// RecordQueueResult はオフライン操作の処理結果を記録する。
func (c *Collector) RecordQueueResult(operationType, result string) {
	c.queueResults.WithLabelValues(operationType, result).Inc()
}

// RecordReplayLatency はオフライン操作1件の再生時間を記録する。
func (c *Collector) RecordReplayLatency(duration time.Duration) {
	c.replayLatency.Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
