package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/attendance/internal/metrics"
)

// responseRecorder は最初に書き込まれたステータスコードと本文のバイト数を記録する。
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rr *responseRecorder) WriteHeader(code int) {
	if rr.status == 0 {
		rr.status = code
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.bytes += n
	return n, err
}

// statusCode はハンドラーが何も書かなかった場合を200として返す。
func (rr *responseRecorder) statusCode() int {
	if rr.status == 0 {
		return http.StatusOK
	}
	return rr.status
}

// participantCapture は内側のミドルウェアが判明させた参加者IDを外側のログへ渡す。
type participantCapture struct {
	participantID string
}

var participantCaptureKey = contextKey("participant_capture")

// levelForStatus は5xxをERROR、4xxをWARN、それ以外をINFOにする。
func levelForStatus(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// NewLoggingMiddleware はリクエストごとに"http_request"のJSON構造化ログを出力するミドルウェアを返す。
// method、path、status、bytes、duration_ms、判明していればparticipant_idを含む。
// collectorがnilでなければステータスコードも計測する。
func NewLoggingMiddleware(logger *slog.Logger, collector metrics.MetricsCollector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &responseRecorder{ResponseWriter: w}
			capture := &participantCapture{}

			next.ServeHTTP(rec, r.WithContext(contextWithCapture(r.Context(), capture)))

			status := rec.statusCode()
			attrs := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", rec.bytes),
				slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
			}
			if capture.participantID != "" {
				attrs = append(attrs, slog.String("participant_id", capture.participantID))
			} else if id, err := ParticipantIDFromContext(r.Context()); err == nil {
				attrs = append(attrs, slog.String("participant_id", id))
			}
			logger.Log(r.Context(), levelForStatus(status), "http_request", attrs...)

			if collector != nil {
				collector.RecordHTTPStatus(status)
			}
		})
	}
}
