package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/attendance/internal/middleware"
	"github.com/hitoshi/attendance/internal/model"
)

// maxBodyBytes はリクエストボディの上限。位置情報と短いメモしか受け付けない。
const maxBodyBytes = 64 << 10

// writeJSON はステータスコードとJSONボディを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON はリクエストボディをdstに読み込む。
// emptyOKがtrueの場合は空ボディを許容し、dstをゼロ値のままにする。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, emptyOK bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if emptyOK && errors.Is(err, io.EOF) {
			return nil
		}
		return model.NewInvalidRequestError("リクエストボディの解析に失敗しました: " + err.Error())
	}
	return nil
}

// participantFrom はコンテキストから参加者IDを取り出す。
// 取り出せない場合は401を書き込んでfalseを返す。
func participantFrom(w http.ResponseWriter, r *http.Request) (string, bool) {
	participantID, err := middleware.ParticipantIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
			Code:     "UNAUTHORIZED",
			Message:  "参加者IDが指定されていません。",
			Category: "auth",
			Action:   middleware.ParticipantHeader + " ヘッダーを指定してください。",
		})
		return "", false
	}
	return participantID, true
}

// queryInt は整数のクエリパラメータを読む。未指定の場合はdefを返す。
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, model.NewInvalidRequestError(name + " は整数で指定してください")
	}
	return v, nil
}

// queryFloat は数値のクエリパラメータを読む。requiredでない場合、未指定ならdefを返す。
func queryFloat(r *http.Request, name string, def float64, required bool) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		if required {
			return 0, model.NewInvalidRequestError(name + " は必須です")
		}
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, model.NewInvalidRequestError(name + " は数値で指定してください")
	}
	return v, nil
}

// queryTime はRFC3339形式の時刻クエリパラメータを読む。未指定の場合はゼロ値を返す。
func queryTime(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, model.NewInvalidRequestError(name + " はRFC3339形式で指定してください")
	}
	return t.UTC(), nil
}

// errorWriter はサービスエラーを統一フォーマットで書き込む。
type errorWriter struct {
	logger *slog.Logger
}

func (e errorWriter) write(w http.ResponseWriter, err error) {
	middleware.WriteError(w, e.logger, err)
}
