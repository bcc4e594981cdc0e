// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/hitoshi/attendance/internal/model"
)

// ParticipantHeader は参加者IDを受け取るリクエストヘッダー。
// 認証は前段のゲートウェイで済んでいる前提で、ここでは識別子の受け渡しだけを行う。
const ParticipantHeader = "X-Participant-ID"

const maxParticipantIDLength = 128

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// participantIDContextKey はリクエストコンテキストに参加者IDを格納するためのキー。
var participantIDContextKey = contextKey("participant_id")

// NewParticipantMiddleware はX-Participant-IDヘッダーから参加者IDを読み取り、
// リクエストコンテキストに注入するミドルウェアを返す。
// ヘッダーが無い、または不正な場合は401を返す。
func NewParticipantMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			participantID := strings.TrimSpace(r.Header.Get(ParticipantHeader))
			if participantID == "" || len(participantID) > maxParticipantIDLength {
				WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
					Code:     "UNAUTHORIZED",
					Message:  "参加者IDが指定されていません。",
					Category: "auth",
					Action:   ParticipantHeader + " ヘッダーを指定してください。",
				})
				return
			}

			if c, ok := r.Context().Value(participantCaptureKey).(*participantCapture); ok {
				c.participantID = participantID
			}
			ctx := context.WithValue(r.Context(), participantIDContextKey, participantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ParticipantIDFromContext はリクエストコンテキストから参加者IDを取得する。
// 参加者ミドルウェアを通過したリクエストでのみ有効。
func ParticipantIDFromContext(ctx context.Context) (string, error) {
	participantID, ok := ctx.Value(participantIDContextKey).(string)
	if !ok || participantID == "" {
		return "", fmt.Errorf("participant ID not found in context")
	}
	return participantID, nil
}

// ContextWithParticipantID はコンテキストに参加者IDを注入する。
// テストで使用する。
func ContextWithParticipantID(ctx context.Context, participantID string) context.Context {
	return context.WithValue(ctx, participantIDContextKey, participantID)
}

func contextWithCapture(ctx context.Context, c *participantCapture) context.Context {
	return context.WithValue(ctx, participantCaptureKey, c)
}
