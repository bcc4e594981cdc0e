// Package security はアプリケーションのセキュリティ機能を提供する。
//
// NotesSanitizer は参加者が入力するメモや終了理由からマークアップを除去し、
// 保存されたテキストが後で管理画面等に表示されてもスクリプトとして解釈されないようにする。
package security

import (
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// DefaultMaxNotesLength はメモの既定最大文字数（ルーン数）。
const DefaultMaxNotesLength = 2000

// NotesSanitizer は自由記述テキストのサニタイズ機能のインターフェースを定義する。
type NotesSanitizer interface {
	// Sanitize は全てのHTMLタグを除去し、前後の空白を取り除いたテキストを返す。
	// 最大文字数を超える部分は切り詰める。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// notesSanitizer はNotesSanitizerの実装。
// bluemondayのStrictPolicyは並行利用に対して安全。
type notesSanitizer struct {
	policy    *bluemonday.Policy
	maxLength int
}

// NewNotesSanitizer はNotesSanitizerの新しいインスタンスを生成する。
// maxLengthが0以下の場合はDefaultMaxNotesLengthを使用する。
func NewNotesSanitizer(maxLength int) *notesSanitizer {
	if maxLength <= 0 {
		maxLength = DefaultMaxNotesLength
	}
	return &notesSanitizer{
		policy:    bluemonday.StrictPolicy(),
		maxLength: maxLength,
	}
}

// Sanitize は自由記述テキストをサニタイズする。
func (s *notesSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	clean := strings.TrimSpace(s.policy.Sanitize(raw))
	if utf8.RuneCountInString(clean) > s.maxLength {
		clean = string([]rune(clean)[:s.maxLength])
	}
	return clean
}
