// Package logger はJSON構造化ログの初期化を提供する。
package logger

import (
	"io"
	"log/slog"
	"os"
)

// ServiceName は全ログ行に付与するサービス名。
const ServiceName = "attendance"

// Setup はJSON構造化ログ出力のslog.Loggerを生成する。
// levelより低いレベルのログは出力しない。levelがnilの場合はinfo。
func Setup(w io.Writer, level slog.Leveler) *slog.Logger {
	if level == nil {
		level = slog.LevelInfo
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h).With(slog.String("service", ServiceName))
}

// SetupDefault はSetupで生成したロガーをslogのデフォルトに設定して返す。
// wがnilの場合は標準出力に書く。
func SetupDefault(w io.Writer, level slog.Leveler) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	l := Setup(w, level)
	slog.SetDefault(l)
	return l
}

// Component はバックグラウンドジョブなどの出力元を示すcomponent属性を付けたロガーを返す。
func Component(l *slog.Logger, name string) *slog.Logger {
	return l.With(slog.String("component", name))
}
