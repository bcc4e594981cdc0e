package app

import (
	"fmt"
	"strings"
)

// Command は起動モードを表すサブコマンド。
type Command string

const (
	// CommandServe はHTTP APIを提供する。引数なしの場合もこれになる。
	CommandServe Command = "serve"
	// CommandWorker はオフライン操作の定期再生と失敗操作の削除を行う。
	CommandWorker Command = "worker"
	// CommandMigrate は未適用のマイグレーションを適用して終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はローカルの/healthを確認して終了する。distrolessイメージのHEALTHCHECK用。
	CommandHealthcheck Command = "healthcheck"
)

var commands = []Command{CommandServe, CommandWorker, CommandMigrate, CommandHealthcheck}

// ParseCommand は先頭の引数をサブコマンドとして解釈する。2つ目以降の引数は無視する。
// 未知のサブコマンドはタイプミスでAPIサーバーが起動しないようにエラーにする。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}
	for _, c := range commands {
		if args[0] == string(c) {
			return c, nil
		}
	}

	names := make([]string, len(commands))
	for i, c := range commands {
		names[i] = string(c)
	}
	return "", fmt.Errorf("unknown command %q (available: %s)", args[0], strings.Join(names, ", "))
}
