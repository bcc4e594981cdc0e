// Command attendance は出席管理APIサーバー、オフライン再生ワーカー、マイグレーションを起動する。
//
//	attendance [serve|worker|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/attendance/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "attendance: %v\n", err)
		os.Exit(1)
	}
}
