// Command watertrack は水分摂取記録APIのエントリーポイント。
//
//	watertrack [serve|worker|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/watertrack/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "watertrack: %v\n", err)
		os.Exit(1)
	}
}
