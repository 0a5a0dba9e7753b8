// Command rentsession はレンタル物件マーケットプレイス向けのセッションBFFを起動する。
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/rentsession/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
