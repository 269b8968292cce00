package main

import (
	"fmt"
	"os"

	"biostream/cmd/internal/app"
)

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "biostream:", err)
		os.Exit(1)
	}
}
