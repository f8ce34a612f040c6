package main

import (
	"log/slog"
	"os"

	"github.com/michaelansel/c3po/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}
