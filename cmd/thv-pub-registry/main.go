// Package main is the entry point for the ToolHive pub package registry.
package main

import (
	"log/slog"
	"os"

	"github.com/stacklok/toolhive-pub-registry/cmd/thv-pub-registry/app"
	"github.com/stacklok/toolhive-pub-registry/internal/logging"
)

func main() {
	// stderr keeps stdout clean for commands that print data
	slog.SetDefault(logging.New(logging.WithLevel(logging.LevelFromEnv())))

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
