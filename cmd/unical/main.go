package main

import (
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "unical",
		Usage: "Unified calendar service with Google Calendar sync.",
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			syncCommand(),
			renewCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("unical failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
