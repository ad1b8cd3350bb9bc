// Command draftsync drives one artifact through the content pipeline from the
// terminal, keeping a synced local view of it while the backend works.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/yangwenmai/draftsync/internal/config"
)

func main() {
	cfg := config.Load()

	app := &cli.Command{
		Name:  "draftsync",
		Usage: "Sync and steer pipeline artifacts",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "api", Value: cfg.APIBaseURL, Usage: "backend base URL"},
			&cli.StringFlag{Name: "realtime", Value: cfg.RealtimeURL, Usage: "socket.io URL; empty disables push"},
			&cli.StringFlag{Name: "log-level", Value: "WARN", Usage: "DEBUG, INFO, WARN or ERROR"},
			&cli.StringFlag{Name: "log-format", Value: cfg.LogFormat, Usage: "text or json"},
		},
		Commands: []*cli.Command{
			createCmd(cfg),
			showCmd(cfg),
			watchCmd(cfg),
			transitionCmd(cfg),
			editCmd(cfg),
			approveCmd(cfg),
			approveImagesCmd(cfg),
			regenerateCmd(cfg),
			researchCmd(cfg),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
