// Kestrel - Batch fraud scoring for insurance claims.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/opensource-finance/kestrel/internal/config"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

const usage = `Usage: kestrel <command> [flags]

Commands:
  run       Score a claims file and write the results
  analyze   Report on a results file (summary, providers, benfords)
  serve     Start the HTTP API and the asynchronous worker
  version   Print version information

Run "kestrel <command> -h" for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "kestrel: %v\n", err)
		os.Exit(1)
	}

	// Reports go to stdout, so the batch commands log to stderr.
	var logOut io.Writer = os.Stderr
	if cmd == "serve" {
		logOut = os.Stdout
	}
	slog.SetDefault(config.NewLogger(cfg.Logging, logOut))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "run":
		err = runDetect(ctx, cfg, args, os.Stdout)
	case "analyze":
		err = runAnalyze(ctx, cfg, args, os.Stdout)
	case "serve":
		err = runServe(ctx, cfg, args)
	case "version":
		fmt.Printf("kestrel %s (commit %s, built %s)\n", Version, Commit, BuildDate)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "kestrel: unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("command failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}
