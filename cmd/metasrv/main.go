package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"metasrv/internal/bootstrap"
)

func main() {
	configPath := flag.String("config", "metasrv.yaml", "path to the YAML config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	inst, err := bootstrap.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to build metasrv", "error", err)
		os.Exit(1)
	}

	code := 0
	if err := inst.Start(ctx); err != nil {
		slog.Error("metasrv stopped with error", "error", err)
		code = 1
	}
	if err := inst.Shutdown(); err != nil {
		slog.Error("error during shutdown", "error", err)
		code = 1
	}
	os.Exit(code)
}
