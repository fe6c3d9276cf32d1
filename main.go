// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mangoh/datarouter/internal/config"
	"github.com/mangoh/datarouter/internal/gateway"
)

func main() {
	// Load Configuration
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	closeLog := setupLogger(cfg.Log)
	defer closeLog()

	slog.Info("Starting Data Router...")

	gw, err := gateway.New(cfg, slog.Default())
	if err != nil {
		slog.Error("Failed to create data router", "err", err)
		closeLog()
		os.Exit(1)
	}

	// Wait for Signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := gw.Start(ctx); err != nil {
		slog.Error("Data router stopped with error", "err", err)
		closeLog()
		os.Exit(1)
	}
	slog.Info("Goodbye.")
}

func setupLogger(cfg config.LogConfig) func() {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var out io.Writer = os.Stdout
	closeFn := func() {}
	if cfg.File != "" && cfg.File != "-" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		out = lj
		closeFn = func() { lj.Close() }
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(out, opts)))
	return closeFn
}
