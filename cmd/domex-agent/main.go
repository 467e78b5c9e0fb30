// Copyright 2026 The Domex Authors
// SPDX-License-Identifier: Apache-2.0

// Command domex-agent is the per-domain daemon: it maintains the link
// to the broker, executes services invoked from other domains, and
// serves local clients on the client socket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/domex-project/domex/lib/agent"
	"github.com/domex-project/domex/lib/config"
	"github.com/domex-project/domex/lib/process"
	"github.com/domex-project/domex/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the agent configuration file (required)")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Version)
		return nil
	}
	if *configPath == "" {
		return errors.New("--config is required")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting agent",
		"version", version.Version,
		"domain", cfg.Domain,
		"broker_socket", cfg.BrokerSocket,
		"client_socket", cfg.ClientSocket,
	)

	a := agent.New(agent.Options{
		Domain:           cfg.Domain,
		BrokerSocket:     cfg.BrokerSocket,
		ClientSocket:     cfg.ClientSocket,
		ServiceDirectory: cfg.ServiceDirectory,
	}, logger)
	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("agent stopped")
	return nil
}
