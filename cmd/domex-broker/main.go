// Copyright 2026 The Domex Authors
// SPDX-License-Identifier: Apache-2.0

// Command domex-broker is the management-domain daemon: it accepts
// agent links, resolves invocations against policy, and relays streams
// between source and target domains.
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

	"golang.org/x/sync/errgroup"

	"github.com/domex-project/domex/lib/broker"
	"github.com/domex-project/domex/lib/config"
	"github.com/domex-project/domex/lib/policy"
	"github.com/domex-project/domex/lib/process"
	"github.com/domex-project/domex/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the broker configuration file (required)")
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

	cfg, err := config.LoadBroker(*configPath)
	if err != nil {
		return err
	}

	resolver, err := policy.NewResolver(cfg.PolicyDirectory, cfg.Domain, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting broker",
		"version", version.Version,
		"domain", cfg.Domain,
		"listen_socket", cfg.ListenSocket,
		"domains", len(cfg.Domains),
	)

	b := broker.New(broker.Options{
		Domain:           cfg.Domain,
		ListenSocket:     cfg.ListenSocket,
		ServiceDirectory: cfg.ServiceDirectory,
		Domains:          cfg.Domains,
	}, resolver, logger)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return b.Run(groupCtx) })
	group.Go(func() error { return resolver.Watch(groupCtx) })
	if err := group.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("broker stopped")
	return nil
}
