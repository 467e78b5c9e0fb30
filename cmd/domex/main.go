// Copyright 2026 The Domex Authors
// SPDX-License-Identifier: Apache-2.0

// Command domex is the operator-facing CLI: invoke services through
// the local agent and inspect policy from the management domain.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/domex-project/domex/cmd/domex/cli"
	"github.com/domex-project/domex/lib/client"
	"github.com/domex-project/domex/lib/ident"
	"github.com/domex-project/domex/lib/policy"
	"github.com/domex-project/domex/lib/version"
)

const defaultClientSocket = "/run/domex/client.sock"

func main() {
	root := &cli.Command{
		Name:    "domex",
		Summary: "Invoke services in other domains and inspect routing policy.",
		Subcommands: []*cli.Command{
			callCommand(),
			policyCommand(),
			versionCommand(),
		},
	}
	if err := root.Execute(os.Args[1:]); err != nil {
		var coded interface{ ExitCode() int }
		if errors.As(err, &coded) {
			os.Exit(coded.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func callCommand() *cli.Command {
	var socket string
	return &cli.Command{
		Name:    "call",
		Summary: "Invoke a service in another domain, relaying stdin/stdout/stderr.",
		Usage:   "domex call [flags] <target> <service>[+argument]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("call", pflag.ContinueOnError)
			flags.StringVar(&socket, "socket", defaultClientSocket, "agent client socket path")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("expected <target> <service>, got %d arguments", len(args))
			}
			target, service := args[0], args[1]
			// "-" asks policy to pick the target ($default rules).
			if target == "-" {
				target = ""
			}
			if _, err := ident.ParseService(service); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var stdin io.Reader = os.Stdin
			if stat, err := os.Stdin.Stat(); err == nil && stat.Mode()&os.ModeCharDevice != 0 {
				// Interactive terminal: no input stream, the service
				// sees EOF immediately instead of a hanging read.
				stdin = nil
			}

			code, err := client.Invoke(ctx, socket, target, service, stdin, os.Stdout, os.Stderr)
			if err != nil {
				var refusal *client.RefusalError
				if errors.As(err, &refusal) {
					fmt.Fprintf(os.Stderr, "domex: %v\n", refusal)
					return &cli.ExitError{Code: refusal.ExitStatus()}
				}
				fmt.Fprintf(os.Stderr, "domex: %v\n", err)
				return &cli.ExitError{Code: 125}
			}
			if code != 0 {
				return &cli.ExitError{Code: code}
			}
			return nil
		},
	}
}

func policyCommand() *cli.Command {
	return &cli.Command{
		Name:    "policy",
		Summary: "Inspect and dry-run the routing policy.",
		Subcommands: []*cli.Command{
			policyCheckCommand(),
			policyListCommand(),
		},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func policyCheckCommand() *cli.Command {
	var directory, admin string
	return &cli.Command{
		Name:    "check",
		Summary: "Resolve a hypothetical invocation against the rule directory.",
		Usage:   "domex policy check [flags] <service> <source> [target]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("check", pflag.ContinueOnError)
			flags.StringVar(&directory, "policy-dir", "/etc/domex/policy", "policy rule directory")
			flags.StringVar(&admin, "admin", "adminvm", "management domain name")
			return flags
		},
		Run: func(args []string) error {
			if len(args) < 2 || len(args) > 3 {
				return fmt.Errorf("expected <service> <source> [target], got %d arguments", len(args))
			}
			service, err := ident.ParseService(args[0])
			if err != nil {
				return err
			}
			source := args[1]
			target := ""
			if len(args) == 3 {
				target = args[2]
			}

			resolver, err := policy.NewResolver(directory, admin, quietLogger())
			if err != nil {
				return err
			}
			decision := resolver.Resolve(service, source, target)
			if decision.Allow {
				fmt.Printf("allow: %s from %s to %s\n", service, source, decision.EffectiveTarget)
				return nil
			}
			fmt.Printf("deny: %s from %s (%s)\n", service, source, decision.Reason)
			return &cli.ExitError{Code: 1}
		},
	}
}

func policyListCommand() *cli.Command {
	var directory, admin string
	return &cli.Command{
		Name:    "list",
		Summary: "List the service keys with loaded rules and the policy digest.",
		Usage:   "domex policy list [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("list", pflag.ContinueOnError)
			flags.StringVar(&directory, "policy-dir", "/etc/domex/policy", "policy rule directory")
			flags.StringVar(&admin, "admin", "adminvm", "management domain name")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("unexpected arguments: %v", args)
			}
			resolver, err := policy.NewResolver(directory, admin, quietLogger())
			if err != nil {
				return err
			}
			snapshot := resolver.Current()
			for _, key := range snapshot.Services() {
				fmt.Println(key)
			}
			fmt.Printf("digest: %s\n", snapshot.DigestString())
			return nil
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print the domex version.",
		Run: func(args []string) error {
			fmt.Println(version.Version)
			return nil
		},
	}
}
