// main.go - Quilt node daemon.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/quiltnet/quilt/config"
	"github.com/quiltnet/quilt/node"
)

type cliConfig struct {
	ConfigFile string
}

func newRootCommand() *cobra.Command {
	var cfg cliConfig

	cmd := &cobra.Command{
		Use:   "quiltd",
		Short: "Quilt routed-messaging node",
		Long: `quiltd runs one Quilt node: a TCP transport that frames routed messages,
secure channels bound to verified identities, credential exchange with an
enrollment authority, and attribute-gated TCP portals.

A node's role is entirely configuration driven.  The same binary serves as:
• a credential authority, redeeming one-time enrollment tokens for signed
  attribute credentials
• an outlet node, exposing a local TCP service behind an attribute gate
• an inlet node, tunneling local connections to a remote outlet over a
  secure channel

The daemon runs in the foreground and exits cleanly on SIGINT/SIGTERM.
SIGHUP rotates the log file.`,
		Example: `  # Start a node
  quiltd -f /etc/quilt/quiltd.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "quiltd.toml",
		"path to the node configuration file (TOML format)")

	return cmd
}

func main() {
	rootCmd := newRootCommand()

	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}

func runNode(cfg cliConfig) error {
	nodeCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	n, err := node.NewFromConfig(nodeCfg)
	if err != nil {
		return fmt.Errorf("failed to spawn node instance: %v", err)
	}
	defer n.Shutdown()

	// Halt the node gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		n.Shutdown()
	}()

	// Rotate the log file on SIGHUP.
	go func() {
		for range rotateCh {
			if err := n.LogBackend().Rotate(); err != nil {
				fmt.Fprintf(os.Stderr, "failed to rotate log: %v\n", err)
			}
		}
	}()

	// Wait for the node to explode or be terminated.
	<-n.HaltedCh()

	signal.Stop(haltCh)
	signal.Stop(rotateCh)
	return nil
}
