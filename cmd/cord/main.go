// Package main provides the CLI entry point for Cord, a coordination
// engine that runs a tree of LLM-agent subprocesses toward a single goal.
//
// # Basic Usage
//
// Run a goal to completion:
//
//	cord run "ship the v2 release" --config cord.yaml
//
// Apply or inspect the store's schema:
//
//	cord store migrate
//	cord store inspect
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Persistent flags, read by loadConfig in run.go to override whatever the
// --config YAML file says, the same override-after-load shape run.go's
// --budget/--model/--runtime flags use for agent-launch parameters.
var (
	storeOverride     string
	logFormatOverride string
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		var exitErr errExitCode
		if !errors.As(err, &exitErr) {
			slog.Error("command failed", "error", err)
		}
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cord",
		Short: "Cord - coordination engine for a tree of agent subprocesses",
		Long: `Cord runs a single top-level goal as a tree of agent subprocesses,
each with a strictly-scoped view of its own subtree, coordinating their
dependencies, results, and synthesis through a persistent store.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&storeOverride, "store", "", "path to the coordination store file, overriding --config's store.path")
	rootCmd.PersistentFlags().StringVar(&logFormatOverride, "log-format", "", "log output format (text or json), overriding --config's log.format")

	rootCmd.AddCommand(
		buildRunCmd(),
		buildStoreCmd(),
	)
	return rootCmd
}
