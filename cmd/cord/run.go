package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/corddev/cord/internal/driver"
	"github.com/corddev/cord/internal/engineconfig"
	"github.com/corddev/cord/internal/store"
)

func buildRunCmd() *cobra.Command {
	var configPath string
	var promptText string
	var budgetUSD float64
	var model string
	var runtime string

	cmd := &cobra.Command{
		Use:   "run <goal-or-path>",
		Short: "Run a goal to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			goal, err := resolveGoal(args[0])
			if err != nil {
				return err
			}

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("budget") {
				cfg.Agent.BudgetUSD = budgetUSD
			}
			if cmd.Flags().Changed("model") {
				cfg.Agent.Model = model
			}
			if cmd.Flags().Changed("runtime") {
				cfg.Agent.Runtime = runtime
			}
			applyLogLevel(cfg)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			st, err := store.Open(ctx, cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			d := driver.New(st, cfg, slog.Default())
			go handleHumanAsks(ctx, d)

			if watcher, err := startConfigWatcher(ctx, configPath, d); err != nil {
				slog.Default().Warn("config hot-reload disabled", "path", configPath, "error", err)
			} else if watcher != nil {
				defer watcher.Close()
			}

			root, err := d.Run(ctx, goal, promptText)
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "node #%d finished with status %s\n", root.ID, root.Status)
			if root.Result != nil {
				fmt.Fprintln(cmd.OutOrStdout(), *root.Result)
			}
			if root.Status != store.StatusComplete {
				return errExitCode{code: 1}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "cord.yaml", "path to engine config file")
	cmd.Flags().StringVar(&promptText, "prompt", "", "additional instructions attached to the root goal")
	cmd.Flags().Float64Var(&budgetUSD, "budget", 0, "per-process budget cap in USD, passed through to the agent binary")
	cmd.Flags().StringVar(&model, "model", "", "model name passed through to the agent binary")
	cmd.Flags().StringVar(&runtime, "runtime", "", "agent runtime name passed through to the agent binary")
	return cmd
}

// errExitCode carries a nonzero process exit code for the root's terminal
// status without spilling a redundant "run: ..." wrapper into stderr; main
// checks for it directly.
type errExitCode struct{ code int }

func (e errExitCode) Error() string { return fmt.Sprintf("root did not complete (exit %d)", e.code) }

// resolveGoal treats arg as a path if it names an existing file, and reads
// its contents as the goal text; otherwise arg itself is the goal.
func resolveGoal(arg string) (string, error) {
	info, err := os.Stat(arg)
	if err != nil || info.IsDir() {
		return arg, nil
	}
	data, err := os.ReadFile(arg)
	if err != nil {
		return "", fmt.Errorf("read goal file %s: %w", arg, err)
	}
	return string(data), nil
}

// loadConfig reads path if present (falling back to defaults otherwise),
// then applies the root command's persistent --store/--log-format flags on
// top, so they win over whatever the YAML file says regardless of which
// subcommand is running.
func loadConfig(path string) (engineconfig.Config, error) {
	cfg := engineconfig.Default()
	if _, err := os.Stat(path); err == nil {
		var loadErr error
		cfg, loadErr = engineconfig.Load(path)
		if loadErr != nil {
			return engineconfig.Config{}, loadErr
		}
	}
	if storeOverride != "" {
		cfg.Store.Path = storeOverride
	}
	if logFormatOverride != "" {
		cfg.Log.Format = logFormatOverride
	}
	return cfg, nil
}

// startConfigWatcher wires engineconfig's fsnotify-based hot-reload into an
// already-running Driver. A missing config file means the run started from
// defaults/flags alone, so there is nothing on disk to watch.
func startConfigWatcher(ctx context.Context, path string, d *driver.Driver) (*engineconfig.Watcher, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}
	w, err := engineconfig.NewWatcher(path, slog.Default(), 0)
	if err != nil {
		return nil, err
	}
	w.OnReload(d.UpdateConfig)
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

func applyLogLevel(cfg engineconfig.Config) {
	level := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// handleHumanAsks prints each pending human ask to stdout and reads a reply
// from stdin, until ctx is cancelled.
func handleHumanAsks(ctx context.Context, d *driver.Driver) {
	reader := bufio.NewReader(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			return
		case ask, ok := <-d.AskChan():
			if !ok {
				return
			}
			fmt.Printf("\n[node #%d asks] %s\n> ", ask.NodeID, ask.Question)
			line, err := reader.ReadString('\n')
			if err != nil {
				close(ask.Answer)
				continue
			}
			ask.Answer <- line
		}
	}
}
