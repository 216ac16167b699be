package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/corddev/cord/internal/store"
)

func buildStoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect or migrate the coordination store",
	}
	cmd.AddCommand(buildStoreMigrateCmd(), buildStoreInspectCmd())
	return cmd
}

func buildStoreMigrateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply any pending schema migrations",
		Example: `  cord store migrate
  cord store migrate --config cord.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			applied, err := store.Migrate(context.Background(), cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "already up to date")
				return nil
			}
			for _, id := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "cord.yaml", "path to engine config file")
	return cmd
}

func buildStoreInspectCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print every node in the coordination tree",
		Example: `  cord store inspect
  cord store inspect --config cord.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			ctx := context.Background()
			st, err := store.Open(ctx, cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			snap, err := st.Snapshot(ctx)
			if err != nil {
				return fmt.Errorf("snapshot: %w", err)
			}
			printSubtree(cmd, snap, snap.RootID, 0)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "cord.yaml", "path to engine config file")
	return cmd
}

func printSubtree(cmd *cobra.Command, snap *store.Snapshot, id int64, depth int) {
	n, ok := snap.Nodes[id]
	if !ok {
		return
	}
	indent := ""
	for i := 0; i < depth; i++ {
		indent += "  "
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s#%d [%s/%s] %s\n", indent, n.ID, n.Kind, n.Status, n.Goal)
	for _, childID := range snap.ChildrenOf[id] {
		printSubtree(cmd, snap, childID, depth+1)
	}
}
