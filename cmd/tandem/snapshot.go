package main

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/thebtf/tandem/internal/worker/statesync"
)

func newSnapshotCmd(global *globalFlags) *cobra.Command {
	var stack string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Print the workspace state a connecting client receives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, global)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := openStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			snap, err := statesync.NewBuilder(st.workspace).Build(ctx, stack)
			if err != nil {
				return fmt.Errorf("snapshot: %w", err)
			}
			data, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	cmd.Flags().StringVar(&stack, "stack", "", "stack to report as active")
	return cmd
}
