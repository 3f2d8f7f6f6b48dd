package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/thebtf/tandem/internal/agent/claudecli"
	"github.com/thebtf/tandem/internal/memory"
	"github.com/thebtf/tandem/internal/worker/gateway"
	"github.com/thebtf/tandem/internal/worker/sdk"
)

func newCurateCmd(global *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "curate",
		Short: "Curate unprocessed transcript turns into memory now",
		Long:  "Runs one curation batch over every unprocessed observation, then\nrefreshes learned rules. Safe to run while the gateway is stopped.",
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

			matcher := memory.NewMatcher(cfg.CorrectionMatcher, cfg.CorrectionSimilarity)
			maintainer := gateway.NewMaintainer(st.memory, st.files, st.loader, matcher, cfg.CorrectionThreshold)
			processor := sdk.NewProcessor(st.transcript, st.memory, st.files, st.loader,
				claudecli.NewSummarizer(cfg.ClaudePath, cfg.Model))
			processor.OnFlushed(maintainer.OnFlushed)

			result, err := processor.ProcessBatch(ctx)
			if err != nil {
				return fmt.Errorf("curate: %w", err)
			}
			out := cmd.OutOrStdout()
			if result.Skipped {
				fmt.Fprintln(out, "Nothing to curate")
				return nil
			}
			fmt.Fprintf(out, "Curated %d observations: %d learnings, %d actions\n",
				result.Observations, result.Learnings, result.Actions)
			if len(result.FilesUpdated) > 0 {
				fmt.Fprintf(out, "Updated %s\n", strings.Join(result.FilesUpdated, ", "))
			}
			return nil
		},
	}
}
