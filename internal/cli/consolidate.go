package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nugget/thane-core/internal/app"
	"github.com/nugget/thane-core/internal/consolidation"
	"github.com/nugget/thane-core/internal/llm"
)

func newConsolidateCmd(g *globals) *cobra.Command {
	var (
		strategy      string
		minImportance float64
		maxAgeHours   float64
		extractive    bool
	)
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Fold the agent's short-term records into long-term memory",
		Long: "Run one consolidation strategy now: summarize, promote, merge, or archive.\n" +
			"Unset flags fall back to the consolidation section of the config.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, store, err := g.openStore(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if !cmd.Flags().Changed("strategy") {
				strategy = cfg.Consolidation.Strategy
			}
			if !cmd.Flags().Changed("min-importance") {
				minImportance = cfg.Consolidation.MinImportance
			}
			if !cmd.Flags().Changed("max-age-hours") {
				maxAgeHours = float64(cfg.Consolidation.MaxAgeHours)
			}
			st, err := consolidation.ParseStrategy(strategy)
			if err != nil {
				return err
			}

			var client llm.Client
			if !extractive {
				client = app.NewLLM(cfg, logger)
			}
			engine, closeEngine, err := app.NewEngine(cfg, store, client, logger, nil)
			if err != nil {
				return err
			}
			defer closeEngine()

			res, err := engine.Consolidate(cmd.Context(), consolidation.Request{
				AgentID:       g.agentID,
				MinImportance: minImportance,
				MaxAgeHours:   maxAgeHours,
				Strategy:      st,
			})
			if err != nil {
				return err
			}
			return g.output(cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "%s (%s): processed=%d created=%d archived=%d updated=%d\n",
					g.agentID, st, res.STMProcessed, res.LTMCreated, res.STMArchived, res.LTMUpdated)
			})
		},
	}

	cmd.Flags().StringVar(&strategy, "strategy", "summarize", "Strategy: summarize, promote, merge, archive")
	cmd.Flags().Float64Var(&minImportance, "min-importance", 0, "Minimum importance of eligible records")
	cmd.Flags().Float64Var(&maxAgeHours, "max-age-hours", 0, "Age bound in hours (0 for unbounded)")
	cmd.Flags().BoolVar(&extractive, "extractive", false, "Summarize without calling the model")
	return cmd
}
