package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nugget/thane-core/internal/memory"
)

func newStatsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count the agent's records per tier and category",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, store, err := g.openStore(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.Stats(cmd.Context(), g.agentID)
			if err != nil {
				return err
			}
			return g.output(cmd.OutOrStdout(), stats, func(w io.Writer) { printStats(w, stats) })
		},
	}
}

func printStats(w io.Writer, st *memory.Stats) {
	fmt.Fprintf(w, "agent %s\n", st.AgentID)
	fmt.Fprintf(w, "  %-12s %8s %8s\n", "category", "short", "long")
	var shortTotal, longTotal int
	for _, c := range memory.Categories() {
		s, l := st.ShortTerm[c], st.LongTerm[c]
		shortTotal += s
		longTotal += l
		if s == 0 && l == 0 {
			continue
		}
		fmt.Fprintf(w, "  %-12s %8d %8d\n", c, s, l)
	}
	fmt.Fprintf(w, "  %-12s %8d %8d\n", "total", shortTotal, longTotal)
	fmt.Fprintf(w, "  short-term processed: %d\n", st.ShortTermProcessed)
}
