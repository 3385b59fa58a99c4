package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nugget/thane-core/internal/memory"
)

func newQueryCmd(g *globals) *cobra.Command {
	var (
		tier             string
		category         string
		session          string
		tags             []string
		minImportance    float64
		limit            int
		includeProcessed bool
	)
	cmd := &cobra.Command{
		Use:   "query [text]",
		Short: "Search memory records",
		Long:  "Search both tiers (or one with --tier). Long-term hits have their access counters bumped.",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := memory.Filter{
				AgentID:          g.agentID,
				SessionID:        session,
				Tags:             tags,
				MinImportance:    minImportance,
				Text:             strings.Join(args, " "),
				IncludeProcessed: includeProcessed,
				Limit:            limit,
			}
			switch tier {
			case "":
			case "short", string(memory.ShortTerm):
				f.Tier = memory.ShortTerm
			case "long", string(memory.LongTerm):
				f.Tier = memory.LongTerm
			default:
				return fmt.Errorf("unknown tier %q (expected short or long)", tier)
			}
			if category != "" {
				c, err := memory.ParseCategory(category)
				if err != nil {
					return err
				}
				f.Category = c
			}

			_, _, store, err := g.openStore(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.Query(cmd.Context(), f)
			if err != nil {
				return err
			}
			if recs == nil {
				recs = []*memory.Record{}
			}
			return g.output(cmd.OutOrStdout(), recs, func(w io.Writer) { printRecords(w, recs) })
		},
	}

	cmd.Flags().StringVar(&tier, "tier", "", "Limit to one tier: short or long")
	cmd.Flags().StringVar(&category, "category", "", "Filter by category")
	cmd.Flags().StringVarP(&session, "session", "s", "", "Filter by session id")
	cmd.Flags().StringSliceVarP(&tags, "tags", "t", nil, "Match records carrying any of these tags")
	cmd.Flags().Float64Var(&minImportance, "min-importance", 0, "Minimum importance")
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "Maximum records returned (0 for no limit)")
	cmd.Flags().BoolVar(&includeProcessed, "include-processed", false, "Include processed short-term records")
	return cmd
}
