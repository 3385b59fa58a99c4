package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/thane-core/internal/memory"
)

func newRetentionCmd(g *globals) *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "retention [expression]",
		Short: "Evaluate a retention policy against long-term records",
		Long: "Evaluate a CEL expression over each long-term record of the agent. Variables: importance,\n" +
			"access_count, age_hours, idle_hours, category, tags. Without an argument the configured\n" +
			"memory.retention_policy is used. Matches are only counted unless --apply is given.",
		Example: `  memctl retention 'importance < 0.3 && idle_hours > 720.0'
  memctl retention --apply`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, store, err := g.openStore(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			expr := strings.Join(args, " ")
			if expr == "" {
				expr = cfg.Memory.RetentionPolicy
			}
			policy, err := memory.NewRetentionPolicy(expr)
			if err != nil {
				return err
			}
			if policy.Empty() {
				return fmt.Errorf("no retention policy given and memory.retention_policy is empty")
			}

			n, err := policy.Apply(cmd.Context(), store.LongTerm(), g.agentID, time.Now().UTC(), !apply)
			if err != nil {
				return err
			}
			result := struct {
				Policy  string `json:"policy"`
				Matched int    `json:"matched"`
				Deleted bool   `json:"deleted"`
			}{policy.String(), n, apply}
			return g.output(cmd.OutOrStdout(), result, func(w io.Writer) {
				verb := "would delete"
				if apply {
					verb = "deleted"
				}
				fmt.Fprintf(w, "%s %d long-term records matching %s\n", verb, n, policy)
			})
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "Delete matching records instead of counting them")
	return cmd
}
