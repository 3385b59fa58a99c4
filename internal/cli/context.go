package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nugget/thane-core/internal/memory"
)

func newContextCmd(g *globals) *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "context <message>",
		Short: "Preview the memory context injected for a message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, store, err := g.openStore(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			// Read failures are logged by the store; whatever loaded is
			// still shown.
			mc, _ := store.GetContext(cmd.Context(), g.agentID, session, strings.Join(args, " "))
			return g.output(cmd.OutOrStdout(), mc, func(w io.Writer) { printContext(w, mc) })
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "", "Session whose recent interactions are included")
	return cmd
}

func printContext(w io.Writer, mc *memory.Context) {
	if mc.Empty() {
		fmt.Fprintln(w, "no memory context")
		return
	}
	sections := []struct {
		title string
		recs  []*memory.Record
	}{
		{"Recent interactions", mc.RecentInteractions},
		{"Lessons", mc.RelevantLessons},
		{"Challenges", mc.RelevantChallenges},
		{"Feedback", mc.RelevantFeedback},
	}
	for _, s := range sections {
		if len(s.recs) == 0 {
			continue
		}
		fmt.Fprintf(w, "%s:\n", s.title)
		for _, r := range s.recs {
			fmt.Fprintf(w, "  - (%.2f) %s\n", r.Importance, oneLine(r.Content, 120))
		}
	}
	if mc.Summary != "" {
		fmt.Fprintf(w, "\nSummary: %s\n", mc.Summary)
	}
}
