// Package cli implements the memctl commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nugget/thane-core/internal/app"
	"github.com/nugget/thane-core/internal/config"
	"github.com/nugget/thane-core/internal/memory"
)

// globals holds the persistent flags shared by every command.
type globals struct {
	configPath string
	agentID    string
	format     string
}

// NewRootCmd builds the memctl command tree. Each call returns an
// independent tree so tests can run commands in parallel.
func NewRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "memctl",
		Short: "Inspect and maintain thane-core agent memory",
		Long: "memctl reads the thane-core configuration and operates on the same memory tiers as the agent.\n" +
			"With the in-process short-term tier only long-term records are visible; use the redis tier to inspect short-term memory.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if g.format != "json" && g.format != "text" {
				return fmt.Errorf("unknown format %q (expected json or text)", g.format)
			}
			if g.agentID == "" {
				return fmt.Errorf("--agent is required")
			}
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Path to config file (default: auto-discover)")
	root.PersistentFlags().StringVarP(&g.agentID, "agent", "a", "cli", "Agent id")
	root.PersistentFlags().StringVarP(&g.format, "format", "f", "text", "Output format: json or text")

	root.AddCommand(
		newQueryCmd(g),
		newContextCmd(g),
		newConsolidateCmd(g),
		newRetentionCmd(g),
		newStatsCmd(g),
	)
	return root
}

// loadConfig resolves the config file and builds a logger on the
// command's stderr.
func (g *globals) loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, err := config.FindConfig(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", path, err)
	}
	logger, err := config.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// openStore loads the config and opens both memory tiers.
func (g *globals) openStore(ctx context.Context, cmd *cobra.Command) (*config.Config, *slog.Logger, *memory.Store, error) {
	cfg, logger, err := g.loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := app.OpenMemory(ctx, cfg, logger, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, store, nil
}

// output writes v as indented JSON, or calls text for the text format.
func (g *globals) output(w io.Writer, v any, text func(w io.Writer)) error {
	if g.format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func printRecords(w io.Writer, recs []*memory.Record) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "no records")
		return
	}
	for _, r := range recs {
		fmt.Fprintf(w, "%s  %-10s %-11s %.2f  %s\n", r.ID, r.Tier, r.Category, r.Importance, oneLine(r.Content, 100))
	}
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
