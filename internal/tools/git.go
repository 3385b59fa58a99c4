package tools

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// gitSubcommands are the git subcommands the git tool may run.
var gitSubcommands = []string{"status", "diff", "log", "show", "branch", "add", "commit"}

// gitDeniedFlags can make git run arbitrary programs or rewrite
// configuration.
var gitDeniedFlags = []string{"--exec", "--upload-pack", "--receive-pack", "--ext-diff", "-c", "--config", "--output"}

// GitTool runs a restricted set of git subcommands through the shell
// executor, without a shell in between.
type GitTool struct {
	shell *ShellExec
}

// NewGitTool creates a git tool backed by shell.
func NewGitTool(shell *ShellExec) *GitTool {
	return &GitTool{shell: shell}
}

// Exec runs git in workingDir.
func (g *GitTool) Exec(ctx context.Context, workingDir string, args GitArgs) (*ExecResult, error) {
	sub := strings.TrimSpace(args.Subcommand)
	if sub == "" {
		return nil, fmt.Errorf("subcommand is required (one of %s)", strings.Join(gitSubcommands, ", "))
	}
	if !slices.Contains(gitSubcommands, sub) {
		return nil, fmt.Errorf("git %s is not allowed (one of %s)", sub, strings.Join(gitSubcommands, ", "))
	}
	for _, a := range args.Args {
		for _, denied := range gitDeniedFlags {
			if a == denied || strings.HasPrefix(a, denied+"=") {
				return nil, fmt.Errorf("git flag %s is not allowed", a)
			}
		}
	}
	if sub == "commit" && !slices.ContainsFunc(args.Args, func(a string) bool {
		return a == "-m" || strings.HasPrefix(a, "--message")
	}) {
		return nil, fmt.Errorf("git commit requires -m <message>")
	}

	argv := append([]string{"--no-pager", sub}, args.Args...)
	return g.shell.Run(ctx, workingDir, 0, "git", argv...)
}
