package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const maxShellTimeout = 5 * time.Minute

// ShellExec runs commands in a working directory subject to a
// deny/allow policy.
type ShellExec struct {
	enabled        bool
	allowedCmds    []string // empty = allow all
	deniedCmds     []string
	defaultTimeout time.Duration
	maxOutputBytes int
}

// ShellExecConfig configures the shell executor.
type ShellExecConfig struct {
	Enabled        bool
	AllowedCmds    []string
	DeniedCmds     []string
	DefaultTimeout time.Duration
	MaxOutputBytes int
}

// DefaultShellExecConfig returns safe defaults.
func DefaultShellExecConfig() ShellExecConfig {
	return ShellExecConfig{
		Enabled:     false,
		AllowedCmds: []string{},
		DeniedCmds: []string{
			"rm -rf /",
			"rm -rf /*",
			"rm -rf ~",
			"mkfs",
			"dd if=",
			"> /dev/sd",
			"chmod -R 777 /",
			"sudo ",
			":(){ :|:& };:", // fork bomb
		},
		DefaultTimeout: 30 * time.Second,
		MaxOutputBytes: 100 * 1024,
	}
}

// NewShellExec creates a shell executor.
func NewShellExec(cfg ShellExecConfig) *ShellExec {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxOutputBytes == 0 {
		cfg.MaxOutputBytes = 100 * 1024
	}
	return &ShellExec{
		enabled:        cfg.Enabled,
		allowedCmds:    cfg.AllowedCmds,
		deniedCmds:     cfg.DeniedCmds,
		defaultTimeout: cfg.DefaultTimeout,
		maxOutputBytes: cfg.MaxOutputBytes,
	}
}

// Enabled reports whether shell execution is available.
func (s *ShellExec) Enabled() bool {
	return s.enabled
}

// ExecResult contains the result of a command execution.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	TimedOut bool   `json:"timedOut,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Output renders the result as a tool observation.
func (r *ExecResult) Output() string {
	var sb strings.Builder
	sb.WriteString(strings.TrimRight(r.Stdout, "\n"))
	if stderr := strings.TrimRight(r.Stderr, "\n"); stderr != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("[stderr]\n" + stderr)
	}
	if r.ExitCode != 0 {
		fmt.Fprintf(&sb, "\n[exit code %d]", r.ExitCode)
	}
	if sb.Len() == 0 {
		return "(no output)"
	}
	return strings.TrimLeft(sb.String(), "\n")
}

// checkPolicy applies the deny and allow lists to a command line.
func (s *ShellExec) checkPolicy(command string) error {
	if !s.enabled {
		return errors.New("shell execution is disabled")
	}
	lower := strings.ToLower(command)
	for _, denied := range s.deniedCmds {
		if strings.Contains(lower, strings.ToLower(denied)) {
			return fmt.Errorf("command blocked by security policy: matches denied pattern %q", denied)
		}
	}
	if len(s.allowedCmds) > 0 {
		trimmed := strings.TrimSpace(command)
		for _, prefix := range s.allowedCmds {
			if strings.HasPrefix(trimmed, prefix) {
				return nil
			}
		}
		return errors.New("command not in allowlist")
	}
	return nil
}

// Exec runs command through sh -c in workingDir.
func (s *ShellExec) Exec(ctx context.Context, workingDir, command string, timeoutSec int) (*ExecResult, error) {
	if err := s.checkPolicy(command); err != nil {
		return nil, err
	}
	return s.run(ctx, workingDir, timeoutSec, "sh", "-c", command)
}

// Run executes a program directly, without a shell, in workingDir. Only
// the enabled flag is checked; callers vet arguments themselves.
func (s *ShellExec) Run(ctx context.Context, workingDir string, timeoutSec int, name string, args ...string) (*ExecResult, error) {
	if !s.enabled {
		return nil, errors.New("shell execution is disabled")
	}
	return s.run(ctx, workingDir, timeoutSec, name, args...)
}

func (s *ShellExec) run(ctx context.Context, workingDir string, timeoutSec int, name string, args ...string) (*ExecResult, error) {
	timeout := s.defaultTimeout
	if timeoutSec > 0 {
		timeout = time.Duration(timeoutSec) * time.Second
	}
	timeout = min(timeout, maxShellTimeout)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workingDir
	// Grandchildren holding the output pipes must not outlive the kill.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := &ExecResult{
		Stdout: truncateOutput(stdout.String(), s.maxOutputBytes),
		Stderr: truncateOutput(stderr.String(), s.maxOutputBytes),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.Error = "command timed out"
		result.ExitCode = -1
		return result, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.Error = err.Error()
			result.ExitCode = -1
		}
	}
	return result, nil
}

// truncateOutput truncates output to maxBytes, adding a note if truncated.
func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n\n[... output truncated ...]"
}
