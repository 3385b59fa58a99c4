package tools

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func enabledShell() *ShellExec {
	cfg := DefaultShellExecConfig()
	cfg.Enabled = true
	return NewShellExec(cfg)
}

func TestShellExec_BasicCommand(t *testing.T) {
	result, err := enabledShell().Exec(context.Background(), t.TempDir(), "echo hello", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", result.ExitCode)
	}
	if result.Stdout != "hello\n" {
		t.Errorf("expected 'hello\\n', got %q", result.Stdout)
	}
}

func TestShellExec_RunsInWorkingDir(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "marker.txt"), nil, 0o644)

	result, err := enabledShell().Exec(context.Background(), dir, "ls", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result.Stdout, "marker.txt") {
		t.Errorf("ls output = %q, want marker.txt", result.Stdout)
	}
}

func TestShellExec_Disabled(t *testing.T) {
	se := NewShellExec(DefaultShellExecConfig())
	if _, err := se.Exec(context.Background(), t.TempDir(), "echo hello", 0); err == nil {
		t.Fatal("expected error when disabled")
	}
	if _, err := se.Run(context.Background(), t.TempDir(), 0, "echo", "hello"); err == nil {
		t.Fatal("expected error from Run when disabled")
	}
}

func TestShellExec_Policy(t *testing.T) {
	cfg := DefaultShellExecConfig()
	cfg.Enabled = true
	cfg.AllowedCmds = []string{"go ", "ls"}
	se := NewShellExec(cfg)

	tests := []struct {
		command string
		wantErr bool
	}{
		{"ls -la", false},
		{"go test ./...", false},
		{"curl example.com", true},
		{"ls; rm -rf /", true},
		{"sudo ls", true},
	}
	for _, tt := range tests {
		if err := se.checkPolicy(tt.command); (err != nil) != tt.wantErr {
			t.Errorf("checkPolicy(%q) = %v, wantErr %v", tt.command, err, tt.wantErr)
		}
	}
}

func TestShellExec_Timeout(t *testing.T) {
	cfg := DefaultShellExecConfig()
	cfg.Enabled = true
	cfg.DefaultTimeout = 1 * time.Second
	se := NewShellExec(cfg)

	result, err := se.Exec(context.Background(), t.TempDir(), "sleep 10", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.TimedOut {
		t.Error("expected timeout")
	}
}

func TestShellExec_NonZeroExit(t *testing.T) {
	result, err := enabledShell().Exec(context.Background(), t.TempDir(), "echo oops >&2; exit 42", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 42 {
		t.Errorf("expected exit code 42, got %d", result.ExitCode)
	}
	if result.Stderr != "oops\n" {
		t.Errorf("expected stderr 'oops\\n', got %q", result.Stderr)
	}
	if out := result.Output(); out != "[stderr]\noops\n[exit code 42]" {
		t.Errorf("Output() = %q", out)
	}
}

func TestExecResult_OutputEmpty(t *testing.T) {
	if got := (&ExecResult{}).Output(); got != "(no output)" {
		t.Errorf("Output() = %q", got)
	}
}

func TestGitTool_Policy(t *testing.T) {
	g := NewGitTool(enabledShell())
	tests := []struct {
		name string
		args GitArgs
	}{
		{"missing subcommand", GitArgs{}},
		{"push not allowed", GitArgs{Subcommand: "push"}},
		{"exec flag", GitArgs{Subcommand: "log", Args: []string{"--exec=sh"}}},
		{"config flag", GitArgs{Subcommand: "status", Args: []string{"-c", "core.pager=sh"}}},
		{"commit without message", GitArgs{Subcommand: "commit"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := g.Exec(context.Background(), t.TempDir(), tt.args); err == nil {
				t.Error("expected policy error")
			}
		})
	}
}

func TestGitTool_Status(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	shell := enabledShell()
	if res, err := shell.Run(context.Background(), dir, 0, "git", "init", "-q"); err != nil || res.ExitCode != 0 {
		t.Skipf("git init failed: %v %+v", err, res)
	}
	os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0o644)

	res, err := NewGitTool(shell).Exec(context.Background(), dir, GitArgs{Subcommand: "status", Args: []string{"--porcelain"}})
	if err != nil {
		t.Fatalf("git status: %v", err)
	}
	if !strings.Contains(res.Stdout, "?? new.txt") {
		t.Errorf("status = %q", res.Stdout)
	}
}
