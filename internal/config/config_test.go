package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "log_level: debug\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "data_dir: /tmp/thane-core-test\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Loop.ChatMaxIterations != 2 {
		t.Errorf("chat max iterations = %d, want 2", cfg.Loop.ChatMaxIterations)
	}
	if cfg.Loop.WorkspaceMaxIterations != 10 {
		t.Errorf("workspace max iterations = %d, want 10", cfg.Loop.WorkspaceMaxIterations)
	}
	if cfg.Memory.Path != filepath.Join("/tmp/thane-core-test", "memory.db") {
		t.Errorf("memory path = %q", cfg.Memory.Path)
	}
	if cfg.Workspace.DefaultRoot != filepath.Join("/tmp/thane-core-test", "sandbox") {
		t.Errorf("default root = %q", cfg.Workspace.DefaultRoot)
	}
	if cfg.Memory.ShortTerm != "memory" || cfg.Consolidation.Lock != "local" {
		t.Errorf("backends = %q/%q, want memory/local", cfg.Memory.ShortTerm, cfg.Consolidation.Lock)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("THANE_CORE_TEST_REDIS", "127.0.0.1:6390")
	path := writeConfig(t, "memory:\n  short_term: redis\n  redis_addr: ${THANE_CORE_TEST_REDIS}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Memory.RedisAddr != "127.0.0.1:6390" {
		t.Errorf("redis_addr = %q, want %q", cfg.Memory.RedisAddr, "127.0.0.1:6390")
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad driver", "memory:\n  driver: postgres\n", "memory.driver"},
		{"redis without addr", "memory:\n  short_term: redis\n", "redis_addr"},
		{"etcd without endpoints", "consolidation:\n  lock: etcd\n", "etcd_endpoints"},
		{"importance out of range", "consolidation:\n  min_importance: 1.5\n", "min_importance"},
		{"runtime missing url", "tools:\n  runtimes:\n    - name: rt\n      transport: http\n", "url is required"},
		{"bad log level", "log_level: loud\n", "unknown log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want substring %q", err, tt.want)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "INFO"},
		{"DEBUG", "DEBUG"},
		{" warn ", "WARN"},
		{"error", "ERROR"},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Fatalf("ParseLogLevel(%q) error: %v", tt.in, err)
		}
		if got.String() != tt.want {
			t.Errorf("ParseLogLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_TraceName(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "trace", "text")
	if err != nil {
		t.Fatalf("NewLogger error: %v", err)
	}
	logger.Log(t.Context(), LevelTrace, "wire payload")
	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("output %q does not render TRACE level", buf.String())
	}
}
