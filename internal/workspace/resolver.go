// Package workspace decides which directory a loop invocation operates
// in. The directory is resolved once per invocation and handed unchanged
// to every tool call.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nugget/thane-core/internal/config"
)

// Source records which rule produced a working directory.
type Source string

const (
	SourceHint    Source = "hint"
	SourceAgent   Source = "agent"
	SourceSession Source = "session"
	SourceDefault Source = "default"
)

// Resolution is a resolved working directory.
type Resolution struct {
	Dir    string
	Source Source
}

// Resolver resolves working directories from configuration. Lookup
// order: explicit hint, the agent's bound workspace, the session's bound
// workspace, then a per-agent sandbox under the default root.
//
// Hints and bindings may be absolute, start with ~, or use a named root
// prefix such as "projects:api" when roots are configured.
type Resolver struct {
	defaultRoot string
	agents      map[string]string
	sessions    map[string]string
	roots       map[string]string // "projects:" -> "/abs/dir"
	rootOrder   []string          // prefixes by descending length
}

// New creates a resolver from the workspace config section.
func New(cfg config.WorkspaceConfig) (*Resolver, error) {
	if cfg.DefaultRoot == "" {
		return nil, errors.New("workspace: default_root is required")
	}
	r := &Resolver{
		defaultRoot: expandHome(cfg.DefaultRoot),
		agents:      cfg.Agents,
		sessions:    cfg.Sessions,
		roots:       make(map[string]string, len(cfg.Roots)),
	}
	for name, dir := range cfg.Roots {
		key := strings.TrimSuffix(name, ":") + ":"
		r.roots[key] = expandHome(dir)
		r.rootOrder = append(r.rootOrder, key)
	}
	// Longer prefixes first so "proj:" cannot steal "projects:".
	sort.Slice(r.rootOrder, func(i, j int) bool {
		return len(r.rootOrder[i]) > len(r.rootOrder[j])
	})
	return r, nil
}

// Resolve returns the working directory for one invocation and makes
// sure it exists.
func (r *Resolver) Resolve(agentID, sessionID, hint string) (Resolution, error) {
	var res Resolution
	switch {
	case strings.TrimSpace(hint) != "":
		res = Resolution{Dir: r.expand(hint), Source: SourceHint}
	case r.agents[agentID] != "":
		res = Resolution{Dir: r.expand(r.agents[agentID]), Source: SourceAgent}
	case sessionID != "" && r.sessions[sessionID] != "":
		res = Resolution{Dir: r.expand(r.sessions[sessionID]), Source: SourceSession}
	default:
		name, err := sandboxName(agentID)
		if err != nil {
			return Resolution{}, err
		}
		res = Resolution{Dir: filepath.Join(r.defaultRoot, name), Source: SourceDefault}
	}

	abs, err := filepath.Abs(res.Dir)
	if err != nil {
		return Resolution{}, fmt.Errorf("workspace: resolve %s: %w", res.Dir, err)
	}
	res.Dir = abs

	if res.Source == SourceDefault {
		if err := os.MkdirAll(res.Dir, 0o755); err != nil {
			return Resolution{}, fmt.Errorf("workspace: create sandbox: %w", err)
		}
		return res, nil
	}
	info, err := os.Stat(res.Dir)
	if err != nil {
		return Resolution{}, fmt.Errorf("workspace: %s workspace %s: %w", res.Source, res.Dir, err)
	}
	if !info.IsDir() {
		return Resolution{}, fmt.Errorf("workspace: %s workspace %s is not a directory", res.Source, res.Dir)
	}
	return res, nil
}

// Roots returns the configured root names, sorted.
func (r *Resolver) Roots() []string {
	names := make([]string, 0, len(r.roots))
	for prefix := range r.roots {
		names = append(names, strings.TrimSuffix(prefix, ":"))
	}
	sort.Strings(names)
	return names
}

func (r *Resolver) expand(path string) string {
	path = strings.TrimSpace(path)
	for _, prefix := range r.rootOrder {
		if rel, ok := strings.CutPrefix(path, prefix); ok {
			return filepath.Join(r.roots[prefix], rel)
		}
	}
	return expandHome(path)
}

// sandboxName turns an agent ID into a single safe path element.
func sandboxName(agentID string) (string, error) {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, agentID)
	if strings.Trim(name, "._") == "" {
		return "", fmt.Errorf("workspace: agent id %q cannot name a sandbox", agentID)
	}
	return name, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
