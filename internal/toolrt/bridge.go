package toolrt

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/nugget/thane-core/internal/tools"
)

var unsafeChars = regexp.MustCompile(`[^a-z0-9_]+`)

// ToolName namespaces a runtime tool as "<runtime>_<tool>", lower-cased
// with anything outside [a-z0-9_] collapsed to a single underscore.
func ToolName(runtime, tool string) string {
	return sanitize(runtime) + "_" + sanitize(tool)
}

func sanitize(name string) string {
	s := unsafeChars.ReplaceAllString(strings.ToLower(name), "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

// Filter selects which runtime tools are bridged. A non-empty Include
// wins over Exclude.
type Filter struct {
	Include []string
	Exclude []string
}

func (f Filter) allows(name string) bool {
	if len(f.Include) > 0 {
		for _, n := range f.Include {
			if n == name {
				return true
			}
		}
		return false
	}
	for _, n := range f.Exclude {
		if n == name {
			return false
		}
	}
	return true
}

// BridgeTools registers the runtime's tools on registry and returns how
// many were added. Tools whose namespaced name is already taken are
// skipped with a warning.
func BridgeTools(ctx context.Context, client *Client, registry *tools.Registry, filter Filter, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	defs, err := client.ListTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tools from %s: %w", client.Name(), err)
	}

	count := 0
	for _, td := range defs {
		if !filter.allows(td.Name) {
			continue
		}
		name := ToolName(client.Name(), td.Name)
		if err := registry.Register(bridgeTool(client, name, td)); err != nil {
			logger.Warn("skipping runtime tool", "runtime", client.Name(), "tool", td.Name, "error", err)
			continue
		}
		count++
		logger.Debug("bridged runtime tool", "runtime", client.Name(), "tool", td.Name, "name", name)
	}
	return count, nil
}

func bridgeTool(client *Client, name string, td ToolDefinition) *tools.Tool {
	remote := td.Name
	params := td.InputSchema
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return &tools.Tool{
		Name:        name,
		Description: td.Description,
		Parameters:  params,
		Source:      client.Name(),
		Handler: func(ctx context.Context, args map[string]any, workingDir string) (string, error) {
			return client.Execute(ctx, remote, args, workingDir)
		},
	}
}
