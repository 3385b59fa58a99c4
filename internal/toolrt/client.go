package toolrt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nugget/thane-core/internal/buildinfo"
	"github.com/nugget/thane-core/internal/tools"
)

// Client speaks the runtime protocol to a single runtime.
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger
	nextID    atomic.Int64

	mu    sync.RWMutex
	info  ServerInfo
	tools []ToolDefinition
}

// NewClient creates a client for the runtime called name.
func NewClient(name string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("tool_runtime", name),
	}
}

// Name returns the configured runtime name.
func (c *Client) Name() string {
	return c.name
}

// ServerInfo returns what the runtime reported during Initialize.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// Initialize performs the handshake.
func (c *Client) Initialize(ctx context.Context) error {
	var result initializeResult
	err := c.call(ctx, "initialize", initializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      clientInfo{Name: "thane-core", Version: buildinfo.Version},
	}, &result)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.info = result.ServerInfo
	c.mu.Unlock()

	c.logger.Info("tool runtime initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)
	if result.ProtocolVersion != "" && result.ProtocolVersion != ProtocolVersion {
		c.logger.Warn("tool runtime speaks a different protocol version",
			"want", ProtocolVersion,
			"got", result.ProtocolVersion,
		)
	}
	return nil
}

// ListTools returns the runtime's tools. The first successful result is
// cached.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	c.mu.RLock()
	cached := c.tools
	c.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	var result toolsListResult
	if err := c.call(ctx, "tools/list", nil, &result); err != nil {
		return nil, err
	}
	if result.Tools == nil {
		result.Tools = []ToolDefinition{}
	}

	c.mu.Lock()
	c.tools = result.Tools
	c.mu.Unlock()

	c.logger.Info("discovered runtime tools", "count", len(result.Tools))
	return result.Tools, nil
}

// Execute runs tool on the runtime with workingDir as its working
// directory. Caller attribution from ctx is forwarded when present.
func (c *Client) Execute(ctx context.Context, tool string, args map[string]any, workingDir string) (string, error) {
	params := executeParams{
		Name:             tool,
		Arguments:        args,
		WorkingDirectory: workingDir,
	}
	params.AgentID, _, params.RunID = tools.CallerFromContext(ctx)

	var result executeResult
	if err := c.call(ctx, "tools/execute", params, &result); err != nil {
		return "", fmt.Errorf("%s: %w", tool, err)
	}

	text := extractText(result.Content)
	if result.IsError {
		return "", fmt.Errorf("runtime tool %s reported an error: %s", tool, text)
	}
	return text, nil
}

// Ping checks that the runtime is responsive.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, "ping", nil, nil)
}

// Close shuts down the transport.
func (c *Client) Close() error {
	c.logger.Info("closing tool runtime client")
	return c.transport.Close()
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	req := newRequest(c.nextID.Add(1), method, params)
	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return resp.decode(method, result)
}

// extractText joins text blocks; other block types become inline markers.
func extractText(blocks []ContentBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
			continue
		}
		parts = append(parts, "["+b.Type+"]")
	}
	return strings.Join(parts, "\n")
}
