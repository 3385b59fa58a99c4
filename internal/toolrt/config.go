package toolrt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nugget/thane-core/internal/config"
	"github.com/nugget/thane-core/internal/tools"
)

// NewTransport builds the transport a runtime config asks for.
func NewTransport(cfg config.ToolRuntimeConfig, logger *slog.Logger) (Transport, error) {
	switch cfg.Transport {
	case "http", "":
		if cfg.URL == "" {
			return nil, fmt.Errorf("tool runtime %s: url is required", cfg.Name)
		}
		return NewHTTPTransport(HTTPConfig{URL: cfg.URL, Headers: cfg.Headers, Logger: logger}), nil
	case "websocket":
		if cfg.URL == "" {
			return nil, fmt.Errorf("tool runtime %s: url is required", cfg.Name)
		}
		return NewWebSocketTransport(WebSocketConfig{URL: cfg.URL, Headers: cfg.Headers, Logger: logger})
	case "stdio":
		if cfg.Command == "" {
			return nil, fmt.Errorf("tool runtime %s: command is required", cfg.Name)
		}
		return NewStdioTransport(StdioConfig{Command: cfg.Command, Args: cfg.Args, Env: cfg.Env, Logger: logger}), nil
	default:
		return nil, fmt.Errorf("tool runtime %s: unknown transport %q", cfg.Name, cfg.Transport)
	}
}

// Connect initializes every configured runtime and bridges its tools
// into registry. A runtime that fails is logged and skipped; the
// returned clients are the ones that connected and must be closed by
// the caller.
func Connect(ctx context.Context, runtimes []config.ToolRuntimeConfig, registry *tools.Registry, logger *slog.Logger) ([]*Client, error) {
	var (
		clients []*Client
		errs    []error
	)
	for _, rc := range runtimes {
		log := logger.With("tool_runtime", rc.Name)
		transport, err := NewTransport(rc, log)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		client := NewClient(rc.Name, transport, logger)
		if err := client.Initialize(ctx); err != nil {
			log.Warn("tool runtime unavailable", "error", err)
			client.Close()
			errs = append(errs, fmt.Errorf("tool runtime %s: %w", rc.Name, err))
			continue
		}
		n, err := BridgeTools(ctx, client, registry, Filter{Include: rc.Include, Exclude: rc.Exclude}, log)
		if err != nil {
			log.Warn("tool discovery failed", "error", err)
			client.Close()
			errs = append(errs, fmt.Errorf("tool runtime %s: %w", rc.Name, err))
			continue
		}
		log.Info("tool runtime connected", "tools", n)
		clients = append(clients, client)
	}
	return clients, errors.Join(errs...)
}
