package toolrt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/nugget/thane-core/internal/httpkit"
)

// SessionHeader carries the runtime-assigned session between HTTP calls.
const SessionHeader = "Tool-Runtime-Session"

// HTTPConfig configures an [HTTPTransport].
type HTTPConfig struct {
	URL string
	// Headers are sent with every request, e.g. Authorization.
	Headers map[string]string
	Logger  *slog.Logger
}

// HTTPTransport sends each request as an HTTP POST and reads the
// response from the body.
type HTTPTransport struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger

	mu        sync.RWMutex
	sessionID string
}

// NewHTTPTransport creates an HTTP transport.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  httpkit.NewClient(httpkit.WithLogger(logger)),
		logger:  logger,
	}
}

// Send posts req and decodes the response.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}
	t.mu.RLock()
	if t.sessionID != "" {
		httpReq.Header.Set(SessionHeader, t.sessionID)
	}
	t.mu.RUnlock()

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", t.url, err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if sid := httpResp.Header.Get(SessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tool runtime returned %d: %s",
			httpResp.StatusCode, httpkit.ReadErrorBody(httpResp.Body, 1<<20))
	}

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.ID != req.ID {
		return nil, fmt.Errorf("response id %d does not match request id %d", resp.ID, req.ID)
	}
	return &resp, nil
}

// Close is a no-op; httpkit owns the connection pool.
func (t *HTTPTransport) Close() error {
	return nil
}
