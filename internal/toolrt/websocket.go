package toolrt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConfig configures a [WebSocketTransport].
type WebSocketConfig struct {
	// URL may use ws, wss, http or https; http schemes are upgraded.
	URL     string
	Headers map[string]string
	Logger  *slog.Logger
}

// WebSocketTransport multiplexes requests over one WebSocket connection.
// The connection is dialed on first use and redialed after it drops.
type WebSocketTransport struct {
	url     string
	headers http.Header
	logger  *slog.Logger

	mu   sync.Mutex // guards conn and mux, serializes writes
	conn *websocket.Conn
	mux  *demux
}

// NewWebSocketTransport creates a WebSocket transport.
func NewWebSocketTransport(cfg WebSocketConfig) (*WebSocketTransport, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported websocket scheme %q", u.Scheme)
	}
	h := make(http.Header)
	for k, v := range cfg.Headers {
		h.Set(k, v)
	}
	return &WebSocketTransport{url: u.String(), headers: h, logger: logger}, nil
}

// Send writes req and waits for the response with the same ID.
func (t *WebSocketTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	t.mu.Lock()
	if err := t.connectLocked(ctx); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	conn, mux := t.conn, t.mux
	ch, err := mux.wait(req.ID)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Time{})
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		mux.forget(req.ID)
		t.dropLocked(conn)
		t.mu.Unlock()
		return nil, fmt.Errorf("write websocket message: %w", err)
	}
	t.mu.Unlock()

	return mux.await(ctx, req.ID, ch)
}

func (t *WebSocketTransport) connectLocked(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}
	conn, resp, err := dialer.DialContext(ctx, t.url, t.headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", t.url, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", t.url, err)
	}
	conn.SetReadLimit(16 << 20)

	t.conn = conn
	t.mux = newDemux()
	go t.readLoop(conn, t.mux)
	t.logger.Info("tool runtime websocket connected", "url", t.url)
	return nil
}

func (t *WebSocketTransport) readLoop(conn *websocket.Conn, mux *demux) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debug("tool runtime websocket read failed", "error", err)
			}
			mux.fail(fmt.Errorf("websocket closed: %w", err))
			t.mu.Lock()
			t.dropLocked(conn)
			t.mu.Unlock()
			return
		}
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			t.logger.Debug("skipping non-JSON websocket message", "error", err)
			continue
		}
		if !mux.deliver(&resp) {
			t.logger.Debug("skipping unmatched tool runtime message", "id", resp.ID)
		}
	}
}

// dropLocked forgets conn if it is still current and closes it.
func (t *WebSocketTransport) dropLocked(conn *websocket.Conn) {
	if t.conn == conn {
		t.mux.fail(errTransportClosed)
		t.conn = nil
	}
	conn.Close()
}

// Close sends a normal closure and closes the connection.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	conn := t.conn
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.dropLocked(conn)
	return nil
}
