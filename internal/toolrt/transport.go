package toolrt

import "context"

// Transport carries JSON-RPC requests to a runtime. Implementations must
// be safe for concurrent use.
type Transport interface {
	// Send delivers req and waits for the response with the same ID.
	Send(ctx context.Context, req *Request) (*Response, error)
	// Close releases the connection or subprocess.
	Close() error
}
