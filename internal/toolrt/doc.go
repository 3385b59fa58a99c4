// Package toolrt connects to external tool runtimes and bridges their
// tools into the gateway registry.
//
// A runtime speaks JSON-RPC 2.0 over one of three transports: HTTP POST,
// a WebSocket, or newline-delimited JSON on a subprocess's stdin and
// stdout. The methods are initialize, tools/list, tools/execute and
// ping. Every tools/execute call carries the working directory of the
// invocation that made it, so a runtime never has to guess where an
// agent's files live.
package toolrt
