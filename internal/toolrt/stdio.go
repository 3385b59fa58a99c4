package toolrt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// StdioConfig configures a [StdioTransport].
type StdioConfig struct {
	Command string
	Args    []string
	// Env entries ("KEY=VALUE") are appended to the current environment.
	Env    []string
	Logger *slog.Logger
}

// StdioTransport talks to a runtime subprocess using newline-delimited
// JSON on its stdin and stdout. The subprocess starts on the first Send
// and is restarted on the next Send after it exits.
type StdioTransport struct {
	cfg    StdioConfig
	logger *slog.Logger

	mu    sync.Mutex // guards the fields below and serializes writes
	cmd   *exec.Cmd
	stdin io.WriteCloser
	mux   *demux
}

// NewStdioTransport creates a stdio transport.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{cfg: cfg, logger: logger}
}

// Send writes req to the subprocess and waits for the matching response.
// Requests may be in flight concurrently.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	t.mu.Lock()
	if err := t.startLocked(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	mux := t.mux
	ch, err := mux.wait(req.ID)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		mux.forget(req.ID)
		t.stopLocked()
		t.mu.Unlock()
		return nil, fmt.Errorf("write to runtime stdin: %w", err)
	}
	t.mu.Unlock()

	return mux.await(ctx, req.ID, ch)
}

func (t *StdioTransport) startLocked() error {
	if t.cmd != nil {
		return nil
	}

	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	cmd.Env = append(os.Environ(), t.cfg.Env...)
	cmd.Stderr = &lineLogger{logger: t.logger}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return fmt.Errorf("start tool runtime %s: %w", t.cfg.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.mux = newDemux()
	go t.readLoop(cmd, stdout, t.mux)

	t.logger.Info("tool runtime subprocess started",
		"command", t.cfg.Command,
		"pid", cmd.Process.Pid,
	)
	return nil
}

func (t *StdioTransport) readLoop(cmd *exec.Cmd, stdout io.Reader, mux *demux) {
	r := bufio.NewReaderSize(stdout, 1<<20)
	for {
		line, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var resp Response
			if jerr := json.Unmarshal(line, &resp); jerr != nil {
				t.logger.Debug("skipping non-JSON line from tool runtime", "line", string(line))
			} else if !mux.deliver(&resp) {
				t.logger.Debug("skipping unmatched tool runtime message", "id", resp.ID)
			}
		}
		if err != nil {
			mux.fail(fmt.Errorf("tool runtime stdout closed: %w", err))
			break
		}
	}

	t.mu.Lock()
	owned := t.cmd == cmd
	if owned {
		t.stdin.Close()
		t.cmd = nil
		t.stdin = nil
	}
	t.mu.Unlock()
	if owned {
		err := cmd.Wait()
		t.logger.Warn("tool runtime subprocess exited", "command", t.cfg.Command, "error", err)
	}
}

// Close terminates the subprocess.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopLocked()
}

// stopLocked closes stdin and waits briefly for the subprocess before
// killing it.
func (t *StdioTransport) stopLocked() error {
	if t.cmd == nil {
		return nil
	}
	cmd := t.cmd
	t.cmd = nil
	t.stdin.Close()
	t.stdin = nil
	t.mux.fail(errTransportClosed)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.logger.Warn("tool runtime did not exit, killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-done
		return nil
	}
}

// lineLogger logs subprocess stderr one line at a time.
type lineLogger struct {
	logger *slog.Logger
	buf    []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		l.logger.Debug("tool runtime stderr", "line", string(l.buf[:i]))
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}
