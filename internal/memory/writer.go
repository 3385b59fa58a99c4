package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nugget/thane-core/internal/events"
)

// DefaultWriteQueueSize bounds each agent's pending writes.
const DefaultWriteQueueSize = 64

// Appender persists a single record. [*Store] satisfies it.
type Appender interface {
	Append(ctx context.Context, rec *Record) error
}

// Writer performs memory writes off the caller's path. Each agent has
// its own bounded queue drained by one goroutine, so writes for one
// agent land in the order they were enqueued while agents proceed
// independently.
type Writer struct {
	store     Appender
	logger    *slog.Logger
	bus       *events.Bus
	queueSize int

	mu     sync.RWMutex
	queues map[string]chan writeOp
	closed bool
	wg     sync.WaitGroup
}

type writeOp struct {
	rec  *Record
	done chan struct{} // set for flush barriers
}

// NewWriter creates a writer. queueSize <= 0 selects
// [DefaultWriteQueueSize].
func NewWriter(store Appender, queueSize int, logger *slog.Logger, bus *events.Bus) *Writer {
	if queueSize <= 0 {
		queueSize = DefaultWriteQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		store:     store,
		logger:    logger,
		bus:       bus,
		queueSize: queueSize,
		queues:    make(map[string]chan writeOp),
	}
}

// queue returns the agent's queue, starting its drain goroutine on
// first use. Caller must not hold w.mu.
func (w *Writer) queue(agentID string) chan writeOp {
	w.mu.RLock()
	q, ok := w.queues[agentID]
	w.mu.RUnlock()
	if ok {
		return q
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if q, ok := w.queues[agentID]; ok {
		return q
	}
	if w.closed {
		return nil
	}
	q = make(chan writeOp, w.queueSize)
	w.queues[agentID] = q
	w.wg.Add(1)
	go w.drain(agentID, q)
	return q
}

func (w *Writer) drain(agentID string, q chan writeOp) {
	defer w.wg.Done()
	for op := range q {
		if op.done != nil {
			close(op.done)
			continue
		}
		// Writes outlive the request that produced them.
		if err := w.store.Append(context.Background(), op.rec); err != nil {
			w.logger.Warn("async memory write failed",
				"agent_id", agentID,
				"category", op.rec.Category,
				"error", err,
			)
		}
	}
}

// Enqueue schedules rec for writing and returns immediately. When the
// agent's queue is full, or the writer is closed, the record is dropped
// with a warning and Enqueue returns false.
func (w *Writer) Enqueue(rec *Record) bool {
	q := w.queue(rec.AgentID)

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed || q == nil {
		w.drop(rec, "writer closed")
		return false
	}
	select {
	case q <- writeOp{rec: rec}:
		return true
	default:
		w.drop(rec, "queue full")
		return false
	}
}

func (w *Writer) drop(rec *Record, reason string) {
	w.logger.Warn("memory write dropped",
		"agent_id", rec.AgentID,
		"session_id", rec.SessionID,
		"category", rec.Category,
		"reason", reason,
	)
	w.bus.Emit(events.SourceMemory, events.KindMemoryDropped, map[string]any{
		"agent_id": rec.AgentID,
		"reason":   reason,
	})
}

// Flush blocks until every record enqueued before the call has been
// written, or ctx ends.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return nil
	}
	barriers := make([]chan struct{}, 0, len(w.queues))
	for _, q := range w.queues {
		done := make(chan struct{})
		select {
		case q <- writeOp{done: done}:
			barriers = append(barriers, done)
		case <-ctx.Done():
			w.mu.RUnlock()
			return ctx.Err()
		}
	}
	w.mu.RUnlock()

	for _, done := range barriers {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops accepting records and waits for queued ones to be
// written.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, q := range w.queues {
		close(q)
	}
	w.mu.Unlock()

	w.wg.Wait()
	return nil
}
