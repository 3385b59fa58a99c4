// Package events is the in-process publish/subscribe bus that carries
// operational telemetry from the reasoning loop, the memory writer, and
// the consolidation engine to subscribers such as the MQTT publisher.
// A nil *Bus is valid and drops everything, so components publish
// without guard checks.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceAgent         = "agent"
	SourceMemory        = "memory"
	SourceConsolidation = "consolidation"
	SourceHealth        = "health"
)

// Kinds. The comment on each lists the Data keys it carries.
const (
	// KindRequestStart: run_id, agent_id, session_id, mode, path.
	KindRequestStart = "request_start"
	// KindStateChange: run_id, from, to, iter.
	KindStateChange = "state_change"
	// KindLLMCall: run_id, iter, model.
	KindLLMCall = "llm_call"
	// KindToolCall: run_id, tool, iter.
	KindToolCall = "tool_call"
	// KindToolDone: run_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindRequestComplete: run_id, iterations, tools, partial, elapsed_ms.
	KindRequestComplete = "request_complete"

	// KindMemoryWrite: agent_id, session_id, category, importance.
	KindMemoryWrite = "memory_write"
	// KindMemoryDropped: agent_id, reason.
	KindMemoryDropped = "memory_dropped"

	// KindConsolidationStart: agent_id, strategy.
	KindConsolidationStart = "start"
	// KindConsolidationComplete: agent_id, strategy, stm_processed,
	// ltm_created, stm_archived, ltm_updated, duration_ms.
	KindConsolidationComplete = "complete"
	// KindConsolidationConflict: agent_id, strategy.
	KindConsolidationConflict = "conflict"

	// KindServiceReady: service, attempts.
	KindServiceReady = "service_ready"
	// KindServiceDown: service, error.
	KindServiceDown = "service_down"
)

// Event is a single operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Slow subscribers miss events
// rather than stall publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recv maps the receive-only view handed to subscribers back to
	// the owned channel.
	recv map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[chan Event]struct{}),
		recv: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers e to every subscriber with buffer room. No-op on a
// nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit stamps the current time and publishes.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel of published events with the given buffer.
// Callers must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recv[ch] = ch
	return ch
}

// Unsubscribe removes the subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	owned, ok := b.recv[ch]
	if !ok {
		return
	}
	delete(b.subs, owned)
	delete(b.recv, ch)
	close(owned)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
