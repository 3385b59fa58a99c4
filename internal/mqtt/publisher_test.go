package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/nugget/thane-core/internal/config"
	"github.com/nugget/thane-core/internal/events"
)

type fakeSink struct {
	mu   sync.Mutex
	msgs []*paho.Publish
	err  error
}

func (f *fakeSink) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, p)
	return &paho.PublishResponse{}, nil
}

func (f *fakeSink) published() []*paho.Publish {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*paho.Publish(nil), f.msgs...)
}

func testPublisher(cfg config.MQTTConfig) *Publisher {
	return New(cfg, "0190a1b2-c3d4-7e5f-8a9b-0c1d2e3f4a5b", events.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	parsed, err := uuid.Parse(first)
	if err != nil || parsed.Version() != 7 {
		t.Errorf("id %q is not a UUIDv7 (err %v)", first, err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != first {
		t.Errorf("file content = %q, want %q", data, first)
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil || second != first {
		t.Errorf("second call = %q, %v; want stable %q", second, err, first)
	}
}

func TestPublisher_Topics(t *testing.T) {
	p := testPublisher(config.MQTTConfig{TopicPrefix: "lab/thane/", ClientID: "thane-core"})

	tests := []struct {
		ev   events.Event
		want string
	}{
		{events.Event{Source: events.SourceAgent, Kind: events.KindToolCall}, "lab/thane/events/agent/tool_call"},
		{events.Event{Source: events.SourceConsolidation, Kind: events.KindConsolidationComplete}, "lab/thane/events/consolidation/complete"},
		{events.Event{Source: "a/b", Kind: "x+#"}, "lab/thane/events/a_b/x__"},
		{events.Event{}, "lab/thane/events/unknown/unknown"},
	}
	for _, tt := range tests {
		if got := p.EventTopic(tt.ev); got != tt.want {
			t.Errorf("EventTopic(%s/%s) = %q, want %q", tt.ev.Source, tt.ev.Kind, got, tt.want)
		}
	}
	if got := p.availabilityTopic(); got != "lab/thane/availability" {
		t.Errorf("availabilityTopic = %q", got)
	}
	if got := p.clientID(); got != "thane-core-2e3f4a5b" {
		t.Errorf("clientID = %q", got)
	}
}

func TestPublisher_Defaults(t *testing.T) {
	p := New(config.MQTTConfig{}, "", nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if p.baseTopic() != "thane-core" || p.limiter.limit != 50 {
		t.Errorf("defaults = %q / %d", p.baseTopic(), p.limiter.limit)
	}
}

func TestPublisher_ForwardsBusEvents(t *testing.T) {
	p := testPublisher(config.MQTTConfig{TopicPrefix: "thane-core", RateLimit: 100})
	s := &fakeSink{}

	ctx, cancel := context.WithCancel(context.Background())
	ch := p.bus.Subscribe(16)
	done := make(chan struct{})
	go func() {
		p.forward(ctx, s, ch)
		close(done)
	}()

	p.bus.Emit(events.SourceAgent, events.KindRequestStart, map[string]any{"run_id": "r1"})
	p.bus.Emit(events.SourceMemory, events.KindMemoryWrite, map[string]any{"agent_id": "a1"})

	deadline := time.Now().Add(time.Second)
	for len(s.published()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	msgs := s.published()
	if len(msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(msgs))
	}
	if msgs[0].Topic != "thane-core/events/agent/request_start" || msgs[0].Retain {
		t.Errorf("first message = %s retain=%v", msgs[0].Topic, msgs[0].Retain)
	}
	var ev events.Event
	if err := json.Unmarshal(msgs[1].Payload, &ev); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if ev.Source != events.SourceMemory || ev.Kind != events.KindMemoryWrite || ev.Data["agent_id"] != "a1" {
		t.Errorf("decoded event = %+v", ev)
	}
	if p.published.Load() != 2 {
		t.Errorf("published counter = %d", p.published.Load())
	}
}

func TestPublisher_RateLimitAndFailures(t *testing.T) {
	p := testPublisher(config.MQTTConfig{RateLimit: 3})
	s := &fakeSink{}
	for range 5 {
		p.publishEvent(context.Background(), s, events.Event{Source: "agent", Kind: "llm_call"})
	}
	if n := len(s.published()); n != 3 {
		t.Errorf("published %d, want 3 within the limit", n)
	}
	if p.limiter.dropped.Load() != 2 {
		t.Errorf("dropped = %d, want 2", p.limiter.dropped.Load())
	}

	p.limiter.reset()
	s.err = errors.New("not connected")
	p.publishEvent(context.Background(), s, events.Event{Source: "agent", Kind: "llm_call"})
	if p.failed.Load() != 1 {
		t.Errorf("failed = %d, want 1", p.failed.Load())
	}
}

func TestPublisher_Availability(t *testing.T) {
	p := testPublisher(config.MQTTConfig{TopicPrefix: "t"})
	s := &fakeSink{}
	p.publishAvailability(context.Background(), s, "online")

	msgs := s.published()
	if len(msgs) != 1 || msgs[0].Topic != "t/availability" || string(msgs[0].Payload) != "online" ||
		!msgs[0].Retain || msgs[0].QoS != 1 {
		t.Errorf("availability = %+v", msgs)
	}
}

func TestPublisher_NotStarted(t *testing.T) {
	p := testPublisher(config.MQTTConfig{})
	if err := p.AwaitConnection(context.Background()); err == nil {
		t.Error("AwaitConnection before Start should fail")
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start = %v", err)
	}
}

func TestRateLimiter_Concurrent(t *testing.T) {
	rl := newRateLimiter(1000, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				rl.allow()
			}
		}()
	}
	wg.Wait()
	if rl.count.Load() != 2000 || rl.dropped.Load() != 1000 {
		t.Errorf("count=%d dropped=%d", rl.count.Load(), rl.dropped.Load())
	}
	rl.reset()
	if rl.count.Load() != 0 || !rl.allow() {
		t.Error("reset should open a new window")
	}
}
