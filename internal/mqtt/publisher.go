package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/thane-core/internal/config"
	"github.com/nugget/thane-core/internal/events"
)

// busBuffer is the subscription buffer on the event bus. Events beyond
// it are dropped by the bus rather than stalling the agent.
const busBuffer = 256

// sink publishes one MQTT message. *autopaho.ConnectionManager
// satisfies it.
type sink interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher forwards bus events to the broker.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	bus        *events.Bus
	limiter    *rateLimiter
	logger     *slog.Logger

	mu sync.Mutex
	cm *autopaho.ConnectionManager

	published atomic.Int64
	failed    atomic.Int64
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to connect and begin forwarding.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, logger *slog.Logger) *Publisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "thane-core"
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 50
	}
	logger = logger.With("component", "mqtt")
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		bus:        bus,
		limiter:    newRateLimiter(int64(cfg.RateLimit), time.Second, logger),
		logger:     logger,
	}
}

// Start connects to the broker and forwards events until ctx is
// cancelled. A broker that is down at startup is retried in the
// background; events published meanwhile are dropped.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID(),
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, retrying in background", "error", err)
	}

	go p.limiter.run(ctx)

	ch := p.bus.Subscribe(busBuffer)
	defer p.bus.Unsubscribe(ch)
	p.forward(ctx, cm, ch)
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	p.logger.Info("mqtt publisher stopped",
		"published", p.published.Load(),
		"failed", p.failed.Load(),
	)
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx ends.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return errors.New("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

// forward drains ch into s until ctx is cancelled or ch closes.
func (p *Publisher) forward(ctx context.Context, s sink, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			p.publishEvent(ctx, s, ev)
		}
	}
}

func (p *Publisher) publishEvent(ctx context.Context, s sink, ev events.Event) {
	if !p.limiter.allow() {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("mqtt marshal event", "source", ev.Source, "kind", ev.Kind, "error", err)
		return
	}
	topic := p.EventTopic(ev)
	if _, err := s.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		p.failed.Add(1)
		p.logger.Debug("mqtt event publish failed", "topic", topic, "error", err)
		return
	}
	p.published.Add(1)
}

func (p *Publisher) publishAvailability(ctx context.Context, s sink, status string) {
	if _, err := s.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Debug("mqtt availability published", "status", status)
}

// EventTopic returns the topic an event is published to.
func (p *Publisher) EventTopic(ev events.Event) string {
	return p.baseTopic() + "/events/" + topicSegment(ev.Source) + "/" + topicSegment(ev.Kind)
}

func (p *Publisher) baseTopic() string {
	return strings.TrimSuffix(p.cfg.TopicPrefix, "/")
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

// clientID appends a short instance suffix so several installations
// sharing a broker and config do not kick each other off.
func (p *Publisher) clientID() string {
	id := p.cfg.ClientID
	if p.instanceID == "" {
		return id
	}
	suffix := strings.ReplaceAll(p.instanceID, "-", "")
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}
	return id + "-" + suffix
}

// topicSegment keeps wildcard and separator characters out of a topic
// level.
func topicSegment(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#':
			return '_'
		}
		return r
	}, s)
}
