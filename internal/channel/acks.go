package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"pumpd/internal/eventbus"
	logx "pumpd/pkg/logx"
)

const (
	AckSuccess = "success"
	AckError   = "error"
	// AckUnknown: no response within the ack timeout, or the channel closed
	// while the command was pending. The device may or may not have acted.
	AckUnknown = "unknown"
)

// Ack is a device response, correlated to a command by CommandID.
type Ack struct {
	CommandID  string    `json:"commandId,omitempty"`
	DeviceKey  string    `json:"deviceKey"`
	Command    string    `json:"command,omitempty"`
	Status     string    `json:"status"`
	Message    string    `json:"message,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Sink receives inbound device traffic for downstream consumers.
type Sink interface {
	Ack(ctx context.Context, ack Ack) error
	Telemetry(ctx context.Context, deviceKey, topic string, payload []byte) error
}

type pendingAck struct {
	ch    chan Ack
	timer *time.Timer
}

type ackTracker struct {
	mu      sync.Mutex
	pending map[string]*pendingAck
}

const ackTimeoutMessage = "device did not respond within timeout period"

func newAckTracker() *ackTracker {
	return &ackTracker{pending: map[string]*pendingAck{}}
}

func (t *ackTracker) track(id, deviceKey, command string, timeout time.Duration) <-chan Ack {
	p := &pendingAck{ch: make(chan Ack, 1)}
	t.mu.Lock()
	defer t.mu.Unlock()
	p.timer = time.AfterFunc(timeout, func() {
		t.resolve(Ack{
			CommandID:  id,
			DeviceKey:  deviceKey,
			Command:    command,
			Status:     AckUnknown,
			Message:    ackTimeoutMessage,
			ReceivedAt: time.Now(),
		})
	})
	t.pending[id] = p
	return p.ch
}

// resolve delivers ack to the pending command with the same id.
func (t *ackTracker) resolve(ack Ack) bool {
	t.mu.Lock()
	p, ok := t.pending[ack.CommandID]
	if ok {
		delete(t.pending, ack.CommandID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.ch <- ack
	return true
}

func (t *ackTracker) cancel(id string) {
	t.mu.Lock()
	p, ok := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()
	if ok && p.timer != nil {
		p.timer.Stop()
	}
}

func (t *ackTracker) closeAll(now time.Time) {
	t.mu.Lock()
	ids := make([]string, 0, len(t.pending))
	for id := range t.pending {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	for _, id := range ids {
		t.resolve(Ack{CommandID: id, Status: AckUnknown, Message: "channel closed", ReceivedAt: now})
	}
}

func (t *ackTracker) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

type ackWire struct {
	CommandID string `json:"commandId"`
	Command   string `json:"command"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// RouteInbound subscribes the ack and telemetry topics. Acks resolve pending
// SendCommand calls; both kinds are forwarded to sink when it is non-nil.
func (c *Channel) RouteInbound(ackTopics, telemetryTopics []string, sink Sink) error {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()

	for _, t := range ackTopics {
		if err := c.Subscribe(t, c.handleAck); err != nil {
			return err
		}
	}
	for _, t := range telemetryTopics {
		if err := c.Subscribe(t, c.handleTelemetry); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) currentSink() Sink {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sink
}

func (c *Channel) handleAck(ctx context.Context, msg Message) error {
	var w ackWire
	if err := json.Unmarshal(msg.Payload, &w); err != nil {
		return fmt.Errorf("decode ack: %w", err)
	}
	status := strings.ToLower(strings.TrimSpace(w.Status))
	if status == "" {
		status = AckUnknown
	}
	ack := Ack{
		CommandID:  w.CommandID,
		DeviceKey:  DeviceFromTopic(msg.Topic),
		Command:    w.Command,
		Status:     status,
		Message:    w.Message,
		ReceivedAt: msg.ReceivedAt,
	}

	matched := ack.CommandID != "" && c.acks.resolve(ack)
	c.log.Info("device response",
		logx.String("device", ack.DeviceKey),
		logx.String("command", ack.Command),
		logx.String("command_id", ack.CommandID),
		logx.String("status", ack.Status),
		logx.Bool("correlated", matched),
	)
	c.emit(eventbus.CommandAcked, ack)

	if sink := c.currentSink(); sink != nil {
		return sink.Ack(ctx, ack)
	}
	return nil
}

func (c *Channel) handleTelemetry(ctx context.Context, msg Message) error {
	sink := c.currentSink()
	if sink == nil {
		return nil
	}
	return sink.Telemetry(ctx, DeviceFromTopic(msg.Topic), msg.Topic, msg.Payload)
}

// DeviceFromTopic extracts the device key from "smartplant/device/<key>/..."
// or "smartplant/<key>/...". It returns "" for other shapes.
func DeviceFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 4 && parts[1] == "device" {
		return parts[2]
	}
	if len(parts) >= 3 {
		return parts[1]
	}
	return ""
}
