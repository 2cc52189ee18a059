// Package telemetry forwards inbound device traffic (command acks, status
// and sensor messages) to Redis streams for downstream consumers.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"pumpd/internal/channel"
	logx "pumpd/pkg/logx"
)

const (
	DefaultAckStream       = "smartplant:acks"
	DefaultTelemetryStream = "smartplant:telemetry"
	DefaultMaxLen          = 10000
)

type Options struct {
	Addr            string
	Password        string
	DB              int
	AckStream       string
	TelemetryStream string
	MaxLen          int64
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.AckStream) == "" {
		o.AckStream = DefaultAckStream
	}
	if strings.TrimSpace(o.TelemetryStream) == "" {
		o.TelemetryStream = DefaultTelemetryStream
	}
	if o.MaxLen <= 0 {
		o.MaxLen = DefaultMaxLen
	}
	return o
}

// RedisSink appends every ack and telemetry message to a capped stream.
type RedisSink struct {
	client *redis.Client
	opts   Options
	log    logx.Logger
}

var _ channel.Sink = (*RedisSink)(nil)

// Open connects and verifies the server answers PING.
func Open(ctx context.Context, o Options, log logx.Logger) (*RedisSink, error) {
	s, err := Connect(o, log)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Ping(pctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("telemetry: ping %s: %w", o.Addr, err)
	}
	return s, nil
}

// Connect builds a sink without contacting the server; the client dials lazily.
func Connect(o Options, log logx.Logger) (*RedisSink, error) {
	if strings.TrimSpace(o.Addr) == "" {
		return nil, fmt.Errorf("telemetry: redis addr is empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     o.Addr,
		Password: o.Password,
		DB:       o.DB,
	})
	return NewRedisSink(client, o, log), nil
}

// NewRedisSink wraps an existing client.
func NewRedisSink(client *redis.Client, o Options, log logx.Logger) *RedisSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &RedisSink{client: client, opts: o.withDefaults(), log: log.With(logx.String("comp", "telemetry"))}
}

func (s *RedisSink) Ack(ctx context.Context, a channel.Ack) error {
	return s.add(ctx, s.opts.AckStream, map[string]any{
		"commandId":  a.CommandID,
		"deviceKey":  a.DeviceKey,
		"command":    a.Command,
		"status":     a.Status,
		"message":    a.Message,
		"receivedAt": a.ReceivedAt.UTC().Format(time.RFC3339Nano),
	})
}

func (s *RedisSink) Telemetry(ctx context.Context, deviceKey, topic string, payload []byte) error {
	kind := topic
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		kind = topic[i+1:]
	}
	data := string(payload)
	if !json.Valid(payload) {
		b, _ := json.Marshal(data)
		data = string(b)
	}
	return s.add(ctx, s.opts.TelemetryStream, map[string]any{
		"deviceKey":  deviceKey,
		"kind":       kind,
		"topic":      topic,
		"data":       data,
		"receivedAt": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *RedisSink) add(ctx context.Context, stream string, values map[string]any) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: s.opts.MaxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("telemetry: xadd %s: %w", stream, err)
	}
	return nil
}

// Ping lets the health monitor probe the sink's server.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

// Nop drops everything. It is used when Redis is disabled.
type Nop struct{}

func (Nop) Ack(context.Context, channel.Ack) error { return nil }

func (Nop) Telemetry(context.Context, string, string, []byte) error { return nil }
