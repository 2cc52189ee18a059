package channel

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// DialOptions configures the paho-backed Dialer.
type DialOptions struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
}

// NewMQTTDialer returns a Dialer backed by paho. Paho's own reconnect logic is
// disabled; reconnection belongs to Channel.
func NewMQTTDialer(o DialOptions) Dialer {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 4 * time.Second
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = 30 * time.Second
	}
	clientID := strings.TrimSpace(o.ClientID)
	if clientID == "" {
		clientID = "pumpd-" + uuid.NewString()[:8]
	}

	return func(ctx context.Context, onLost func(err error)) (Session, error) {
		opts := mqtt.NewClientOptions()
		opts.AddBroker(o.Broker)
		opts.SetClientID(clientID)
		if o.Username != "" {
			opts.SetUsername(o.Username)
		}
		if o.Password != "" {
			opts.SetPassword(o.Password)
		}
		opts.SetAutoReconnect(false)
		opts.SetConnectRetry(false)
		opts.SetCleanSession(true)
		opts.SetOrderMatters(false)
		opts.SetConnectTimeout(o.ConnectTimeout)
		opts.SetKeepAlive(o.KeepAlive)
		opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			if onLost != nil {
				onLost(err)
			}
		})

		client := mqtt.NewClient(opts)
		tok := client.Connect()
		select {
		case <-tok.Done():
		case <-ctx.Done():
			client.Disconnect(0)
			return nil, ctx.Err()
		}
		if err := tok.Error(); err != nil {
			return nil, err
		}
		return &pahoSession{client: client, timeout: o.ConnectTimeout}, nil
	}
}

type pahoSession struct {
	client  mqtt.Client
	timeout time.Duration
}

func (s *pahoSession) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	tok := s.client.Publish(topic, qos, false, payload)
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *pahoSession) Subscribe(topic string, qos byte, fn func(topic string, payload []byte)) error {
	tok := s.client.Subscribe(topic, qos, func(_ mqtt.Client, m mqtt.Message) {
		fn(m.Topic(), m.Payload())
	})
	if !tok.WaitTimeout(s.timeout) {
		return fmt.Errorf("subscribe %s: timed out after %s", topic, s.timeout)
	}
	return tok.Error()
}

func (s *pahoSession) IsConnected() bool { return s.client.IsConnectionOpen() }

func (s *pahoSession) Close() { s.client.Disconnect(250) }
