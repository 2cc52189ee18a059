package channel

import (
	"context"
	"time"
)

// Session is one live broker connection. A session never reconnects by itself;
// once it reports disconnected the Channel dials a fresh one.
type Session interface {
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
	Subscribe(topic string, qos byte, fn func(topic string, payload []byte)) error
	IsConnected() bool
	Close()
}

// Dialer opens a Session. onLost is invoked at most once, from the session's
// own goroutine, when an established connection drops.
type Dialer func(ctx context.Context, onLost func(err error)) (Session, error)

// Message is an inbound publish delivered to a Handler.
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Handler processes inbound messages. Errors and panics are logged and never
// reach the connection.
type Handler func(ctx context.Context, msg Message) error
