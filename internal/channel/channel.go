package channel

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"pumpd/internal/eventbus"
	"pumpd/internal/metrics"
	logx "pumpd/pkg/logx"
)

// Options tunes a Channel. Zero values take the documented defaults.
type Options struct {
	QoS            byte
	PublishTimeout time.Duration // default 5s

	ReconnectBase     time.Duration // default 1s
	ReconnectMax      time.Duration // default 30s
	ReconnectAttempts int           // per Connect/Reconnect call, default 10

	CommandTopic string        // default "smartplant/device/{device}/command"
	AckTimeout   time.Duration // default 20s
}

func (o Options) withDefaults() Options {
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
	if o.ReconnectMax < o.ReconnectBase {
		o.ReconnectMax = o.ReconnectBase
	}
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = 10
	}
	if o.CommandTopic == "" {
		o.CommandTopic = DefaultCommandTopic
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 20 * time.Second
	}
	return o
}

// Status is a point-in-time view of the channel.
type Status struct {
	Connected     bool  `json:"connected"`
	Reconnecting  bool  `json:"reconnecting"`
	Dials         int64 `json:"dials"`
	Subscriptions int   `json:"subscriptions"`
	PendingAcks   int   `json:"pending_acks"`
}

type route struct {
	pattern string
	h       Handler
}

// Channel is the pub/sub command channel to the device fleet.
//
// At most one dial loop runs at a time; concurrent Connect/Reconnect calls
// join the running loop. Subscriptions survive reconnects.
type Channel struct {
	opts Options
	dial Dialer
	log  logx.Logger
	bus  eventbus.Bus

	life   context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	sess   Session
	gen    uint64
	routes []route
	closed bool

	flight       singleflight.Group
	reconnecting atomic.Bool
	dials        atomic.Int64

	acks     *ackTracker
	sink     Sink
	throttle *logx.Throttle

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New builds a disconnected Channel. bus may be nil.
func New(dial Dialer, opts Options, log logx.Logger, bus eventbus.Bus) *Channel {
	if log.IsZero() {
		log = logx.Nop()
	}
	life, cancel := context.WithCancel(context.Background())
	return &Channel{
		opts:     opts.withDefaults(),
		dial:     dial,
		log:      log.With(logx.String("comp", "channel")),
		bus:      bus,
		life:     life,
		cancel:   cancel,
		acks:     newAckTracker(),
		throttle: logx.NewThrottle(time.Minute, 3),
		sleep:    sleepCtx,
		now:      time.Now,
	}
}

// Connect establishes the broker session, retrying with exponential backoff.
// It returns nil immediately when already connected.
func (c *Channel) Connect(ctx context.Context) error {
	if c.IsConnected() {
		return nil
	}
	return c.join(ctx, "connect")
}

// Reconnect is Connect for an established channel whose session dropped.
// Calls made while a dial loop is running share its outcome instead of
// starting another one.
func (c *Channel) Reconnect(ctx context.Context) error {
	if c.IsConnected() {
		return nil
	}
	return c.join(ctx, "reconnect")
}

func (c *Channel) join(ctx context.Context, reason string) error {
	res := c.flight.DoChan("dial", func() (any, error) {
		return nil, c.dialLoop(reason)
	})
	select {
	case r := <-res:
		if r.Shared {
			c.log.Debug("mqtt dial coalesced", logx.String("reason", reason))
		}
		return r.Err
	case <-ctx.Done():
		if c.reconnecting.Load() {
			return fmt.Errorf("%w: %v", ErrReconnectInProgress, ctx.Err())
		}
		return ctx.Err()
	}
}

func (c *Channel) dialLoop(reason string) error {
	c.reconnecting.Store(true)
	defer c.reconnecting.Store(false)

	c.dropSession()

	delay := c.opts.ReconnectBase
	var lastErr error
	for attempt := 1; attempt <= c.opts.ReconnectAttempts; attempt++ {
		if c.life.Err() != nil {
			return ErrClosed
		}
		gen := c.nextGen()
		c.dials.Add(1)
		sess, err := c.dial(c.life, func(err error) { c.lost(gen, err) })
		if err == nil {
			metrics.ChannelDials.WithLabelValues("ok").Inc()
			return c.install(gen, sess, reason, attempt)
		}
		metrics.ChannelDials.WithLabelValues("error").Inc()
		lastErr = err
		c.log.Warn("mqtt connect failed",
			logx.String("reason", reason),
			logx.Int("attempt", attempt),
			logx.Int("max_attempts", c.opts.ReconnectAttempts),
			logx.Err(err),
		)
		if attempt == c.opts.ReconnectAttempts {
			break
		}
		wait := delay + time.Duration(rand.Int63n(int64(delay)/5+1))
		if err := c.sleep(c.life, wait); err != nil {
			return ErrClosed
		}
		delay *= 2
		if delay > c.opts.ReconnectMax {
			delay = c.opts.ReconnectMax
		}
	}
	return &TransportError{Op: reason, Err: fmt.Errorf("gave up after %d attempts: %w", c.opts.ReconnectAttempts, lastErr)}
}

func (c *Channel) nextGen() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	return c.gen
}

func (c *Channel) install(gen uint64, sess Session, reason string, attempt int) error {
	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		sess.Close()
		return ErrClosed
	}
	c.sess = sess
	routes := slices.Clone(c.routes)
	c.mu.Unlock()

	for _, r := range routes {
		if err := sess.Subscribe(r.pattern, c.opts.QoS, c.deliver(r)); err != nil {
			c.log.Warn("mqtt resubscribe failed", logx.String("topic", r.pattern), logx.Err(err))
		}
	}
	metrics.ChannelConnected.Set(1)
	c.log.Info("mqtt connected",
		logx.String("reason", reason),
		logx.Int("attempt", attempt),
		logx.Int("subscriptions", len(routes)),
	)
	c.emit(eventbus.ChannelConnected, eventbus.Connectivity{Connected: true, Reason: reason})
	return nil
}

// lost handles a dropped session. Callbacks from superseded sessions are ignored.
func (c *Channel) lost(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || c.sess == nil {
		c.mu.Unlock()
		return
	}
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()

	sess.Close()
	metrics.ChannelConnected.Set(0)
	reason := "connection lost"
	if err != nil {
		reason = err.Error()
	}
	c.log.Warn("mqtt connection lost", logx.Err(err))
	c.emit(eventbus.ChannelDisconnected, eventbus.Connectivity{Connected: false, Reason: reason})
}

func (c *Channel) dropSession() {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.gen++
	c.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}

func (c *Channel) session() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess
}

// IsConnected reports whether a live broker session exists.
func (c *Channel) IsConnected() bool {
	s := c.session()
	return s != nil && s.IsConnected()
}

// Publish sends payload to topic. It fails fast with a TransportError wrapping
// ErrNotConnected when there is no live session; nothing is queued.
func (c *Channel) Publish(ctx context.Context, topic string, payload []byte) error {
	sess := c.session()
	if sess == nil || !sess.IsConnected() {
		metrics.ChannelPublishes.WithLabelValues("not_connected").Inc()
		return &TransportError{Op: "publish", Topic: topic, Err: ErrNotConnected}
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.PublishTimeout)
	defer cancel()
	if err := sess.Publish(ctx, topic, c.opts.QoS, payload); err != nil {
		metrics.ChannelPublishes.WithLabelValues("error").Inc()
		return &TransportError{Op: "publish", Topic: topic, Err: err}
	}
	metrics.ChannelPublishes.WithLabelValues("ok").Inc()
	return nil
}

// Subscribe registers h for topicPattern. The subscription is (re)applied on
// every successful connect; when connected it is applied immediately.
func (c *Channel) Subscribe(topicPattern string, h Handler) error {
	if h == nil {
		return fmt.Errorf("subscribe %s: nil handler", topicPattern)
	}
	r := route{pattern: topicPattern, h: h}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.routes = append(c.routes, r)
	sess := c.sess
	c.mu.Unlock()

	if sess == nil || !sess.IsConnected() {
		return nil
	}
	if err := sess.Subscribe(topicPattern, c.opts.QoS, c.deliver(r)); err != nil {
		return &TransportError{Op: "subscribe", Topic: topicPattern, Err: err}
	}
	return nil
}

func (c *Channel) deliver(r route) func(topic string, payload []byte) {
	return func(topic string, payload []byte) {
		c.runHandler(r, Message{
			Topic:      topic,
			Payload:    append([]byte(nil), payload...),
			ReceivedAt: c.now(),
		})
	}
}

func (c *Channel) runHandler(r route, msg Message) {
	defer func() {
		if v := recover(); v != nil {
			metrics.HandlerFailures.WithLabelValues("panic").Inc()
			c.log.Error("mqtt handler panic",
				logx.String("pattern", r.pattern),
				logx.String("topic", msg.Topic),
				logx.Any("panic", v),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	if err := r.h(c.life, msg); err != nil {
		metrics.HandlerFailures.WithLabelValues("error").Inc()
		c.throttle.Warn(c.log, "handler:"+r.pattern, "mqtt handler failed",
			logx.String("pattern", r.pattern),
			logx.String("topic", msg.Topic),
			logx.Err(err),
		)
	}
}

// Status returns a snapshot for operators.
func (c *Channel) Status() Status {
	c.mu.RLock()
	subs := len(c.routes)
	c.mu.RUnlock()
	return Status{
		Connected:     c.IsConnected(),
		Reconnecting:  c.reconnecting.Load(),
		Dials:         c.dials.Load(),
		Subscriptions: subs,
		PendingAcks:   c.acks.size(),
	}
}

// Close disconnects and stops any running dial loop. Pending SendCommand
// callers resolve with AckUnknown.
func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sess := c.sess
	c.sess = nil
	c.gen++
	c.mu.Unlock()

	c.cancel()
	if sess != nil {
		sess.Close()
	}
	c.acks.closeAll(c.now())
	metrics.ChannelConnected.Set(0)
	c.emit(eventbus.ChannelDisconnected, eventbus.Connectivity{Connected: false, Reason: "closed"})
	return nil
}

func (c *Channel) emit(typ string, data any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Time: c.now(), Data: data})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
