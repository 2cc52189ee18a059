package health

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"pumpd/internal/eventbus"
	"pumpd/internal/metrics"
	logx "pumpd/pkg/logx"
)

// Dependency is one probed integration. Recover is nil for dependencies
// this process cannot repair; their failures are only logged.
type Dependency struct {
	Name    string
	Probe   func(ctx context.Context) error
	Recover func(ctx context.Context) error
}

type Options struct {
	Interval         time.Duration // default 60s
	ProbeTimeout     time.Duration // default 5s
	RecoveryInterval time.Duration // minimum spacing of recoveries per dependency, default Interval
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 60 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	if o.RecoveryInterval <= 0 {
		o.RecoveryInterval = o.Interval
	}
	return o
}

type recoverer struct {
	limiter  *rate.Limiter
	inFlight atomic.Bool
}

// Monitor probes dependencies on a fixed interval and keeps the latest
// Status. GetStatus never blocks on a running cycle.
type Monitor struct {
	optsMu sync.RWMutex
	opts   Options
	reconf chan struct{}

	log  logx.Logger
	bus  eventbus.Bus
	deps []Dependency

	status     atomic.Pointer[Status]
	recoverers map[string]*recoverer
	cycleMu    sync.Mutex
	cycles     atomic.Uint64

	life       context.Context
	cancel     context.CancelFunc
	recovering sync.WaitGroup
	throttle   *logx.Throttle
}

// New builds a monitor. Until the first cycle completes every dependency
// reports unhealthy.
func New(opts Options, log logx.Logger, bus eventbus.Bus, deps ...Dependency) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	opts = opts.withDefaults()
	life, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		opts:       opts,
		reconf:     make(chan struct{}, 1),
		log:        log.With(logx.String("comp", "health")),
		bus:        bus,
		deps:       deps,
		recoverers: make(map[string]*recoverer, len(deps)),
		life:       life,
		cancel:     cancel,
		throttle:   logx.NewThrottle(10*time.Minute, 1),
	}
	initial := Status{Dependencies: make(map[string]Result, len(deps))}
	for _, d := range deps {
		initial.Dependencies[d.Name] = Result{}
		m.recoverers[d.Name] = &recoverer{limiter: rate.NewLimiter(rate.Every(opts.RecoveryInterval), 1)}
	}
	m.status.Store(&initial)
	return m
}

// Apply swaps the cycle interval, probe timeout and recovery rate of a
// running monitor.
func (m *Monitor) Apply(opts Options) {
	opts = opts.withDefaults()
	m.optsMu.Lock()
	m.opts = opts
	m.optsMu.Unlock()
	for _, rec := range m.recoverers {
		rec.limiter.SetLimit(rate.Every(opts.RecoveryInterval))
	}
	select {
	case m.reconf <- struct{}{}:
	default:
	}
}

func (m *Monitor) options() Options {
	m.optsMu.RLock()
	defer m.optsMu.RUnlock()
	return m.opts
}

// GetStatus returns the latest snapshot.
func (m *Monitor) GetStatus() Status {
	return m.status.Load().clone()
}

// Cycles returns the number of completed check cycles.
func (m *Monitor) Cycles() uint64 { return m.cycles.Load() }

// Run checks immediately, then every Interval, and early whenever the
// command channel reports a disconnect. It returns when ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	var kicks <-chan eventbus.Event
	if m.bus != nil {
		ch, unsub := m.bus.Subscribe(1, eventbus.ChannelDisconnected)
		defer unsub()
		kicks = ch
	}

	opts := m.options()
	m.log.Info("health monitor started",
		logx.Duration("interval", opts.Interval),
		logx.Duration("probe_timeout", opts.ProbeTimeout),
		logx.Int("dependencies", len(m.deps)),
	)
	m.Check(ctx)

	t := time.NewTicker(opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.Check(ctx)
		case <-kicks:
			m.log.Debug("early health cycle on channel disconnect")
			m.Check(ctx)
			t.Reset(m.options().Interval)
		case <-m.reconf:
			opts = m.options()
			t.Reset(opts.Interval)
			m.log.Info("health monitor reconfigured",
				logx.Duration("interval", opts.Interval),
				logx.Duration("recovery_interval", opts.RecoveryInterval),
			)
		}
	}
}

// Check runs one cycle: all probes concurrently, each bounded by the probe
// timeout, then at most one recovery per unhealthy dependency.
func (m *Monitor) Check(ctx context.Context) Status {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	start := time.Now()
	results := make([]Result, len(m.deps))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(len(m.deps), 1))
	for i, d := range m.deps {
		g.Go(func() error {
			results[i] = m.probe(gctx, d)
			return nil
		})
	}
	_ = g.Wait()

	prev := m.status.Load()
	next := Status{
		Dependencies:  make(map[string]Result, len(m.deps)),
		LastCheckedAt: time.Now(),
		Latency:       time.Since(start),
	}
	for i, d := range m.deps {
		r := results[i]
		next.Dependencies[d.Name] = r
		metrics.ProbeLatency.WithLabelValues(d.Name).Observe(r.Latency.Seconds())
		metrics.DependencyUp.WithLabelValues(d.Name).Set(metrics.Bool(r.Healthy))
		if old, ok := prev.Dependencies[d.Name]; ok && !old.CheckedAt.IsZero() && old.Healthy != r.Healthy {
			m.changed(d.Name, r)
		}
	}
	m.status.Store(&next)
	m.cycles.Add(1)
	m.emit(eventbus.HealthCycle, next.clone())

	for i, d := range m.deps {
		if !results[i].Healthy {
			m.tryRecover(d, results[i])
		}
	}
	return next.clone()
}

func (m *Monitor) probe(ctx context.Context, d Dependency) Result {
	timeout := m.options().ProbeTimeout
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				m.log.Error("health probe panic", logx.String("dependency", d.Name), logx.Any("panic", v), logx.Stack(string(debug.Stack())))
				done <- fmt.Errorf("probe panic: %v", v)
			}
		}()
		done <- d.Probe(pctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-pctx.Done():
		if ctx.Err() != nil {
			err = ctx.Err()
		} else {
			err = &ProbeTimeoutError{Dependency: d.Name, Timeout: timeout}
		}
	}
	r := Result{Healthy: err == nil, Latency: time.Since(start), CheckedAt: time.Now()}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

func (m *Monitor) tryRecover(d Dependency, r Result) {
	if d.Recover == nil {
		m.throttle.Warn(m.log, "unhealthy:"+d.Name, "dependency unhealthy",
			logx.String("dependency", d.Name),
			logx.String("error", r.Error),
		)
		return
	}
	rec := m.recoverers[d.Name]
	if rec.inFlight.Load() {
		return
	}
	if !rec.limiter.Allow() {
		metrics.Recoveries.WithLabelValues(d.Name, "limited").Inc()
		m.log.Debug("recovery rate limited", logx.String("dependency", d.Name))
		return
	}
	if !rec.inFlight.CompareAndSwap(false, true) {
		return
	}

	m.log.Warn("dependency unhealthy; recovering", logx.String("dependency", d.Name), logx.String("error", r.Error))
	m.recovering.Add(1)
	go func() {
		defer m.recovering.Done()
		defer rec.inFlight.Store(false)

		ctx, cancel := context.WithTimeout(m.life, m.options().Interval)
		defer cancel()
		start := time.Now()
		if err := d.Recover(ctx); err != nil {
			metrics.Recoveries.WithLabelValues(d.Name, "error").Inc()
			m.log.Warn("recovery failed", logx.String("dependency", d.Name), logx.Duration("took", time.Since(start)), logx.Err(err))
			return
		}
		metrics.Recoveries.WithLabelValues(d.Name, "ok").Inc()
		m.log.Info("recovery finished", logx.String("dependency", d.Name), logx.Duration("took", time.Since(start)))
	}()
}

func (m *Monitor) changed(name string, r Result) {
	if r.Healthy {
		m.log.Info("dependency recovered", logx.String("dependency", name))
	} else {
		m.log.Warn("dependency became unhealthy", logx.String("dependency", name), logx.String("error", r.Error))
	}
	m.emit(eventbus.HealthChanged, eventbus.DependencyChange{Name: name, Healthy: r.Healthy, Error: r.Error})
}

func (m *Monitor) emit(typ string, data any) {
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

// Close cancels running recoveries and waits for them to return.
func (m *Monitor) Close(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.recovering.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
