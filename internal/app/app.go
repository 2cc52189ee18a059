// Package app wires the command channel, trigger engine, health monitor,
// storage and ops API into one process and applies config hot-reloads.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"pumpd/internal/channel"
	"pumpd/internal/config"
	"pumpd/internal/eventbus"
	"pumpd/internal/health"
	"pumpd/internal/opsapi"
	rtsup "pumpd/internal/runtime/supervisor"
	"pumpd/internal/schedule"
	"pumpd/internal/storage"
	"pumpd/internal/telemetry"
	"pumpd/internal/trigger"
	logx "pumpd/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	root logx.Logger
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	redis   *telemetry.RedisSink
	ch      *channel.Channel
	engine  *trigger.Engine
	monitor *health.Monitor
	ops     *opsapi.Service
}

type Option func(*options)

type options struct {
	dialer channel.Dialer
	clock  clockwork.Clock
}

// WithDialer replaces the MQTT dialer (tests, alternative transports).
func WithDialer(d channel.Dialer) Option { return func(o *options) { o.dialer = d } }

// WithClock drives the trigger engine from c.
func WithClock(c clockwork.Clock) Option { return func(o *options) { o.clock = c } }

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string, opts ...Option) (_ *App, err error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	bus := eventbus.New()

	var cleanup []func() error
	defer func() {
		if err != nil {
			for i := len(cleanup) - 1; i >= 0; i-- {
				_ = cleanup[i]()
			}
			_ = logs.Close()
		}
	}()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	cleanup = append(cleanup, store.Close)
	log.Info("storage opened", logx.String("driver", sc.Driver))

	var sink channel.Sink = telemetry.Nop{}
	var rsink *telemetry.RedisSink
	if cfg.Redis.Enabled {
		to := mapTelemetryOptions(cfg)
		rsink, err = telemetry.Open(ctx, to, root)
		if err != nil {
			// Keep a lazy client so the monitor reports redis and the sink resumes once it is reachable.
			log.Warn("redis unreachable at startup", logx.String("addr", to.Addr), logx.Err(err))
			if rsink, err = telemetry.Connect(to, root); err != nil {
				return nil, err
			}
		}
		cleanup = append(cleanup, rsink.Close)
		sink = rsink
	}

	dialOpts, chOpts, err := mapChannelConfig(cfg)
	if err != nil {
		return nil, err
	}
	dial := o.dialer
	if dial == nil {
		dial = channel.NewMQTTDialer(dialOpts)
	}
	ch := channel.New(dial, chOpts, root, bus)
	ackTopics, telemetryTopics := inboundTopics(cfg)
	if err = ch.RouteInbound(ackTopics, telemetryTopics, sink); err != nil {
		return nil, fmt.Errorf("route inbound topics: %w", err)
	}

	topts := mapTriggerOptions(cfg)
	topts.Clock = o.clock
	engine, err := trigger.New(topts, store, ch, store, root, bus)
	if err != nil {
		return nil, err
	}

	hopts, err := mapHealthOptions(cfg)
	if err != nil {
		return nil, err
	}
	deps := []health.Dependency{health.ChannelDependency(ch)}
	if u := aiServiceURL(cfg); u != "" {
		deps = append(deps, health.HTTPDependency(health.AIService, health.NewHTTPClient(), u))
	}
	deps = append(deps, health.PingDependency(health.Database, store))
	if rsink != nil {
		deps = append(deps, health.PingDependency(health.Redis, rsink))
	}
	monitor := health.New(hopts, root, bus, deps...)

	ops := opsapi.New(mapOpsConfig(cfg), opsapi.Backend{
		Health:   monitor,
		Triggers: engine,
		Commands: ch,
		History:  store,
		Events:   bus,
	}, root)

	return &App{
		cfgm:    cfgm,
		root:    root,
		log:     log,
		logs:    logs,
		bus:     bus,
		store:   store,
		redis:   rsink,
		ch:      ch,
		engine:  engine,
		monitor: monitor,
		ops:     ops,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapChannelConfig(cfg); err != nil {
			return err
		}
		_, err := mapHealthOptions(cfg)
		return err
	})

	a.sup.GoRestart("schedules.load", func(c context.Context) error {
		rep, err := a.engine.ReloadAll(c)
		if err != nil {
			return err
		}
		a.log.Info("schedules loaded",
			logx.Int("registered", len(rep.Registered)),
			logx.Int("inactive", rep.Inactive),
			logx.Int("invalid", len(rep.Invalid)),
		)
		return nil
	}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	a.sup.Go0("channel.connect", func(c context.Context) {
		if err := a.ch.Connect(c); err != nil && c.Err() == nil {
			a.log.Warn("initial broker connect failed; health monitor will retry", logx.Err(err))
		}
	})

	a.sup.Go("health.monitor", a.monitor.Run)

	if a.ops.Enabled() {
		a.ops.Start(a.sup.Context())
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				next = latest(sub, next)
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

// latest drains queued reloads and keeps the newest one.
func latest(sub <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-sub:
			if !ok {
				return cur
			}
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

// applyConfig pushes the hot-reloadable sections (logging, health, ops) to
// running components and flags the rest as restart-required.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	a.logs.Apply(mapLogConfig(next))

	if hopts, err := mapHealthOptions(next); err != nil {
		a.log.Warn("invalid health config; keeping previous", logx.Err(err))
	} else {
		a.monitor.Apply(hopts)
	}
	a.ops.Reconfigure(ctx, mapOpsConfig(next))

	restart := config.RestartRequired(sections)
	if aiServiceURL(prev) != aiServiceURL(next) {
		restart = append(restart, "health.ai_service_url")
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

// Register arms (or replaces) the trigger for s.
func (a *App) Register(ctx context.Context, s schedule.Schedule) error {
	return a.engine.Register(ctx, s)
}

// Unregister stops the trigger for id. It reports whether one existed.
func (a *App) Unregister(id string) bool { return a.engine.Unregister(id) }

func (a *App) ReloadAll(ctx context.Context) (trigger.ReloadReport, error) {
	return a.engine.ReloadAll(ctx)
}

func (a *App) Sync(ctx context.Context, id string) error { return a.engine.Sync(ctx, id) }

func (a *App) GetStatus() health.Status { return a.monitor.GetStatus() }

func (a *App) Schedules() []trigger.TriggerInfo { return a.engine.Snapshot() }

// Ready reports whether the command channel is connected.
func (a *App) Ready() bool { return a.ch.IsConnected() }

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > max {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			// fn must honor stepCtx; report the leak and move on.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			errs = append(errs, fmt.Errorf("%s: %w", name, stepCtx.Err()))
		}
	}

	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("health", 2*time.Second, a.monitor.Close)
	step("triggers", 2*time.Second, a.engine.Stop)
	step("channel", 2*time.Second, a.ch.Close)
	if a.redis != nil {
		step("redis", time.Second, func(context.Context) error { return a.redis.Close() })
	}
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}
