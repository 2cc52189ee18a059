package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"pumpd/internal/channel"
	"pumpd/internal/eventbus"
	"pumpd/internal/metrics"
	"pumpd/internal/schedule"
	logx "pumpd/pkg/logx"
)

// Dispatcher delivers activation commands. *channel.Channel satisfies it.
type Dispatcher interface {
	PublishCommand(ctx context.Context, cmd channel.Command) error
	IsConnected() bool
}

type Options struct {
	// Timezone applies to schedules without one. Default "Asia/Ho_Chi_Minh".
	Timezone string
	// DefaultDurationSeconds is used when a schedule has none. Default 10.
	DefaultDurationSeconds int
	// MissWarnThreshold logs a warning after this many consecutive missed
	// activations of one schedule (0 disables).
	MissWarnThreshold int
	// Clock drives timers; tests inject a fake. Default real clock.
	Clock clockwork.Clock
}

type liveTrigger struct {
	sched schedule.Schedule
	spec  cron.Schedule
	gen   uint64
	timer clockwork.Timer
	next  time.Time

	lastFire   time.Time
	lastResult string
	misses     int
}

// Engine keeps exactly one armed timer per registered schedule and publishes
// a pump_on command when it fires.
//
// State per schedule: unregistered -> scheduled -> (firing -> scheduled)* -> unregistered.
type Engine struct {
	opts       Options
	log        logx.Logger
	bus        eventbus.Bus
	clock      clockwork.Clock
	repo       schedule.Repository
	history    schedule.ActivationLog
	dispatch   Dispatcher
	defaultLoc *time.Location

	mu      sync.Mutex
	live    map[string]*liveTrigger
	gen     uint64
	stopped bool

	life   context.Context
	cancel context.CancelFunc
	fires  sync.WaitGroup
}

// New builds an engine. history and bus may be nil.
func New(opts Options, repo schedule.Repository, dispatch Dispatcher, history schedule.ActivationLog, log logx.Logger, bus eventbus.Bus) (*Engine, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.DefaultDurationSeconds <= 0 {
		opts.DefaultDurationSeconds = 10
	}
	if strings.TrimSpace(opts.Timezone) == "" {
		opts.Timezone = "Asia/Ho_Chi_Minh"
	}
	loc, err := time.LoadLocation(opts.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler timezone %q: %w", opts.Timezone, err)
	}
	life, cancel := context.WithCancel(context.Background())
	return &Engine{
		opts:       opts,
		log:        log.With(logx.String("comp", "trigger")),
		bus:        bus,
		clock:      opts.Clock,
		repo:       repo,
		history:    history,
		dispatch:   dispatch,
		defaultLoc: loc,
		live:       map[string]*liveTrigger{},
		life:       life,
		cancel:     cancel,
	}, nil
}

// compile validates s and returns an unarmed trigger with defaults applied.
func (e *Engine) compile(s schedule.Schedule) (*liveTrigger, error) {
	s.ID = strings.TrimSpace(s.ID)
	if s.ID == "" {
		return nil, &ValidationError{Field: "id", Err: errors.New("id required")}
	}
	if strings.TrimSpace(s.DeviceKey) == "" {
		return nil, &ValidationError{ScheduleID: s.ID, Field: "device_key", Err: errors.New("device key required")}
	}
	if s.DurationSeconds == 0 {
		s.DurationSeconds = e.opts.DefaultDurationSeconds
	}
	if s.DurationSeconds < schedule.MinDurationSeconds || s.DurationSeconds > schedule.MaxDurationSeconds {
		return nil, &ValidationError{
			ScheduleID: s.ID, Field: "duration_seconds", Value: fmt.Sprint(s.DurationSeconds),
			Err: fmt.Errorf("must be within %d..%d", schedule.MinDurationSeconds, schedule.MaxDurationSeconds),
		}
	}

	loc := e.defaultLoc
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, &ValidationError{ScheduleID: s.ID, Field: "timezone", Value: tz, Err: err}
		}
		loc = l
	}

	spec, _, err := ParseExpression(s.Expression)
	if err != nil {
		return nil, &ValidationError{ScheduleID: s.ID, Field: "expression", Value: s.Expression, Err: err}
	}
	sched := inLocation{Schedule: spec, loc: loc}
	if sched.Next(e.clock.Now()).IsZero() {
		return nil, &ValidationError{ScheduleID: s.ID, Field: "expression", Value: s.Expression, Err: errors.New("never fires")}
	}
	return &liveTrigger{sched: s, spec: sched}, nil
}

// Register installs (or replaces) the timer for s. An invalid schedule
// returns *ValidationError and stops any existing trigger for its id, so a
// rejected definition never leaves the previous one firing. Inactive
// schedules are unregistered.
func (e *Engine) Register(ctx context.Context, s schedule.Schedule) error {
	s.ID = strings.TrimSpace(s.ID)
	if !s.Active {
		e.Unregister(s.ID)
		return nil
	}
	lt, err := e.compile(s)
	if err != nil {
		if s.ID != "" && e.Unregister(s.ID) {
			e.log.Warn("invalid update stopped existing trigger", logx.String("schedule_id", s.ID), logx.Err(err))
		}
		return err
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	replaced := false
	if old := e.live[lt.sched.ID]; old != nil {
		stopTimer(old)
		lt.lastFire, lt.lastResult, lt.misses = old.lastFire, old.lastResult, old.misses
		replaced = true
	}
	e.gen++
	lt.gen = e.gen
	e.live[lt.sched.ID] = lt
	e.armLocked(lt, e.clock.Now())
	next := lt.next
	metrics.LiveTriggers.Set(float64(len(e.live)))
	e.mu.Unlock()

	e.log.Info("schedule registered",
		logx.String("schedule_id", lt.sched.ID),
		logx.String("device", lt.sched.DeviceKey),
		logx.String("expression", lt.sched.Expression),
		logx.Int("duration_s", lt.sched.DurationSeconds),
		logx.Time("next", next),
		logx.Bool("replaced", replaced),
	)
	return nil
}

// Unregister stops the timer for id. No fire starts after it returns; a fire
// already running completes but is not re-armed. It reports whether id was live.
func (e *Engine) Unregister(id string) bool {
	e.mu.Lock()
	lt := e.live[id]
	if lt != nil {
		stopTimer(lt)
		delete(e.live, id)
		metrics.LiveTriggers.Set(float64(len(e.live)))
	}
	e.mu.Unlock()

	if lt != nil {
		e.log.Info("schedule unregistered", logx.String("schedule_id", id))
	}
	return lt != nil
}

// InvalidSchedule is a schedule ReloadAll could not register.
type InvalidSchedule struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// ReloadReport summarizes a ReloadAll pass.
type ReloadReport struct {
	Registered []string          `json:"registered"`
	Inactive   int               `json:"inactive"`
	Invalid    []InvalidSchedule `json:"invalid,omitempty"`
	Dropped    []string          `json:"dropped,omitempty"`
}

// ReloadAll registers every active schedule in the repository. Invalid
// schedules are reported and skipped. Triggers armed before the repository
// read whose schedule is gone, inactive or invalid are dropped. A repository
// error leaves triggers as they are.
func (e *Engine) ReloadAll(ctx context.Context) (ReloadReport, error) {
	var rep ReloadReport
	e.mu.Lock()
	startGen := e.gen
	e.mu.Unlock()

	all, err := e.repo.FindAll(ctx)
	if err != nil {
		return rep, fmt.Errorf("load schedules: %w", err)
	}

	keep := make(map[string]struct{}, len(all))
	for _, s := range all {
		if !s.Active {
			rep.Inactive++
			continue
		}
		if err := e.Register(ctx, s); err != nil {
			if !IsValidation(err) {
				return rep, err
			}
			rep.Invalid = append(rep.Invalid, InvalidSchedule{ID: s.ID, Error: err.Error()})
			e.log.Warn("invalid schedule skipped", logx.String("schedule_id", s.ID), logx.Err(err))
			continue
		}
		keep[strings.TrimSpace(s.ID)] = struct{}{}
		rep.Registered = append(rep.Registered, s.ID)
	}

	// Triggers registered after the repository read are newer than the
	// snapshot and stay.
	e.mu.Lock()
	for id, lt := range e.live {
		if _, ok := keep[id]; ok || lt.gen > startGen {
			continue
		}
		stopTimer(lt)
		delete(e.live, id)
		rep.Dropped = append(rep.Dropped, id)
	}
	metrics.LiveTriggers.Set(float64(len(e.live)))
	e.mu.Unlock()
	sort.Strings(rep.Dropped)

	e.log.Info("schedules reloaded",
		logx.Int("registered", len(rep.Registered)),
		logx.Int("inactive", rep.Inactive),
		logx.Int("invalid", len(rep.Invalid)),
		logx.Int("dropped", len(rep.Dropped)),
	)
	return rep, nil
}

// Sync re-reads one schedule and registers or unregisters it accordingly.
func (e *Engine) Sync(ctx context.Context, id string) error {
	s, err := e.repo.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load schedule %s: %w", id, err)
	}
	if s == nil {
		e.Unregister(id)
		return nil
	}
	return e.Register(ctx, *s)
}

// LiveCount returns the number of armed timers for id (0 or 1).
func (e *Engine) LiveCount(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if lt := e.live[id]; lt != nil && lt.timer != nil {
		return 1
	}
	return 0
}

// Len returns the number of registered schedules.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.live)
}

// Stop disarms every timer and waits for running fires to finish.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	for id, lt := range e.live {
		stopTimer(lt)
		delete(e.live, id)
	}
	metrics.LiveTriggers.Set(0)
	e.mu.Unlock()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.fires.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// armLocked schedules the next fire strictly after `after`. Call with e.mu held.
func (e *Engine) armLocked(lt *liveTrigger, after time.Time) {
	next := lt.spec.Next(after)
	lt.next = next
	lt.timer = nil
	if next.IsZero() {
		e.log.Warn("schedule has no future occurrence", logx.String("schedule_id", lt.sched.ID))
		return
	}
	delay := next.Sub(e.clock.Now())
	if delay < 0 {
		delay = 0
	}
	id, gen := lt.sched.ID, lt.gen
	lt.timer = e.clock.AfterFunc(delay, func() { e.fire(id, gen, next) })
}

func stopTimer(lt *liveTrigger) {
	if lt.timer != nil {
		lt.timer.Stop()
		lt.timer = nil
	}
}
