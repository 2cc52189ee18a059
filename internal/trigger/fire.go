package trigger

import (
	"context"
	"sort"
	"time"

	"pumpd/internal/channel"
	"pumpd/internal/eventbus"
	"pumpd/internal/metrics"
	"pumpd/internal/schedule"
	logx "pumpd/pkg/logx"
)

const reasonNotConnected = "command channel not connected"

func (e *Engine) fire(id string, gen uint64, scheduled time.Time) {
	e.mu.Lock()
	lt := e.live[id]
	if e.stopped || lt == nil || lt.gen != gen {
		// replaced or unregistered after the timer was armed
		e.mu.Unlock()
		return
	}
	sched := lt.sched
	e.fires.Add(1)
	e.mu.Unlock()
	defer e.fires.Done()

	a := e.activate(sched, scheduled)
	e.record(a)

	e.mu.Lock()
	defer e.mu.Unlock()
	lt = e.live[id]
	if e.stopped || lt == nil || lt.gen != gen {
		return
	}
	lt.lastFire = a.FiredAt
	lt.lastResult = a.Result
	if a.Result == schedule.ResultPublished {
		lt.misses = 0
	} else {
		lt.misses++
		if n := e.opts.MissWarnThreshold; n > 0 && lt.misses == n {
			e.log.Warn("schedule missed consecutive activations",
				logx.String("schedule_id", id),
				logx.String("device", sched.DeviceKey),
				logx.Int("misses", lt.misses),
			)
		}
	}

	after := e.clock.Now()
	if scheduled.After(after) {
		after = scheduled
	}
	e.armLocked(lt, after)
}

// activate publishes the pump_on command for one occurrence. Failures are
// reported in the result and never retried; the next occurrence is unaffected.
func (e *Engine) activate(s schedule.Schedule, scheduled time.Time) schedule.Activation {
	a := schedule.Activation{
		ScheduleID:      s.ID,
		DeviceKey:       s.DeviceKey,
		DurationSeconds: s.DurationSeconds,
		ScheduledAt:     scheduled,
		FiredAt:         e.clock.Now(),
	}
	fields := []logx.Field{
		logx.String("schedule_id", s.ID),
		logx.String("device", s.DeviceKey),
		logx.Time("scheduled", scheduled),
	}

	if !e.dispatch.IsConnected() {
		a.Result = schedule.ResultSkipped
		a.Error = reasonNotConnected
		e.log.Warn("activation skipped", append(fields, logx.String("reason", reasonNotConnected))...)
		return a
	}

	cmd := channel.PumpOn(s.DeviceKey, s.DurationSeconds)
	cmd.IssuedAt = a.FiredAt.UTC()
	a.CommandID = cmd.ID
	fields = append(fields, logx.String("command_id", cmd.ID))

	if err := e.dispatch.PublishCommand(e.life, cmd); err != nil {
		a.Error = err.Error()
		if channel.IsTransport(err) {
			a.Result = schedule.ResultSkipped
			e.log.Warn("activation skipped", append(fields, logx.Err(err))...)
		} else {
			a.Result = schedule.ResultFailed
			e.log.Error("activation failed", append(fields, logx.Err(err))...)
		}
		return a
	}
	a.Result = schedule.ResultPublished
	e.log.Info("activation published", append(fields, logx.Int("duration_s", s.DurationSeconds))...)
	return a
}

func (e *Engine) record(a schedule.Activation) {
	metrics.TriggerFires.WithLabelValues(a.Result).Inc()
	if e.bus != nil {
		typ := eventbus.TriggerFired
		if a.Result != schedule.ResultPublished {
			typ = eventbus.TriggerSkipped
		}
		e.bus.Publish(eventbus.Event{Type: typ, Time: a.FiredAt, Data: eventbus.Activation{
			ScheduleID: a.ScheduleID,
			DeviceKey:  a.DeviceKey,
			CommandID:  a.CommandID,
			Scheduled:  a.ScheduledAt,
			Reason:     a.Error,
		}})
	}
	if e.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.history.AppendActivation(ctx, a); err != nil {
		e.log.Warn("activation history append failed", logx.String("schedule_id", a.ScheduleID), logx.Err(err))
	}
}

// TriggerInfo describes one registered schedule.
type TriggerInfo struct {
	ID                string    `json:"id"`
	DeviceKey         string    `json:"device_key"`
	Expression        string    `json:"expression"`
	Timezone          string    `json:"timezone,omitempty"`
	DurationSeconds   int       `json:"duration_seconds"`
	Next              time.Time `json:"next,omitempty"`
	LastFire          time.Time `json:"last_fire,omitempty"`
	LastResult        string    `json:"last_result,omitempty"`
	ConsecutiveMisses int       `json:"consecutive_misses"`
}

// Snapshot lists registered schedules ordered by id.
func (e *Engine) Snapshot() []TriggerInfo {
	e.mu.Lock()
	out := make([]TriggerInfo, 0, len(e.live))
	for _, lt := range e.live {
		out = append(out, TriggerInfo{
			ID:                lt.sched.ID,
			DeviceKey:         lt.sched.DeviceKey,
			Expression:        lt.sched.Expression,
			Timezone:          lt.sched.Timezone,
			DurationSeconds:   lt.sched.DurationSeconds,
			Next:              lt.next,
			LastFire:          lt.lastFire,
			LastResult:        lt.lastResult,
			ConsecutiveMisses: lt.misses,
		})
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
