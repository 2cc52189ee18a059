package trigger

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pumpd/internal/channel"
	"pumpd/internal/schedule"
	"pumpd/internal/storage"
	logx "pumpd/pkg/logx"
)

type fakeDispatcher struct {
	connected atomic.Bool
	err       error

	mu   sync.Mutex
	cmds []channel.Command
	hits int
}

func newDispatcher(connected bool) *fakeDispatcher {
	d := &fakeDispatcher{}
	d.connected.Store(connected)
	return d
}

func (d *fakeDispatcher) IsConnected() bool { return d.connected.Load() }

func (d *fakeDispatcher) PublishCommand(ctx context.Context, cmd channel.Command) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hits++
	if d.err != nil {
		return d.err
	}
	d.cmds = append(d.cmds, cmd)
	return nil
}

func (d *fakeDispatcher) published() []channel.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]channel.Command(nil), d.cmds...)
}

func (d *fakeDispatcher) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hits
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) count(msg string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Count(s.b.String(), `"message":"`+msg+`"`)
}

var hcm = mustLoc("Asia/Ho_Chi_Minh")

func mustLoc(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

type harness struct {
	engine *Engine
	disp   *fakeDispatcher
	store  storage.Store
	logs   *syncBuffer
}

func newHarness(t *testing.T, clock clockwork.Clock, connected bool, opts Options) *harness {
	t.Helper()
	logs := &syncBuffer{}
	disp := newDispatcher(connected)
	store := storage.NewMemory()
	opts.Clock = clock
	e, err := New(opts, store, disp, store, logx.NewWriter(logs, "debug"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	return &harness{engine: e, disp: disp, store: store, logs: logs}
}

func (h *harness) info(id string) TriggerInfo {
	for _, ti := range h.engine.Snapshot() {
		if ti.ID == id {
			return ti
		}
	}
	return TriggerInfo{}
}

func daily(id, expr string) schedule.Schedule {
	return schedule.Schedule{ID: id, DeviceKey: "dev-" + id, Expression: expr, DurationSeconds: 10, Active: true, Timezone: "Asia/Ho_Chi_Minh"}
}

func TestDailyScheduleFiresAtSix(t *testing.T) {
	t0 := time.Date(2026, 3, 10, 5, 59, 50, 0, hcm)
	clk := clockwork.NewFakeClockAt(t0)
	h := newHarness(t, clk, true, Options{})

	require.NoError(t, h.engine.Register(context.Background(), daily("s1", "0 6 * * *")))
	six := time.Date(2026, 3, 10, 6, 0, 0, 0, hcm)
	assert.True(t, h.info("s1").Next.Equal(six))
	assert.Equal(t, 1, h.engine.LiveCount("s1"))

	clk.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return len(h.disp.published()) == 1 }, time.Second, 5*time.Millisecond)

	cmd := h.disp.published()[0]
	assert.Equal(t, channel.CommandPumpOn, cmd.Name)
	assert.Equal(t, "dev-s1", cmd.DeviceKey)
	assert.Equal(t, 10, cmd.Parameters["duration"])
	assert.True(t, cmd.IssuedAt.Equal(six))

	tomorrow := six.AddDate(0, 0, 1)
	require.Eventually(t, func() bool { return h.info("s1").Next.Equal(tomorrow) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, schedule.ResultPublished, h.info("s1").LastResult)
	assert.Equal(t, 1, h.engine.LiveCount("s1"))

	clk.Advance(time.Hour)
	assert.Never(t, func() bool { return len(h.disp.published()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	clk.Advance(23 * time.Hour)
	require.Eventually(t, func() bool { return len(h.disp.published()) == 2 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		hist, err := h.store.RecentActivations(context.Background(), "s1", 10)
		return err == nil && len(hist) == 2 && hist[0].Result == schedule.ResultPublished
	}, time.Second, 5*time.Millisecond)
}

func TestRegisterReplacesExistingTrigger(t *testing.T) {
	t0 := time.Date(2026, 3, 10, 5, 0, 0, 0, hcm)
	clk := clockwork.NewFakeClockAt(t0)
	h := newHarness(t, clk, true, Options{})
	ctx := context.Background()

	require.NoError(t, h.engine.Register(ctx, daily("s1", "0 6 * * *")))
	require.NoError(t, h.engine.Register(ctx, daily("s1", "30 6 * * *")))
	assert.Equal(t, 1, h.engine.LiveCount("s1"))
	assert.Equal(t, 1, h.engine.Len())
	assert.Equal(t, "30 6 * * *", h.info("s1").Expression)

	clk.Advance(time.Hour)
	assert.Never(t, func() bool { return h.disp.calls() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	clk.Advance(30 * time.Minute)
	require.Eventually(t, func() bool { return h.disp.calls() == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return h.disp.calls() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestInvalidReplacementStopsExistingTrigger(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 5, 0, 0, 0, hcm))
	h := newHarness(t, clk, true, Options{})
	ctx := context.Background()

	require.NoError(t, h.engine.Register(ctx, daily("s1", "0 6 * * *")))
	err := h.engine.Register(ctx, daily("s1", "61 * * * *"))
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Equal(t, 0, h.engine.LiveCount("s1"))
	assert.Zero(t, h.engine.Len())
}

func TestSyncInvalidUpdateStopsOldDefinition(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 5, 0, 0, 0, hcm))
	h := newHarness(t, clk, true, Options{})
	ctx := context.Background()

	_, err := h.store.Save(ctx, daily("s1", "0 6 * * *"))
	require.NoError(t, err)
	require.NoError(t, h.engine.Sync(ctx, "s1"))
	require.Equal(t, 1, h.engine.LiveCount("s1"))

	_, err = h.store.Save(ctx, daily("s1", "61 * * * *"))
	require.NoError(t, err)
	err = h.engine.Sync(ctx, "s1")
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Equal(t, 0, h.engine.LiveCount("s1"))

	clk.Advance(2 * time.Hour)
	assert.Never(t, func() bool { return h.disp.calls() > 0 }, 100*time.Millisecond, 5*time.Millisecond)
}

func TestUnregisterPreventsFutureFires(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 5, 59, 0, 0, hcm))
	h := newHarness(t, clk, true, Options{})

	require.NoError(t, h.engine.Register(context.Background(), daily("s1", "0 6 * * *")))
	assert.True(t, h.engine.Unregister("s1"))
	assert.False(t, h.engine.Unregister("s1"))
	assert.Equal(t, 0, h.engine.LiveCount("s1"))

	clk.Advance(48 * time.Hour)
	assert.Never(t, func() bool { return h.disp.calls() > 0 }, 100*time.Millisecond, 5*time.Millisecond)
}

func TestDisconnectedFireIsSkippedOnce(t *testing.T) {
	t0 := time.Date(2026, 3, 10, 5, 59, 50, 0, hcm)
	clk := clockwork.NewFakeClockAt(t0)
	h := newHarness(t, clk, false, Options{})

	require.NoError(t, h.engine.Register(context.Background(), daily("s1", "0 6 * * *")))
	clk.Advance(10 * time.Second)

	require.Eventually(t, func() bool { return h.logs.count("activation skipped") == 1 }, time.Second, 5*time.Millisecond)
	tomorrow := time.Date(2026, 3, 11, 6, 0, 0, 0, hcm)
	require.Eventually(t, func() bool { return h.info("s1").Next.Equal(tomorrow) }, time.Second, 5*time.Millisecond)

	assert.Never(t, func() bool { return h.logs.count("activation skipped") > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Zero(t, h.disp.calls())
	assert.Equal(t, schedule.ResultSkipped, h.info("s1").LastResult)
	assert.Equal(t, 1, h.info("s1").ConsecutiveMisses)

	hist, err := h.store.RecentActivations(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, schedule.ResultSkipped, hist[0].Result)
	assert.Equal(t, reasonNotConnected, hist[0].Error)
}

func TestTransportErrorIsNotRetried(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 5, 59, 50, 0, hcm))
	h := newHarness(t, clk, true, Options{})
	h.disp.err = &channel.TransportError{Op: "publish", Topic: "smartplant/device/dev-s1/command", Err: errors.New("broker timeout")}

	require.NoError(t, h.engine.Register(context.Background(), daily("s1", "0 6 * * *")))
	clk.Advance(10 * time.Second)

	require.Eventually(t, func() bool { return h.info("s1").LastResult == schedule.ResultSkipped }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return h.disp.calls() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 1, h.disp.calls())
	assert.Equal(t, 1, h.logs.count("activation skipped"))
	assert.Equal(t, 1, h.engine.LiveCount("s1"))
}

func TestMissedActivationsWarnAtThreshold(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 5, 0, 0, 0, hcm))
	h := newHarness(t, clk, false, Options{MissWarnThreshold: 2})

	s := daily("s1", "@every 1m")
	require.NoError(t, h.engine.Register(context.Background(), s))

	for i := 1; i <= 3; i++ {
		clk.Advance(time.Minute)
		want := i
		require.Eventually(t, func() bool { return h.info("s1").ConsecutiveMisses == want }, time.Second, 5*time.Millisecond)
	}
	assert.Equal(t, 1, h.logs.count("schedule missed consecutive activations"))

	h.disp.connected.Store(true)
	clk.Advance(time.Minute)
	require.Eventually(t, func() bool { return h.info("s1").ConsecutiveMisses == 0 }, time.Second, 5*time.Millisecond)
}

func TestReloadAllSkipsInvalidSchedules(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 5, 0, 0, 0, hcm))
	h := newHarness(t, clk, true, Options{})
	ctx := context.Background()

	require.NoError(t, h.engine.Register(ctx, daily("gone", "0 7 * * *")))

	for _, s := range []schedule.Schedule{
		daily("bad", "every day at six"),
		daily("good", "0 6 * * *"),
		{ID: "off", DeviceKey: "dev-off", Expression: "0 8 * * *", Active: false},
	} {
		_, err := h.store.Save(ctx, s)
		require.NoError(t, err)
	}

	rep, err := h.engine.ReloadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, rep.Registered)
	require.Len(t, rep.Invalid, 1)
	assert.Equal(t, "bad", rep.Invalid[0].ID)
	assert.Equal(t, 1, rep.Inactive)
	assert.Equal(t, []string{"gone"}, rep.Dropped)

	assert.Equal(t, 1, h.engine.LiveCount("good"))
	assert.Equal(t, 0, h.engine.LiveCount("bad"))
	assert.Equal(t, 0, h.engine.LiveCount("gone"))
	assert.Equal(t, 1, h.engine.Len())
}

type brokenRepo struct{ schedule.Repository }

func (brokenRepo) FindAll(ctx context.Context) ([]schedule.Schedule, error) {
	return nil, errors.New("connection refused")
}

// interleavingRepo calls during once FindAll has read its snapshot.
type interleavingRepo struct {
	schedule.Repository
	during func()
}

func (r *interleavingRepo) FindAll(ctx context.Context) ([]schedule.Schedule, error) {
	all, err := r.Repository.FindAll(ctx)
	if r.during != nil {
		r.during()
	}
	return all, err
}

func TestReloadAllKeepsTriggersRegisteredDuringRead(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 5, 0, 0, 0, hcm))
	store := storage.NewMemory()
	repo := &interleavingRepo{Repository: store}
	e, err := New(Options{Clock: clk}, repo, newDispatcher(true), store, logx.Nop(), nil)
	require.NoError(t, err)
	defer e.Stop(context.Background())
	ctx := context.Background()

	_, err = store.Save(ctx, daily("old", "0 6 * * *"))
	require.NoError(t, err)
	require.NoError(t, e.Register(ctx, daily("stale", "0 7 * * *")))

	repo.during = func() {
		_, err := store.Save(ctx, daily("new", "0 8 * * *"))
		require.NoError(t, err)
		require.NoError(t, e.Register(ctx, daily("new", "0 8 * * *")))
	}

	rep, err := e.ReloadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, rep.Registered)
	assert.Equal(t, []string{"stale"}, rep.Dropped)
	assert.Equal(t, 1, e.LiveCount("new"))
	assert.Equal(t, 1, e.LiveCount("old"))
	assert.Equal(t, 0, e.LiveCount("stale"))
}

func TestReloadAllRepositoryErrorKeepsTriggers(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 5, 0, 0, 0, hcm))
	e, err := New(Options{Clock: clk}, brokenRepo{}, newDispatcher(true), nil, logx.Nop(), nil)
	require.NoError(t, err)
	defer e.Stop(context.Background())

	require.NoError(t, e.Register(context.Background(), daily("s1", "0 6 * * *")))
	_, err = e.ReloadAll(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, e.LiveCount("s1"))
}

func TestRegisterValidation(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 5, 0, 0, 0, hcm))
	h := newHarness(t, clk, true, Options{})

	cases := map[string]schedule.Schedule{
		"expression":  daily("a", "not cron"),
		"timezone":    {ID: "b", DeviceKey: "d", Expression: "0 6 * * *", Active: true, Timezone: "Mars/Olympus"},
		"device_key":  {ID: "c", Expression: "0 6 * * *", Active: true},
		"duration":    {ID: "d", DeviceKey: "d", Expression: "0 6 * * *", Active: true, DurationSeconds: 301},
		"id":          {DeviceKey: "d", Expression: "0 6 * * *", Active: true},
		"never fires": {ID: "f", DeviceKey: "d", Expression: "0 0 30 2 *", Active: true},
	}
	for name, s := range cases {
		t.Run(name, func(t *testing.T) {
			err := h.engine.Register(context.Background(), s)
			require.Error(t, err)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
		})
	}
	assert.Zero(t, h.engine.Len())
}

func TestDefaultDurationApplied(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 5, 59, 59, 0, hcm))
	h := newHarness(t, clk, true, Options{})

	s := daily("s1", "daily 06:00")
	s.DurationSeconds = 0
	s.Timezone = ""
	require.NoError(t, h.engine.Register(context.Background(), s))
	assert.Equal(t, 10, h.info("s1").DurationSeconds)

	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return len(h.disp.published()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 10, h.disp.published()[0].Parameters["duration"])
}

func TestRegisterInactiveUnregisters(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 5, 0, 0, 0, hcm))
	h := newHarness(t, clk, true, Options{})
	ctx := context.Background()

	s := daily("s1", "0 6 * * *")
	require.NoError(t, h.engine.Register(ctx, s))
	s.Active = false
	require.NoError(t, h.engine.Register(ctx, s))
	assert.Equal(t, 0, h.engine.LiveCount("s1"))
}

func TestRegisterTrimsID(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 5, 0, 0, 0, hcm))
	h := newHarness(t, clk, true, Options{})
	ctx := context.Background()

	require.NoError(t, h.engine.Register(ctx, daily(" s1 ", "0 6 * * *")))
	assert.Equal(t, 1, h.engine.LiveCount("s1"))

	s := daily(" s1 ", "0 6 * * *")
	s.Active = false
	require.NoError(t, h.engine.Register(ctx, s))
	assert.Equal(t, 0, h.engine.LiveCount("s1"))
	assert.Zero(t, h.engine.Len())
}

func TestSyncFollowsRepository(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 5, 0, 0, 0, hcm))
	h := newHarness(t, clk, true, Options{})
	ctx := context.Background()

	_, err := h.store.Save(ctx, daily("s1", "0 6 * * *"))
	require.NoError(t, err)
	require.NoError(t, h.engine.Sync(ctx, "s1"))
	assert.Equal(t, 1, h.engine.LiveCount("s1"))

	require.NoError(t, h.store.DeleteByID(ctx, "s1"))
	require.NoError(t, h.engine.Sync(ctx, "s1"))
	assert.Equal(t, 0, h.engine.LiveCount("s1"))
}

func TestStopRejectsRegistration(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 5, 0, 0, 0, hcm))
	h := newHarness(t, clk, true, Options{})
	ctx := context.Background()

	require.NoError(t, h.engine.Register(ctx, daily("s1", "0 6 * * *")))
	require.NoError(t, h.engine.Stop(ctx))
	assert.Zero(t, h.engine.Len())
	assert.ErrorIs(t, h.engine.Register(ctx, daily("s2", "0 6 * * *")), ErrStopped)

	clk.Advance(24 * time.Hour)
	assert.Never(t, func() bool { return h.disp.calls() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestConcurrentRegisterKeepsOneTimer(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 5, 0, 0, 0, hcm))
	h := newHarness(t, clk, true, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%3 == 0 {
				h.engine.Unregister("s1")
				return
			}
			_ = h.engine.Register(context.Background(), daily("s1", "0 6 * * *"))
		}(i)
	}
	wg.Wait()
	require.NoError(t, h.engine.Register(context.Background(), daily("s1", "0 6 * * *")))
	assert.Equal(t, 1, h.engine.LiveCount("s1"))

	clk.Advance(time.Hour)
	require.Eventually(t, func() bool { return h.disp.calls() == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return h.disp.calls() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}
