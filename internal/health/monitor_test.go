package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pumpd/internal/channel"
	"pumpd/internal/eventbus"
	logx "pumpd/pkg/logx"
)

type fakeChannel struct {
	connected atomic.Bool
	calls     atomic.Int32
	gate      chan struct{}
	err       error
}

func (f *fakeChannel) IsConnected() bool { return f.connected.Load() }

func (f *fakeChannel) Reconnect(ctx context.Context) error {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.err != nil {
		return f.err
	}
	f.connected.Store(true)
	return nil
}

func staticDep(name string, err error) Dependency {
	return Dependency{Name: name, Probe: func(ctx context.Context) error { return err }}
}

func TestProbeTimeoutIsIsolated(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	m := New(Options{ProbeTimeout: 50 * time.Millisecond}, logx.Nop(), nil,
		Dependency{Name: "A", Probe: func(ctx context.Context) error {
			<-block // ignores ctx on purpose
			return nil
		}},
		staticDep("B", nil),
	)

	start := time.Now()
	st := m.Check(context.Background())
	assert.Less(t, time.Since(start), time.Second)

	assert.False(t, st.Healthy("A"))
	assert.True(t, st.Healthy("B"))
	assert.Contains(t, st.Dependencies["A"].Error, "timed out")
	assert.Equal(t, []string{"A"}, st.Unhealthy())
}

func TestProbesRunConcurrently(t *testing.T) {
	const n = 4
	var entered atomic.Int32
	all := make(chan struct{})
	barrier := func(ctx context.Context) error {
		if entered.Add(1) == n {
			close(all)
		}
		select {
		case <-all:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	deps := make([]Dependency, n)
	for i := range deps {
		deps[i] = Dependency{Name: string(rune('A' + i)), Probe: barrier}
	}
	m := New(Options{ProbeTimeout: time.Second}, logx.Nop(), nil, deps...)

	st := m.Check(context.Background())
	assert.Empty(t, st.Unhealthy())
	assert.Equal(t, int32(n), entered.Load())
}

func TestPanickingProbeIsIsolated(t *testing.T) {
	m := New(Options{}, logx.Nop(), nil,
		Dependency{Name: "A", Probe: func(ctx context.Context) error { panic("nil map") }},
		staticDep("B", nil),
	)
	st := m.Check(context.Background())
	assert.False(t, st.Healthy("A"))
	assert.Contains(t, st.Dependencies["A"].Error, "panic")
	assert.True(t, st.Healthy("B"))
}

func TestGetStatusDoesNotBlockDuringCycle(t *testing.T) {
	release := make(chan struct{})
	m := New(Options{ProbeTimeout: 5 * time.Second}, logx.Nop(), nil,
		Dependency{Name: "slow", Probe: func(ctx context.Context) error {
			<-release
			return nil
		}},
	)

	done := make(chan struct{})
	go func() {
		m.Check(context.Background())
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	st := m.GetStatus()
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.False(t, st.Healthy("slow"))
	assert.True(t, st.LastCheckedAt.IsZero())

	close(release)
	<-done
	st = m.GetStatus()
	assert.True(t, st.Healthy("slow"))
	assert.False(t, st.LastCheckedAt.IsZero())
}

func TestRecoveryRunsOncePerCycleAndIsRateLimited(t *testing.T) {
	ch := &fakeChannel{err: errors.New("broker down")}
	m := New(Options{Interval: time.Hour, RecoveryInterval: time.Hour}, logx.Nop(), nil, ChannelDependency(ch))
	defer m.Close(context.Background())

	st := m.Check(context.Background())
	assert.False(t, st.Healthy(CommandChannel))
	require.Eventually(t, func() bool { return ch.calls.Load() == 1 }, time.Second, time.Millisecond)

	m.Check(context.Background())
	m.Check(context.Background())
	assert.Never(t, func() bool { return ch.calls.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestRecoveryNotStackedWhileInFlight(t *testing.T) {
	ch := &fakeChannel{gate: make(chan struct{})}
	m := New(Options{Interval: time.Hour, RecoveryInterval: time.Nanosecond}, logx.Nop(), nil, ChannelDependency(ch))
	defer m.Close(context.Background())

	m.Check(context.Background())
	require.Eventually(t, func() bool { return ch.calls.Load() == 1 }, time.Second, time.Millisecond)
	m.Check(context.Background())
	m.Check(context.Background())
	assert.EqualValues(t, 1, ch.calls.Load())

	close(ch.gate)
	require.Eventually(t, func() bool { return ch.IsConnected() }, time.Second, time.Millisecond)
	st := m.Check(context.Background())
	assert.True(t, st.Healthy(CommandChannel))
	assert.EqualValues(t, 1, ch.calls.Load())
}

func TestChannelRecoveryTreatsInProgressAsSuccess(t *testing.T) {
	ch := &fakeChannel{err: channel.ErrReconnectInProgress}
	dep := ChannelDependency(ch)
	assert.ErrorIs(t, dep.Probe(context.Background()), ErrDisconnected)
	assert.NoError(t, dep.Recover(context.Background()))
}

func TestExternalDependenciesAreLogOnly(t *testing.T) {
	var pings atomic.Int32
	p := pingerFunc(func(ctx context.Context) error {
		pings.Add(1)
		return errors.New("connection refused")
	})
	m := New(Options{}, logx.Nop(), nil, PingDependency(Database, p))
	st := m.Check(context.Background())
	assert.False(t, st.Healthy(Database))
	assert.Nil(t, m.deps[0].Recover)
	assert.EqualValues(t, 1, pings.Load())
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestStatusJSONShape(t *testing.T) {
	ch := &fakeChannel{}
	ch.connected.Store(true)
	m := New(Options{}, logx.Nop(), nil, ChannelDependency(ch), staticDep(AIService, errors.New("503")), staticDep(Database, nil))
	m.Check(context.Background())

	raw, err := json.Marshal(m.GetStatus())
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, true, got["commandChannel"])
	assert.Equal(t, false, got["aiService"])
	assert.Equal(t, true, got["database"])
	assert.NotNil(t, got["lastCheckedAt"])
	assert.Contains(t, got, "latencyMs")
	details := got["details"].(map[string]any)
	assert.Equal(t, "503", details["aiService"].(map[string]any)["error"])
}

func TestInitialStatusIsUnhealthy(t *testing.T) {
	m := New(Options{}, logx.Nop(), nil, staticDep(Database, nil))
	raw, err := json.Marshal(m.GetStatus())
	require.NoError(t, err)
	assert.JSONEq(t, `{"database":false,"lastCheckedAt":null,"latencyMs":0,"details":{"database":{"healthy":false,"checkedAt":"0001-01-01T00:00:00Z","latencyMs":0}}}`, string(raw))
}

func TestRunChecksEarlyOnDisconnect(t *testing.T) {
	bus := eventbus.New()
	changes, unsub := bus.Subscribe(4, eventbus.HealthChanged)
	defer unsub()

	ch := &fakeChannel{err: errors.New("still down")}
	ch.connected.Store(true)
	m := New(Options{Interval: time.Hour, RecoveryInterval: time.Hour}, logx.Nop(), bus, ChannelDependency(ch))
	defer m.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()
	require.Eventually(t, func() bool { return m.Cycles() == 1 }, time.Second, time.Millisecond)
	assert.True(t, m.GetStatus().Healthy(CommandChannel))

	ch.connected.Store(false)
	bus.Publish(eventbus.Event{Type: eventbus.ChannelDisconnected, Data: eventbus.Connectivity{Reason: "EOF"}})
	require.Eventually(t, func() bool { return m.Cycles() == 2 }, time.Second, time.Millisecond)
	assert.False(t, m.GetStatus().Healthy(CommandChannel))

	select {
	case e := <-changes:
		assert.Equal(t, eventbus.DependencyChange{Name: CommandChannel, Healthy: false, Error: ErrDisconnected.Error()}, e.Data)
	case <-time.After(time.Second):
		t.Fatal("no health.changed event")
	}
}

func TestHTTPDependency(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	dep := HTTPDependency(AIService, NewHTTPClient(), srv.URL+"/")
	assert.Nil(t, dep.Recover)

	err := dep.Probe(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	healthy.Store(true)
	assert.NoError(t, dep.Probe(context.Background()))
}

func TestApplyChangesRecoveryRate(t *testing.T) {
	ch := &fakeChannel{err: errors.New("broker down")}
	m := New(Options{Interval: time.Hour, RecoveryInterval: time.Hour}, logx.Nop(), nil, ChannelDependency(ch))
	defer m.Close(context.Background())
	ctx := context.Background()

	m.Check(ctx)
	require.Eventually(t, func() bool { return ch.calls.Load() == 1 }, time.Second, time.Millisecond)
	m.Check(ctx)
	assert.EqualValues(t, 1, ch.calls.Load())

	m.Apply(Options{Interval: time.Hour, RecoveryInterval: time.Millisecond})
	require.Eventually(t, func() bool {
		m.Check(ctx)
		return ch.calls.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
}
