package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pumpd/internal/channel"
	"pumpd/internal/config"
	"pumpd/internal/health"
	"pumpd/internal/schedule"
)

const testConfig = `
logging:
  level: error
  console: false
mqtt:
  broker: tcp://127.0.0.1:1883
  reconnect_base: 5ms
  reconnect_max: 10ms
  reconnect_attempts: 2
health:
  interval: 1h
  ai_service_url: "off"
storage:
  driver: memory
`

type stubSession struct {
	mu        sync.Mutex
	published []string
}

func (s *stubSession) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, topic)
	return nil
}

func (s *stubSession) Subscribe(topic string, qos byte, fn func(topic string, payload []byte)) error {
	return nil
}

func (s *stubSession) IsConnected() bool { return true }
func (s *stubSession) Close()            {}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "pumpd.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestAppLifecycle(t *testing.T) {
	sess := &stubSession{}
	dial := func(ctx context.Context, onLost func(error)) (channel.Session, error) { return sess, nil }

	ctx := context.Background()
	a, err := New(ctx, writeConfig(t, testConfig), WithDialer(dial))
	require.NoError(t, err)

	_, err = a.store.Save(ctx, schedule.Schedule{
		ID: "s1", DeviceKey: "dev-1", Expression: "daily 06:00", DurationSeconds: 30, Active: true,
	})
	require.NoError(t, err)

	require.NoError(t, a.Start(ctx))
	require.Eventually(t, a.Ready, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(a.Schedules()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "s1", a.Schedules()[0].ID)

	require.NoError(t, a.Register(ctx, schedule.Schedule{
		ID: "s1", DeviceKey: "dev-1", Expression: "weekly mon 07:00", DurationSeconds: 20, Active: true,
	}))
	require.Len(t, a.Schedules(), 1)
	assert.Equal(t, 20, a.Schedules()[0].DurationSeconds)

	st := a.monitor.Check(ctx)
	assert.True(t, st.Healthy(health.CommandChannel))
	assert.True(t, st.Healthy(health.Database))
	_, hasAI := st.Dependencies[health.AIService]
	assert.False(t, hasAI)

	assert.True(t, a.Unregister("s1"))
	assert.Empty(t, a.Schedules())

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(stopCtx, StopSIGTERM))
	select {
	case <-a.Done():
	default:
		t.Fatal("app context still live after Stop")
	}
}

func TestAppStartsWhileBrokerDown(t *testing.T) {
	dial := func(ctx context.Context, onLost func(error)) (channel.Session, error) {
		return nil, errors.New("connection refused")
	}
	ctx := context.Background()
	a, err := New(ctx, writeConfig(t, testConfig), WithDialer(dial))
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))

	assert.False(t, a.Ready())
	st := a.monitor.Check(ctx)
	assert.False(t, st.Healthy(health.CommandChannel))

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	assert.NoError(t, a.Stop(stopCtx, StopSIGINT))
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(context.Background(), writeConfig(t, "mqtt: {}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mqtt.broker")
}

func TestApplyConfigEnablesOps(t *testing.T) {
	dial := func(ctx context.Context, onLost func(error)) (channel.Session, error) { return &stubSession{}, nil }
	ctx := context.Background()
	a, err := New(ctx, writeConfig(t, testConfig), WithDialer(dial))
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	require.False(t, a.ops.Enabled())

	prev := a.cfgm.Get()
	next := *prev
	next.Ops = config.OpsConfig{Enabled: true, Addr: "127.0.0.1:0"}
	next.Health.Interval = "30s"
	a.applyConfig(ctx, prev, &next)

	assert.True(t, a.ops.Enabled())
	select {
	case <-a.ops.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("ops server did not start after reload")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	assert.NoError(t, a.Stop(stopCtx, StopUnknown))
	assert.Empty(t, a.ops.Addr())
}

func TestMapHelpers(t *testing.T) {
	cfg := &config.Config{}
	sc, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, "./pumpd.db", sc.Path)

	cfg.Storage = config.StorageConfig{Driver: "postgres"}
	_, err = mapStorageConfig(cfg)
	assert.Error(t, err)

	to := mapTriggerOptions(cfg)
	assert.Equal(t, config.DefaultTimezone, to.Timezone)
	assert.Equal(t, config.DefaultDurationSeconds, to.DefaultDurationSeconds)

	ho, err := mapHealthOptions(cfg)
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, ho.Interval)
	assert.Equal(t, ho.Interval, ho.RecoveryInterval)

	assert.Equal(t, config.DefaultAIServiceURL, aiServiceURL(cfg))
	cfg.Health.AIServiceURL = "off"
	assert.Empty(t, aiServiceURL(cfg))

	_, chOpts, err := mapChannelConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultCommandTopic, chOpts.CommandTopic)
	assert.Equal(t, 20*time.Second, chOpts.AckTimeout)

	cfg.MQTT.AckTimeout = "soon"
	_, _, err = mapChannelConfig(cfg)
	assert.Error(t, err)

	acks, tele := inboundTopics(cfg)
	assert.Equal(t, config.DefaultAckTopics, acks)
	assert.Equal(t, config.DefaultTelemetryTopics, tele)
	assert.Equal(t, config.DefaultOpsAddr, mapOpsConfig(cfg).Addr)
}
