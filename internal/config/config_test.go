package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
mqtt:
  broker: tcp://localhost:1883
  client_id: pumpd-test
  reconnect_attempts: 5
scheduler:
  timezone: Asia/Ho_Chi_Minh
health:
  interval: 30s
  probe_timeout: 2s
storage:
  driver: sqlite
  path: ./pumpd.db
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadYAML(t *testing.T) {
	m := NewManager(writeFile(t, "pumpd.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, 5, cfg.MQTT.ReconnectAttempts)
	assert.Equal(t, "30s", cfg.Health.Interval)
	assert.Same(t, cfg, m.Get())
}

func TestParseRejectsUnknownFields(t *testing.T) {
	m := NewManager(writeFile(t, "pumpd.json", `{"mqtt":{"broker":"tcp://x:1883","bogus":1}}`))
	_, err := m.Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestParseRejectsTrailingData(t *testing.T) {
	m := NewManager(writeFile(t, "pumpd.json", `{"mqtt":{"broker":"tcp://x:1883"}}{}`))
	_, err := m.Parse()
	require.Error(t, err)
}

func TestEnvOverridesAndExpansion(t *testing.T) {
	t.Setenv(EnvMQTTPassword, "s3cret")
	t.Setenv("PUMPD_TEST_BROKER", "tcp://broker.local:1883")
	m := NewManager(writeFile(t, "pumpd.yaml", "mqtt:\n  broker: ${PUMPD_TEST_BROKER}\n  password: from-file\n"))
	cfg, err := m.Parse()
	require.NoError(t, err)
	assert.Equal(t, "tcp://broker.local:1883", cfg.MQTT.Broker)
	assert.Equal(t, "s3cret", cfg.MQTT.Password)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"missing broker", func(c *Config) { c.MQTT.Broker = "" }, "mqtt.broker"},
		{"bad duration", func(c *Config) { c.Health.Interval = "soon" }, "health.interval"},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.dsn"},
		{"topic without device", func(c *Config) { c.MQTT.CommandTopic = "pumps/cmd" }, "command_topic"},
		{"duration range", func(c *Config) { c.Scheduler.DefaultDurationSeconds = 301 }, "default_duration_seconds"},
		{"bad level", func(c *Config) { c.Logging.Level = "chatty" }, "logging.level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &Config{MQTT: MQTTConfig{Broker: "tcp://x:1883"}}
			tc.mutate(c)
			err := c.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	a := &Config{MQTT: MQTTConfig{Broker: "tcp://x:1883", Password: "old"}}
	b := &Config{MQTT: MQTTConfig{Broker: "tcp://x:1883", Password: "new"}, Logging: LoggingConfig{Level: "debug"}}

	sections, attrs := SummarizeConfigChange(a, b)
	assert.ElementsMatch(t, []string{"logging", "mqtt"}, sections)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"mqtt"}, RestartRequired(sections))

	sections, _ = SummarizeConfigChange(a, a)
	assert.Empty(t, sections)
}

func TestDurationHelpers(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, d)

	_, err = ParseDurationField("x", "-1s")
	require.Error(t, err)

	assert.Equal(t, time.Minute, MustDuration("nonsense", time.Minute))
	assert.Equal(t, 2*time.Second, MustDuration("2s", time.Minute))
}

func TestWatchPublishesValidReload(t *testing.T) {
	path := writeFile(t, "pumpd.yaml", sampleYAML)
	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// invalid content is rejected and never published
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("mqtt:\n  broker: \"\"\n"), 0o644))
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, sub, 0)

	updated := strings.Replace(sampleYAML, "interval: 30s", "interval: 45s", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case cfg := <-sub:
		assert.Equal(t, "45s", cfg.Health.Interval)
		assert.Equal(t, "45s", m.Get().Health.Interval)
	case <-time.After(5 * time.Second):
		t.Fatal("reload not published")
	}
}
