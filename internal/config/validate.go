package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "pumpd/pkg/logx"
)

// Validate checks a parsed config before it is committed (initial load and hot reload).
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if !logx.ValidLevel(c.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}

	if strings.TrimSpace(c.MQTT.Broker) == "" {
		add(errors.New("mqtt.broker required"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		add(fmt.Errorf("mqtt.qos must be 0, 1 or 2"))
	}
	if c.MQTT.ReconnectAttempts < 0 {
		add(fmt.Errorf("mqtt.reconnect_attempts must be >= 0"))
	}
	dur("mqtt.connect_timeout", c.MQTT.ConnectTimeout)
	dur("mqtt.keep_alive", c.MQTT.KeepAlive)
	dur("mqtt.publish_timeout", c.MQTT.PublishTimeout)
	dur("mqtt.reconnect_base", c.MQTT.ReconnectBase)
	dur("mqtt.reconnect_max", c.MQTT.ReconnectMax)
	dur("mqtt.ack_timeout", c.MQTT.AckTimeout)
	if t := strings.TrimSpace(c.MQTT.CommandTopic); t != "" && !strings.Contains(t, "{device}") {
		add(fmt.Errorf("mqtt.command_topic must contain {device}"))
	}

	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}
	if c.Scheduler.DefaultDurationSeconds < 0 || c.Scheduler.DefaultDurationSeconds > 300 {
		add(fmt.Errorf("scheduler.default_duration_seconds must be within 0..300"))
	}
	if c.Scheduler.MissWarnThreshold < 0 {
		add(fmt.Errorf("scheduler.miss_warn_threshold must be >= 0"))
	}

	dur("health.interval", c.Health.Interval)
	dur("health.probe_timeout", c.Health.ProbeTimeout)
	dur("health.recovery_interval", c.Health.RecoveryInterval)

	switch d := strings.ToLower(strings.TrimSpace(c.Storage.Driver)); d {
	case "", "sqlite", "memory", "file":
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			add(errors.New("storage.dsn required for postgres driver"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	dur("storage.busy_timeout", c.Storage.BusyTimeout)

	if c.Redis.Enabled && strings.TrimSpace(c.Redis.Addr) == "" {
		add(errors.New("redis.addr required when redis.enabled"))
	}
	return errors.Join(errs...)
}
