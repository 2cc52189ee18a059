package config

import (
	"reflect"
	"strings"

	logx "pumpd/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and
// safe structured attrs for logging (never includes passwords or tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Compare without secrets, then surface only whether they changed.
	om, nm := oldCfg.MQTT, newCfg.MQTT
	secretChanged := om.Password != nm.Password
	om.Password, nm.Password = "", ""
	if secretChanged || !reflect.DeepEqual(om, nm) {
		changed = append(changed, "mqtt")
		attrs = append(attrs,
			logx.String("mqtt.broker", nm.Broker),
			logx.String("mqtt.client_id", nm.ClientID),
			logx.Bool("mqtt.password_changed", secretChanged),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Int("scheduler.default_duration_seconds", newCfg.Scheduler.DefaultDurationSeconds),
		)
	}

	if oldCfg.Health != newCfg.Health {
		changed = append(changed, "health")
		attrs = append(attrs,
			logx.String("health.interval", newCfg.Health.Interval),
			logx.String("health.probe_timeout", newCfg.Health.ProbeTimeout),
			logx.Bool("health.ai_service_set", strings.TrimSpace(newCfg.Health.AIServiceURL) != ""),
		)
	}

	if oldCfg.Storage.Driver != newCfg.Storage.Driver ||
		oldCfg.Storage.Path != newCfg.Storage.Path ||
		oldCfg.Storage.DSN != newCfg.Storage.DSN ||
		oldCfg.Storage.BusyTimeout != newCfg.Storage.BusyTimeout {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}

	if oldCfg.Redis != newCfg.Redis {
		changed = append(changed, "redis")
		attrs = append(attrs,
			logx.Bool("redis.enabled", newCfg.Redis.Enabled),
			logx.String("redis.addr", newCfg.Redis.Addr),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.token_set", newCfg.Ops.Token != ""),
		)
	}
	return changed, attrs
}

// RestartRequired lists changed sections that are only read at startup.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "mqtt", "storage", "redis", "scheduler":
			out = append(out, s)
		}
	}
	return out
}
