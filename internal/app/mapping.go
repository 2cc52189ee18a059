package app

import (
	"fmt"
	"strings"
	"time"

	"pumpd/internal/channel"
	"pumpd/internal/config"
	"pumpd/internal/health"
	"pumpd/internal/opsapi"
	"pumpd/internal/storage"
	"pumpd/internal/telemetry"
	"pumpd/internal/trigger"
	logx "pumpd/pkg/logx"
)

// The map* helpers turn the on-disk config into component options. They
// assume cfg already passed Validate, but still report duration errors.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "memory":
		return storage.Config{Driver: driver}, nil
	case "file":
		if path == "" {
			path = "./data/schedules"
		}
		return storage.Config{Driver: driver, Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			path = "./pumpd.db"
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: "postgres", DSN: sc.DSN}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapChannelConfig(cfg *config.Config) (channel.DialOptions, channel.Options, error) {
	m := cfg.MQTT
	var errs []error
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := config.ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	dial := channel.DialOptions{
		Broker:         strings.TrimSpace(m.Broker),
		ClientID:       m.ClientID,
		Username:       m.Username,
		Password:       m.Password,
		ConnectTimeout: dur("mqtt.connect_timeout", m.ConnectTimeout, 4*time.Second),
		KeepAlive:      dur("mqtt.keep_alive", m.KeepAlive, 30*time.Second),
	}
	topic := strings.TrimSpace(m.CommandTopic)
	if topic == "" {
		topic = config.DefaultCommandTopic
	}
	opts := channel.Options{
		QoS:               byte(m.QoS),
		PublishTimeout:    dur("mqtt.publish_timeout", m.PublishTimeout, 5*time.Second),
		ReconnectBase:     dur("mqtt.reconnect_base", m.ReconnectBase, time.Second),
		ReconnectMax:      dur("mqtt.reconnect_max", m.ReconnectMax, 30*time.Second),
		ReconnectAttempts: m.ReconnectAttempts,
		CommandTopic:      topic,
		AckTimeout:        dur("mqtt.ack_timeout", m.AckTimeout, 20*time.Second),
	}
	if len(errs) > 0 {
		return dial, opts, errs[0]
	}
	return dial, opts, nil
}

func inboundTopics(cfg *config.Config) (acks, telemetry []string) {
	acks = cfg.MQTT.AckTopics
	if len(acks) == 0 {
		acks = config.DefaultAckTopics
	}
	telemetry = cfg.MQTT.TelemetryTopics
	if len(telemetry) == 0 {
		telemetry = config.DefaultTelemetryTopics
	}
	return acks, telemetry
}

func mapTriggerOptions(cfg *config.Config) trigger.Options {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		tz = config.DefaultTimezone
	}
	def := cfg.Scheduler.DefaultDurationSeconds
	if def == 0 {
		def = config.DefaultDurationSeconds
	}
	miss := cfg.Scheduler.MissWarnThreshold
	if miss == 0 {
		miss = 3
	}
	return trigger.Options{
		Timezone:               tz,
		DefaultDurationSeconds: def,
		MissWarnThreshold:      miss,
	}
}

func mapHealthOptions(cfg *config.Config) (health.Options, error) {
	h := cfg.Health
	interval, err := config.ParseDurationOrDefault("health.interval", h.Interval, 60*time.Second)
	if err != nil {
		return health.Options{}, err
	}
	probe, err := config.ParseDurationOrDefault("health.probe_timeout", h.ProbeTimeout, 5*time.Second)
	if err != nil {
		return health.Options{}, err
	}
	recovery, err := config.ParseDurationOrDefault("health.recovery_interval", h.RecoveryInterval, interval)
	if err != nil {
		return health.Options{}, err
	}
	return health.Options{Interval: interval, ProbeTimeout: probe, RecoveryInterval: recovery}, nil
}

// aiServiceURL returns "" when the probe is disabled.
func aiServiceURL(cfg *config.Config) string {
	u := strings.TrimSpace(cfg.Health.AIServiceURL)
	switch strings.ToLower(u) {
	case "":
		return config.DefaultAIServiceURL
	case "off", "none", "disabled":
		return ""
	}
	return u
}

func mapTelemetryOptions(cfg *config.Config) telemetry.Options {
	r := cfg.Redis
	return telemetry.Options{
		Addr:            strings.TrimSpace(r.Addr),
		Password:        r.Password,
		DB:              r.DB,
		AckStream:       r.AckStream,
		TelemetryStream: r.TelemetryStream,
		MaxLen:          r.StreamMaxLen,
	}
}

func mapOpsConfig(cfg *config.Config) opsapi.Config {
	addr := strings.TrimSpace(cfg.Ops.Addr)
	if addr == "" {
		addr = config.DefaultOpsAddr
	}
	return opsapi.Config{
		Enabled:       cfg.Ops.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(cfg.Ops.Token),
		AllowInsecure: cfg.Ops.AllowInsecure,
		Pprof:         cfg.Ops.Pprof,
		ReadTimeout:   10 * time.Second,
		IdleTimeout:   60 * time.Second,
	}
}
