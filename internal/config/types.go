package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Empty durations fall back to the defaults documented per field.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	MQTT      MQTTConfig      `json:"mqtt"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Health    HealthConfig    `json:"health"`
	Storage   StorageConfig   `json:"storage"`
	Redis     RedisConfig     `json:"redis,omitempty"`
	Ops       OpsConfig       `json:"ops,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	JSON    bool          `json:"json,omitempty"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// MQTTConfig controls the command channel.
//
// Defaults:
//   - connect_timeout: "4s"
//   - keep_alive: "30s"
//   - publish_timeout: "5s"
//   - reconnect_base: "1s", reconnect_max: "30s", reconnect_attempts: 10
//   - ack_timeout: "20s"
//   - command_topic: "smartplant/device/{device}/command"
type MQTTConfig struct {
	Broker   string `json:"broker"`
	ClientID string `json:"client_id,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	QoS      int    `json:"qos,omitempty"`

	ConnectTimeout    string `json:"connect_timeout,omitempty"`
	KeepAlive         string `json:"keep_alive,omitempty"`
	PublishTimeout    string `json:"publish_timeout,omitempty"`
	ReconnectBase     string `json:"reconnect_base,omitempty"`
	ReconnectMax      string `json:"reconnect_max,omitempty"`
	ReconnectAttempts int    `json:"reconnect_attempts,omitempty"`
	AckTimeout        string `json:"ack_timeout,omitempty"`

	CommandTopic    string   `json:"command_topic,omitempty"`
	AckTopics       []string `json:"ack_topics,omitempty"`
	TelemetryTopics []string `json:"telemetry_topics,omitempty"`
}

// SchedulerConfig controls the trigger engine.
//
// Defaults:
//   - timezone: "Asia/Ho_Chi_Minh" (used when a schedule has none)
//   - default_duration_seconds: 10
//   - miss_warn_threshold: 3 consecutive missed activations
type SchedulerConfig struct {
	Timezone               string `json:"timezone"`
	DefaultDurationSeconds int    `json:"default_duration_seconds,omitempty"`
	MissWarnThreshold      int    `json:"miss_warn_threshold,omitempty"`
}

// HealthConfig controls the integration health monitor.
//
// Defaults:
//   - interval: "60s"
//   - probe_timeout: "5s"
//   - recovery_interval: same as interval
type HealthConfig struct {
	Interval         string `json:"interval,omitempty"`
	ProbeTimeout     string `json:"probe_timeout,omitempty"`
	RecoveryInterval string `json:"recovery_interval,omitempty"`
	// AIServiceURL is probed at {url}/health. Empty means DefaultAIServiceURL;
	// "off" disables the probe.
	AIServiceURL string `json:"ai_service_url,omitempty"`
}

// StorageConfig selects the schedule repository.
//
// driver: "memory" | "file" | "sqlite" | "postgres" (default "sqlite").
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// RedisConfig enables the ack/telemetry stream sink.
type RedisConfig struct {
	Enabled         bool   `json:"enabled"`
	Addr            string `json:"addr,omitempty"`
	Password        string `json:"password,omitempty"`
	DB              int    `json:"db,omitempty"`
	StreamMaxLen    int64  `json:"stream_max_len,omitempty"`
	AckStream       string `json:"ack_stream,omitempty"`
	TelemetryStream string `json:"telemetry_stream,omitempty"`
}

// OpsConfig controls the operational HTTP server (status, metrics, control).
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	// Token, when set, is required as a bearer token on mutating endpoints.
	Token string `json:"token,omitempty"`
	Pprof bool   `json:"pprof,omitempty"`
	// AllowInsecure permits a non-loopback addr without a token.
	AllowInsecure bool `json:"allow_insecure,omitempty"`
}

const (
	DefaultTimezone        = "Asia/Ho_Chi_Minh"
	DefaultDurationSeconds = 10
	DefaultCommandTopic    = "smartplant/device/{device}/command"
	DefaultOpsAddr         = "127.0.0.1:8089"
	DefaultAIServiceURL    = "http://localhost:3001"
)

// DefaultAckTopics are the device response topics.
var DefaultAckTopics = []string{"smartplant/device/+/response", "smartplant/+/response"}

// DefaultTelemetryTopics carry device status and sensor readings.
var DefaultTelemetryTopics = []string{"smartplant/+/sensor-data", "smartplant/+/status"}
