package config

import (
	"os"
	"strings"
)

// Environment overrides for secrets and deployment-specific endpoints.
// They win over file values so the config file can be committed without secrets.
const (
	EnvMQTTBroker   = "PUMPD_MQTT_BROKER"
	EnvMQTTUsername = "PUMPD_MQTT_USERNAME"
	EnvMQTTPassword = "PUMPD_MQTT_PASSWORD"
	EnvDatabaseDSN  = "PUMPD_DATABASE_DSN"
	EnvRedisAddr    = "PUMPD_REDIS_ADDR"
	EnvRedisPass    = "PUMPD_REDIS_PASSWORD"
	EnvAIServiceURL = "PUMPD_AI_SERVICE_URL"
	EnvOpsToken     = "PUMPD_OPS_TOKEN"
)

// ApplyEnv overlays non-empty environment variables onto cfg.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	set := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&cfg.MQTT.Broker, EnvMQTTBroker)
	set(&cfg.MQTT.Username, EnvMQTTUsername)
	set(&cfg.MQTT.Password, EnvMQTTPassword)
	set(&cfg.Storage.DSN, EnvDatabaseDSN)
	set(&cfg.Redis.Addr, EnvRedisAddr)
	set(&cfg.Redis.Password, EnvRedisPass)
	set(&cfg.Health.AIServiceURL, EnvAIServiceURL)
	set(&cfg.Ops.Token, EnvOpsToken)
}
