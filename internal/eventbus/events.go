package eventbus

import "time"

// Event types published by pumpd components.
const (
	ChannelConnected    = "channel.connected"
	ChannelDisconnected = "channel.disconnected"
	CommandAcked        = "command.acked"

	TriggerFired   = "trigger.fired"
	TriggerSkipped = "trigger.skipped"

	HealthCycle   = "health.cycle"
	HealthChanged = "health.changed"
)

// Connectivity is the payload of ChannelConnected / ChannelDisconnected.
type Connectivity struct {
	Connected bool   `json:"connected"`
	Reason    string `json:"reason,omitempty"`
}

// Activation is the payload of TriggerFired / TriggerSkipped.
type Activation struct {
	ScheduleID string    `json:"schedule_id"`
	DeviceKey  string    `json:"device_key"`
	CommandID  string    `json:"command_id,omitempty"`
	Scheduled  time.Time `json:"scheduled_at"`
	Reason     string    `json:"reason,omitempty"`
}

// DependencyChange is the payload of HealthChanged.
type DependencyChange struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}
