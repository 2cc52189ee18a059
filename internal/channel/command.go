package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"pumpd/internal/metrics"
	logx "pumpd/pkg/logx"
)

const (
	CommandPumpOn  = "pump_on"
	CommandPumpOff = "pump_off"

	DefaultCommandTopic = "smartplant/device/{device}/command"

	MinPumpSeconds = 1
	MaxPumpSeconds = 300
)

// Command is a device instruction. It marshals to the wire payload
// {commandName, parameters, commandId, issuedAt}.
type Command struct {
	DeviceKey  string         `json:"-"`
	Name       string         `json:"commandName"`
	Parameters map[string]any `json:"parameters,omitempty"`
	ID         string         `json:"commandId"`
	IssuedAt   time.Time      `json:"issuedAt"`
}

// NewCommand returns a command with a fresh id and issue time.
func NewCommand(deviceKey, name string, params map[string]any) Command {
	return Command{
		DeviceKey:  deviceKey,
		Name:       name,
		Parameters: params,
		ID:         uuid.NewString(),
		IssuedAt:   time.Now().UTC(),
	}
}

// PumpOn builds a pump_on command running for durationSeconds.
func PumpOn(deviceKey string, durationSeconds int) Command {
	return NewCommand(deviceKey, CommandPumpOn, map[string]any{
		"duration": durationSeconds,
		"state":    "ON",
	})
}

// PumpOff builds a pump_off command.
func PumpOff(deviceKey string) Command {
	return NewCommand(deviceKey, CommandPumpOff, map[string]any{"state": "OFF"})
}

// ValidatePumpCommand checks a command before it is sent to a device.
func ValidatePumpCommand(cmd Command) error {
	if strings.TrimSpace(cmd.DeviceKey) == "" {
		return fmt.Errorf("%w: device key is required", ErrInvalidCommand)
	}
	switch cmd.Name {
	case CommandPumpOn:
		d, ok := durationParam(cmd.Parameters)
		if !ok {
			return fmt.Errorf("%w: pump_on requires a numeric parameters.duration", ErrInvalidCommand)
		}
		if d < MinPumpSeconds || d > MaxPumpSeconds {
			return fmt.Errorf("%w: duration %d outside %d..%d seconds", ErrInvalidCommand, d, MinPumpSeconds, MaxPumpSeconds)
		}
	case CommandPumpOff:
	default:
		return fmt.Errorf("%w: unknown command %q", ErrInvalidCommand, cmd.Name)
	}
	return nil
}

func durationParam(p map[string]any) (int, bool) {
	switch v := p["duration"].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	default:
		return 0, false
	}
}

// CommandTopic expands the {device} placeholder of template.
func CommandTopic(template, deviceKey string) string {
	return strings.ReplaceAll(template, "{device}", deviceKey)
}

// PublishCommand serialises cmd and publishes it to the device command topic.
// Missing id and issue time are filled in.
func (c *Channel) PublishCommand(ctx context.Context, cmd Command) error {
	_, err := c.publishCommand(ctx, cmd)
	return err
}

func (c *Channel) publishCommand(ctx context.Context, cmd Command) (Command, error) {
	if strings.TrimSpace(cmd.DeviceKey) == "" {
		return cmd, fmt.Errorf("%w: device key is required", ErrInvalidCommand)
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = c.now().UTC()
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return cmd, err
	}
	topic := CommandTopic(c.opts.CommandTopic, cmd.DeviceKey)
	if err := c.Publish(ctx, topic, payload); err != nil {
		return cmd, err
	}
	c.log.Debug("command published",
		logx.String("device", cmd.DeviceKey),
		logx.String("command", cmd.Name),
		logx.String("command_id", cmd.ID),
	)
	return cmd, nil
}

// SendCommand publishes cmd and waits for the device acknowledgement.
// Without an ack within the ack timeout the result has status AckUnknown,
// never AckError.
func (c *Channel) SendCommand(ctx context.Context, cmd Command) (Ack, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	wait := c.acks.track(cmd.ID, cmd.DeviceKey, cmd.Name, c.opts.AckTimeout)
	if _, err := c.publishCommand(ctx, cmd); err != nil {
		c.acks.cancel(cmd.ID)
		return Ack{}, err
	}
	select {
	case ack := <-wait:
		metrics.CommandAcks.WithLabelValues(ack.Status).Inc()
		if ack.Status == AckUnknown && ack.Message == ackTimeoutMessage {
			c.log.Warn("device did not acknowledge command",
				logx.String("device", cmd.DeviceKey),
				logx.String("command_id", cmd.ID),
				logx.Duration("ack_timeout", c.opts.AckTimeout),
			)
		}
		return ack, nil
	case <-ctx.Done():
		c.acks.cancel(cmd.ID)
		return Ack{}, ctx.Err()
	}
}
