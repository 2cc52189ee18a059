package channel

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestValidatePumpCommand(t *testing.T) {
	cases := []struct {
		name string
		cmd  Command
		ok   bool
	}{
		{"pump on", PumpOn("d1", 10), true},
		{"pump on min", PumpOn("d1", 1), true},
		{"pump on max", PumpOn("d1", 300), true},
		{"pump off", PumpOff("d1"), true},
		{"zero duration", PumpOn("d1", 0), false},
		{"too long", PumpOn("d1", 301), false},
		{"float duration", Command{DeviceKey: "d1", Name: CommandPumpOn, Parameters: map[string]any{"duration": 12.0}}, true},
		{"fractional duration", Command{DeviceKey: "d1", Name: CommandPumpOn, Parameters: map[string]any{"duration": 1.5}}, false},
		{"json number", Command{DeviceKey: "d1", Name: CommandPumpOn, Parameters: map[string]any{"duration": json.Number("30")}}, true},
		{"string duration", Command{DeviceKey: "d1", Name: CommandPumpOn, Parameters: map[string]any{"duration": "30"}}, false},
		{"missing duration", Command{DeviceKey: "d1", Name: CommandPumpOn}, false},
		{"unknown command", Command{DeviceKey: "d1", Name: "reboot"}, false},
		{"no device", PumpOff(""), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePumpCommand(tc.cmd)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.Is(err, ErrInvalidCommand) {
					t.Fatalf("want ErrInvalidCommand, got %v", err)
				}
			}
		})
	}
}

func TestDeviceFromTopic(t *testing.T) {
	cases := map[string]string{
		"smartplant/device/dev-1/response": "dev-1",
		"smartplant/dev-2/response":        "dev-2",
		"smartplant/dev-3/sensor-data":     "dev-3",
		"smartplant/status":                "",
		"":                                 "",
	}
	for topic, want := range cases {
		if got := DeviceFromTopic(topic); got != want {
			t.Errorf("DeviceFromTopic(%q) = %q, want %q", topic, got, want)
		}
	}
}

func TestCommandTopic(t *testing.T) {
	if got := CommandTopic(DefaultCommandTopic, "abc"); got != "smartplant/device/abc/command" {
		t.Fatalf("got %q", got)
	}
}
