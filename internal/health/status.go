package health

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Dependency names reported in Status.
const (
	CommandChannel = "commandChannel"
	AIService      = "aiService"
	Database       = "database"
	Redis          = "redis"
)

// ProbeTimeoutError is recorded when a probe does not answer within the probe timeout.
type ProbeTimeoutError struct {
	Dependency string
	Timeout    time.Duration
}

func (e *ProbeTimeoutError) Error() string {
	return fmt.Sprintf("%s probe timed out after %s", e.Dependency, e.Timeout)
}

// Result is the outcome of one probe.
type Result struct {
	Healthy   bool          `json:"healthy"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"-"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// Status is an immutable snapshot produced by one check cycle.
type Status struct {
	Dependencies  map[string]Result
	LastCheckedAt time.Time
	Latency       time.Duration
}

// Healthy reports the last known health of name (false when unknown).
func (s Status) Healthy(name string) bool {
	return s.Dependencies[name].Healthy
}

// Unhealthy lists the names of failing dependencies, sorted.
func (s Status) Unhealthy() []string {
	var out []string
	for name, r := range s.Dependencies {
		if !r.Healthy {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// MarshalJSON renders {"<dep>": bool, ..., "lastCheckedAt", "latencyMs", "details"}.
func (s Status) MarshalJSON() ([]byte, error) {
	type detail struct {
		Result
		LatencyMs int64 `json:"latencyMs"`
	}
	out := make(map[string]any, len(s.Dependencies)+3)
	details := make(map[string]detail, len(s.Dependencies))
	for name, r := range s.Dependencies {
		out[name] = r.Healthy
		details[name] = detail{Result: r, LatencyMs: r.Latency.Milliseconds()}
	}
	if s.LastCheckedAt.IsZero() {
		out["lastCheckedAt"] = nil
	} else {
		out["lastCheckedAt"] = s.LastCheckedAt
	}
	out["latencyMs"] = s.Latency.Milliseconds()
	out["details"] = details
	return json.Marshal(out)
}

func (s Status) clone() Status {
	deps := make(map[string]Result, len(s.Dependencies))
	for k, v := range s.Dependencies {
		deps[k] = v
	}
	s.Dependencies = deps
	return s
}
