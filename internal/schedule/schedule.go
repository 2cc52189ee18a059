// Package schedule defines the persisted watering schedule and the repository
// contract the orchestration core reads it through.
package schedule

import (
	"context"
	"time"
)

// Schedule is a persisted periodic pump activation.
type Schedule struct {
	ID              string    `json:"id"`
	PlantID         string    `json:"plant_id,omitempty"`
	DeviceKey       string    `json:"device_key"`
	Expression      string    `json:"expression"`
	DurationSeconds int       `json:"duration_seconds"`
	Active          bool      `json:"active"`
	Timezone        string    `json:"timezone,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Pump duration bounds accepted by devices.
const (
	MinDurationSeconds = 1
	MaxDurationSeconds = 300
)

// Repository is the persistence collaborator. FindByID returns (nil, nil) when
// absent and DeleteByID of a missing id is a no-op.
type Repository interface {
	FindAll(ctx context.Context) ([]Schedule, error)
	FindByID(ctx context.Context, id string) (*Schedule, error)
	Save(ctx context.Context, s Schedule) (Schedule, error)
	DeleteByID(ctx context.Context, id string) error
}

// Activation is one fire (or skipped fire) of a schedule.
type Activation struct {
	ScheduleID      string    `json:"schedule_id"`
	DeviceKey       string    `json:"device_key"`
	CommandID       string    `json:"command_id,omitempty"`
	DurationSeconds int       `json:"duration_seconds"`
	Result          string    `json:"result"`
	Error           string    `json:"error,omitempty"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	FiredAt         time.Time `json:"fired_at"`
}

// Activation results.
const (
	ResultPublished = "published"
	ResultSkipped   = "skipped"
	ResultFailed    = "failed"
)

// ActivationLog records activations. Implementations must be safe for concurrent use.
type ActivationLog interface {
	AppendActivation(ctx context.Context, a Activation) error
	RecentActivations(ctx context.Context, scheduleID string, limit int) ([]Activation, error)
}
