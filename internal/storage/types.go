package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"pumpd/internal/schedule"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values: "memory", "file", "sqlite" (default), "postgres".
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the full persistence API used by the app.
type Store interface {
	schedule.Repository
	schedule.ActivationLog
	Ping(ctx context.Context) error
	Close() error
}

// prepareSave fills the id and timestamps of a schedule about to be written.
func prepareSave(s schedule.Schedule, now time.Time) (schedule.Schedule, error) {
	s.ID = strings.TrimSpace(s.ID)
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if strings.TrimSpace(s.DeviceKey) == "" {
		return s, errors.New("schedule device_key required")
	}
	if strings.TrimSpace(s.Expression) == "" {
		return s, errors.New("schedule expression required")
	}
	now = now.UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	return s, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 50
	}
	return limit
}
