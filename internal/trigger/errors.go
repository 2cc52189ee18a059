package trigger

import (
	"errors"
	"fmt"
)

var ErrStopped = errors.New("trigger engine stopped")

// ValidationError rejects a schedule at registration. Nothing is installed.
type ValidationError struct {
	ScheduleID string
	Field      string
	Value      string
	Err        error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schedule %q: invalid %s %q: %v", e.ScheduleID, e.Field, e.Value, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
