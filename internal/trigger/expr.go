package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseExpression turns a schedule expression into a cron spec.
//
// Supported forms:
//   - cron, 5 or 6 fields: "0 6 * * *", "30 0 6 * * *"
//   - descriptors: "@daily", "@hourly", "@every 6h"
//   - "daily HH:MM", "weekly <dow> HH:MM" (dow: sun..sat or 0..6)
//
// A "cron:" prefix forces cron parsing.
func ParseExpression(raw string) (cron.Schedule, string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, "", fmt.Errorf("expression required")
	}

	low := strings.ToLower(s)
	spec := s
	switch {
	case strings.HasPrefix(low, "cron:"):
		spec = strings.TrimSpace(s[len("cron:"):])
		if spec == "" {
			return nil, "", fmt.Errorf("cron expression required after 'cron:'")
		}
	case strings.HasPrefix(low, "daily "):
		h, m, err := parseHHMM(s[len("daily "):])
		if err != nil {
			return nil, "", err
		}
		spec = fmt.Sprintf("%d %d * * *", m, h)
	case strings.HasPrefix(low, "weekly "):
		f := strings.Fields(s[len("weekly "):])
		if len(f) != 2 {
			return nil, "", fmt.Errorf("invalid weekly expression %q, expected 'weekly <dow> HH:MM'", raw)
		}
		dow, err := parseWeekday(f[0])
		if err != nil {
			return nil, "", err
		}
		h, m, err := parseHHMM(f[1])
		if err != nil {
			return nil, "", err
		}
		spec = fmt.Sprintf("%d %d * * %d", m, h, int(dow))
	}

	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, "", err
	}
	return sched, spec, nil
}

// inLocation evaluates a cron schedule in a fixed timezone.
type inLocation struct {
	cron.Schedule
	loc *time.Location
}

func (s inLocation) Next(t time.Time) time.Time {
	return s.Schedule.Next(t.In(s.loc))
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func parseWeekday(s string) (time.Weekday, error) {
	low := strings.ToLower(strings.TrimSpace(s))
	if len(low) >= 3 {
		if d, ok := weekdays[low[:3]]; ok {
			return d, nil
		}
	}
	if n, err := strconv.Atoi(low); err == nil && n >= 0 && n <= 6 {
		return time.Weekday(n), nil
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}
