package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pumpd/internal/schedule"
	logx "pumpd/pkg/logx"
)

//go:embed migrations/sqlite.sql
var sqliteMigrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./pumpd.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, sqliteMigrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return newSQLiteStore(db, log), nil
}

func newSQLiteStore(db *sql.DB, log logx.Logger) *sqliteStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqliteStore{db: db, log: log}
}

const scheduleColumns = `id, plant_id, device_key, expression, duration_seconds, active, timezone, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSchedule(r rowScanner) (schedule.Schedule, error) {
	var (
		s                schedule.Schedule
		active           int64
		created, updated string
	)
	if err := r.Scan(&s.ID, &s.PlantID, &s.DeviceKey, &s.Expression, &s.DurationSeconds, &active, &s.Timezone, &created, &updated); err != nil {
		return s, err
	}
	s.Active = active != 0
	s.CreatedAt = parseStoredTime(created)
	s.UpdatedAt = parseStoredTime(updated)
	return s, nil
}

func (s *sqliteStore) FindAll(ctx context.Context) ([]schedule.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.Schedule
	for rows.Next() {
		sc, err := scanSQLiteSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) FindByID(ctx context.Context, id string) (*schedule.Schedule, error) {
	sc, err := scanSQLiteSchedule(s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *sqliteStore) Save(ctx context.Context, sc schedule.Schedule) (schedule.Schedule, error) {
	sc, err := prepareSave(sc, time.Now())
	if err != nil {
		return sc, err
	}
	var created string
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO schedules(`+scheduleColumns+`) VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   plant_id=excluded.plant_id, device_key=excluded.device_key, expression=excluded.expression,
		   duration_seconds=excluded.duration_seconds, active=excluded.active, timezone=excluded.timezone,
		   updated_at=excluded.updated_at
		 RETURNING created_at`,
		sc.ID, sc.PlantID, sc.DeviceKey, sc.Expression, sc.DurationSeconds, boolInt(sc.Active), sc.Timezone,
		formatStoredTime(sc.CreatedAt), formatStoredTime(sc.UpdatedAt),
	).Scan(&created)
	if err != nil {
		return sc, err
	}
	sc.CreatedAt = parseStoredTime(created)
	return sc, nil
}

func (s *sqliteStore) DeleteByID(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) AppendActivation(ctx context.Context, a schedule.Activation) error {
	if a.FiredAt.IsZero() {
		a.FiredAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activations(schedule_id, device_key, command_id, duration_seconds, result, err, scheduled_at, fired_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		a.ScheduleID, a.DeviceKey, nullStr(a.CommandID), a.DurationSeconds, a.Result, nullStr(a.Error),
		formatStoredTime(a.ScheduledAt), formatStoredTime(a.FiredAt),
	)
	return err
}

func (s *sqliteStore) RecentActivations(ctx context.Context, scheduleID string, limit int) ([]schedule.Activation, error) {
	q := `SELECT schedule_id, device_key, command_id, duration_seconds, result, err, scheduled_at, fired_at FROM activations`
	args := []any{}
	if scheduleID != "" {
		q += ` WHERE schedule_id = ?`
		args = append(args, scheduleID)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.Activation
	for rows.Next() {
		var (
			a                schedule.Activation
			cmdID, errText   sql.NullString
			scheduled, fired string
		)
		if err := rows.Scan(&a.ScheduleID, &a.DeviceKey, &cmdID, &a.DurationSeconds, &a.Result, &errText, &scheduled, &fired); err != nil {
			return nil, err
		}
		a.CommandID = cmdID.String
		a.Error = errText.String
		a.ScheduledAt = parseStoredTime(scheduled)
		a.FiredAt = parseStoredTime(fired)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func formatStoredTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseStoredTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
