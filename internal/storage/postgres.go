package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pumpd/internal/schedule"
	logx "pumpd/pkg/logx"
)

//go:embed migrations/postgres.sql
var postgresMigrations string

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	if pcfg.MaxConns < 4 {
		pcfg.MaxConns = 4
	}
	pcfg.MaxConnIdleTime = 5 * time.Minute

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(cctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(cctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(cctx, postgresMigrations); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Debug("postgres store opened", logx.String("host", pcfg.ConnConfig.Host), logx.String("database", pcfg.ConnConfig.Database))
	return &postgresStore{pool: pool, log: log}, nil
}

func scanPGSchedule(r pgx.Row) (schedule.Schedule, error) {
	var s schedule.Schedule
	err := r.Scan(&s.ID, &s.PlantID, &s.DeviceKey, &s.Expression, &s.DurationSeconds, &s.Active, &s.Timezone, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

func (p *postgresStore) FindAll(ctx context.Context) ([]schedule.Schedule, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.Schedule
	for rows.Next() {
		s, err := scanPGSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *postgresStore) FindByID(ctx context.Context, id string) (*schedule.Schedule, error) {
	s, err := scanPGSchedule(p.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *postgresStore) Save(ctx context.Context, s schedule.Schedule) (schedule.Schedule, error) {
	s, err := prepareSave(s, time.Now())
	if err != nil {
		return s, err
	}
	err = p.pool.QueryRow(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
		  plant_id = EXCLUDED.plant_id, device_key = EXCLUDED.device_key, expression = EXCLUDED.expression,
		  duration_seconds = EXCLUDED.duration_seconds, active = EXCLUDED.active, timezone = EXCLUDED.timezone,
		  updated_at = EXCLUDED.updated_at
		RETURNING created_at
	`, s.ID, s.PlantID, s.DeviceKey, s.Expression, s.DurationSeconds, s.Active, s.Timezone, s.CreatedAt, s.UpdatedAt,
	).Scan(&s.CreatedAt)
	return s, err
}

func (p *postgresStore) DeleteByID(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	return err
}

func (p *postgresStore) AppendActivation(ctx context.Context, a schedule.Activation) error {
	if a.FiredAt.IsZero() {
		a.FiredAt = time.Now()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO activations (schedule_id, device_key, command_id, duration_seconds, result, err, scheduled_at, fired_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ScheduleID, a.DeviceKey, nullStr(a.CommandID), a.DurationSeconds, a.Result, nullStr(a.Error), a.ScheduledAt, a.FiredAt)
	return err
}

func (p *postgresStore) RecentActivations(ctx context.Context, scheduleID string, limit int) ([]schedule.Activation, error) {
	q := `SELECT schedule_id, device_key, COALESCE(command_id, ''), duration_seconds, result, COALESCE(err, ''), scheduled_at, fired_at FROM activations`
	args := []any{}
	if scheduleID != "" {
		q += ` WHERE schedule_id = $1`
		args = append(args, scheduleID)
	}
	q += fmt.Sprintf(` ORDER BY id DESC LIMIT %d`, clampLimit(limit))

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.Activation
	for rows.Next() {
		var a schedule.Activation
		if err := rows.Scan(&a.ScheduleID, &a.DeviceKey, &a.CommandID, &a.DurationSeconds, &a.Result, &a.Error, &a.ScheduledAt, &a.FiredAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *postgresStore) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *postgresStore) Close() error {
	p.pool.Close()
	return nil
}
