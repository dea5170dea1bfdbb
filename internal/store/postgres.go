package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"videogen-queue/internal/models"
)

// AuditStore appends job lifecycle events to Postgres. The registry stays in
// memory; this is an append-only trail for operators.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates a pooled connection to Postgres.
func NewAuditStore(ctx context.Context, dsn string) (*AuditStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &AuditStore{pool: pool}, nil
}

func (s *AuditStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Notify records a single lifecycle event.
func (s *AuditStore) Notify(ctx context.Context, ev models.JobEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_events (job_id, event, status, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.JobID, ev.Type, string(ev.Status), ev.Detail, at.UTC())
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}

// History returns the recorded events for a job, oldest first.
func (s *AuditStore) History(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, status, detail, recorded_at
		FROM job_events WHERE job_id = $1
		ORDER BY recorded_at ASC, id ASC
		LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("query job events: %w", err)
	}
	defer rows.Close()

	var out []models.JobEvent
	for rows.Next() {
		var ev models.JobEvent
		var status string
		if err := rows.Scan(&ev.JobID, &ev.Type, &status, &ev.Detail, &ev.At); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		ev.Status = models.Status(status)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job events: %w", err)
	}
	return out, nil
}
