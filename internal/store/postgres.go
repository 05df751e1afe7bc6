package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/models"
)

// schemaSQL is embedded so the service can self-bootstrap its database schema.
//
//go:embed schema.sql
var schemaSQL string

// PostgresStore keeps the webhook delivery log and the enrollment audit.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a connection pool and fails fast if DB is unreachable.
func NewPostgresStore(ctx context.Context, dbURL string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schemaSQL)
	return err
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Close() {
	p.pool.Close()
}

// RecordDelivery logs a webhook delivery and returns inserted=false when the
// same (source, key) was seen before. Providers redeliver on timeouts, so the
// caller acknowledges duplicates without reprocessing them.
func (p *PostgresStore) RecordDelivery(ctx context.Context, source, key, eventType string) (bool, error) {
	if source == "" || key == "" {
		return false, errors.New("source and key required")
	}

	// RETURNING 1 only when inserted; duplicates return no rows.
	var one int
	err := p.pool.QueryRow(ctx, `
		INSERT INTO webhook_deliveries(source, delivery_key, event_type)
		VALUES ($1,$2,$3)
		ON CONFLICT (source, delivery_key) DO NOTHING
		RETURNING 1
	`, source, key, eventType).Scan(&one)

	if err == nil {
		return true, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("record delivery: %w", err)
}

// RecordEnrollment appends an enrollment outcome to the audit table.
func (p *PostgresStore) RecordEnrollment(ctx context.Context, rec models.EnrollmentRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO enrollments(email, item_id, success, status, subscriber_id, attempts, error, duration_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, rec.Email, rec.ItemID, rec.Success, rec.Status, rec.SubscriberID,
		rec.Attempts, rec.Error, rec.ProcessingTime.Milliseconds(), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("record enrollment: %w", err)
	}
	return nil
}

// CountEnrollments returns the number of successful enrollments for email in
// the window [from,to).
func (p *PostgresStore) CountEnrollments(ctx context.Context, email string, from, to time.Time) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM enrollments
		WHERE email=$1
		  AND success
		  AND created_at >= $2
		  AND created_at <  $3
	`, email, from, to).Scan(&count)
	return count, err
}
