// Package store persists webhook deliveries and enrollment outcomes.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/models"
)

// Store is what the webhook surface and the orchestrator need from storage.
type Store interface {
	RecordDelivery(ctx context.Context, source, key, eventType string) (inserted bool, err error)
	RecordEnrollment(ctx context.Context, rec models.EnrollmentRecord) error
	CountEnrollments(ctx context.Context, email string, from, to time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close()
}

// DeliveryKey identifies a webhook delivery by the SHA-256 of its raw body.
func DeliveryKey(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Nop is used when no database is configured. Every delivery is treated as
// new.
type Nop struct{}

func (Nop) RecordDelivery(context.Context, string, string, string) (bool, error) { return true, nil }

func (Nop) RecordEnrollment(context.Context, models.EnrollmentRecord) error { return nil }

func (Nop) CountEnrollments(context.Context, string, time.Time, time.Time) (int64, error) {
	return 0, nil
}

func (Nop) Ping(context.Context) error { return nil }

func (Nop) Close() {}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = Nop{}
)
