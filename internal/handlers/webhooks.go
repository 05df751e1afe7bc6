package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/logging"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/metrics"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/models"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/store"
)

// maxBodyBytes caps webhook bodies; Mandrill batches are the largest.
const maxBodyBytes = 5 << 20

// Processor is the event-handling side of the pipeline.
type Processor interface {
	HandleMondayEvent(ctx context.Context, ev *models.MondayEvent) error
	HandleMailchimpEvent(ctx context.Context, ev models.MailchimpEvent) error
	HandleTransactionalBatch(ctx context.Context, events []models.TransactionalEvent) error
}

// Spawner runs accepted events after the response has been written.
type Spawner interface {
	Go(ctx context.Context, task string, fn func(ctx context.Context) error)
}

// DeliveryLog detects redelivered webhooks.
type DeliveryLog interface {
	RecordDelivery(ctx context.Context, source, key, eventType string) (bool, error)
}

// BatchVerifier checks transactional batch signatures.
type BatchVerifier interface {
	VerifyMandrill(signature string, form url.Values) error
}

// Deps are shared by the webhook routes.
type Deps struct {
	Processor  Processor
	Spawner    Spawner
	Deliveries DeliveryLog
	Batches    BatchVerifier
}

func readBody(c *gin.Context) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", maxBodyBytes)
	}
	return body, nil
}

// badRequest rejects malformed input. Nothing is retried or processed.
func badRequest(c *gin.Context, provider, msg string) {
	metrics.WebhooksRejected.WithLabelValues(provider, "bad_request").Inc()
	logging.Ctx(c.Request.Context()).Warn().Str("provider", provider).Str("error", msg).Msg("webhook rejected")
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// firstDelivery records the delivery and reports whether it is new. Store
// failures are logged and the delivery is processed anyway.
func (d Deps) firstDelivery(c *gin.Context, provider string, body []byte, eventType string) bool {
	if d.Deliveries == nil {
		return true
	}
	inserted, err := d.Deliveries.RecordDelivery(c.Request.Context(), provider, store.DeliveryKey(body), eventType)
	if err != nil {
		logging.Ctx(c.Request.Context()).Error().Err(err).Str("provider", provider).Msg("delivery log unavailable")
		return true
	}
	if !inserted {
		metrics.WebhooksDuplicate.WithLabelValues(provider).Inc()
		logging.Ctx(c.Request.Context()).Info().Str("provider", provider).Str("type", eventType).Msg("duplicate webhook delivery")
	}
	return inserted
}

// accept acknowledges the webhook and hands the work to the spawner. The
// response never reflects the outcome of fn.
func (d Deps) accept(c *gin.Context, task string, fn func(ctx context.Context) error) {
	d.Spawner.Go(c.Request.Context(), task, fn)
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}
