package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/logging"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/metrics"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/models"
)

// RegisterMondayRoutes registers the CRM webhook endpoint.
//
// POST /webhooks/monday
// - URL verification: {"challenge": "..."} is echoed back
// - create_item/create_pulse: acknowledged with 200, enrollment runs in the background
// - other event types: acknowledged and ignored
// - redeliveries (same body) are acknowledged without reprocessing
func RegisterMondayRoutes(r gin.IRoutes, d Deps) {
	r.POST("/webhooks/monday", func(c *gin.Context) {
		body, err := readBody(c)
		if err != nil {
			badRequest(c, "monday", err.Error())
			return
		}

		var wh models.MondayWebhook
		if err := json.Unmarshal(body, &wh); err != nil {
			badRequest(c, "monday", "invalid JSON payload")
			return
		}

		if wh.Challenge != "" {
			c.JSON(http.StatusOK, gin.H{"challenge": wh.Challenge})
			return
		}
		if wh.Event == nil || wh.Event.Type == "" {
			badRequest(c, "monday", "event required")
			return
		}

		ev := wh.Event
		metrics.WebhooksReceived.WithLabelValues("monday", ev.Type).Inc()
		logging.Ctx(c.Request.Context()).Info().
			Str("type", ev.Type).
			Str("board_id", ev.BoardID.String()).
			Str("item_id", ev.PulseID.String()).
			Msg("monday webhook received")

		if !ev.IsItemCreated() {
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		if ev.PulseID.String() == "" {
			badRequest(c, "monday", "event.pulseId required")
			return
		}

		if !d.firstDelivery(c, "monday", body, ev.Type) {
			c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
			return
		}

		d.accept(c, "monday:"+ev.Type, func(ctx context.Context) error {
			return d.Processor.HandleMondayEvent(ctx, ev)
		})
	})
}
