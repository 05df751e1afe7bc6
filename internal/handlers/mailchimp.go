package handlers

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/auth"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/logging"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/metrics"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/models"
)

const mandrillEventsField = "mandrill_events"

// RegisterMailchimpRoutes registers the marketing webhook endpoints.
//
// GET|HEAD /webhooks/mailchimp
// - URL validation performed by Mailchimp and Mandrill when a webhook is added
//
// POST /webhooks/mailchimp
// - list events as JSON or form-encoded (type=...&data[email]=...)
// - transactional batches as mandrill_events=<JSON array>, signed with X-Mandrill-Signature
// - acknowledged with 200 before processing; malformed input is a 400
func RegisterMailchimpRoutes(r gin.IRoutes, d Deps) {
	validate := func(c *gin.Context) {
		c.Status(http.StatusOK)
	}
	r.GET("/webhooks/mailchimp", validate)
	r.HEAD("/webhooks/mailchimp", validate)

	r.POST("/webhooks/mailchimp", func(c *gin.Context) {
		body, err := readBody(c)
		if err != nil {
			badRequest(c, "mailchimp", err.Error())
			return
		}

		if isJSON(c.ContentType()) {
			var ev models.MailchimpEvent
			if err := json.Unmarshal(body, &ev); err != nil {
				badRequest(c, "mailchimp", "invalid JSON payload")
				return
			}
			handleListEvent(c, d, body, ev)
			return
		}

		form, err := url.ParseQuery(string(body))
		if err != nil {
			badRequest(c, "mailchimp", "invalid form payload")
			return
		}
		if form.Has(mandrillEventsField) {
			handleBatch(c, d, body, form)
			return
		}
		handleListEvent(c, d, body, listEventFromForm(form))
	})
}

func handleListEvent(c *gin.Context, d Deps, body []byte, ev models.MailchimpEvent) {
	if ev.Type == "" {
		badRequest(c, "mailchimp", "type required")
		return
	}
	metrics.WebhooksReceived.WithLabelValues("mailchimp", ev.Type).Inc()

	if ev.Source() == "" {
		logging.Ctx(c.Request.Context()).Debug().Str("type", ev.Type).Msg("mailchimp event type not handled")
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	if msg := missingEmail(ev); msg != "" {
		badRequest(c, "mailchimp", msg)
		return
	}

	logging.Ctx(c.Request.Context()).Info().
		Str("type", ev.Type).
		Str("list_id", ev.Data.ListID).
		Msg("mailchimp webhook received")

	if !d.firstDelivery(c, "mailchimp", body, ev.Type) {
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	}
	d.accept(c, "mailchimp:"+ev.Type, func(ctx context.Context) error {
		return d.Processor.HandleMailchimpEvent(ctx, ev)
	})
}

func handleBatch(c *gin.Context, d Deps, body []byte, form url.Values) {
	if d.Batches != nil {
		if err := d.Batches.VerifyMandrill(c.GetHeader(auth.MandrillSignatureHeader), form); err != nil {
			metrics.WebhooksRejected.WithLabelValues("mandrill", "bad_signature").Inc()
			logging.Ctx(c.Request.Context()).Warn().Err(err).Str("remote_ip", c.ClientIP()).Msg("mandrill batch rejected")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
	}

	var events []models.TransactionalEvent
	if err := json.Unmarshal([]byte(form.Get(mandrillEventsField)), &events); err != nil {
		badRequest(c, "mandrill", "mandrill_events must be a JSON array")
		return
	}
	metrics.WebhooksReceived.WithLabelValues("mandrill", "batch").Inc()

	// Mandrill posts an empty batch when a webhook is added.
	if len(events) == 0 {
		c.JSON(http.StatusOK, gin.H{"status": "empty"})
		return
	}
	logging.Ctx(c.Request.Context()).Info().Int("events", len(events)).Msg("mandrill batch received")

	if !d.firstDelivery(c, "mandrill", body, "batch") {
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	}
	d.accept(c, "mandrill:batch", func(ctx context.Context) error {
		return d.Processor.HandleTransactionalBatch(ctx, events)
	})
}

// listEventFromForm decodes Mailchimp's form encoding: type, fired_at and
// data[...] keys, with merge fields under data[merges][NAME]. Deeper keys
// (interest groupings) are dropped.
func listEventFromForm(form url.Values) models.MailchimpEvent {
	ev := models.MailchimpEvent{
		Type:    form.Get("type"),
		FiredAt: form.Get("fired_at"),
	}
	data := map[string]string{}
	for key, vals := range form {
		if len(vals) == 0 {
			continue
		}
		path, ok := bracketPath(key)
		if !ok || len(path) < 2 || path[0] != "data" {
			continue
		}
		switch {
		case len(path) == 2:
			data[path[1]] = vals[0]
		case len(path) == 3 && path[1] == "merges":
			if ev.Data.Merges == nil {
				ev.Data.Merges = map[string]string{}
			}
			ev.Data.Merges[path[2]] = vals[0]
		}
	}

	ev.Data.ID = data["id"]
	ev.Data.Email = data["email"]
	ev.Data.NewEmail = data["new_email"]
	ev.Data.OldEmail = data["old_email"]
	ev.Data.ListID = data["list_id"]
	ev.Data.CampaignID = data["campaign_id"]
	ev.Data.CampaignTitle = data["campaign_title"]
	ev.Data.Subject = data["subject"]
	ev.Data.Status = data["status"]
	ev.Data.Reason = data["reason"]
	ev.Data.Action = data["action"]
	return ev
}

// bracketPath splits "data[merges][FNAME]" into [data merges FNAME].
func bracketPath(key string) ([]string, bool) {
	i := strings.IndexByte(key, '[')
	if i < 0 {
		return []string{key}, true
	}
	path := []string{key[:i]}
	rest := key[i:]
	for rest != "" {
		if rest[0] != '[' {
			return nil, false
		}
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return nil, false
		}
		path = append(path, rest[1:end])
		rest = rest[end+1:]
	}
	return path, true
}

func missingEmail(ev models.MailchimpEvent) string {
	switch ev.Type {
	case "campaign":
		return ""
	case "upemail":
		if ev.Data.OldEmail == "" && ev.Data.Email == "" {
			return "data[old_email] required"
		}
		return ""
	default:
		if strings.TrimSpace(ev.Data.Email) == "" {
			return "data[email] required"
		}
		return ""
	}
}

func isJSON(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(contentType), "application/json")
}
