// Package discord posts pipeline outcomes to a Discord channel webhook.
// Delivery is best effort: Notify never returns an error and never panics.
package discord

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/goccy/go-json"

	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/config"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/logging"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/metrics"
)

// Embed colors.
const (
	ColorSuccess = 0x2ECC71
	ColorInfo    = 0x3498DB
	ColorWarning = 0xF1C40F
	ColorError   = 0xE74C3C
)

const (
	maxAttempts = 3
	maxFields   = 3
	maxValueLen = 1024
)

var webhookURLPattern = regexp.MustCompile(`^https://(?:canary\.|ptb\.)?discord(?:app)?\.com/api/webhooks/\d+/[A-Za-z0-9_\-]+$`)

// Field is one embed field.
type Field struct {
	Name   string
	Value  string
	Inline bool
}

// Message is one notification.
type Message struct {
	Title       string
	Description string
	Fields      []Field
	Color       int
}

// Delivery describes a successful send.
type Delivery struct {
	StatusCode int
	Attempts   int
}

// Notifier sends messages to a single webhook URL.
type Notifier struct {
	webhookURL string
	pattern    *regexp.Regexp
	client     *http.Client
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
}

func NewNotifier(cfg config.DiscordConfig) *Notifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		webhookURL: cfg.WebhookURL,
		pattern:    webhookURLPattern,
		client:     &http.Client{Timeout: timeout},
		sleep:      sleepCtx,
		now:        time.Now,
	}
}

// Enabled reports whether a well-formed webhook URL is configured.
func (n *Notifier) Enabled() bool {
	return n.webhookURL != "" && n.pattern.MatchString(n.webhookURL)
}

// Notify sends msg, retrying up to three times with a linear backoff
// (attempt × 2s). At most three fields are sent. It returns false without any
// HTTP call when the webhook URL is missing or malformed.
func (n *Notifier) Notify(ctx context.Context, msg Message) (*Delivery, bool) {
	log := logging.Ctx(ctx)

	if !n.Enabled() {
		metrics.Notifications.WithLabelValues("skipped").Inc()
		log.Debug().Str("title", msg.Title).Msg("discord webhook not configured, notification skipped")
		return nil, false
	}

	body, err := json.Marshal(n.payload(msg))
	if err != nil {
		metrics.Notifications.WithLabelValues("failed").Inc()
		log.Error().Err(err).Msg("marshal discord payload")
		return nil, false
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		status, err := n.post(ctx, body)
		if err == nil {
			metrics.Notifications.WithLabelValues("sent").Inc()
			return &Delivery{StatusCode: status, Attempts: attempt}, true
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Msg("discord notification failed")

		if attempt == maxAttempts {
			break
		}
		if err := n.sleep(ctx, time.Duration(attempt)*2*time.Second); err != nil {
			lastErr = err
			break
		}
	}

	metrics.Notifications.WithLabelValues("failed").Inc()
	log.Error().Err(lastErr).Str("title", msg.Title).Msg("discord notification dropped")
	return nil, false
}

func (n *Notifier) post(ctx context.Context, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send discord webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("discord webhook returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (n *Notifier) payload(msg Message) webhookPayload {
	fields := msg.Fields
	if len(fields) > maxFields {
		fields = fields[:maxFields]
	}

	e := embed{
		Title:       msg.Title,
		Description: msg.Description,
		Color:       msg.Color,
		Timestamp:   n.now().UTC().Format(time.RFC3339),
		Footer:      embedFooter{Text: "Monday ↔ Mailchimp sync"},
	}
	for _, f := range fields {
		v := f.Value
		if v == "" {
			v = "-"
		}
		if len(v) > maxValueLen {
			v = v[:maxValueLen]
		}
		e.Fields = append(e.Fields, embedField{Name: f.Name, Value: v, Inline: f.Inline})
	}
	return webhookPayload{Embeds: []embed{e}}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type webhookPayload struct {
	Content string  `json:"content,omitempty"`
	Embeds  []embed `json:"embeds,omitempty"`
}

type embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
	Footer      embedFooter  `json:"footer,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type embedFooter struct {
	Text string `json:"text,omitempty"`
}
