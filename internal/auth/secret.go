// Package auth guards the inbound webhook routes: a shared secret on every
// route plus provider signatures where the provider signs its requests.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/config"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/logging"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/metrics"
)

// secretQueryParam carries the shared secret for providers that cannot set
// custom headers (Mailchimp list webhooks).
const secretQueryParam = "secret"

// Verifier checks webhook credentials against the configured secrets.
type Verifier struct {
	cfg config.AuthConfig
}

func NewVerifier(cfg config.AuthConfig) *Verifier {
	if cfg.Header == "" {
		cfg.Header = "X-Webhook-Secret"
	}
	return &Verifier{cfg: cfg}
}

// SharedSecret rejects requests whose secret header (or ?secret= query
// value) does not match the configured webhook secret. With no secret
// configured, requests pass only when unsigned webhooks are allowed.
func (v *Verifier) SharedSecret(provider string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v.cfg.WebhookSecret == "" {
			if v.cfg.AllowUnsigned {
				c.Next()
				return
			}
			reject(c, provider, "secret_unconfigured")
			return
		}

		got := strings.TrimSpace(c.GetHeader(v.cfg.Header))
		if got == "" {
			got = c.Query(secretQueryParam)
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(v.cfg.WebhookSecret)) != 1 {
			reject(c, provider, "bad_secret")
			return
		}
		c.Next()
	}
}

func reject(c *gin.Context, provider, reason string) {
	metrics.WebhooksRejected.WithLabelValues(provider, reason).Inc()
	logging.Ctx(c.Request.Context()).Warn().
		Str("provider", provider).
		Str("reason", reason).
		Str("remote_ip", c.ClientIP()).
		Msg("webhook rejected")
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
}
