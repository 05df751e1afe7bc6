package httpserver

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/auth"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/handlers"
)

// ReadyCheck reports whether a dependency is reachable.
type ReadyCheck func(ctx context.Context) error

// Dependencies are the pieces the router wires together.
type Dependencies struct {
	Verifier    *auth.Verifier
	Webhooks    handlers.Deps
	// Enrollments serves /enrollments/count; the route is not registered when nil.
	Enrollments handlers.EnrollmentCounter
	// Checks are run by /ready, keyed by dependency name.
	Checks      map[string]ReadyCheck
}

// NewRouter wires public endpoints and the authenticated webhook routes.
// Public: /health, /ready, /metrics
// Authenticated: /webhooks/monday, /webhooks/mailchimp, /enrollments/count
func NewRouter(deps Dependencies) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger())

	// Liveness: confirms the process is running.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Readiness: confirms the database (when configured) and Mailchimp are reachable.
	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		names := make([]string, 0, len(deps.Checks))
		for name := range deps.Checks {
			names = append(names, name)
		}
		sort.Strings(names)

		failed := gin.H{}
		for _, name := range names {
			if err := deps.Checks[name](ctx); err != nil {
				failed[name] = err.Error()
			}
		}
		if len(failed) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "errors": failed})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	mondayGroup := r.Group("/")
	mondayGroup.Use(deps.Verifier.SharedSecret("monday"), deps.Verifier.MondaySignature())
	handlers.RegisterMondayRoutes(mondayGroup, deps.Webhooks)

	mailchimpGroup := r.Group("/")
	mailchimpGroup.Use(deps.Verifier.SharedSecret("mailchimp"))
	handlers.RegisterMailchimpRoutes(mailchimpGroup, deps.Webhooks)

	if deps.Enrollments != nil {
		adminGroup := r.Group("/")
		adminGroup.Use(deps.Verifier.SharedSecret("enrollments"))
		handlers.RegisterEnrollmentRoutes(adminGroup, deps.Enrollments)
	}

	return r
}
