package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/logging"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/normalize"
)

// EnrollmentCounter reads the enrollment audit log.
type EnrollmentCounter interface {
	CountEnrollments(ctx context.Context, email string, from, to time.Time) (int64, error)
}

// RegisterEnrollmentRoutes registers the enrollment audit endpoint.
//
// GET /enrollments/count?email=...&from=...&to=...
// - Requires the shared secret
// - Returns the number of successful enrollments of email in [from,to)
func RegisterEnrollmentRoutes(r gin.IRoutes, st EnrollmentCounter) {
	r.GET("/enrollments/count", func(c *gin.Context) {
		rawEmail := c.Query("email")
		fromStr := c.Query("from")
		toStr := c.Query("to")

		if rawEmail == "" || fromStr == "" || toStr == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "email, from, to are required"})
			return
		}

		email, ok := normalize.Email(rawEmail)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "email is not a valid subscriber address"})
			return
		}

		from, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
		to, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}

		from = from.UTC()
		to = to.UTC()
		if !from.Before(to) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be < to"})
			return
		}

		count, err := st.CountEnrollments(c.Request.Context(), email, from, to)
		if err != nil {
			logging.Ctx(c.Request.Context()).Error().Err(err).Msg("count enrollments")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "db query failed"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"email": email,
			"count": count,
		})
	})
}
