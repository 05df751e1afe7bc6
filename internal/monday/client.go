// Package monday talks to the Monday.com GraphQL API: the raw client, contact
// lookup by email, column resolution and the note/touchpoint updater.
package monday

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/config"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/metrics"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/resilience"
)

// Executor runs a GraphQL operation and returns the "data" member.
// Tests substitute a deterministic stub.
type Executor interface {
	ExecuteQuery(ctx context.Context, query string, vars map[string]any) (json.RawMessage, error)
}

// GraphQLError is returned when the response carries an "errors" array.
type GraphQLError struct {
	Messages []string
}

func (e *GraphQLError) Error() string {
	return "monday graphql: " + strings.Join(e.Messages, "; ")
}

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("monday api returned status %d: %s", e.StatusCode, e.Body)
}

// Client is the HTTP implementation of Executor.
type Client struct {
	url     string
	token   string
	version string
	http    *http.Client
}

// NewClient builds a client with the configured endpoint, token and timeout.
func NewClient(cfg config.MondayConfig) *Client {
	return &Client{
		url:     cfg.APIURL,
		token:   cfg.APIToken,
		version: cfg.APIVersion,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
	ErrorMessage string `json:"error_message"`
}

// ExecuteQuery posts one GraphQL operation.
func (c *Client) ExecuteQuery(ctx context.Context, query string, vars map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(gqlRequest{Query: query, Variables: vars})
	if err != nil {
		return nil, fmt.Errorf("marshal graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create monday request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.token)
	if c.version != "" {
		req.Header.Set("API-Version", c.version)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("monday", "error").Inc()
		return nil, fmt.Errorf("monday request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read monday response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.UpstreamRequests.WithLabelValues("monday", "http_error").Inc()
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 512)}
	}

	var out gqlResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode monday response: %w", err)
	}

	if len(out.Errors) > 0 || out.ErrorMessage != "" {
		metrics.UpstreamRequests.WithLabelValues("monday", "graphql_error").Inc()
		gerr := &GraphQLError{}
		for _, e := range out.Errors {
			gerr.Messages = append(gerr.Messages, e.Message)
		}
		if out.ErrorMessage != "" {
			gerr.Messages = append(gerr.Messages, out.ErrorMessage)
		}
		return nil, gerr
	}

	metrics.UpstreamRequests.WithLabelValues("monday", "ok").Inc()
	return out.Data, nil
}

// BreakerExecutor guards another Executor with a circuit breaker. GraphQL
// errors are answers from a healthy API and do not count as failures.
type BreakerExecutor struct {
	next Executor
	cb   *gobreaker.CircuitBreaker[json.RawMessage]
}

func NewBreakerExecutor(next Executor) *BreakerExecutor {
	return &BreakerExecutor{
		next: next,
		cb: resilience.NewBreaker[json.RawMessage](resilience.BreakerSettings{
			Name: "monday-api",
			IsSuccessful: func(err error) bool {
				var gerr *GraphQLError
				return err == nil || errors.As(err, &gerr)
			},
		}),
	}
}

func (b *BreakerExecutor) ExecuteQuery(ctx context.Context, query string, vars map[string]any) (json.RawMessage, error) {
	return b.cb.Execute(func() (json.RawMessage, error) {
		return b.next.ExecuteQuery(ctx, query, vars)
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
