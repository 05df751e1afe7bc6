// Package mailchimp is a small client for the Mailchimp Marketing API v3
// covering audience membership, tags, list metadata and health checks.
package mailchimp

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // Mailchimp keys subscribers by the MD5 of the lowercased email
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/config"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/metrics"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/resilience"
)

// APIError is a non-2xx response. Mailchimp answers with RFC 7807 problem
// details.
type APIError struct {
	StatusCode int
	Type       string
	Title      string
	Detail     string
	// RetryAfter is the parsed Retry-After header, zero when absent.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("mailchimp %d %s: %s", e.StatusCode, e.Title, e.Detail)
	}
	return fmt.Sprintf("mailchimp %d %s", e.StatusCode, e.Title)
}

// Member is the subset of a list member the service reads back.
type Member struct {
	ID            string            `json:"id"`
	EmailAddress  string            `json:"email_address"`
	UniqueEmailID string            `json:"unique_email_id"`
	Status        string            `json:"status"`
	MergeFields   map[string]string `json:"merge_fields,omitempty"`
}

// MemberRequest is the body for creating or updating a member.
type MemberRequest struct {
	EmailAddress string            `json:"email_address"`
	Status       string            `json:"status,omitempty"`
	StatusIfNew  string            `json:"status_if_new,omitempty"`
	MergeFields  map[string]string `json:"merge_fields,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
}

// Tag is one entry of a tag update; Status is "active" or "inactive".
type Tag struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// List is audience metadata.
type List struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Stats struct {
		MemberCount int `json:"member_count"`
	} `json:"stats"`
}

// Client calls the Marketing API with HTTP Basic auth (any username, API key
// as password). Calls go through a circuit breaker that only counts server
// errors and transport failures.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker[struct{}]
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL points the client at another endpoint (tests, proxies).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// NewClient builds a client for https://<server_prefix>.api.mailchimp.com/3.0.
func NewClient(cfg config.MailchimpConfig, opts ...Option) *Client {
	c := &Client{
		baseURL: fmt.Sprintf("https://%s.api.mailchimp.com/3.0", cfg.ServerPrefix),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		cb: resilience.NewBreaker[struct{}](resilience.BreakerSettings{
			Name:         "mailchimp-api",
			IsSuccessful: countsAsHealthy,
		}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SubscriberHash is the member key Mailchimp derives from an address.
func SubscriberHash(email string) string {
	sum := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(email)))) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// AddListMember creates a member.
func (c *Client) AddListMember(ctx context.Context, listID string, req MemberRequest) (*Member, error) {
	var m Member
	if err := c.do(ctx, http.MethodPost, "/lists/"+listID+"/members", req, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateListMember patches the member identified by subscriberHash.
func (c *Client) UpdateListMember(ctx context.Context, listID, subscriberHash string, req MemberRequest) (*Member, error) {
	var m Member
	if err := c.do(ctx, http.MethodPatch, "/lists/"+listID+"/members/"+subscriberHash, req, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateListMemberTags activates or deactivates tags on a member.
func (c *Client) UpdateListMemberTags(ctx context.Context, listID, subscriberHash string, tags []Tag) error {
	body := struct {
		Tags []Tag `json:"tags"`
	}{Tags: tags}
	return c.do(ctx, http.MethodPost, "/lists/"+listID+"/members/"+subscriberHash+"/tags", body, nil)
}

// GetList returns audience metadata.
func (c *Client) GetList(ctx context.Context, listID string) (*List, error) {
	var l List
	if err := c.do(ctx, http.MethodGet, "/lists/"+listID, nil, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// AudienceCheck returns a readiness check that fails unless the API is
// healthy and listID exists and is readable with the configured key.
func (c *Client) AudienceCheck(listID string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := c.Ping(ctx); err != nil {
			return fmt.Errorf("ping: %w", err)
		}
		if _, err := c.GetList(ctx, listID); err != nil {
			return fmt.Errorf("audience %s: %w", listID, err)
		}
		return nil
	}
}

// Ping checks credentials and API health.
func (c *Client) Ping(ctx context.Context) error {
	var out struct {
		HealthStatus string `json:"health_status"`
	}
	return c.do(ctx, http.MethodGet, "/ping", nil, &out)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	_, err := c.cb.Execute(func() (struct{}, error) {
		return struct{}{}, c.roundTrip(ctx, method, path, in, out)
	})
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal mailchimp request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create mailchimp request: %w", err)
	}
	req.SetBasicAuth("anystring", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("mailchimp", "error").Inc()
		return fmt.Errorf("mailchimp %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read mailchimp response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.UpstreamRequests.WithLabelValues("mailchimp", strconv.Itoa(resp.StatusCode)).Inc()
		return parseError(resp, raw)
	}
	metrics.UpstreamRequests.WithLabelValues("mailchimp", "ok").Inc()

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode mailchimp response: %w", err)
	}
	return nil
}

func parseError(resp *http.Response, raw []byte) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}

	var problem struct {
		Type   string `json:"type"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(raw, &problem) == nil {
		apiErr.Type = problem.Type
		if problem.Title != "" {
			apiErr.Title = problem.Title
		}
		apiErr.Detail = problem.Detail
	}

	if s := strings.TrimSpace(resp.Header.Get("Retry-After")); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs >= 0 {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return apiErr
}

// countsAsHealthy keeps client-side errors (4xx, including throttling) from
// tripping the breaker.
func countsAsHealthy(err error) bool {
	if err == nil {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode < 500
}
