package discord

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/config"
)

// testNotifier points at srv and records backoff sleeps instead of waiting.
func testNotifier(srv *httptest.Server, sleeps *[]time.Duration) *Notifier {
	n := NewNotifier(config.DiscordConfig{WebhookURL: srv.URL + "/api/webhooks/1/tok"})
	n.pattern = regexp.MustCompile(`^http://127\.0\.0\.1:\d+/api/webhooks/\d+/\w+$`)
	n.sleep = func(_ context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return nil
	}
	n.now = func() time.Time { return time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC) }
	return n
}

func TestEnabled_ValidatesURLShape(t *testing.T) {
	valid := NewNotifier(config.DiscordConfig{WebhookURL: "https://discord.com/api/webhooks/123456/abcDEF_-x"})
	assert.True(t, valid.Enabled())

	for _, u := range []string{
		"",
		"http://discord.com/api/webhooks/1/abc",
		"https://evil.example.org/api/webhooks/1/abc",
		"https://discord.com/api/webhooks/abc/def",
	} {
		assert.False(t, NewNotifier(config.DiscordConfig{WebhookURL: u}).Enabled(), u)
	}
}

func TestNotify_InvalidURLMakesNoCall(t *testing.T) {
	n := NewNotifier(config.DiscordConfig{WebhookURL: "not a url"})
	d, ok := n.Notify(context.Background(), Message{Title: "x"})
	assert.False(t, ok)
	assert.Nil(t, d)
}

func TestNotify_TruncatesFields(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(b, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	var sleeps []time.Duration
	d, ok := testNotifier(srv, &sleeps).Notify(context.Background(), Message{
		Title:       "New lead enrolled",
		Description: "new.client@realbiz.com",
		Color:       ColorSuccess,
		Fields: []Field{
			{Name: "Status", Value: "created"},
			{Name: "Tags", Value: "NEW"},
			{Name: "Item", Value: ""},
			{Name: "Dropped", Value: "x"},
		},
	})

	require.True(t, ok)
	assert.Equal(t, http.StatusNoContent, d.StatusCode)
	assert.Equal(t, 1, d.Attempts)
	require.Len(t, got.Embeds, 1)
	assert.Len(t, got.Embeds[0].Fields, 3)
	assert.Equal(t, "-", got.Embeds[0].Fields[2].Value)
	assert.Equal(t, "2026-10-16T12:00:00Z", got.Embeds[0].Timestamp)
	assert.Empty(t, sleeps)
}

func TestNotify_RetriesWithLinearBackoff(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	var sleeps []time.Duration
	d, ok := testNotifier(srv, &sleeps).Notify(context.Background(), Message{Title: "retry"})
	require.True(t, ok)
	assert.Equal(t, 3, d.Attempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sleeps)
}

func TestNotify_GivesUpAfterThreeAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var sleeps []time.Duration
	d, ok := testNotifier(srv, &sleeps).Notify(context.Background(), Message{Title: "fail"})
	assert.False(t, ok)
	assert.Nil(t, d)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Len(t, sleeps, 2)
}
