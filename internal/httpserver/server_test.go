package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/auth"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/config"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/discord"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/dispatch"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/enrollment"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/handlers"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/mailchimp"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/monday"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/pipeline"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/store"
)

const (
	testSecret  = "s3cret"
	testSigning = "signing"
)

func testAuth() config.AuthConfig {
	return config.AuthConfig{WebhookSecret: testSecret, MondaySigningSecret: testSigning}
}

func mondayToken(t *testing.T) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte(testSigning))
	require.NoError(t, err)
	return s
}

// fakeMonday answers the GraphQL operations used while enrolling item 555.
func fakeMonday(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query string `json:"query"`
		}
		b, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(b, &req))

		switch {
		case strings.Contains(req.Query, "create_update"):
			_, _ = w.Write([]byte(`{"data":{"create_update":{"id":"900"}}}`))
		case strings.Contains(req.Query, "column { title }"):
			_, _ = w.Write([]byte(`{"data":{"items":[{"id":"555","name":"Jane Doe","column_values":[
				{"id":"lead_email","text":"new.client@realbiz.com","value":null,"type":"email"}]}]}}`))
		default:
			_, _ = w.Write([]byte(`{"data":{"items":[{"id":"555"}]}}`))
		}
	}))
}

type upsertLog struct {
	mu   sync.Mutex
	reqs []mailchimp.MemberRequest
}

func fakeMailchimp(t *testing.T, log *upsertLog) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/lists/L1/members" {
			var req mailchimp.MemberRequest
			b, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(b, &req))
			log.mu.Lock()
			log.reqs = append(log.reqs, req)
			log.mu.Unlock()
			_, _ = w.Write([]byte(`{"id":"sub-1","email_address":"` + req.EmailAddress + `","status":"subscribed"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
}

func TestCreateItemWebhookEnrollsOnce(t *testing.T) {
	mondaySrv := fakeMonday(t)
	defer mondaySrv.Close()
	upserts := &upsertLog{}
	mailchimpSrv := fakeMailchimp(t, upserts)
	defer mailchimpSrv.Close()

	mondayCfg := config.MondayConfig{APIURL: mondaySrv.URL, APIToken: "tok", BoardID: "42", Timeout: 2 * time.Second, TouchpointColumnID: "touchpoints"}
	exec := monday.NewBreakerExecutor(monday.NewClient(mondayCfg))
	items := monday.NewItems(exec, mondayCfg.BoardID, mondayCfg.TouchpointColumnID)
	finder := monday.NewFinder(exec, monday.FinderConfig{BoardID: "42", EmailColumnIDs: []string{"lead_email"}})
	resolver := monday.NewResolver(nil)

	mc := mailchimp.NewClient(config.MailchimpConfig{APIKey: "k-us1", ServerPrefix: "us1", Timeout: 2 * time.Second}, mailchimp.WithBaseURL(mailchimpSrv.URL))
	notifier := discord.NewNotifier(config.DiscordConfig{})
	dispatcher := dispatch.New(4, nil)

	orch := enrollment.New(enrollment.Options{ListID: "L1", EnrollmentTag: "Monday Lead", MaxRetries: 2},
		mc, resolver, notifier, store.Nop{}, dispatcher)
	svc := pipeline.NewService(finder, items, orch, notifier, resolver, time.Millisecond)

	router := NewRouter(Dependencies{
		Verifier: auth.NewVerifier(testAuth()),
		Webhooks: handlers.Deps{Processor: svc, Spawner: dispatcher, Deliveries: store.Nop{}},
	})

	body := `{"event":{"type":"create_item","boardId":42,"pulseId":555,"pulseName":"Jane Doe","columnValues":{}}}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/monday", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Secret", testSecret)
	req.Header.Set("Authorization", mondayToken(t))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, dispatcher.Wait(ctx))

	upserts.mu.Lock()
	defer upserts.mu.Unlock()
	require.Len(t, upserts.reqs, 1)
	assert.Equal(t, "new.client@realbiz.com", upserts.reqs[0].EmailAddress)
	assert.Contains(t, upserts.reqs[0].Tags, "Monday Lead")
	assert.Contains(t, upserts.reqs[0].Tags, "NEW")
}

func minimalRouter(checks map[string]ReadyCheck) *httptest.Server {
	r := NewRouter(Dependencies{
		Verifier: auth.NewVerifier(testAuth()),
		Webhooks: handlers.Deps{Spawner: dispatch.New(1, nil)},
		Checks:   checks,
	})
	return httptest.NewServer(r)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := minimalRouter(nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(b), "go_goroutines")
}

func TestReady(t *testing.T) {
	ok := minimalRouter(map[string]ReadyCheck{"mailchimp": func(context.Context) error { return nil }})
	defer ok.Close()
	resp, err := http.Get(ok.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	down := minimalRouter(map[string]ReadyCheck{
		"mailchimp": func(context.Context) error { return nil },
		"database":  func(context.Context) error { return errors.New("connection refused") },
	})
	defer down.Close()
	resp, err = http.Get(down.URL + "/ready")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(b), "connection refused")
}

func TestWebhooksRequireSecret(t *testing.T) {
	srv := minimalRouter(nil)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/webhooks/mailchimp", "application/x-www-form-urlencoded", strings.NewReader("type=subscribe"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/webhooks/mailchimp?secret=" + testSecret)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/webhooks/monday", strings.NewReader(`{"challenge":"abc"}`))
	req.Header.Set("X-Webhook-Secret", testSecret)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "monday requests must be signed")
}

func TestEnrollmentCountRequiresSecret(t *testing.T) {
	srv := httptest.NewServer(NewRouter(Dependencies{
		Verifier:    auth.NewVerifier(testAuth()),
		Webhooks:    handlers.Deps{Spawner: dispatch.New(1, nil)},
		Enrollments: store.Nop{},
	}))
	defer srv.Close()

	path := srv.URL + "/enrollments/count?email=jane%40realbiz.com&from=2026-10-01T00:00:00Z&to=2026-10-02T00:00:00Z"
	resp, err := http.Get(path)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("X-Webhook-Secret", testSecret)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"email":"jane@realbiz.com","count":0}`, string(b))
}
