package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/discord"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/models"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/monday"
)

type fakeFinder struct {
	contacts  map[string]*models.Contact
	err       error
	lookups   []string
	forgotten []string
}

func (f *fakeFinder) FindByEmail(_ context.Context, email string) (*models.Contact, error) {
	f.lookups = append(f.lookups, email)
	if f.err != nil {
		return nil, f.err
	}
	return f.contacts[email], nil
}

func (f *fakeFinder) Forget(email string) { f.forgotten = append(f.forgotten, email) }

type fakeItems struct {
	mu      sync.Mutex
	item    *models.Item
	getErr  error
	notes   map[string][]string
	touches []string
}

func (f *fakeItems) GetItem(context.Context, string) (*models.Item, error) {
	return f.item, f.getErr
}

func (f *fakeItems) AddNote(_ context.Context, itemID, text string) models.NoteResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notes == nil {
		f.notes = map[string][]string{}
	}
	f.notes[itemID] = append(f.notes[itemID], text)
	return models.NoteResult{Success: true, UpdateID: "u1"}
}

func (f *fakeItems) IncrementTouchpoints(_ context.Context, itemID string, current *int) models.TouchpointResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touches = append(f.touches, itemID)
	return models.TouchpointResult{Success: true, PreviousValue: 0, NewValue: 1}
}

type fakeEnroller struct {
	calls []*models.Contact
	res   models.EnrollmentResult
}

func (f *fakeEnroller) Enroll(_ context.Context, email string, c *models.Contact) models.EnrollmentResult {
	f.calls = append(f.calls, c)
	return f.res
}

type fakeNotifier struct {
	msgs []discord.Message
}

func (f *fakeNotifier) Notify(_ context.Context, msg discord.Message) (*discord.Delivery, bool) {
	f.msgs = append(f.msgs, msg)
	return nil, true
}

type fixture struct {
	finder   *fakeFinder
	items    *fakeItems
	enroller *fakeEnroller
	notifier *fakeNotifier
	svc      *Service
}

func newFixture() *fixture {
	f := &fixture{
		finder: &fakeFinder{contacts: map[string]*models.Contact{
			"jane@realbiz.com": {ID: "101", Email: "jane@realbiz.com", Name: "Jane Doe"},
		}},
		items:    &fakeItems{},
		enroller: &fakeEnroller{res: models.EnrollmentResult{Success: true, Status: "created", Tags: []string{"Monday Lead", "NEW"}}},
		notifier: &fakeNotifier{},
	}
	f.svc = NewService(f.finder, f.items, f.enroller, f.notifier, monday.NewResolver(nil), time.Millisecond)
	f.svc.now = func() time.Time { return time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC) }
	return f
}

func TestHandleMondayEvent_EnrollsNewItem(t *testing.T) {
	f := newFixture()
	f.items.item = &models.Item{
		ID:      "555",
		Name:    "Jane Doe",
		Columns: []models.Column{{ID: "lead_email", Text: "new.client@realbiz.com"}},
	}

	err := f.svc.HandleMondayEvent(context.Background(), &models.MondayEvent{Type: "create_item", PulseID: "555"})
	require.NoError(t, err)

	require.Len(t, f.enroller.calls, 1)
	assert.Equal(t, "new.client@realbiz.com", f.enroller.calls[0].Email)
	assert.Equal(t, "Jane", f.enroller.calls[0].MergeFields["FNAME"])
	require.Len(t, f.items.notes["555"], 1)
	assert.Contains(t, f.items.notes["555"][0], "Enrolled in Mailchimp (created)")
}

func TestHandleMondayEvent_FallsBackToWebhookColumns(t *testing.T) {
	f := newFixture()
	f.items.getErr = errors.New("monday unavailable")

	err := f.svc.HandleMondayEvent(context.Background(), &models.MondayEvent{
		Type:      "create_pulse",
		PulseID:   "777",
		PulseName: "Sam Lee",
		ColumnValues: map[string]json.RawMessage{
			"email": json.RawMessage(`{"email":"sam@realbiz.com","text":"sam@realbiz.com"}`),
		},
	})
	require.NoError(t, err)
	require.Len(t, f.enroller.calls, 1)
	assert.Equal(t, "sam@realbiz.com", f.enroller.calls[0].Email)
	assert.Equal(t, "777", f.enroller.calls[0].ID)
}

func TestHandleMondayEvent_IgnoresOtherTypes(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.svc.HandleMondayEvent(context.Background(), &models.MondayEvent{Type: "update_column_value", PulseID: "1"}))
	assert.Empty(t, f.enroller.calls)
}

func TestHandleMondayEvent_NoEmailNotifies(t *testing.T) {
	f := newFixture()
	f.items.item = &models.Item{ID: "9", Name: "Nobody"}

	require.NoError(t, f.svc.HandleMondayEvent(context.Background(), &models.MondayEvent{Type: "create_item", PulseID: "9"}))
	assert.Empty(t, f.enroller.calls)
	require.Len(t, f.notifier.msgs, 1)
	assert.Equal(t, discord.ColorWarning, f.notifier.msgs[0].Color)
}

func TestHandleMondayEvent_FailedEnrollmentAddsNoNote(t *testing.T) {
	f := newFixture()
	f.enroller.res = models.EnrollmentResult{Error: "mailchimp 401"}
	f.items.item = &models.Item{ID: "555", Columns: []models.Column{{ID: "lead_email", Text: "new.client@realbiz.com"}}}

	require.NoError(t, f.svc.HandleMondayEvent(context.Background(), &models.MondayEvent{Type: "create_item", PulseID: "555"}))
	assert.Empty(t, f.items.notes)
}

func TestHandleMailchimpEvent_SubscribeNotesAndTouches(t *testing.T) {
	f := newFixture()
	err := f.svc.HandleMailchimpEvent(context.Background(), models.MailchimpEvent{
		Type: "subscribe",
		Data: models.MailchimpData{Email: "Jane@RealBiz.com"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"jane@realbiz.com"}, f.finder.lookups)
	require.Len(t, f.items.notes["101"], 1)
	assert.Equal(t, "[2026-10-16 09:30 UTC] Mailchimp: contact subscribed to the mailing list", f.items.notes["101"][0])
	assert.Equal(t, []string{"101"}, f.items.touches)
	assert.Empty(t, f.notifier.msgs)
}

func TestHandleMailchimpEvent_UnsubscribeNotifies(t *testing.T) {
	f := newFixture()
	err := f.svc.HandleMailchimpEvent(context.Background(), models.MailchimpEvent{
		Type: "unsubscribe",
		Data: models.MailchimpData{Email: "jane@realbiz.com", Reason: "manual"},
	})
	require.NoError(t, err)
	assert.Contains(t, f.items.notes["101"][0], "unsubscribed from the mailing list (manual)")
	assert.Empty(t, f.items.touches)
	require.Len(t, f.notifier.msgs, 1)
	assert.Equal(t, "Contact unsubscribed", f.notifier.msgs[0].Title)
}

func TestHandleMailchimpEvent_NotFoundMutatesNothing(t *testing.T) {
	f := newFixture()
	err := f.svc.HandleMailchimpEvent(context.Background(), models.MailchimpEvent{
		Type: "profile",
		Data: models.MailchimpData{Email: "stranger@realbiz.com"},
	})
	require.NoError(t, err)
	assert.Empty(t, f.items.notes)
	assert.Empty(t, f.items.touches)
	require.Len(t, f.notifier.msgs, 1)
	assert.Equal(t, "Contact not found", f.notifier.msgs[0].Title)
}

func TestHandleMailchimpEvent_EmailChangeUsesOldAddress(t *testing.T) {
	f := newFixture()
	err := f.svc.HandleMailchimpEvent(context.Background(), models.MailchimpEvent{
		Type: "upemail",
		Data: models.MailchimpData{OldEmail: "jane@realbiz.com", NewEmail: "jane.doe@realbiz.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"jane@realbiz.com"}, f.finder.lookups)
	assert.ElementsMatch(t, []string{"jane@realbiz.com", "jane.doe@realbiz.com"}, f.finder.forgotten)
	assert.Contains(t, f.items.notes["101"][0], "changed email from jane@realbiz.com to jane.doe@realbiz.com")
}

func TestHandleMailchimpEvent_LookupErrorPropagates(t *testing.T) {
	f := newFixture()
	f.finder.err = errors.New("graphql down")
	err := f.svc.HandleMailchimpEvent(context.Background(), models.MailchimpEvent{
		Type: "subscribe",
		Data: models.MailchimpData{Email: "jane@realbiz.com"},
	})
	assert.ErrorContains(t, err, "graphql down")
}

func TestHandleMailchimpEvent_CampaignOnlyNotifies(t *testing.T) {
	f := newFixture()
	err := f.svc.HandleMailchimpEvent(context.Background(), models.MailchimpEvent{
		Type: "campaign",
		Data: models.MailchimpData{ID: "c1", Subject: "Spring offers", Status: "sent"},
	})
	require.NoError(t, err)
	assert.Empty(t, f.finder.lookups)
	require.Len(t, f.notifier.msgs, 1)
	assert.Equal(t, "Spring offers", f.notifier.msgs[0].Description)
}

func TestHandleTransactionalBatch(t *testing.T) {
	f := newFixture()
	events := []models.TransactionalEvent{
		{Event: "open", Msg: models.TransactionalMsg{Email: "jane@realbiz.com", Subject: "Welcome"}},
		{Event: "hard_bounce", Msg: models.TransactionalMsg{Email: "jane@realbiz.com"}},
		{Event: "click", URL: "https://realbiz.com/pricing", Msg: models.TransactionalMsg{Email: "jane@realbiz.com", Subject: "Welcome"}},
		{Event: "send", Msg: models.TransactionalMsg{Email: "stranger@realbiz.com"}},
	}

	require.NoError(t, f.svc.HandleTransactionalBatch(context.Background(), events))

	assert.Equal(t, []string{"jane@realbiz.com", "jane@realbiz.com", "stranger@realbiz.com"}, f.finder.lookups)
	require.Len(t, f.items.notes["101"], 2)
	assert.Contains(t, f.items.notes["101"][0], "Email opened: Welcome")
	assert.Contains(t, f.items.notes["101"][1], "(https://realbiz.com/pricing)")
	assert.Equal(t, []string{"101", "101"}, f.items.touches)
}

func TestHandleTransactionalBatch_PacesItems(t *testing.T) {
	f := newFixture()
	f.svc.batchInterval = 20 * time.Millisecond
	events := make([]models.TransactionalEvent, 4)
	for i := range events {
		events[i] = models.TransactionalEvent{Event: "open", Msg: models.TransactionalMsg{Email: "jane@realbiz.com"}}
	}

	start := time.Now()
	require.NoError(t, f.svc.HandleTransactionalBatch(context.Background(), events))
	assert.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond)
}

func TestHandleTransactionalBatch_StopsOnCancel(t *testing.T) {
	f := newFixture()
	f.svc.batchInterval = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	events := []models.TransactionalEvent{
		{Event: "open", Msg: models.TransactionalMsg{Email: "jane@realbiz.com"}},
		{Event: "open", Msg: models.TransactionalMsg{Email: "jane@realbiz.com"}},
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := f.svc.HandleTransactionalBatch(ctx, events)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, f.items.touches, 1)
}
