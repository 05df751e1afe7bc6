// Package pipeline turns verified webhook events into CRM and audience
// updates. Handlers run in the background after the webhook has been
// acknowledged; they report through logs and Discord, never through the
// HTTP response.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/discord"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/logging"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/models"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/monday"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/normalize"
)

type ContactFinder interface {
	FindByEmail(ctx context.Context, email string) (*models.Contact, error)
	Forget(email string)
}

// ItemStore reads and mutates CRM items.
type ItemStore interface {
	GetItem(ctx context.Context, itemID string) (*models.Item, error)
	AddNote(ctx context.Context, itemID, text string) models.NoteResult
	IncrementTouchpoints(ctx context.Context, itemID string, current *int) models.TouchpointResult
}

type Enroller interface {
	Enroll(ctx context.Context, email string, contact *models.Contact) models.EnrollmentResult
}

type Notifier interface {
	Notify(ctx context.Context, msg discord.Message) (*discord.Delivery, bool)
}

// Resolver extracts the contact fields, the email in particular, from an item.
type Resolver interface {
	Resolve(item models.Item) models.ResolvedContact
}

// Service handles CRM and marketing events.
type Service struct {
	finder   ContactFinder
	items    ItemStore
	enroller Enroller
	notifier Notifier
	resolver Resolver

	// batchInterval paces transactional batch items.
	batchInterval time.Duration
	now           func() time.Time
}

func NewService(finder ContactFinder, items ItemStore, enroller Enroller, notifier Notifier, resolver Resolver, batchInterval time.Duration) *Service {
	if batchInterval <= 0 {
		batchInterval = 100 * time.Millisecond
	}
	return &Service{
		finder:        finder,
		items:         items,
		enroller:      enroller,
		notifier:      notifier,
		resolver:      resolver,
		batchInterval: batchInterval,
		now:           time.Now,
	}
}

// HandleMondayEvent enrolls the lead behind a create_item/create_pulse event.
// Other event types are ignored.
func (s *Service) HandleMondayEvent(ctx context.Context, ev *models.MondayEvent) error {
	log := logging.Ctx(ctx)
	if !ev.IsItemCreated() {
		log.Debug().Str("type", eventType(ev)).Msg("monday event ignored")
		return nil
	}

	itemID := ev.PulseID.String()
	item := s.loadItem(ctx, ev)

	resolved := s.resolver.Resolve(*item)
	if resolved.Email == "" {
		log.Warn().Str("item_id", itemID).Msg("new item has no usable email, not enrolled")
		s.notify(ctx, discord.Message{
			Title:       "New lead without email",
			Description: item.Name,
			Color:       discord.ColorWarning,
			Fields:      []discord.Field{{Name: "Item", Value: itemID, Inline: true}},
		})
		return nil
	}

	contact := &models.Contact{
		ID:          item.ID,
		Email:       resolved.Email,
		Name:        item.Name,
		Columns:     item.Columns,
		MergeFields: resolved.MergeFields,
	}
	res := s.enroller.Enroll(ctx, resolved.Email, contact)
	if !res.Success {
		// Enroll has already logged and announced the failure.
		return nil
	}

	note := fmt.Sprintf("Enrolled in Mailchimp (%s) on %s. Tags: %s",
		res.Status, s.timestamp(), strings.Join(res.Tags, ", "))
	if nr := s.items.AddNote(ctx, item.ID, note); !nr.Success {
		log.Warn().Str("item_id", item.ID).Str("error", nr.Error).Msg("enrollment note not added")
	}
	return nil
}

// loadItem fetches the full item, falling back to the columns carried by
// the webhook when the fetch fails or finds nothing.
func (s *Service) loadItem(ctx context.Context, ev *models.MondayEvent) *models.Item {
	itemID := ev.PulseID.String()
	item, err := s.items.GetItem(ctx, itemID)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("item_id", itemID).Msg("item fetch failed, using webhook columns")
	}
	if err != nil || item == nil {
		return &models.Item{
			ID:      itemID,
			Name:    ev.PulseName,
			BoardID: ev.BoardID.String(),
			Columns: monday.ColumnsFromWebhook(ev.ColumnValues),
		}
	}
	if item.Name == "" {
		item.Name = ev.PulseName
	}
	return item
}

// HandleMailchimpEvent records list activity on the matching CRM item.
func (s *Service) HandleMailchimpEvent(ctx context.Context, ev models.MailchimpEvent) error {
	log := logging.Ctx(ctx).With().Str("type", ev.Type).Logger()

	switch ev.Type {
	case "campaign":
		s.notify(ctx, discord.Message{
			Title:       "Campaign sent",
			Description: firstNonEmpty(ev.Data.CampaignTitle, ev.Data.Subject, ev.Data.ID),
			Color:       discord.ColorInfo,
			Fields: []discord.Field{
				{Name: "Subject", Value: ev.Data.Subject},
				{Name: "Status", Value: ev.Data.Status, Inline: true},
				{Name: "List", Value: ev.Data.ListID, Inline: true},
			},
		})
		return nil
	case "subscribe", "unsubscribe", "profile", "upemail", "cleaned":
	default:
		log.Debug().Msg("mailchimp event ignored")
		return nil
	}

	raw := ev.Data.Email
	if ev.Type == "upemail" {
		// The CRM still holds the old address.
		raw = firstNonEmpty(ev.Data.OldEmail, ev.Data.Email)
	}
	email, ok := normalize.Email(raw)
	if !ok {
		log.Warn().Str("email", raw).Msg("mailchimp event without a usable email")
		return nil
	}

	contact, err := s.finder.FindByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("find contact for %s event: %w", ev.Type, err)
	}
	if contact == nil {
		log.Info().Str("email", email).Msg("no CRM contact for mailchimp event")
		s.notify(ctx, discord.Message{
			Title:       "Contact not found",
			Description: email,
			Color:       discord.ColorWarning,
			Fields:      []discord.Field{{Name: "Event", Value: ev.Type, Inline: true}},
		})
		return nil
	}

	if nr := s.items.AddNote(ctx, contact.ID, s.listNote(ev)); !nr.Success {
		log.Warn().Str("item_id", contact.ID).Str("error", nr.Error).Msg("activity note not added")
	}

	switch ev.Type {
	case "subscribe":
		s.touch(ctx, contact.ID)
	case "upemail":
		s.finder.Forget(email)
		if ev.Data.NewEmail != "" {
			s.finder.Forget(ev.Data.NewEmail)
		}
	case "unsubscribe", "cleaned":
		title := "Contact unsubscribed"
		if ev.Type == "cleaned" {
			title = "Contact cleaned from audience"
		}
		s.notify(ctx, discord.Message{
			Title:       title,
			Description: firstNonEmpty(contact.Name, email),
			Color:       discord.ColorWarning,
			Fields: []discord.Field{
				{Name: "Email", Value: email, Inline: true},
				{Name: "Reason", Value: ev.Data.Reason, Inline: true},
			},
		})
	}
	return nil
}

// HandleTransactionalBatch processes send/open/click events one at a time,
// one per batch interval, so a large batch does not flood the CRM API.
// Unknown event types are skipped. Per-item failures are logged and the
// batch continues.
func (s *Service) HandleTransactionalBatch(ctx context.Context, events []models.TransactionalEvent) error {
	limiter := rate.NewLimiter(rate.Every(s.batchInterval), 1)
	var processed, skipped int

	for i, ev := range events {
		if ev.Source() == "" {
			skipped++
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("batch interrupted at item %d: %w", i, err)
		}
		if err := s.handleTransactional(ctx, ev); err != nil {
			logging.Ctx(ctx).Error().Err(err).Int("index", i).Str("event", ev.Event).Msg("transactional event failed")
			continue
		}
		processed++
	}

	logging.Ctx(ctx).Info().Int("total", len(events)).Int("processed", processed).Int("skipped", skipped).Msg("transactional batch done")
	return nil
}

func (s *Service) handleTransactional(ctx context.Context, ev models.TransactionalEvent) error {
	email, ok := normalize.Email(ev.Msg.Email)
	if !ok {
		logging.Ctx(ctx).Debug().Str("email", ev.Msg.Email).Msg("transactional event without a usable email")
		return nil
	}

	contact, err := s.finder.FindByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("find contact: %w", err)
	}
	if contact == nil {
		logging.Ctx(ctx).Info().Str("email", email).Str("event", ev.Event).Msg("no CRM contact for email activity")
		return nil
	}

	note := fmt.Sprintf("[%s] Email %s: %s", s.timestamp(), pastTense(ev.Event), firstNonEmpty(ev.Msg.Subject, "(no subject)"))
	if ev.Event == "click" && ev.URL != "" {
		note += " (" + ev.URL + ")"
	}
	if nr := s.items.AddNote(ctx, contact.ID, note); !nr.Success {
		logging.Ctx(ctx).Warn().Str("item_id", contact.ID).Str("error", nr.Error).Msg("activity note not added")
	}
	s.touch(ctx, contact.ID)
	return nil
}

func (s *Service) touch(ctx context.Context, itemID string) {
	tr := s.items.IncrementTouchpoints(ctx, itemID, nil)
	if !tr.Success {
		logging.Ctx(ctx).Warn().Str("item_id", itemID).Str("error", tr.Error).Msg("touchpoint not incremented")
		return
	}
	logging.Ctx(ctx).Debug().Str("item_id", itemID).Int("touchpoints", tr.NewValue).Msg("touchpoint incremented")
}

func (s *Service) listNote(ev models.MailchimpEvent) string {
	var what string
	switch ev.Type {
	case "subscribe":
		what = "subscribed to the mailing list"
	case "unsubscribe":
		what = "unsubscribed from the mailing list"
		if ev.Data.Reason != "" {
			what += " (" + ev.Data.Reason + ")"
		}
	case "profile":
		what = "updated their profile"
	case "upemail":
		what = fmt.Sprintf("changed email from %s to %s", ev.Data.OldEmail, ev.Data.NewEmail)
	case "cleaned":
		what = "was cleaned from the audience"
		if ev.Data.Reason != "" {
			what += " (" + ev.Data.Reason + ")"
		}
	}
	return fmt.Sprintf("[%s] Mailchimp: contact %s", s.timestamp(), what)
}

func (s *Service) notify(ctx context.Context, msg discord.Message) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, msg)
}

func (s *Service) timestamp() string {
	return s.now().UTC().Format("2006-01-02 15:04 UTC")
}

func pastTense(event string) string {
	switch event {
	case "send":
		return "sent"
	case "open":
		return "opened"
	case "click":
		return "clicked"
	default:
		return event
	}
}

func eventType(ev *models.MondayEvent) string {
	if ev == nil {
		return ""
	}
	return ev.Type
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
