// Package enrollment upserts CRM contacts into the Mailchimp audience.
//
// Enroll is the boundary between the webhook pipeline and the marketing API:
// it retries transient failures, honors rate limiting, falls back to an
// in-place update for existing members, and always returns a result value.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/config"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/discord"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/logging"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/mailchimp"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/metrics"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/models"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/normalize"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/resilience"
)

// TagNew marks every freshly enrolled contact.
const TagNew = "NEW"

const (
	StatusCreated = "created"
	StatusUpdated = "updated"
)

// Audience is the part of the Mailchimp client used for enrollment.
type Audience interface {
	AddListMember(ctx context.Context, listID string, req mailchimp.MemberRequest) (*mailchimp.Member, error)
	UpdateListMember(ctx context.Context, listID, subscriberHash string, req mailchimp.MemberRequest) (*mailchimp.Member, error)
	UpdateListMemberTags(ctx context.Context, listID, subscriberHash string, tags []mailchimp.Tag) error
}

// Resolver turns item columns into merge fields.
type Resolver interface {
	Resolve(item models.Item) models.ResolvedContact
}

type Notifier interface {
	Notify(ctx context.Context, msg discord.Message) (*discord.Delivery, bool)
}

// Recorder persists enrollment outcomes.
type Recorder interface {
	RecordEnrollment(ctx context.Context, rec models.EnrollmentRecord) error
}

// Spawner runs side effects without blocking the caller.
type Spawner interface {
	Go(ctx context.Context, task string, fn func(ctx context.Context) error)
}

// Options controls the upsert loop.
type Options struct {
	ListID        string
	EnrollmentTag string
	// MaxRetries is the number of retries after the first attempt for
	// transient failures. Rate-limited attempts do not count.
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	DefaultRetryAfter time.Duration
	// Deadline bounds the whole loop, sleeps included.
	Deadline time.Duration
}

func OptionsFromConfig(mc config.MailchimpConfig, ec config.EnrollmentConfig) Options {
	return Options{
		ListID:            mc.ListID,
		EnrollmentTag:     mc.EnrollmentTag,
		MaxRetries:        ec.MaxRetries,
		BaseDelay:         ec.BaseDelay,
		MaxDelay:          ec.MaxDelay,
		DefaultRetryAfter: ec.DefaultRetryAfter,
		Deadline:          ec.Deadline,
	}
}

type Orchestrator struct {
	opts     Options
	audience Audience
	resolver Resolver
	notifier Notifier
	recorder Recorder
	spawner  Spawner

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New builds an orchestrator. notifier and recorder may be nil; a nil
// spawner runs side effects inline.
func New(opts Options, audience Audience, resolver Resolver, notifier Notifier, recorder Recorder, spawner Spawner) *Orchestrator {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.DefaultRetryAfter <= 0 {
		opts.DefaultRetryAfter = 60 * time.Second
	}
	if opts.Deadline <= 0 {
		opts.Deadline = 60 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if spawner == nil {
		spawner = inline{}
	}
	return &Orchestrator{
		opts:     opts,
		audience: audience,
		resolver: resolver,
		notifier: notifier,
		recorder: recorder,
		spawner:  spawner,
		sleep:    sleepCtx,
		now:      time.Now,
	}
}

// Enroll upserts the contact into the audience and tags it. email may be
// empty, in which case the contact's own address is used. Enroll never
// returns an error: failures come back as Success=false with Error set.
func (o *Orchestrator) Enroll(ctx context.Context, email string, contact *models.Contact) models.EnrollmentResult {
	start := o.now()
	log := logging.Ctx(ctx)

	if contact == nil {
		contact = &models.Contact{}
	}
	if strings.TrimSpace(email) == "" {
		email = contact.Email
	}

	res := o.enroll(ctx, email, contact)
	res.ProcessingTime = o.now().Sub(start)

	metrics.EnrollmentDuration.Observe(res.ProcessingTime.Seconds())
	metrics.EnrollmentAttempts.Observe(float64(res.Attempts))
	if res.Success {
		metrics.Enrollments.WithLabelValues(res.Status).Inc()
		log.Info().
			Str("email", email).
			Str("item_id", contact.ID).
			Str("status", res.Status).
			Int("attempts", res.Attempts).
			Dur("took", res.ProcessingTime).
			Msg("contact enrolled")
	} else {
		metrics.Enrollments.WithLabelValues("failed").Inc()
		log.Error().
			Str("email", email).
			Str("item_id", contact.ID).
			Str("error", res.Error).
			Int("attempts", res.Attempts).
			Msg("enrollment failed")
	}

	o.afterEnroll(ctx, email, contact, res)
	return res
}

func (o *Orchestrator) enroll(ctx context.Context, rawEmail string, contact *models.Contact) models.EnrollmentResult {
	email, ok := normalize.Email(rawEmail)
	if !ok {
		return models.EnrollmentResult{
			MergeFields: map[string]string{},
			Error:       fmt.Sprintf("invalid email address %q", rawEmail),
		}
	}

	resolved := o.resolver.Resolve(models.Item{ID: contact.ID, Name: contact.Name, Columns: contact.Columns})
	fields := resolved.MergeFields
	if fields == nil {
		fields = map[string]string{}
	}
	for k, v := range contact.MergeFields {
		if _, set := fields[k]; !set && v != "" {
			fields[k] = v
		}
	}
	tags := o.tags(resolved)

	ctx, cancel := context.WithTimeout(ctx, o.opts.Deadline)
	defer cancel()

	req := mailchimp.MemberRequest{
		EmailAddress: email,
		Status:       "subscribed",
		MergeFields:  fields,
		Tags:         tags,
	}
	res := models.EnrollmentResult{MergeFields: fields, Tags: tags}

	retries := 0
	delays := o.newBackoff()
	for {
		if err := ctx.Err(); err != nil {
			res.Error = fmt.Sprintf("enrollment aborted after %d attempts: %v", res.Attempts, err)
			return res
		}

		res.Attempts++
		member, err := o.audience.AddListMember(ctx, o.opts.ListID, req)
		if err == nil {
			res.Success = true
			res.Status = StatusCreated
			res.SubscriberID = member.ID
			return res
		}

		var apiErr *mailchimp.APIError
		isAPI := errors.As(err, &apiErr)

		switch {
		case isAPI && apiErr.StatusCode == http.StatusBadRequest:
			return o.update(ctx, email, fields, tags, res)

		case isAPI && apiErr.StatusCode == http.StatusTooManyRequests:
			wait := apiErr.RetryAfter
			if wait <= 0 {
				wait = o.opts.DefaultRetryAfter
			}
			logging.Ctx(ctx).Warn().Dur("retry_after", wait).Msg("mailchimp rate limited")
			if err := o.sleep(ctx, wait); err != nil {
				res.Error = fmt.Sprintf("enrollment aborted while rate limited: %v", err)
				return res
			}

		case IsTransient(err) && retries < o.opts.MaxRetries:
			retries++
			delay := delays.NextBackOff()
			logging.Ctx(ctx).Warn().Err(err).Int("retry", retries).Dur("delay", delay).Msg("transient mailchimp error, retrying")
			if err := o.sleep(ctx, delay); err != nil {
				res.Error = fmt.Sprintf("enrollment aborted during backoff: %v", err)
				return res
			}

		default:
			res.Error = err.Error()
			return res
		}
	}
}

// update patches an existing member and activates its tags.
func (o *Orchestrator) update(ctx context.Context, email string, fields map[string]string, tags []string, res models.EnrollmentResult) models.EnrollmentResult {
	hash := mailchimp.SubscriberHash(email)

	member, err := o.audience.UpdateListMember(ctx, o.opts.ListID, hash, mailchimp.MemberRequest{
		EmailAddress: email,
		MergeFields:  fields,
	})
	if err != nil {
		res.Error = fmt.Sprintf("update existing member: %v", err)
		return res
	}

	active := make([]mailchimp.Tag, 0, len(tags))
	for _, t := range tags {
		active = append(active, mailchimp.Tag{Name: t, Status: "active"})
	}
	if err := o.audience.UpdateListMemberTags(ctx, o.opts.ListID, hash, active); err != nil {
		// Member data is already updated; tags are best effort.
		logging.Ctx(ctx).Warn().Err(err).Str("email", email).Msg("tag update failed")
	}

	res.Success = true
	res.Status = StatusUpdated
	res.SubscriberID = member.ID
	return res
}

func (o *Orchestrator) tags(resolved models.ResolvedContact) []string {
	var tags []string
	seen := map[string]bool{}
	add := func(t string) {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			return
		}
		seen[t] = true
		tags = append(tags, t)
	}
	add(resolved.EventType)
	add(o.opts.EnrollmentTag)
	add(TagNew)
	add(resolved.LeadSource)
	return tags
}

// newBackoff yields BaseDelay, 2·BaseDelay, 4·BaseDelay ... capped at
// MaxDelay, without jitter. The overall deadline is enforced by the caller.
func (o *Orchestrator) newBackoff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     o.opts.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         o.opts.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// afterEnroll records and announces the outcome in the background.
func (o *Orchestrator) afterEnroll(ctx context.Context, email string, contact *models.Contact, res models.EnrollmentResult) {
	if o.recorder != nil {
		rec := models.EnrollmentRecord{
			Email:          email,
			ItemID:         contact.ID,
			Success:        res.Success,
			Status:         res.Status,
			SubscriberID:   res.SubscriberID,
			Attempts:       res.Attempts,
			Error:          res.Error,
			ProcessingTime: res.ProcessingTime,
			CreatedAt:      o.now().UTC(),
		}
		o.spawner.Go(ctx, "record-enrollment", func(ctx context.Context) error {
			return o.recorder.RecordEnrollment(ctx, rec)
		})
	}

	if o.notifier != nil {
		msg := enrollmentMessage(email, contact, res)
		o.spawner.Go(ctx, "notify-enrollment", func(ctx context.Context) error {
			o.notifier.Notify(ctx, msg)
			return nil
		})
	}
}

func enrollmentMessage(email string, contact *models.Contact, res models.EnrollmentResult) discord.Message {
	name := contact.Name
	if name == "" {
		name = email
	}
	if !res.Success {
		return discord.Message{
			Title:       "Mailchimp enrollment failed",
			Description: name,
			Color:       discord.ColorError,
			Fields: []discord.Field{
				{Name: "Email", Value: email, Inline: true},
				{Name: "Error", Value: res.Error},
				{Name: "Attempts", Value: fmt.Sprint(res.Attempts), Inline: true},
			},
		}
	}
	return discord.Message{
		Title:       "Lead enrolled in Mailchimp",
		Description: name,
		Color:       discord.ColorSuccess,
		Fields: []discord.Field{
			{Name: "Email", Value: email, Inline: true},
			{Name: "Status", Value: res.Status, Inline: true},
			{Name: "Tags", Value: strings.Join(res.Tags, ", ")},
		},
	}
}

// IsTransient reports whether err is worth retrying with backoff: timeouts,
// DNS and socket failures, dropped connections, server errors and an open
// circuit. Certificate and request-construction errors are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if resilience.IsOpen(err) {
		return true
	}

	var apiErr *mailchimp.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

type inline struct{}

func (inline) Go(ctx context.Context, task string, fn func(ctx context.Context) error) {
	if err := fn(ctx); err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("task", task).Msg("side effect failed")
	}
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
