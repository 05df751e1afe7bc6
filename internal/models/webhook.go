package models

import "github.com/goccy/go-json"

// Event sources handled by the pipeline.
const (
	SourceCRMItemCreated         = "crm-item-created"
	SourceMarketingSubscribe     = "marketing-subscribe"
	SourceMarketingUnsubscribe   = "marketing-unsubscribe"
	SourceMarketingProfileUpdate = "marketing-profile-update"
	SourceMarketingEmailChanged  = "marketing-email-changed"
	SourceMarketingCleaned       = "marketing-cleaned"
	SourceMarketingSend          = "marketing-send"
	SourceMarketingOpen          = "marketing-open"
	SourceMarketingClick         = "marketing-click"
	SourceMarketingCampaignSent  = "marketing-campaign-sent"
)

// MondayWebhook is the envelope Monday.com posts. A URL verification request
// carries only Challenge.
type MondayWebhook struct {
	Challenge string       `json:"challenge,omitempty"`
	Event     *MondayEvent `json:"event,omitempty"`
}

// MondayEvent is the body of a Monday.com board event.
type MondayEvent struct {
	Type         string                     `json:"type"`
	BoardID      json.Number                `json:"boardId"`
	PulseID      json.Number                `json:"pulseId"`
	PulseName    string                     `json:"pulseName"`
	TriggerUUID  string                     `json:"triggerUuid,omitempty"`
	ColumnValues map[string]json.RawMessage `json:"columnValues,omitempty"`
}

// IsItemCreated reports whether the event should trigger enrollment.
func (e *MondayEvent) IsItemCreated() bool {
	return e != nil && (e.Type == "create_item" || e.Type == "create_pulse")
}

// MailchimpEvent is a list webhook from Mailchimp (subscribe, unsubscribe,
// profile, upemail, cleaned, campaign).
type MailchimpEvent struct {
	Type    string        `json:"type"`
	FiredAt string        `json:"fired_at,omitempty"`
	Data    MailchimpData `json:"data"`
}

type MailchimpData struct {
	ID            string            `json:"id,omitempty"`
	Email         string            `json:"email,omitempty"`
	NewEmail      string            `json:"new_email,omitempty"`
	OldEmail      string            `json:"old_email,omitempty"`
	ListID        string            `json:"list_id,omitempty"`
	Merges        map[string]string `json:"merges,omitempty"`
	CampaignID    string            `json:"campaign_id,omitempty"`
	CampaignTitle string            `json:"campaign_title,omitempty"`
	Subject       string            `json:"subject,omitempty"`
	Status        string            `json:"status,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Action        string            `json:"action,omitempty"`
}

// Source maps the Mailchimp event type to a pipeline source, or "" when the
// type is not handled.
func (e MailchimpEvent) Source() string {
	switch e.Type {
	case "subscribe":
		return SourceMarketingSubscribe
	case "unsubscribe":
		return SourceMarketingUnsubscribe
	case "profile":
		return SourceMarketingProfileUpdate
	case "upemail":
		return SourceMarketingEmailChanged
	case "cleaned":
		return SourceMarketingCleaned
	case "campaign":
		return SourceMarketingCampaignSent
	default:
		return ""
	}
}

// TransactionalEvent is one element of a mandrill_events batch.
type TransactionalEvent struct {
	Event string           `json:"event"`
	TS    int64            `json:"ts,omitempty"`
	URL   string           `json:"url,omitempty"`
	Msg   TransactionalMsg `json:"msg"`
}

type TransactionalMsg struct {
	Email      string `json:"email"`
	Subject    string `json:"subject"`
	CampaignID string `json:"campaign_id,omitempty"`
}

// Source maps the transactional event to a pipeline source, or "".
func (e TransactionalEvent) Source() string {
	switch e.Event {
	case "send":
		return SourceMarketingSend
	case "open":
		return SourceMarketingOpen
	case "click":
		return SourceMarketingClick
	default:
		return ""
	}
}
