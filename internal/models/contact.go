package models

import "time"

// Column is one column of a Monday.com item as returned by the GraphQL API.
// Value is the raw JSON-encoded typed value; Text is the rendered string.
type Column struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Text  string `json:"text"`
	Value string `json:"value"`
	Type  string `json:"type"`
}

// Item is a Monday.com board item (a lead row).
type Item struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	BoardID string   `json:"board_id,omitempty"`
	Columns []Column `json:"columns"`
}

// Contact is reconstructed per request from a CRM item; it is never persisted.
type Contact struct {
	ID          string
	Email       string
	Name        string
	Columns     []Column
	MergeFields map[string]string
	Touchpoints int
}

// ResolvedContact is the canonical field set produced by the column resolver.
type ResolvedContact struct {
	Email       string
	MergeFields map[string]string
	// EventType and LeadSource feed the enrollment tag set.
	EventType  string
	LeadSource string
}

// EnrollmentResult is the outcome of a single enrollment. Enroll never
// returns an error; failures are reported with Success=false.
type EnrollmentResult struct {
	Success        bool              `json:"success"`
	SubscriberID   string            `json:"subscriber_id,omitempty"`
	Status         string            `json:"status,omitempty"`
	MergeFields    map[string]string `json:"merge_fields"`
	Tags           []string          `json:"tags,omitempty"`
	Attempts       int               `json:"attempts"`
	ProcessingTime time.Duration     `json:"processing_time"`
	Error          string            `json:"error,omitempty"`
}

// NoteResult is returned by the note updater.
type NoteResult struct {
	Success  bool
	UpdateID string
	Error    string
}

// TouchpointResult is returned by the touchpoint updater.
type TouchpointResult struct {
	Success       bool
	PreviousValue int
	NewValue      int
	Error         string
}

// EnrollmentRecord is the persisted audit row for one enrollment outcome.
type EnrollmentRecord struct {
	Email          string
	ItemID         string
	Success        bool
	Status         string
	SubscriberID   string
	Attempts       int
	Error          string
	ProcessingTime time.Duration
	CreatedAt      time.Time
}
