package monday

import (
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/models"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/normalize"
)

// Pseudo-fields handled by the resolver itself rather than sent as merge
// fields.
const (
	FieldEmail    = "EMAIL"
	FieldFullName = "NAME"
)

// FieldMapping lists the aliases that identify a canonical field. Aliases are
// matched case-insensitively as substrings of the column title or ID.
type FieldMapping struct {
	Field   string
	Aliases []string
}

// DefaultMappings is ordered: a column is assigned to the first field with a
// matching alias, so specific fields come before generic ones ("contact
// date" before "date", everything before "name"). Matching is best-effort;
// a board with oddly named columns can be misclassified.
var DefaultMappings = []FieldMapping{
	{Field: FieldEmail, Aliases: []string{"email", "e-mail"}},
	{Field: normalize.FieldCompany, Aliases: []string{"company", "organization", "organisation", "business"}},
	{Field: normalize.FieldFirstName, Aliases: []string{"first name", "first_name", "firstname", "fname"}},
	{Field: normalize.FieldLastName, Aliases: []string{"last name", "last_name", "lastname", "lname", "surname"}},
	{Field: normalize.FieldPhone, Aliases: []string{"phone", "mobile", "cell", "telephone"}},
	{Field: normalize.FieldWebsite, Aliases: []string{"website", "web site", "url"}},
	{Field: normalize.FieldZip, Aliases: []string{"zip", "postal", "postcode"}},
	{Field: normalize.FieldCity, Aliases: []string{"city", "town"}},
	{Field: normalize.FieldState, Aliases: []string{"state", "province", "region"}},
	{Field: normalize.FieldCountry, Aliases: []string{"country"}},
	{Field: normalize.FieldAddress, Aliases: []string{"address", "street"}},
	{Field: normalize.FieldContactDate, Aliases: []string{"contact date", "contact_date", "inquiry date", "date contacted"}},
	{Field: normalize.FieldEventDate, Aliases: []string{"event date", "event_date", "wedding date", "date"}},
	{Field: normalize.FieldEventType, Aliases: []string{"event type", "event_type", "type of event"}},
	{Field: normalize.FieldSource, Aliases: []string{"lead source", "lead_source", "source", "referral"}},
	{Field: FieldFullName, Aliases: []string{"full name", "contact name", "client name", "name"}},
}

// Resolver maps item columns onto canonical fields.
type Resolver struct {
	mappings []FieldMapping
}

// NewResolver returns a resolver over mappings, or DefaultMappings when nil.
func NewResolver(mappings []FieldMapping) *Resolver {
	if mappings == nil {
		mappings = DefaultMappings
	}
	lowered := make([]FieldMapping, len(mappings))
	for i, m := range mappings {
		aliases := make([]string, len(m.Aliases))
		for j, a := range m.Aliases {
			aliases[j] = strings.ToLower(a)
		}
		lowered[i] = FieldMapping{Field: m.Field, Aliases: aliases}
	}
	return &Resolver{mappings: lowered}
}

// Resolve classifies each non-empty column and returns cleaned values. Once
// a field is resolved, later columns are not considered for it. Values that
// fail cleaning leave the field open for a later column. When no name was
// found in the columns, the item's display name is split into first/last.
func (r *Resolver) Resolve(item models.Item) models.ResolvedContact {
	out := models.ResolvedContact{MergeFields: map[string]string{}}
	resolved := map[string]bool{}

	for _, col := range item.Columns {
		text := strings.TrimSpace(ColumnText(col))
		if text == "" {
			continue
		}

		field, ok := r.classify(col, resolved)
		if !ok {
			continue
		}

		switch field {
		case FieldEmail:
			if e, ok := normalize.Email(text); ok {
				out.Email = e
				resolved[FieldEmail] = true
			}
		case FieldFullName:
			if resolved[normalize.FieldFirstName] || resolved[normalize.FieldLastName] {
				continue
			}
			if setNames(out.MergeFields, text, resolved) {
				resolved[FieldFullName] = true
			}
		default:
			if v, ok := normalize.MergeField(text, field); ok {
				out.MergeFields[field] = v
				resolved[field] = true
			}
		}
	}

	if !resolved[normalize.FieldFirstName] && !resolved[normalize.FieldLastName] {
		setNames(out.MergeFields, item.Name, resolved)
	}

	out.EventType = out.MergeFields[normalize.FieldEventType]
	out.LeadSource = out.MergeFields[normalize.FieldSource]
	return out
}

// classify returns the first field with an alias matching col. A column whose
// first match is already resolved is dropped, not offered to later fields:
// "Company Email" is a second email column, never a company name.
func (r *Resolver) classify(col models.Column, resolved map[string]bool) (string, bool) {
	title := strings.ToLower(col.Title)
	id := strings.ToLower(col.ID)
	for _, m := range r.mappings {
		for _, alias := range m.Aliases {
			if (title != "" && strings.Contains(title, alias)) || strings.Contains(id, alias) {
				return m.Field, !resolved[m.Field]
			}
		}
	}
	return "", false
}

func setNames(fields map[string]string, display string, resolved map[string]bool) bool {
	first, last := normalize.SplitName(display)
	set := false
	if v, ok := normalize.MergeField(first, normalize.FieldFirstName); ok {
		fields[normalize.FieldFirstName] = v
		resolved[normalize.FieldFirstName] = true
		set = true
	}
	if v, ok := normalize.MergeField(last, normalize.FieldLastName); ok {
		fields[normalize.FieldLastName] = v
		resolved[normalize.FieldLastName] = true
		set = true
	}
	return set
}

// typedValue covers the shapes Monday uses for column values across column
// types, both in API responses and in webhook payloads.
type typedValue struct {
	Text         string `json:"text"`
	Value        any    `json:"value"`
	Email        string `json:"email"`
	Phone        string `json:"phone"`
	Date         string `json:"date"`
	ChosenValues []struct {
		Name string `json:"name"`
	} `json:"chosenValues"`
	Label *struct {
		Text string `json:"text"`
	} `json:"label"`
}

// ColumnText returns the rendered text of a column, deriving it from the
// typed JSON value when the API did not render one.
func ColumnText(col models.Column) string {
	if strings.TrimSpace(col.Text) != "" {
		return col.Text
	}
	if col.Value == "" {
		return ""
	}
	return textFromValue(json.RawMessage(col.Value))
}

func textFromValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var v typedValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	switch {
	case v.Email != "":
		return v.Email
	case v.Phone != "":
		return v.Phone
	case v.Date != "":
		return v.Date
	case len(v.ChosenValues) > 0:
		names := make([]string, 0, len(v.ChosenValues))
		for _, c := range v.ChosenValues {
			names = append(names, c.Name)
		}
		return strings.Join(names, ", ")
	case v.Label != nil && v.Label.Text != "":
		return v.Label.Text
	case v.Text != "":
		return v.Text
	}
	if s, ok := v.Value.(string); ok {
		return s
	}
	return ""
}

// ColumnsFromWebhook converts a webhook columnValues map into columns. Only
// IDs are known, so classification relies on ID aliases.
func ColumnsFromWebhook(values map[string]json.RawMessage) []models.Column {
	ids := make([]string, 0, len(values))
	for id := range values {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	cols := make([]models.Column, 0, len(ids))
	for _, id := range ids {
		raw := values[id]
		cols = append(cols, models.Column{
			ID:    id,
			Text:  textFromValue(raw),
			Value: string(raw),
		})
	}
	return cols
}
