// Package normalize validates and cleans contact data before it is sent to
// Mailchimp. Every function reports failure through its bool result and never
// panics; callers omit a field rather than send an invalid value upstream.
package normalize

import (
	"net/url"
	"strings"
	"time"
	"unicode"
)

// Merge field names understood by the audience.
const (
	FieldFirstName   = "FNAME"
	FieldLastName    = "LNAME"
	FieldPhone       = "PHONE"
	FieldCompany     = "COMPANY"
	FieldAddress     = "ADDRESS"
	FieldCity        = "CITY"
	FieldState       = "STATE"
	FieldZip         = "ZIP"
	FieldCountry     = "COUNTRY"
	FieldWebsite     = "WEBSITE"
	FieldEventDate   = "EVENT_DATE"
	FieldEventType   = "EVENT_TYPE"
	FieldContactDate = "CONTACT_DATE"
	FieldSource      = "SOURCE"
)

// Role accounts and placeholder addresses never become subscribers.
var blockedLocalParts = map[string]struct{}{
	"test": {}, "admin": {}, "noreply": {}, "info": {}, "contact": {},
	"hello": {}, "support": {}, "sales": {}, "marketing": {}, "webmaster": {},
	"postmaster": {}, "abuse": {}, "security": {}, "root": {},
}

var blockedDomainPrefixes = []string{"example.", "test."}

// Email lowercases and trims raw, checks it against the address grammar and
// the role-account/placeholder denylists. The domain must end in an
// alphabetic TLD of at least two letters. ok is false on any failure.
// Email is idempotent on its own output.
func Email(raw string) (clean string, ok bool) {
	e := strings.ToLower(strings.TrimSpace(raw))
	if e == "" || Validator().Var(e, "required,email") != nil {
		return "", false
	}

	at := strings.LastIndexByte(e, '@')
	local, domain := e[:at], e[at+1:]
	if !hasAlphaTLD(domain) {
		return "", false
	}

	if _, blocked := blockedLocalParts[local]; blocked {
		return "", false
	}
	if domain == "localhost" {
		return "", false
	}
	for _, p := range blockedDomainPrefixes {
		if strings.HasPrefix(domain, p) {
			return "", false
		}
	}
	return e, true
}

func hasAlphaTLD(domain string) bool {
	dot := strings.LastIndexByte(domain, '.')
	if dot < 0 {
		return false
	}
	tld := domain[dot+1:]
	if len(tld) < 2 {
		return false
	}
	for _, r := range tld {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

type fieldRule struct {
	max   int
	clean func(string) (string, bool)
}

var rules = map[string]fieldRule{
	FieldFirstName:   {max: 50, clean: personName},
	FieldLastName:    {max: 50, clean: personName},
	FieldPhone:       {max: 20, clean: phone},
	FieldCompany:     {max: 100, clean: text},
	FieldAddress:     {max: 255, clean: text},
	FieldCity:        {max: 50, clean: text},
	FieldState:       {max: 50, clean: text},
	FieldZip:         {max: 20, clean: postalCode},
	FieldCountry:     {max: 50, clean: text},
	FieldWebsite:     {max: 255, clean: website},
	FieldEventDate:   {max: 10, clean: date},
	FieldEventType:   {max: 100, clean: text},
	FieldContactDate: {max: 10, clean: date},
	FieldSource:      {max: 100, clean: text},
}

var defaultRule = fieldRule{max: 255, clean: text}

// MergeField cleans raw according to the constraints of field. It reports
// false when the cleaned value is empty, invalid, or longer than the field
// allows. Over-long values are rejected, not truncated.
func MergeField(raw, field string) (string, bool) {
	rule, found := rules[strings.ToUpper(field)]
	if !found {
		rule = defaultRule
	}

	v, ok := rule.clean(raw)
	if !ok || v == "" {
		return "", false
	}
	if len([]rune(v)) > rule.max {
		return "", false
	}
	return v, true
}

// personName keeps letters, spaces, hyphens and apostrophes.
func personName(raw string) (string, bool) {
	var b strings.Builder
	for _, r := range raw {
		if unicode.IsLetter(r) || r == ' ' || r == '-' || r == '\'' {
			b.WriteRune(r)
		}
	}
	return collapseSpaces(b.String()), true
}

// phone keeps digits and a single leading '+'; at least 10 digits required.
func phone(raw string) (string, bool) {
	var b strings.Builder
	digits := 0
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			digits++
		case r == '+' && b.Len() == 0:
			b.WriteRune(r)
		}
	}
	if digits < 10 {
		return "", false
	}
	return b.String(), true
}

func postalCode(raw string) (string, bool) {
	var b strings.Builder
	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' {
			b.WriteRune(r)
		}
	}
	return collapseSpaces(b.String()), true
}

func website(raw string) (string, bool) {
	v := strings.Join(strings.Fields(raw), "")
	if v == "" {
		return "", false
	}
	if !strings.Contains(v, "://") {
		v = "https://" + v
	}
	u, err := url.Parse(v)
	if err != nil || u.Host == "" || !strings.Contains(u.Host, ".") {
		return "", false
	}
	return v, true
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"01/02/2006",
	"1/2/2006",
	"January 2, 2006",
	"Jan 2, 2006",
}

// date normalizes the accepted layouts to YYYY-MM-DD.
func date(raw string) (string, bool) {
	v := strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}

// text drops control characters and collapses whitespace.
func text(raw string) (string, bool) {
	var b strings.Builder
	for _, r := range raw {
		if unicode.IsControl(r) {
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(r)
	}
	return collapseSpaces(b.String()), true
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// SplitName splits a display name on whitespace into first and last name.
// Everything after the first word is the last name.
func SplitName(display string) (first, last string) {
	parts := strings.Fields(display)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}
