package automation

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	DateLayout     = "02/01/2006"
	TimeLayout     = "15:04"
	DateTimeLayout = "02/01/2006 15:04"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

var weekdayNames = map[time.Weekday]string{
	time.Sunday:    "domingo",
	time.Monday:    "segunda-feira",
	time.Tuesday:   "terça-feira",
	time.Wednesday: "quarta-feira",
	time.Thursday:  "quinta-feira",
	time.Friday:    "sexta-feira",
	time.Saturday:  "sábado",
}

// Substitutor replaces {{name}} placeholders in message templates. Lookup
// order is the per-conversation variables, then contact identity, then the
// built-in clock values. Unknown placeholders are left in place so a
// missing variable is visible in the sent text.
type Substitutor struct {
	loc *time.Location
	now func() time.Time
}

func NewSubstitutor(loc *time.Location) *Substitutor {
	if loc == nil {
		loc = time.Local
	}
	return &Substitutor{loc: loc, now: time.Now}
}

// Contact identity used for the contact_* built-ins
type Contact struct {
	Name  string
	Phone string
}

func (s *Substitutor) Substitute(text string, vars map[string]interface{}, contact Contact) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	now := s.now().In(s.loc)
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		key = strings.TrimPrefix(key, "vars.")
		if v, ok := vars[key]; ok && v != nil {
			return fmt.Sprint(v)
		}
		if v, ok := builtin(key, now, contact); ok {
			return v
		}
		return match
	})
}

func builtin(key string, now time.Time, contact Contact) (string, bool) {
	switch key {
	case "name", "contact_name", "contact.name":
		if contact.Name == "" {
			return contact.Phone, contact.Phone != ""
		}
		return contact.Name, true
	case "phone", "contact_phone", "contact.phone":
		return contact.Phone, contact.Phone != ""
	case "first_name":
		parts := strings.Fields(contact.Name)
		if len(parts) == 0 {
			return "", false
		}
		return parts[0], true
	case "current_date", "date":
		return now.Format(DateLayout), true
	case "current_time", "time":
		return now.Format(TimeLayout), true
	case "current_datetime", "datetime":
		return now.Format(DateTimeLayout), true
	case "day_of_week", "weekday":
		return weekdayNames[now.Weekday()], true
	case "greeting":
		switch h := now.Hour(); {
		case h < 12:
			return "Bom dia", true
		case h < 18:
			return "Boa tarde", true
		default:
			return "Boa noite", true
		}
	}
	return "", false
}
