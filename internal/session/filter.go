package session

import (
	"strings"
	"time"
)

// Filter selects sessions for the portfolio view. Zero fields match
// everything. Text fields match case-insensitive substrings.
type Filter struct {
	Employer  string
	Name      string
	Methods   string
	Coworkers string
	MinHeight float64

	// Day matches sessions started on the same calendar day, in Day's
	// location.
	Day time.Time
}

func (f Filter) Match(r Record) bool {
	if !containsFold(r.Employer, f.Employer) ||
		!containsFold(r.Name, f.Name) ||
		!containsFold(r.Methods, f.Methods) ||
		!containsFold(r.Coworkers, f.Coworkers) {
		return false
	}
	if f.MinHeight > 0 && float64(r.Height) < f.MinHeight {
		return false
	}
	if !f.Day.IsZero() {
		started := time.UnixMilli(r.StartedAt).In(f.Day.Location())
		y1, m1, d1 := started.Date()
		y2, m2, d2 := f.Day.Date()
		if y1 != y2 || m1 != m2 || d1 != d2 {
			return false
		}
	}
	return true
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// Apply returns the records f matches, in their original order.
func (f Filter) Apply(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	return out
}

func TotalHours(records []Record) float64 {
	var total float64
	for _, r := range records {
		total += float64(r.Hours)
	}
	return total
}
