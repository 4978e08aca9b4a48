package engine

import (
	"encoding/json"
	"strings"
	"time"
)

// GradYearRule is the free-form graduation-year targeting rule attached to
// a scenario. Two dialects coexist in stored data: a typed form
// ({"type":"in","values":[...]}, {"type":"within_months","months":N},
// {"type":"all"}) and a bare numeric form ({"exact":N}, {"min":N},
// {"max":N}, combinable).
type GradYearRule struct {
	Type   string `json:"type"`
	Values []int  `json:"values"`
	Months *int   `json:"months"`
	Exact  *int   `json:"exact"`
	Min    *int   `json:"min"`
	Max    *int   `json:"max"`
}

// ParseGradYearRule parses a stored rule. ok is false for an empty or
// unparseable rule, which callers must treat as "no constraint": the
// platform has always been lenient here and tightening it would silently
// change which scenarios fire. See DESIGN.md for the open question.
func ParseGradYearRule(raw string) (*GradYearRule, bool) {
	if strings.TrimSpace(raw) == "" {
		return nil, false
	}
	var r GradYearRule
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, false
	}
	return &r, true
}

// academicYear returns the Japanese academic year a date belongs to,
// expressed as the graduating year: April onward counts toward the
// following spring's graduation.
func academicYear(y int, m time.Month) int {
	if m >= time.April {
		return y + 1
	}
	return y
}

// Matches evaluates the rule against a lead's graduation year. ref is the
// reference date for within_months arithmetic (the anchor event's date).
func (r *GradYearRule) Matches(gradYear int, ref time.Time) bool {
	if r == nil {
		return true
	}
	switch r.Type {
	case "in":
		for _, v := range r.Values {
			if v == gradYear {
				return true
			}
		}
		return false
	case "within_months":
		months := 12
		if r.Months != nil {
			months = *r.Months
		}
		current := academicYear(ref.Year(), ref.Month())
		// Walk months forward from the first of the reference month and
		// take the academic year reached.
		total := int(ref.Month()) + months
		futureYear := ref.Year() + (total-1)/12
		futureMonth := time.Month((total-1)%12 + 1)
		max := academicYear(futureYear, futureMonth)
		return current <= gradYear && gradYear <= max
	case "all":
		return true
	}
	// Bare numeric form. All present bounds must hold.
	if r.Exact != nil && gradYear != *r.Exact {
		return false
	}
	if r.Min != nil && gradYear < *r.Min {
		return false
	}
	if r.Max != nil && gradYear > *r.Max {
		return false
	}
	return true
}

// MatchSegment reports whether a lead satisfies a scenario's targeting
// conditions. Absent conditions always pass; present conditions are
// AND-combined. Calendar-event registration status is checked separately
// by the discovery path via RegistrationAllowed. Pure, no I/O.
func MatchSegment(lead *Lead, sc *Scenario, ref time.Time) bool {
	if sc.SegmentGradYearFrom != nil && lead.GraduationYear < *sc.SegmentGradYearFrom {
		return false
	}
	if sc.SegmentGradYearTo != nil && lead.GraduationYear > *sc.SegmentGradYearTo {
		return false
	}
	if rule, ok := ParseGradYearRule(sc.GradYearRuleJSON); ok {
		if !rule.Matches(lead.GraduationYear, ref) {
			return false
		}
	}
	if grades := parseStringList(sc.SegmentGradeIn); len(grades) > 0 {
		if !containsFold(grades, lead.Grade) {
			return false
		}
	}
	if sc.SegmentPrefecture != "" && !strings.EqualFold(sc.SegmentPrefecture, lead.Prefecture) {
		return false
	}
	if sc.SegmentSchoolName != "" && !containsSubstringFold(lead.SchoolName, sc.SegmentSchoolName) {
		return false
	}
	if sc.SegmentTag != "" && !containsSubstringFold(lead.InterestTags, sc.SegmentTag) {
		return false
	}
	return true
}

// RegistrationAllowed reports whether a registration status passes the
// scenario's allow-list. An empty or malformed list falls back to the
// default of scheduled ∪ attended.
func RegistrationAllowed(sc *Scenario, status RegistrationStatus) bool {
	for _, s := range StatusAllowList(sc) {
		if s == status {
			return true
		}
	}
	return false
}

// StatusAllowList resolves the scenario's configured registration-status
// allow-list, defaulting to [scheduled, attended].
func StatusAllowList(sc *Scenario) []RegistrationStatus {
	defaults := []RegistrationStatus{RegScheduled, RegAttended}
	raw := parseStringList(sc.SegmentEventStatusIn)
	if len(raw) == 0 {
		return defaults
	}
	var out []RegistrationStatus
	for _, s := range raw {
		switch RegistrationStatus(s) {
		case RegScheduled, RegAttended, RegAbsent, RegCancelled:
			out = append(out, RegistrationStatus(s))
		}
	}
	if len(out) == 0 {
		return defaults
	}
	return out
}

func parseStringList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil
	}
	return list
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func containsSubstringFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
