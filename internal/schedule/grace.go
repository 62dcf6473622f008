package schedule

import (
	"math"
	"time"
)

type RiskClass string

const (
	RiskCritical RiskClass = "critical"
	RiskStandard RiskClass = "standard"
	RiskVitamin  RiskClass = "vitamin"
	RiskPRN      RiskClass = "prn"
)

var baselineGrace = map[RiskClass]int{
	RiskCritical: 15,
	RiskStandard: 30,
	RiskVitamin:  120,
	RiskPRN:      0,
}

func (r RiskClass) Valid() bool {
	_, ok := baselineGrace[r]
	return ok
}

// BaselineGrace is the grace window in minutes for a risk class. Unknown
// classes fall back to standard.
func BaselineGrace(r RiskClass) int {
	if m, ok := baselineGrace[r]; ok {
		return m
	}
	return baselineGrace[RiskStandard]
}

// GracePolicy is the gracePeriod block of a medication.
type GracePolicy struct {
	// DefaultMinutes replaces the risk-class baseline when positive.
	DefaultMinutes int       `json:"defaultMinutes,omitempty"`
	RiskClass      RiskClass `json:"riskClass"`
	// SlotOverrides are multipliers keyed by HH:MM dose time.
	SlotOverrides     map[string]float64 `json:"slotOverrides,omitempty"`
	WeekendMultiplier float64            `json:"weekendMultiplier,omitempty"`
	HolidayMultiplier float64            `json:"holidayMultiplier,omitempty"`
}

type Holidays interface {
	IsHoliday(day time.Time) bool
}

// HolidaySet is a Holidays keyed by ISO date.
type HolidaySet map[string]struct{}

func NewHolidaySet(dates ...string) HolidaySet {
	s := make(HolidaySet, len(dates))
	for _, d := range dates {
		s[d] = struct{}{}
	}
	return s
}

func (s HolidaySet) IsHoliday(day time.Time) bool {
	_, ok := s[day.Format(time.DateOnly)]
	return ok
}

// ResolveGrace returns the allowed lateness in minutes for a dose at slot
// (HH:MM, may be empty) on the local day scheduled. Multipliers compound and the
// result is rounded to the nearest minute and never negative.
func ResolveGrace(p GracePolicy, slot string, scheduled time.Time, holidays Holidays) int {
	base := BaselineGrace(p.RiskClass)
	if p.DefaultMinutes > 0 {
		base = p.DefaultMinutes
	}

	factor := 1.0
	if m, ok := p.SlotOverrides[slot]; ok && slot != "" {
		factor *= m
	}
	if !scheduled.IsZero() {
		if wd := scheduled.Weekday(); (wd == time.Saturday || wd == time.Sunday) && p.WeekendMultiplier > 0 {
			factor *= p.WeekendMultiplier
		}
		if holidays != nil && p.HolidayMultiplier > 0 && holidays.IsHoliday(scheduled) {
			factor *= p.HolidayMultiplier
		}
	}

	minutes := int(math.Round(float64(base) * factor))
	if minutes < 0 {
		return 0
	}
	return minutes
}
