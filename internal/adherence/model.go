package adherence

import (
	"time"

	"github.com/google/uuid"
)

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
	RiskUnknown  RiskLevel = "unknown"
)

// RiskFor maps an adherence percentage to a risk level. A nil rate (nothing
// scheduled) is unknown.
func RiskFor(rate *float64) RiskLevel {
	if rate == nil {
		return RiskUnknown
	}
	switch r := *rate; {
	case r >= 90:
		return RiskLow
	case r >= 70:
		return RiskMedium
	case r >= 50:
		return RiskHigh
	}
	return RiskCritical
}

// Counts are dose outcomes. Scheduled counts resolved doses only; Pending
// doses are still inside their grace window and count toward nothing.
type Counts struct {
	Scheduled int `json:"scheduled"`
	Taken     int `json:"taken"`
	Partial   int `json:"partial"`
	Missed    int `json:"missed"`
	Skipped   int `json:"skipped"`
	Snoozed   int `json:"snoozed"`
	Pending   int `json:"pending"`
}

func (c *Counts) add(o Counts) {
	c.Scheduled += o.Scheduled
	c.Taken += o.Taken
	c.Partial += o.Partial
	c.Missed += o.Missed
	c.Skipped += o.Skipped
	c.Snoozed += o.Snoozed
	c.Pending += o.Pending
}

type TimingDistribution struct {
	Early    int `json:"early"`
	OnTime   int `json:"onTime"`
	Late     int `json:"late"`
	VeryLate int `json:"veryLate"`
}

func (t *TimingDistribution) add(o TimingDistribution) {
	t.Early += o.Early
	t.OnTime += o.OnTime
	t.Late += o.Late
	t.VeryLate += o.VeryLate
}

// Stats is a rollup over some set of doses.
type Stats struct {
	Counts
	OnTimeTaken   int                `json:"onTimeTaken"`
	Timing        TimingDistribution `json:"timing"`
	AdherenceRate *float64           `json:"adherenceRate"`
	OnTimeRate    *float64           `json:"onTimeRate"`
}

func (s *Stats) add(o Stats) {
	s.Counts.add(o.Counts)
	s.Timing.add(o.Timing)
	s.OnTimeTaken += o.OnTimeTaken
}

// finish derives the rates from the counts. Rates are nil when their
// denominator is zero.
func (s *Stats) finish() {
	s.AdherenceRate = percent(s.Taken+s.Partial, s.Scheduled)
	s.OnTimeRate = percent(s.OnTimeTaken, s.Taken+s.Partial)
}

type DayStat struct {
	Date string `json:"date"`
	Stats
}

type Streaks struct {
	Current int `json:"current"`
	Longest int `json:"longest"`
}

type MedicationRollup struct {
	CommandID uuid.UUID `json:"commandId"`
	Name      string    `json:"name"`
	Stats
	Risk    RiskLevel `json:"risk"`
	Streaks Streaks   `json:"streaks"`
	Daily   []DayStat `json:"daily,omitempty"`
}

// PatientRollup aggregates every medication of a patient over [From, To], both
// inclusive local dates.
type PatientRollup struct {
	PatientID   uuid.UUID          `json:"patientId"`
	From        string             `json:"from"`
	To          string             `json:"to"`
	Overall     Stats              `json:"overall"`
	Risk        RiskLevel          `json:"risk"`
	Streaks     Streaks            `json:"streaks"`
	Daily       []DayStat          `json:"daily"`
	Medications []MedicationRollup `json:"medications"`
	ComputedAt  time.Time          `json:"computedAt"`
}

type PatternType string

const (
	PatternConsecutiveMissed PatternType = "consecutive_missed"
	PatternWeekdayWeekendGap PatternType = "weekday_weekend_gap"
	PatternDecliningTrend    PatternType = "declining_trend"
)

type Pattern struct {
	Type      PatternType    `json:"type"`
	CommandID uuid.UUID      `json:"commandId"`
	Key       string         `json:"key"`
	Details   map[string]any `json:"details"`
}

type Period string

const (
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// Report is a stored weekly or monthly rollup (collection adherence_reports).
type Report struct {
	ID          uuid.UUID     `json:"id"`
	PatientID   uuid.UUID     `json:"patientId"`
	Period      Period        `json:"period"`
	PeriodStart string        `json:"periodStart"`
	PeriodEnd   string        `json:"periodEnd"`
	Rollup      PatientRollup `json:"rollup"`
	CreatedAt   time.Time     `json:"createdAt"`
}
