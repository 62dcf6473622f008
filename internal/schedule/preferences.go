package schedule

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

type Frequency string

const (
	FrequencyDaily           Frequency = "daily"
	FrequencyTwiceDaily      Frequency = "twice_daily"
	FrequencyThreeTimesDaily Frequency = "three_times_daily"
	FrequencyFourTimesDaily  Frequency = "four_times_daily"
	FrequencyWeekly          Frequency = "weekly"
	FrequencyMonthly         Frequency = "monthly"
	FrequencyAsNeeded        Frequency = "as_needed"
	FrequencyCustom          Frequency = "custom"
)

// DosesPerDay is the number of daily clock times a frequency compiles to.
// Custom frequencies take their count from explicit times and report -1.
func (f Frequency) DosesPerDay() int {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return 1
	case FrequencyTwiceDaily:
		return 2
	case FrequencyThreeTimesDaily:
		return 3
	case FrequencyFourTimesDaily:
		return 4
	case FrequencyAsNeeded:
		return 0
	case FrequencyCustom:
		return -1
	}
	return -1
}

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyTwiceDaily, FrequencyThreeTimesDaily, FrequencyFourTimesDaily,
		FrequencyWeekly, FrequencyMonthly, FrequencyAsNeeded, FrequencyCustom:
		return true
	}
	return false
}

// Bucket is a named, patient-customizable window of the day.
type Bucket struct {
	Name        string `json:"name"`
	DefaultTime string `json:"defaultTime"`
	Earliest    string `json:"earliest"`
	Latest      string `json:"latest"`
}

type Spacing struct {
	MinimumHours   float64 `json:"minimumHours"`
	PreferredHours float64 `json:"preferredHours"`
}

// Preferences is the per-patient time-bucket configuration
// (collection patient_time_preferences).
type Preferences struct {
	ID               uuid.UUID              `json:"id"`
	PatientID        uuid.UUID              `json:"patientId"`
	Buckets          map[string]Bucket      `json:"buckets"`
	FrequencyMapping map[Frequency][]string `json:"frequencyMapping"`
	Spacing          Spacing                `json:"spacing"`
	Warnings         []Warning              `json:"warnings,omitempty"`
	Version          int                    `json:"version"`
	CreatedAt        time.Time              `json:"createdAt"`
	UpdatedAt        time.Time              `json:"updatedAt"`
}

// Warning is a non-blocking data integrity finding. Degraded configuration is
// stored and flagged rather than rejected.
type Warning struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

const (
	WarnBucketRange       = "bucket_range_inverted"
	WarnDefaultOutOfRange = "bucket_default_out_of_range"
	WarnSpacing           = "spacing_below_minimum"
	WarnTimeCountMismatch = "frequency_time_count_mismatch"
	WarnOverrideRange     = "bucket_override_out_of_range"
)

// preferenceOrder is the order buckets are drawn in when a frequency mapping
// names fewer buckets than the frequency needs.
var preferenceOrder = []string{"morning", "evening", "lunch", "bedtime", "afternoon"}

func DefaultBuckets() map[string]Bucket {
	return map[string]Bucket{
		"morning": {Name: "morning", DefaultTime: "08:00", Earliest: "06:00", Latest: "10:00"},
		"lunch":   {Name: "lunch", DefaultTime: "12:00", Earliest: "11:00", Latest: "14:00"},
		"evening": {Name: "evening", DefaultTime: "18:00", Earliest: "17:00", Latest: "20:00"},
		"bedtime": {Name: "bedtime", DefaultTime: "22:00", Earliest: "21:00", Latest: "23:30"},
	}
}

func DefaultFrequencyMapping() map[Frequency][]string {
	return map[Frequency][]string{
		FrequencyDaily:           {"morning"},
		FrequencyTwiceDaily:      {"morning", "evening"},
		FrequencyThreeTimesDaily: {"morning", "lunch", "evening"},
		FrequencyFourTimesDaily:  {"morning", "lunch", "evening", "bedtime"},
		FrequencyWeekly:          {"morning"},
		FrequencyMonthly:         {"morning"},
	}
}

func DefaultSpacing() Spacing {
	return Spacing{MinimumHours: 4, PreferredHours: 6}
}

// DefaultPreferences returns the configuration used for patients who never
// customized their buckets.
func DefaultPreferences(patientID uuid.UUID) Preferences {
	return Preferences{
		PatientID:        patientID,
		Buckets:          DefaultBuckets(),
		FrequencyMapping: DefaultFrequencyMapping(),
		Spacing:          DefaultSpacing(),
	}
}

// Validate rejects malformed clock strings and unknown references, and returns
// warnings for inverted ranges and out-of-range defaults.
func (p Preferences) Validate() ([]Warning, error) {
	var warnings []Warning

	names := make([]string, 0, len(p.Buckets))
	for name := range p.Buckets {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		b := p.Buckets[name]
		field := "buckets." + name
		def, err := ParseClock(b.DefaultTime)
		if err != nil {
			return nil, fmt.Errorf("%s.defaultTime: %w", field, err)
		}
		lo, err := ParseClock(b.Earliest)
		if err != nil {
			return nil, fmt.Errorf("%s.earliest: %w", field, err)
		}
		hi, err := ParseClock(b.Latest)
		if err != nil {
			return nil, fmt.Errorf("%s.latest: %w", field, err)
		}
		if lo >= hi {
			warnings = append(warnings, Warning{
				Code:    WarnBucketRange,
				Field:   field,
				Message: fmt.Sprintf("earliest %s is not before latest %s", b.Earliest, b.Latest),
			})
			continue
		}
		if def < lo || def > hi {
			warnings = append(warnings, Warning{
				Code:    WarnDefaultOutOfRange,
				Field:   field + ".defaultTime",
				Message: fmt.Sprintf("default %s outside %s-%s", b.DefaultTime, b.Earliest, b.Latest),
			})
		}
	}

	for freq, buckets := range p.FrequencyMapping {
		if !freq.Valid() {
			return nil, fmt.Errorf("frequencyMapping: unknown frequency %q", freq)
		}
		for _, name := range buckets {
			if _, ok := p.Buckets[name]; !ok {
				return nil, fmt.Errorf("frequencyMapping.%s: unknown bucket %q", freq, name)
			}
		}
	}

	if p.Spacing.MinimumHours < 0 || p.Spacing.PreferredHours < 0 {
		return nil, fmt.Errorf("spacing: hours must not be negative")
	}
	if p.Spacing.MinimumHours*4 > 24 {
		warnings = append(warnings, Warning{
			Code:    WarnSpacing,
			Field:   "spacing.minimumHours",
			Message: "four-times-daily schedules cannot satisfy this minimum spacing",
		})
	}

	return warnings, nil
}

// WithDefaults fills missing sections from the defaults so a partially
// customized document still compiles.
func (p Preferences) WithDefaults() Preferences {
	if len(p.Buckets) == 0 {
		p.Buckets = DefaultBuckets()
	}
	if len(p.FrequencyMapping) == 0 {
		p.FrequencyMapping = DefaultFrequencyMapping()
	}
	if p.Spacing.MinimumHours == 0 && p.Spacing.PreferredHours == 0 {
		p.Spacing = DefaultSpacing()
	}
	return p
}
