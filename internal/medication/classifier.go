package medication

import (
	"math"
	"time"
)

// ClassifyTiming computes punctuality for an event at `at` against the dose
// scheduled for `scheduledFor` with a grace window of graceMinutes.
// minutesLate is truncated toward zero and negative when early.
func ClassifyTiming(scheduledFor, at time.Time, graceMinutes int) Timing {
	sf := scheduledFor
	end := sf.Add(time.Duration(graceMinutes) * time.Minute)
	late := int(at.Sub(sf) / time.Minute)

	t := Timing{
		ScheduledFor:   &sf,
		EventTimestamp: at,
		GraceMinutes:   graceMinutes,
		GraceWindowEnd: &end,
		MinutesLate:    late,
		IsOnTime:       late <= graceMinutes,
		VeryLate:       late > 2*graceMinutes,
	}
	switch {
	case late < -graceMinutes:
		t.Category = TimingEarly
	case t.IsOnTime:
		t.Category = TimingOnTime
	case t.VeryLate:
		t.Category = TimingVeryLate
	default:
		t.Category = TimingLate
	}
	return t
}

const doseTolerance = 0.5

// ClassifyDose returns the actual/prescribed percentage and its class.
// A missing actual dose, or an unknown prescription, counts as a full dose.
func ClassifyDose(actual, prescribed *float64) (float64, DoseClass) {
	if actual == nil || prescribed == nil || *prescribed <= 0 {
		return 100, DoseFull
	}
	pct := math.Round(*actual / *prescribed * 10000) / 100
	switch {
	case math.Abs(pct-100) <= doseTolerance:
		return pct, DoseFull
	case pct < 100:
		return pct, DosePartial
	default:
		return pct, DoseAdjusted
	}
}
