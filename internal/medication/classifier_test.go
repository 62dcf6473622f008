package medication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyTiming(t *testing.T) {
	sf := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	cases := []struct {
		name     string
		offset   time.Duration
		grace    int
		late     int
		onTime   bool
		category TimingCategory
	}{
		{"on the minute", 0, 30, 0, true, TimingOnTime},
		{"ten late", 10 * time.Minute, 30, 10, true, TimingOnTime},
		{"slightly early", -20 * time.Minute, 30, -20, true, TimingOnTime},
		{"early", -45 * time.Minute, 30, -45, true, TimingEarly},
		{"late", 45 * time.Minute, 30, 45, false, TimingLate},
		{"very late", 61 * time.Minute, 30, 61, false, TimingVeryLate},
		{"zero grace late", time.Minute, 0, 1, false, TimingVeryLate},
		{"zero grace on time", 59 * time.Second, 0, 0, true, TimingOnTime},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyTiming(sf, sf.Add(tc.offset), tc.grace)
			assert.Equal(t, tc.late, got.MinutesLate)
			assert.Equal(t, tc.onTime, got.IsOnTime)
			assert.Equal(t, tc.category, got.Category)
			assert.Equal(t, sf.Add(time.Duration(tc.grace)*time.Minute), *got.GraceWindowEnd)
		})
	}
}

func TestClassifyDose(t *testing.T) {
	f := func(v float64) *float64 { return &v }

	cases := []struct {
		name       string
		actual     *float64
		prescribed *float64
		pct        float64
		class      DoseClass
	}{
		{"missing actual", nil, f(10), 100, DoseFull},
		{"unknown prescription", f(5), nil, 100, DoseFull},
		{"exact", f(10), f(10), 100, DoseFull},
		{"within tolerance", f(10.04), f(10), 100.4, DoseFull},
		{"half", f(5), f(10), 50, DosePartial},
		{"double", f(20), f(10), 200, DoseAdjusted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pct, class := ClassifyDose(tc.actual, tc.prescribed)
			assert.InDelta(t, tc.pct, pct, 0.001)
			assert.Equal(t, tc.class, class)
		})
	}
}
