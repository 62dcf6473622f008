package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBaselineGrace(t *testing.T) {
	assert.Equal(t, 15, BaselineGrace(RiskCritical))
	assert.Equal(t, 30, BaselineGrace(RiskStandard))
	assert.Equal(t, 120, BaselineGrace(RiskVitamin))
	assert.Equal(t, 0, BaselineGrace(RiskPRN))
	assert.Equal(t, 30, BaselineGrace("unknown"))
}

func TestResolveGrace(t *testing.T) {
	weekday := time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC) // Wednesday
	saturday := time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)
	holiday := time.Date(2026, 12, 25, 8, 0, 0, 0, time.UTC) // Friday
	holidays := NewHolidaySet("2026-12-25")

	tests := []struct {
		name   string
		policy GracePolicy
		slot   string
		at     time.Time
		want   int
	}{
		{"baseline", GracePolicy{RiskClass: RiskStandard}, "08:00", weekday, 30},
		{"default minutes replace baseline", GracePolicy{RiskClass: RiskCritical, DefaultMinutes: 20}, "", weekday, 20},
		{"slot multiplier", GracePolicy{RiskClass: RiskStandard, SlotOverrides: map[string]float64{"08:00": 1.5}}, "08:00", weekday, 45},
		{"slot multiplier other slot", GracePolicy{RiskClass: RiskStandard, SlotOverrides: map[string]float64{"20:00": 2}}, "08:00", weekday, 30},
		{"weekend", GracePolicy{RiskClass: RiskCritical, WeekendMultiplier: 2}, "", saturday, 30},
		{"weekend ignored on weekday", GracePolicy{RiskClass: RiskCritical, WeekendMultiplier: 2}, "", weekday, 15},
		{"holiday compounds slot", GracePolicy{RiskClass: RiskCritical, HolidayMultiplier: 2, SlotOverrides: map[string]float64{"08:00": 1.1}}, "08:00", holiday, 33},
		{"rounds to nearest", GracePolicy{RiskClass: RiskCritical, SlotOverrides: map[string]float64{"08:00": 1.1}}, "08:00", weekday, 17},
		{"never negative", GracePolicy{RiskClass: RiskStandard, SlotOverrides: map[string]float64{"08:00": -1}}, "08:00", weekday, 0},
		{"prn", GracePolicy{RiskClass: RiskPRN, WeekendMultiplier: 3}, "", saturday, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveGrace(tt.policy, tt.slot, tt.at, holidays))
		})
	}
}
