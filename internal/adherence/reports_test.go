package adherence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodWindow(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	tests := []struct {
		name     string
		period   Period
		now      string
		loc      *time.Location
		from, to string
	}{
		{"weekly on a sunday", PeriodWeekly, "2026-03-08T12:00:00Z", time.UTC, "2026-02-23", "2026-03-01"},
		{"weekly on a monday", PeriodWeekly, "2026-03-09T00:30:00Z", time.UTC, "2026-03-02", "2026-03-08"},
		{"weekly uses local date", PeriodWeekly, "2026-03-09T00:30:00Z", ny, "2026-02-23", "2026-03-01"},
		{"monthly", PeriodMonthly, "2026-03-01T06:00:00Z", time.UTC, "2026-02-01", "2026-02-28"},
		{"monthly across year", PeriodMonthly, "2026-01-15T06:00:00Z", time.UTC, "2025-12-01", "2025-12-31"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			from, to, err := PeriodWindow(tt.period, at(tt.now), tt.loc)
			require.NoError(t, err)
			assert.Equal(t, tt.from, from)
			assert.Equal(t, tt.to, to)
		})
	}

	_, _, err = PeriodWindow("yearly", at("2026-03-08T12:00:00Z"), time.UTC)
	assert.Error(t, err)
}

func TestBuildReport_SavedOncePerPeriod(t *testing.T) {
	f := newFixture(t)
	f.seedWeek(t)
	f.clk.Set(at("2026-03-09T06:00:00Z"))
	store := NewMemoryReportRepository()

	rep, err := f.engine.BuildReport(context.Background(), patientID, PeriodWeekly, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02", rep.PeriodStart)
	assert.Equal(t, "2026-03-08", rep.PeriodEnd)
	assert.Equal(t, 7, rep.Rollup.Overall.Scheduled)

	created, err := store.SaveReport(context.Background(), rep)
	require.NoError(t, err)
	assert.True(t, created)

	again, err := f.engine.BuildReport(context.Background(), patientID, PeriodWeekly, time.UTC)
	require.NoError(t, err)
	created, err = store.SaveReport(context.Background(), again)
	require.NoError(t, err)
	assert.False(t, created)

	list, err := store.ListReports(context.Background(), patientID, PeriodWeekly, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, rep.ID, list[0].ID)
}
