package medication

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/medication-adherence/internal/schedule"
)

func TestScheduleDueOn(t *testing.T) {
	day := func(s string) time.Time {
		d, err := time.Parse(time.DateOnly, s)
		require.NoError(t, err)
		return d
	}

	weekly := Schedule{Frequency: schedule.FrequencyWeekly, DaysOfWeek: []int{1, 4}, StartDate: "2026-03-01"}
	assert.True(t, weekly.DueOn(day("2026-03-09")))  // Monday
	assert.False(t, weekly.DueOn(day("2026-03-10"))) // Tuesday
	assert.True(t, weekly.DueOn(day("2026-03-12")))  // Thursday

	implicitWeekly := Schedule{Frequency: schedule.FrequencyWeekly, StartDate: "2026-03-03"}
	assert.True(t, implicitWeekly.DueOn(day("2026-03-10")))
	assert.False(t, implicitWeekly.DueOn(day("2026-03-11")))

	monthly := Schedule{Frequency: schedule.FrequencyMonthly, DayOfMonth: 31, StartDate: "2026-01-01"}
	assert.True(t, monthly.DueOn(day("2026-02-28")), "clamped to the last day of a short month")
	assert.False(t, monthly.DueOn(day("2026-03-30")))
	assert.True(t, monthly.DueOn(day("2026-03-31")))

	bounded := Schedule{Frequency: schedule.FrequencyDaily, StartDate: "2026-03-05", EndDate: "2026-03-07"}
	assert.False(t, bounded.DueOn(day("2026-03-04")))
	assert.True(t, bounded.DueOn(day("2026-03-07")))
	assert.False(t, bounded.DueOn(day("2026-03-08")))

	assert.False(t, Schedule{Frequency: schedule.FrequencyAsNeeded}.DueOn(day("2026-03-08")))
}

func TestDoseTimesOn_UsesCommandZone(t *testing.T) {
	cmd := &Command{Schedule: Schedule{
		Frequency: schedule.FrequencyTwiceDaily,
		Times:     []string{"08:00", "20:00"},
		StartDate: "2026-01-01",
		TimeZone:  "America/New_York",
	}}

	got := cmd.DoseTimesOn("2026-07-01")
	require.Len(t, got, 2)
	assert.Equal(t, "2026-07-01T12:00:00Z", got[0].UTC().Format(time.RFC3339))
	assert.Equal(t, "2026-07-02T00:00:00Z", got[1].UTC().Format(time.RFC3339))
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusActive.CanTransitionTo(StatusPaused))
	assert.True(t, StatusPaused.CanTransitionTo(StatusActive))
	assert.False(t, StatusDiscontinued.CanTransitionTo(StatusActive))
	assert.False(t, StatusActive.CanTransitionTo(StatusActive))
}

func TestFoldSlots_AsNeededTakesBecomeSlots(t *testing.T) {
	cmd := &Command{
		ID:       uuid.New(),
		Schedule: Schedule{Frequency: schedule.FrequencyAsNeeded, StartDate: "2026-03-01"},
	}
	sf := time.Date(2026, 3, 10, 14, 20, 0, 0, time.UTC)
	events := []*Event{{
		ID:           "01J0000000000000000000000A",
		CommandID:    cmd.ID,
		EventType:    EventDoseTaken,
		EventVersion: 3,
		Timing:       Timing{ScheduledFor: &sf, EventTimestamp: sf},
	}}

	slots := FoldSlots(cmd, "2026-03-10", events, nil)
	require.Len(t, slots, 1)
	assert.True(t, slots[0].AdHoc)
	assert.Equal(t, DoseStatusTaken, slots[0].Status)
	assert.Equal(t, "14:20", slots[0].Time)

	assert.Empty(t, FoldSlots(cmd, "2026-03-11", events, nil))
}

func TestDoseTimesOn_FollowsScheduleHistory(t *testing.T) {
	morning := Schedule{Frequency: schedule.FrequencyDaily, Times: []string{"08:00"}, StartDate: "2026-03-01", TimeZone: "UTC"}
	later := Schedule{Frequency: schedule.FrequencyDaily, Times: []string{"09:00"}, StartDate: "2026-03-01", TimeZone: "UTC", Source: SourceCustom}

	cases := []struct {
		name  string
		until string
		date  string
		want  []string
	}{
		{"day before the edit keeps old times", "2026-03-02T07:00:00Z", "2026-03-01", []string{"08:00"}},
		{"edit before the old dose", "2026-03-02T07:00:00Z", "2026-03-02", []string{"09:00"}},
		{"edit after the old dose", "2026-03-02T10:00:00Z", "2026-03-02", []string{"08:00"}},
		{"edit between the doses", "2026-03-02T08:30:00Z", "2026-03-02", []string{"08:00", "09:00"}},
		{"day after the edit", "2026-03-02T10:00:00Z", "2026-03-03", []string{"09:00"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			until, err := time.Parse(time.RFC3339, tc.until)
			require.NoError(t, err)
			cmd := &Command{
				Schedule:        later,
				ScheduleHistory: []ScheduleRevision{{Schedule: morning, Until: until}},
			}

			var got []string
			for _, at := range cmd.DoseTimesOn(tc.date) {
				got = append(got, at.UTC().Format("15:04"))
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestReviseSchedule_OnlyWhenDosesChange(t *testing.T) {
	cmd := &Command{Schedule: Schedule{Frequency: schedule.FrequencyDaily, Times: []string{"08:00"}, TimeZone: "UTC"}}
	now := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)

	prev := cmd.Schedule.clone()
	cmd.Schedule.Buckets = []string{"morning"}
	assert.False(t, cmd.reviseSchedule(prev, now))
	assert.Empty(t, cmd.ScheduleHistory)

	prev = cmd.Schedule.clone()
	cmd.Schedule.Times = []string{"09:00"}
	assert.True(t, cmd.reviseSchedule(prev, now))
	require.Len(t, cmd.ScheduleHistory, 1)
	assert.Equal(t, []string{"08:00"}, cmd.ScheduleHistory[0].Schedule.Times)
	assert.Equal(t, now, cmd.ScheduleHistory[0].Until)

	clone := cmd.Clone()
	clone.ScheduleHistory[0].Schedule.Times[0] = "10:00"
	assert.Equal(t, "08:00", cmd.ScheduleHistory[0].Schedule.Times[0])
}

func TestFoldSlots_OffScheduleEventIsAdHoc(t *testing.T) {
	cmd := &Command{
		ID:       uuid.New(),
		Schedule: Schedule{Frequency: schedule.FrequencyDaily, Times: []string{"08:00"}, StartDate: "2026-03-01", TimeZone: "UTC"},
	}
	onTime := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	odd := time.Date(2026, 3, 10, 13, 37, 0, 0, time.UTC)
	events := []*Event{
		{ID: "01J0000000000000000000000B", CommandID: cmd.ID, EventType: EventDoseTaken, EventVersion: 3,
			Timing: Timing{ScheduledFor: &onTime, EventTimestamp: onTime}},
		{ID: "01J0000000000000000000000C", CommandID: cmd.ID, EventType: EventDoseTaken, EventVersion: 4,
			Timing: Timing{ScheduledFor: &odd, EventTimestamp: odd}},
	}

	slots := FoldSlots(cmd, "2026-03-10", events, nil)
	require.Len(t, slots, 2)
	assert.False(t, slots[0].AdHoc)
	assert.Equal(t, "13:37", slots[1].Time)
	assert.True(t, slots[1].AdHoc)

	assert.True(t, cmd.HasDoseAt(onTime))
	assert.False(t, cmd.HasDoseAt(odd))
	assert.False(t, cmd.HasDoseAt(onTime.AddDate(0, 0, -10)), "before the start date")
}
