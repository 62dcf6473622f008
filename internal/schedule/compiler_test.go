package schedule

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allFrequencies = []Frequency{
	FrequencyDaily, FrequencyTwiceDaily, FrequencyThreeTimesDaily, FrequencyFourTimesDaily,
	FrequencyWeekly, FrequencyMonthly, FrequencyAsNeeded,
}

func TestCompile_DefaultBuckets(t *testing.T) {
	prefs := DefaultPreferences(uuid.New())

	tests := []struct {
		freq Frequency
		want []string
	}{
		{FrequencyDaily, []string{"08:00"}},
		{FrequencyTwiceDaily, []string{"08:00", "18:00"}},
		{FrequencyThreeTimesDaily, []string{"08:00", "12:00", "18:00"}},
		{FrequencyFourTimesDaily, []string{"08:00", "12:00", "18:00", "22:00"}},
		{FrequencyWeekly, []string{"08:00"}},
		{FrequencyMonthly, []string{"08:00"}},
		{FrequencyAsNeeded, []string{}},
	}

	for _, tt := range tests {
		t.Run(string(tt.freq), func(t *testing.T) {
			res, err := Compile(Request{Frequency: tt.freq}, prefs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Times)
			assert.False(t, res.Redistributed)
		})
	}
}

func TestCompile_ThreeTimesDailyBuckets(t *testing.T) {
	res, err := Compile(Request{Frequency: FrequencyThreeTimesDaily}, DefaultPreferences(uuid.New()))
	require.NoError(t, err)
	assert.Equal(t, []string{"morning", "lunch", "evening"}, res.Buckets)
}

func TestCompile_Deterministic(t *testing.T) {
	prefs := DefaultPreferences(uuid.New())
	prefs.Buckets["morning"] = Bucket{Name: "morning", DefaultTime: "07:15", Earliest: "06:00", Latest: "09:00"}

	for _, freq := range allFrequencies {
		first, err := Compile(Request{Frequency: freq}, prefs)
		require.NoError(t, err)
		second, err := Compile(Request{Frequency: freq}, prefs)
		require.NoError(t, err)
		assert.Equal(t, first, second, string(freq))
	}
}

func TestCompile_SpacingHoldsForMultiDose(t *testing.T) {
	crowded := DefaultPreferences(uuid.New())
	crowded.Buckets = map[string]Bucket{
		"morning": {Name: "morning", DefaultTime: "08:00", Earliest: "07:00", Latest: "09:00"},
		"brunch":  {Name: "brunch", DefaultTime: "09:30", Earliest: "09:00", Latest: "10:00"},
		"lunch":   {Name: "lunch", DefaultTime: "11:00", Earliest: "10:30", Latest: "12:00"},
		"tea":     {Name: "tea", DefaultTime: "13:00", Earliest: "12:30", Latest: "14:00"},
	}
	crowded.FrequencyMapping = map[Frequency][]string{
		FrequencyTwiceDaily:      {"morning", "brunch"},
		FrequencyThreeTimesDaily: {"morning", "brunch", "lunch"},
		FrequencyFourTimesDaily:  {"morning", "brunch", "lunch", "tea"},
	}
	late := DefaultPreferences(uuid.New())
	late.Buckets["morning"] = Bucket{Name: "morning", DefaultTime: "20:00", Earliest: "19:00", Latest: "21:00"}
	late.Buckets["lunch"] = Bucket{Name: "lunch", DefaultTime: "21:00", Earliest: "20:00", Latest: "22:00"}
	late.Spacing = Spacing{MinimumHours: 5, PreferredHours: 6}

	for name, prefs := range map[string]Preferences{"default": DefaultPreferences(uuid.New()), "crowded": crowded, "late": late} {
		for _, freq := range []Frequency{FrequencyTwiceDaily, FrequencyThreeTimesDaily, FrequencyFourTimesDaily} {
			res, err := Compile(Request{Frequency: freq}, prefs)
			require.NoError(t, err, "%s/%s", name, freq)
			require.Len(t, res.Times, freq.DosesPerDay(), "%s/%s", name, freq)

			minGap := hoursToMinutes(prefs.Spacing.MinimumHours)
			for i := 1; i < len(res.Times); i++ {
				prev := MustClock(res.Times[i-1])
				cur := MustClock(res.Times[i])
				assert.GreaterOrEqual(t, int(cur-prev), minGap, "%s/%s %v", name, freq, res.Times)
			}
		}
	}
}

func TestCompile_RedistributesWhenTooClose(t *testing.T) {
	prefs := DefaultPreferences(uuid.New())
	prefs.FrequencyMapping[FrequencyTwiceDaily] = []string{"morning", "lunch"}
	prefs.Buckets["lunch"] = Bucket{Name: "lunch", DefaultTime: "10:00", Earliest: "09:00", Latest: "11:00"}

	res, err := Compile(Request{Frequency: FrequencyTwiceDaily}, prefs)
	require.NoError(t, err)
	assert.True(t, res.Redistributed)
	assert.Equal(t, []string{"08:00", "14:00"}, res.Times)
}

func TestCompile_WrapsWhenDayTooShort(t *testing.T) {
	prefs := DefaultPreferences(uuid.New())
	prefs.Buckets["morning"] = Bucket{Name: "morning", DefaultTime: "20:00", Earliest: "19:00", Latest: "21:00"}
	prefs.Buckets["lunch"] = Bucket{Name: "lunch", DefaultTime: "20:30", Earliest: "20:00", Latest: "22:00"}
	prefs.Buckets["evening"] = Bucket{Name: "evening", DefaultTime: "21:00", Earliest: "20:00", Latest: "22:00"}

	res, err := Compile(Request{Frequency: FrequencyThreeTimesDaily}, prefs)
	require.NoError(t, err)
	assert.True(t, res.Redistributed)
	assert.Equal(t, []string{"04:00", "12:00", "20:00"}, res.Times)
}

func TestCompile_SpacingUnsatisfiable(t *testing.T) {
	prefs := DefaultPreferences(uuid.New())
	prefs.Spacing = Spacing{MinimumHours: 7}

	_, err := Compile(Request{Frequency: FrequencyFourTimesDaily}, prefs)
	assert.ErrorIs(t, err, ErrSpacingUnsatisfiable)
}

func TestCompile_CustomTimesTakePrecedence(t *testing.T) {
	res, err := Compile(Request{
		Frequency:   FrequencyTwiceDaily,
		CustomTimes: []string{"21:00", "09:00", "09:00"},
	}, DefaultPreferences(uuid.New()))
	require.NoError(t, err)
	assert.Equal(t, []string{"09:00", "21:00"}, res.Times)
	assert.Empty(t, res.Warnings)
	assert.Nil(t, res.Buckets)
}

func TestCompile_CustomWarnings(t *testing.T) {
	res, err := Compile(Request{
		Frequency:   FrequencyTwiceDaily,
		CustomTimes: []string{"08:00", "09:00", "10:00"},
	}, DefaultPreferences(uuid.New()))
	require.NoError(t, err)

	codes := []string{}
	for _, w := range res.Warnings {
		codes = append(codes, w.Code)
	}
	assert.ElementsMatch(t, []string{WarnTimeCountMismatch, WarnSpacing}, codes)
}

func TestCompile_BucketOverride(t *testing.T) {
	res, err := Compile(Request{
		Frequency:       FrequencyDaily,
		BucketOverrides: map[string]string{"morning": "09:30"},
	}, DefaultPreferences(uuid.New()))
	require.NoError(t, err)
	assert.Equal(t, []string{"09:30"}, res.Times)
	assert.Empty(t, res.Warnings)

	res, err = Compile(Request{
		Frequency:       FrequencyDaily,
		BucketOverrides: map[string]string{"morning": "11:30"},
	}, DefaultPreferences(uuid.New()))
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, WarnOverrideRange, res.Warnings[0].Code)
}

func TestCompile_Errors(t *testing.T) {
	prefs := DefaultPreferences(uuid.New())

	_, err := Compile(Request{Frequency: "hourly"}, prefs)
	assert.ErrorIs(t, err, ErrUnknownFrequency)

	_, err = Compile(Request{Frequency: FrequencyCustom}, prefs)
	assert.ErrorIs(t, err, ErrCustomTimesRequired)

	_, err = Compile(Request{Frequency: FrequencyCustom, CustomTimes: []string{"8:00"}}, prefs)
	assert.ErrorIs(t, err, ErrInvalidClockTime)
}

func TestCompile_FillsFromPreferenceOrder(t *testing.T) {
	prefs := DefaultPreferences(uuid.New())
	prefs.FrequencyMapping = map[Frequency][]string{}
	prefs.FrequencyMapping[FrequencyDaily] = []string{"morning"}

	res, err := Compile(Request{Frequency: FrequencyThreeTimesDaily}, prefs)
	require.NoError(t, err)
	assert.Equal(t, []string{"08:00", "12:00", "18:00"}, res.Times)
}
