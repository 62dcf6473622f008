package schedule

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	ErrUnknownFrequency     = errors.New("unknown frequency")
	ErrCustomTimesRequired  = errors.New("custom frequency requires at least one time")
	ErrSpacingUnsatisfiable = errors.New("minimum spacing cannot fit the number of daily doses")
)

// Request is everything the compiler needs from a medication.
type Request struct {
	Frequency Frequency
	// CustomTimes, when present, replace bucket selection entirely.
	CustomTimes []string
	// BucketOverrides replace a bucket's default clock time for this medication only.
	BucketOverrides map[string]string
}

type Result struct {
	Times []string `json:"times"`
	// Buckets names the bucket each time came from; empty for custom or redistributed times.
	Buckets       []string  `json:"buckets,omitempty"`
	Redistributed bool      `json:"redistributed,omitempty"`
	Warnings      []Warning `json:"warnings,omitempty"`
}

// Compile turns a frequency and the patient's bucket preferences into ordered,
// deduplicated HH:MM strings. It is pure: identical inputs give identical output.
func Compile(req Request, prefs Preferences) (Result, error) {
	if !req.Frequency.Valid() {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownFrequency, req.Frequency)
	}
	prefs = prefs.WithDefaults()

	if len(req.CustomTimes) > 0 {
		return compileCustom(req, prefs)
	}

	n := req.Frequency.DosesPerDay()
	switch {
	case req.Frequency == FrequencyCustom:
		return Result{}, ErrCustomTimesRequired
	case n == 0:
		return Result{Times: []string{}}, nil
	}

	names := selectBuckets(req.Frequency, n, prefs)

	var warnings []Warning
	slots := make([]slot, 0, len(names))
	for _, name := range names {
		b := prefs.Buckets[name]
		raw := b.DefaultTime
		if override, ok := req.BucketOverrides[name]; ok && override != "" {
			raw = override
		}
		ct, err := ParseClock(raw)
		if err != nil {
			return Result{}, fmt.Errorf("bucket %s: %w", name, err)
		}
		if raw != b.DefaultTime {
			if w, ok := overrideRangeWarning(name, ct, b); ok {
				warnings = append(warnings, w)
			}
		}
		slots = append(slots, slot{at: ct, bucket: name})
	}
	slots = sortSlots(slots)

	minGap := hoursToMinutes(prefs.Spacing.MinimumHours)
	if len(slots) == n && minAdjacentGap(slots) >= minGap {
		return slotsResult(slots, false, warnings), nil
	}

	start := ClockTime(8 * 60)
	if len(slots) > 0 {
		start = slots[0].at
	}
	times, err := redistribute(start, n, minGap, hoursToMinutes(prefs.Spacing.PreferredHours))
	if err != nil {
		return Result{}, err
	}
	out := make([]slot, len(times))
	for i, t := range times {
		out[i] = slot{at: t}
	}
	return slotsResult(out, true, warnings), nil
}

type slot struct {
	at     ClockTime
	bucket string
}

func compileCustom(req Request, prefs Preferences) (Result, error) {
	slots := make([]slot, 0, len(req.CustomTimes))
	for i, raw := range req.CustomTimes {
		ct, err := ParseClock(raw)
		if err != nil {
			return Result{}, fmt.Errorf("times[%d]: %w", i, err)
		}
		slots = append(slots, slot{at: ct})
	}
	slots = sortSlots(slots)

	var warnings []Warning
	if n := req.Frequency.DosesPerDay(); n >= 0 && n != len(slots) {
		warnings = append(warnings, Warning{
			Code:    WarnTimeCountMismatch,
			Field:   "schedule.times",
			Message: fmt.Sprintf("%s expects %d time(s), got %d", req.Frequency, n, len(slots)),
		})
	}
	minGap := hoursToMinutes(prefs.Spacing.MinimumHours)
	if len(slots) > 1 && minAdjacentGap(slots) < minGap {
		warnings = append(warnings, Warning{
			Code:    WarnSpacing,
			Field:   "schedule.times",
			Message: fmt.Sprintf("doses closer than %.1f hours", prefs.Spacing.MinimumHours),
		})
	}
	return slotsResult(slots, false, warnings), nil
}

// selectBuckets takes the frequency's mapped buckets first, then fills from the
// fixed preference order, then from any remaining buckets by default time.
func selectBuckets(freq Frequency, n int, prefs Preferences) []string {
	used := make(map[string]bool)
	var out []string
	take := func(name string) {
		if len(out) >= n || used[name] {
			return
		}
		if _, ok := prefs.Buckets[name]; !ok {
			return
		}
		used[name] = true
		out = append(out, name)
	}

	for _, name := range prefs.FrequencyMapping[freq] {
		take(name)
	}
	for _, name := range preferenceOrder {
		take(name)
	}

	rest := make([]string, 0, len(prefs.Buckets))
	for name := range prefs.Buckets {
		rest = append(rest, name)
	}
	sort.Slice(rest, func(i, j int) bool {
		a, _ := ParseClock(prefs.Buckets[rest[i]].DefaultTime)
		b, _ := ParseClock(prefs.Buckets[rest[j]].DefaultTime)
		if a != b {
			return a < b
		}
		return rest[i] < rest[j]
	})
	for _, name := range rest {
		take(name)
	}
	return out
}

// redistribute spreads n doses evenly from start. It prefers the preferred
// interval, compresses toward the end of the day, and finally wraps evenly
// around the clock when the doses cannot fit before midnight.
func redistribute(start ClockTime, n, minGap, preferredGap int) ([]ClockTime, error) {
	if n == 1 {
		return []ClockTime{start}, nil
	}
	if n*minGap > minutesPerDay {
		return nil, fmt.Errorf("%w: %d doses at %d minutes", ErrSpacingUnsatisfiable, n, minGap)
	}
	const lastMinute = minutesPerDay - 1

	interval := preferredGap
	if interval < minGap {
		interval = minGap
	}
	if int(start)+(n-1)*interval > lastMinute {
		interval = (lastMinute - int(start)) / (n - 1)
	}
	if interval < minGap {
		interval = minutesPerDay / n
	}

	out := make([]ClockTime, n)
	for i := 0; i < n; i++ {
		out[i] = ClockTime((int(start) + i*interval) % minutesPerDay)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func sortSlots(in []slot) []slot {
	sort.SliceStable(in, func(i, j int) bool { return in[i].at < in[j].at })
	out := in[:0]
	for i, s := range in {
		if i > 0 && s.at == out[len(out)-1].at {
			continue
		}
		out = append(out, s)
	}
	return out
}

func minAdjacentGap(slots []slot) int {
	gap := math.MaxInt
	for i := 1; i < len(slots); i++ {
		if d := int(slots[i].at - slots[i-1].at); d < gap {
			gap = d
		}
	}
	return gap
}

func slotsResult(slots []slot, redistributed bool, warnings []Warning) Result {
	res := Result{
		Times:         make([]string, len(slots)),
		Redistributed: redistributed,
		Warnings:      warnings,
	}
	hasBucket := false
	for _, s := range slots {
		if s.bucket != "" {
			hasBucket = true
		}
	}
	if hasBucket {
		res.Buckets = make([]string, len(slots))
	}
	for i, s := range slots {
		res.Times[i] = s.at.String()
		if hasBucket {
			res.Buckets[i] = s.bucket
		}
	}
	return res
}

func overrideRangeWarning(name string, ct ClockTime, b Bucket) (Warning, bool) {
	lo, err1 := ParseClock(b.Earliest)
	hi, err2 := ParseClock(b.Latest)
	if err1 != nil || err2 != nil || lo >= hi {
		return Warning{}, false
	}
	if ct >= lo && ct <= hi {
		return Warning{}, false
	}
	return Warning{
		Code:    WarnOverrideRange,
		Field:   "schedule.bucketOverrides." + name,
		Message: fmt.Sprintf("%s outside %s-%s", ct, b.Earliest, b.Latest),
	}, true
}

func hoursToMinutes(h float64) int {
	return int(math.Ceil(h * 60))
}
