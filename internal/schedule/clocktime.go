package schedule

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var ErrInvalidClockTime = errors.New("time must be 24-hour HH:MM")

var clockPattern = regexp.MustCompile(`^([01]\d|2[0-3]):([0-5]\d)$`)

const minutesPerDay = 24 * 60

// ClockTime is a local wall-clock time as minutes after midnight.
type ClockTime int

func ParseClock(s string) (ClockTime, error) {
	m := clockPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClockTime, s)
	}
	h, _ := strconv.Atoi(m[1])
	min, _ := strconv.Atoi(m[2])
	return ClockTime(h*60 + min), nil
}

func MustClock(s string) ClockTime {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// On places the clock time on the calendar day of date, in loc.
func (c ClockTime) On(date time.Time, loc *time.Location) time.Time {
	y, mo, d := date.In(loc).Date()
	return time.Date(y, mo, d, int(c)/60, int(c)%60, 0, 0, loc)
}

// ClockOf returns the wall-clock time of t in loc.
func ClockOf(t time.Time, loc *time.Location) ClockTime {
	lt := t.In(loc)
	return ClockTime(lt.Hour()*60 + lt.Minute())
}

// Within reports whether c falls in [start, end), where a window whose end is
// not after its start wraps past midnight (22:00-07:00).
func Within(c, start, end ClockTime) bool {
	if start == end {
		return false
	}
	if start < end {
		return c >= start && c < end
	}
	return c >= start || c < end
}

// LoadLocation resolves an IANA zone name, treating "" as UTC.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}

// LocalDate formats t as an ISO date in loc.
func LocalDate(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(time.DateOnly)
}

// DayBounds returns [start of day, start of next day) for an ISO date in loc.
func DayBounds(date string, loc *time.Location) (time.Time, time.Time, error) {
	d, err := time.ParseInLocation(time.DateOnly, date, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse date %q: %w", date, err)
	}
	return d, d.AddDate(0, 0, 1), nil
}
