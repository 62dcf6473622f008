package adherence

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hackgods/medication-adherence/internal/medication"
	"github.com/hackgods/medication-adherence/internal/schedule"
)

const (
	PatternWindowDays    = 14
	MinConsecutiveMissed = 3
	WeekendGapPoints     = 15.0
	TrendDays            = 7
	TrendMinDataDays     = 4
	TrendSlope           = -3.0
)

// DetectPatterns looks at the last PatternWindowDays local days of every
// active medication of the patient. Each pattern carries a stable key so
// re-running detection over an overlapping window reports the same key.
func (e *Engine) DetectPatterns(ctx context.Context, patientID uuid.UUID) ([]Pattern, error) {
	ctx, span := e.tracer.Start(ctx, "adherence.DetectPatterns", trace.WithAttributes(
		attribute.String("patient.id", patientID.String()),
	))
	defer span.End()

	cmds, err := e.src.ListCommandsByPatient(ctx, patientID, true)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}

	var out []Pattern
	for _, cmd := range cmds {
		if cmd.Schedule.Frequency == schedule.FrequencyAsNeeded {
			continue
		}
		today := e.clock.Now().In(cmd.Location())
		first := today.AddDate(0, 0, -(PatternWindowDays - 1)).Format(time.DateOnly)
		dates, err := dateRange(first, today.Format(time.DateOnly))
		if err != nil {
			return nil, err
		}
		days, err := e.foldCommand(ctx, cmd, dates)
		if err != nil {
			return nil, err
		}

		out = append(out, consecutiveMissed(cmd, days)...)
		// Today is still in progress, so rate based patterns use completed days.
		if p, ok := weekendGap(cmd, dates[:len(dates)-1], days[:len(days)-1]); ok {
			out = append(out, p)
		}
		if p, ok := decliningTrend(cmd, dates[:len(dates)-1], days[:len(days)-1]); ok {
			out = append(out, p)
		}
	}
	e.log.Debug("patterns detected", zap.String("patient_id", patientID.String()), zap.Int("count", len(out)))
	return out, nil
}

func consecutiveMissed(cmd *medication.Command, days [][]outcome) []Pattern {
	var (
		out   []Pattern
		run   []outcome
		flush = func() {
			if len(run) >= MinConsecutiveMissed {
				start := run[0].ScheduledFor
				out = append(out, Pattern{
					Type:      PatternConsecutiveMissed,
					CommandID: cmd.ID,
					Key:       fmt.Sprintf("%s:%s:%d", PatternConsecutiveMissed, cmd.ID, start.Unix()),
					Details: map[string]any{
						"medicationName": cmd.Name,
						"count":          len(run),
						"firstMissed":    start,
						"lastMissed":     run[len(run)-1].ScheduledFor,
					},
				})
			}
			run = nil
		}
	)
	for _, day := range days {
		for _, o := range day {
			switch o.Resolved {
			case medication.DoseStatusMissed:
				run = append(run, o)
			case medication.DoseStatusScheduled:
				// Pending doses neither extend nor break a run.
			default:
				flush()
			}
		}
	}
	flush()
	return out
}

func weekendGap(cmd *medication.Command, dates []string, days [][]outcome) (Pattern, bool) {
	var weekday, weekend Stats
	for i, date := range dates {
		d, _ := time.Parse(time.DateOnly, date)
		target := &weekday
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			target = &weekend
		}
		for _, o := range days[i] {
			countOutcome(target, o)
		}
	}
	weekday.finish()
	weekend.finish()
	if weekday.AdherenceRate == nil || weekend.AdherenceRate == nil {
		return Pattern{}, false
	}
	gap := *weekday.AdherenceRate - *weekend.AdherenceRate
	if math.Abs(gap) <= WeekendGapPoints {
		return Pattern{}, false
	}
	end, _ := time.Parse(time.DateOnly, dates[len(dates)-1])
	year, week := end.ISOWeek()
	return Pattern{
		Type:      PatternWeekdayWeekendGap,
		CommandID: cmd.ID,
		Key:       fmt.Sprintf("%s:%s:%d-W%02d", PatternWeekdayWeekendGap, cmd.ID, year, week),
		Details: map[string]any{
			"medicationName": cmd.Name,
			"weekdayRate":    *weekday.AdherenceRate,
			"weekendRate":    *weekend.AdherenceRate,
			"gap":            math.Round(gap*10) / 10,
		},
	}, true
}

func decliningTrend(cmd *medication.Command, dates []string, days [][]outcome) (Pattern, bool) {
	if len(dates) > TrendDays {
		dates = dates[len(dates)-TrendDays:]
		days = days[len(days)-TrendDays:]
	}
	var xs, ys []float64
	for i := range dates {
		var s Stats
		for _, o := range days[i] {
			countOutcome(&s, o)
		}
		s.finish()
		if s.AdherenceRate == nil {
			continue
		}
		xs = append(xs, float64(i))
		ys = append(ys, *s.AdherenceRate)
	}
	if len(xs) < TrendMinDataDays {
		return Pattern{}, false
	}
	slope := leastSquaresSlope(xs, ys)
	if slope > TrendSlope {
		return Pattern{}, false
	}
	end := dates[len(dates)-1]
	return Pattern{
		Type:      PatternDecliningTrend,
		CommandID: cmd.ID,
		Key:       fmt.Sprintf("%s:%s:%s", PatternDecliningTrend, cmd.ID, end),
		Details: map[string]any{
			"medicationName": cmd.Name,
			"slopePerDay":    math.Round(slope*100) / 100,
			"dataDays":       len(xs),
			"from":           dates[0],
			"to":             end,
		},
	}, true
}

func leastSquaresSlope(xs, ys []float64) float64 {
	n := float64(len(xs))
	var sx, sy, sxy, sxx float64
	for i := range xs {
		sx += xs[i]
		sy += ys[i]
		sxy += xs[i] * ys[i]
		sxx += xs[i] * xs[i]
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0
	}
	return (n*sxy - sx*sy) / den
}
