package adherence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hackgods/medication-adherence/internal/clock"
	"github.com/hackgods/medication-adherence/internal/medication"
	"github.com/hackgods/medication-adherence/internal/schedule"
)

// Source is the read side of the medication store the engine folds over.
type Source interface {
	ListCommandsByPatient(ctx context.Context, patientID uuid.UUID, activeOnly bool) ([]*medication.Command, error)
	ListEvents(ctx context.Context, commandID uuid.UUID, filter medication.EventFilter) ([]*medication.Event, error)
}

var ErrInvalidWindow = errors.New("invalid date window")

// Engine computes adherence rollups from the event log. It never writes.
type Engine struct {
	src      Source
	clock    clock.Clock
	holidays schedule.Holidays
	log      *zap.Logger
	tracer   trace.Tracer
}

func NewEngine(src Source, clk clock.Clock, holidays schedule.Holidays, log *zap.Logger) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		src:      src,
		clock:    clk,
		holidays: holidays,
		log:      log.Named("adherence"),
		tracer:   otel.Tracer("adherence"),
	}
}

var statusTypes = []medication.EventType{
	medication.EventMedicationCreated,
	medication.EventMedicationPaused,
	medication.EventMedicationResumed,
	medication.EventMedicationHeld,
	medication.EventMedicationDiscontinued,
	medication.EventMedicationUpdated,
}

// Rollup folds every medication of the patient over the inclusive local date
// window [from, to].
func (e *Engine) Rollup(ctx context.Context, patientID uuid.UUID, from, to string) (*PatientRollup, error) {
	ctx, span := e.tracer.Start(ctx, "adherence.Rollup", trace.WithAttributes(
		attribute.String("patient.id", patientID.String()),
		attribute.String("window.from", from),
		attribute.String("window.to", to),
	))
	defer span.End()

	dates, err := dateRange(from, to)
	if err != nil {
		return nil, err
	}
	cmds, err := e.src.ListCommandsByPatient(ctx, patientID, false)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}

	out := &PatientRollup{
		PatientID:  patientID,
		From:       from,
		To:         to,
		ComputedAt: e.clock.Now(),
	}
	daily := make([]DayStat, len(dates))
	for i, d := range dates {
		daily[i].Date = d
	}

	for _, cmd := range cmds {
		med, err := e.medicationRollup(ctx, cmd, dates)
		if err != nil {
			return nil, err
		}
		for i := range daily {
			daily[i].add(med.Daily[i].Stats)
		}
		out.Overall.add(med.Stats)
		out.Medications = append(out.Medications, *med)
	}

	for i := range daily {
		daily[i].finish()
	}
	out.Overall.finish()
	out.Daily = daily
	out.Risk = RiskFor(out.Overall.AdherenceRate)
	out.Streaks = streaks(daily)
	return out, nil
}

// outcome is a fold slot resolved against the clock. Status is scheduled only
// for a dose still inside its grace window.
type outcome struct {
	medication.DoseSlot
	Resolved medication.DoseStatus
}

// foldCommand folds the command's events into per-day resolved outcomes for
// each date. Ad hoc slots, slots before the command existed and slots that
// fell due while the command was not active are dropped.
func (e *Engine) foldCommand(ctx context.Context, cmd *medication.Command, dates []string) ([][]outcome, error) {
	loc := cmd.Location()
	start, _, err := schedule.DayBounds(dates[0], loc)
	if err != nil {
		return nil, err
	}
	_, end, err := schedule.DayBounds(dates[len(dates)-1], loc)
	if err != nil {
		return nil, err
	}

	events, err := e.src.ListEvents(ctx, cmd.ID, medication.EventFilter{From: &start, Until: &end, IncludeArchived: true})
	if err != nil {
		return nil, fmt.Errorf("command %s: list events: %w", cmd.ID, err)
	}
	statusEvents, err := e.src.ListEvents(ctx, cmd.ID, medication.EventFilter{Types: statusTypes, IncludeArchived: true})
	if err != nil {
		return nil, fmt.Errorf("command %s: list status events: %w", cmd.ID, err)
	}
	active := activeTimeline(statusEvents)
	now := e.clock.Now()

	out := make([][]outcome, len(dates))
	for i, date := range dates {
		for _, slot := range medication.FoldSlots(cmd, date, events, e.holidays) {
			if slot.AdHoc || slot.ScheduledFor.Before(cmd.Metadata.CreatedAt) {
				continue
			}
			status := slot.Status
			if status == medication.DoseStatusScheduled {
				if !active(slot.ScheduledFor) {
					continue
				}
				deadline := slot.EffectiveDue.Add(time.Duration(slot.GraceMinutes) * time.Minute)
				if now.After(deadline) {
					status = medication.DoseStatusMissed
				}
			}
			out[i] = append(out[i], outcome{DoseSlot: slot, Resolved: status})
		}
	}
	return out, nil
}

func (e *Engine) medicationRollup(ctx context.Context, cmd *medication.Command, dates []string) (*MedicationRollup, error) {
	days, err := e.foldCommand(ctx, cmd, dates)
	if err != nil {
		return nil, err
	}
	med := &MedicationRollup{CommandID: cmd.ID, Name: cmd.Name, Daily: make([]DayStat, len(dates))}
	for i, date := range dates {
		day := DayStat{Date: date}
		for _, o := range days[i] {
			countOutcome(&day.Stats, o)
		}
		day.finish()
		med.Daily[i] = day
		med.Stats.add(day.Stats)
	}
	med.finish()
	med.Risk = RiskFor(med.AdherenceRate)
	med.Streaks = streaks(med.Daily)
	return med, nil
}

func countOutcome(s *Stats, o outcome) {
	if o.SnoozedUntil != nil {
		s.Snoozed++
	}
	switch o.Resolved {
	case medication.DoseStatusTaken, medication.DoseStatusPartial:
		s.Scheduled++
		if o.Resolved == medication.DoseStatusTaken {
			s.Taken++
		} else {
			s.Partial++
		}
		if t := o.Timing; t != nil {
			if t.IsOnTime {
				s.OnTimeTaken++
			}
			switch t.Category {
			case medication.TimingEarly:
				s.Timing.Early++
			case medication.TimingOnTime:
				s.Timing.OnTime++
			case medication.TimingLate:
				s.Timing.Late++
			case medication.TimingVeryLate:
				s.Timing.VeryLate++
			}
		}
	case medication.DoseStatusMissed:
		s.Scheduled++
		s.Missed++
	case medication.DoseStatusSkipped:
		// Skips stay in the adherence denominator.
		s.Scheduled++
		s.Skipped++
	default:
		s.Pending++
	}
}

// activeTimeline reports, for an instant, whether the command was active then
// according to its status events. Commands start active.
func activeTimeline(events []*medication.Event) func(time.Time) bool {
	type change struct {
		at     time.Time
		active bool
	}
	sort.Slice(events, func(i, j int) bool { return events[i].EventVersion < events[j].EventVersion })
	var changes []change
	for _, ev := range events {
		if ev.EventData.NewStatus == "" {
			continue
		}
		changes = append(changes, change{
			at:     ev.Timing.EventTimestamp,
			active: ev.EventData.NewStatus == medication.StatusActive,
		})
	}
	return func(t time.Time) bool {
		state := true
		for _, c := range changes {
			if c.at.After(t) {
				break
			}
			state = c.active
		}
		return state
	}
}

// streaks counts consecutive perfect days: at least one resolved dose and no
// missed dose. Days with nothing resolved neither extend nor break a streak.
func streaks(days []DayStat) Streaks {
	var out Streaks
	run := 0
	for _, d := range days {
		switch {
		case d.Scheduled == 0:
			continue
		case d.Missed > 0:
			run = 0
		default:
			run++
			if run > out.Longest {
				out.Longest = run
			}
		}
	}
	out.Current = run
	return out
}

func percent(num, den int) *float64 {
	if den == 0 {
		return nil
	}
	v := math.Round(float64(num)/float64(den)*1000) / 10
	return &v
}

// dateRange expands inclusive ISO dates into the list of days between them.
func dateRange(from, to string) ([]string, error) {
	start, err := time.Parse(time.DateOnly, from)
	if err != nil {
		return nil, fmt.Errorf("%w: from %q", ErrInvalidWindow, from)
	}
	end, err := time.Parse(time.DateOnly, to)
	if err != nil {
		return nil, fmt.Errorf("%w: to %q", ErrInvalidWindow, to)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: %s is before %s", ErrInvalidWindow, to, from)
	}
	if end.Sub(start) > 366*24*time.Hour {
		return nil, fmt.Errorf("%w: longer than a year", ErrInvalidWindow)
	}
	var out []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, d.Format(time.DateOnly))
	}
	return out, nil
}
