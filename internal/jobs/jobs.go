package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/medication-adherence/internal/access"
	"github.com/hackgods/medication-adherence/internal/adherence"
	"github.com/hackgods/medication-adherence/internal/archive"
	"github.com/hackgods/medication-adherence/internal/clock"
	"github.com/hackgods/medication-adherence/internal/config"
	"github.com/hackgods/medication-adherence/internal/medication"
	"github.com/hackgods/medication-adherence/internal/notify"
	"github.com/hackgods/medication-adherence/internal/schedule"
)

const (
	JobArchive        = "archive"
	JobPatterns       = "patterns"
	JobWeeklySummary  = "weekly-summary"
	JobMonthlySummary = "monthly-summary"
	JobDoseMonitor    = "dose-monitor"
	JobReminders      = "reminders"
	JobDispatch       = "dispatch"
)

// dispatchBatch bounds how many notifications one dispatch run claims.
const dispatchBatch = 200

type Patients interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*access.Patient, error)
}

type Deps struct {
	Runner     *Runner
	Medication *medication.Service
	Engine     *adherence.Engine
	Reports    adherence.ReportRepository
	Archiver   *archive.Archiver
	Dispatcher *notify.Dispatcher
	Patients   Patients
	Clock      clock.Clock
	Logger     *zap.Logger
	Config     config.JobsConfig
}

// Jobs holds the scheduled entry points. Each one is safe to run again for
// the same window: the work it records is deduplicated downstream.
type Jobs struct {
	runner   *Runner
	meds     *medication.Service
	engine   *adherence.Engine
	reports  adherence.ReportRepository
	archiver *archive.Archiver
	notifier *notify.Dispatcher
	patients Patients
	clock    clock.Clock
	log      *zap.Logger
	cfg      config.JobsConfig
}

func New(d Deps) *Jobs {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Jobs{
		runner:   d.Runner,
		meds:     d.Medication,
		engine:   d.Engine,
		reports:  d.Reports,
		archiver: d.Archiver,
		notifier: d.Dispatcher,
		patients: d.Patients,
		clock:    d.Clock,
		log:      d.Logger.Named("jobs"),
		cfg:      d.Config,
	}
}

// Names lists every job in the order the CLI shows them.
func Names() []string {
	return []string{JobArchive, JobPatterns, JobWeeklySummary, JobMonthlySummary, JobDoseMonitor, JobReminders, JobDispatch}
}

// Run executes a job by name. force sends periodic summaries on any weekday.
func (j *Jobs) Run(ctx context.Context, name string, force bool) (*Run, error) {
	switch name {
	case JobArchive:
		return j.Archive(ctx)
	case JobPatterns:
		return j.Patterns(ctx)
	case JobWeeklySummary:
		return j.Summaries(ctx, adherence.PeriodWeekly, force)
	case JobMonthlySummary:
		return j.Summaries(ctx, adherence.PeriodMonthly, force)
	case JobDoseMonitor:
		return j.DoseMonitor(ctx)
	case JobReminders:
		return j.Reminders(ctx)
	case JobDispatch:
		return j.Dispatch(ctx)
	}
	return nil, fmt.Errorf("unknown job %q", name)
}

// Archive closes out each patient's finished local days.
func (j *Jobs) Archive(ctx context.Context) (*Run, error) {
	window := j.clock.Now().UTC().Format(time.DateOnly)
	return j.runner.ForEachPatient(ctx, JobArchive, window, func(ctx context.Context, id uuid.UUID) (int, error) {
		results, err := j.archiver.RunDue(ctx, id)
		n := 0
		for _, r := range results {
			n += r.Archived + r.Corrected
		}
		return n, err
	})
}

// Patterns runs detection and records each new finding as a
// pattern_detected event, which notifies the care circle.
func (j *Jobs) Patterns(ctx context.Context) (*Run, error) {
	now := j.clock.Now().UTC()
	window := fmt.Sprintf("%s-h%02d", now.Format(time.DateOnly), now.Hour()/6*6)
	return j.runner.ForEachPatient(ctx, JobPatterns, window, func(ctx context.Context, id uuid.UUID) (int, error) {
		found, err := j.engine.DetectPatterns(ctx, id)
		if err != nil {
			return 0, err
		}
		recorded := 0
		var errs []error
		for _, p := range found {
			created, err := j.meds.RecordPattern(ctx, p.CommandID, string(p.Type), p.Key, p.Details)
			if err != nil {
				errs = append(errs, fmt.Errorf("record %s: %w", p.Key, err))
				continue
			}
			if created {
				recorded++
			}
		}
		return recorded, errors.Join(errs...)
	})
}

// Summaries stores each patient's report for the last completed period and
// sends it to the patient and viewers. Weekly reports go out on the
// configured local weekday unless forced.
func (j *Jobs) Summaries(ctx context.Context, period adherence.Period, force bool) (*Run, error) {
	job := JobWeeklySummary
	if period == adherence.PeriodMonthly {
		job = JobMonthlySummary
	}
	window, _, err := adherence.PeriodWindow(period, j.clock.Now(), time.UTC)
	if err != nil {
		return nil, err
	}
	return j.runner.ForEachPatient(ctx, job, window, func(ctx context.Context, id uuid.UUID) (int, error) {
		return j.summarize(ctx, id, period, force)
	})
}

func (j *Jobs) summarize(ctx context.Context, id uuid.UUID, period adherence.Period, force bool) (int, error) {
	p, err := j.patients.GetPatient(ctx, id)
	if err != nil {
		return 0, err
	}
	loc, err := schedule.LoadLocation(p.TimeZone)
	if err != nil {
		return 0, err
	}
	if period == adherence.PeriodWeekly && !force && j.clock.Now().In(loc).Weekday() != j.cfg.WeeklyWeekday {
		return 0, nil
	}

	rep, err := j.engine.BuildReport(ctx, id, period, loc)
	if err != nil {
		return 0, err
	}
	created, err := j.reports.SaveReport(ctx, rep)
	if err != nil {
		return 0, fmt.Errorf("save report: %w", err)
	}

	// Sent even when the report already existed: a crash between save and
	// dispatch must not lose the summary, and the dedupe key keeps reruns
	// from sending it twice.
	_, err = j.notifier.Dispatch(ctx, SummaryMessage(rep))
	if err != nil {
		return 0, fmt.Errorf("dispatch report: %w", err)
	}
	if !created {
		return 0, nil
	}
	return 1, nil
}

// SummaryMessage renders a stored report as a notification for the patient
// and family members who can view medications.
func SummaryMessage(rep *adherence.Report) notify.Message {
	typ := notify.TypeWeeklySummary
	if rep.Period == adherence.PeriodMonthly {
		typ = notify.TypeMonthlySummary
	}
	o := rep.Rollup.Overall
	text := "no doses were scheduled"
	details := map[string]any{
		"from":      rep.PeriodStart,
		"to":        rep.PeriodEnd,
		"risk":      string(rep.Rollup.Risk),
		"scheduled": o.Scheduled,
		"taken":     o.Taken + o.Partial,
		"missed":    o.Missed,
	}
	if o.AdherenceRate != nil {
		text = fmt.Sprintf("%.1f%% of %d scheduled doses taken, %d missed", *o.AdherenceRate, o.Scheduled, o.Missed)
		details["adherenceRate"] = *o.AdherenceRate
	}
	return notify.Message{
		Type:       typ,
		Priority:   notify.PriorityNormal,
		PatientID:  rep.PatientID,
		Text:       text,
		Details:    details,
		Permission: access.PermView,
		DedupeKey:  fmt.Sprintf("report:%s:%s:%s", rep.PatientID, rep.Period, rep.PeriodStart),
	}
}

// DoseMonitor appends dose_missed for doses whose grace window has closed.
func (j *Jobs) DoseMonitor(ctx context.Context) (*Run, error) {
	window := j.clock.Now().UTC().Truncate(15 * time.Minute).Format(time.RFC3339)
	return j.runner.ForEachPatient(ctx, JobDoseMonitor, window, j.meds.MarkMissedDoses)
}

// Reminders appends reminder_sent for reminder offsets that came due since
// the previous run.
func (j *Jobs) Reminders(ctx context.Context) (*Run, error) {
	lookback := j.cfg.ReminderWindow
	if lookback <= 0 {
		lookback = 15 * time.Minute
	}
	window := j.clock.Now().UTC().Truncate(time.Minute).Format(time.RFC3339)
	return j.runner.ForEachPatient(ctx, JobReminders, window, func(ctx context.Context, id uuid.UUID) (int, error) {
		return j.meds.EmitReminders(ctx, id, lookback)
	})
}

// Dispatch resumes notifications stuck in sending, then drains the due
// queue.
func (j *Jobs) Dispatch(ctx context.Context) (*Run, error) {
	window := j.clock.Now().UTC().Truncate(time.Minute).Format(time.RFC3339)
	return j.runner.Once(ctx, JobDispatch, window, func(ctx context.Context) (int, error) {
		if _, err := j.notifier.RecoverStuck(ctx, dispatchBatch); err != nil {
			return 0, fmt.Errorf("recover stuck: %w", err)
		}
		return j.notifier.ProcessDue(ctx, dispatchBatch)
	})
}

func (j *Jobs) ListRuns(ctx context.Context, job string, limit int) ([]*Run, error) {
	return j.runner.ListRuns(ctx, job, limit)
}
