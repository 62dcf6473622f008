package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/medication-adherence/internal/access"
	"github.com/hackgods/medication-adherence/internal/adherence"
	"github.com/hackgods/medication-adherence/internal/archive"
	"github.com/hackgods/medication-adherence/internal/clock"
	"github.com/hackgods/medication-adherence/internal/config"
	"github.com/hackgods/medication-adherence/internal/medication"
	"github.com/hackgods/medication-adherence/internal/notify"
	redisclient "github.com/hackgods/medication-adherence/internal/redis"
	"github.com/hackgods/medication-adherence/internal/schedule"
)

var rosa = uuid.MustParse("3c9b2f7a-6d4e-4a1b-8c2d-9e0f1a2b3c01")

type env struct {
	jobs    *Jobs
	clk     *clock.Fixed
	notes   *notify.MemoryRepository
	reports *adherence.MemoryReportRepository
	meds    *medication.MemoryRepository
}

// newEnv wires every job against in-memory stores. Rosa takes a daily 08:00
// UTC medication from Monday 2026-03-02 and never logs a dose.
func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewFixed(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	dir := access.NewDirectory(access.NewMemoryRepository(), clk, log)
	_, err := dir.CreatePatient(ctx, access.PatientInput{
		ID:       rosa,
		Name:     "Rosa Alvarez",
		TimeZone: "UTC",
		Contact:  access.Contact{Email: "rosa@example.com"},
	})
	require.NoError(t, err)

	meds := medication.NewMemoryRepository()
	svc := medication.NewService(medication.Deps{Repo: meds, Preferences: meds, Clock: clk, Logger: log})
	notes := notify.NewMemoryRepository()
	dispatcher, err := notify.NewDispatcher(notify.Deps{
		Repo:      notes,
		Directory: dir,
		Gateways: map[string]notify.Gateway{
			access.ChannelEmail: notify.NewLogGateway(access.ChannelEmail, log),
			access.ChannelSMS:   notify.NewLogGateway(access.ChannelSMS, log),
			access.ChannelPush:  notify.NewLogGateway(access.ChannelPush, log),
		},
		Clock: clk,
	})
	require.NoError(t, err)
	svc.SetListener(dispatcher)

	_, err = svc.CreateCommand(ctx, medication.CreateInput{
		PatientID: rosa,
		Name:      "Atorvastatin",
		Dosage:    "20mg",
		Schedule: medication.ScheduleInput{
			Frequency: schedule.FrequencyDaily,
			TimeZone:  "UTC",
			StartDate: "2026-03-02",
		},
	}, rosa)
	require.NoError(t, err)

	engine := adherence.NewEngine(meds, clk, nil, log)
	reports := adherence.NewMemoryReportRepository()
	runner := NewRunner(RunnerDeps{
		Locker:      redisclient.NewLocalLocker(time.Minute),
		Patients:    dir,
		Clock:       clk,
		Budget:      time.Minute,
		Concurrency: 2,
	})
	j := New(Deps{
		Runner:     runner,
		Medication: svc,
		Engine:     engine,
		Reports:    reports,
		Archiver:   archive.NewArchiver(archive.NewMemoryStore(meds), meds, dir, engine, clk, log),
		Dispatcher: dispatcher,
		Patients:   dir,
		Clock:      clk,
		Config:     config.JobsConfig{WeeklyWeekday: time.Monday, ReminderWindow: 15 * time.Minute},
	})
	return &env{jobs: j, clk: clk, notes: notes, reports: reports, meds: meds}
}

func (e *env) notificationsOf(t *testing.T, typ notify.Type) []*notify.Notification {
	t.Helper()
	all, err := e.notes.ListByPatient(context.Background(), rosa, 0)
	require.NoError(t, err)
	var out []*notify.Notification
	for _, n := range all {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

func TestDoseMonitorThenDispatch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.clk.Set(time.Date(2026, 3, 9, 20, 0, 0, 0, time.UTC))

	run, err := e.jobs.DoseMonitor(ctx)
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, run.Status)
	assert.Equal(t, 2, run.Affected, "local yesterday and today")

	missed := e.notificationsOf(t, notify.TypeMissedDose)
	require.Len(t, missed, 2)
	for _, n := range missed {
		assert.Equal(t, notify.StatusPending, n.Status)
	}

	run, err = e.jobs.DoseMonitor(ctx)
	require.NoError(t, err)
	assert.Zero(t, run.Affected)

	run, err = e.jobs.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, run.Affected)
	for _, n := range e.notificationsOf(t, notify.TypeMissedDose) {
		assert.Equal(t, notify.StatusDelivered, n.Status)
	}
}

func TestPatternsRecordedOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.clk.Set(time.Date(2026, 3, 9, 20, 0, 0, 0, time.UTC))

	run, err := e.jobs.Patterns(ctx)
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, run.Status)
	assert.Equal(t, 1, run.Affected)
	assert.Len(t, e.notificationsOf(t, notify.TypePattern), 1)

	run, err = e.jobs.Patterns(ctx)
	require.NoError(t, err)
	assert.Zero(t, run.Affected)
	assert.Len(t, e.notificationsOf(t, notify.TypePattern), 1)
}

func TestWeeklySummary(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// Sunday is not the configured weekday.
	e.clk.Set(time.Date(2026, 3, 8, 20, 0, 0, 0, time.UTC))
	run, err := e.jobs.Summaries(ctx, adherence.PeriodWeekly, false)
	require.NoError(t, err)
	assert.Zero(t, run.Affected)
	assert.Empty(t, e.notificationsOf(t, notify.TypeWeeklySummary))

	e.clk.Set(time.Date(2026, 3, 9, 6, 0, 0, 0, time.UTC))
	run, err = e.jobs.Summaries(ctx, adherence.PeriodWeekly, false)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Affected)
	assert.Equal(t, "2026-03-02", run.WindowKey)

	reps, err := e.reports.ListReports(ctx, rosa, adherence.PeriodWeekly, 0)
	require.NoError(t, err)
	require.Len(t, reps, 1)
	assert.Equal(t, "2026-03-08", reps[0].PeriodEnd)
	assert.Equal(t, 7, reps[0].Rollup.Overall.Missed)
	assert.Equal(t, adherence.RiskCritical, reps[0].Rollup.Risk)

	sent := e.notificationsOf(t, notify.TypeWeeklySummary)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Body, "0.0% of 7 scheduled doses taken")

	run, err = e.jobs.Summaries(ctx, adherence.PeriodWeekly, false)
	require.NoError(t, err)
	assert.Zero(t, run.Affected)
	assert.Len(t, e.notificationsOf(t, notify.TypeWeeklySummary), 1)
}

func TestArchiveJob(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.clk.Set(time.Date(2026, 3, 4, 1, 0, 0, 0, time.UTC))

	run, err := e.jobs.Run(ctx, JobArchive, false)
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, run.Status)

	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	live, err := e.meds.ListPatientEvents(ctx, rosa, medication.EventFilter{From: &start, Until: &end})
	require.NoError(t, err)
	assert.Empty(t, live)

	_, err = e.jobs.Run(ctx, "nope", false)
	assert.Error(t, err)
}

func TestSummaryMessage_NothingScheduled(t *testing.T) {
	msg := SummaryMessage(&adherence.Report{
		PatientID:   rosa,
		Period:      adherence.PeriodMonthly,
		PeriodStart: "2026-02-01",
		PeriodEnd:   "2026-02-28",
	})
	assert.Equal(t, notify.TypeMonthlySummary, msg.Type)
	assert.Equal(t, "no doses were scheduled", msg.Text)
	assert.Equal(t, access.PermView, msg.Permission)
	assert.NotContains(t, msg.Details, "adherenceRate")
}
