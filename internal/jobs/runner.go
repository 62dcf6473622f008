package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/medication-adherence/internal/clock"
	"github.com/hackgods/medication-adherence/internal/metrics"
	redisclient "github.com/hackgods/medication-adherence/internal/redis"
)

type PatientLister interface {
	ListPatientIDs(ctx context.Context) ([]uuid.UUID, error)
}

// UnitFunc does one patient's share of a job and reports how many records it
// touched.
type UnitFunc func(ctx context.Context, patientID uuid.UUID) (int, error)

type RunnerDeps struct {
	Locker      redisclient.Locker
	Runs        RunStore
	Patients    PatientLister
	Clock       clock.Clock
	Logger      *zap.Logger
	Metrics     *metrics.Collector
	Budget      time.Duration
	Concurrency int
}

// Runner executes jobs as independent units of work. A failing unit is
// logged and counted without stopping the others; units still queued when
// the budget runs out are left for the next run.
type Runner struct {
	locker      redisclient.Locker
	runs        RunStore
	patients    PatientLister
	clock       clock.Clock
	log         *zap.Logger
	metrics     *metrics.Collector
	budget      time.Duration
	concurrency int
	tracer      trace.Tracer
}

func NewRunner(d RunnerDeps) *Runner {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Budget <= 0 {
		d.Budget = 5 * time.Minute
	}
	if d.Concurrency < 1 {
		d.Concurrency = 1
	}
	if d.Runs == nil {
		d.Runs = NewMemoryRunStore()
	}
	if d.Locker == nil {
		d.Locker = redisclient.NewLocalLocker(d.Budget)
	}
	return &Runner{
		locker:      d.Locker,
		runs:        d.Runs,
		patients:    d.Patients,
		clock:       d.Clock,
		log:         d.Logger.Named("jobs"),
		metrics:     d.Metrics,
		budget:      d.Budget,
		concurrency: d.Concurrency,
		tracer:      otel.Tracer("jobs"),
	}
}

// ForEachPatient runs fn once per known patient.
func (r *Runner) ForEachPatient(ctx context.Context, job, window string, fn UnitFunc) (*Run, error) {
	return r.execute(ctx, job, window, func(ctx context.Context) ([]string, error) {
		ids, err := r.patients.ListPatientIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("list patients: %w", err)
		}
		units := make([]string, len(ids))
		for i, id := range ids {
			units[i] = id.String()
		}
		return units, nil
	}, func(ctx context.Context, unit string) (int, error) {
		id, err := uuid.Parse(unit)
		if err != nil {
			return 0, err
		}
		return fn(ctx, id)
	})
}

// Once runs fn as a single unit, for jobs that are not per patient.
func (r *Runner) Once(ctx context.Context, job, window string, fn func(ctx context.Context) (int, error)) (*Run, error) {
	return r.execute(ctx, job, window, func(context.Context) ([]string, error) {
		return []string{"all"}, nil
	}, func(ctx context.Context, _ string) (int, error) {
		return fn(ctx)
	})
}

type tally struct {
	mu  sync.Mutex
	run *Run
}

func (t *tally) record(f func(r *Run)) {
	t.mu.Lock()
	f(t.run)
	t.mu.Unlock()
}

func (r *Runner) execute(
	ctx context.Context,
	job, window string,
	list func(ctx context.Context) ([]string, error),
	fn func(ctx context.Context, unit string) (int, error),
) (*Run, error) {
	ctx, span := r.tracer.Start(ctx, "jobs."+job, trace.WithAttributes(
		attribute.String("job", job),
		attribute.String("window", window),
	))
	defer span.End()

	log := r.log.With(zap.String("job", job), zap.String("window", window))
	started := r.clock.Now()
	run := &Run{
		ID:        uuid.New(),
		Job:       job,
		WindowKey: window,
		Status:    RunRunning,
		StartedAt: started,
	}
	if err := r.runs.Start(ctx, run); err != nil {
		log.Error("record job start", zap.Error(err))
	}

	budgetCtx, cancel := context.WithTimeout(ctx, r.budget)
	defer cancel()

	units, err := list(budgetCtx)
	if err != nil {
		run.Errors = append(run.Errors, UnitError{Unit: "list", Error: err.Error()})
		r.finish(ctx, log, run, RunFailed, started)
		return run, err
	}
	run.Units = len(units)

	t := &tally{run: run}
	var g errgroup.Group
	g.SetLimit(r.concurrency)

	for i, unit := range units {
		if budgetCtx.Err() != nil {
			t.record(func(r *Run) { r.Unfinished += len(units) - i })
			break
		}
		g.Go(func() error {
			r.runUnit(budgetCtx, log, job, unit, fn, t)
			return nil
		})
	}
	_ = g.Wait()

	status := RunSucceeded
	switch {
	case run.Failed > 0 && run.Processed == 0:
		status = RunFailed
	case run.Failed > 0 || run.Unfinished > 0:
		status = RunPartial
	case run.Processed == 0 && run.Units > 0:
		status = RunSkipped
	}
	r.finish(ctx, log, run, status, started)
	return run, nil
}

func (r *Runner) runUnit(
	ctx context.Context,
	log *zap.Logger,
	job, unit string,
	fn func(ctx context.Context, unit string) (int, error),
	t *tally,
) {
	var affected int
	err := r.locker.WithLock(ctx, "job:"+job+":"+unit, func(ctx context.Context) (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		affected, err = fn(ctx, unit)
		return err
	})

	switch {
	case err == nil:
		t.record(func(r *Run) {
			r.Processed++
			r.Affected += affected
		})
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		// Another process is on this unit.
		log.Debug("unit locked elsewhere", zap.String("unit", unit))
	case ctx.Err() != nil:
		t.record(func(r *Run) { r.Unfinished++ })
		log.Warn("unit cut off by budget", zap.String("unit", unit), zap.Error(err))
	default:
		r.metrics.JobUnitFailed(job)
		log.Error("unit failed", zap.String("unit", unit), zap.Error(err))
		t.record(func(r *Run) {
			r.Failed++
			if len(r.Errors) < maxRecordedErrors {
				r.Errors = append(r.Errors, UnitError{Unit: unit, Error: err.Error()})
			}
		})
	}
}

func (r *Runner) finish(ctx context.Context, log *zap.Logger, run *Run, status RunStatus, started time.Time) {
	now := r.clock.Now()
	run.Status = status
	run.FinishedAt = &now

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.runs.Finish(saveCtx, run); err != nil {
		log.Error("record job finish", zap.Error(err))
	}
	r.metrics.JobRun(run.Job, string(status), now.Sub(started))

	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.Int("units", run.Units),
		zap.Int("processed", run.Processed),
		zap.Int("failed", run.Failed),
		zap.Int("unfinished", run.Unfinished),
		zap.Int("affected", run.Affected),
	}
	if status == RunSucceeded || status == RunSkipped {
		log.Info("job run finished", fields...)
		return
	}
	log.Warn("job run finished", fields...)
}

func (r *Runner) ListRuns(ctx context.Context, job string, limit int) ([]*Run, error) {
	return r.runs.ListRuns(ctx, job, limit)
}
