package archive

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hackgods/medication-adherence/internal/access"
	"github.com/hackgods/medication-adherence/internal/adherence"
	"github.com/hackgods/medication-adherence/internal/clock"
	"github.com/hackgods/medication-adherence/internal/medication"
	"github.com/hackgods/medication-adherence/internal/schedule"
)

// CatchUpDays is how many closed days RunDue revisits, so a skipped run is
// made up on the next one.
const CatchUpDays = 2

type EventSource interface {
	ListPatientEvents(ctx context.Context, patientID uuid.UUID, f medication.EventFilter) ([]*medication.Event, error)
}

type Patients interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*access.Patient, error)
}

type Rollups interface {
	Rollup(ctx context.Context, patientID uuid.UUID, from, to string) (*adherence.PatientRollup, error)
}

// Archiver closes out patient-local days.
type Archiver struct {
	store    Store
	events   EventSource
	patients Patients
	rollups  Rollups
	clock    clock.Clock
	log      *zap.Logger
	tracer   trace.Tracer
}

func NewArchiver(store Store, events EventSource, patients Patients, rollups Rollups, clk clock.Clock, log *zap.Logger) *Archiver {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Archiver{
		store:    store,
		events:   events,
		patients: patients,
		rollups:  rollups,
		clock:    clk,
		log:      log.Named("archive"),
		tracer:   otel.Tracer("archive"),
	}
}

// RunDue archives the patient's last CatchUpDays closed local days, oldest
// first. Days already summarized only pick up late events.
func (a *Archiver) RunDue(ctx context.Context, patientID uuid.UUID) ([]Result, error) {
	p, err := a.patients.GetPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}
	loc, err := schedule.LoadLocation(p.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("patient time zone: %w", err)
	}

	today := a.clock.Now().In(loc)
	var out []Result
	for back := CatchUpDays; back >= 1; back-- {
		date := today.AddDate(0, 0, -back).Format(time.DateOnly)
		res, err := a.ArchiveDay(ctx, patientID, date, loc)
		if err != nil {
			return out, err
		}
		out = append(out, *res)
	}
	return out, nil
}

// ArchiveDay summarizes a closed local day and archives its events. A second
// run for the same day creates nothing; any events that reached the day
// after it was summarized are archived under a correction marker.
func (a *Archiver) ArchiveDay(ctx context.Context, patientID uuid.UUID, date string, loc *time.Location) (*Result, error) {
	ctx, span := a.tracer.Start(ctx, "archive.ArchiveDay", trace.WithAttributes(
		attribute.String("patient.id", patientID.String()),
		attribute.String("date", date),
	))
	defer span.End()

	start, end, err := schedule.DayBounds(date, loc)
	if err != nil {
		return nil, err
	}
	if a.clock.Now().Before(end) {
		return nil, fmt.Errorf("day %s has not ended in %s", date, loc)
	}
	live, err := a.events.ListPatientEvents(ctx, patientID, medication.EventFilter{From: &start, Until: &end})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	ids := make([]string, len(live))
	for i, ev := range live {
		ids[i] = ev.ID
	}

	existing, err := a.store.GetSummary(ctx, patientID, date)
	switch {
	case err == nil:
		return a.correct(ctx, existing, ids)
	case !errors.Is(err, ErrSummaryNotFound):
		return nil, fmt.Errorf("load summary: %w", err)
	}

	rollup, err := a.rollups.Rollup(ctx, patientID, date, date)
	if err != nil {
		return nil, fmt.Errorf("rollup: %w", err)
	}
	now := a.clock.Now()
	s := &DailySummary{
		ID:               uuid.New(),
		PatientID:        patientID,
		Date:             date,
		TimeZone:         loc.String(),
		Stats:            rollup.Overall,
		Medications:      rollup.Medications,
		ArchivedEventIDs: ids,
		CreatedAt:        now,
	}
	created, err := a.store.CreateSummary(ctx, s, ids, a.status(s, now))
	if err != nil {
		return nil, err
	}
	if !created {
		// Lost a race with a concurrent run.
		a.log.Debug("summary already exists", zap.String("patient_id", patientID.String()), zap.String("date", date))
		return &Result{Date: date}, nil
	}
	a.log.Info("day archived",
		zap.String("patient_id", patientID.String()),
		zap.String("date", date),
		zap.Int("events", len(ids)),
	)
	return &Result{SummaryID: s.ID, Date: date, Created: true, Archived: len(ids)}, nil
}

func (a *Archiver) correct(ctx context.Context, s *DailySummary, late []string) (*Result, error) {
	res := &Result{SummaryID: s.ID, Date: s.Date}
	if len(late) == 0 {
		return res, nil
	}
	now := a.clock.Now()
	c := Correction{At: now, EventIDs: late}
	if err := a.store.AddCorrection(ctx, s, c, a.status(s, now)); err != nil {
		return nil, err
	}
	a.log.Warn("late events archived under correction",
		zap.String("patient_id", s.PatientID.String()),
		zap.String("date", s.Date),
		zap.Int("events", len(late)),
	)
	res.Corrected = len(late)
	return res, nil
}

func (a *Archiver) status(s *DailySummary, now time.Time) medication.ArchiveStatus {
	id := s.ID
	return medication.ArchiveStatus{
		IsArchived:  true,
		ArchivedAt:  &now,
		ArchiveDate: s.Date,
		SummaryID:   &id,
	}
}

func (a *Archiver) ListSummaries(ctx context.Context, patientID uuid.UUID, from, to string) ([]*DailySummary, error) {
	return a.store.ListSummaries(ctx, patientID, from, to)
}

func sortByDate(in []*DailySummary) {
	sort.Slice(in, func(i, j int) bool { return in[i].Date < in[j].Date })
}
