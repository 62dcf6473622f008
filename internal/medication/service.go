package medication

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hackgods/medication-adherence/internal/clock"
	"github.com/hackgods/medication-adherence/internal/metrics"
	"github.com/hackgods/medication-adherence/internal/schedule"
)

// EventListener is told about events after they are committed. Implementations
// must not fail the caller; errors are theirs to log and retry.
type EventListener interface {
	OnEvents(ctx context.Context, cmd *Command, events []*Event)
}

type Deps struct {
	Repo            Repository
	Preferences     PreferencesRepository
	Clock           clock.Clock
	Logger          *zap.Logger
	Metrics         *metrics.Collector
	Holidays        schedule.Holidays
	ConflictRetries int
}

type Service struct {
	repo     Repository
	prefs    PreferencesRepository
	clock    clock.Clock
	log      *zap.Logger
	metrics  *metrics.Collector
	holidays schedule.Holidays
	retries  int
	tracer   trace.Tracer
	listener EventListener
}

func NewService(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.ConflictRetries <= 0 {
		d.ConflictRetries = 3
	}
	return &Service{
		repo:     d.Repo,
		prefs:    d.Preferences,
		clock:    d.Clock,
		log:      d.Logger.Named("medication"),
		metrics:  d.Metrics,
		holidays: d.Holidays,
		retries:  d.ConflictRetries,
		tracer:   otel.Tracer("medication"),
	}
}

// SetListener registers the post-commit event listener.
func (s *Service) SetListener(l EventListener) {
	s.listener = l
}

func (s *Service) Holidays() schedule.Holidays { return s.holidays }

type ScheduleInput struct {
	Frequency  schedule.Frequency `json:"frequency"`
	Times      []string           `json:"times,omitempty"`
	DaysOfWeek []int              `json:"daysOfWeek,omitempty"`
	DayOfMonth int                `json:"dayOfMonth,omitempty"`
	StartDate  string             `json:"startDate,omitempty"`
	EndDate    string             `json:"endDate,omitempty"`
	TimeZone   string             `json:"timeZone,omitempty"`
	Flexible   *FlexibleSchedule  `json:"flexible,omitempty"`
}

type CreateInput struct {
	PatientID    uuid.UUID            `json:"patientId"`
	Name         string               `json:"name"`
	Dosage       string               `json:"dosage"`
	DoseAmount   float64              `json:"doseAmount,omitempty"`
	DoseUnit     string               `json:"doseUnit,omitempty"`
	Route        string               `json:"route,omitempty"`
	Instructions string               `json:"instructions,omitempty"`
	Schedule     ScheduleInput        `json:"schedule"`
	Reminders    Reminders            `json:"reminders"`
	GracePeriod  schedule.GracePolicy `json:"gracePeriod"`
}

// Patch is a partial update. A non-nil Schedule replaces the schedule inputs
// wholesale and triggers recompilation.
type Patch struct {
	ExpectedVersion *int                  `json:"expectedVersion,omitempty"`
	Name            *string               `json:"name,omitempty"`
	Dosage          *string               `json:"dosage,omitempty"`
	DoseAmount      *float64              `json:"doseAmount,omitempty"`
	DoseUnit        *string               `json:"doseUnit,omitempty"`
	Route           *string               `json:"route,omitempty"`
	Instructions    *string               `json:"instructions,omitempty"`
	Schedule        *ScheduleInput        `json:"schedule,omitempty"`
	Reminders       *Reminders            `json:"reminders,omitempty"`
	GracePeriod     *schedule.GracePolicy `json:"gracePeriod,omitempty"`
}

// CreateCommand validates the input, compiles the schedule and stores the
// command with its medication_created and schedule_created events.
func (s *Service) CreateCommand(ctx context.Context, in CreateInput, actor uuid.UUID) (*Command, error) {
	ctx, span := s.tracer.Start(ctx, "medication.CreateCommand")
	defer span.End()

	if in.PatientID == uuid.Nil {
		return nil, invalid("patientId", "is required")
	}
	now := s.clock.Now()
	cmd := &Command{
		ID:           uuid.New(),
		PatientID:    in.PatientID,
		Name:         in.Name,
		Dosage:       in.Dosage,
		DoseAmount:   in.DoseAmount,
		DoseUnit:     in.DoseUnit,
		Route:        in.Route,
		Instructions: in.Instructions,
		Reminders:    in.Reminders,
		GracePeriod:  in.GracePeriod,
		Status: StatusBlock{
			Current:   StatusActive,
			IsActive:  true,
			ChangedAt: now,
			ChangedBy: actor,
		},
		Metadata: Metadata{
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
			CreatedBy: actor,
		},
	}
	if cmd.GracePeriod.RiskClass == "" {
		cmd.GracePeriod.RiskClass = schedule.RiskStandard
	}
	applyScheduleInput(cmd, in.Schedule, now)

	if err := validateCommand(cmd); err != nil {
		return nil, err
	}
	if err := s.compile(ctx, cmd); err != nil {
		return nil, err
	}

	created := s.newEvent(cmd, EventMedicationCreated, actor, now)
	created.EventData.NewStatus = StatusActive
	sched := s.newEvent(cmd, EventScheduleCreated, actor, now)
	sched.EventData.NewTimes = cmd.Schedule.Times
	events := []*Event{created, sched}

	if err := s.repo.CreateCommand(ctx, cmd, events); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("create command: %w", err)
	}
	for _, w := range cmd.Metadata.Warnings {
		s.metrics.Warning(w.Code)
	}
	s.log.Info("medication created",
		zap.String("command_id", cmd.ID.String()),
		zap.String("patient_id", cmd.PatientID.String()),
		zap.Strings("times", cmd.Schedule.Times),
		zap.Int("warnings", len(cmd.Metadata.Warnings)),
	)
	s.committed(ctx, cmd, events)
	return cmd, nil
}

func (s *Service) GetCommand(ctx context.Context, id uuid.UUID) (*Command, error) {
	cmd, err := s.repo.GetCommand(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get command: %w", err)
	}
	return cmd, nil
}

func (s *Service) ListCommands(ctx context.Context, patientID uuid.UUID, activeOnly bool) ([]*Command, error) {
	cmds, err := s.repo.ListCommandsByPatient(ctx, patientID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	return cmds, nil
}

// UpdateCommand applies a patch under optimistic concurrency. A schedule change
// emits schedule_updated in the same transaction as the command write.
func (s *Service) UpdateCommand(ctx context.Context, id uuid.UUID, p Patch, actor uuid.UUID) (*Command, error) {
	return s.mutate(ctx, id, "medication.UpdateCommand", func(cmd *Command, now time.Time) ([]*Event, error) {
		if p.ExpectedVersion != nil && *p.ExpectedVersion != cmd.Metadata.Version {
			return nil, ErrVersionConflict
		}
		if cmd.Status.Current == StatusDiscontinued {
			return nil, ErrCommandDiscontinued
		}

		var changes []string
		setString := func(field string, dst *string, v *string) {
			if v != nil && *v != *dst {
				*dst = *v
				changes = append(changes, field)
			}
		}
		setString("name", &cmd.Name, p.Name)
		setString("dosage", &cmd.Dosage, p.Dosage)
		setString("doseUnit", &cmd.DoseUnit, p.DoseUnit)
		setString("route", &cmd.Route, p.Route)
		setString("instructions", &cmd.Instructions, p.Instructions)
		if p.DoseAmount != nil && *p.DoseAmount != cmd.DoseAmount {
			cmd.DoseAmount = *p.DoseAmount
			changes = append(changes, "doseAmount")
		}
		if p.Reminders != nil {
			cmd.Reminders = *p.Reminders
			changes = append(changes, "reminders")
		}
		if p.GracePeriod != nil {
			cmd.GracePeriod = *p.GracePeriod
			if cmd.GracePeriod.RiskClass == "" {
				cmd.GracePeriod.RiskClass = schedule.RiskStandard
			}
			changes = append(changes, "gracePeriod")
		}

		prev := cmd.Schedule.clone()
		if p.Schedule != nil {
			applyScheduleInput(cmd, *p.Schedule, now)
			changes = append(changes, "schedule")
		}
		if err := validateCommand(cmd); err != nil {
			return nil, err
		}
		if p.Schedule != nil {
			if err := s.compile(ctx, cmd); err != nil {
				return nil, err
			}
		}
		if len(changes) == 0 {
			return nil, nil
		}

		upd := s.newEvent(cmd, EventMedicationUpdated, actor, now)
		upd.EventData.Changes = changes
		events := []*Event{upd}
		if cmd.reviseSchedule(prev, now) {
			ev := s.newEvent(cmd, EventScheduleUpdated, actor, now)
			ev.EventData.OldTimes = prev.Times
			ev.EventData.NewTimes = cmd.Schedule.Times
			events = append(events, ev)
		}
		return events, nil
	})
}

var statusEvents = map[Status]EventType{
	StatusPaused:       EventMedicationPaused,
	StatusHeld:         EventMedicationHeld,
	StatusDiscontinued: EventMedicationDiscontinued,
	StatusActive:       EventMedicationResumed,
	StatusCompleted:    EventMedicationUpdated,
}

// ChangeStatus moves the command through its lifecycle. Pausing and resuming
// also record the matching schedule event.
func (s *Service) ChangeStatus(ctx context.Context, id uuid.UUID, to Status, actor uuid.UUID, reason string) (*Command, error) {
	if !to.Valid() {
		return nil, invalid("status", "unknown status %q", to)
	}
	return s.mutate(ctx, id, "medication.ChangeStatus", func(cmd *Command, now time.Time) ([]*Event, error) {
		from := cmd.Status.Current
		if !from.CanTransitionTo(to) {
			return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
		}
		if to == StatusActive && len(cmd.Schedule.Times) == 0 && cmd.Schedule.Frequency != schedule.FrequencyAsNeeded {
			return nil, invalid("schedule.times", "an active medication needs at least one dose time")
		}

		cmd.Status = StatusBlock{
			Current:   to,
			IsActive:  to == StatusActive,
			ChangedAt: now,
			ChangedBy: actor,
			Reason:    reason,
		}

		ev := s.newEvent(cmd, statusEvents[to], actor, now)
		ev.EventData.PreviousStatus = from
		ev.EventData.NewStatus = to
		ev.EventData.Reason = reason
		events := []*Event{ev}
		switch {
		case to == StatusPaused:
			events = append(events, s.newEvent(cmd, EventSchedulePaused, actor, now))
		case to == StatusActive && from == StatusPaused:
			events = append(events, s.newEvent(cmd, EventScheduleResumed, actor, now))
		}
		return events, nil
	})
}

// mutate loads the command, applies fn to a copy and writes it back with the
// version check, retrying on concurrent modification. fn returning no events
// means nothing changed.
func (s *Service) mutate(ctx context.Context, id uuid.UUID, op string, fn func(cmd *Command, now time.Time) ([]*Event, error)) (*Command, error) {
	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("command.id", id.String())))
	defer span.End()

	for attempt := 0; ; attempt++ {
		current, err := s.repo.GetCommand(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load command: %w", err)
		}
		next := current.Clone()
		now := s.clock.Now()

		events, err := fn(next, now)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			return current, nil
		}

		expected := current.Metadata.Version
		next.Metadata.Version = expected + 1
		next.Metadata.UpdatedAt = now

		err = s.repo.UpdateCommand(ctx, next, expected, events)
		if errors.Is(err, ErrVersionConflict) {
			s.metrics.Conflict()
			if attempt < s.retries {
				s.log.Debug("command version conflict, retrying",
					zap.String("command_id", id.String()), zap.Int("attempt", attempt+1))
				continue
			}
			span.SetStatus(codes.Error, "version conflict")
			return nil, err
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("update command: %w", err)
		}

		s.committed(ctx, next, events)
		return next, nil
	}
}

// AppendInput describes a dose or reminder event recorded against a command.
type AppendInput struct {
	CommandID    uuid.UUID  `json:"-"`
	Type         EventType  `json:"eventType"`
	ActorID      uuid.UUID  `json:"-"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
	At           *time.Time `json:"at,omitempty"`
	Data         EventData  `json:"eventData"`
	DedupeKey    string     `json:"-"`
}

// appendableTypes are the events that do not change the command document.
var appendableTypes = map[EventType]bool{
	EventDoseScheduled:        true,
	EventDoseTaken:            true,
	EventDoseMissed:           true,
	EventDoseSkipped:          true,
	EventDoseSnoozed:          true,
	EventDoseRescheduled:      true,
	EventReminderSent:         true,
	EventReminderAcknowledged: true,
	EventAlertTriggered:       true,
	EventGracePeriodExpired:   true,
	EventPatternDetected:      true,
}

// AppendEvent records a dose, reminder or alert event. Dose events get their
// timing classified against the resolved grace window; taken doses also get
// their dose percentage classified.
func (s *Service) AppendEvent(ctx context.Context, in AppendInput) (*Event, error) {
	ctx, span := s.tracer.Start(ctx, "medication.AppendEvent", trace.WithAttributes(
		attribute.String("command.id", in.CommandID.String()),
		attribute.String("event.type", string(in.Type)),
	))
	defer span.End()

	if !in.Type.Valid() {
		return nil, invalid("eventType", "unknown event type %q", in.Type)
	}
	if in.Type == EventDoseTakenUndone {
		return nil, invalid("eventType", "use the undo operation")
	}
	if !appendableTypes[in.Type] {
		return nil, invalid("eventType", "%s is recorded through the command lifecycle", in.Type)
	}

	cmd, err := s.repo.GetCommand(ctx, in.CommandID)
	if err != nil {
		return nil, fmt.Errorf("load command: %w", err)
	}
	if cmd.Status.Current == StatusDiscontinued && !in.Type.IsStatusChange() {
		return nil, ErrCommandDiscontinued
	}

	now := s.clock.Now()
	at := now
	if in.At != nil {
		at = in.At.UTC()
	}
	ev := s.newEvent(cmd, in.Type, in.ActorID, now)
	ev.EventData = in.Data
	ev.DedupeKey = in.DedupeKey
	ev.Timing.EventTimestamp = at

	if in.Type.IsDoseEvent() {
		sf := in.ScheduledFor
		if sf == nil && in.Type == EventDoseTaken && cmd.Schedule.Frequency == schedule.FrequencyAsNeeded {
			sf = &at
		}
		if sf == nil {
			return nil, invalid("scheduledFor", "is required for %s", in.Type)
		}
		scheduled := sf.UTC()
		if cmd.Schedule.Frequency != schedule.FrequencyAsNeeded && !cmd.HasDoseAt(scheduled) {
			return nil, invalid("scheduledFor", "%s is not a scheduled dose time", scheduled.Format(time.RFC3339))
		}
		ev.Timing = ClassifyTiming(scheduled, at, s.GraceFor(cmd, scheduled))

		if err := s.prepareDoseEvent(ctx, cmd, ev, at); err != nil {
			return nil, err
		}
	} else if in.ScheduledFor != nil {
		sf := in.ScheduledFor.UTC()
		ev.Timing.ScheduledFor = &sf
	}

	if err := s.repo.AppendEvents(ctx, cmd.ID, []*Event{ev}); err != nil {
		if errors.Is(err, ErrDuplicateEvent) && in.Type == EventDoseTaken && in.DedupeKey == "" {
			// A concurrent take of the same slot committed first.
			return nil, ErrDoseAlreadyTaken
		}
		if !errors.Is(err, ErrDuplicateEvent) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, fmt.Errorf("append %s: %w", in.Type, err)
	}
	s.committed(ctx, cmd, []*Event{ev})
	return ev, nil
}

func (s *Service) prepareDoseEvent(ctx context.Context, cmd *Command, ev *Event, at time.Time) error {
	switch ev.EventType {
	case EventDoseTaken:
		sf := *ev.Timing.ScheduledFor
		slot, takes, err := s.slotState(ctx, cmd, sf)
		if err != nil {
			return err
		}
		if slot != nil && (slot.Status == DoseStatusTaken || slot.Status == DoseStatusPartial) {
			return ErrDoseAlreadyTaken
		}
		if ev.DedupeKey == "" {
			// One take per slot per undo.
			ev.DedupeKey = fmt.Sprintf("taken:%d:%d", sf.Unix(), takes)
		}
		var prescribed *float64
		if cmd.DoseAmount > 0 {
			p := cmd.DoseAmount
			prescribed = &p
		}
		pct, class := ClassifyDose(ev.EventData.ActualDose, prescribed)
		ev.EventData.PrescribedDose = prescribed
		ev.EventData.DosePercentage = &pct
		ev.EventData.DoseClass = class
		if ev.EventData.ActualTime == nil {
			ev.EventData.ActualTime = &at
		}
	case EventDoseSkipped:
		if ev.EventData.SkipReason == "" {
			ev.EventData.SkipReason = "unspecified"
		}
	case EventDoseSnoozed:
		if ev.EventData.SnoozeMinutes <= 0 || ev.EventData.SnoozeMinutes > 24*60 {
			return invalid("eventData.snoozeMinutes", "must be between 1 and 1440")
		}
		until := at.Add(time.Duration(ev.EventData.SnoozeMinutes) * time.Minute)
		ev.EventData.SnoozedUntil = &until
	case EventDoseRescheduled:
		if ev.EventData.RescheduledTo == nil {
			return invalid("eventData.rescheduledTo", "is required")
		}
		to := ev.EventData.RescheduledTo.UTC()
		if !to.After(*ev.Timing.ScheduledFor) {
			return invalid("eventData.rescheduledTo", "must be after the scheduled time")
		}
		ev.EventData.RescheduledTo = &to
	}
	return nil
}

// UndoDose appends dose_taken_undone for a dose_taken event. The slot's derived
// status returns to corrected (missed, skipped or scheduled).
func (s *Service) UndoDose(ctx context.Context, commandID uuid.UUID, eventID string, corrected DoseStatus, actor uuid.UUID, reason string) (*Event, error) {
	ctx, span := s.tracer.Start(ctx, "medication.UndoDose")
	defer span.End()

	if corrected == "" {
		corrected = DoseStatusScheduled
	}
	if !corrected.CorrectionTarget() {
		return nil, invalid("correctedAction", "must be missed, skipped or scheduled")
	}

	orig, err := s.repo.GetEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("load event: %w", err)
	}
	if orig.CommandID != commandID {
		return nil, ErrEventNotFound
	}
	if orig.EventType != EventDoseTaken {
		return nil, invalid("eventId", "only dose_taken events can be undone")
	}
	if _, err := s.repo.FindUndo(ctx, commandID, eventID); err == nil {
		return nil, ErrAlreadyUndone
	} else if !errors.Is(err, ErrEventNotFound) {
		return nil, fmt.Errorf("check undo: %w", err)
	}

	cmd, err := s.repo.GetCommand(ctx, commandID)
	if err != nil {
		return nil, fmt.Errorf("load command: %w", err)
	}
	if cmd.Status.Current == StatusDiscontinued {
		return nil, ErrCommandDiscontinued
	}

	now := s.clock.Now()
	ev := s.newEvent(cmd, EventDoseTakenUndone, actor, now)
	if orig.Timing.ScheduledFor != nil {
		sf := *orig.Timing.ScheduledFor
		ev.Timing.ScheduledFor = &sf
	}
	ev.EventData.UndoesEventID = orig.ID
	ev.EventData.CorrectedAction = corrected
	ev.EventData.Reason = reason

	if err := s.repo.AppendEvents(ctx, cmd.ID, []*Event{ev}); err != nil {
		return nil, fmt.Errorf("append undo: %w", err)
	}
	s.committed(ctx, cmd, []*Event{ev})
	return ev, nil
}

// AcknowledgeReminder records that the recipient saw a reminder. Repeated
// acknowledgements of the same reminder are idempotent.
func (s *Service) AcknowledgeReminder(ctx context.Context, commandID uuid.UUID, reminderEventID string, actor uuid.UUID) (*Event, error) {
	rem, err := s.repo.GetEvent(ctx, reminderEventID)
	if err != nil {
		return nil, fmt.Errorf("load reminder: %w", err)
	}
	if rem.CommandID != commandID || rem.EventType != EventReminderSent {
		return nil, ErrEventNotFound
	}
	return s.AppendEvent(ctx, AppendInput{
		CommandID:    commandID,
		Type:         EventReminderAcknowledged,
		ActorID:      actor,
		ScheduledFor: rem.Timing.ScheduledFor,
		Data:         EventData{ReminderEventID: rem.ID},
		DedupeKey:    "ack:" + rem.ID,
	})
}

// RaiseAlert records an alert_triggered event, which the dispatcher fans out
// as an emergency.
func (s *Service) RaiseAlert(ctx context.Context, commandID uuid.UUID, message, priority string, actor uuid.UUID) (*Event, error) {
	if message == "" {
		return nil, invalid("message", "is required")
	}
	if priority == "" {
		priority = "emergency"
	}
	return s.AppendEvent(ctx, AppendInput{
		CommandID: commandID,
		Type:      EventAlertTriggered,
		ActorID:   actor,
		Data:      EventData{AlertMessage: message, Priority: priority},
	})
}

// RecordPattern appends pattern_detected once per key. It reports false when
// the pattern was already recorded.
func (s *Service) RecordPattern(ctx context.Context, commandID uuid.UUID, patternType, key string, details map[string]any) (bool, error) {
	_, err := s.AppendEvent(ctx, AppendInput{
		CommandID: commandID,
		Type:      EventPatternDetected,
		Data: EventData{
			PatternType:    patternType,
			PatternKey:     key,
			PatternDetails: details,
		},
		DedupeKey: "pattern:" + key,
	})
	switch {
	case errors.Is(err, ErrDuplicateEvent):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

func (s *Service) ListEvents(ctx context.Context, commandID uuid.UUID, f EventFilter) ([]*Event, error) {
	events, err := s.repo.ListEvents(ctx, commandID, f)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// GraceFor resolves the grace window for a dose of cmd at scheduled.
func (s *Service) GraceFor(cmd *Command, scheduled time.Time) int {
	loc := cmd.Location()
	return schedule.ResolveGrace(cmd.GracePeriod, schedule.ClockOf(scheduled, loc).String(), scheduled.In(loc), s.holidays)
}

// DayStatus folds the command's events into per-dose status for a local date.
func (s *Service) DayStatus(ctx context.Context, commandID uuid.UUID, date string) ([]DoseSlot, error) {
	cmd, err := s.repo.GetCommand(ctx, commandID)
	if err != nil {
		return nil, fmt.Errorf("load command: %w", err)
	}
	return s.dayStatus(ctx, cmd, date)
}

func (s *Service) dayStatus(ctx context.Context, cmd *Command, date string) ([]DoseSlot, error) {
	from, until, err := schedule.DayBounds(date, cmd.Location())
	if err != nil {
		return nil, invalid("date", "%v", err)
	}
	events, err := s.repo.ListEvents(ctx, cmd.ID, EventFilter{From: &from, Until: &until, IncludeArchived: true})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return FoldSlots(cmd, date, events, s.holidays), nil
}

type CommandDay struct {
	Command *Command   `json:"command"`
	Doses   []DoseSlot `json:"doses"`
}

// PatientDay returns every non-discontinued command of the patient with its
// dose status for the date.
func (s *Service) PatientDay(ctx context.Context, patientID uuid.UUID, date string) ([]CommandDay, error) {
	cmds, err := s.repo.ListCommandsByPatient(ctx, patientID, false)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	out := make([]CommandDay, 0, len(cmds))
	for _, cmd := range cmds {
		if cmd.Status.Current == StatusDiscontinued {
			continue
		}
		doses, err := s.dayStatus(ctx, cmd, date)
		if err != nil {
			return nil, err
		}
		out = append(out, CommandDay{Command: cmd, Doses: doses})
	}
	return out, nil
}

// slotState folds the single slot at scheduledFor and counts the dose_taken
// events recorded against it, undone ones included.
func (s *Service) slotState(ctx context.Context, cmd *Command, scheduledFor time.Time) (*DoseSlot, int, error) {
	from := scheduledFor
	until := scheduledFor.Add(time.Second)
	events, err := s.repo.ListEvents(ctx, cmd.ID, EventFilter{From: &from, Until: &until, IncludeArchived: true})
	if err != nil {
		return nil, 0, fmt.Errorf("list slot events: %w", err)
	}
	takes := 0
	for _, ev := range events {
		if ev.EventType == EventDoseTaken && ev.Timing.ScheduledFor != nil && ev.Timing.ScheduledFor.Equal(scheduledFor) {
			takes++
		}
	}
	date := schedule.LocalDate(scheduledFor, cmd.Location())
	for _, slot := range FoldSlots(cmd, date, events, s.holidays) {
		if slot.ScheduledFor.Equal(scheduledFor) {
			return &slot, takes, nil
		}
	}
	return nil, takes, nil
}

func (s *Service) newEvent(cmd *Command, t EventType, actor uuid.UUID, now time.Time) *Event {
	return &Event{
		ID:        ulid.Make().String(),
		CommandID: cmd.ID,
		PatientID: cmd.PatientID,
		EventType: t,
		ActorID:   actor,
		Timing:    Timing{EventTimestamp: now},
		CreatedAt: now,
	}
}

func (s *Service) committed(ctx context.Context, cmd *Command, events []*Event) {
	for _, ev := range events {
		s.metrics.EventAppended(string(ev.EventType))
		s.log.Debug("event appended",
			zap.String("event_id", ev.ID),
			zap.String("command_id", ev.CommandID.String()),
			zap.String("type", string(ev.EventType)),
			zap.Int64("version", ev.EventVersion),
		)
	}
	if s.listener != nil {
		s.listener.OnEvents(ctx, cmd, events)
	}
}

func applyScheduleInput(cmd *Command, in ScheduleInput, now time.Time) {
	cmd.Schedule = Schedule{
		Frequency:  in.Frequency,
		DaysOfWeek: in.DaysOfWeek,
		DayOfMonth: in.DayOfMonth,
		StartDate:  in.StartDate,
		EndDate:    in.EndDate,
		TimeZone:   in.TimeZone,
		Flexible:   in.Flexible,
		Source:     SourceBuckets,
	}
	flexible := in.Flexible != nil && in.Flexible.Enabled
	if in.Frequency == schedule.FrequencyCustom || (len(in.Times) > 0 && !flexible) {
		cmd.Schedule.Source = SourceCustom
		cmd.Schedule.Times = slices.Clone(in.Times)
	}
	if cmd.Schedule.StartDate == "" {
		cmd.Schedule.StartDate = schedule.LocalDate(now, cmd.Location())
	}
}

func validateCommand(cmd *Command) error {
	v := &ValidationError{}
	if cmd.Name == "" {
		v.Add("name", "is required")
	}
	if cmd.DoseAmount < 0 {
		v.Add("doseAmount", "must not be negative")
	}
	sc := cmd.Schedule
	if !sc.Frequency.Valid() {
		v.Add("schedule.frequency", "unknown frequency %q", sc.Frequency)
	}
	if _, err := schedule.LoadLocation(sc.TimeZone); err != nil {
		v.Add("schedule.timeZone", "unknown time zone %q", sc.TimeZone)
	}
	start, err := time.Parse(time.DateOnly, sc.StartDate)
	if err != nil {
		v.Add("schedule.startDate", "must be YYYY-MM-DD")
	}
	if sc.EndDate != "" {
		end, err := time.Parse(time.DateOnly, sc.EndDate)
		switch {
		case err != nil:
			v.Add("schedule.endDate", "must be YYYY-MM-DD")
		case end.Before(start):
			v.Add("schedule.endDate", "must not be before startDate")
		}
	}
	for _, d := range sc.DaysOfWeek {
		if d < 0 || d > 6 {
			v.Add("schedule.daysOfWeek", "days run 0 (Sunday) to 6")
			break
		}
	}
	if sc.DayOfMonth < 0 || sc.DayOfMonth > 31 {
		v.Add("schedule.dayOfMonth", "must be between 1 and 31")
	}
	if sc.Source == SourceCustom && len(sc.Times) == 0 {
		v.Add("schedule.times", "custom schedules need at least one time")
	}

	g := cmd.GracePeriod
	if !g.RiskClass.Valid() {
		v.Add("gracePeriod.riskClass", "unknown risk class %q", g.RiskClass)
	}
	if g.DefaultMinutes < 0 {
		v.Add("gracePeriod.defaultMinutes", "must not be negative")
	}
	if g.WeekendMultiplier < 0 || g.HolidayMultiplier < 0 {
		v.Add("gracePeriod", "multipliers must not be negative")
	}
	for slot, m := range g.SlotOverrides {
		if _, err := schedule.ParseClock(slot); err != nil || m < 0 {
			v.Add("gracePeriod.slotOverrides."+slot, "must map HH:MM to a non-negative multiplier")
		}
	}

	for _, m := range cmd.Reminders.MinutesBefore {
		if m < 0 || m > 24*60 {
			v.Add("reminders.minutesBefore", "must be between 0 and 1440")
			break
		}
	}
	for _, ch := range cmd.Reminders.Channels {
		switch ch {
		case "email", "sms", "push":
		default:
			v.Add("reminders.channels", "unknown channel %q", ch)
		}
	}
	return v.Err()
}

// compile resolves the command's dose times from its schedule inputs and the
// patient's bucket preferences, recording compiler warnings on the command.
func (s *Service) compile(ctx context.Context, cmd *Command) error {
	prefs, err := s.preferencesFor(ctx, cmd.PatientID)
	if err != nil {
		return err
	}
	req := schedule.Request{Frequency: cmd.Schedule.Frequency}
	if cmd.Schedule.Source == SourceCustom {
		req.CustomTimes = cmd.Schedule.Times
	}
	if f := cmd.Schedule.Flexible; f != nil {
		req.BucketOverrides = f.BucketOverrides
	}

	res, err := schedule.Compile(req, prefs)
	if err != nil {
		return invalid("schedule", "%v", err)
	}
	cmd.Schedule.Times = res.Times
	cmd.Schedule.Buckets = res.Buckets
	cmd.Metadata.Warnings = res.Warnings
	return nil
}
