package medication

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/medication-adherence/internal/schedule"
)

type Status string

const (
	StatusActive       Status = "active"
	StatusPaused       Status = "paused"
	StatusHeld         Status = "held"
	StatusDiscontinued Status = "discontinued"
	StatusCompleted    Status = "completed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusHeld, StatusDiscontinued, StatusCompleted:
		return true
	}
	return false
}

// allowedTransitions lists the statuses reachable from each status. Discontinued
// is terminal; commands are never hard-deleted.
var allowedTransitions = map[Status][]Status{
	StatusActive:    {StatusPaused, StatusHeld, StatusDiscontinued, StatusCompleted},
	StatusPaused:    {StatusActive, StatusHeld, StatusDiscontinued, StatusCompleted},
	StatusHeld:      {StatusActive, StatusPaused, StatusDiscontinued, StatusCompleted},
	StatusCompleted: {StatusActive, StatusDiscontinued},
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

const (
	SourceBuckets = "buckets"
	SourceCustom  = "custom"
)

type Schedule struct {
	Frequency  schedule.Frequency `json:"frequency"`
	Times      []string           `json:"times"`
	Buckets    []string           `json:"buckets,omitempty"`
	Source     string             `json:"source"`
	DaysOfWeek []int              `json:"daysOfWeek,omitempty"` // 0 = Sunday
	DayOfMonth int                `json:"dayOfMonth,omitempty"`
	StartDate  string             `json:"startDate"`
	EndDate    string             `json:"endDate,omitempty"`
	TimeZone   string             `json:"timeZone"`
	Flexible   *FlexibleSchedule  `json:"flexible,omitempty"`
}

// ScheduleRevision is a schedule that stopped applying at Until.
type ScheduleRevision struct {
	Schedule Schedule  `json:"schedule"`
	Until    time.Time `json:"until"`
}

// FlexibleSchedule ties a medication to the patient's time buckets.
type FlexibleSchedule struct {
	Enabled         bool              `json:"enabled"`
	BucketOverrides map[string]string `json:"bucketOverrides,omitempty"`
}

type Reminders struct {
	Enabled            bool     `json:"enabled"`
	MinutesBefore      []int    `json:"minutesBefore,omitempty"`
	Channels           []string `json:"channels,omitempty"`
	QuietHoursOverride bool     `json:"quietHoursOverride,omitempty"`
}

type StatusBlock struct {
	Current   Status    `json:"current"`
	IsActive  bool      `json:"isActive"`
	ChangedAt time.Time `json:"changedAt"`
	ChangedBy uuid.UUID `json:"changedBy"`
	Reason    string    `json:"reason,omitempty"`
}

type Metadata struct {
	Version   int                `json:"version"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
	CreatedBy uuid.UUID          `json:"createdBy"`
	Warnings  []schedule.Warning `json:"warnings,omitempty"`
}

// Command is the single authoritative mutable record of a medication
// (collection medication_commands).
type Command struct {
	ID              uuid.UUID            `json:"id"`
	PatientID       uuid.UUID            `json:"patientId"`
	Name            string               `json:"name"`
	Dosage          string               `json:"dosage"`
	DoseAmount      float64              `json:"doseAmount,omitempty"`
	DoseUnit        string               `json:"doseUnit,omitempty"`
	Route           string               `json:"route,omitempty"`
	Instructions    string               `json:"instructions,omitempty"`
	Schedule        Schedule             `json:"schedule"`
	// ScheduleHistory holds replaced schedules, oldest first. Doses before the
	// last revision's Until are derived from the schedule in force at the time.
	ScheduleHistory []ScheduleRevision   `json:"scheduleHistory,omitempty"`
	Reminders       Reminders            `json:"reminders"`
	GracePeriod     schedule.GracePolicy `json:"gracePeriod"`
	Status          StatusBlock          `json:"status"`
	Metadata        Metadata             `json:"metadata"`
}

func (c *Command) Location() *time.Location {
	loc, err := schedule.LoadLocation(c.Schedule.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Command) Clone() *Command {
	out := *c
	out.Schedule = c.Schedule.clone()
	if c.ScheduleHistory != nil {
		out.ScheduleHistory = make([]ScheduleRevision, len(c.ScheduleHistory))
		for i, rev := range c.ScheduleHistory {
			out.ScheduleHistory[i] = ScheduleRevision{Schedule: rev.Schedule.clone(), Until: rev.Until}
		}
	}
	out.Reminders.MinutesBefore = append([]int(nil), c.Reminders.MinutesBefore...)
	out.Reminders.Channels = append([]string(nil), c.Reminders.Channels...)
	if c.GracePeriod.SlotOverrides != nil {
		out.GracePeriod.SlotOverrides = make(map[string]float64, len(c.GracePeriod.SlotOverrides))
		for k, v := range c.GracePeriod.SlotOverrides {
			out.GracePeriod.SlotOverrides[k] = v
		}
	}
	out.Metadata.Warnings = append([]schedule.Warning(nil), c.Metadata.Warnings...)
	return &out
}

func (s Schedule) clone() Schedule {
	out := s
	out.Times = append([]string(nil), s.Times...)
	out.Buckets = append([]string(nil), s.Buckets...)
	out.DaysOfWeek = append([]int(nil), s.DaysOfWeek...)
	if s.Flexible != nil {
		f := *s.Flexible
		f.BucketOverrides = cloneStringMap(s.Flexible.BucketOverrides)
		out.Flexible = &f
	}
	return out
}

// samePlan reports whether both schedules produce the same dose instants.
func (s Schedule) samePlan(o Schedule) bool {
	return s.Frequency == o.Frequency &&
		slices.Equal(s.Times, o.Times) &&
		slices.Equal(s.DaysOfWeek, o.DaysOfWeek) &&
		s.DayOfMonth == o.DayOfMonth &&
		s.StartDate == o.StartDate &&
		s.EndDate == o.EndDate &&
		s.TimeZone == o.TimeZone
}

// reviseSchedule records prev as replaced at now when the current schedule
// yields different doses. It reports whether a revision was recorded.
func (c *Command) reviseSchedule(prev Schedule, now time.Time) bool {
	if prev.samePlan(c.Schedule) {
		return false
	}
	c.ScheduleHistory = append(c.ScheduleHistory, ScheduleRevision{Schedule: prev, Until: now})
	return true
}

// DueOn reports whether the schedule has doses on the local calendar day.
func (s Schedule) DueOn(day time.Time) bool {
	if s.Frequency == schedule.FrequencyAsNeeded {
		return false
	}
	date := day.Format(time.DateOnly)
	if s.StartDate != "" && date < s.StartDate {
		return false
	}
	if s.EndDate != "" && date > s.EndDate {
		return false
	}

	switch s.Frequency {
	case schedule.FrequencyWeekly:
		days := s.DaysOfWeek
		if len(days) == 0 {
			if start, err := time.Parse(time.DateOnly, s.StartDate); err == nil {
				days = []int{int(start.Weekday())}
			}
		}
		for _, d := range days {
			if int(day.Weekday()) == d {
				return true
			}
		}
		return false
	case schedule.FrequencyMonthly:
		dom := s.DayOfMonth
		if dom == 0 {
			if start, err := time.Parse(time.DateOnly, s.StartDate); err == nil {
				dom = start.Day()
			} else {
				dom = 1
			}
		}
		last := time.Date(day.Year(), day.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
		if dom > last {
			dom = last
		}
		return day.Day() == dom
	}
	return true
}

// DoseTimesOn returns the absolute dose instants on an ISO local date. Each
// instant comes from the schedule in force at that instant, so a schedule
// edit never changes the doses that came before it.
func (c *Command) DoseTimesOn(date string) []time.Time {
	start, end, err := schedule.DayBounds(date, c.Location())
	if err != nil {
		return nil
	}
	var (
		out  []time.Time
		from time.Time
	)
	for _, rev := range c.ScheduleHistory {
		out = appendDoseTimes(out, rev.Schedule, date, from, rev.Until, start, end)
		from = rev.Until
	}
	out = appendDoseTimes(out, c.Schedule, date, from, time.Time{}, start, end)
	slices.SortFunc(out, time.Time.Compare)
	return out
}

// HasDoseAt reports whether t is one of the command's scheduled dose instants.
func (c *Command) HasDoseAt(t time.Time) bool {
	return slices.ContainsFunc(c.DoseTimesOn(schedule.LocalDate(t, c.Location())), t.Equal)
}

// appendDoseTimes adds the doses of s on date that fall inside [from, until)
// and inside the day [start, end). A zero until leaves the window open.
func appendDoseTimes(out []time.Time, s Schedule, date string, from, until, start, end time.Time) []time.Time {
	loc, err := schedule.LoadLocation(s.TimeZone)
	if err != nil {
		loc = time.UTC
	}
	day, err := time.ParseInLocation(time.DateOnly, date, loc)
	if err != nil || !s.DueOn(day) {
		return out
	}
	for _, raw := range s.Times {
		ct, err := schedule.ParseClock(raw)
		if err != nil {
			continue
		}
		at := ct.On(day, loc)
		if at.Before(from) || (!until.IsZero() && !at.Before(until)) {
			continue
		}
		if at.Before(start) || !at.Before(end) {
			continue
		}
		out = append(out, at)
	}
	return out
}

type EventType string

const (
	EventMedicationCreated      EventType = "medication_created"
	EventMedicationUpdated      EventType = "medication_updated"
	EventMedicationDeleted      EventType = "medication_deleted"
	EventScheduleCreated        EventType = "schedule_created"
	EventScheduleUpdated        EventType = "schedule_updated"
	EventSchedulePaused         EventType = "schedule_paused"
	EventScheduleResumed        EventType = "schedule_resumed"
	EventDoseScheduled          EventType = "dose_scheduled"
	EventDoseTaken              EventType = "dose_taken"
	EventDoseMissed             EventType = "dose_missed"
	EventDoseSkipped            EventType = "dose_skipped"
	EventDoseSnoozed            EventType = "dose_snoozed"
	EventDoseRescheduled        EventType = "dose_rescheduled"
	EventMedicationPaused       EventType = "medication_paused"
	EventMedicationResumed      EventType = "medication_resumed"
	EventMedicationHeld         EventType = "medication_held"
	EventMedicationDiscontinued EventType = "medication_discontinued"
	EventReminderSent           EventType = "reminder_sent"
	EventReminderAcknowledged   EventType = "reminder_acknowledged"
	EventAlertTriggered         EventType = "alert_triggered"
	EventGracePeriodExpired     EventType = "grace_period_expired"
	EventDoseTakenUndone        EventType = "dose_taken_undone"
	EventPatternDetected        EventType = "pattern_detected"
)

var knownEventTypes = map[EventType]bool{
	EventMedicationCreated: true, EventMedicationUpdated: true, EventMedicationDeleted: true,
	EventScheduleCreated: true, EventScheduleUpdated: true, EventSchedulePaused: true, EventScheduleResumed: true,
	EventDoseScheduled: true, EventDoseTaken: true, EventDoseMissed: true, EventDoseSkipped: true,
	EventDoseSnoozed: true, EventDoseRescheduled: true,
	EventMedicationPaused: true, EventMedicationResumed: true, EventMedicationHeld: true, EventMedicationDiscontinued: true,
	EventReminderSent: true, EventReminderAcknowledged: true, EventAlertTriggered: true,
	EventGracePeriodExpired: true, EventDoseTakenUndone: true, EventPatternDetected: true,
}

func (t EventType) Valid() bool { return knownEventTypes[t] }

// IsDoseEvent reports whether the event concerns a single scheduled dose and
// therefore carries timing classification.
func (t EventType) IsDoseEvent() bool {
	switch t {
	case EventDoseScheduled, EventDoseTaken, EventDoseMissed, EventDoseSkipped,
		EventDoseSnoozed, EventDoseRescheduled, EventGracePeriodExpired:
		return true
	}
	return false
}

// IsStatusChange reports event types that are accepted even on discontinued commands.
func (t EventType) IsStatusChange() bool {
	switch t {
	case EventMedicationPaused, EventMedicationResumed, EventMedicationHeld,
		EventMedicationDiscontinued, EventSchedulePaused, EventScheduleResumed:
		return true
	}
	return false
}

type DoseClass string

const (
	DoseFull     DoseClass = "full"
	DosePartial  DoseClass = "partial"
	DoseAdjusted DoseClass = "adjusted"
)

// EventData is the type-specific payload. Only the fields relevant to the
// event type are populated.
type EventData struct {
	ActualTime     *time.Time `json:"actualTime,omitempty"`
	ActualDose     *float64   `json:"actualDose,omitempty"`
	PrescribedDose *float64   `json:"prescribedDose,omitempty"`
	DosePercentage *float64   `json:"dosePercentage,omitempty"`
	DoseClass      DoseClass  `json:"doseClass,omitempty"`

	SkipReason    string     `json:"skipReason,omitempty"`
	SnoozeMinutes int        `json:"snoozeMinutes,omitempty"`
	SnoozedUntil  *time.Time `json:"snoozedUntil,omitempty"`
	RescheduledTo *time.Time `json:"rescheduledTo,omitempty"`
	Notes         string     `json:"notes,omitempty"`

	UndoesEventID   string     `json:"undoesEventId,omitempty"`
	CorrectedAction DoseStatus `json:"correctedAction,omitempty"`

	PreviousStatus Status `json:"previousStatus,omitempty"`
	NewStatus      Status `json:"newStatus,omitempty"`
	Reason         string `json:"reason,omitempty"`

	OldTimes []string `json:"oldTimes,omitempty"`
	NewTimes []string `json:"newTimes,omitempty"`
	Changes  []string `json:"changes,omitempty"`

	MinutesBefore   int      `json:"minutesBefore,omitempty"`
	Channels        []string `json:"channels,omitempty"`
	ReminderEventID string   `json:"reminderEventId,omitempty"`

	PatternType    string         `json:"patternType,omitempty"`
	PatternKey     string         `json:"patternKey,omitempty"`
	PatternDetails map[string]any `json:"patternDetails,omitempty"`

	AlertMessage string `json:"alertMessage,omitempty"`
	Priority     string `json:"priority,omitempty"`
}

type TimingCategory string

const (
	TimingEarly    TimingCategory = "early"
	TimingOnTime   TimingCategory = "on_time"
	TimingLate     TimingCategory = "late"
	TimingVeryLate TimingCategory = "very_late"
)

type Timing struct {
	ScheduledFor   *time.Time     `json:"scheduledFor,omitempty"`
	EventTimestamp time.Time      `json:"eventTimestamp"`
	GraceMinutes   int            `json:"graceMinutes,omitempty"`
	GraceWindowEnd *time.Time     `json:"graceWindowEnd,omitempty"`
	MinutesLate    int            `json:"minutesLate"`
	IsOnTime       bool           `json:"isOnTime"`
	VeryLate       bool           `json:"veryLate,omitempty"`
	Category       TimingCategory `json:"category,omitempty"`
}

type ArchiveStatus struct {
	IsArchived  bool       `json:"isArchived"`
	ArchivedAt  *time.Time `json:"archivedAt,omitempty"`
	ArchiveDate string     `json:"archiveDate,omitempty"`
	SummaryID   *uuid.UUID `json:"summaryId,omitempty"`
}

// Event is an immutable record of something that happened to a command
// (collection medication_events). Only ArchiveStatus changes after append.
type Event struct {
	ID            string        `json:"id"`
	CommandID     uuid.UUID     `json:"commandId"`
	PatientID     uuid.UUID     `json:"patientId"`
	EventType     EventType     `json:"eventType"`
	EventVersion  int64         `json:"eventVersion"`
	EventData     EventData     `json:"eventData"`
	Timing        Timing        `json:"timing"`
	ActorID       uuid.UUID     `json:"actorId"`
	DedupeKey     string        `json:"dedupeKey,omitempty"`
	ArchiveStatus ArchiveStatus `json:"archiveStatus"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// OccurredAt is the instant the event is filed under: the dose slot for dose
// events, otherwise the event timestamp.
func (e *Event) OccurredAt() time.Time {
	if e.Timing.ScheduledFor != nil {
		return *e.Timing.ScheduledFor
	}
	return e.Timing.EventTimestamp
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
