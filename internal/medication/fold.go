package medication

import (
	"sort"
	"time"

	"github.com/hackgods/medication-adherence/internal/schedule"
)

type DoseStatus string

const (
	DoseStatusScheduled DoseStatus = "scheduled"
	DoseStatusTaken     DoseStatus = "taken"
	DoseStatusPartial   DoseStatus = "partial"
	DoseStatusMissed    DoseStatus = "missed"
	DoseStatusSkipped   DoseStatus = "skipped"
)

// CorrectionTarget reports whether an undo may restore the slot to s.
func (s DoseStatus) CorrectionTarget() bool {
	switch s {
	case DoseStatusMissed, DoseStatusSkipped, DoseStatusScheduled:
		return true
	}
	return false
}

// DoseSlot is the derived state of one scheduled dose.
type DoseSlot struct {
	ScheduledFor time.Time  `json:"scheduledFor"`
	Time         string     `json:"time"`
	Status       DoseStatus `json:"status"`
	EventID      string     `json:"eventId,omitempty"`
	TakenAt      *time.Time `json:"takenAt,omitempty"`
	DoseClass    DoseClass  `json:"doseClass,omitempty"`
	Timing       *Timing    `json:"timing,omitempty"`
	SnoozedUntil *time.Time `json:"snoozedUntil,omitempty"`
	// EffectiveDue moves with snoozes and reschedules; missed detection and
	// reminders run off it.
	EffectiveDue time.Time `json:"effectiveDue"`
	GraceMinutes int       `json:"graceMinutes"`
	AdHoc        bool      `json:"adHoc,omitempty"`
}

// FoldSlots derives the status of each dose of cmd on a local ISO date from the
// command's events. Events must belong to cmd; order does not matter.
func FoldSlots(cmd *Command, date string, events []*Event, holidays schedule.Holidays) []DoseSlot {
	loc := cmd.Location()
	start, end, err := schedule.DayBounds(date, loc)
	if err != nil {
		return nil
	}

	slots := make(map[int64]*DoseSlot)
	history := make(map[int64][]DoseSlot)

	ensure := func(at time.Time, adHoc bool) *DoseSlot {
		key := at.Unix()
		if s, ok := slots[key]; ok {
			return s
		}
		hhmm := schedule.ClockOf(at, loc).String()
		s := &DoseSlot{
			ScheduledFor: at,
			Time:         hhmm,
			Status:       DoseStatusScheduled,
			EffectiveDue: at,
			GraceMinutes: schedule.ResolveGrace(cmd.GracePeriod, hhmm, at.In(loc), holidays),
			AdHoc:        adHoc,
		}
		slots[key] = s
		return s
	}

	for _, at := range cmd.DoseTimesOn(date) {
		ensure(at, false)
	}
	// A slot first seen through an event is off the schedule (as-needed doses).

	ordered := make([]*Event, 0, len(events))
	for _, ev := range events {
		if ev.CommandID == cmd.ID {
			ordered = append(ordered, ev)
		}
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].EventVersion < ordered[j].EventVersion })

	for _, ev := range ordered {
		sf := ev.Timing.ScheduledFor
		if sf == nil || sf.Before(start) || !sf.Before(end) {
			continue
		}
		switch ev.EventType {
		case EventDoseTaken:
			s := ensure(*sf, true)
			history[sf.Unix()] = append(history[sf.Unix()], *s)
			s.Status = DoseStatusTaken
			if ev.EventData.DoseClass == DosePartial {
				s.Status = DoseStatusPartial
			}
			s.EventID = ev.ID
			s.DoseClass = ev.EventData.DoseClass
			taken := ev.Timing.EventTimestamp
			if ev.EventData.ActualTime != nil {
				taken = *ev.EventData.ActualTime
			}
			s.TakenAt = &taken
			timing := ev.Timing
			s.Timing = &timing
		case EventDoseMissed:
			s := ensure(*sf, true)
			if s.Status == DoseStatusScheduled {
				s.Status = DoseStatusMissed
				s.EventID = ev.ID
			}
		case EventDoseSkipped:
			s := ensure(*sf, true)
			s.Status = DoseStatusSkipped
			s.EventID = ev.ID
		case EventDoseSnoozed:
			s := ensure(*sf, true)
			if until := ev.EventData.SnoozedUntil; until != nil {
				u := *until
				s.SnoozedUntil = &u
				if u.After(s.EffectiveDue) {
					s.EffectiveDue = u
				}
			}
		case EventDoseRescheduled:
			s := ensure(*sf, true)
			if to := ev.EventData.RescheduledTo; to != nil {
				s.EffectiveDue = *to
			}
		case EventDoseTakenUndone:
			key := sf.Unix()
			s, ok := slots[key]
			if !ok || s.EventID != ev.EventData.UndoesEventID {
				continue
			}
			stack := history[key]
			prev := DoseSlot{
				ScheduledFor: s.ScheduledFor,
				Time:         s.Time,
				EffectiveDue: s.ScheduledFor,
				GraceMinutes: s.GraceMinutes,
				AdHoc:        s.AdHoc,
			}
			if n := len(stack); n > 0 {
				prev = stack[n-1]
				history[key] = stack[:n-1]
			}
			prev.Status = ev.EventData.CorrectedAction
			*s = prev
			if s.AdHoc && s.Status == DoseStatusScheduled {
				delete(slots, key)
			}
		}
	}

	out := make([]DoseSlot, 0, len(slots))
	for _, s := range slots {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out
}
