package medication

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/medication-adherence/internal/schedule"
)

// MarkMissedDoses appends dose_missed for every dose of the patient's active
// commands whose grace window closed before now without a recorded outcome.
// It scans the local yesterday and today, and is safe to re-run: each slot is
// keyed so a second pass finds nothing new.
func (s *Service) MarkMissedDoses(ctx context.Context, patientID uuid.UUID) (int, error) {
	cmds, err := s.repo.ListCommandsByPatient(ctx, patientID, true)
	if err != nil {
		return 0, fmt.Errorf("list commands: %w", err)
	}
	now := s.clock.Now()

	var (
		marked int
		errs   []error
	)
	for _, cmd := range cmds {
		if cmd.Schedule.Frequency == schedule.FrequencyAsNeeded {
			continue
		}
		slots, err := s.recentSlots(ctx, cmd, now, -1, 0)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, slot := range slots {
			if slot.Status != DoseStatusScheduled || slot.AdHoc || slot.ScheduledFor.Before(cmd.Metadata.CreatedAt) {
				continue
			}
			deadline := slot.EffectiveDue.Add(time.Duration(slot.GraceMinutes) * time.Minute)
			if !now.After(deadline) {
				continue
			}
			sf := slot.ScheduledFor
			_, err := s.AppendEvent(ctx, AppendInput{
				CommandID:    cmd.ID,
				Type:         EventDoseMissed,
				ScheduledFor: &sf,
				DedupeKey:    "missed:" + strconv.FormatInt(sf.Unix(), 10),
			})
			switch {
			case errors.Is(err, ErrDuplicateEvent):
			case err != nil:
				errs = append(errs, fmt.Errorf("command %s: %w", cmd.ID, err))
			default:
				marked++
			}
		}
	}
	if marked > 0 {
		s.log.Info("missed doses marked", zap.String("patient_id", patientID.String()), zap.Int("count", marked))
	}
	return marked, errors.Join(errs...)
}

// EmitReminders appends reminder_sent for every reminder offset that came due
// within (now-lookback, now] for a still-open dose. A snoozed or rescheduled
// dose is reminded again relative to its new due time.
func (s *Service) EmitReminders(ctx context.Context, patientID uuid.UUID, lookback time.Duration) (int, error) {
	cmds, err := s.repo.ListCommandsByPatient(ctx, patientID, true)
	if err != nil {
		return 0, fmt.Errorf("list commands: %w", err)
	}
	now := s.clock.Now()
	since := now.Add(-lookback)

	var (
		sent int
		errs []error
	)
	for _, cmd := range cmds {
		if !cmd.Reminders.Enabled || cmd.Schedule.Frequency == schedule.FrequencyAsNeeded {
			continue
		}
		offsets := cmd.Reminders.MinutesBefore
		if len(offsets) == 0 {
			offsets = []int{0}
		}
		slots, err := s.recentSlots(ctx, cmd, now, 0, 1)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, slot := range slots {
			if slot.Status != DoseStatusScheduled || slot.ScheduledFor.Before(cmd.Metadata.CreatedAt) {
				continue
			}
			for _, mb := range offsets {
				remindAt := slot.EffectiveDue.Add(-time.Duration(mb) * time.Minute)
				if remindAt.After(now) || !remindAt.After(since) {
					continue
				}
				sf := slot.ScheduledFor
				_, err := s.AppendEvent(ctx, AppendInput{
					CommandID:    cmd.ID,
					Type:         EventReminderSent,
					ScheduledFor: &sf,
					Data: EventData{
						MinutesBefore: mb,
						Channels:      cmd.Reminders.Channels,
					},
					DedupeKey: fmt.Sprintf("reminder:%d:%d:%d", sf.Unix(), slot.EffectiveDue.Unix(), mb),
				})
				switch {
				case errors.Is(err, ErrDuplicateEvent):
				case err != nil:
					errs = append(errs, fmt.Errorf("command %s: %w", cmd.ID, err))
				default:
					sent++
				}
			}
		}
	}
	return sent, errors.Join(errs...)
}

// recentSlots folds the command's doses for the local days now+fromDay through
// now+toDay.
func (s *Service) recentSlots(ctx context.Context, cmd *Command, now time.Time, fromDay, toDay int) ([]DoseSlot, error) {
	loc := cmd.Location()
	local := now.In(loc)
	first := schedule.LocalDate(local.AddDate(0, 0, fromDay), loc)
	last := schedule.LocalDate(local.AddDate(0, 0, toDay), loc)

	from, _, err := schedule.DayBounds(first, loc)
	if err != nil {
		return nil, err
	}
	_, until, err := schedule.DayBounds(last, loc)
	if err != nil {
		return nil, err
	}
	events, err := s.repo.ListEvents(ctx, cmd.ID, EventFilter{From: &from, Until: &until, IncludeArchived: true})
	if err != nil {
		return nil, fmt.Errorf("command %s: list events: %w", cmd.ID, err)
	}

	var out []DoseSlot
	for d := fromDay; d <= toDay; d++ {
		date := schedule.LocalDate(local.AddDate(0, 0, d), loc)
		out = append(out, FoldSlots(cmd, date, events, s.holidays)...)
	}
	return out, nil
}
