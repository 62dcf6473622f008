package medication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/medication-adherence/internal/schedule"
)

func (s *Service) preferencesFor(ctx context.Context, patientID uuid.UUID) (schedule.Preferences, error) {
	p, err := s.GetPreferences(ctx, patientID)
	if err != nil {
		return schedule.Preferences{}, err
	}
	return *p, nil
}

// GetPreferences returns the patient's stored preferences, or the defaults
// (version 0) when none were saved.
func (s *Service) GetPreferences(ctx context.Context, patientID uuid.UUID) (*schedule.Preferences, error) {
	if s.prefs == nil {
		p := schedule.DefaultPreferences(patientID)
		return &p, nil
	}
	p, err := s.prefs.GetPreferences(ctx, patientID)
	if errors.Is(err, ErrPreferencesNotFound) {
		d := schedule.DefaultPreferences(patientID)
		return &d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get preferences: %w", err)
	}
	return p, nil
}

// UpdatePreferences validates and stores new bucket preferences, then
// recompiles every bucket-based medication of the patient whose times change.
func (s *Service) UpdatePreferences(ctx context.Context, patientID uuid.UUID, in schedule.Preferences, expectedVersion *int, actor uuid.UUID) (*schedule.Preferences, error) {
	if s.prefs == nil {
		return nil, errors.New("preferences storage is not configured")
	}
	warnings, err := in.Validate()
	if err != nil {
		return nil, invalid("preferences", "%v", err)
	}

	current, err := s.GetPreferences(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if expectedVersion != nil && *expectedVersion != current.Version {
		return nil, ErrVersionConflict
	}

	now := s.clock.Now()
	next := in.WithDefaults()
	next.ID = current.ID
	if next.ID == uuid.Nil {
		next.ID = uuid.New()
	}
	next.PatientID = patientID
	next.Warnings = warnings
	next.Version = current.Version + 1
	next.CreatedAt = current.CreatedAt
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	next.UpdatedAt = now

	if err := s.prefs.SavePreferences(ctx, &next, current.Version); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			s.metrics.Conflict()
			return nil, err
		}
		return nil, fmt.Errorf("save preferences: %w", err)
	}
	for _, w := range warnings {
		s.metrics.Warning(w.Code)
	}

	if err := s.recompilePatient(ctx, patientID, actor); err != nil {
		// Preferences are saved; commands keep their previous times until the
		// next successful recompile.
		s.log.Warn("recompile after preferences update",
			zap.String("patient_id", patientID.String()), zap.Error(err))
	}
	return &next, nil
}

func (s *Service) recompilePatient(ctx context.Context, patientID uuid.UUID, actor uuid.UUID) error {
	cmds, err := s.repo.ListCommandsByPatient(ctx, patientID, false)
	if err != nil {
		return fmt.Errorf("list commands: %w", err)
	}
	var errs []error
	for _, c := range cmds {
		if c.Status.Current == StatusDiscontinued || c.Schedule.Source != SourceBuckets {
			continue
		}
		_, err := s.mutate(ctx, c.ID, "medication.Recompile", func(cmd *Command, now time.Time) ([]*Event, error) {
			prev := cmd.Schedule.clone()
			if err := s.compile(ctx, cmd); err != nil {
				return nil, err
			}
			if !cmd.reviseSchedule(prev, now) {
				return nil, nil
			}
			ev := s.newEvent(cmd, EventScheduleUpdated, actor, now)
			ev.EventData.OldTimes = prev.Times
			ev.EventData.NewTimes = cmd.Schedule.Times
			ev.EventData.Reason = "preferences_updated"
			return []*Event{ev}, nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("command %s: %w", c.ID, err))
		}
	}
	return errors.Join(errs...)
}
