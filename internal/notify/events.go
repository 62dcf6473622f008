package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hackgods/medication-adherence/internal/access"
	"github.com/hackgods/medication-adherence/internal/medication"
)

var _ medication.EventListener = (*Dispatcher)(nil)

// OnEvents reacts to committed medication events. Delivery problems are
// logged here and never reach the caller that appended the events.
func (d *Dispatcher) OnEvents(ctx context.Context, cmd *medication.Command, events []*medication.Event) {
	for _, ev := range events {
		msg, ok := MessageFor(cmd, ev)
		if !ok {
			continue
		}
		if _, err := d.Dispatch(ctx, msg); err != nil {
			d.log.Error("dispatch event notification",
				zap.String("event_id", ev.ID),
				zap.String("event_type", string(ev.EventType)),
				zap.String("command_id", cmd.ID.String()),
				zap.Error(err),
			)
		}
	}
}

// MessageFor maps a medication event to the message it should raise, if any.
func MessageFor(cmd *medication.Command, ev *medication.Event) (Message, bool) {
	cmdID := cmd.ID
	msg := Message{
		PatientID:        cmd.PatientID,
		CommandID:        &cmdID,
		EventID:          ev.ID,
		MedicationName:   cmd.Name,
		Dosage:           cmd.Dosage,
		ScheduledFor:     ev.Timing.ScheduledFor,
		BypassQuietHours: cmd.Reminders.QuietHoursOverride,
		DedupeKey:        "event:" + ev.ID,
	}

	switch ev.EventType {
	case medication.EventReminderSent:
		msg.Type = TypeDoseReminder
		msg.Priority = PriorityNormal
		msg.PatientOnly = true
		msg.Channels = ev.EventData.Channels
		if len(msg.Channels) == 0 {
			msg.Channels = cmd.Reminders.Channels
		}
	case medication.EventDoseMissed:
		msg.Type = TypeMissedDose
		msg.Priority = PriorityHigh
		msg.Permission = access.PermNotify
	case medication.EventPatternDetected:
		msg.Type = TypePattern
		msg.Priority = PriorityNormal
		msg.Permission = access.PermNotify
		msg.Text = describePattern(ev.EventData.PatternType, ev.EventData.PatternDetails)
		msg.Details = ev.EventData.PatternDetails
	case medication.EventAlertTriggered:
		msg.Type = TypeEmergency
		msg.Priority = Priority(ev.EventData.Priority)
		switch msg.Priority {
		case PriorityLow, PriorityNormal, PriorityHigh:
		default:
			msg.Priority = PriorityEmergency
		}
		msg.Permission = access.PermNotify
		msg.Text = ev.EventData.AlertMessage
	default:
		return Message{}, false
	}
	return msg, true
}

func describePattern(kind string, details map[string]any) string {
	switch kind {
	case "consecutive_missed":
		return fmt.Sprintf("%v doses in a row were missed", details["count"])
	case "weekday_weekend_gap":
		return fmt.Sprintf("weekend adherence differs from weekdays by %v points", details["gap"])
	case "declining_trend":
		return "adherence has been declining over the past week"
	}
	return kind
}
