package notify

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/medication-adherence/internal/access"
	"github.com/hackgods/medication-adherence/internal/medication"
	"github.com/hackgods/medication-adherence/internal/schedule"
)

func TestMessageFor(t *testing.T) {
	sf := at("2026-03-10T08:00:00Z")
	cmd := &medication.Command{
		ID:        uuid.New(),
		PatientID: patientID,
		Name:      "Insulin",
		Reminders: medication.Reminders{Enabled: true, Channels: []string{"push"}, QuietHoursOverride: true},
	}

	msg, ok := MessageFor(cmd, &medication.Event{ID: "e1", EventType: medication.EventReminderSent, Timing: medication.Timing{ScheduledFor: &sf}})
	require.True(t, ok)
	assert.Equal(t, TypeDoseReminder, msg.Type)
	assert.True(t, msg.PatientOnly)
	assert.True(t, msg.BypassQuietHours)
	assert.Equal(t, []string{"push"}, msg.Channels)
	assert.Equal(t, "event:e1", msg.DedupeKey)

	msg, ok = MessageFor(cmd, &medication.Event{ID: "e2", EventType: medication.EventAlertTriggered, EventData: medication.EventData{AlertMessage: "chest pain"}})
	require.True(t, ok)
	assert.Equal(t, PriorityEmergency, msg.Priority)
	assert.Equal(t, "chest pain", msg.Text)

	msg, ok = MessageFor(cmd, &medication.Event{ID: "e3", EventType: medication.EventPatternDetected, EventData: medication.EventData{
		PatternType:    "consecutive_missed",
		PatternDetails: map[string]any{"count": float64(3)},
	}})
	require.True(t, ok)
	assert.Equal(t, "3 doses in a row were missed", msg.Text)

	_, ok = MessageFor(cmd, &medication.Event{ID: "e4", EventType: medication.EventDoseTaken})
	assert.False(t, ok)
}

func TestListener_MissedDoseReachesFamily(t *testing.T) {
	h := newHarness(t, "2026-03-10T09:00:00Z")
	h.dir.members = []*access.FamilyMember{
		member(daughter, "Maria", access.Permissions{CanReceiveNotifications: true}, access.Contact{Email: "maria@example.com"}),
	}

	repo := medication.NewMemoryRepository()
	h.clk.Set(at("2026-03-10T00:00:00Z"))
	svc := medication.NewService(medication.Deps{Repo: repo, Preferences: repo, Clock: h.clk})
	svc.SetListener(h.d)

	_, err := svc.CreateCommand(context.Background(), medication.CreateInput{
		PatientID: patientID,
		Name:      "Warfarin",
		Dosage:    "5mg",
		Schedule: medication.ScheduleInput{
			Frequency: schedule.FrequencyDaily,
			TimeZone:  "UTC",
			StartDate: "2026-03-10",
		},
	}, patientID)
	require.NoError(t, err)

	h.clk.Set(at("2026-03-10T09:00:00Z"))
	marked, err := svc.MarkMissedDoses(context.Background(), patientID)
	require.NoError(t, err)
	require.Equal(t, 1, marked)

	queued, err := h.repo.ListByPatient(context.Background(), patientID, 0)
	require.NoError(t, err)
	got := map[uuid.UUID][]string{}
	for _, n := range queued {
		assert.Equal(t, TypeMissedDose, n.Type)
		got[n.RecipientID] = append(got[n.RecipientID], n.Channel)
	}
	assert.ElementsMatch(t, []string{"email", "sms"}, got[patientID])
	assert.Equal(t, []string{"email"}, got[daughter])

	// Re-running the monitor is a no-op end to end.
	marked, err = svc.MarkMissedDoses(context.Background(), patientID)
	require.NoError(t, err)
	assert.Zero(t, marked)
	again, err := h.repo.ListByPatient(context.Background(), patientID, 0)
	require.NoError(t, err)
	assert.Len(t, again, len(queued))
}
