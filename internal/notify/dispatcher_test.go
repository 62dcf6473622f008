package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/medication-adherence/internal/access"
	"github.com/hackgods/medication-adherence/internal/clock"
	"github.com/hackgods/medication-adherence/internal/config"
)

var (
	patientID = uuid.MustParse("7d1e6a0c-2b3f-4c5d-8e9f-0a1b2c3d4e01")
	daughter  = uuid.MustParse("7d1e6a0c-2b3f-4c5d-8e9f-0a1b2c3d4e02")
	neighbour = uuid.MustParse("7d1e6a0c-2b3f-4c5d-8e9f-0a1b2c3d4e03")
	nephew    = uuid.MustParse("7d1e6a0c-2b3f-4c5d-8e9f-0a1b2c3d4e04")
	sibling   = uuid.MustParse("7d1e6a0c-2b3f-4c5d-8e9f-0a1b2c3d4e05")
)

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

type fakeDirectory struct {
	patient *access.Patient
	members []*access.FamilyMember
}

func (f *fakeDirectory) GetPatient(_ context.Context, id uuid.UUID) (*access.Patient, error) {
	if f.patient == nil || f.patient.ID != id {
		return nil, access.ErrPatientNotFound
	}
	return f.patient, nil
}

func (f *fakeDirectory) ListFamilyMembers(_ context.Context, _ uuid.UUID) ([]*access.FamilyMember, error) {
	return f.members, nil
}

// fakeGateway records sends and returns scripted errors in order.
type fakeGateway struct {
	channel string
	mu      sync.Mutex
	errs    []error
	sent    []Delivery
}

func (g *fakeGateway) Channel() string { return g.channel }

func (g *fakeGateway) Send(_ context.Context, d Delivery) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, d)
	if len(g.errs) > 0 {
		err := g.errs[0]
		g.errs = g.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return "msg-" + d.NotificationID.String()[:8], nil
}

func (g *fakeGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

type harness struct {
	d     *Dispatcher
	repo  *MemoryRepository
	clk   *clock.Fixed
	dir   *fakeDirectory
	email *fakeGateway
	sms   *fakeGateway
	push  *fakeGateway
}

func newHarness(t *testing.T, now string) *harness {
	t.Helper()
	h := &harness{
		repo:  NewMemoryRepository(),
		clk:   clock.NewFixed(at(now)),
		email: &fakeGateway{channel: "email"},
		sms:   &fakeGateway{channel: "sms"},
		push:  &fakeGateway{channel: "push"},
		dir: &fakeDirectory{
			patient: &access.Patient{
				ID:       patientID,
				Name:     "Rosa Alvarez",
				TimeZone: "UTC",
				Contact:  access.Contact{Email: "rosa@example.com", Phone: "+15550100"},
			},
		},
	}
	d, err := NewDispatcher(Deps{
		Repo:      h.repo,
		Directory: h.dir,
		Gateways:  map[string]Gateway{"email": h.email, "sms": h.sms, "push": h.push},
		Clock:     h.clk,
		Config:    config.NotifyConfig{MaxRetries: 3, BackoffStep: 5 * time.Minute, SendingTimeout: 10 * time.Minute},
	})
	require.NoError(t, err)
	h.d = d
	return h
}

func member(id uuid.UUID, name string, perms access.Permissions, contact access.Contact) *access.FamilyMember {
	return &access.FamilyMember{
		ID:          uuid.New(),
		PatientID:   patientID,
		MemberID:    id,
		Name:        name,
		Status:      access.LinkActive,
		Permissions: perms,
		Contact:     contact,
	}
}

func missedMessage() Message {
	sf := at("2026-03-10T08:00:00Z")
	return Message{
		Type:           TypeMissedDose,
		Priority:       PriorityHigh,
		PatientID:      patientID,
		MedicationName: "Warfarin",
		ScheduledFor:   &sf,
		Permission:     access.PermNotify,
		DedupeKey:      "event:01J0000000000000000000TEST",
	}
}

func recipients(ns []*Notification) map[uuid.UUID][]string {
	out := map[uuid.UUID][]string{}
	for _, n := range ns {
		out[n.RecipientID] = append(out[n.RecipientID], n.Channel)
	}
	return out
}

func TestDispatch_ResolvesRecipientsAndChannels(t *testing.T) {
	h := newHarness(t, "2026-03-10T09:00:00Z")
	inactive := member(nephew, "Leo", access.Permissions{CanReceiveNotifications: true}, access.Contact{Email: "leo@example.com"})
	inactive.Status = access.LinkInactive
	emergencyOnly := member(sibling, "Ana", access.Permissions{CanReceiveNotifications: true}, access.Contact{Phone: "+15550104"})
	emergencyOnly.Notifications.EmergencyOnly = true
	d := member(daughter, "Maria", access.Permissions{CanReceiveNotifications: true}, access.Contact{Email: "maria@example.com", Phone: "+15550102", PushToken: "tok-maria"})
	d.Notifications.Channels = []string{"sms", "push"}
	h.dir.members = []*access.FamilyMember{
		d,
		member(neighbour, "Sam", access.Permissions{CanViewMedications: true}, access.Contact{Email: "sam@example.com"}),
		inactive,
		emergencyOnly,
	}

	created, err := h.d.Dispatch(context.Background(), missedMessage())
	require.NoError(t, err)

	got := recipients(created)
	assert.Equal(t, map[uuid.UUID][]string{
		patientID: {"email", "sms"},
		daughter:  {"sms", "push"},
	}, got)
	for _, n := range created {
		assert.Equal(t, StatusPending, n.Status)
		assert.Equal(t, "Missed dose: Warfarin", n.Subject)
	}
	for _, n := range created {
		if n.RecipientID == daughter {
			assert.Contains(t, n.Body, "Rosa Alvarez's Warfarin dose")
		} else {
			assert.Contains(t, n.Body, "your Warfarin dose")
		}
	}

	again, err := h.d.Dispatch(context.Background(), missedMessage())
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestDispatch_QuietHoursDelaysUntilWindowEnd(t *testing.T) {
	h := newHarness(t, "2026-03-10T23:00:00Z")
	h.dir.patient.Contact = access.Contact{Email: "rosa@example.com"}
	h.dir.patient.Notifications.QuietHours = &access.QuietHours{Enabled: true, Start: "22:00", End: "07:00"}

	created, err := h.d.Dispatch(context.Background(), missedMessage())
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, at("2026-03-11T07:00:00Z"), created[0].NextAttemptAt)
	assert.True(t, created[0].QuietDelayed)

	n, err := h.d.ProcessDue(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, h.email.count())

	h.clk.Set(at("2026-03-11T07:00:00Z"))
	n, err = h.d.ProcessDue(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, h.email.count())

	stored, err := h.repo.Get(context.Background(), created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, stored.Status)
	assert.NotEmpty(t, stored.MessageID)
}

func TestQuietUntil(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	q := &access.QuietHours{Enabled: true, Start: "22:00", End: "07:00"}

	until, ok := QuietUntil(at("2026-03-11T06:30:00Z"), q, ny) // 02:30 EDT
	require.True(t, ok)
	assert.Equal(t, at("2026-03-11T11:00:00Z"), until.UTC())

	_, ok = QuietUntil(at("2026-03-11T16:00:00Z"), q, ny)
	assert.False(t, ok)

	_, ok = QuietUntil(at("2026-03-11T06:30:00Z"), &access.QuietHours{Start: "22:00", End: "07:00"}, ny)
	assert.False(t, ok, "disabled")
}

func TestDispatch_EmergencyBypassesQuietHoursAndPreferences(t *testing.T) {
	h := newHarness(t, "2026-03-10T23:00:00Z")
	h.dir.patient.Notifications = access.NotificationPreferences{
		Channels:   []string{"push"},
		QuietHours: &access.QuietHours{Enabled: true, Start: "22:00", End: "07:00"},
	}
	contact := member(neighbour, "Sam", access.Permissions{IsEmergencyContact: true}, access.Contact{Phone: "+15550103"})
	contact.Notifications.EmergencyOnly = true
	h.dir.members = []*access.FamilyMember{contact}

	created, err := h.d.Dispatch(context.Background(), Message{
		Type:      TypeEmergency,
		Priority:  PriorityEmergency,
		PatientID: patientID,
		Text:      "fell in the kitchen",
		DedupeKey: "alert-1",
	})
	require.NoError(t, err)

	assert.Equal(t, map[uuid.UUID][]string{
		patientID: {"email", "sms"},
		neighbour: {"sms"},
	}, recipients(created))
	assert.Equal(t, 1, h.email.count())
	assert.Equal(t, 2, h.sms.count())
	for _, n := range created {
		stored, err := h.repo.Get(context.Background(), n.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusDelivered, stored.Status)
		assert.False(t, stored.QuietDelayed)
	}
}

func TestDelivery_LinearBackoffThenTerminalFailure(t *testing.T) {
	h := newHarness(t, "2026-03-10T09:00:00Z")
	h.dir.patient.Contact = access.Contact{Email: "rosa@example.com"}
	transient := &GatewayError{Channel: "email", Retryable: true, Err: errors.New("connection reset")}
	h.email.errs = []error{transient, transient, transient, transient}

	created, err := h.d.Dispatch(context.Background(), missedMessage())
	require.NoError(t, err)
	require.Len(t, created, 1)
	id := created[0].ID

	start := at("2026-03-10T09:00:00Z")
	for i, wait := range []time.Duration{5, 10, 15} {
		n, err := h.d.ProcessDue(context.Background(), 10)
		require.NoError(t, err)
		require.Equal(t, 1, n, "attempt %d", i+1)

		stored, err := h.repo.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, StatusRetrying, stored.Status)
		assert.Equal(t, i+1, stored.Attempts)
		assert.Equal(t, h.clk.Now().Add(wait*time.Minute), stored.NextAttemptAt)

		h.clk.Set(stored.NextAttemptAt)
	}
	assert.Equal(t, start.Add(30*time.Minute), h.clk.Now())

	_, err = h.d.ProcessDue(context.Background(), 10)
	require.NoError(t, err)
	stored, err := h.repo.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, 4, stored.Attempts)
	assert.Len(t, stored.History, 4)
	assert.Contains(t, stored.LastError, "connection reset")
}

func TestDelivery_TerminalErrorFailsImmediately(t *testing.T) {
	h := newHarness(t, "2026-03-10T09:00:00Z")
	h.dir.patient.Contact = access.Contact{Phone: "+15550100"}
	h.sms.errs = []error{&GatewayError{Channel: "sms", Err: errors.New("invalid number")}}

	created, err := h.d.Dispatch(context.Background(), missedMessage())
	require.NoError(t, err)
	_, err = h.d.ProcessDue(context.Background(), 10)
	require.NoError(t, err)

	stored, err := h.repo.Get(context.Background(), created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
}

func TestRecoverStuck(t *testing.T) {
	h := newHarness(t, "2026-03-10T09:00:00Z")
	h.dir.patient.Contact = access.Contact{Email: "rosa@example.com"}
	created, err := h.d.Dispatch(context.Background(), missedMessage())
	require.NoError(t, err)

	// Claimed, then the worker died before recording an outcome.
	claimed, err := h.repo.ClaimDue(context.Background(), h.clk.Now(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	h.clk.Advance(5 * time.Minute)
	n, err := h.d.RecoverStuck(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, n, "still within the sending timeout")

	h.clk.Advance(6 * time.Minute)
	n, err = h.d.RecoverStuck(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := h.repo.Get(context.Background(), created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, stored.Status)
	assert.Equal(t, 1, stored.Attempts)

	sent, err := h.d.ProcessDue(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, h.email.count())
}

func TestDispatch_UnknownPatient(t *testing.T) {
	h := newHarness(t, "2026-03-10T09:00:00Z")
	msg := missedMessage()
	msg.PatientID = uuid.New()
	_, err := h.d.Dispatch(context.Background(), msg)
	assert.ErrorIs(t, err, access.ErrPatientNotFound)
}
