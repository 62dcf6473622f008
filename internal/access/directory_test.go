package access

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/medication-adherence/internal/clock"
)

func newDirectory(t *testing.T) (*Directory, *Patient) {
	t.Helper()
	d := NewDirectory(NewMemoryRepository(), clock.NewFixed(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)), nil)
	p, err := d.CreatePatient(context.Background(), PatientInput{
		Name:     "Ada Patient",
		Contact:  Contact{Email: "ada@example.com"},
		TimeZone: "Europe/London",
	})
	require.NoError(t, err)
	return d, p
}

func TestAuthorize(t *testing.T) {
	d, p := newDirectory(t)
	ctx := context.Background()

	viewer := uuid.New()
	_, err := d.LinkFamilyMember(ctx, p.ID, MemberInput{
		MemberID:    viewer,
		Name:        "Viewer",
		Permissions: Permissions{CanViewMedications: true},
	})
	require.NoError(t, err)

	editor := uuid.New()
	_, err = d.LinkFamilyMember(ctx, p.ID, MemberInput{
		MemberID:    editor,
		Name:        "Editor",
		Permissions: Permissions{CanEditMedications: true},
	})
	require.NoError(t, err)

	inactive := uuid.New()
	_, err = d.LinkFamilyMember(ctx, p.ID, MemberInput{
		MemberID:    inactive,
		Name:        "Former",
		Status:      LinkInactive,
		Permissions: Permissions{CanEditMedications: true},
	})
	require.NoError(t, err)

	cases := []struct {
		name    string
		subject uuid.UUID
		perm    Permission
		allowed bool
	}{
		{"patient on self", p.ID, PermEdit, true},
		{"viewer views", viewer, PermView, true},
		{"viewer edits", viewer, PermEdit, false},
		{"editor views", editor, PermView, true},
		{"editor edits", editor, PermEdit, true},
		{"inactive link", inactive, PermView, false},
		{"stranger", uuid.New(), PermView, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := d.Authorize(ctx, tc.subject, p.ID, tc.perm)
			if tc.allowed {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrForbidden)
			var aerr *AuthorizationError
			assert.True(t, errors.As(err, &aerr))
		})
	}
}

func TestLinkFamilyMember_UpsertKeepsIdentity(t *testing.T) {
	d, p := newDirectory(t)
	ctx := context.Background()
	member := uuid.New()

	first, err := d.LinkFamilyMember(ctx, p.ID, MemberInput{MemberID: member, Name: "Sam"})
	require.NoError(t, err)
	assert.Equal(t, LinkActive, first.Status)

	second, err := d.LinkFamilyMember(ctx, p.ID, MemberInput{
		MemberID:    member,
		Name:        "Sam",
		Permissions: Permissions{CanReceiveNotifications: true},
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	members, err := d.ListFamilyMembers(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.True(t, members[0].Permissions.CanReceiveNotifications)
}

func TestLinkFamilyMember_Validation(t *testing.T) {
	d, p := newDirectory(t)
	ctx := context.Background()

	_, err := d.LinkFamilyMember(ctx, p.ID, MemberInput{MemberID: p.ID, Name: "Self"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "memberId", verr.Field)

	_, err = d.LinkFamilyMember(ctx, p.ID, MemberInput{
		MemberID:      uuid.New(),
		Name:          "Night owl",
		Notifications: NotificationPreferences{QuietHours: &QuietHours{Enabled: true, Start: "10pm", End: "07:00"}},
	})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "notifications.quietHours.start", verr.Field)

	_, err = d.LinkFamilyMember(ctx, uuid.New(), MemberInput{MemberID: uuid.New(), Name: "Orphan"})
	assert.ErrorIs(t, err, ErrPatientNotFound)
}

func TestContactChannels(t *testing.T) {
	c := Contact{Email: "a@example.com", PushToken: "tok"}
	assert.True(t, c.Has(ChannelEmail))
	assert.False(t, c.Has(ChannelSMS))
	assert.Equal(t, "tok", c.Address(ChannelPush))
	assert.False(t, c.Has("fax"))
}
