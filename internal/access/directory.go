package access

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/medication-adherence/internal/clock"
	"github.com/hackgods/medication-adherence/internal/schedule"
)

// Directory owns patient profiles and family access records, and answers
// capability questions about them.
type Directory struct {
	repo  Repository
	clock clock.Clock
	log   *zap.Logger
}

func NewDirectory(repo Repository, clk clock.Clock, log *zap.Logger) *Directory {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Directory{repo: repo, clock: clk, log: log.Named("access")}
}

type PatientInput struct {
	ID            uuid.UUID               `json:"id,omitempty"`
	Name          string                  `json:"name"`
	Contact       Contact                 `json:"contact"`
	TimeZone      string                  `json:"timeZone"`
	Notifications NotificationPreferences `json:"notifications"`
}

func (d *Directory) CreatePatient(ctx context.Context, in PatientInput) (*Patient, error) {
	if err := validateProfile(in.Name, in.TimeZone, in.Notifications); err != nil {
		return nil, err
	}
	now := d.clock.Now()
	p := &Patient{
		ID:            in.ID,
		Name:          strings.TrimSpace(in.Name),
		Contact:       in.Contact,
		TimeZone:      in.TimeZone,
		Notifications: in.Notifications,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if err := d.repo.CreatePatient(ctx, p); err != nil {
		return nil, fmt.Errorf("create patient: %w", err)
	}
	return p, nil
}

func (d *Directory) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := d.repo.GetPatient(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return p, nil
}

func (d *Directory) UpdatePatient(ctx context.Context, id uuid.UUID, in PatientInput) (*Patient, error) {
	if err := validateProfile(in.Name, in.TimeZone, in.Notifications); err != nil {
		return nil, err
	}
	p, err := d.repo.GetPatient(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}
	p.Name = strings.TrimSpace(in.Name)
	p.Contact = in.Contact
	p.TimeZone = in.TimeZone
	p.Notifications = in.Notifications
	p.UpdatedAt = d.clock.Now()
	if err := d.repo.UpdatePatient(ctx, p); err != nil {
		return nil, fmt.Errorf("update patient: %w", err)
	}
	return p, nil
}

func (d *Directory) ListPatientIDs(ctx context.Context) ([]uuid.UUID, error) {
	ids, err := d.repo.ListPatientIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	return ids, nil
}

type MemberInput struct {
	MemberID      uuid.UUID               `json:"memberId"`
	Name          string                  `json:"name"`
	Relationship  string                  `json:"relationship,omitempty"`
	Contact       Contact                 `json:"contact"`
	TimeZone      string                  `json:"timeZone,omitempty"`
	Status        LinkStatus              `json:"status,omitempty"`
	Permissions   Permissions             `json:"permissions"`
	Notifications NotificationPreferences `json:"notifications"`
}

// LinkFamilyMember creates or replaces the access record between a patient and
// a family member.
func (d *Directory) LinkFamilyMember(ctx context.Context, patientID uuid.UUID, in MemberInput) (*FamilyMember, error) {
	if in.MemberID == uuid.Nil {
		return nil, &ValidationError{Field: "memberId", Message: "is required"}
	}
	if in.MemberID == patientID {
		return nil, &ValidationError{Field: "memberId", Message: "a patient cannot be their own family member"}
	}
	if err := validateProfile(in.Name, in.TimeZone, in.Notifications); err != nil {
		return nil, err
	}
	switch in.Status {
	case "":
		in.Status = LinkActive
	case LinkActive, LinkInactive, LinkPending:
	default:
		return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", in.Status)}
	}
	if _, err := d.repo.GetPatient(ctx, patientID); err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}

	now := d.clock.Now()
	m := &FamilyMember{
		ID:            uuid.New(),
		PatientID:     patientID,
		MemberID:      in.MemberID,
		Name:          strings.TrimSpace(in.Name),
		Relationship:  in.Relationship,
		Contact:       in.Contact,
		TimeZone:      in.TimeZone,
		Status:        in.Status,
		Permissions:   in.Permissions,
		Notifications: in.Notifications,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	existing, err := d.repo.GetFamilyMember(ctx, patientID, in.MemberID)
	switch {
	case err == nil:
		m.ID = existing.ID
		m.CreatedAt = existing.CreatedAt
	case !errors.Is(err, ErrMemberNotFound):
		return nil, fmt.Errorf("get family member: %w", err)
	}

	if err := d.repo.UpsertFamilyMember(ctx, m); err != nil {
		return nil, fmt.Errorf("save family member: %w", err)
	}
	d.log.Info("family access updated",
		zap.String("patient_id", patientID.String()),
		zap.String("member_id", m.MemberID.String()),
		zap.String("status", string(m.Status)),
	)
	return m, nil
}

func (d *Directory) ListFamilyMembers(ctx context.Context, patientID uuid.UUID) ([]*FamilyMember, error) {
	members, err := d.repo.ListFamilyMembers(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list family members: %w", err)
	}
	return members, nil
}

// Authorize checks that subject may act on patientID's data with perm. A
// patient always may act on their own data.
func (d *Directory) Authorize(ctx context.Context, subject, patientID uuid.UUID, perm Permission) error {
	if subject == patientID {
		return nil
	}
	m, err := d.repo.GetFamilyMember(ctx, patientID, subject)
	if errors.Is(err, ErrMemberNotFound) {
		return &AuthorizationError{Permission: perm, Reason: "no family link"}
	}
	if err != nil {
		return fmt.Errorf("load family access: %w", err)
	}
	if !m.Active() {
		return &AuthorizationError{Permission: perm, Reason: "family link is " + string(m.Status)}
	}
	if !m.Permissions.Has(perm) {
		return &AuthorizationError{Permission: perm, Reason: "missing permission"}
	}
	return nil
}

// ValidationError is a single-field profile problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Message }

func validateProfile(name, tz string, prefs NotificationPreferences) error {
	if strings.TrimSpace(name) == "" {
		return &ValidationError{Field: "name", Message: "is required"}
	}
	if _, err := schedule.LoadLocation(tz); err != nil {
		return &ValidationError{Field: "timeZone", Message: fmt.Sprintf("unknown time zone %q", tz)}
	}
	for _, ch := range prefs.Channels {
		switch ch {
		case ChannelEmail, ChannelSMS, ChannelPush:
		default:
			return &ValidationError{Field: "notifications.channels", Message: fmt.Sprintf("unknown channel %q", ch)}
		}
	}
	if q := prefs.QuietHours; q != nil && q.Enabled {
		if _, err := schedule.ParseClock(q.Start); err != nil {
			return &ValidationError{Field: "notifications.quietHours.start", Message: err.Error()}
		}
		if _, err := schedule.ParseClock(q.End); err != nil {
			return &ValidationError{Field: "notifications.quietHours.end", Message: err.Error()}
		}
	}
	return nil
}
