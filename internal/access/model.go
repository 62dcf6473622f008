package access

import (
	"time"

	"github.com/google/uuid"
)

const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
	ChannelPush  = "push"
)

// QuietHours is a local wall-clock window, HH:MM to HH:MM, that may wrap midnight.
type QuietHours struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

type NotificationPreferences struct {
	Channels      []string    `json:"channels,omitempty"`
	QuietHours    *QuietHours `json:"quietHours,omitempty"`
	EmergencyOnly bool        `json:"emergencyOnly,omitempty"`
}

// Contact is the reachable side of a person: the addresses a notification can use.
type Contact struct {
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	PushToken string `json:"pushToken,omitempty"`
}

// Has reports whether the contact carries an address for channel.
func (c Contact) Has(channel string) bool {
	switch channel {
	case ChannelEmail:
		return c.Email != ""
	case ChannelSMS:
		return c.Phone != ""
	case ChannelPush:
		return c.PushToken != ""
	}
	return false
}

// Address returns the contact's address for channel.
func (c Contact) Address(channel string) string {
	switch channel {
	case ChannelEmail:
		return c.Email
	case ChannelSMS:
		return c.Phone
	case ChannelPush:
		return c.PushToken
	}
	return ""
}

type Patient struct {
	ID            uuid.UUID               `json:"id"`
	Name          string                  `json:"name"`
	Contact       Contact                 `json:"contact"`
	TimeZone      string                  `json:"timeZone"`
	Notifications NotificationPreferences `json:"notifications"`
	CreatedAt     time.Time               `json:"createdAt"`
	UpdatedAt     time.Time               `json:"updatedAt"`
}

type LinkStatus string

const (
	LinkActive   LinkStatus = "active"
	LinkInactive LinkStatus = "inactive"
	LinkPending  LinkStatus = "pending"
)

type Permission string

const (
	PermView   Permission = "view"
	PermEdit   Permission = "edit"
	PermNotify Permission = "notify"
)

type Permissions struct {
	CanViewMedications      bool `json:"canViewMedications"`
	CanEditMedications      bool `json:"canEditMedications"`
	CanReceiveNotifications bool `json:"canReceiveNotifications"`
	IsEmergencyContact      bool `json:"isEmergencyContact"`
}

// Has reports whether p grants perm. Edit implies view.
func (p Permissions) Has(perm Permission) bool {
	switch perm {
	case PermView:
		return p.CanViewMedications || p.CanEditMedications
	case PermEdit:
		return p.CanEditMedications
	case PermNotify:
		return p.CanReceiveNotifications
	}
	return false
}

// FamilyMember is a FamilyAccessRecord: the link between a patient and a
// family member with its permissions and the member's delivery preferences.
type FamilyMember struct {
	ID            uuid.UUID               `json:"id"`
	PatientID     uuid.UUID               `json:"patientId"`
	MemberID      uuid.UUID               `json:"memberId"`
	Name          string                  `json:"name"`
	Relationship  string                  `json:"relationship,omitempty"`
	Contact       Contact                 `json:"contact"`
	TimeZone      string                  `json:"timeZone,omitempty"`
	Status        LinkStatus              `json:"status"`
	Permissions   Permissions             `json:"permissions"`
	Notifications NotificationPreferences `json:"notifications"`
	CreatedAt     time.Time               `json:"createdAt"`
	UpdatedAt     time.Time               `json:"updatedAt"`
}

func (m *FamilyMember) Active() bool { return m.Status == LinkActive }
