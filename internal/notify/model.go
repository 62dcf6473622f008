package notify

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/medication-adherence/internal/access"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusDelivered Status = "delivered"
	StatusRetrying  Status = "retrying"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further delivery attempt will be made.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

type Type string

const (
	TypeDoseReminder         Type = "dose_reminder"
	TypeMissedDose           Type = "missed_dose"
	TypePattern              Type = "pattern_detected"
	TypeEmergency            Type = "emergency"
	TypeResponsibilityNeeded Type = "responsibility_needed"
	TypeWeeklySummary        Type = "weekly_summary"
	TypeMonthlySummary       Type = "monthly_summary"
)

type Priority string

const (
	PriorityLow       Priority = "low"
	PriorityNormal    Priority = "normal"
	PriorityHigh      Priority = "high"
	PriorityEmergency Priority = "emergency"
)

type RecipientKind string

const (
	RecipientPatient RecipientKind = "patient"
	RecipientFamily  RecipientKind = "family"
)

// Message is a domain occurrence that should reach people. The dispatcher
// expands it into one Notification per recipient and channel.
type Message struct {
	Type           Type
	Priority       Priority
	PatientID      uuid.UUID
	CommandID      *uuid.UUID
	EventID        string
	MedicationName string
	Dosage         string
	ScheduledFor   *time.Time
	Text           string
	Details        map[string]any

	// Permission family members need to receive the message.
	Permission access.Permission
	// PatientOnly skips family members; SkipPatient skips the patient.
	PatientOnly bool
	SkipPatient bool
	// Channels narrows the recipients' channels when set.
	Channels         []string
	BypassQuietHours bool

	// DedupeKey identifies the message; redelivery of the same key is a no-op.
	DedupeKey string
}

// Attempt is one gateway call.
type Attempt struct {
	At        time.Time `json:"at"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
}

type Notification struct {
	ID            uuid.UUID      `json:"id"`
	PatientID     uuid.UUID      `json:"patientId"`
	CommandID     *uuid.UUID     `json:"commandId,omitempty"`
	EventID       string         `json:"eventId,omitempty"`
	RecipientID   uuid.UUID      `json:"recipientId"`
	RecipientKind RecipientKind  `json:"recipientKind"`
	RecipientName string         `json:"recipientName,omitempty"`
	Channel       string         `json:"channel"`
	Address       string         `json:"address"`
	Type          Type           `json:"type"`
	Priority      Priority       `json:"priority"`
	Subject       string         `json:"subject"`
	Body          string         `json:"body"`
	Data          map[string]any `json:"data,omitempty"`

	Status        Status     `json:"status"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt time.Time  `json:"nextAttemptAt"`
	QuietDelayed  bool       `json:"quietDelayed,omitempty"`
	DeliveredAt   *time.Time `json:"deliveredAt,omitempty"`
	MessageID     string     `json:"messageId,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	History       []Attempt  `json:"history,omitempty"`

	DedupeKey string    `json:"dedupeKey"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Recipient is a resolved person with the contact data and preferences that
// decide how and when they are reached.
type Recipient struct {
	ID               uuid.UUID
	Kind             RecipientKind
	Name             string
	Contact          access.Contact
	Location         *time.Location
	Preferences      access.NotificationPreferences
	EmergencyContact bool
}
