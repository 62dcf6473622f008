package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/medication-adherence/internal/medication"
	"github.com/hackgods/medication-adherence/internal/schedule"
)

type ErrorResponse struct {
	Error   string                  `json:"error"`
	Details string                  `json:"details,omitempty"`
	Fields  []medication.FieldError `json:"fields,omitempty"`
}

type StatusChangeRequest struct {
	Status medication.Status `json:"status"`
	Reason string            `json:"reason,omitempty"`
}

type UndoRequest struct {
	CorrectedAction medication.DoseStatus `json:"correctedAction"`
	Reason          string                `json:"reason,omitempty"`
}

type PreferencesRequest struct {
	ExpectedVersion *int `json:"expectedVersion,omitempty"`
	schedule.Preferences
}

type AlertRequest struct {
	CommandID *uuid.UUID `json:"commandId,omitempty"`
	Message   string     `json:"message"`
	Priority  string     `json:"priority,omitempty"`
}

type ResponsibilityRequest struct {
	CommandID *uuid.UUID `json:"commandId,omitempty"`
	Message   string     `json:"message,omitempty"`
}

type DispatchResponse struct {
	Queued  int         `json:"queued"`
	EventID string      `json:"eventId,omitempty"`
	IDs     []uuid.UUID `json:"notificationIds"`
}

type ListResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func listOf[T any](items []T) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items, Count: len(items)}
}

// optionalTime decodes an RFC 3339 query value.
func optionalTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
