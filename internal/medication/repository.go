package medication

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/medication-adherence/internal/schedule"
)

// EventFilter narrows event listings. From/Until bound OccurredAt as [From, Until).
type EventFilter struct {
	From            *time.Time
	Until           *time.Time
	Types           []EventType
	IncludeArchived bool
	Limit           int
}

// Repository persists commands and their append-only event log. Implementations
// assign eventVersion on append: strictly increasing per command, no gaps.
type Repository interface {
	// CreateCommand stores a new command together with its initial events.
	CreateCommand(ctx context.Context, cmd *Command, events []*Event) error
	GetCommand(ctx context.Context, id uuid.UUID) (*Command, error)
	ListCommandsByPatient(ctx context.Context, patientID uuid.UUID, activeOnly bool) ([]*Command, error)
	// UpdateCommand writes cmd only if the stored version equals expectedVersion,
	// appending events in the same transaction. Returns ErrVersionConflict otherwise.
	UpdateCommand(ctx context.Context, cmd *Command, expectedVersion int, events []*Event) error
	// AppendEvents returns ErrDuplicateEvent when a dedupe key is already present.
	AppendEvents(ctx context.Context, commandID uuid.UUID, events []*Event) error
	GetEvent(ctx context.Context, id string) (*Event, error)
	ListEvents(ctx context.Context, commandID uuid.UUID, filter EventFilter) ([]*Event, error)
	ListPatientEvents(ctx context.Context, patientID uuid.UUID, filter EventFilter) ([]*Event, error)
	// FindUndo returns the undo event referencing eventID, or ErrEventNotFound.
	FindUndo(ctx context.Context, commandID uuid.UUID, eventID string) (*Event, error)
}

// PreferencesRepository stores per-patient time-bucket preferences.
type PreferencesRepository interface {
	// GetPreferences returns ErrPreferencesNotFound for patients who never saved any.
	GetPreferences(ctx context.Context, patientID uuid.UUID) (*schedule.Preferences, error)
	// SavePreferences upserts p when the stored version equals expectedVersion
	// (0 for a first save).
	SavePreferences(ctx context.Context, p *schedule.Preferences, expectedVersion int) error
}
