package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("notification not found")
	// ErrStale means the notification changed state under us.
	ErrStale = errors.New("notification state changed concurrently")
)

type Repository interface {
	// Insert stores n unless one with the same dedupe key exists.
	Insert(ctx context.Context, n *Notification) (created bool, err error)
	Get(ctx context.Context, id uuid.UUID) (*Notification, error)
	// ClaimDue moves up to limit pending or retrying notifications due by now
	// into sending and returns them. Concurrent claimers never share a row.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Notification, error)
	// Update writes n if it is still in status from.
	Update(ctx context.Context, n *Notification, from Status) error
	// ListStuck returns notifications in sending not touched since before.
	ListStuck(ctx context.Context, before time.Time, limit int) ([]*Notification, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit int) ([]*Notification, error)
}
