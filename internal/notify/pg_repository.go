package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func scanNotification(row pgx.Row) (*Notification, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	return &n, nil
}

func collect(rows pgx.Rows) ([]*Notification, error) {
	defer rows.Close()
	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *PgRepository) Insert(ctx context.Context, n *Notification) (bool, error) {
	doc, err := json.Marshal(n)
	if err != nil {
		return false, fmt.Errorf("encode notification: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO notifications
			(id, patient_id, recipient_id, channel, status, next_attempt_at, dedupe_key, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT ON CONSTRAINT notifications_dedupe DO NOTHING
	`, n.ID, n.PatientID, n.RecipientID, n.Channel, n.Status, n.NextAttemptAt, n.DedupeKey, doc, n.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) Get(ctx context.Context, id uuid.UUID) (*Notification, error) {
	return scanNotification(r.pool.QueryRow(ctx, `SELECT doc FROM notifications WHERE id = $1`, id))
}

func (r *PgRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Notification, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE notifications
		SET status = 'sending', updated_at = $1
		WHERE id IN (
			SELECT id FROM notifications
			WHERE status IN ('pending', 'retrying') AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING doc
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim notifications: %w", err)
	}
	out, err := collect(rows)
	if err != nil {
		return nil, err
	}
	for _, n := range out {
		n.Status = StatusSending
		n.UpdatedAt = now
	}
	return out, nil
}

func (r *PgRepository) Update(ctx context.Context, n *Notification, from Status) error {
	doc, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET status = $2, next_attempt_at = $3, doc = $4, updated_at = $5
		WHERE id = $1 AND status = $6
	`, n.ID, n.Status, n.NextAttemptAt, doc, n.UpdatedAt, from)
	if err != nil {
		return fmt.Errorf("update notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStale
	}
	return nil
}

func (r *PgRepository) ListStuck(ctx context.Context, before time.Time, limit int) ([]*Notification, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT doc FROM notifications
		WHERE status = 'sending' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck notifications: %w", err)
	}
	out, err := collect(rows)
	if err != nil {
		return nil, err
	}
	// The claim only touched the columns.
	for _, n := range out {
		n.Status = StatusSending
	}
	return out, nil
}

func (r *PgRepository) ListByPatient(ctx context.Context, patientID uuid.UUID, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT doc FROM notifications
		WHERE patient_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return collect(rows)
}
