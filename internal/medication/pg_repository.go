package medication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/medication-adherence/internal/db"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanCommand(row pgx.Row) (*Command, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCommandNotFound
		}
		return nil, err
	}
	var c Command
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	return &c, nil
}

func scanEvent(row pgx.Row) (*Event, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &e, nil
}

func collectEvents(rows pgx.Rows) ([]*Event, error) {
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// appendInTx bumps the command's event_seq by len(events) under the row lock
// and inserts the events with the reserved versions.
func appendInTx(ctx context.Context, tx pgx.Tx, commandID uuid.UUID, events []*Event) error {
	if len(events) == 0 {
		return nil
	}
	var seq int64
	err := tx.QueryRow(ctx, `
		UPDATE medication_commands
		SET event_seq = event_seq + $2
		WHERE id = $1
		RETURNING event_seq
	`, commandID, len(events)).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrCommandNotFound
		}
		return fmt.Errorf("reserve event versions: %w", err)
	}

	first := seq - int64(len(events)) + 1
	batch := &pgx.Batch{}
	for i, ev := range events {
		ev.EventVersion = first + int64(i)
		doc, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		batch.Queue(`
			INSERT INTO medication_events
				(id, command_id, patient_id, event_type, event_version, occurred_at, dedupe_key, undoes_event, doc, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10)
		`, ev.ID, ev.CommandID, ev.PatientID, ev.EventType, ev.EventVersion, ev.OccurredAt(),
			ev.DedupeKey, ev.EventData.UndoesEventID, doc, ev.CreatedAt)
	}

	br := tx.SendBatch(ctx, batch)
	for range events {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			switch {
			case db.IsUniqueViolation(err, "medication_events_dedupe"):
				return ErrDuplicateEvent
			case db.IsUniqueViolation(err, "medication_events_undo"):
				return ErrAlreadyUndone
			}
			return fmt.Errorf("insert event: %w", err)
		}
	}
	return br.Close()
}

// Interface methods

func (r *PgRepository) CreateCommand(ctx context.Context, cmd *Command, events []*Event) error {
	doc, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO medication_commands (id, patient_id, status, version, event_seq, doc, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 0, $5, $6, $6)
		`, cmd.ID, cmd.PatientID, cmd.Status.Current, cmd.Metadata.Version, doc, cmd.Metadata.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert command: %w", err)
		}
		return appendInTx(ctx, tx, cmd.ID, events)
	})
}

func (r *PgRepository) GetCommand(ctx context.Context, id uuid.UUID) (*Command, error) {
	row := r.pool.QueryRow(ctx, `SELECT doc FROM medication_commands WHERE id = $1`, id)
	return scanCommand(row)
}

func (r *PgRepository) ListCommandsByPatient(ctx context.Context, patientID uuid.UUID, activeOnly bool) ([]*Command, error) {
	query := `SELECT doc FROM medication_commands WHERE patient_id = $1`
	if activeOnly {
		query += ` AND status = 'active'`
	}
	query += ` ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, patientID)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	var out []*Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PgRepository) UpdateCommand(ctx context.Context, cmd *Command, expectedVersion int, events []*Event) error {
	doc, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE medication_commands
			SET doc = $2, status = $3, version = $4, updated_at = $5
			WHERE id = $1 AND version = $6
		`, cmd.ID, doc, cmd.Status.Current, cmd.Metadata.Version, cmd.Metadata.UpdatedAt, expectedVersion)
		if err != nil {
			return fmt.Errorf("update command: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM medication_commands WHERE id = $1)`, cmd.ID).Scan(&exists); err != nil {
				return fmt.Errorf("check command: %w", err)
			}
			if !exists {
				return ErrCommandNotFound
			}
			return ErrVersionConflict
		}
		return appendInTx(ctx, tx, cmd.ID, events)
	})
}

func (r *PgRepository) AppendEvents(ctx context.Context, commandID uuid.UUID, events []*Event) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return appendInTx(ctx, tx, commandID, events)
	})
}

func (r *PgRepository) GetEvent(ctx context.Context, id string) (*Event, error) {
	row := r.pool.QueryRow(ctx, `SELECT doc FROM medication_events WHERE id = $1`, id)
	return scanEvent(row)
}

func (r *PgRepository) FindUndo(ctx context.Context, commandID uuid.UUID, eventID string) (*Event, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT doc FROM medication_events
		WHERE command_id = $1 AND undoes_event = $2
	`, commandID, eventID)
	return scanEvent(row)
}

func (r *PgRepository) ListEvents(ctx context.Context, commandID uuid.UUID, f EventFilter) ([]*Event, error) {
	return r.listEvents(ctx, "command_id", commandID, f)
}

func (r *PgRepository) ListPatientEvents(ctx context.Context, patientID uuid.UUID, f EventFilter) ([]*Event, error) {
	return r.listEvents(ctx, "patient_id", patientID, f)
}

func (r *PgRepository) listEvents(ctx context.Context, column string, id uuid.UUID, f EventFilter) ([]*Event, error) {
	var sb strings.Builder
	args := []any{id}
	fmt.Fprintf(&sb, `SELECT doc FROM medication_events WHERE %s = $1`, column)

	if f.From != nil {
		args = append(args, *f.From)
		fmt.Fprintf(&sb, ` AND occurred_at >= $%d`, len(args))
	}
	if f.Until != nil {
		args = append(args, *f.Until)
		fmt.Fprintf(&sb, ` AND occurred_at < $%d`, len(args))
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		args = append(args, types)
		fmt.Fprintf(&sb, ` AND event_type = ANY($%d)`, len(args))
	}
	if !f.IncludeArchived {
		sb.WriteString(` AND NOT is_archived`)
	}
	sb.WriteString(` ORDER BY occurred_at, command_id, event_version`)
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&sb, ` LIMIT $%d`, len(args))
	}

	rows, err := r.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return collectEvents(rows)
}
