package medication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/medication-adherence/internal/schedule"
)

func (r *PgRepository) GetPreferences(ctx context.Context, patientID uuid.UUID) (*schedule.Preferences, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, `
		SELECT doc FROM patient_time_preferences WHERE patient_id = $1
	`, patientID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPreferencesNotFound
		}
		return nil, fmt.Errorf("get preferences: %w", err)
	}
	var p schedule.Preferences
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode preferences: %w", err)
	}
	return &p, nil
}

func (r *PgRepository) SavePreferences(ctx context.Context, p *schedule.Preferences, expectedVersion int) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}

	// A first save races on the primary key; later saves on the version.
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO patient_time_preferences (patient_id, id, version, doc, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (patient_id) DO UPDATE
		SET version = EXCLUDED.version, doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at
		WHERE patient_time_preferences.version = $6
	`, p.PatientID, p.ID, p.Version, doc, p.UpdatedAt, expectedVersion)
	if err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}
