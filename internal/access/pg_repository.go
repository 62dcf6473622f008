package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

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

func scanDoc[T any](row pgx.Row, notFound error) (*T, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound
		}
		return nil, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %T: %w", v, err)
	}
	return &v, nil
}

func (r *PgRepository) CreatePatient(ctx context.Context, p *Patient) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode patient: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO patients (id, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
	`, p.ID, doc, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

func (r *PgRepository) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `SELECT doc FROM patients WHERE id = $1`, id)
	return scanDoc[Patient](row, ErrPatientNotFound)
}

func (r *PgRepository) UpdatePatient(ctx context.Context, p *Patient) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode patient: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE patients SET doc = $2, updated_at = $3 WHERE id = $1
	`, p.ID, doc, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPatientNotFound
	}
	return nil
}

func (r *PgRepository) ListPatientIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM patients ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func (r *PgRepository) UpsertFamilyMember(ctx context.Context, m *FamilyMember) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode family member: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO family_access (id, patient_id, member_id, status, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (patient_id, member_id) DO UPDATE
		SET status = EXCLUDED.status, doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at
	`, m.ID, m.PatientID, m.MemberID, m.Status, doc, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert family member: %w", err)
	}
	return nil
}

func (r *PgRepository) GetFamilyMember(ctx context.Context, patientID, memberID uuid.UUID) (*FamilyMember, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT doc FROM family_access WHERE patient_id = $1 AND member_id = $2
	`, patientID, memberID)
	return scanDoc[FamilyMember](row, ErrMemberNotFound)
}

func (r *PgRepository) ListFamilyMembers(ctx context.Context, patientID uuid.UUID) ([]*FamilyMember, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT doc FROM family_access WHERE patient_id = $1 ORDER BY created_at
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list family members: %w", err)
	}
	defer rows.Close()

	var out []*FamilyMember
	for rows.Next() {
		m, err := scanDoc[FamilyMember](rows, ErrMemberNotFound)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
