package access

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	CreatePatient(ctx context.Context, p *Patient) error
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	UpdatePatient(ctx context.Context, p *Patient) error
	ListPatientIDs(ctx context.Context) ([]uuid.UUID, error)

	UpsertFamilyMember(ctx context.Context, m *FamilyMember) error
	GetFamilyMember(ctx context.Context, patientID, memberID uuid.UUID) (*FamilyMember, error)
	ListFamilyMembers(ctx context.Context, patientID uuid.UUID) ([]*FamilyMember, error)
}
