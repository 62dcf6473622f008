package access

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository for tests and local runs.
type MemoryRepository struct {
	mu       sync.Mutex
	patients map[uuid.UUID]Patient
	members  map[[2]uuid.UUID]FamilyMember
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		patients: make(map[uuid.UUID]Patient),
		members:  make(map[[2]uuid.UUID]FamilyMember),
	}
}

func (m *MemoryRepository) CreatePatient(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[p.ID] = *p
	return nil
}

func (m *MemoryRepository) GetPatient(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (m *MemoryRepository) UpdatePatient(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patients[p.ID]; !ok {
		return ErrPatientNotFound
	}
	m.patients[p.ID] = *p
	return nil
}

func (m *MemoryRepository) ListPatientIDs(_ context.Context) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uuid.UUID, 0, len(m.patients))
	for id := range m.patients {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (m *MemoryRepository) UpsertFamilyMember(_ context.Context, fm *FamilyMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[[2]uuid.UUID{fm.PatientID, fm.MemberID}] = *fm
	return nil
}

func (m *MemoryRepository) GetFamilyMember(_ context.Context, patientID, memberID uuid.UUID) (*FamilyMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fm, ok := m.members[[2]uuid.UUID{patientID, memberID}]
	if !ok {
		return nil, ErrMemberNotFound
	}
	return &fm, nil
}

func (m *MemoryRepository) ListFamilyMembers(_ context.Context, patientID uuid.UUID) ([]*FamilyMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*FamilyMember
	for _, fm := range m.members {
		if fm.PatientID == patientID {
			fm := fm
			out = append(out, &fm)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].MemberID.String() < out[j].MemberID.String()
	})
	return out, nil
}
