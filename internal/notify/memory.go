package notify

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository for tests and local runs.
// Documents are copied through JSON so callers never share state with it.
type MemoryRepository struct {
	mu      sync.Mutex
	byID    map[uuid.UUID][]byte
	byDedup map[string]uuid.UUID
}

var (
	_ Repository = (*MemoryRepository)(nil)
	_ Repository = (*PgRepository)(nil)
)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:    make(map[uuid.UUID][]byte),
		byDedup: make(map[string]uuid.UUID),
	}
}

func (m *MemoryRepository) load(id uuid.UUID) *Notification {
	var n Notification
	_ = json.Unmarshal(m.byID[id], &n)
	return &n
}

func (m *MemoryRepository) store(n *Notification) {
	raw, _ := json.Marshal(n)
	m.byID[n.ID] = raw
}

func (m *MemoryRepository) Insert(_ context.Context, n *Notification) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byDedup[n.DedupeKey]; ok {
		return false, nil
	}
	m.byDedup[n.DedupeKey] = n.ID
	m.store(n)
	return true, nil
}

func (m *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return nil, ErrNotFound
	}
	return m.load(id), nil
}

func (m *MemoryRepository) all() []*Notification {
	out := make([]*Notification, 0, len(m.byID))
	for id := range m.byID {
		out = append(out, m.load(id))
	}
	return out
}

func (m *MemoryRepository) ClaimDue(_ context.Context, now time.Time, limit int) ([]*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*Notification
	for _, n := range m.all() {
		if (n.Status == StatusPending || n.Status == StatusRetrying) && !n.NextAttemptAt.After(now) {
			due = append(due, n)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, n := range due {
		n.Status = StatusSending
		n.UpdatedAt = now
		m.store(n)
	}
	return due, nil
}

func (m *MemoryRepository) Update(_ context.Context, n *Notification, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[n.ID]; !ok {
		return ErrNotFound
	}
	if m.load(n.ID).Status != from {
		return ErrStale
	}
	m.store(n)
	return nil
}

func (m *MemoryRepository) ListStuck(_ context.Context, before time.Time, limit int) ([]*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Notification
	for _, n := range m.all() {
		if n.Status == StatusSending && n.UpdatedAt.Before(before) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) ListByPatient(_ context.Context, patientID uuid.UUID, limit int) ([]*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Notification
	for _, n := range m.all() {
		if n.PatientID == patientID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
