package medication

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/hackgods/medication-adherence/internal/schedule"
)

// MemoryRepository is an in-process Repository and PreferencesRepository with
// the same versioning and dedupe rules as PgRepository. Values are copied in
// and out so callers cannot mutate stored state.
type MemoryRepository struct {
	mu       sync.Mutex
	commands map[uuid.UUID]*Command
	seq      map[uuid.UUID]int64
	events   []*Event
	prefs    map[uuid.UUID]*schedule.Preferences
}

var (
	_ Repository            = (*MemoryRepository)(nil)
	_ PreferencesRepository = (*MemoryRepository)(nil)
)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		commands: make(map[uuid.UUID]*Command),
		seq:      make(map[uuid.UUID]int64),
		prefs:    make(map[uuid.UUID]*schedule.Preferences),
	}
}

func copyOf[T any](v *T) *T {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(err)
	}
	return &out
}

func (m *MemoryRepository) CreateCommand(_ context.Context, cmd *Command, events []*Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.commands[cmd.ID]; ok {
		return ErrVersionConflict
	}
	if err := m.checkEvents(cmd.ID, events); err != nil {
		return err
	}
	m.commands[cmd.ID] = copyOf(cmd)
	m.appendLocked(cmd.ID, events)
	return nil
}

func (m *MemoryRepository) GetCommand(_ context.Context, id uuid.UUID) (*Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commands[id]
	if !ok {
		return nil, ErrCommandNotFound
	}
	return copyOf(c), nil
}

func (m *MemoryRepository) ListCommandsByPatient(_ context.Context, patientID uuid.UUID, activeOnly bool) ([]*Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Command
	for _, c := range m.commands {
		if c.PatientID != patientID || (activeOnly && c.Status.Current != StatusActive) {
			continue
		}
		out = append(out, copyOf(c))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Metadata.CreatedAt.Before(out[j].Metadata.CreatedAt) ||
			(out[i].Metadata.CreatedAt.Equal(out[j].Metadata.CreatedAt) && out[i].ID.String() < out[j].ID.String())
	})
	return out, nil
}

func (m *MemoryRepository) UpdateCommand(_ context.Context, cmd *Command, expectedVersion int, events []*Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.commands[cmd.ID]
	if !ok {
		return ErrCommandNotFound
	}
	if cur.Metadata.Version != expectedVersion {
		return ErrVersionConflict
	}
	if err := m.checkEvents(cmd.ID, events); err != nil {
		return err
	}
	m.commands[cmd.ID] = copyOf(cmd)
	m.appendLocked(cmd.ID, events)
	return nil
}

func (m *MemoryRepository) AppendEvents(_ context.Context, commandID uuid.UUID, events []*Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.commands[commandID]; !ok {
		return ErrCommandNotFound
	}
	if err := m.checkEvents(commandID, events); err != nil {
		return err
	}
	m.appendLocked(commandID, events)
	return nil
}

func (m *MemoryRepository) checkEvents(commandID uuid.UUID, events []*Event) error {
	for _, ev := range events {
		for _, existing := range m.events {
			if existing.CommandID != commandID {
				continue
			}
			if ev.DedupeKey != "" && existing.DedupeKey == ev.DedupeKey {
				return ErrDuplicateEvent
			}
			if u := ev.EventData.UndoesEventID; u != "" && existing.EventData.UndoesEventID == u {
				return ErrAlreadyUndone
			}
		}
	}
	return nil
}

func (m *MemoryRepository) appendLocked(commandID uuid.UUID, events []*Event) {
	for _, ev := range events {
		m.seq[commandID]++
		ev.EventVersion = m.seq[commandID]
		m.events = append(m.events, copyOf(ev))
	}
}

func (m *MemoryRepository) GetEvent(_ context.Context, id string) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.ID == id {
			return copyOf(ev), nil
		}
	}
	return nil, ErrEventNotFound
}

func (m *MemoryRepository) FindUndo(_ context.Context, commandID uuid.UUID, eventID string) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.CommandID == commandID && ev.EventData.UndoesEventID == eventID {
			return copyOf(ev), nil
		}
	}
	return nil, ErrEventNotFound
}

func (m *MemoryRepository) ListEvents(_ context.Context, commandID uuid.UUID, f EventFilter) ([]*Event, error) {
	return m.filter(func(ev *Event) bool { return ev.CommandID == commandID }, f), nil
}

func (m *MemoryRepository) ListPatientEvents(_ context.Context, patientID uuid.UUID, f EventFilter) ([]*Event, error) {
	return m.filter(func(ev *Event) bool { return ev.PatientID == patientID }, f), nil
}

func (m *MemoryRepository) filter(match func(*Event) bool, f EventFilter) []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Event
	for _, ev := range m.events {
		if !match(ev) {
			continue
		}
		at := ev.OccurredAt()
		if f.From != nil && at.Before(*f.From) {
			continue
		}
		if f.Until != nil && !at.Before(*f.Until) {
			continue
		}
		if len(f.Types) > 0 && !slices.Contains(f.Types, ev.EventType) {
			continue
		}
		if !f.IncludeArchived && ev.ArchiveStatus.IsArchived {
			continue
		}
		out = append(out, copyOf(ev))
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.OccurredAt().Equal(b.OccurredAt()) {
			return a.OccurredAt().Before(b.OccurredAt())
		}
		if a.CommandID != b.CommandID {
			return a.CommandID.String() < b.CommandID.String()
		}
		return a.EventVersion < b.EventVersion
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// MarkArchived sets the archive status of the given events. Only archive
// status ever changes on a stored event.
func (m *MemoryRepository) MarkArchived(ids []string, status ArchiveStatus) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	n := 0
	for _, ev := range m.events {
		if set[ev.ID] && !ev.ArchiveStatus.IsArchived {
			ev.ArchiveStatus = status
			n++
		}
	}
	return n
}

func (m *MemoryRepository) GetPreferences(_ context.Context, patientID uuid.UUID) (*schedule.Preferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prefs[patientID]
	if !ok {
		return nil, ErrPreferencesNotFound
	}
	return copyOf(p), nil
}

func (m *MemoryRepository) SavePreferences(_ context.Context, p *schedule.Preferences, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.prefs[p.PatientID]; ok && cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	m.prefs[p.PatientID] = copyOf(p)
	return nil
}
