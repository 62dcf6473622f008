package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/medication-adherence/internal/db"
	"github.com/hackgods/medication-adherence/internal/medication"
)

var ErrSummaryNotFound = errors.New("daily summary not found")

// Store persists summaries and flips the archive status of the events they
// cover in the same commit.
type Store interface {
	GetSummary(ctx context.Context, patientID uuid.UUID, date string) (*DailySummary, error)
	// CreateSummary inserts s and archives eventIDs unless a summary for the
	// same patient and date exists, in which case it changes nothing.
	CreateSummary(ctx context.Context, s *DailySummary, eventIDs []string, status medication.ArchiveStatus) (created bool, err error)
	// AddCorrection appends c to the summary and archives its events.
	AddCorrection(ctx context.Context, s *DailySummary, c Correction, status medication.ArchiveStatus) error
	ListSummaries(ctx context.Context, patientID uuid.UUID, from, to string) ([]*DailySummary, error)
}

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func scanSummary(row pgx.Row) (*DailySummary, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSummaryNotFound
		}
		return nil, err
	}
	var s DailySummary
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	return &s, nil
}

func (p *PgStore) GetSummary(ctx context.Context, patientID uuid.UUID, date string) (*DailySummary, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT doc FROM medication_daily_summaries
		WHERE patient_id = $1 AND summary_date = $2::date
	`, patientID, date)
	return scanSummary(row)
}

func markArchived(ctx context.Context, tx pgx.Tx, ids []string, status medication.ArchiveStatus) error {
	if len(ids) == 0 {
		return nil
	}
	raw, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode archive status: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE medication_events
		SET is_archived = true,
		    archive_date = $2::date,
		    summary_id = $3,
		    doc = jsonb_set(doc, '{archiveStatus}', $4::jsonb)
		WHERE id = ANY($1) AND NOT is_archived
	`, ids, status.ArchiveDate, status.SummaryID, raw)
	if err != nil {
		return fmt.Errorf("archive events: %w", err)
	}
	return nil
}

func (p *PgStore) CreateSummary(ctx context.Context, s *DailySummary, eventIDs []string, status medication.ArchiveStatus) (bool, error) {
	doc, err := json.Marshal(s)
	if err != nil {
		return false, fmt.Errorf("encode summary: %w", err)
	}
	created := false
	err = db.WithTx(ctx, p.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO medication_daily_summaries (id, patient_id, summary_date, doc, created_at)
			VALUES ($1, $2, $3::date, $4, $5)
			ON CONFLICT ON CONSTRAINT medication_daily_summaries_day DO NOTHING
		`, s.ID, s.PatientID, s.Date, doc, s.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert summary: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		created = true
		return markArchived(ctx, tx, eventIDs, status)
	})
	return created, err
}

func (p *PgStore) AddCorrection(ctx context.Context, s *DailySummary, c Correction, status medication.ArchiveStatus) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode correction: %w", err)
	}
	return db.WithTx(ctx, p.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE medication_daily_summaries
			SET doc = jsonb_set(doc, '{corrections}', COALESCE(doc->'corrections', '[]'::jsonb) || jsonb_build_array($2::jsonb))
			WHERE id = $1
		`, s.ID, raw)
		if err != nil {
			return fmt.Errorf("append correction: %w", err)
		}
		return markArchived(ctx, tx, c.EventIDs, status)
	})
}

func (p *PgStore) ListSummaries(ctx context.Context, patientID uuid.UUID, from, to string) ([]*DailySummary, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT doc FROM medication_daily_summaries
		WHERE patient_id = $1 AND summary_date BETWEEN $2::date AND $3::date
		ORDER BY summary_date
	`, patientID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()
	var out []*DailySummary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// EventArchiver flips archive status on events held in process.
type EventArchiver interface {
	MarkArchived(ids []string, status medication.ArchiveStatus) int
}

// MemoryStore keeps summaries in process and archives events through an
// EventArchiver, normally a medication.MemoryRepository.
type MemoryStore struct {
	mu        sync.Mutex
	events    EventArchiver
	summaries map[string]DailySummary
}

var (
	_ Store = (*PgStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

func NewMemoryStore(events EventArchiver) *MemoryStore {
	return &MemoryStore{events: events, summaries: make(map[string]DailySummary)}
}

func summaryKey(patientID uuid.UUID, date string) string {
	return patientID.String() + "|" + date
}

func (m *MemoryStore) GetSummary(_ context.Context, patientID uuid.UUID, date string) (*DailySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.summaries[summaryKey(patientID, date)]
	if !ok {
		return nil, ErrSummaryNotFound
	}
	return &s, nil
}

func (m *MemoryStore) CreateSummary(_ context.Context, s *DailySummary, eventIDs []string, status medication.ArchiveStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := summaryKey(s.PatientID, s.Date)
	if _, ok := m.summaries[key]; ok {
		return false, nil
	}
	m.summaries[key] = *s
	m.events.MarkArchived(eventIDs, status)
	return true, nil
}

func (m *MemoryStore) AddCorrection(_ context.Context, s *DailySummary, c Correction, status medication.ArchiveStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := summaryKey(s.PatientID, s.Date)
	cur, ok := m.summaries[key]
	if !ok {
		return ErrSummaryNotFound
	}
	cur.Corrections = append(cur.Corrections, c)
	m.summaries[key] = cur
	m.events.MarkArchived(c.EventIDs, status)
	return nil
}

func (m *MemoryStore) ListSummaries(_ context.Context, patientID uuid.UUID, from, to string) ([]*DailySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*DailySummary
	for _, s := range m.summaries {
		if s.PatientID == patientID && s.Date >= from && s.Date <= to {
			s := s
			out = append(out, &s)
		}
	}
	sortByDate(out)
	return out, nil
}
