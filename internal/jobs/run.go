package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	// RunPartial means some units failed or the budget ran out; the next
	// scheduled run picks up what is left.
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
	// RunSkipped means another process held the window lock.
	RunSkipped RunStatus = "skipped"
)

// UnitError records one failed patient unit.
type UnitError struct {
	Unit  string `json:"unit"`
	Error string `json:"error"`
}

// Run is one execution of a job (collection job_runs).
type Run struct {
	ID         uuid.UUID   `json:"id"`
	Job        string      `json:"job"`
	WindowKey  string      `json:"windowKey"`
	Status     RunStatus   `json:"status"`
	Units      int         `json:"units"`
	Processed  int         `json:"processed"`
	Failed     int         `json:"failed"`
	Unfinished int         `json:"unfinished"`
	Affected   int         `json:"affected"`
	Errors     []UnitError `json:"errors,omitempty"`
	StartedAt  time.Time   `json:"startedAt"`
	FinishedAt *time.Time  `json:"finishedAt,omitempty"`
}

// maxRecordedErrors caps the unit errors stored on a run document.
const maxRecordedErrors = 50

var ErrRunNotFound = errors.New("job run not found")

type RunStore interface {
	Start(ctx context.Context, r *Run) error
	Finish(ctx context.Context, r *Run) error
	ListRuns(ctx context.Context, job string, limit int) ([]*Run, error)
}

type PgRunStore struct {
	pool *pgxpool.Pool
}

func NewPgRunStore(pool *pgxpool.Pool) *PgRunStore {
	return &PgRunStore{pool: pool}
}

func (s *PgRunStore) Start(ctx context.Context, r *Run) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_runs (id, job, window_key, status, started_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, r.ID, r.Job, r.WindowKey, r.Status, r.StartedAt, doc)
	if err != nil {
		return fmt.Errorf("insert job run: %w", err)
	}
	return nil
}

func (s *PgRunStore) Finish(ctx context.Context, r *Run) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_runs
		SET status = $2, finished_at = $3, doc = $4
		WHERE id = $1
	`, r.ID, r.Status, r.FinishedAt, doc)
	if err != nil {
		return fmt.Errorf("update job run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *PgRunStore) ListRuns(ctx context.Context, job string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT doc FROM job_runs
		WHERE ($1 = '' OR job = $1)
		ORDER BY started_at DESC
		LIMIT $2
	`, job, limit)
	if err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Run, error) {
		var raw []byte
		if err := row.Scan(&raw); err != nil {
			return nil, err
		}
		var r Run
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		return &r, nil
	})
}

type MemoryRunStore struct {
	mu   sync.Mutex
	runs map[uuid.UUID]Run
}

var (
	_ RunStore = (*PgRunStore)(nil)
	_ RunStore = (*MemoryRunStore)(nil)
)

func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[uuid.UUID]Run)}
}

func (m *MemoryRunStore) Start(_ context.Context, r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID] = *r
	return nil
}

func (m *MemoryRunStore) Finish(_ context.Context, r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok {
		return ErrRunNotFound
	}
	m.runs[r.ID] = *r
	return nil
}

func (m *MemoryRunStore) ListRuns(_ context.Context, job string, limit int) ([]*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Run
	for _, r := range m.runs {
		if job == "" || r.Job == job {
			r := r
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
