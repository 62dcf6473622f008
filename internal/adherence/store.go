package adherence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgReportRepository struct {
	pool *pgxpool.Pool
}

func NewPgReportRepository(pool *pgxpool.Pool) *PgReportRepository {
	return &PgReportRepository{pool: pool}
}

func (r *PgReportRepository) SaveReport(ctx context.Context, rep *Report) (bool, error) {
	doc, err := json.Marshal(rep)
	if err != nil {
		return false, fmt.Errorf("encode report: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO adherence_reports (id, patient_id, period, period_start, doc, created_at)
		VALUES ($1, $2, $3, $4::date, $5, $6)
		ON CONFLICT ON CONSTRAINT adherence_reports_period DO NOTHING
	`, rep.ID, rep.PatientID, rep.Period, rep.PeriodStart, doc, rep.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert report: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgReportRepository) ListReports(ctx context.Context, patientID uuid.UUID, period Period, limit int) ([]*Report, error) {
	if limit <= 0 {
		limit = 12
	}
	rows, err := r.pool.Query(ctx, `
		SELECT doc FROM adherence_reports
		WHERE patient_id = $1 AND ($2 = '' OR period = $2)
		ORDER BY period_start DESC
		LIMIT $3
	`, patientID, string(period), limit)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var out []*Report
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rep Report
		if err := json.Unmarshal(raw, &rep); err != nil {
			return nil, fmt.Errorf("decode report: %w", err)
		}
		out = append(out, &rep)
	}
	return out, rows.Err()
}

// MemoryReportRepository keeps reports in process.
type MemoryReportRepository struct {
	mu      sync.Mutex
	reports map[string]Report
}

var (
	_ ReportRepository = (*PgReportRepository)(nil)
	_ ReportRepository = (*MemoryReportRepository)(nil)
)

func NewMemoryReportRepository() *MemoryReportRepository {
	return &MemoryReportRepository{reports: make(map[string]Report)}
}

func reportKey(patientID uuid.UUID, period Period, start string) string {
	return patientID.String() + "|" + string(period) + "|" + start
}

func (m *MemoryReportRepository) SaveReport(_ context.Context, rep *Report) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := reportKey(rep.PatientID, rep.Period, rep.PeriodStart)
	if _, ok := m.reports[key]; ok {
		return false, nil
	}
	m.reports[key] = *rep
	return true, nil
}

func (m *MemoryReportRepository) ListReports(_ context.Context, patientID uuid.UUID, period Period, limit int) ([]*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Report
	for _, rep := range m.reports {
		if rep.PatientID != patientID || (period != "" && rep.Period != period) {
			continue
		}
		rep := rep
		out = append(out, &rep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart > out[j].PeriodStart })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
