package adherence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ReportRepository stores periodic rollups. SaveReport reports created=false
// when a report for the same patient, period and start already exists.
type ReportRepository interface {
	SaveReport(ctx context.Context, r *Report) (created bool, err error)
	ListReports(ctx context.Context, patientID uuid.UUID, period Period, limit int) ([]*Report, error)
}

// PeriodWindow returns the last completed period before the local date of now
// in loc. Weeks run Monday to Sunday; months are calendar months.
func PeriodWindow(period Period, now time.Time, loc *time.Location) (string, string, error) {
	local := now.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)

	switch period {
	case PeriodWeekly:
		// Days since the most recent Monday, Monday itself being 0.
		offset := (int(today.Weekday()) + 6) % 7
		thisMonday := today.AddDate(0, 0, -offset)
		start := thisMonday.AddDate(0, 0, -7)
		return start.Format(time.DateOnly), thisMonday.AddDate(0, 0, -1).Format(time.DateOnly), nil
	case PeriodMonthly:
		firstOfMonth := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC)
		start := firstOfMonth.AddDate(0, -1, 0)
		return start.Format(time.DateOnly), firstOfMonth.AddDate(0, 0, -1).Format(time.DateOnly), nil
	}
	return "", "", fmt.Errorf("unknown report period %q", period)
}

// BuildReport computes the rollup for the last completed period in the
// patient's time zone.
func (e *Engine) BuildReport(ctx context.Context, patientID uuid.UUID, period Period, loc *time.Location) (*Report, error) {
	from, to, err := PeriodWindow(period, e.clock.Now(), loc)
	if err != nil {
		return nil, err
	}
	rollup, err := e.Rollup(ctx, patientID, from, to)
	if err != nil {
		return nil, err
	}
	return &Report{
		ID:          uuid.New(),
		PatientID:   patientID,
		Period:      period,
		PeriodStart: from,
		PeriodEnd:   to,
		Rollup:      *rollup,
		CreatedAt:   e.clock.Now(),
	}, nil
}
