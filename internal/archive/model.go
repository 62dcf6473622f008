package archive

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/medication-adherence/internal/adherence"
)

// Correction records events that arrived for a day after it was summarized.
// The summary counts are not recomputed; readers that need exact figures
// recompute from the log.
type Correction struct {
	At       time.Time `json:"at"`
	EventIDs []string  `json:"eventIds"`
}

// DailySummary closes out one patient-local calendar day (collection
// medication_daily_summaries).
type DailySummary struct {
	ID               uuid.UUID                    `json:"id"`
	PatientID        uuid.UUID                    `json:"patientId"`
	Date             string                       `json:"date"`
	TimeZone         string                       `json:"timeZone"`
	Stats            adherence.Stats              `json:"stats"`
	Medications      []adherence.MedicationRollup `json:"medications,omitempty"`
	ArchivedEventIDs []string                     `json:"archivedEventIds"`
	Corrections      []Correction                 `json:"corrections,omitempty"`
	CreatedAt        time.Time                    `json:"createdAt"`
}

// Result describes what one ArchiveDay call did.
type Result struct {
	SummaryID uuid.UUID `json:"summaryId"`
	Date      string    `json:"date"`
	Created   bool      `json:"created"`
	Archived  int       `json:"archived"`
	Corrected int       `json:"corrected"`
}
