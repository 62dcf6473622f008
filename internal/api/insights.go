package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/medication-adherence/internal/access"
	"github.com/hackgods/medication-adherence/internal/adherence"
	"github.com/hackgods/medication-adherence/internal/notify"
)

// defaultWindowDays is the read window when from/to are omitted.
const defaultWindowDays = 30

// localWindow reads ?from= and ?to= local dates, defaulting to the last
// defaultWindowDays days ending today in the patient's time zone.
func (s *server) localWindow(r *http.Request, patientID uuid.UUID) (string, string, error) {
	from, to := r.URL.Query().Get("from"), r.URL.Query().Get("to")
	if from != "" && to != "" {
		return from, to, nil
	}
	loc, err := s.patientLocation(r.Context(), patientID)
	if err != nil {
		return "", "", err
	}
	today := s.clock.Now().In(loc)
	if to == "" {
		to = today.Format(time.DateOnly)
	}
	if from == "" {
		from = today.AddDate(0, 0, -(defaultWindowDays - 1)).Format(time.DateOnly)
	}
	return from, to, nil
}

func (s *server) adherenceRollup() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.patientScope(w, r, access.PermView)
		if !ok {
			return
		}
		from, to, err := s.localWindow(r, id)
		if err != nil {
			handleError(w, r, s.log, err)
			return
		}
		rollup, err := s.engine.Rollup(r.Context(), id, from, to)
		if err != nil {
			handleError(w, r, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, rollup)
	}
}

// patterns runs detection on demand without recording anything.
func (s *server) patterns() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.patientScope(w, r, access.PermView)
		if !ok {
			return
		}
		found, err := s.engine.DetectPatterns(r.Context(), id)
		if err != nil {
			handleError(w, r, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, listOf(found))
	}
}

func (s *server) listReports() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.patientScope(w, r, access.PermView)
		if !ok {
			return
		}
		period := adherence.Period(r.URL.Query().Get("period"))
		switch period {
		case "", adherence.PeriodWeekly, adherence.PeriodMonthly:
		default:
			writeError(w, http.StatusBadRequest, "invalid_period", "period must be weekly or monthly")
			return
		}
		reports, err := s.reports.ListReports(r.Context(), id, period, queryInt(r, "limit", 12))
		if err != nil {
			handleError(w, r, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, listOf(reports))
	}
}

func (s *server) listSummaries() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.patientScope(w, r, access.PermView)
		if !ok {
			return
		}
		from, to, err := s.localWindow(r, id)
		if err != nil {
			handleError(w, r, s.log, err)
			return
		}
		sums, err := s.archiver.ListSummaries(r.Context(), id, from, to)
		if err != nil {
			handleError(w, r, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, listOf(sums))
	}
}

func (s *server) listNotifications() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.patientScope(w, r, access.PermView)
		if !ok {
			return
		}
		ns, err := s.notifier.ListForPatient(r.Context(), id, queryInt(r, "limit", 50))
		if err != nil {
			handleError(w, r, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, listOf(ns))
	}
}

// raiseAlert records alert_triggered against a medication, or sends a
// patient-level emergency straight to the care circle.
func (s *server) raiseAlert() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.patientScope(w, r, access.PermView)
		if !ok {
			return
		}
		var req AlertRequest
		if !decode(w, r, &req) {
			return
		}
		if req.Message == "" {
			writeError(w, http.StatusBadRequest, "validation_failed", "message is required")
			return
		}

		if req.CommandID != nil {
			cmd, err := s.meds.GetCommand(r.Context(), *req.CommandID)
			if err != nil {
				handleError(w, r, s.log, err)
				return
			}
			if cmd.PatientID != id {
				writeError(w, http.StatusNotFound, "medication_not_found", "medication does not belong to this patient")
				return
			}
			ev, err := s.meds.RaiseAlert(r.Context(), cmd.ID, req.Message, req.Priority, subject(r))
			if err != nil {
				handleError(w, r, s.log, err)
				return
			}
			writeJSON(w, http.StatusAccepted, DispatchResponse{EventID: ev.ID, IDs: []uuid.UUID{}})
			return
		}

		priority := notify.Priority(req.Priority)
		switch priority {
		case notify.PriorityLow, notify.PriorityNormal, notify.PriorityHigh:
		default:
			priority = notify.PriorityEmergency
		}
		sent, err := s.notifier.Dispatch(r.Context(), notify.Message{
			Type:       notify.TypeEmergency,
			Priority:   priority,
			PatientID:  id,
			Text:       req.Message,
			Permission: access.PermNotify,
			DedupeKey:  "alert:" + uuid.NewString(),
		})
		if err != nil {
			handleError(w, r, s.log, err)
			return
		}
		writeJSON(w, http.StatusAccepted, dispatched(sent))
	}
}

// requestResponsibility asks family members who can edit medications to
// take over.
func (s *server) requestResponsibility() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.patientScope(w, r, access.PermView)
		if !ok {
			return
		}
		var req ResponsibilityRequest
		if !decode(w, r, &req) {
			return
		}
		msg := notify.Message{
			Type:        notify.TypeResponsibilityNeeded,
			Priority:    notify.PriorityHigh,
			PatientID:   id,
			Text:        req.Message,
			Permission:  access.PermEdit,
			SkipPatient: true,
			DedupeKey:   "responsibility:" + uuid.NewString(),
		}
		if req.CommandID != nil {
			cmd, err := s.meds.GetCommand(r.Context(), *req.CommandID)
			if err != nil {
				handleError(w, r, s.log, err)
				return
			}
			if cmd.PatientID != id {
				writeError(w, http.StatusNotFound, "medication_not_found", "medication does not belong to this patient")
				return
			}
			msg.CommandID = &cmd.ID
			msg.MedicationName = cmd.Name
			msg.Dosage = cmd.Dosage
		}
		sent, err := s.notifier.Dispatch(r.Context(), msg)
		if err != nil {
			handleError(w, r, s.log, err)
			return
		}
		writeJSON(w, http.StatusAccepted, dispatched(sent))
	}
}

func dispatched(ns []*notify.Notification) DispatchResponse {
	ids := make([]uuid.UUID, len(ns))
	for i, n := range ns {
		ids[i] = n.ID
	}
	return DispatchResponse{Queued: len(ns), IDs: ids}
}
