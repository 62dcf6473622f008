package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hackgods/medication-adherence/internal/access"
	"github.com/hackgods/medication-adherence/internal/medication"
	"github.com/hackgods/medication-adherence/internal/schedule"
)

// systemEvents are appended by scheduled jobs only.
var systemEvents = map[medication.EventType]bool{
	medication.EventReminderSent:       true,
	medication.EventPatternDetected:    true,
	medication.EventGracePeriodExpired: true,
}

// commandScope loads {commandID} and checks perm against its patient.
func (s *server) commandScope(w http.ResponseWriter, r *http.Request, perm access.Permission) (*medication.Command, bool) {
	id, ok := urlUUID(w, r, "commandID")
	if !ok {
		return nil, false
	}
	cmd, err := s.meds.GetCommand(r.Context(), id)
	if err != nil {
		handleError(w, r, s.log, err)
		return nil, false
	}
	if !s.authorize(w, r, cmd.PatientID, perm) {
		return nil, false
	}
	return cmd, true
}

func (s *server) listMedications() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.patientScope(w, r, access.PermView)
		if !ok {
			return
		}
		activeOnly := r.URL.Query().Get("active") == "true"
		cmds, err := s.meds.ListCommands(r.Context(), id, activeOnly)
		if err != nil {
			handleError(w, r, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, listOf(cmds))
	}
}

func (s *server) createMedication() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.patientScope(w, r, access.PermEdit)
		if !ok {
			return
		}
		var in medication.CreateInput
		if !decode(w, r, &in) {
			return
		}
		in.PatientID = id
		if in.Schedule.TimeZone == "" {
			p, err := s.dir.GetPatient(r.Context(), id)
			if err != nil {
				handleError(w, r, s.log, err)
				return
			}
			in.Schedule.TimeZone = p.TimeZone
		}
		cmd, err := s.meds.CreateCommand(r.Context(), in, subject(r))
		if err != nil {
			handleError(w, r, s.log, err)
			return
		}
		writeJSON(w, http.StatusCreated, cmd)
	}
}

func (s *server) getMedication() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cmd, ok := s.commandScope(w, r, access.PermView)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, cmd)
	}
}

func (s *server) updateMedication() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cmd, ok := s.commandScope(w, r, access.PermEdit)
		if !ok {
			return
		}
		var p medication.Patch
		if !decode(w, r, &p) {
			return
		}
		updated, err := s.meds.UpdateCommand(r.Context(), cmd.ID, p, subject(r))
		if err != nil {
			handleError(w, r, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

func (s *server) changeStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cmd, ok := s.commandScope(w, r, access.PermEdit)
		if !ok {
			return
		}
		var req StatusChangeRequest
		if !decode(w, r, &req) {
			return
		}
		updated, err := s.meds.ChangeStatus(r.Context(), cmd.ID, req.Status, subject(r), req.Reason)
		if err != nil {
			handleError(w, r, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

func (s *server) listEvents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cmd, ok := s.commandScope(w, r, access.PermView)
		if !ok {
			return
		}
		q := r.URL.Query()
		from, err := optionalTime(q.Get("from"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_from", "from must be RFC 3339")
			return
		}
		until, err := optionalTime(q.Get("until"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_until", "until must be RFC 3339")
			return
		}
		f := medication.EventFilter{
			From:            from,
			Until:           until,
			IncludeArchived: q.Get("includeArchived") == "true",
			Limit:           queryInt(r, "limit", 500),
		}
		if types := q.Get("types"); types != "" {
			for _, t := range strings.Split(types, ",") {
				f.Types = append(f.Types, medication.EventType(strings.TrimSpace(t)))
			}
		}
		events, err := s.meds.ListEvents(r.Context(), cmd.ID, f)
		if err != nil {
			handleError(w, r, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, listOf(events))
	}
}

// appendEvent records a dose outcome, snooze, reschedule or note.
func (s *server) appendEvent() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cmd, ok := s.commandScope(w, r, access.PermEdit)
		if !ok {
			return
		}
		var in medication.AppendInput
		if !decode(w, r, &in) {
			return
		}
		if systemEvents[in.Type] {
			writeError(w, http.StatusBadRequest, "invalid_event_type", string(in.Type)+" is recorded by the system")
			return
		}
		in.CommandID = cmd.ID
		in.ActorID = subject(r)
		ev, err := s.meds.AppendEvent(r.Context(), in)
		if err != nil {
			handleError(w, r, s.log, err)
			return
		}
		writeJSON(w, http.StatusCreated, ev)
	}
}

func (s *server) undoDose() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cmd, ok := s.commandScope(w, r, access.PermEdit)
		if !ok {
			return
		}
		var req UndoRequest
		if !decode(w, r, &req) {
			return
		}
		ev, err := s.meds.UndoDose(r.Context(), cmd.ID, chi.URLParam(r, "eventID"), req.CorrectedAction, subject(r), req.Reason)
		if err != nil {
			handleError(w, r, s.log, err)
			return
		}
		writeJSON(w, http.StatusCreated, ev)
	}
}

func (s *server) acknowledgeReminder() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cmd, ok := s.commandScope(w, r, access.PermView)
		if !ok {
			return
		}
		ev, err := s.meds.AcknowledgeReminder(r.Context(), cmd.ID, chi.URLParam(r, "eventID"), subject(r))
		if err != nil {
			handleError(w, r, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, ev)
	}
}

// medicationDay returns the dose slots of one command for ?date=, defaulting
// to today in the medication's time zone.
func (s *server) medicationDay() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cmd, ok := s.commandScope(w, r, access.PermView)
		if !ok {
			return
		}
		date := r.URL.Query().Get("date")
		if date == "" {
			date = schedule.LocalDate(s.clock.Now(), cmd.Location())
		}
		slots, err := s.meds.DayStatus(r.Context(), cmd.ID, date)
		if err != nil {
			handleError(w, r, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, listOf(slots))
	}
}

func (s *server) patientDay() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.patientScope(w, r, access.PermView)
		if !ok {
			return
		}
		date := r.URL.Query().Get("date")
		if date == "" {
			loc, err := s.patientLocation(r.Context(), id)
			if err != nil {
				handleError(w, r, s.log, err)
				return
			}
			date = schedule.LocalDate(s.clock.Now(), loc)
		}
		days, err := s.meds.PatientDay(r.Context(), id, date)
		if err != nil {
			handleError(w, r, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"date": date, "medications": days})
	}
}
