package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/medication-adherence/internal/access"
	"github.com/hackgods/medication-adherence/internal/auth"
	"github.com/hackgods/medication-adherence/internal/schedule"
)

func urlUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// subject is set by auth.Middleware on every route that reaches a handler.
func subject(r *http.Request) uuid.UUID {
	id, _ := auth.SubjectFrom(r.Context())
	return id
}

func (s *server) authorize(w http.ResponseWriter, r *http.Request, patientID uuid.UUID, perm access.Permission) bool {
	if err := s.dir.Authorize(r.Context(), subject(r), patientID, perm); err != nil {
		handleError(w, r, s.log, err)
		return false
	}
	return true
}

// patientScope parses {patientID} and checks perm against it.
func (s *server) patientScope(w http.ResponseWriter, r *http.Request, perm access.Permission) (uuid.UUID, bool) {
	id, ok := urlUUID(w, r, "patientID")
	if !ok {
		return uuid.Nil, false
	}
	if !s.authorize(w, r, id, perm) {
		return uuid.Nil, false
	}
	return id, true
}

func (s *server) patientLocation(ctx context.Context, patientID uuid.UUID) (*time.Location, error) {
	p, err := s.dir.GetPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return schedule.LoadLocation(p.TimeZone)
}

// createPatient registers the caller as a patient.
func (s *server) createPatient() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in access.PatientInput
		if !decode(w, r, &in) {
			return
		}
		in.ID = subject(r)
		if _, err := s.dir.GetPatient(r.Context(), in.ID); err == nil {
			writeError(w, http.StatusConflict, "patient_exists", "a patient profile already exists for this subject")
			return
		} else if !errors.Is(err, access.ErrPatientNotFound) {
			handleError(w, r, s.log, err)
			return
		}
		p, err := s.dir.CreatePatient(r.Context(), in)
		if err != nil {
			handleError(w, r, s.log, err)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	}
}

func (s *server) getPatient() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.patientScope(w, r, access.PermView)
		if !ok {
			return
		}
		p, err := s.dir.GetPatient(r.Context(), id)
		if err != nil {
			handleError(w, r, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func (s *server) updatePatient() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.patientScope(w, r, access.PermEdit)
		if !ok {
			return
		}
		var in access.PatientInput
		if !decode(w, r, &in) {
			return
		}
		p, err := s.dir.UpdatePatient(r.Context(), id, in)
		if err != nil {
			handleError(w, r, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func (s *server) listFamily() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.patientScope(w, r, access.PermView)
		if !ok {
			return
		}
		members, err := s.dir.ListFamilyMembers(r.Context(), id)
		if err != nil {
			handleError(w, r, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, listOf(members))
	}
}

// linkFamilyMember grants or changes access. Only the patient manages their
// own care circle.
func (s *server) linkFamilyMember() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID, ok := urlUUID(w, r, "patientID")
		if !ok {
			return
		}
		memberID, ok := urlUUID(w, r, "memberID")
		if !ok {
			return
		}
		if subject(r) != patientID {
			writeError(w, http.StatusForbidden, "forbidden", "only the patient can change family access")
			return
		}
		var in access.MemberInput
		if !decode(w, r, &in) {
			return
		}
		in.MemberID = memberID
		m, err := s.dir.LinkFamilyMember(r.Context(), patientID, in)
		if err != nil {
			handleError(w, r, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

func (s *server) getPreferences() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.patientScope(w, r, access.PermView)
		if !ok {
			return
		}
		p, err := s.meds.GetPreferences(r.Context(), id)
		if err != nil {
			handleError(w, r, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func (s *server) updatePreferences() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.patientScope(w, r, access.PermEdit)
		if !ok {
			return
		}
		var req PreferencesRequest
		if !decode(w, r, &req) {
			return
		}
		p, err := s.meds.UpdatePreferences(r.Context(), id, req.Preferences, req.ExpectedVersion, subject(r))
		if err != nil {
			handleError(w, r, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}
