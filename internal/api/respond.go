package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/hackgods/medication-adherence/internal/access"
	"github.com/hackgods/medication-adherence/internal/adherence"
	"github.com/hackgods/medication-adherence/internal/archive"
	"github.com/hackgods/medication-adherence/internal/medication"
	"github.com/hackgods/medication-adherence/internal/notify"
	redisclient "github.com/hackgods/medication-adherence/internal/redis"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", err.Error())
		return false
	}
	return true
}

// handleError maps domain errors to responses. Unknown errors are logged and
// reported without detail.
func handleError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	var (
		verr  *medication.ValidationError
		pverr *access.ValidationError
		aerr  *access.AuthorizationError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation_failed", Fields: verr.Fields})
	case errors.As(err, &pverr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:  "validation_failed",
			Fields: []medication.FieldError{{Field: pverr.Field, Message: pverr.Message}},
		})
	case errors.Is(err, adherence.ErrInvalidWindow):
		writeError(w, http.StatusBadRequest, "invalid_window", err.Error())
	case errors.As(err, &aerr):
		writeError(w, http.StatusForbidden, "forbidden", aerr.Reason)
	case errors.Is(err, access.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "")
	case errors.Is(err, access.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, access.ErrMemberNotFound):
		writeError(w, http.StatusNotFound, "family_member_not_found", err.Error())
	case errors.Is(err, medication.ErrCommandNotFound):
		writeError(w, http.StatusNotFound, "medication_not_found", err.Error())
	case errors.Is(err, medication.ErrEventNotFound):
		writeError(w, http.StatusNotFound, "event_not_found", err.Error())
	case errors.Is(err, archive.ErrSummaryNotFound):
		writeError(w, http.StatusNotFound, "summary_not_found", err.Error())
	case errors.Is(err, notify.ErrNotFound):
		writeError(w, http.StatusNotFound, "notification_not_found", err.Error())
	case errors.Is(err, medication.ErrVersionConflict):
		writeError(w, http.StatusConflict, "version_conflict", "the medication was modified concurrently, reload and retry")
	case errors.Is(err, medication.ErrDuplicateEvent):
		writeError(w, http.StatusConflict, "duplicate_event", err.Error())
	case errors.Is(err, medication.ErrDoseAlreadyTaken):
		writeError(w, http.StatusConflict, "dose_already_taken", err.Error())
	case errors.Is(err, medication.ErrAlreadyUndone):
		writeError(w, http.StatusConflict, "already_undone", err.Error())
	case errors.Is(err, medication.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, medication.ErrCommandDiscontinued):
		writeError(w, http.StatusConflict, "medication_discontinued", err.Error())
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "busy", "another operation is in progress, please retry shortly")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", "")
	default:
		log.Error("request failed",
			zap.String("request_id", GetRequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "")
	}
}
