package access

import (
	"errors"
	"fmt"
)

var (
	ErrPatientNotFound = errors.New("patient not found")
	ErrMemberNotFound  = errors.New("family member not found")
	ErrForbidden       = errors.New("forbidden")
)

// AuthorizationError explains why a subject may not act on a patient. It
// matches ErrForbidden with errors.Is.
type AuthorizationError struct {
	Permission Permission
	Reason     string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("forbidden: %s (%s)", e.Reason, e.Permission)
}

func (e *AuthorizationError) Is(target error) bool { return target == ErrForbidden }
