package emergency

import (
	"errors"

	"github.com/legacyguard/shield/server/models"
)

// Error taxonomy for the emergency flow. Conflict and authorization checks
// fail fast before any mutation; validation failures surface to the caller
// with the offending field in the message.
var (
	// ErrEmergencyActive aliases the storage-layer conflict so callers can
	// match it without importing models.
	ErrEmergencyActive = models.ErrActiveEmergencyExists

	ErrNotAuthorized = errors.New("requester is not a permitted emergency contact")
	ErrNotFound      = errors.New("record not found")
	ErrValidation    = errors.New("validation failed")
	ErrTerminalState = errors.New("emergency access is already settled")
	ErrTimeLocked    = errors.New("time lock is still in force")
	ErrMaxAttempts   = errors.New("verification attempt budget exhausted")
)
