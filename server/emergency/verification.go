package emergency

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/legacyguard/shield/server/models"
	"gorm.io/gorm"
)

// Verify runs one verification attempt against an in-flight emergency. The
// attempt budget is enforced against the sum of attempts across all prior
// records for the (emergency, method) pair, so abandoning a record does not
// reset the counter. A passing attempt activates the emergency; a failing
// one is recorded and the emergency is left as it was.
func (service *Service) Verify(emergencyID interface{}, verifierID uint, method string, payload map[string]interface{}) (*models.EmergencyVerification, error) {
	if !models.VerificationMethodNameMap[method] {
		return nil, fmt.Errorf("%w: unknown verification method %q", ErrValidation, method)
	}

	access, err := models.FindEmergencyAccess(emergencyID)
	if err != nil {
		return nil, asNotFound(err)
	}

	if access.IsTerminal() {
		return nil, ErrTerminalState
	}
	if access.TimeLockedUntil != nil && access.TimeLockedUntil.After(time.Now()) {
		return nil, ErrTimeLocked
	}

	priorAttempts, err := models.AttemptCountForAccessMethod(access.ID, method)
	if err != nil {
		return nil, err
	}
	if priorAttempts >= int64(models.MaxAttemptsForMethod(method)) {
		return nil, ErrMaxAttempts
	}

	encodedPayload, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	verification := &models.EmergencyVerification{
		EmergencyAccessID: access.ID,
		VerifierID:        verifierID,
		Method:            method,
	}
	if payload != nil {
		verification.Payload = string(encodedPayload)
	}
	if err := models.CreateVerification(verification); err != nil {
		return nil, err
	}

	verified, reason := evaluateMethod(access, method, payload)

	if verified {
		if err := verification.MarkVerified(); err != nil {
			return nil, err
		}
		if err := service.activate(access); err != nil {
			return nil, err
		}
	} else {
		if err := verification.MarkFailed(reason); err != nil {
			return nil, err
		}
		service.bus.publish(Event{
			Type: EventVerificationFailed, AccessID: access.ID, UserID: access.UserID,
			Reference: access.Reference, At: time.Now(),
		})
	}

	attempt := models.VerificationAttempt{
		VerificationID: verification.ID,
		VerifierID:     verifierID,
		Method:         method,
		Timestamp:      time.Now(),
		Verified:       verified,
		Reason:         reason,
	}
	if err := access.AppendVerificationAttempt(attempt); err != nil {
		logg.Errorf("could not log verification attempt for access %v: %v", access.ID, err)
	}

	return models.FindVerification(verification.ID)
}

// evaluateMethod decides pass/fail for one attempt. Malformed payloads fail
// the attempt with a reason, they never error out.
func evaluateMethod(access *models.EmergencyAccess, method string, payload map[string]interface{}) (bool, string) {
	switch method {
	case models.EMAIL_CODE_METHOD, models.SMS_CODE_METHOD:
		code, _ := payload["code"].(string)
		if code == "" {
			return false, "missing verification code"
		}
		if access.VerificationCode == "" || code != access.VerificationCode {
			return false, "verification code does not match"
		}
		return true, ""

	case models.IDENTITY_DOCUMENT_METHOD:
		for _, field := range []string{"document_type", "document_number", "document_image"} {
			value, _ := payload[field].(string)
			if value == "" {
				return false, fmt.Sprintf("missing %v", field)
			}
		}
		return true, ""

	case models.MULTIPLE_CONTACTS_METHOD:
		confirming, ok := payload["confirming_contact_ids"].([]interface{})
		if !ok {
			return false, "missing confirming_contact_ids"
		}

		distinct := map[uint]bool{}
		for _, raw := range confirming {
			if id, ok := asUint(raw); ok {
				distinct[id] = true
			}
		}
		if len(distinct) < 2 {
			return false, "at least two distinct confirming contacts required"
		}
		return true, ""

	default:
		return false, fmt.Sprintf("verification method %v is not supported", method)
	}
}

// activate moves the emergency to active, retrying the guarded update a few
// times when the row moves underneath.
func (service *Service) activate(access *models.EmergencyAccess) error {
	const maxRetries = 3

	now := time.Now()
	extra := map[string]interface{}{
		"verification_completed": true,
		"activated_at":           now,
	}

	for i := 0; ; i++ {
		if access.IsTerminal() {
			return ErrTerminalState
		}

		updated, err := access.TransitionTo(models.ACTIVE_ACCESS, extra)
		if err != nil {
			return err
		}
		if updated {
			break
		}
		if i+1 >= maxRetries {
			return fmt.Errorf("could not activate emergency access %v, row kept changing", access.ID)
		}

		access, err = models.FindEmergencyAccess(access.ID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
	}

	service.bus.publish(Event{
		Type: EventActivated, AccessID: access.ID, UserID: access.UserID,
		Reference: access.Reference, At: now,
	})

	return nil
}
