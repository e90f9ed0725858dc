package emergency

import (
	"testing"
	"time"

	"github.com/legacyguard/shield/server/models"
	"github.com/stretchr/testify/assert"
)

// triggerVerifiable opens an emergency with no time lock, sitting in
// verification_required with an issued code.
func triggerVerifiable(t *testing.T, service *Service, userID uint) *models.EmergencyAccess {
	access, err := service.Trigger(TriggerParams{
		UserID:      userID,
		TriggerType: models.MANUAL_REQUEST_TRIGGER,
		AccessLevel: models.BASIC_LEVEL,
		Reason:      "hospitalized",
	})
	assert.Nil(t, err)
	assert.Equal(t, models.VERIFICATION_REQUIRED_ACCESS, access.StatusName())
	assert.NotEmpty(t, access.VerificationCode)

	return access
}

func TestVerifyCodeMatch(t *testing.T) {
	service, _, _ := newTestService(t)
	user := createAccount(t, "owner@example.com", "+14165550100")
	access := triggerVerifiable(t, service, user.ID)

	// wrong code fails the attempt but leaves the emergency in place
	verification, err := service.Verify(access.ID, user.ID, models.SMS_CODE_METHOD,
		map[string]interface{}{"code": "000000"})
	assert.Nil(t, err)
	assert.Equal(t, models.FAILED_VERIFICATION, verification.Status)
	assert.Contains(t, verification.FailureReason, "does not match")

	current, err := service.Status(access.ID)
	assert.Nil(t, err)
	assert.Equal(t, models.VERIFICATION_REQUIRED_ACCESS, current.StatusName())
	assert.False(t, current.VerificationCompleted)

	// the issued code activates
	verification, err = service.Verify(access.ID, user.ID, models.SMS_CODE_METHOD,
		map[string]interface{}{"code": access.VerificationCode})
	assert.Nil(t, err)
	assert.Equal(t, models.VERIFIED_VERIFICATION, verification.Status)
	assert.NotNil(t, verification.VerifiedAt)

	current, err = service.Status(access.ID)
	assert.Nil(t, err)
	assert.Equal(t, models.ACTIVE_ACCESS, current.StatusName())
	assert.True(t, current.VerificationCompleted)
	assert.NotNil(t, current.ActivatedAt)

	// both attempts are in the audit log
	meta, err := current.Meta()
	assert.Nil(t, err)
	assert.Len(t, meta.VerificationAttempts, 2)
	assert.False(t, meta.VerificationAttempts[0].Verified)
	assert.True(t, meta.VerificationAttempts[1].Verified)
}

func TestVerifyRefusedWhileTimeLocked(t *testing.T) {
	service, _, _ := newTestService(t)
	user := createAccount(t, "owner@example.com", "+14165550100")

	access, err := service.Trigger(TriggerParams{
		UserID:      user.ID,
		TriggerType: models.MANUAL_REQUEST_TRIGGER,
		AccessLevel: models.FULL_LEVEL,
		Reason:      "hospitalized",
	})
	assert.Nil(t, err)
	assert.Equal(t, models.TIME_LOCKED_ACCESS, access.StatusName())

	_, err = service.Verify(access.ID, user.ID, models.SMS_CODE_METHOD,
		map[string]interface{}{"code": access.VerificationCode})
	assert.ErrorIs(t, err, ErrTimeLocked)
}

func TestVerifyAttemptBudget(t *testing.T) {
	service, _, _ := newTestService(t)
	user := createAccount(t, "owner@example.com", "+14165550100")
	access := triggerVerifiable(t, service, user.ID)

	for i := 0; i < models.MaxAttemptsForMethod(models.SMS_CODE_METHOD); i++ {
		verification, err := service.Verify(access.ID, user.ID, models.SMS_CODE_METHOD,
			map[string]interface{}{"code": "999999"})
		assert.Nil(t, err)
		assert.Equal(t, models.FAILED_VERIFICATION, verification.Status)
	}

	// the budget counts across records, so even the right code is refused now
	_, err := service.Verify(access.ID, user.ID, models.SMS_CODE_METHOD,
		map[string]interface{}{"code": access.VerificationCode})
	assert.ErrorIs(t, err, ErrMaxAttempts)

	// a different method still has its own budget
	verification, err := service.Verify(access.ID, user.ID, models.EMAIL_CODE_METHOD,
		map[string]interface{}{"code": access.VerificationCode})
	assert.Nil(t, err)
	assert.Equal(t, models.VERIFIED_VERIFICATION, verification.Status)
}

func TestVerifyTerminalEmergency(t *testing.T) {
	service, _, _ := newTestService(t)
	user := createAccount(t, "owner@example.com", "+14165550100")
	access := triggerVerifiable(t, service, user.ID)

	_, err := service.Deny(access.ID, "not needed")
	assert.Nil(t, err)

	_, err = service.Verify(access.ID, user.ID, models.SMS_CODE_METHOD,
		map[string]interface{}{"code": access.VerificationCode})
	assert.ErrorIs(t, err, ErrTerminalState)
}

func TestVerifyUnknownMethod(t *testing.T) {
	service, _, _ := newTestService(t)
	user := createAccount(t, "owner@example.com", "+14165550100")
	access := triggerVerifiable(t, service, user.ID)

	_, err := service.Verify(access.ID, user.ID, "palm_reading", nil)
	assert.ErrorIs(t, err, ErrValidation)

	// supported in name but not implemented: fails the attempt, no crash
	verification, err := service.Verify(access.ID, user.ID, models.BIOMETRIC_METHOD,
		map[string]interface{}{"sample": "…"})
	assert.Nil(t, err)
	assert.Equal(t, models.FAILED_VERIFICATION, verification.Status)
	assert.Contains(t, verification.FailureReason, "not supported")
}

func TestVerifyIdentityDocument(t *testing.T) {
	service, _, _ := newTestService(t)
	user := createAccount(t, "owner@example.com", "+14165550100")
	access := triggerVerifiable(t, service, user.ID)

	// malformed payload is a failed attempt, never an error
	verification, err := service.Verify(access.ID, user.ID, models.IDENTITY_DOCUMENT_METHOD,
		map[string]interface{}{"document_type": "passport"})
	assert.Nil(t, err)
	assert.Equal(t, models.FAILED_VERIFICATION, verification.Status)
	assert.Contains(t, verification.FailureReason, "document_number")

	verification, err = service.Verify(access.ID, user.ID, models.IDENTITY_DOCUMENT_METHOD,
		map[string]interface{}{
			"document_type":   "passport",
			"document_number": "GA1234567",
			"document_image":  "base64…",
		})
	assert.Nil(t, err)
	assert.Equal(t, models.VERIFIED_VERIFICATION, verification.Status)

	current, err := service.Status(access.ID)
	assert.Nil(t, err)
	assert.Equal(t, models.ACTIVE_ACCESS, current.StatusName())
}

func TestVerifyMultipleContacts(t *testing.T) {
	service, _, _ := newTestService(t)
	user := createAccount(t, "owner@example.com", "+14165550100")
	access := triggerVerifiable(t, service, user.ID)

	// one confirming contact is not enough, and the method allows one attempt
	verification, err := service.Verify(access.ID, user.ID, models.MULTIPLE_CONTACTS_METHOD,
		map[string]interface{}{"confirming_contact_ids": []interface{}{float64(1), float64(1)}})
	assert.Nil(t, err)
	assert.Equal(t, models.FAILED_VERIFICATION, verification.Status)

	_, err = service.Verify(access.ID, user.ID, models.MULTIPLE_CONTACTS_METHOD,
		map[string]interface{}{"confirming_contact_ids": []interface{}{float64(1), float64(2)}})
	assert.ErrorIs(t, err, ErrMaxAttempts)
}

func TestVerificationRecordDefaults(t *testing.T) {
	service, _, _ := newTestService(t)
	user := createAccount(t, "owner@example.com", "+14165550100")
	access := triggerVerifiable(t, service, user.ID)

	verification, err := service.Verify(access.ID, user.ID, models.SMS_CODE_METHOD,
		map[string]interface{}{"code": "111111"})
	assert.Nil(t, err)

	assert.Equal(t, 1, verification.Attempts)
	assert.Equal(t, 3, verification.MaxAttempts)
	assert.Equal(t, user.ID, verification.VerifierID)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), verification.ExpiresAt, 5*time.Second)
}
