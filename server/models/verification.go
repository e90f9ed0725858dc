package models

import "time"

const (
	PENDING_VERIFICATION  = "pending"
	VERIFIED_VERIFICATION = "verified"
	FAILED_VERIFICATION   = "failed"
	EXPIRED_VERIFICATION  = "expired"
)

// Verification methods.
const (
	EMAIL_CODE_METHOD        = "email_code"
	SMS_CODE_METHOD          = "sms_code"
	IDENTITY_DOCUMENT_METHOD = "identity_document"
	MULTIPLE_CONTACTS_METHOD = "multiple_contacts"
	BIOMETRIC_METHOD         = "biometric"
	LEGAL_DOCUMENT_METHOD    = "legal_document"
)

const DEFAULT_MAX_ATTEMPTS = 3

var methodMaxAttempts = map[string]int{
	EMAIL_CODE_METHOD:        3,
	SMS_CODE_METHOD:          3,
	IDENTITY_DOCUMENT_METHOD: 5,
	MULTIPLE_CONTACTS_METHOD: 1,
}

var VerificationMethodNameMap = map[string]bool{
	EMAIL_CODE_METHOD:        true,
	SMS_CODE_METHOD:          true,
	IDENTITY_DOCUMENT_METHOD: true,
	MULTIPLE_CONTACTS_METHOD: true,
	BIOMETRIC_METHOD:         true,
	LEGAL_DOCUMENT_METHOD:    true,
}

// MaxAttemptsForMethod returns the per-method attempt budget.
func MaxAttemptsForMethod(method string) int {
	if max, ok := methodMaxAttempts[method]; ok {
		return max
	}

	return DEFAULT_MAX_ATTEMPTS
}

// EmergencyVerification is one verification attempt against an access record.
type EmergencyVerification struct {
	BaseModel
	EmergencyAccessID uint       `json:"emergency_access_id" gorm:"not null;index"`
	VerifierID        uint       `json:"verifier_id"`
	Method            string     `json:"method" gorm:"not null"`
	Status            string     `json:"status" gorm:"not null;default:pending"`
	Attempts          int        `json:"attempts" gorm:"default:1"`
	MaxAttempts       int        `json:"max_attempts"`
	ExpiresAt         time.Time  `json:"expires_at"`
	VerifiedAt        *time.Time `json:"verified_at,omitempty"`
	FailureReason     string     `json:"failure_reason,omitempty"`
	Payload           string     `json:"payload,omitempty"`
}

func (verification *EmergencyVerification) MarkVerified() error {
	now := time.Now()
	verification.Status = VERIFIED_VERIFICATION
	verification.VerifiedAt = &now

	return db.Model(&EmergencyVerification{}).Where("id = ?", verification.ID).
		Updates(map[string]interface{}{"status": VERIFIED_VERIFICATION, "verified_at": now}).Error
}

func (verification *EmergencyVerification) MarkFailed(reason string) error {
	verification.Status = FAILED_VERIFICATION
	verification.FailureReason = reason

	return db.Model(&EmergencyVerification{}).Where("id = ?", verification.ID).
		Updates(map[string]interface{}{"status": FAILED_VERIFICATION, "failure_reason": reason}).Error
}

func CreateVerification(verification *EmergencyVerification) error {
	if verification.Status == "" {
		verification.Status = PENDING_VERIFICATION
	}
	if verification.Attempts == 0 {
		verification.Attempts = 1
	}
	if verification.MaxAttempts == 0 {
		verification.MaxAttempts = MaxAttemptsForMethod(verification.Method)
	}
	if verification.ExpiresAt.IsZero() {
		verification.ExpiresAt = time.Now().Add(24 * time.Hour)
	}

	return db.Create(verification).Error
}

func FindVerification(id interface{}) (*EmergencyVerification, error) {
	verification := EmergencyVerification{}
	err := db.First(&verification, "id = ?", id).Error
	if err != nil {
		return nil, err
	}

	return &verification, nil
}

// AttemptCountForAccessMethod sums attempts across every verification record
// for the (access, method) pair. The attempt budget is enforced against this
// aggregate, not per record, so resubmitting cannot reset the counter.
func AttemptCountForAccessMethod(accessID interface{}, method string) (int64, error) {
	type result struct{ Total int64 }
	res := result{}

	err := db.Model(&EmergencyVerification{}).
		Select("COALESCE(SUM(attempts), 0) as total").
		Where("emergency_access_id = ? AND method = ?", accessID, method).
		Scan(&res).Error

	return res.Total, err
}

func FetchVerifications(accessID interface{}) ([]EmergencyVerification, error) {
	verifications := []EmergencyVerification{}

	err := db.Where("emergency_access_id = ?", accessID).
		Order("id").Find(&verifications).Error
	if err != nil {
		return nil, err
	}

	return verifications, nil
}
