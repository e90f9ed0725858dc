package models

import (
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

var ErrActiveEmergencyExists = errors.New("emergency access already active for user")

// ContactAttempt is one entry in the access record's contact-attempt log.
type ContactAttempt struct {
	ContactID uint      `json:"contact_id"`
	Method    string    `json:"method"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Response  string    `json:"response,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// VerificationAttempt is one entry in the access record's verification log.
type VerificationAttempt struct {
	VerificationID uint      `json:"verification_id"`
	VerifierID     uint      `json:"verifier_id"`
	Method         string    `json:"method"`
	Timestamp      time.Time `json:"timestamp"`
	Verified       bool      `json:"verified"`
	Reason         string    `json:"reason,omitempty"`
}

// AccessMetadata is the audit bag persisted as JSON text on the access row.
type AccessMetadata struct {
	ContactAttempts      []ContactAttempt      `json:"contact_attempts,omitempty"`
	VerificationAttempts []VerificationAttempt `json:"verification_attempts,omitempty"`
	Notes                []string              `json:"notes,omitempty"`
}

// EmergencyAccess represents one in-flight or settled emergency request.
type EmergencyAccess struct {
	BaseModel
	Reference             string     `json:"reference" gorm:"not null;unique"`
	UserID                uint       `json:"user_id" gorm:"not null;index"`
	RequesterID           uint       `json:"requester_id"`
	TriggerType           string     `json:"trigger_type" gorm:"not null"`
	AccessLevel           string     `json:"access_level" gorm:"not null"`
	AccessStatusID        uint       `json:"access_status_id"`
	AccessStatus          *AccessStatus `json:"status,omitempty"`
	AccessibleDocumentIDs string     `json:"accessible_document_ids"`
	TimeLockedUntil       *time.Time `json:"time_locked_until,omitempty"`
	AutoUnlockAt          *time.Time `json:"auto_unlock_at,omitempty"`
	ExpiresAt             *time.Time `json:"expires_at,omitempty"`
	VerificationRequired  bool       `json:"verification_required"`
	VerificationCompleted bool       `json:"verification_completed"`
	VerificationCode      string     `json:"-"`
	Reason                string     `json:"reason"`
	Evidence              string     `json:"evidence,omitempty"`
	ActivatedAt           *time.Time `json:"activated_at,omitempty"`
	ResolvedAt            *time.Time `json:"resolved_at,omitempty"`
	ResolutionReason      string     `json:"resolution_reason,omitempty"`
	Metadata              string     `json:"metadata,omitempty"`
	Verifications         []EmergencyVerification `json:"verifications,omitempty" gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
}

func (access *EmergencyAccess) StatusName() string {
	if access.AccessStatus != nil {
		return access.AccessStatus.Name
	}

	accessStatus := AccessStatus{}
	if err := db.First(&accessStatus, "id = ?", access.AccessStatusID).Error; err != nil {
		return ""
	}

	return accessStatus.Name
}

func (access *EmergencyAccess) IsTerminal() bool {
	return IsTerminalAccessStatus(access.StatusName())
}

func (access *EmergencyAccess) DocumentIDs() ([]uint, error) {
	ids := []uint{}
	if access.AccessibleDocumentIDs == "" {
		return ids, nil
	}

	err := json.Unmarshal([]byte(access.AccessibleDocumentIDs), &ids)
	return ids, err
}

func (access *EmergencyAccess) Meta() (*AccessMetadata, error) {
	meta := AccessMetadata{}
	if access.Metadata == "" {
		return &meta, nil
	}

	err := json.Unmarshal([]byte(access.Metadata), &meta)
	if err != nil {
		return nil, err
	}

	return &meta, nil
}

// GuardedUpdate applies data iff the row has not changed since this copy was
// loaded, comparing updated_at. The false return means the row moved under
// us and the caller should reload and retry (or give up).
func (access *EmergencyAccess) GuardedUpdate(data map[string]interface{}) (bool, error) {
	data["updated_at"] = time.Now()

	res := db.Model(&EmergencyAccess{}).
		Where("id = ? AND updated_at = ?", access.ID, access.UpdatedAt).
		Updates(data)
	if res.Error != nil {
		return false, res.Error
	}

	return res.RowsAffected > 0, nil
}

// TransitionTo moves the access record to the named status with the same
// stale-row guard as GuardedUpdate.
func (access *EmergencyAccess) TransitionTo(statusName string, extra map[string]interface{}) (bool, error) {
	accessStatus, err := FindAccessStatus(statusName)
	if err != nil {
		return false, err
	}

	data := map[string]interface{}{"access_status_id": accessStatus.ID}
	for key, val := range extra {
		data[key] = val
	}

	return access.GuardedUpdate(data)
}

// AppendContactAttempt adds an entry to the contact-attempt log. Retries a
// few times on guard misses so concurrent steps logging attempts
// do not drop entries.
func (access *EmergencyAccess) AppendContactAttempt(attempt ContactAttempt) error {
	return access.appendMeta(func(meta *AccessMetadata) {
		meta.ContactAttempts = append(meta.ContactAttempts, attempt)
	})
}

func (access *EmergencyAccess) AppendVerificationAttempt(attempt VerificationAttempt) error {
	return access.appendMeta(func(meta *AccessMetadata) {
		meta.VerificationAttempts = append(meta.VerificationAttempts, attempt)
	})
}

func (access *EmergencyAccess) appendMeta(mutate func(*AccessMetadata)) error {
	const maxRetries = 3

	for i := 0; i < maxRetries; i++ {
		current, err := FindEmergencyAccess(access.ID)
		if err != nil {
			return err
		}

		meta, err := current.Meta()
		if err != nil {
			return err
		}
		mutate(meta)

		encoded, err := json.Marshal(meta)
		if err != nil {
			return err
		}

		updated, err := current.GuardedUpdate(map[string]interface{}{"metadata": string(encoded)})
		if err != nil {
			return err
		}
		if updated {
			return nil
		}
	}

	return errors.New("could not append to access metadata, row kept changing")
}

// CreateEmergencyAccessIfNone inserts the access record iff the user has no
// emergency in a non-terminal status. The check and the insert share one
// transaction so two near-simultaneous triggers cannot both pass the guard.
func CreateEmergencyAccessIfNone(access *EmergencyAccess) error {
	return db.Transaction(func(tx *gorm.DB) error {
		statusIDs := []uint{}
		err := tx.Model(&AccessStatus{}).Where("name IN ?", NonTerminalAccessStatuses).
			Pluck("id", &statusIDs).Error
		if err != nil {
			return err
		}

		var count int64
		err = tx.Model(&EmergencyAccess{}).
			Where("user_id = ? AND access_status_id IN ?", access.UserID, statusIDs).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return ErrActiveEmergencyExists
		}

		return tx.Create(access).Error
	})
}

// DeleteEmergencyAccess removes the row and its verification records. Used
// to undo a create whose follow-up scheduling failed.
func DeleteEmergencyAccess(id interface{}) error {
	return db.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("emergency_access_id = ?", id).Delete(&EmergencyVerification{}).Error
		if err != nil {
			return err
		}

		return tx.Delete(&EmergencyAccess{}, id).Error
	})
}

func FindEmergencyAccess(id interface{}) (*EmergencyAccess, error) {
	access := EmergencyAccess{}
	err := db.Preload("AccessStatus").First(&access, "id = ?", id).Error
	if err != nil {
		return nil, err
	}

	return &access, nil
}

func FindEmergencyAccessByReference(reference string) (*EmergencyAccess, error) {
	access := EmergencyAccess{}
	err := db.Preload("AccessStatus").First(&access, "reference = ?", reference).Error
	if err != nil {
		return nil, err
	}

	return &access, nil
}

// ActiveEmergencyForUser returns the user's single non-terminal access
// record, or gorm.ErrRecordNotFound.
func ActiveEmergencyForUser(userID interface{}) (*EmergencyAccess, error) {
	access := EmergencyAccess{}

	err := db.Preload("AccessStatus").Joins(
		"INNER JOIN access_statuses ON access_statuses.id = emergency_accesses.access_status_id AND access_statuses.name IN ?",
		NonTerminalAccessStatuses).
		Where("user_id = ?", userID).First(&access).Error
	if err != nil {
		return nil, err
	}

	return &access, nil
}

// NonTerminalEmergencyCountForUser supports the ≤1 in-flight invariant checks.
func NonTerminalEmergencyCountForUser(userID interface{}) (int64, error) {
	var count int64

	err := db.Model(&EmergencyAccess{}).Joins(
		"INNER JOIN access_statuses ON access_statuses.id = emergency_accesses.access_status_id AND access_statuses.name IN ?",
		NonTerminalAccessStatuses).
		Where("user_id = ?", userID).Count(&count).Error

	return count, err
}

// OverdueEmergencies returns non-terminal access records whose expiry
// deadline has passed, for the expiry sweep.
func OverdueEmergencies(now time.Time) ([]EmergencyAccess, error) {
	accesses := []EmergencyAccess{}

	err := db.Preload("AccessStatus").Joins(
		"INNER JOIN access_statuses ON access_statuses.id = emergency_accesses.access_status_id AND access_statuses.name IN ?",
		NonTerminalAccessStatuses).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Find(&accesses).Error
	if err != nil {
		return nil, err
	}

	return accesses, nil
}

func CurrentAccessStats() (*AccessStats, error) {
	const JOIN_QUERY = "INNER JOIN access_statuses ON access_statuses.id = emergency_accesses.access_status_id AND access_statuses.name = ?"

	stats := AccessStats{}
	counts := map[string]*int64{
		PENDING_ACCESS:               &stats.PendingCount,
		TIME_LOCKED_ACCESS:           &stats.TimeLockedCount,
		VERIFICATION_REQUIRED_ACCESS: &stats.VerificationRequiredCount,
		ACTIVE_ACCESS:                &stats.ActiveCount,
		RESOLVED_ACCESS:              &stats.ResolvedCount,
		EXPIRED_ACCESS:               &stats.ExpiredCount,
		DENIED_ACCESS:                &stats.DeniedCount,
	}

	for name, count := range counts {
		err := db.Joins(JOIN_QUERY, name).Model(&EmergencyAccess{}).Count(count).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	return &stats, nil
}
