package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

var ErrDuplicateContactPriority = errors.New("a contact with the given priority already exists for user")

type EmergencyContact struct {
	BaseModel
	FirstName             string     `json:"first_name" validate:"required"`
	LastName              string     `json:"last_name" validate:"required"`
	PhoneNumber           string     `json:"phone_number" validate:"required,e164"`
	Email                 string     `json:"email" validate:"required,email"`
	Relationship          string     `json:"relationship"`
	Priority              int        `json:"priority" gorm:"not null"`
	CanAccessDocuments    bool       `json:"can_access_documents"`
	CanAccessLegal        bool       `json:"can_access_legal"`
	CanAccessFinancial    bool       `json:"can_access_financial"`
	CanAccessMedical      bool       `json:"can_access_medical"`
	CanAccessPersonal     bool       `json:"can_access_personal"`
	PreferredVerification string     `json:"preferred_verification"`
	LastContactedAt       *time.Time `json:"last_contacted_at,omitempty"`
	UserID                uint       `json:"user_id" gorm:"not null;index"`
	LinkedUserID          *uint      `json:"linked_user_id,omitempty"`
}

// TouchLastContacted is the only mutation the emergency flow performs on a
// contact record.
func (contact *EmergencyContact) TouchLastContacted() error {
	return db.Model(&EmergencyContact{}).Where("id = ?", contact.ID).
		Update("last_contacted_at", time.Now()).Error
}

// CreateEmergencyContact persists a contact. A zero priority is assigned the
// next free slot; an explicit priority must be unique for the owning user.
func CreateEmergencyContact(contact *EmergencyContact) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if contact.Priority == 0 {
			var maxPriority int64
			row := tx.Model(&EmergencyContact{}).Where("user_id = ?", contact.UserID).
				Select("COALESCE(MAX(priority), 0)").Row()
			if err := row.Scan(&maxPriority); err != nil {
				return err
			}
			contact.Priority = int(maxPriority) + 1
		} else {
			var count int64
			err := tx.Model(&EmergencyContact{}).
				Where("user_id = ? AND priority = ?", contact.UserID, contact.Priority).
				Count(&count).Error
			if err != nil {
				return err
			}
			if count > 0 {
				return ErrDuplicateContactPriority
			}
		}

		return tx.Create(contact).Error
	})
}

func UpdateEmergencyContact(userID, contactID interface{}, data map[string]interface{}) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if priority, ok := data["priority"]; ok {
			var count int64
			err := tx.Model(&EmergencyContact{}).
				Where("user_id = ? AND priority = ? AND id != ?", userID, priority, contactID).
				Count(&count).Error
			if err != nil {
				return err
			}
			if count > 0 {
				return ErrDuplicateContactPriority
			}
		}

		return tx.Table("emergency_contacts").
			Where("id = ? AND user_id = ?", contactID, userID).Updates(data).Error
	})
}

func DeleteEmergencyContact(userID, id interface{}) error {
	return db.Where("user_id = ?", userID).Delete(&EmergencyContact{}, id).Error
}

func FindEmergencyContact(id interface{}) (*EmergencyContact, error) {
	contact := EmergencyContact{}
	err := db.First(&contact, "id = ?", id).Error
	if err != nil {
		return nil, err
	}

	return &contact, nil
}

// ContactsByPriority lists a user's emergency contacts in the order they
// should be notified.
func ContactsByPriority(userID interface{}) ([]EmergencyContact, error) {
	contacts := []EmergencyContact{}

	err := db.Where("user_id = ?", userID).Order("priority").Find(&contacts).Error
	if err != nil {
		return nil, err
	}

	return contacts, nil
}

// FindContactByLinkedUser returns the contact record that links the given
// account to the target user, if one exists. Used to authorize
// request-on-behalf calls.
func FindContactByLinkedUser(userID, linkedUserID interface{}) (*EmergencyContact, error) {
	contact := EmergencyContact{}

	err := db.Where("user_id = ? AND linked_user_id = ?", userID, linkedUserID).
		First(&contact).Error
	if err != nil {
		return nil, err
	}

	return &contact, nil
}
