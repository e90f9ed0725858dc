package models

import (
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

const (
	INACTIVITY_CONDITION = "inactivity"
	MANUAL_CONDITION     = "manual"
	EXTERNAL_CONDITION   = "external"
)

// TriggerCondition describes one way a user's emergency flow may start.
type TriggerCondition struct {
	Type                 string `json:"type"`
	ThresholdHours       int    `json:"threshold_hours,omitempty"`
	VerificationRequired bool   `json:"verification_required"`
}

// TimeDelay sizes the time lock for one access level. At most one entry
// per level is honored; the first match wins.
type TimeDelay struct {
	AccessLevel string `json:"access_level"`
	DelayHours  int    `json:"delay_hours"`
	CanExpedite bool   `json:"can_expedite"`
}

// SequenceStep is one deferred notification in the protocol's cadence.
// DelayHours is measured from trigger time, not from the previous step.
// An empty ContactIDs list means every contact, in priority order.
type SequenceStep struct {
	DelayHours          int    `json:"delay_hours"`
	ContactIDs          []uint `json:"contact_ids,omitempty"`
	Method              string `json:"method"`
	MessageTemplate     string `json:"message_template"`
	RequiresResponse    bool   `json:"requires_response"`
	EscalateIfNoResponse bool  `json:"escalate_if_no_response"`
}

// EmergencyProtocol is the per-user configuration governing emergency
// access. The list-valued fields are stored as JSON text, same as job args.
type EmergencyProtocol struct {
	BaseModel
	UserID               uint       `json:"user_id" gorm:"not null;index"`
	TriggerConditions    string     `json:"trigger_conditions"`
	TimeDelays           string     `json:"time_delays"`
	NotificationSequence string     `json:"notification_sequence"`
	AutoActivation       bool       `json:"auto_activation" gorm:"default:false"`
	RequiredVerification bool       `json:"required_verification"`
	LastTestedAt         *time.Time `json:"last_tested_at,omitempty"`
}

func (protocol *EmergencyProtocol) Conditions() ([]TriggerCondition, error) {
	conditions := []TriggerCondition{}
	if protocol.TriggerConditions == "" {
		return conditions, nil
	}

	err := json.Unmarshal([]byte(protocol.TriggerConditions), &conditions)
	return conditions, err
}

func (protocol *EmergencyProtocol) Delays() ([]TimeDelay, error) {
	delays := []TimeDelay{}
	if protocol.TimeDelays == "" {
		return delays, nil
	}

	err := json.Unmarshal([]byte(protocol.TimeDelays), &delays)
	return delays, err
}

func (protocol *EmergencyProtocol) Sequence() ([]SequenceStep, error) {
	steps := []SequenceStep{}
	if protocol.NotificationSequence == "" {
		return steps, nil
	}

	err := json.Unmarshal([]byte(protocol.NotificationSequence), &steps)
	return steps, err
}

// DelayFor resolves the time lock for an access level, falling back to the
// built-in default table. Expedited requests get the delay halved
// (integer-floor hours) when the matching entry allows it.
func (protocol *EmergencyProtocol) DelayFor(level string, expedite bool) (int, error) {
	delayHours, hasDefault := DefaultDelayHours[level]
	if !hasDefault {
		delayHours = DefaultDelayHours[BASIC_LEVEL]
	}
	canExpedite := false

	if protocol != nil {
		delays, err := protocol.Delays()
		if err != nil {
			return 0, err
		}

		for _, delay := range delays {
			if delay.AccessLevel == level {
				delayHours = delay.DelayHours
				canExpedite = delay.CanExpedite
				break
			}
		}
	}

	if expedite && canExpedite {
		delayHours = delayHours / 2
	}

	return delayHours, nil
}

func (protocol *EmergencyProtocol) TouchLastTested() error {
	return db.Model(&EmergencyProtocol{}).Where("id = ?", protocol.ID).
		Update("last_tested_at", time.Now()).Error
}

// UpsertProtocol replaces the user's protocol, creating it when absent.
func UpsertProtocol(userID uint, protocol *EmergencyProtocol) error {
	protocol.UserID = userID

	return db.Transaction(func(tx *gorm.DB) error {
		existing := EmergencyProtocol{}
		err := tx.Where("user_id = ?", userID).Order("updated_at desc").First(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if existing.ID != 0 {
			protocol.ID = existing.ID
			protocol.CreatedAt = existing.CreatedAt
		}

		return tx.Save(protocol).Error
	})
}

// CurrentProtocol fetches the user's protocol. Should duplicates exist,
// the most recently updated row wins.
func CurrentProtocol(userID interface{}) (*EmergencyProtocol, error) {
	protocol := EmergencyProtocol{}

	err := db.Where("user_id = ?", userID).Order("updated_at desc").First(&protocol).Error
	if err != nil {
		return nil, err
	}

	return &protocol, nil
}
