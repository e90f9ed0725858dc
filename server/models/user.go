package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/legacyguard/shield/server/auth"
	"gorm.io/gorm"
)

var (
	allFieldsExceptPassword = []string{"id",
		"first_name",
		"last_name",
		"phone_number",
		"email",
		"role_id",
		"last_activity_at",
		"created_at",
		"updated_at",
	}

	updatableUserFields = []string{"first_name",
		"last_name",
		"phone_number",
		"password",
	}
)

type User struct {
	BaseModel
	FirstName      string              `json:"first_name" validate:"required"`
	LastName       string              `json:"last_name" validate:"required"`
	PhoneNumber    string              `json:"phone_number" validate:"required,e164" gorm:"not null;unique"`
	Email          string              `json:"email" validate:"required,email" gorm:"not null;unique"`
	Password       string              `json:"password,omitempty" validate:"required,password" gorm:"not null"`
	RoleID         uint                `json:"role_id" gorm:"null"`
	LastActivityAt time.Time           `json:"last_activity_at"`
	Protocol       *EmergencyProtocol  `json:"protocol,omitempty" gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	Contacts       []EmergencyContact  `json:"contacts,omitempty" gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	Documents      []Document          `json:"documents,omitempty" gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	Accesses       []EmergencyAccess   `json:"-" gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
}

func (user *User) Update(data map[string]interface{}) error {
	if data["password"] != nil {
		passwordHash, err := auth.HashPassword(data["password"].(string))
		if err != nil {
			return err
		}
		data["password"] = passwordHash
	}

	return db.Model(&User{}).Where("id = ?", user.ID).Select(updatableUserFields).Updates(data).Error
}

// TouchActivity stamps the user's last seen time. Inactivity trigger
// conditions are measured against this column.
func (user *User) TouchActivity() error {
	return SetLastActivityAt(user.ID, time.Now())
}

func SetLastActivityAt(userID interface{}, at time.Time) error {
	return db.Model(&User{}).Where("id = ?", userID).
		Update("last_activity_at", at).Error
}

func (user *User) IsAdmin() (bool, error) {
	if user.RoleID == 0 {
		return false, nil
	}

	adminRole, err := FindRole("admin")
	if err != nil {
		return false, err
	}

	return adminRole.ID == user.RoleID, nil
}

func FindUserBy(field string, value interface{}) (*User, error) {
	user := User{}
	err := db.Select(allFieldsExceptPassword).First(&user, fmt.Sprintf("%v = ?", field), value).Error
	if err != nil {
		return nil, err
	}

	return &user, nil
}

func FindUserPassword(email string) (string, error) {
	user := &User{}
	err := db.Select("Password").First(user, "email = ?", email).Error
	if err != nil {
		return "", err
	}

	return user.Password, nil
}

func CreateUser(user *User) error {
	passwordHash, err := auth.HashPassword(user.Password)
	if err != nil {
		return err
	}
	user.Password = passwordHash
	user.LastActivityAt = time.Now()

	return db.Create(user).Error
}

func DeleteUser(id interface{}) error {
	return db.Delete(&User{}, id).Error
}

func AtLeastOneUserExists() (bool, error) {
	err := db.First(&User{}).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}

// UsersWithInactivityTrigger returns users whose protocol allows automatic
// activation, with the protocol preloaded. The inactivity sweep walks this
// list and compares each user's last_activity_at against the protocol's
// inactivity threshold.
func UsersWithInactivityTrigger() ([]User, error) {
	users := []User{}

	err := db.Preload("Protocol").Joins(
		"INNER JOIN emergency_protocols ON emergency_protocols.user_id = users.id AND emergency_protocols.auto_activation = true").
		Find(&users).Error

	if err != nil {
		return nil, err
	}

	return users, nil
}
