package models

const (
	PENDING_ACCESS               = "pending"
	TIME_LOCKED_ACCESS           = "time_locked"
	VERIFICATION_REQUIRED_ACCESS = "verification_required"
	ACTIVE_ACCESS                = "active"
	RESOLVED_ACCESS              = "resolved"
	EXPIRED_ACCESS               = "expired"
	DENIED_ACCESS                = "denied"
)

var AccessStatusNameMap = map[string]bool{
	PENDING_ACCESS:               true,
	TIME_LOCKED_ACCESS:           true,
	VERIFICATION_REQUIRED_ACCESS: true,
	ACTIVE_ACCESS:                true,
	RESOLVED_ACCESS:              true,
	EXPIRED_ACCESS:               true,
	DENIED_ACCESS:                true,
}

// NonTerminalAccessStatuses are the statuses counted toward the
// one-in-flight-emergency-per-user invariant.
var NonTerminalAccessStatuses = []string{
	PENDING_ACCESS,
	TIME_LOCKED_ACCESS,
	VERIFICATION_REQUIRED_ACCESS,
	ACTIVE_ACCESS,
}

type AccessStats struct {
	PendingCount              int64 `json:"pending_count"`
	TimeLockedCount           int64 `json:"time_locked_count"`
	VerificationRequiredCount int64 `json:"verification_required_count"`
	ActiveCount               int64 `json:"active_count"`
	ResolvedCount             int64 `json:"resolved_count"`
	ExpiredCount              int64 `json:"expired_count"`
	DeniedCount               int64 `json:"denied_count"`
}

type AccessStatus struct {
	BaseModel
	Name              string            `json:"name"`
	EmergencyAccesses []EmergencyAccess `json:"-" gorm:"constraint:OnUpdate:CASCADE,OnDelete:SET NULL;"`
}

func IsTerminalAccessStatus(name string) bool {
	return name == RESOLVED_ACCESS || name == EXPIRED_ACCESS || name == DENIED_ACCESS
}

func FindAccessStatus(name string) (*AccessStatus, error) {
	accessStatus := AccessStatus{}
	err := db.Select("id", "name").First(&accessStatus, "name = ?", name).Error
	if err != nil {
		return nil, err
	}

	return &accessStatus, nil
}
