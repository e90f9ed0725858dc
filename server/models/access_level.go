package models

// Document categories a vault document can be filed under.
const (
	LEGAL_CATEGORY     = "legal"
	EMERGENCY_CATEGORY = "emergency"
	FINANCIAL_CATEGORY = "financial"
	MEDICAL_CATEGORY   = "medical"
	INSURANCE_CATEGORY = "insurance"
	PROPERTY_CATEGORY  = "property"
	PERSONAL_CATEGORY  = "personal"
)

// Access levels, ordered. Each level exposes a superset of the
// categories of the level below it.
const (
	BASIC_LEVEL    = "basic"
	STANDARD_LEVEL = "standard"
	FULL_LEVEL     = "full"
	COMPLETE_LEVEL = "complete"
)

// Trigger types for an emergency access request.
const (
	MANUAL_REQUEST_TRIGGER     = "manual_request"
	INACTIVITY_TIMEOUT_TRIGGER = "inactivity_timeout"
	FAMILY_REQUEST_TRIGGER     = "family_request"
	MEDICAL_EMERGENCY_TRIGGER  = "medical_emergency"
	DEATH_CERTIFICATE_TRIGGER  = "death_certificate"
	COURT_ORDER_TRIGGER        = "court_order"
	AUTOMATIC_TRIGGER          = "automatic"
)

var AccessLevelNameMap = map[string]bool{
	BASIC_LEVEL:    true,
	STANDARD_LEVEL: true,
	FULL_LEVEL:     true,
	COMPLETE_LEVEL: true,
}

var TriggerTypeNameMap = map[string]bool{
	MANUAL_REQUEST_TRIGGER:     true,
	INACTIVITY_TIMEOUT_TRIGGER: true,
	FAMILY_REQUEST_TRIGGER:     true,
	MEDICAL_EMERGENCY_TRIGGER:  true,
	DEATH_CERTIFICATE_TRIGGER:  true,
	COURT_ORDER_TRIGGER:        true,
	AUTOMATIC_TRIGGER:          true,
}

// DefaultDelayHours is the built-in time-lock table used when a user
// has no protocol, or their protocol has no entry for the level.
var DefaultDelayHours = map[string]int{
	BASIC_LEVEL:    0,
	STANDARD_LEVEL: 24,
	FULL_LEVEL:     72,
	COMPLETE_LEVEL: 168,
}

var levelCategories = map[string][]string{
	BASIC_LEVEL:    {LEGAL_CATEGORY, EMERGENCY_CATEGORY},
	STANDARD_LEVEL: {LEGAL_CATEGORY, EMERGENCY_CATEGORY, FINANCIAL_CATEGORY, MEDICAL_CATEGORY},
	FULL_LEVEL: {LEGAL_CATEGORY, EMERGENCY_CATEGORY, FINANCIAL_CATEGORY, MEDICAL_CATEGORY,
		INSURANCE_CATEGORY, PROPERTY_CATEGORY},
	COMPLETE_LEVEL: {LEGAL_CATEGORY, EMERGENCY_CATEGORY, FINANCIAL_CATEGORY, MEDICAL_CATEGORY,
		INSURANCE_CATEGORY, PROPERTY_CATEGORY, PERSONAL_CATEGORY},
}

// CategoriesForLevel returns the document categories exposed at the given
// access level. Unknown levels resolve to the basic set.
func CategoriesForLevel(level string) []string {
	categories, ok := levelCategories[level]
	if !ok {
		return levelCategories[BASIC_LEVEL]
	}

	return categories
}
