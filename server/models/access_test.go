package models

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func createTestUser(t *testing.T, suffix string) *User {
	user := &User{
		FirstName:   "Harvey",
		LastName:    "Specter",
		PhoneNumber: fmt.Sprintf("+1416555%04d", len(suffix)*7+1000),
		Email:       fmt.Sprintf("harvey_%v@example.com", suffix),
		Password:    "closer",
	}
	assert.Nil(t, CreateUser(user))

	return user
}

func createTestAccess(t *testing.T, userID uint, statusName string) *EmergencyAccess {
	status, err := FindAccessStatus(statusName)
	assert.Nil(t, err)

	access := &EmergencyAccess{
		Reference:      uuid.NewString(),
		UserID:         userID,
		TriggerType:    MANUAL_REQUEST_TRIGGER,
		AccessLevel:    BASIC_LEVEL,
		AccessStatusID: status.ID,
		Reason:         "hospitalized",
	}
	assert.Nil(t, CreateEmergencyAccessIfNone(access))

	return access
}

func TestCreateEmergencyAccessIfNone(t *testing.T) {
	InitializeTestDb()

	user := createTestUser(t, "invariant")
	access := createTestAccess(t, user.ID, TIME_LOCKED_ACCESS)

	// a second in-flight emergency for the same user is rejected
	err := CreateEmergencyAccessIfNone(&EmergencyAccess{
		Reference:      uuid.NewString(),
		UserID:         user.ID,
		TriggerType:    FAMILY_REQUEST_TRIGGER,
		AccessLevel:    FULL_LEVEL,
		AccessStatusID: access.AccessStatusID,
		Reason:         "unreachable",
	})
	assert.ErrorIs(t, err, ErrActiveEmergencyExists)

	// settling the first one frees the slot
	updated, err := access.TransitionTo(RESOLVED_ACCESS, nil)
	assert.Nil(t, err)
	assert.True(t, updated)

	createTestAccess(t, user.ID, PENDING_ACCESS)
}

func TestGuardedUpdateRefusesStaleRow(t *testing.T) {
	InitializeTestDb()

	user := createTestUser(t, "stale")
	access := createTestAccess(t, user.ID, PENDING_ACCESS)

	stale, err := FindEmergencyAccess(access.ID)
	assert.Nil(t, err)

	// first writer wins
	updated, err := access.TransitionTo(ACTIVE_ACCESS, nil)
	assert.Nil(t, err)
	assert.True(t, updated)

	// the stale copy's guard no longer matches
	updated, err = stale.TransitionTo(DENIED_ACCESS, nil)
	assert.Nil(t, err)
	assert.False(t, updated)

	current, err := FindEmergencyAccess(access.ID)
	assert.Nil(t, err)
	assert.Equal(t, ACTIVE_ACCESS, current.StatusName())
}

func TestActiveEmergencyForUser(t *testing.T) {
	InitializeTestDb()

	user := createTestUser(t, "active")
	access := createTestAccess(t, user.ID, VERIFICATION_REQUIRED_ACCESS)

	found, err := ActiveEmergencyForUser(user.ID)
	assert.Nil(t, err)
	assert.Equal(t, access.ID, found.ID)

	updated, err := access.TransitionTo(DENIED_ACCESS, nil)
	assert.Nil(t, err)
	assert.True(t, updated)

	_, err = ActiveEmergencyForUser(user.ID)
	assert.NotNil(t, err)
}

func TestAppendContactAttempt(t *testing.T) {
	InitializeTestDb()

	user := createTestUser(t, "meta")
	access := createTestAccess(t, user.ID, ACTIVE_ACCESS)

	assert.Nil(t, access.AppendContactAttempt(ContactAttempt{
		ContactID: 7, Method: "sms", Timestamp: time.Now(), Success: true,
	}))
	assert.Nil(t, access.AppendContactAttempt(ContactAttempt{
		ContactID: 8, Method: "email", Timestamp: time.Now(), Success: false, Error: "bounced",
	}))

	current, err := FindEmergencyAccess(access.ID)
	assert.Nil(t, err)

	meta, err := current.Meta()
	assert.Nil(t, err)
	assert.Len(t, meta.ContactAttempts, 2)
	assert.Equal(t, uint(7), meta.ContactAttempts[0].ContactID)
	assert.Equal(t, "bounced", meta.ContactAttempts[1].Error)
}

func TestCategoriesForLevelAreSupersets(t *testing.T) {
	levels := []string{BASIC_LEVEL, STANDARD_LEVEL, FULL_LEVEL, COMPLETE_LEVEL}

	for i := 1; i < len(levels); i++ {
		lower := CategoriesForLevel(levels[i-1])
		higher := map[string]bool{}
		for _, category := range CategoriesForLevel(levels[i]) {
			higher[category] = true
		}

		for _, category := range lower {
			assert.True(t, higher[category],
				"%v should include every %v category, missing %v", levels[i], levels[i-1], category)
		}
		assert.Greater(t, len(higher), len(lower))
	}

	assert.ElementsMatch(t,
		[]string{LEGAL_CATEGORY, EMERGENCY_CATEGORY},
		CategoriesForLevel(BASIC_LEVEL))
}

func TestDelayFor(t *testing.T) {
	delays, err := json.Marshal([]TimeDelay{
		{AccessLevel: FULL_LEVEL, DelayHours: 72, CanExpedite: true},
		{AccessLevel: COMPLETE_LEVEL, DelayHours: 200, CanExpedite: false},
	})
	assert.Nil(t, err)

	protocol := &EmergencyProtocol{TimeDelays: string(delays)}

	testCases := []struct {
		name     string
		protocol *EmergencyProtocol
		level    string
		expedite bool
		expected int
	}{
		{"default basic", nil, BASIC_LEVEL, false, 0},
		{"default standard", nil, STANDARD_LEVEL, false, 24},
		{"default full", nil, FULL_LEVEL, false, 72},
		{"default complete", nil, COMPLETE_LEVEL, false, 168},
		{"default never expedites", nil, FULL_LEVEL, true, 72},
		{"protocol override", protocol, COMPLETE_LEVEL, false, 200},
		{"expedite halves", protocol, FULL_LEVEL, true, 36},
		{"expedite refused", protocol, COMPLETE_LEVEL, true, 200},
		{"fallback for missing level", protocol, STANDARD_LEVEL, false, 24},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			delayHours, err := tc.protocol.DelayFor(tc.level, tc.expedite)
			assert.Nil(t, err)
			assert.Equal(t, tc.expected, delayHours)
		})
	}
}

func TestAttemptCountForAccessMethod(t *testing.T) {
	InitializeTestDb()

	user := createTestUser(t, "attempts")
	access := createTestAccess(t, user.ID, VERIFICATION_REQUIRED_ACCESS)

	for i := 0; i < 2; i++ {
		assert.Nil(t, CreateVerification(&EmergencyVerification{
			EmergencyAccessID: access.ID,
			Method:            SMS_CODE_METHOD,
		}))
	}
	assert.Nil(t, CreateVerification(&EmergencyVerification{
		EmergencyAccessID: access.ID,
		Method:            IDENTITY_DOCUMENT_METHOD,
	}))

	// budget is counted across records per method, not per record
	count, err := AttemptCountForAccessMethod(access.ID, SMS_CODE_METHOD)
	assert.Nil(t, err)
	assert.Equal(t, int64(2), count)

	count, err = AttemptCountForAccessMethod(access.ID, IDENTITY_DOCUMENT_METHOD)
	assert.Nil(t, err)
	assert.Equal(t, int64(1), count)
}

func TestCancelJobsWithPrefix(t *testing.T) {
	InitializeTestDb()

	runAt := time.Now().Add(time.Hour)
	assert.Nil(t, CreateScheduledJob("notify_access_9_step_0", "notify", "{}", runAt))
	assert.Nil(t, CreateScheduledJob("notify_access_9_step_1", "notify", "{}", runAt))
	assert.Nil(t, CreateScheduledJob("notify_access_10_step_0", "notify", "{}", runAt))

	cancelled, err := CancelJobsWithPrefix("notify_access_9_")
	assert.Nil(t, err)
	assert.Equal(t, int64(2), cancelled)

	// the other emergency's step is untouched
	jobs, _, err := FetchJobsByStatus(SCHEDULED_JOB, 1)
	assert.Nil(t, err)
	assert.Len(t, jobs, 1)
	assert.Equal(t, "notify_access_10_step_0", jobs[0].Name)
}

func TestCancelJobsSpareDecimalPrefixNeighbours(t *testing.T) {
	InitializeTestDb()

	// access id 51 shares 5 as a decimal prefix; settling 5 must not
	// touch its jobs
	runAt := time.Now().Add(time.Hour)
	assert.Nil(t, CreateScheduledJob("notify_access_5_step_0", "notify", "{}", runAt))
	assert.Nil(t, CreateScheduledJob("notify_access_51_step_0", "notify", "{}", runAt))
	assert.Nil(t, CreateScheduledJob("unlock_access_5", "unlock", "{}", runAt))
	assert.Nil(t, CreateScheduledJob("unlock_access_51", "unlock", "{}", runAt))

	cancelled, err := CancelJobsWithPrefix("notify_access_5_")
	assert.Nil(t, err)
	assert.Equal(t, int64(1), cancelled)

	cancelled, err = CancelJobByName("unlock_access_5")
	assert.Nil(t, err)
	assert.Equal(t, int64(1), cancelled)

	jobs, _, err := FetchJobsByStatus(SCHEDULED_JOB, 1)
	assert.Nil(t, err)

	remaining := []string{}
	for _, job := range jobs {
		remaining = append(remaining, job.Name)
	}
	assert.ElementsMatch(t, []string{"notify_access_51_step_0", "unlock_access_51"}, remaining)
}

func TestUpsertProtocolKeepsVerificationOptOut(t *testing.T) {
	InitializeTestDb()

	user := createTestUser(t, "optout")
	assert.Nil(t, UpsertProtocol(user.ID, &EmergencyProtocol{RequiredVerification: false}))

	protocol, err := CurrentProtocol(user.ID)
	assert.Nil(t, err)
	assert.False(t, protocol.RequiredVerification)

	assert.Nil(t, UpsertProtocol(user.ID, &EmergencyProtocol{RequiredVerification: true}))
	protocol, err = CurrentProtocol(user.ID)
	assert.Nil(t, err)
	assert.True(t, protocol.RequiredVerification)
}

func TestContactPriorityAssignment(t *testing.T) {
	InitializeTestDb()

	user := createTestUser(t, "contacts")

	first := &EmergencyContact{
		FirstName: "Donna", LastName: "Paulsen",
		PhoneNumber: "+14165550001", Email: "donna@example.com", UserID: user.ID,
	}
	assert.Nil(t, CreateEmergencyContact(first))
	assert.Equal(t, 1, first.Priority)

	second := &EmergencyContact{
		FirstName: "Mike", LastName: "Ross",
		PhoneNumber: "+14165550002", Email: "mike@example.com", UserID: user.ID,
	}
	assert.Nil(t, CreateEmergencyContact(second))
	assert.Equal(t, 2, second.Priority)

	dup := &EmergencyContact{
		FirstName: "Louis", LastName: "Litt",
		PhoneNumber: "+14165550003", Email: "louis@example.com",
		UserID: user.ID, Priority: 1,
	}
	assert.ErrorIs(t, CreateEmergencyContact(dup), ErrDuplicateContactPriority)

	// updates honor the same uniqueness rule
	err := UpdateEmergencyContact(user.ID, second.ID, map[string]interface{}{"priority": 1})
	assert.ErrorIs(t, err, ErrDuplicateContactPriority)

	contacts, err := ContactsByPriority(user.ID)
	assert.Nil(t, err)
	assert.Equal(t, 1, contacts[0].Priority)
	assert.Equal(t, 2, contacts[1].Priority)

	// keeping its own priority while changing other fields is fine
	err = UpdateEmergencyContact(user.ID, second.ID, map[string]interface{}{
		"priority": 2, "relationship": "colleague",
	})
	assert.Nil(t, err)
}
