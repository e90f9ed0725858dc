package emergency

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/legacyguard/shield/server/models"
	"github.com/legacyguard/shield/server/work"
	"github.com/stretchr/testify/assert"
)

type fakeSMS struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeSMS) SendMessage(to, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, fmt.Sprintf("%v: %v", to, msg))
	return nil
}

type fakeEmail struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeEmail) Send(to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, fmt.Sprintf("%v: %v: %v", to, subject, body))
	return nil
}

type fakePush struct{}

func (f *fakePush) Send(recipient, templateKey string, params map[string]string) error {
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeSMS, *fakeEmail) {
	models.InitializeTestDb()

	sms := &fakeSMS{}
	email := &fakeEmail{}
	service := NewService(work.NewWorkerAdapter("UTC", true), Channels{
		SMS: sms, Email: email, Push: &fakePush{},
	})
	assert.Nil(t, service.RegisterJobHandlers())

	return service, sms, email
}

func createAccount(t *testing.T, email, phone string) *models.User {
	user := &models.User{
		FirstName:   "Rachel",
		LastName:    "Zane",
		PhoneNumber: phone,
		Email:       email,
		Password:    "paralegal",
	}
	assert.Nil(t, models.CreateUser(user))

	return user
}

func setProtocol(t *testing.T, userID uint, protocol *models.EmergencyProtocol) *models.EmergencyProtocol {
	assert.Nil(t, models.UpsertProtocol(userID, protocol))
	return protocol
}

func marshalJSON(t *testing.T, value interface{}) string {
	encoded, err := json.Marshal(value)
	assert.Nil(t, err)
	return string(encoded)
}

func TestTriggerAppliesTimeLock(t *testing.T) {
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
	assert.NotNil(t, access.TimeLockedUntil)
	assert.WithinDuration(t, time.Now().Add(72*time.Hour), *access.TimeLockedUntil, 5*time.Second)
	assert.WithinDuration(t, access.TimeLockedUntil.Add(168*time.Hour), *access.ExpiresAt, 5*time.Second)
	assert.NotEmpty(t, access.Reference)
	assert.True(t, access.VerificationRequired)
}

func TestTriggerExpediteHalvesDelay(t *testing.T) {
	service, _, _ := newTestService(t)
	user := createAccount(t, "owner@example.com", "+14165550100")
	setProtocol(t, user.ID, &models.EmergencyProtocol{
		TimeDelays: marshalJSON(t, []models.TimeDelay{
			{AccessLevel: models.FULL_LEVEL, DelayHours: 72, CanExpedite: true},
		}),
		RequiredVerification: true,
	})

	access, err := service.Trigger(TriggerParams{
		UserID:      user.ID,
		TriggerType: models.MEDICAL_EMERGENCY_TRIGGER,
		AccessLevel: models.FULL_LEVEL,
		Reason:      "ICU admission",
		Expedite:    true,
	})
	assert.Nil(t, err)

	assert.Equal(t, models.TIME_LOCKED_ACCESS, access.StatusName())
	assert.WithinDuration(t, time.Now().Add(36*time.Hour), *access.TimeLockedUntil, 5*time.Second)
}

func TestTriggerRejectsSecondEmergency(t *testing.T) {
	service, _, _ := newTestService(t)
	user := createAccount(t, "owner@example.com", "+14165550100")

	params := TriggerParams{
		UserID:      user.ID,
		TriggerType: models.MANUAL_REQUEST_TRIGGER,
		AccessLevel: models.BASIC_LEVEL,
		Reason:      "hospitalized",
	}

	_, err := service.Trigger(params)
	assert.Nil(t, err)

	_, err = service.Trigger(params)
	assert.ErrorIs(t, err, ErrEmergencyActive)
}

func TestTriggerValidatesParams(t *testing.T) {
	service, _, _ := newTestService(t)
	user := createAccount(t, "owner@example.com", "+14165550100")

	_, err := service.Trigger(TriggerParams{
		UserID:      user.ID,
		TriggerType: models.MANUAL_REQUEST_TRIGGER,
		AccessLevel: "unlimited",
		Reason:      "hospitalized",
	})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = service.Trigger(TriggerParams{
		UserID:      user.ID,
		TriggerType: "wishful_thinking",
		AccessLevel: models.BASIC_LEVEL,
		Reason:      "hospitalized",
	})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = service.Trigger(TriggerParams{
		UserID:      user.ID,
		TriggerType: models.MANUAL_REQUEST_TRIGGER,
		AccessLevel: models.BASIC_LEVEL,
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestTriggerSnapshotsDocumentsByLevel(t *testing.T) {
	service, _, _ := newTestService(t)
	user := createAccount(t, "owner@example.com", "+14165550100")

	byCategory := map[string]uint{}
	for _, category := range []string{
		models.LEGAL_CATEGORY, models.EMERGENCY_CATEGORY, models.FINANCIAL_CATEGORY,
		models.MEDICAL_CATEGORY, models.INSURANCE_CATEGORY, models.PROPERTY_CATEGORY,
		models.PERSONAL_CATEGORY,
	} {
		document := &models.Document{Name: category + " doc", Category: category, UserID: user.ID}
		assert.Nil(t, models.CreateDocument(document))
		byCategory[category] = document.ID
	}

	access, err := service.Trigger(TriggerParams{
		UserID:      user.ID,
		TriggerType: models.MANUAL_REQUEST_TRIGGER,
		AccessLevel: models.BASIC_LEVEL,
		Reason:      "hospitalized",
	})
	assert.Nil(t, err)

	ids, err := access.DocumentIDs()
	assert.Nil(t, err)
	assert.ElementsMatch(t, []uint{
		byCategory[models.LEGAL_CATEGORY], byCategory[models.EMERGENCY_CATEGORY],
	}, ids)

	// personal stays out of everything below complete
	_, err = service.Resolve(access.ID, "drill over")
	assert.Nil(t, err)

	access, err = service.Trigger(TriggerParams{
		UserID:      user.ID,
		TriggerType: models.MANUAL_REQUEST_TRIGGER,
		AccessLevel: models.FULL_LEVEL,
		Reason:      "hospitalized again",
	})
	assert.Nil(t, err)

	ids, err = access.DocumentIDs()
	assert.Nil(t, err)
	assert.Len(t, ids, 6)
	assert.NotContains(t, ids, byCategory[models.PERSONAL_CATEGORY])
}

func TestTriggerSchedulesNotificationSteps(t *testing.T) {
	service, _, _ := newTestService(t)
	user := createAccount(t, "owner@example.com", "+14165550100")
	setProtocol(t, user.ID, &models.EmergencyProtocol{
		NotificationSequence: marshalJSON(t, []models.SequenceStep{
			{DelayHours: 0, Method: SMS_CHANNEL, MessageTemplate: "{{user_name}} needs help"},
			{DelayHours: 24, Method: EMAIL_CHANNEL},
		}),
		RequiredVerification: true,
	})

	access, err := service.Trigger(TriggerParams{
		UserID:      user.ID,
		TriggerType: models.MANUAL_REQUEST_TRIGGER,
		AccessLevel: models.STANDARD_LEVEL,
		Reason:      "hospitalized",
	})
	assert.Nil(t, err)

	jobs, _, err := models.FetchJobsByStatus(models.SCHEDULED_JOB, 1)
	assert.Nil(t, err)

	names := []string{}
	for _, job := range jobs {
		names = append(names, job.Name)
	}
	assert.Contains(t, names, notifyJobName(access.ID, 0))
	assert.Contains(t, names, notifyJobName(access.ID, 1))
	assert.Contains(t, names, unlockJobName(access.ID))
}

func TestRequestOnBehalf(t *testing.T) {
	service, _, _ := newTestService(t)
	owner := createAccount(t, "owner@example.com", "+14165550100")
	spouse := createAccount(t, "spouse@example.com", "+14165550101")

	setProtocol(t, owner.ID, &models.EmergencyProtocol{
		TimeDelays: marshalJSON(t, []models.TimeDelay{
			{AccessLevel: models.FULL_LEVEL, DelayHours: 72, CanExpedite: true},
		}),
		RequiredVerification: true,
	})

	// not a contact yet
	_, err := service.RequestOnBehalf(RequestParams{
		UserID:      owner.ID,
		RequesterID: spouse.ID,
		AccessLevel: models.FULL_LEVEL,
		Reason:      "car accident",
		Urgency:     "critical",
	})
	assert.ErrorIs(t, err, ErrNotAuthorized)

	contact := &models.EmergencyContact{
		FirstName: "Rachel", LastName: "Zane",
		PhoneNumber: spouse.PhoneNumber, Email: spouse.Email,
		Relationship: "spouse", UserID: owner.ID, LinkedUserID: &spouse.ID,
	}
	assert.Nil(t, models.CreateEmergencyContact(contact))

	// linked but not allowed to reach documents
	_, err = service.RequestOnBehalf(RequestParams{
		UserID:      owner.ID,
		RequesterID: spouse.ID,
		AccessLevel: models.FULL_LEVEL,
		Reason:      "car accident",
		Urgency:     "critical",
	})
	assert.ErrorIs(t, err, ErrNotAuthorized)

	assert.Nil(t, models.UpdateEmergencyContact(owner.ID, contact.ID,
		map[string]interface{}{"can_access_documents": true}))

	access, err := service.RequestOnBehalf(RequestParams{
		UserID:      owner.ID,
		RequesterID: spouse.ID,
		AccessLevel: models.FULL_LEVEL,
		Reason:      "car accident",
		Urgency:     "critical",
	})
	assert.Nil(t, err)

	assert.Equal(t, models.FAMILY_REQUEST_TRIGGER, access.TriggerType)
	assert.Equal(t, spouse.ID, access.RequesterID)
	// critical urgency expedites the 72h lock down to 36h
	assert.WithinDuration(t, time.Now().Add(36*time.Hour), *access.TimeLockedUntil, 5*time.Second)
}

func TestResolveCancelsPendingSteps(t *testing.T) {
	service, _, email := newTestService(t)
	user := createAccount(t, "owner@example.com", "+14165550100")
	assert.Nil(t, models.CreateEmergencyContact(&models.EmergencyContact{
		FirstName: "Donna", LastName: "Paulsen",
		PhoneNumber: "+14165550102", Email: "donna@example.com", UserID: user.ID,
	}))
	setProtocol(t, user.ID, &models.EmergencyProtocol{
		NotificationSequence: marshalJSON(t, []models.SequenceStep{
			{DelayHours: 24, Method: SMS_CHANNEL},
			{DelayHours: 48, Method: EMAIL_CHANNEL},
		}),
		RequiredVerification: true,
	})

	access, err := service.Trigger(TriggerParams{
		UserID:      user.ID,
		TriggerType: models.MANUAL_REQUEST_TRIGGER,
		AccessLevel: models.STANDARD_LEVEL,
		Reason:      "hospitalized",
	})
	assert.Nil(t, err)

	resolved, err := service.Resolve(access.ID, "false alarm")
	assert.Nil(t, err)
	assert.Equal(t, models.RESOLVED_ACCESS, resolved.StatusName())
	assert.Equal(t, "false alarm", resolved.ResolutionReason)
	assert.NotNil(t, resolved.ResolvedAt)

	// every undispatched step row is discarded
	jobs, _, err := models.FetchJobsByStatus(models.SCHEDULED_JOB, 1)
	assert.Nil(t, err)
	assert.Empty(t, jobs)

	cancelled, _, err := models.FetchJobsByStatus(models.CANCELLED_JOB, 1)
	assert.Nil(t, err)
	assert.Len(t, cancelled, 3)

	// contacts hear about the settlement
	email.mu.Lock()
	defer email.mu.Unlock()
	assert.Len(t, email.messages, 1)
	assert.Contains(t, email.messages[0], "resolved")

	// settling twice is refused
	_, err = service.Resolve(access.ID, "again")
	assert.ErrorIs(t, err, ErrTerminalState)
}

func TestDeny(t *testing.T) {
	service, _, _ := newTestService(t)
	user := createAccount(t, "owner@example.com", "+14165550100")

	access, err := service.Trigger(TriggerParams{
		UserID:      user.ID,
		TriggerType: models.MANUAL_REQUEST_TRIGGER,
		AccessLevel: models.BASIC_LEVEL,
		Reason:      "hospitalized",
	})
	assert.Nil(t, err)

	denied, err := service.Deny(access.ID, "request looks fraudulent")
	assert.Nil(t, err)
	assert.Equal(t, models.DENIED_ACCESS, denied.StatusName())

	// a denied emergency frees the single-active slot
	_, err = service.Trigger(TriggerParams{
		UserID:      user.ID,
		TriggerType: models.MANUAL_REQUEST_TRIGGER,
		AccessLevel: models.BASIC_LEVEL,
		Reason:      "real this time",
	})
	assert.Nil(t, err)
}

func TestExpireOverdue(t *testing.T) {
	service, _, _ := newTestService(t)
	user := createAccount(t, "owner@example.com", "+14165550100")

	access, err := service.Trigger(TriggerParams{
		UserID:      user.ID,
		TriggerType: models.MANUAL_REQUEST_TRIGGER,
		AccessLevel: models.STANDARD_LEVEL,
		Reason:      "hospitalized",
	})
	assert.Nil(t, err)

	// nothing due yet
	assert.Nil(t, service.ExpireOverdue())
	current, err := service.Status(access.ID)
	assert.Nil(t, err)
	assert.Equal(t, models.TIME_LOCKED_ACCESS, current.StatusName())

	// backdate the deadline and sweep again
	updated, err := current.GuardedUpdate(map[string]interface{}{
		"expires_at": time.Now().Add(-time.Hour),
	})
	assert.Nil(t, err)
	assert.True(t, updated)

	assert.Nil(t, service.ExpireOverdue())

	current, err = service.Status(access.ID)
	assert.Nil(t, err)
	assert.Equal(t, models.EXPIRED_ACCESS, current.StatusName())
}

func TestSweepInactivity(t *testing.T) {
	service, _, _ := newTestService(t)
	user := createAccount(t, "owner@example.com", "+14165550100")
	setProtocol(t, user.ID, &models.EmergencyProtocol{
		TriggerConditions: marshalJSON(t, []models.TriggerCondition{
			{Type: models.INACTIVITY_CONDITION, ThresholdHours: 24, VerificationRequired: true},
		}),
		AutoActivation:       true,
		RequiredVerification: true,
	})

	// fresh activity, nothing fires
	assert.Nil(t, service.SweepInactivity())
	_, err := service.ActiveForUser(user.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Nil(t, models.SetLastActivityAt(user.ID, time.Now().Add(-48*time.Hour)))

	assert.Nil(t, service.SweepInactivity())

	access, err := service.ActiveForUser(user.ID)
	assert.Nil(t, err)
	assert.Equal(t, models.INACTIVITY_TIMEOUT_TRIGGER, access.TriggerType)
	assert.Equal(t, models.FULL_LEVEL, access.AccessLevel)

	// an in-flight emergency makes the next sweep a no-op
	assert.Nil(t, service.SweepInactivity())
}

func TestSubscribePublishesLifecycleEvents(t *testing.T) {
	service, _, _ := newTestService(t)
	user := createAccount(t, "owner@example.com", "+14165550100")

	events, unsubscribe := service.Subscribe()
	defer unsubscribe()

	access, err := service.Trigger(TriggerParams{
		UserID:      user.ID,
		TriggerType: models.MANUAL_REQUEST_TRIGGER,
		AccessLevel: models.BASIC_LEVEL,
		Reason:      "hospitalized",
	})
	assert.Nil(t, err)

	select {
	case event := <-events:
		assert.Equal(t, EventTriggered, event.Type)
		assert.Equal(t, access.ID, event.AccessID)
		assert.Equal(t, access.Reference, event.Reference)
	case <-time.After(time.Second):
		t.Fatal("expected a triggered event")
	}

	_, err = service.Resolve(access.ID, "all good")
	assert.Nil(t, err)

	select {
	case event := <-events:
		assert.Equal(t, EventResolved, event.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a resolved event")
	}
}

func TestHandleNotifyStepSkipsSettledEmergency(t *testing.T) {
	service, sms, _ := newTestService(t)
	user := createAccount(t, "owner@example.com", "+14165550100")
	assert.Nil(t, models.CreateEmergencyContact(&models.EmergencyContact{
		FirstName: "Donna", LastName: "Paulsen",
		PhoneNumber: "+14165550102", Email: "", UserID: user.ID,
	}))

	access, err := service.Trigger(TriggerParams{
		UserID:      user.ID,
		TriggerType: models.MANUAL_REQUEST_TRIGGER,
		AccessLevel: models.BASIC_LEVEL,
		Reason:      "hospitalized",
	})
	assert.Nil(t, err)

	args := map[string]interface{}{
		"access_id": float64(access.ID),
		"method":    SMS_CHANNEL,
	}

	assert.Nil(t, service.handleNotifyStep(args))
	sms.mu.Lock()
	dispatched := len(sms.messages)
	sms.mu.Unlock()
	assert.Equal(t, 1, dispatched)

	// attempts land in the audit log
	current, err := service.Status(access.ID)
	assert.Nil(t, err)
	meta, err := current.Meta()
	assert.Nil(t, err)
	assert.Len(t, meta.ContactAttempts, 1)
	assert.True(t, meta.ContactAttempts[0].Success)

	_, err = service.Resolve(access.ID, "over")
	assert.Nil(t, err)

	// a step that slips past cancellation dispatches nothing
	assert.Nil(t, service.handleNotifyStep(args))
	sms.mu.Lock()
	defer sms.mu.Unlock()
	assert.Equal(t, dispatched+1, len(sms.messages)) // +1 settlement notice via sms fallback
}

func TestHandleUnlock(t *testing.T) {
	service, _, _ := newTestService(t)
	user := createAccount(t, "owner@example.com", "+14165550100")
	setProtocol(t, user.ID, &models.EmergencyProtocol{RequiredVerification: false})

	access, err := service.Trigger(TriggerParams{
		UserID:      user.ID,
		TriggerType: models.MANUAL_REQUEST_TRIGGER,
		AccessLevel: models.STANDARD_LEVEL,
		Reason:      "hospitalized",
	})
	assert.Nil(t, err)
	assert.Equal(t, models.TIME_LOCKED_ACCESS, access.StatusName())

	assert.Nil(t, service.handleUnlock(map[string]interface{}{"access_id": float64(access.ID)}))

	current, err := service.Status(access.ID)
	assert.Nil(t, err)
	assert.Equal(t, models.ACTIVE_ACCESS, current.StatusName())
	assert.NotNil(t, current.ActivatedAt)
}

func TestTestProtocol(t *testing.T) {
	service, sms, email := newTestService(t)
	user := createAccount(t, "owner@example.com", "+14165550100")
	assert.Nil(t, models.CreateEmergencyContact(&models.EmergencyContact{
		FirstName: "Donna", LastName: "Paulsen",
		PhoneNumber: "+14165550102", Email: "donna@example.com", UserID: user.ID,
	}))
	setProtocol(t, user.ID, &models.EmergencyProtocol{
		NotificationSequence: marshalJSON(t, []models.SequenceStep{
			{DelayHours: 0, Method: SMS_CHANNEL},
			{DelayHours: 24, Method: EMAIL_CHANNEL},
		}),
		RequiredVerification: true,
	})

	assert.Nil(t, service.TestProtocol(user.ID))

	sms.mu.Lock()
	assert.Len(t, sms.messages, 1)
	sms.mu.Unlock()

	email.mu.Lock()
	assert.Len(t, email.messages, 1)
	email.mu.Unlock()

	protocol, err := models.CurrentProtocol(user.ID)
	assert.Nil(t, err)
	assert.NotNil(t, protocol.LastTestedAt)

	// nothing was persisted as an emergency
	_, err = service.ActiveForUser(user.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
