package emergency

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/legacyguard/shield/server/logger"
	"github.com/legacyguard/shield/server/models"
	"github.com/legacyguard/shield/server/work"
	"gorm.io/gorm"
)

const (
	NOTIFY_STEP_HANDLER      = "emergency_notify_step"
	UNLOCK_HANDLER           = "emergency_unlock"
	EXPIRY_SWEEP_HANDLER     = "emergency_expiry_sweep"
	INACTIVITY_SWEEP_HANDLER = "emergency_inactivity_sweep"
)

// Hours an unlocked emergency stays open before the expiry sweep settles it.
const EXPIRY_GRACE_HOURS = 168

var logg = logger.NewLogger()

// Service owns the emergency access lifecycle: triggering, the time lock,
// verification, notification scheduling and the sweeps. One instance per
// process, injected where needed.
type Service struct {
	pool     *work.WorkerPoolAdapter
	channels Channels
	bus      *eventBus
}

// TriggerParams carries everything needed to open an emergency request.
type TriggerParams struct {
	UserID      uint
	RequesterID uint
	TriggerType string
	AccessLevel string
	Reason      string
	Evidence    string
	Expedite    bool
}

// RequestParams is the on-behalf variant: the requester acts through their
// own account, which must be linked to one of the target's contacts.
type RequestParams struct {
	UserID      uint
	RequesterID uint
	AccessLevel string
	Reason      string
	Urgency     string
}

func NewService(pool *work.WorkerPoolAdapter, channels Channels) *Service {
	return &Service{
		pool:     pool,
		channels: channels,
		bus:      newEventBus(),
	}
}

// RegisterJobHandlers binds the service's job handlers on the worker pool.
// Must be called before the pool starts picking up jobs.
func (service *Service) RegisterJobHandlers() error {
	handlers := map[string]work.Handler{
		NOTIFY_STEP_HANDLER:      service.handleNotifyStep,
		UNLOCK_HANDLER:           service.handleUnlock,
		EXPIRY_SWEEP_HANDLER:     func(map[string]interface{}) error { return service.ExpireOverdue() },
		INACTIVITY_SWEEP_HANDLER: func(map[string]interface{}) error { return service.SweepInactivity() },
	}

	for name, handler := range handlers {
		if err := service.pool.Register(name, handler); err != nil {
			return err
		}
	}

	return nil
}

// Subscribe returns a channel of lifecycle events plus an unsubscribe func.
func (service *Service) Subscribe() (<-chan Event, func()) {
	return service.bus.Subscribe()
}

// Trigger opens an emergency access request for the user. The conflict
// check and the insert share a transaction, so a user can never hold two
// in-flight emergencies. The time lock, document snapshot and notification
// schedule are all fixed at trigger time.
func (service *Service) Trigger(params TriggerParams) (*models.EmergencyAccess, error) {
	if err := validateTriggerParams(params); err != nil {
		return nil, err
	}

	if _, err := models.FindUserBy("id", params.UserID); err != nil {
		return nil, asNotFound(err)
	}

	protocol, err := models.CurrentProtocol(params.UserID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	delayHours, err := protocol.DelayFor(params.AccessLevel, params.Expedite)
	if err != nil {
		return nil, err
	}

	documentIDs, err := models.DocumentIDsInCategories(
		params.UserID, models.CategoriesForLevel(params.AccessLevel))
	if err != nil {
		return nil, err
	}
	encodedIDs, err := json.Marshal(documentIDs)
	if err != nil {
		return nil, err
	}

	verificationRequired := true
	if protocol != nil {
		verificationRequired = protocol.RequiredVerification
	}

	now := time.Now()
	lockElapse := now
	access := &models.EmergencyAccess{
		Reference:             uuid.NewString(),
		UserID:                params.UserID,
		RequesterID:           params.RequesterID,
		TriggerType:           params.TriggerType,
		AccessLevel:           params.AccessLevel,
		AccessibleDocumentIDs: string(encodedIDs),
		VerificationRequired:  verificationRequired,
		Reason:                params.Reason,
		Evidence:              params.Evidence,
	}

	statusName := models.ACTIVE_ACCESS
	if delayHours > 0 {
		statusName = models.TIME_LOCKED_ACCESS
		lockElapse = now.Add(time.Duration(delayHours) * time.Hour)
		access.TimeLockedUntil = &lockElapse
		access.AutoUnlockAt = &lockElapse
	} else if verificationRequired {
		statusName = models.VERIFICATION_REQUIRED_ACCESS
	} else {
		access.ActivatedAt = &now
	}

	expiresAt := lockElapse.Add(EXPIRY_GRACE_HOURS * time.Hour)
	access.ExpiresAt = &expiresAt

	if verificationRequired {
		code, err := newVerificationCode()
		if err != nil {
			return nil, err
		}
		access.VerificationCode = code
	}

	accessStatus, err := models.FindAccessStatus(statusName)
	if err != nil {
		return nil, err
	}
	access.AccessStatusID = accessStatus.ID

	if err := models.CreateEmergencyAccessIfNone(access); err != nil {
		return nil, err
	}

	if err := service.scheduleFollowUps(access, protocol); err != nil {
		// The emergency is useless without its schedule; undo the create so
		// the caller can retry cleanly.
		if deleteErr := models.DeleteEmergencyAccess(access.ID); deleteErr != nil {
			logg.Errorf("could not undo emergency access %v after scheduling failure: %v", access.ID, deleteErr)
		}
		return nil, err
	}

	service.sendVerificationCode(access)

	service.bus.publish(Event{
		Type: EventTriggered, AccessID: access.ID, UserID: access.UserID,
		Reference: access.Reference, At: now,
	})
	if statusName == models.ACTIVE_ACCESS {
		service.bus.publish(Event{
			Type: EventActivated, AccessID: access.ID, UserID: access.UserID,
			Reference: access.Reference, At: now,
		})
	}

	return models.FindEmergencyAccess(access.ID)
}

// RequestOnBehalf lets a linked emergency contact open an emergency for the
// person who listed them. High or critical urgency asks for an expedited
// time lock; the protocol decides whether the level allows it.
func (service *Service) RequestOnBehalf(params RequestParams) (*models.EmergencyAccess, error) {
	contact, err := models.FindContactByLinkedUser(params.UserID, params.RequesterID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotAuthorized
		}
		return nil, err
	}

	if !contact.CanAccessDocuments {
		return nil, ErrNotAuthorized
	}

	expedite := params.Urgency == "high" || params.Urgency == "critical"

	return service.Trigger(TriggerParams{
		UserID:      params.UserID,
		RequesterID: params.RequesterID,
		TriggerType: models.FAMILY_REQUEST_TRIGGER,
		AccessLevel: params.AccessLevel,
		Reason:      params.Reason,
		Expedite:    expedite,
	})
}

// Resolve settles an in-flight emergency: the owner confirms they are fine,
// or the crisis has passed. Remaining notification steps are discarded and
// every contact is told the request is closed.
func (service *Service) Resolve(emergencyID interface{}, reason string) (*models.EmergencyAccess, error) {
	return service.settle(emergencyID, models.RESOLVED_ACCESS, EventResolved, reason)
}

// Deny rejects an in-flight emergency outright.
func (service *Service) Deny(emergencyID interface{}, reason string) (*models.EmergencyAccess, error) {
	return service.settle(emergencyID, models.DENIED_ACCESS, EventDenied, reason)
}

func (service *Service) settle(emergencyID interface{}, statusName string, eventType EventType, reason string) (*models.EmergencyAccess, error) {
	access, err := models.FindEmergencyAccess(emergencyID)
	if err != nil {
		return nil, asNotFound(err)
	}

	now := time.Now()
	extra := map[string]interface{}{
		"resolved_at":       now,
		"resolution_reason": reason,
	}

	const maxRetries = 3
	for i := 0; ; i++ {
		if access.IsTerminal() {
			return nil, ErrTerminalState
		}

		updated, err := access.TransitionTo(statusName, extra)
		if err != nil {
			return nil, err
		}
		if updated {
			break
		}
		if i+1 >= maxRetries {
			return nil, fmt.Errorf("could not settle emergency access %v, row kept changing", access.ID)
		}

		access, err = models.FindEmergencyAccess(emergencyID)
		if err != nil {
			return nil, asNotFound(err)
		}
	}

	service.cancelPendingFor(access.ID)
	service.notifySettled(access, statusName, reason)

	service.bus.publish(Event{
		Type: eventType, AccessID: access.ID, UserID: access.UserID,
		Reference: access.Reference, At: now,
	})

	return models.FindEmergencyAccess(access.ID)
}

// Status fetches one emergency access record.
func (service *Service) Status(emergencyID interface{}) (*models.EmergencyAccess, error) {
	access, err := models.FindEmergencyAccess(emergencyID)
	if err != nil {
		return nil, asNotFound(err)
	}

	return access, nil
}

// ActiveForUser returns the user's single in-flight emergency, if any.
func (service *Service) ActiveForUser(userID interface{}) (*models.EmergencyAccess, error) {
	access, err := models.ActiveEmergencyForUser(userID)
	if err != nil {
		return nil, asNotFound(err)
	}

	return access, nil
}

// TestProtocol dry-runs the user's notification sequence: every step's
// contacts get a test message on the step's channel, nothing is persisted
// beyond the protocol's LastTestedAt stamp.
func (service *Service) TestProtocol(userID interface{}) error {
	protocol, err := models.CurrentProtocol(userID)
	if err != nil {
		return asNotFound(err)
	}

	steps, err := protocol.Sequence()
	if err != nil {
		return err
	}

	for _, step := range steps {
		contacts, err := service.resolveStepContacts(protocol.UserID, step.ContactIDs)
		if err != nil {
			return err
		}

		for _, contact := range contacts {
			message := fmt.Sprintf(
				"This is a test of the emergency notification protocol. No action is needed, %v.",
				contact.FirstName)
			if err := service.dispatch(step.Method, &contact, "Emergency protocol test", message); err != nil {
				logg.Warnf("protocol test dispatch to contact %v failed: %v", contact.ID, err)
			}
		}
	}

	return protocol.TouchLastTested()
}

// ExpireOverdue settles every non-terminal emergency whose deadline has
// passed. Runs on a periodic schedule; safe to run concurrently since all
// transitions are guarded.
func (service *Service) ExpireOverdue() error {
	overdue, err := models.OverdueEmergencies(time.Now())
	if err != nil {
		return err
	}

	for i := range overdue {
		access := &overdue[i]

		updated, err := access.TransitionTo(models.EXPIRED_ACCESS, nil)
		if err != nil {
			logg.Errorf("could not expire emergency access %v: %v", access.ID, err)
			continue
		}
		if !updated {
			continue
		}

		service.cancelPendingFor(access.ID)
		service.bus.publish(Event{
			Type: EventExpired, AccessID: access.ID, UserID: access.UserID,
			Reference: access.Reference, At: time.Now(),
		})
	}

	return nil
}

// SweepInactivity triggers an emergency for every user whose protocol
// enables auto activation and whose last activity is older than the
// protocol's inactivity threshold. A user with an in-flight emergency is
// skipped.
func (service *Service) SweepInactivity() error {
	users, err := models.UsersWithInactivityTrigger()
	if err != nil {
		return err
	}

	now := time.Now()
	for i := range users {
		user := &users[i]
		if user.Protocol == nil {
			continue
		}

		conditions, err := user.Protocol.Conditions()
		if err != nil {
			logg.Errorf("bad trigger conditions for user %v: %v", user.ID, err)
			continue
		}

		for _, condition := range conditions {
			if condition.Type != models.INACTIVITY_CONDITION || condition.ThresholdHours <= 0 {
				continue
			}
			if now.Sub(user.LastActivityAt) < time.Duration(condition.ThresholdHours)*time.Hour {
				continue
			}

			_, err := service.Trigger(TriggerParams{
				UserID:      user.ID,
				TriggerType: models.INACTIVITY_TIMEOUT_TRIGGER,
				AccessLevel: models.FULL_LEVEL,
				Reason: fmt.Sprintf("No account activity for over %v hours",
					condition.ThresholdHours),
			})
			if err != nil && !errors.Is(err, ErrEmergencyActive) {
				logg.Errorf("inactivity trigger for user %v failed: %v", user.ID, err)
			}
			break
		}
	}

	return nil
}

// handleUnlock runs when an emergency's time lock elapses: the request
// moves on to verification, or straight to active when the protocol
// demands none.
func (service *Service) handleUnlock(args map[string]interface{}) error {
	accessID, ok := asUint(args["access_id"])
	if !ok {
		return fmt.Errorf("unlock job args missing access_id: %v", args)
	}

	access, err := models.FindEmergencyAccess(accessID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if access.StatusName() != models.TIME_LOCKED_ACCESS {
		return nil
	}

	if access.VerificationRequired {
		_, err = access.TransitionTo(models.VERIFICATION_REQUIRED_ACCESS, nil)
		return err
	}

	now := time.Now()
	updated, err := access.TransitionTo(models.ACTIVE_ACCESS, map[string]interface{}{"activated_at": now})
	if err != nil {
		return err
	}
	if updated {
		service.bus.publish(Event{
			Type: EventActivated, AccessID: access.ID, UserID: access.UserID,
			Reference: access.Reference, At: now,
		})
	}

	return nil
}

// scheduleFollowUps puts the unlock deadline and every notification step on
// the durable queue. Rows, not timers, so a restart loses nothing.
func (service *Service) scheduleFollowUps(access *models.EmergencyAccess, protocol *models.EmergencyProtocol) error {
	if access.AutoUnlockAt != nil {
		err := service.pool.PerformAt(*access.AutoUnlockAt, work.JobParams{
			Name:    unlockJobName(access.ID),
			Handler: UNLOCK_HANDLER,
			Args:    map[string]interface{}{"access_id": access.ID},
		})
		if err != nil {
			return err
		}
	}

	return service.scheduleNotifications(access, protocol)
}

func (service *Service) cancelPendingFor(accessID uint) {
	if _, err := service.pool.CancelScheduled(notifyJobPrefix(accessID)); err != nil {
		logg.Errorf("could not cancel pending notification jobs for access %v: %v", accessID, err)
	}
	if _, err := service.pool.CancelScheduledJob(unlockJobName(accessID)); err != nil {
		logg.Errorf("could not cancel pending unlock job for access %v: %v", accessID, err)
	}
}

func validateTriggerParams(params TriggerParams) error {
	if !models.AccessLevelNameMap[params.AccessLevel] {
		return fmt.Errorf("%w: unknown access level %q", ErrValidation, params.AccessLevel)
	}
	if !models.TriggerTypeNameMap[params.TriggerType] {
		return fmt.Errorf("%w: unknown trigger type %q", ErrValidation, params.TriggerType)
	}
	if params.Reason == "" {
		return fmt.Errorf("%w: reason is required", ErrValidation)
	}

	return nil
}

func asNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}

	return err
}
