package emergency

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/legacyguard/shield/server/models"
	"github.com/legacyguard/shield/server/work"
	"gorm.io/gorm"
)

// Notification channels a protocol step may name.
const (
	EMAIL_CHANNEL = "email"
	SMS_CHANNEL   = "sms"
	PUSH_CHANNEL  = "push"
	CALL_CHANNEL  = "call"
)

type SMSSender interface {
	SendMessage(to, msg string) error
}

type EmailSender interface {
	Send(to, subject, body string) error
}

type PushSender interface {
	Send(recipient, templateKey string, params map[string]string) error
}

// Channels bundles the outbound senders the notification flow dispatches
// through. Any of them may be nil, in which case steps naming that channel
// fail their attempts instead of panicking.
type Channels struct {
	SMS   SMSSender
	Email EmailSender
	Push  PushSender
}

func notifyJobPrefix(accessID uint) string {
	return fmt.Sprintf("notify_access_%v_", accessID)
}

func notifyJobName(accessID uint, stepIndex int) string {
	return fmt.Sprintf("%vstep_%v", notifyJobPrefix(accessID), stepIndex)
}

func unlockJobName(accessID uint) string {
	return fmt.Sprintf("unlock_access_%v", accessID)
}

// scheduleNotifications turns every protocol sequence step into a scheduled
// job row due at trigger time + the step's delay. Step delays are measured
// from the trigger, not from the previous step.
func (service *Service) scheduleNotifications(access *models.EmergencyAccess, protocol *models.EmergencyProtocol) error {
	if protocol == nil {
		return nil
	}

	steps, err := protocol.Sequence()
	if err != nil {
		return err
	}

	for n, step := range steps {
		contactIDs := make([]interface{}, 0, len(step.ContactIDs))
		for _, id := range step.ContactIDs {
			contactIDs = append(contactIDs, id)
		}

		err := service.pool.PerformAt(
			access.CreatedAt.Add(time.Duration(step.DelayHours)*time.Hour),
			work.JobParams{
				Name:    notifyJobName(access.ID, n),
				Handler: NOTIFY_STEP_HANDLER,
				Args: map[string]interface{}{
					"access_id":        access.ID,
					"step_index":       n,
					"method":           step.Method,
					"message_template": step.MessageTemplate,
					"contact_ids":      contactIDs,
				},
			})
		if err != nil {
			return err
		}
	}

	return nil
}

// handleNotifyStep dispatches one notification step. The emergency is
// re-loaded first: a settled request dispatches nothing even if the job
// slipped past cancellation. Per-contact failures are logged into the access
// metadata and never abort the rest of the step.
func (service *Service) handleNotifyStep(args map[string]interface{}) error {
	accessID, ok := asUint(args["access_id"])
	if !ok {
		return fmt.Errorf("notify job args missing access_id: %v", args)
	}

	access, err := models.FindEmergencyAccess(accessID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if access.IsTerminal() {
		logg.Infof("Skipping notification step for settled emergency access %v", access.ID)
		return nil
	}

	method, _ := args["method"].(string)
	template, _ := args["message_template"].(string)

	contacts, err := service.resolveStepContacts(access.UserID, asUintSlice(args["contact_ids"]))
	if err != nil {
		return err
	}

	user, err := models.FindUserBy("id", access.UserID)
	if err != nil {
		return err
	}

	for i := range contacts {
		contact := &contacts[i]
		message := renderTemplate(template, user, access, contact)

		dispatchErr := service.dispatch(method, contact, "Emergency access notification", message)

		attempt := models.ContactAttempt{
			ContactID: contact.ID,
			Method:    method,
			Timestamp: time.Now(),
			Success:   dispatchErr == nil,
		}
		if dispatchErr != nil {
			attempt.Error = dispatchErr.Error()
			logg.Warnf("notification to contact %v via %v failed: %v", contact.ID, method, dispatchErr)
		} else {
			if err := contact.TouchLastContacted(); err != nil {
				logg.Errorf("could not stamp contact %v: %v", contact.ID, err)
			}
		}

		if err := access.AppendContactAttempt(attempt); err != nil {
			logg.Errorf("could not log contact attempt for access %v: %v", access.ID, err)
		}
	}

	return nil
}

// resolveStepContacts loads the step's named contacts, or every contact in
// priority order when the step names none. Contacts belonging to someone
// else are dropped.
func (service *Service) resolveStepContacts(userID uint, contactIDs []uint) ([]models.EmergencyContact, error) {
	if len(contactIDs) == 0 {
		return models.ContactsByPriority(userID)
	}

	contacts := []models.EmergencyContact{}
	for _, id := range contactIDs {
		contact, err := models.FindEmergencyContact(id)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if contact.UserID != userID {
			continue
		}
		contacts = append(contacts, *contact)
	}

	return contacts, nil
}

// dispatch sends one message through the named channel. There is no voice
// integration, so call steps go out as SMS.
func (service *Service) dispatch(method string, contact *models.EmergencyContact, subject, message string) error {
	switch method {
	case SMS_CHANNEL, CALL_CHANNEL:
		if service.channels.SMS == nil {
			return errors.New("sms channel not configured")
		}
		return service.channels.SMS.SendMessage(contact.PhoneNumber, message)

	case EMAIL_CHANNEL:
		if service.channels.Email == nil {
			return errors.New("email channel not configured")
		}
		return service.channels.Email.Send(contact.Email, subject, message)

	case PUSH_CHANNEL:
		if service.channels.Push == nil {
			return errors.New("push channel not configured")
		}
		return service.channels.Push.Send(contact.Email, "emergency_notification",
			map[string]string{"message": message})

	default:
		return fmt.Errorf("unknown notification channel %q", method)
	}
}

// notifySettled tells every contact the emergency request is closed.
// Best-effort: failures are logged, the settlement already happened.
func (service *Service) notifySettled(access *models.EmergencyAccess, statusName, reason string) {
	contacts, err := models.ContactsByPriority(access.UserID)
	if err != nil {
		logg.Errorf("could not load contacts for settlement notice on access %v: %v", access.ID, err)
		return
	}

	message := fmt.Sprintf("The emergency access request %v has been %v.", access.Reference, statusName)
	if reason != "" {
		message = fmt.Sprintf("%v Reason: %v", message, reason)
	}

	for i := range contacts {
		contact := &contacts[i]

		method := EMAIL_CHANNEL
		if contact.Email == "" {
			method = SMS_CHANNEL
		}

		if err := service.dispatch(method, contact, "Emergency access update", message); err != nil {
			logg.Warnf("settlement notice to contact %v failed: %v", contact.ID, err)
		}
	}
}

// sendVerificationCode delivers the issued challenge code to the requester's
// contact record, over the channel the contact prefers. Quietly a no-op when
// the requester has no linked contact or prefers a non-code method.
func (service *Service) sendVerificationCode(access *models.EmergencyAccess) {
	if access.VerificationCode == "" || access.RequesterID == 0 {
		return
	}

	contact, err := models.FindContactByLinkedUser(access.UserID, access.RequesterID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			logg.Errorf("could not resolve requester contact for access %v: %v", access.ID, err)
		}
		return
	}

	message := fmt.Sprintf("Your emergency access verification code is %v.", access.VerificationCode)

	var sendErr error
	switch contact.PreferredVerification {
	case models.SMS_CODE_METHOD:
		sendErr = service.dispatch(SMS_CHANNEL, contact, "", message)
	case models.EMAIL_CODE_METHOD:
		sendErr = service.dispatch(EMAIL_CHANNEL, contact, "Emergency access verification code", message)
	default:
		return
	}

	if sendErr != nil {
		logg.Warnf("could not deliver verification code for access %v: %v", access.ID, sendErr)
	}
}

// renderTemplate substitutes the placeholders a protocol's message templates
// may carry. An empty template gets a sensible default.
func renderTemplate(template string, user *models.User, access *models.EmergencyAccess, contact *models.EmergencyContact) string {
	if template == "" {
		template = "{{contact_name}}, an emergency access request ({{access_level}}) was opened for {{user_name}}. Reason: {{reason}}."
	}

	return strings.NewReplacer(
		"{{user_name}}", fmt.Sprintf("%v %v", user.FirstName, user.LastName),
		"{{contact_name}}", contact.FirstName,
		"{{access_level}}", access.AccessLevel,
		"{{reason}}", access.Reason,
		"{{reference}}", access.Reference,
	).Replace(template)
}

// newVerificationCode returns a 6 digit challenge from crypto/rand.
func newVerificationCode() (string, error) {
	max := big.NewInt(1000000)

	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%06d", n), nil
}

func asUint(value interface{}) (uint, bool) {
	switch v := value.(type) {
	case uint:
		return v, true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint(v), true
	case float64:
		if v < 0 {
			return 0, false
		}
		return uint(v), true
	default:
		return 0, false
	}
}

func asUintSlice(value interface{}) []uint {
	raw, ok := value.([]interface{})
	if !ok {
		return nil
	}

	ids := make([]uint, 0, len(raw))
	for _, item := range raw {
		if id, ok := asUint(item); ok {
			ids = append(ids, id)
		}
	}

	return ids
}
