package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/gorilla/mux"
	"github.com/legacyguard/shield/server/auth"
	"github.com/legacyguard/shield/server/auth/key"
	"github.com/legacyguard/shield/server/emergency"
	"github.com/legacyguard/shield/server/models"
	"gorm.io/gorm"
)

const AUTH_TOKEN_TTL = 24 * time.Hour

func healthCheckHandler(rw http.ResponseWriter, r *http.Request) {
	writeResponse(rw, ResponsePayload{Success: true, Data: map[string]string{"status": "ok"}}, http.StatusOK)
}

func jwksHandler(rw http.ResponseWriter, r *http.Request) {
	keyPairJWK, err := authKeyPair.JWK()
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	json.NewEncoder(rw).Encode(key.ExportJWKAsJWKS(keyPairJWK))
}

func signUpHandler(rw http.ResponseWriter, r *http.Request) {
	user := models.User{}

	if err := json.NewDecoder(r.Body).Decode(&user); err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusBadRequest)
		return
	}

	if errs := validate.Struct(user); errs != nil {
		writeResponse(rw, ResponsePayload{Errors: strings.Split(errs.Error(), "\n")}, http.StatusBadRequest)
		return
	}

	// the very first account gets the admin role
	userExists, err := models.AtLeastOneUserExists()
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}
	if !userExists {
		adminRole, err := models.FindRole("admin")
		if err != nil {
			writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
			return
		}
		user.RoleID = adminRole.ID
	}

	if err := models.CreateUser(&user); err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: map[string]uint{"id": user.ID}}, http.StatusCreated)
}

func logInHandler(rw http.ResponseWriter, r *http.Request) {
	data := make(map[string]string)
	json.NewDecoder(r.Body).Decode(&data)

	passwordHash, err := models.FindUserPassword(data["email"])
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	if !auth.CheckPasswordHash(data["password"], passwordHash) {
		writeResponse(rw, ResponsePayload{Errors: []string{"email/password is invalid"}}, http.StatusUnauthorized)
		return
	}

	user, err := models.FindUserBy("email", data["email"])
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	isAdmin, err := user.IsAdmin()
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	token, err := auth.EncodeJWT(auth.ShieldTokenClaims{
		FirstName: user.FirstName,
		LastName:  user.LastName,
		IsAdmin:   isAdmin,
		StandardClaims: jwt.StandardClaims{
			Subject:   fmt.Sprint(user.ID),
			ExpiresAt: time.Now().Add(AUTH_TOKEN_TTL).Unix(),
			IssuedAt:  time.Now().Unix(),
		},
	}, authKeyPair)
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: map[string]string{"token": token}}, http.StatusOK)
}

// ---------------------------------------------------------------------------------//
// User handlers
// --------------------------------------------------------------------------------//

func findUserHandler(rw http.ResponseWriter, r *http.Request) {
	user, err := models.FindUserBy("id", mux.Vars(r)["uid"])
	if err != nil {
		writeError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: user}, http.StatusOK)
}

func updateUserHandler(rw http.ResponseWriter, r *http.Request) {
	data := make(map[string]interface{})
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusBadRequest)
		return
	}

	removeUnknownFields(data, map[string]bool{
		"first_name": true, "last_name": true, "phone_number": true, "password": true})
	if len(data) == 0 {
		writeResponse(rw, ResponsePayload{Errors: []string{"valid fields required"}}, http.StatusBadRequest)
		return
	}

	if data["password"] != nil && strings.TrimSpace(fmt.Sprintf("%v", data["password"])) == "" {
		writeResponse(rw, ResponsePayload{Errors: []string{"password cannot be empty"}}, http.StatusBadRequest)
		return
	}

	if data["phone_number"] != nil && !phoneNumberRegex.MatchString(fmt.Sprintf("%v", data["phone_number"])) {
		writeResponse(rw, ResponsePayload{Errors: []string{"phone number must be e164 format"}}, http.StatusBadRequest)
		return
	}

	user, err := models.FindUserBy("id", mux.Vars(r)["uid"])
	if err != nil {
		writeError(rw, err)
		return
	}

	if err := user.Update(data); err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true}, http.StatusOK)
}

func deleteUserHandler(rw http.ResponseWriter, r *http.Request) {
	if err := models.DeleteUser(mux.Vars(r)["uid"]); err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true}, http.StatusOK)
}

// ---------------------------------------------------------------------------------//
// Contact handlers
// --------------------------------------------------------------------------------//

func createContactHandler(rw http.ResponseWriter, r *http.Request) {
	contact := models.EmergencyContact{}
	if err := json.NewDecoder(r.Body).Decode(&contact); err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusBadRequest)
		return
	}

	if errs := validate.Struct(contact); errs != nil {
		writeResponse(rw, ResponsePayload{Errors: strings.Split(errs.Error(), "\n")}, http.StatusBadRequest)
		return
	}

	contact.UserID = pathUserID(r)
	if err := models.CreateEmergencyContact(&contact); err != nil {
		writeError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: contact}, http.StatusCreated)
}

func listContactsHandler(rw http.ResponseWriter, r *http.Request) {
	contacts, err := models.ContactsByPriority(mux.Vars(r)["uid"])
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: contacts}, http.StatusOK)
}

func updateContactHandler(rw http.ResponseWriter, r *http.Request) {
	data := make(map[string]interface{})
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusBadRequest)
		return
	}

	removeUnknownFields(data, map[string]bool{
		"first_name": true, "last_name": true, "phone_number": true, "email": true,
		"relationship": true, "priority": true, "can_access_documents": true,
		"can_access_legal": true, "can_access_financial": true, "can_access_medical": true,
		"can_access_personal": true, "preferred_verification": true, "linked_user_id": true})
	if len(data) == 0 {
		writeResponse(rw, ResponsePayload{Errors: []string{"valid fields required"}}, http.StatusBadRequest)
		return
	}

	vars := mux.Vars(r)
	if err := models.UpdateEmergencyContact(vars["uid"], vars["id"], data); err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true}, http.StatusOK)
}

func deleteContactHandler(rw http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := models.DeleteEmergencyContact(vars["uid"], vars["id"]); err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true}, http.StatusOK)
}

// ---------------------------------------------------------------------------------//
// Document handlers
// --------------------------------------------------------------------------------//

func createDocumentHandler(rw http.ResponseWriter, r *http.Request) {
	document := models.Document{}
	if err := json.NewDecoder(r.Body).Decode(&document); err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusBadRequest)
		return
	}

	if errs := validate.Struct(document); errs != nil {
		writeResponse(rw, ResponsePayload{Errors: strings.Split(errs.Error(), "\n")}, http.StatusBadRequest)
		return
	}

	document.UserID = pathUserID(r)
	if err := models.CreateDocument(&document); err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: document}, http.StatusCreated)
}

func listDocumentsHandler(rw http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))

	documents, paging, err := models.FetchDocuments(mux.Vars(r)["uid"], page)
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: documents, Paging: paging}, http.StatusOK)
}

func deleteDocumentHandler(rw http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := models.DeleteDocument(vars["uid"], vars["id"]); err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true}, http.StatusOK)
}

// ---------------------------------------------------------------------------------//
// Protocol handlers
// --------------------------------------------------------------------------------//

type protocolPayload struct {
	TriggerConditions    []models.TriggerCondition `json:"trigger_conditions"`
	TimeDelays           []models.TimeDelay        `json:"time_delays"`
	NotificationSequence []models.SequenceStep     `json:"notification_sequence"`
	AutoActivation       bool                      `json:"auto_activation"`
	RequiredVerification *bool                     `json:"required_verification"`
}

func upsertProtocolHandler(rw http.ResponseWriter, r *http.Request) {
	payload := protocolPayload{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusBadRequest)
		return
	}

	for _, delay := range payload.TimeDelays {
		if !models.AccessLevelNameMap[delay.AccessLevel] {
			writeResponse(rw, ResponsePayload{
				Errors: []string{fmt.Sprintf("unknown access level %q in time delays", delay.AccessLevel)},
			}, http.StatusBadRequest)
			return
		}
	}

	conditions, err := json.Marshal(payload.TriggerConditions)
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusBadRequest)
		return
	}
	delays, err := json.Marshal(payload.TimeDelays)
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusBadRequest)
		return
	}
	sequence, err := json.Marshal(payload.NotificationSequence)
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusBadRequest)
		return
	}

	requiredVerification := true
	if payload.RequiredVerification != nil {
		requiredVerification = *payload.RequiredVerification
	}

	protocol := models.EmergencyProtocol{
		TriggerConditions:    string(conditions),
		TimeDelays:           string(delays),
		NotificationSequence: string(sequence),
		AutoActivation:       payload.AutoActivation,
		RequiredVerification: requiredVerification,
	}

	if err := models.UpsertProtocol(pathUserID(r), &protocol); err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: protocol}, http.StatusOK)
}

func findProtocolHandler(rw http.ResponseWriter, r *http.Request) {
	protocol, err := models.CurrentProtocol(mux.Vars(r)["uid"])
	if err != nil {
		writeError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: protocol}, http.StatusOK)
}

func testProtocolHandler(rw http.ResponseWriter, r *http.Request) {
	if err := emergencyService.TestProtocol(mux.Vars(r)["uid"]); err != nil {
		writeError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true}, http.StatusOK)
}

// ---------------------------------------------------------------------------------//
// Emergency access handlers
// --------------------------------------------------------------------------------//

func triggerEmergencyHandler(rw http.ResponseWriter, r *http.Request) {
	body := struct {
		TriggerType string `json:"trigger_type"`
		AccessLevel string `json:"access_level"`
		Reason      string `json:"reason"`
		Evidence    string `json:"evidence"`
		Expedite    bool   `json:"expedite"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusBadRequest)
		return
	}

	if body.TriggerType == "" {
		body.TriggerType = models.MANUAL_REQUEST_TRIGGER
	}

	access, err := emergencyService.Trigger(emergency.TriggerParams{
		UserID:      pathUserID(r),
		RequesterID: claimsUserID(r),
		TriggerType: body.TriggerType,
		AccessLevel: body.AccessLevel,
		Reason:      body.Reason,
		Evidence:    body.Evidence,
		Expedite:    body.Expedite,
	})
	if err != nil {
		writeError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: access}, http.StatusCreated)
}

func activeEmergencyHandler(rw http.ResponseWriter, r *http.Request) {
	access, err := emergencyService.ActiveForUser(mux.Vars(r)["uid"])
	if err != nil {
		writeError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: access}, http.StatusOK)
}

func requestOnBehalfHandler(rw http.ResponseWriter, r *http.Request) {
	body := struct {
		UserID      uint   `json:"user_id"`
		AccessLevel string `json:"access_level"`
		Reason      string `json:"reason"`
		Urgency     string `json:"urgency"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusBadRequest)
		return
	}

	access, err := emergencyService.RequestOnBehalf(emergency.RequestParams{
		UserID:      body.UserID,
		RequesterID: claimsUserID(r),
		AccessLevel: body.AccessLevel,
		Reason:      body.Reason,
		Urgency:     body.Urgency,
	})
	if err != nil {
		writeError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: access}, http.StatusCreated)
}

func emergencyStatusHandler(rw http.ResponseWriter, r *http.Request) {
	access, err := emergencyService.Status(mux.Vars(r)["id"])
	if err != nil {
		writeError(rw, err)
		return
	}

	if !canViewEmergency(r, access) {
		writeResponse(rw, ResponsePayload{Errors: []string{"action is forbidden"}}, http.StatusForbidden)
		return
	}

	verifications, err := models.FetchVerifications(access.ID)
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}
	access.Verifications = verifications

	writeResponse(rw, ResponsePayload{Success: true, Data: access}, http.StatusOK)
}

func verifyEmergencyHandler(rw http.ResponseWriter, r *http.Request) {
	body := struct {
		Method  string                 `json:"method"`
		Payload map[string]interface{} `json:"payload"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusBadRequest)
		return
	}

	verification, err := emergencyService.Verify(
		mux.Vars(r)["id"], claimsUserID(r), body.Method, body.Payload)
	if err != nil {
		writeError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: verification}, http.StatusOK)
}

func resolveEmergencyHandler(rw http.ResponseWriter, r *http.Request) {
	settleEmergency(rw, r, emergencyService.Resolve)
}

func denyEmergencyHandler(rw http.ResponseWriter, r *http.Request) {
	settleEmergency(rw, r, emergencyService.Deny)
}

func settleEmergency(rw http.ResponseWriter, r *http.Request,
	settle func(interface{}, string) (*models.EmergencyAccess, error)) {
	body := struct {
		Reason string `json:"reason"`
	}{}
	json.NewDecoder(r.Body).Decode(&body)

	access, err := emergencyService.Status(mux.Vars(r)["id"])
	if err != nil {
		writeError(rw, err)
		return
	}

	// only the account owner or an admin settles an emergency
	claims := requestClaims(r)
	if fmt.Sprint(access.UserID) != claims.Subject && !claims.IsAdmin {
		writeResponse(rw, ResponsePayload{Errors: []string{"action is forbidden"}}, http.StatusForbidden)
		return
	}

	access, err = settle(access.ID, body.Reason)
	if err != nil {
		writeError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: access}, http.StatusOK)
}

// emergencyDocumentsHandler serves the document snapshot of an active
// emergency. Anything short of active gets nothing.
func emergencyDocumentsHandler(rw http.ResponseWriter, r *http.Request) {
	access, err := emergencyService.Status(mux.Vars(r)["id"])
	if err != nil {
		writeError(rw, err)
		return
	}

	if !canViewEmergency(r, access) {
		writeResponse(rw, ResponsePayload{Errors: []string{"action is forbidden"}}, http.StatusForbidden)
		return
	}

	if access.StatusName() != models.ACTIVE_ACCESS {
		writeResponse(rw, ResponsePayload{
			Errors: []string{"emergency access is not active"}}, http.StatusUnprocessableEntity)
		return
	}

	ids, err := access.DocumentIDs()
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	documents, err := models.FindDocumentsByIDs(ids)
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: documents}, http.StatusOK)
}

// ---------------------------------------------------------------------------------//
// Admin handlers
// --------------------------------------------------------------------------------//

func listJobsHandler(rw http.ResponseWriter, r *http.Request) {
	var err error
	var paging *models.Paging
	jobs := []models.Job{}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	status := r.URL.Query().Get("status")

	if status != "" {
		jobs, paging, err = models.FetchJobsByStatus(status, page)
	} else {
		jobs, paging, err = models.FetchJobs(page)
	}
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: jobs, Paging: paging}, http.StatusOK)
}

func jobStatsHandler(rw http.ResponseWriter, r *http.Request) {
	stats, err := models.CurrentJobsStats()
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: stats}, http.StatusOK)
}

func accessStatsHandler(rw http.ResponseWriter, r *http.Request) {
	stats, err := models.CurrentAccessStats()
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: stats}, http.StatusOK)
}

// ---------------------------------------------------------------------------------//
// Small handler helpers
// --------------------------------------------------------------------------------//

func pathUserID(r *http.Request) uint {
	id, _ := strconv.ParseUint(mux.Vars(r)["uid"], 10, 64)
	return uint(id)
}

func claimsUserID(r *http.Request) uint {
	id, _ := strconv.ParseUint(requestClaims(r).Subject, 10, 64)
	return uint(id)
}

// canViewEmergency: the account owner, the requester and admins may read an
// emergency record.
func canViewEmergency(r *http.Request, access *models.EmergencyAccess) bool {
	claims := requestClaims(r)
	if claims.IsAdmin {
		return true
	}

	actorID := claimsUserID(r)
	return actorID == access.UserID || (access.RequesterID != 0 && actorID == access.RequesterID)
}
