package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator"
	"github.com/gorilla/mux"
	"github.com/legacyguard/shield/server/auth"
	"github.com/legacyguard/shield/server/emergency"
	"github.com/legacyguard/shield/server/models"
	"github.com/legacyguard/shield/server/work"
	"github.com/legacyguard/shield/shared"
	"github.com/legacyguard/shield/utils"
	"github.com/spf13/viper"
	"gorm.io/gorm"
)

type ResponsePayload struct {
	Errors  []string    `json:"errors,omitempty"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Paging  interface{} `json:"paging,omitempty"`
}

var phoneNumberRegex = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ---------------------------------------------------------------------------------//
// Handler Helper functions
// --------------------------------------------------------------------------------//

func writeResponse(rw http.ResponseWriter, payLoad ResponsePayload, statusCode int) {
	if statusCode >= http.StatusInternalServerError {
		logg.Error(payLoad.Errors)
	} else if statusCode >= http.StatusBadRequest {
		logg.Info(payLoad.Errors)
	}

	rw.WriteHeader(statusCode)
	json.NewEncoder(rw).Encode(payLoad)
}

func writeError(rw http.ResponseWriter, err error) {
	writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, errorStatusCode(err))
}

// errorStatusCode maps the emergency error taxonomy onto HTTP statuses.
func errorStatusCode(err error) int {
	switch {
	case errors.Is(err, emergency.ErrEmergencyActive):
		return http.StatusConflict
	case errors.Is(err, emergency.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, emergency.ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, emergency.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, emergency.ErrTerminalState),
		errors.Is(err, emergency.ErrTimeLocked),
		errors.Is(err, emergency.ErrMaxAttempts):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrDuplicateContactPriority):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func removeUnknownFields(args map[string]interface{}, validFields map[string]bool) {
	for key := range args {
		if !validFields[key] {
			delete(args, key)
		}
	}
}

func RegisterValidators(validate *validator.Validate) error {
	err := validate.RegisterValidation("password", func(fl validator.FieldLevel) bool {
		password := fl.Field().String()
		return len(password) > 0 && !strings.Contains(password, " ")
	})
	if err != nil {
		return err
	}

	err = validate.RegisterValidation("e164", func(fl validator.FieldLevel) bool {
		return phoneNumberRegex.MatchString(fl.Field().String())
	})
	if err != nil {
		return err
	}

	err = validate.RegisterValidation("document_category", func(fl validator.FieldLevel) bool {
		return models.DocumentCategoryNameMap[fl.Field().String()]
	})
	if err != nil {
		return err
	}

	return validate.RegisterValidation("access_level", func(fl validator.FieldLevel) bool {
		return models.AccessLevelNameMap[fl.Field().String()]
	})
}

// ---------------------------------------------------------------------------------//
// Middleware Helper functions
// --------------------------------------------------------------------------------//

func decodeAndVerifyAuthHeader(authHeaderValue string) DecodedJWT {
	authHeaderList := strings.Split(authHeaderValue, "Bearer ")
	if len(authHeaderList) < 2 {
		return DecodedJWT{ErrorMsg: "no token provided"}
	}

	tokenClaims, err := auth.DecodeJWT(authHeaderList[1], authKeyPair)
	if err != nil {
		return DecodedJWT{ErrorMsg: "invalid token provided"}
	}

	// validate that the user account still exists
	user, err := models.FindUserBy("id", tokenClaims.Subject)
	if err != nil {
		return DecodedJWT{ErrorMsg: "invalid token provided"}
	}

	if err := user.TouchActivity(); err != nil {
		logg.Errorf("could not stamp activity for user %v: %v", user.ID, err)
	}

	return DecodedJWT{Claims: tokenClaims}
}

// canAccessUserResource: clients only touch their own records; admins can
// GET/DELETE most user resources but never read contacts or protocols.
func canAccessUserResource(r *http.Request, userClaims *auth.ShieldTokenClaims) bool {
	allowedMethodsForAdmins := map[string]bool{"GET": true, "DELETE": true}
	deniedPathsForAdmin := []string{"/contacts", "/protocol", "/emergency-access"}

	if mux.Vars(r)["uid"] == userClaims.Subject {
		return true
	}

	if !userClaims.IsAdmin {
		return false
	}

	if !allowedMethodsForAdmins[r.Method] {
		return false
	}

	for _, deniedPath := range deniedPathsForAdmin {
		if strings.Contains(r.URL.Path, deniedPath) {
			return false
		}
	}

	return true
}

func requestClaims(r *http.Request) *auth.ShieldTokenClaims {
	decodedJWT := r.Context().Value(RequestContextKey("decodedJWT")).(DecodedJWT)
	return decodedJWT.Claims
}

// ---------------------------------------------------------------------------------//
// Server Helper functions
// --------------------------------------------------------------------------------//

func parseServerConfig(config *viper.Viper) *shared.ServerConfig {
	serverConfig := shared.ServerConfig{}

	fatalOnError(config.Unmarshal(&serverConfig))
	fatalOnError(validator.New().Struct(serverConfig))

	return &serverConfig
}

func sqliteBackupEnabled() bool {
	return fmt.Sprintf("%v", appConfig.Google.Storage.EnableSqliteBackupAndSync) == "true"
}

func serve(server *http.Server) {
	logg.Infof("Shield server is listening on port%v", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Fatal(err)
	}
}

func cleanup(workerPool *work.WorkerPoolAdapter, server *http.Server, dataDir string) {
	// Stop sweeps, notification steps & other queued work first
	workerPool.Stop()

	if sqliteBackupEnabled() {
		if err := backupSqliteDb(dataDir); err != nil {
			logg.Errorf("final db backup failed: %v", err)
		}
	}

	ctxShutDown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctxShutDown); err != nil {
		logg.Fatalf("Shield server shutdown failed:%+s", err)
	}

	logg.Infof("Shield server stopped properly")
}

// dataDirectory retrieves the directory the encrypted db lives in,
// or exits when it cannot be created.
func dataDirectory(devMode bool) string {
	// 'shield' folder in home directory for prod
	dataFolderName := "shield"
	rootDir, err := os.UserHomeDir()
	fatalOnError(err)

	// 'dev' folder in current directory for dev mode
	if devMode {
		dataFolderName = "dev"
		rootDir, err = os.Getwd()
		fatalOnError(err)
	}

	dataDir := filepath.Join(rootDir, dataFolderName)

	fatalOnError(utils.CreateDirIfNotExist(dataDir))

	return dataDir
}

func fatalOnError(err error) {
	if err != nil {
		logg.Fatal(err)
	}
}
