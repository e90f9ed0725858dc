package server

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-playground/validator"
	"github.com/gorilla/mux"
	"github.com/legacyguard/shield/server/auth"
	"github.com/legacyguard/shield/server/auth/key"
	"github.com/legacyguard/shield/server/emergency"
	"github.com/legacyguard/shield/server/gstorage"
	"github.com/legacyguard/shield/server/logger"
	"github.com/legacyguard/shield/server/mailer"
	"github.com/legacyguard/shield/server/models"
	"github.com/legacyguard/shield/server/push"
	"github.com/legacyguard/shield/server/twilio"
	"github.com/legacyguard/shield/server/work"
	"github.com/legacyguard/shield/shared"
	"github.com/legacyguard/shield/utils"
	"github.com/spf13/viper"
)

type RequestContextKey string

type DecodedJWT struct {
	Claims   *auth.ShieldTokenClaims
	ErrorMsg string
}

var (
	logg     = logger.NewLogger()
	validate = validator.New()

	appConfig        *shared.ServerConfig
	authKeyPair      *key.KeyPair
	workerPool       *work.WorkerPoolAdapter
	emergencyService *emergency.Service
	storageClient    *gstorage.GStorage
)

// Start wires the whole service together: config, encrypted db (with an
// optional restore from the GCS backup), worker pool, emergency service,
// router. Blocks until SIGINT/SIGTERM, then shuts down gracefully.
func Start(config *viper.Viper, devMode bool) {
	var err error

	appConfig = parseServerConfig(config)
	fatalOnError(RegisterValidators(validate))

	authKeyPair, err = key.NewKeyPairFromRSAPrivateKeyPem(appConfig.Shield.PrivateKeyPem)
	fatalOnError(err)

	dataDir := dataDirectory(devMode)
	initStorageClient()
	restoreSqliteDbIfStale(dataDir)

	fatalOnError(models.AutoMigrate(appConfig.Sqlite.PassPhrase, dataDir))

	workerPool = work.NewWorkerAdapter(appConfig.Shield.Cron.TimeZone, false)
	emergencyService = emergency.NewService(workerPool, buildChannels(devMode))

	fatalOnError(emergencyService.RegisterJobHandlers())
	registerJobHandlers(workerPool, dataDir)
	enqueueJobs(workerPool)

	workerPool.Start()

	srv := &http.Server{
		Handler:      router(),
		Addr:         fmt.Sprintf(":%v", appConfig.Shield.Listener.Port),
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}
	go serve(srv)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	cleanup(workerPool, srv, dataDir)
}

func router() *mux.Router {
	router := mux.NewRouter()
	router.Use(loggingMiddleware, initialContextMiddleware)

	router.HandleFunc("/health", healthCheckHandler).Methods("GET")
	router.HandleFunc("/jwks", jwksHandler).Methods("GET")
	router.HandleFunc("/login", logInHandler).Methods("POST")

	signup := router.PathPrefix("/signup").Subrouter()
	signup.Use(firstUserOrAdminMiddleware)
	signup.HandleFunc("", signUpHandler).Methods("POST")

	users := router.PathPrefix("/users/{uid:[0-9]+}").Subrouter()
	users.Use(protectedRouteMiddleware)
	users.HandleFunc("", findUserHandler).Methods("GET")
	users.HandleFunc("", updateUserHandler).Methods("PUT")
	users.HandleFunc("", deleteUserHandler).Methods("DELETE")

	users.HandleFunc("/contacts", createContactHandler).Methods("POST")
	users.HandleFunc("/contacts", listContactsHandler).Methods("GET")
	users.HandleFunc("/contacts/{id:[0-9]+}", updateContactHandler).Methods("PUT")
	users.HandleFunc("/contacts/{id:[0-9]+}", deleteContactHandler).Methods("DELETE")

	users.HandleFunc("/documents", createDocumentHandler).Methods("POST")
	users.HandleFunc("/documents", listDocumentsHandler).Methods("GET")
	users.HandleFunc("/documents/{id:[0-9]+}", deleteDocumentHandler).Methods("DELETE")

	users.HandleFunc("/protocol", upsertProtocolHandler).Methods("PUT")
	users.HandleFunc("/protocol", findProtocolHandler).Methods("GET")
	users.HandleFunc("/protocol/test", testProtocolHandler).Methods("POST")

	users.HandleFunc("/emergency-access", triggerEmergencyHandler).Methods("POST")
	users.HandleFunc("/emergency-access/active", activeEmergencyHandler).Methods("GET")

	emergencies := router.PathPrefix("/emergency-access").Subrouter()
	emergencies.Use(authenticatedRouteMiddleware)
	emergencies.HandleFunc("/requests", requestOnBehalfHandler).Methods("POST")
	emergencies.HandleFunc("/{id:[0-9]+}", emergencyStatusHandler).Methods("GET")
	emergencies.HandleFunc("/{id:[0-9]+}/verify", verifyEmergencyHandler).Methods("POST")
	emergencies.HandleFunc("/{id:[0-9]+}/resolve", resolveEmergencyHandler).Methods("POST")
	emergencies.HandleFunc("/{id:[0-9]+}/deny", denyEmergencyHandler).Methods("POST")
	emergencies.HandleFunc("/{id:[0-9]+}/documents", emergencyDocumentsHandler).Methods("GET")

	admin := router.PathPrefix("").Subrouter()
	admin.Use(adminRouteMiddleware)
	admin.HandleFunc("/jobs", listJobsHandler).Methods("GET")
	admin.HandleFunc("/jobs/stats", jobStatsHandler).Methods("GET")
	admin.HandleFunc("/emergency-access-stats", accessStatsHandler).Methods("GET")

	return router
}

// buildChannels assembles the outbound senders. In dev mode every channel
// runs in test mode and only logs what it would have sent.
func buildChannels(devMode bool) emergency.Channels {
	appUrl := fmt.Sprintf("http://localhost:%v", appConfig.Shield.Listener.Port)

	return emergency.Channels{
		SMS:   twilio.NewClient(appConfig.Twilio, appUrl, devMode),
		Email: mailer.NewMailer(appConfig.Smtp, devMode),
		Push:  push.NewClient(appConfig.Push, devMode),
	}
}

func initStorageClient() {
	if !sqliteBackupEnabled() {
		return
	}

	var err error
	storageClient, err = gstorage.NewGStorage(appConfig.Google.ApplicationCredentials)
	fatalOnError(err)
}

// restoreSqliteDbIfStale pulls the last backup from GCS when backups are on
// and no local db exists yet, so a re-provisioned host picks up where the
// old one left off.
func restoreSqliteDbIfStale(dataDir string) {
	if storageClient == nil {
		return
	}

	dbDir, err := models.DbDirectory(dataDir)
	fatalOnError(err)

	dbFilePath := filepath.Join(dbDir, models.DB_NAME)
	if utils.FileExist(dbFilePath) {
		return
	}

	storageConfig := appConfig.Google.Storage
	err = storageClient.DownloadFile(storageConfig.Bucket, backupObjectName(), dbFilePath)
	if err == gstorage.ErrObjectNotExist {
		logg.Infof("No %v backup found in bucket %v, starting fresh", models.DB_NAME, storageConfig.Bucket)
		return
	}
	fatalOnError(err)
}
