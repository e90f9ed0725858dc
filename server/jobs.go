package server

import (
	"fmt"
	"path/filepath"

	"github.com/legacyguard/shield/server/emergency"
	"github.com/legacyguard/shield/server/models"
	"github.com/legacyguard/shield/server/work"
)

const (
	BACKUP_DB_HANDLER = "backup_sqlite_db"

	expirySweepSchedule     = "*/10 * * * *"
	inactivitySweepSchedule = "0 * * * *"
)

// backupSqliteDb pushes the encrypted db file to the configured GCS bucket.
// The file is ciphered at rest, so it goes up as-is.
func backupSqliteDb(dataDir string) error {
	if storageClient == nil {
		return nil
	}

	dbDir, err := models.DbDirectory(dataDir)
	if err != nil {
		return err
	}

	return storageClient.UploadFile(
		appConfig.Google.Storage.Bucket,
		backupObjectName(),
		filepath.Join(dbDir, models.DB_NAME))
}

func backupObjectName() string {
	prefix := appConfig.Google.Storage.Prefix
	if prefix == "" {
		return models.DB_NAME
	}

	return fmt.Sprintf("%v/%v", prefix, models.DB_NAME)
}

func registerJobHandlers(wpa *work.WorkerPoolAdapter, dataDir string) {
	err := wpa.Register(BACKUP_DB_HANDLER, func(map[string]interface{}) error {
		return backupSqliteDb(dataDir)
	})
	fatalOnError(err)
}

func enqueueJobs(wpa *work.WorkerPoolAdapter) {
	err := wpa.PeriodicallyPerform(expirySweepSchedule, work.JobParams{
		Name:    emergency.EXPIRY_SWEEP_HANDLER,
		Handler: emergency.EXPIRY_SWEEP_HANDLER,
		Args:    map[string]interface{}{},
	})
	fatalOnError(err)

	err = wpa.PeriodicallyPerform(inactivitySweepSchedule, work.JobParams{
		Name:    emergency.INACTIVITY_SWEEP_HANDLER,
		Handler: emergency.INACTIVITY_SWEEP_HANDLER,
		Args:    map[string]interface{}{},
	})
	fatalOnError(err)

	if sqliteBackupEnabled() {
		err = wpa.PeriodicallyPerform(appConfig.Google.Storage.SqliteBackupSchedule, work.JobParams{
			Name:    BACKUP_DB_HANDLER,
			Handler: BACKUP_DB_HANDLER,
			Args:    map[string]interface{}{},
		})
		fatalOnError(err)
	}
}
