package models

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	sqliteEncrypt "github.com/Daskott/gorm-sqlite-cipher"
	"github.com/legacyguard/shield/server/logger"
	"github.com/legacyguard/shield/utils"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

const DB_NAME = "shield.db"

var logg = logger.NewLogger()
var db *gorm.DB

// AutoMigrate auto-migrates the db schema and inserts seed data
func AutoMigrate(passPhrase string, dbRootDir string) error {
	err := openDB(passPhrase, dbRootDir)
	if err != nil {
		return err
	}

	db.AutoMigrate(
		&AccessStatus{}, &JobStatus{}, &Job{}, &Role{},
		&Document{}, &EmergencyContact{}, &EmergencyProtocol{},
		&User{}, &EmergencyAccess{}, &EmergencyVerification{},
	)

	populateDBWithSeedData()

	return nil
}

// InitializeTestDb points the package at a throwaway sqlite db, migrated
// and seeded. Meant for test setup only.
func InitializeTestDb() {
	dbFilePath := filepath.Join(os.TempDir(), fmt.Sprintf("shield_test_%v.db", os.Getpid()))
	os.Remove(dbFilePath)

	var err error
	db, err = gorm.Open(sqliteEncrypt.Open(fmt.Sprintf("file:%v?_journal_mode=WAL", dbFilePath)), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		logg.Panicf("failed to open test database: %v", err)
	}

	db.AutoMigrate(
		&AccessStatus{}, &JobStatus{}, &Job{}, &Role{},
		&Document{}, &EmergencyContact{}, &EmergencyProtocol{},
		&User{}, &EmergencyAccess{}, &EmergencyVerification{},
	)

	// Start each test run from a clean slate
	for _, table := range []string{
		"emergency_verifications", "emergency_accesses", "emergency_protocols",
		"emergency_contacts", "documents", "jobs", "users",
	} {
		db.Exec("DELETE FROM " + table)
	}

	populateDBWithSeedData()
}

// ---------------------------------------------------------------------------------//
// Helper functions
// --------------------------------------------------------------------------------//

func openDB(passPhrase string, dbRootDir string) error {
	var err error
	var dbDSNVal string

	dbDSNVal, err = dbDSN(passPhrase, dbRootDir)
	if err != nil {
		return fmt.Errorf("failed to set sqlite DSN: %v", err)
	}

	db, err = gorm.Open(sqliteEncrypt.Open(dbDSNVal), &gorm.Config{
		Logger: gormLogger.New(
			log.New(os.Stdout, "\r\n", log.LstdFlags),
			gormLogger.Config{
				LogLevel:                  gormLogger.Silent,
				IgnoreRecordNotFoundError: true,
				Colorful:                  false,
			},
		),
	})
	if err != nil {
		return fmt.Errorf("failed to connect database: %v", err)
	}

	return nil
}

func populateDBWithSeedData() {
	if err := db.First(&AccessStatus{}).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		logg.Info("Inserting seed data into 'AccessStatus'")
		db.Create(&[]AccessStatus{
			{Name: PENDING_ACCESS}, {Name: TIME_LOCKED_ACCESS},
			{Name: VERIFICATION_REQUIRED_ACCESS}, {Name: ACTIVE_ACCESS},
			{Name: RESOLVED_ACCESS}, {Name: EXPIRED_ACCESS}, {Name: DENIED_ACCESS},
		})
	}

	if err := db.First(&JobStatus{}).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		logg.Info("Inserting seed data into 'JobStatus'")
		db.Create(&[]JobStatus{
			{Name: ENQUEUED_JOB}, {Name: SCHEDULED_JOB}, {Name: IN_PROGRESS_JOB},
			{Name: SUCCESSFUL_JOB}, {Name: DEAD_JOB}, {Name: CANCELLED_JOB},
		})
	}

	if err := db.First(&Role{}).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		logg.Info("Inserting seed data into 'Role'")
		db.Create(&[]Role{{Name: "admin"}, {Name: "basic"}})
	}
}

func dbDSN(passPhrase string, dbRootDir string) (string, error) {
	dbDir, err := DbDirectory(dbRootDir)
	if err != nil {
		return "", err
	}

	dbFilePath := filepath.Join(dbDir, DB_NAME)
	dbName := fmt.Sprintf("file:%v", dbFilePath)

	return fmt.Sprintf(
		"%v?_pragma_key=%s&_pragma_cipher_page_size=4096&_journal_mode=WAL",
		dbName,
		passPhrase,
	), nil
}

func DbDirectory(dbRootDir string) (string, error) {
	dbDir := filepath.Join(dbRootDir, "db")

	err := utils.CreateDirIfNotExist(dbDir)
	if err != nil {
		return "", err
	}

	return dbDir, nil
}
