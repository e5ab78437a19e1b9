package database

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenTestDB opens a private, migrated in-memory sqlite database.
func OpenTestDB() (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := Open("sqlite", dsn, 1, nil)
	if err != nil {
		return nil, err
	}
	db.Logger = logger.Default.LogMode(logger.Silent)
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// NewTestDB is OpenTestDB for tests; the database is closed on cleanup.
func NewTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := OpenTestDB()
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		CleanTestDB(db)
	})
	return db
}

func CleanTestDB(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	sqlDB.Close()
}
