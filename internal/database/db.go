package database

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"trial-license-system/internal/config"
	"trial-license-system/internal/model"

	"github.com/glebarez/sqlite"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Models lists every table owned by the service, in migration order.
func Models() []any {
	return []any{
		&model.User{},
		&model.LoginLog{},
		&model.OperationLog{},
		&model.Client{},
		&model.HardwareFingerprint{},
		&model.TrialSession{},
		&model.CreditTransaction{},
		&model.LicenseKey{},
		&model.SyncMessage{},
		&model.QueueEntry{},
		&model.Notification{},
	}
}

// Dialector returns the gorm dialector for driver and dsn.
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	switch strings.ToLower(driver) {
	case "sqlite":
		return sqlite.Open(dsn), nil
	case "postgres":
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Open connects to the configured database. A sqlite database is funnelled
// through a single connection: sqlite serialises writers anyway, and one
// connection turns concurrent transactions into a queue instead of
// SQLITE_BUSY failures.
func Open(driver, dsn string, maxOpen int, log *slog.Logger) (*gorm.DB, error) {
	if strings.EqualFold(driver, "sqlite") && !strings.Contains(dsn, ":memory:") && !strings.Contains(dsn, "mode=memory") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	dialector, err := Dialector(driver, dsn)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(driver, "sqlite") {
		maxOpen = 1
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}

	if log != nil {
		log.Info("database connected", slog.String("driver", driver), slog.Int("max_open_conns", maxOpen))
	}
	return db, nil
}

// OpenConfig is Open driven by the database section of the configuration.
func OpenConfig(cfg config.DatabaseConfig, log *slog.Logger) (*gorm.DB, error) {
	return Open(cfg.Driver, cfg.DSN, cfg.MaxOpenConns, log)
}

// Migrate creates or updates every table.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	return nil
}

// SeedAdmin creates the bootstrap administrator when no user with that
// name exists yet. It reports whether a user was created.
func SeedAdmin(db *gorm.DB, username, password string) (bool, error) {
	if password == "" {
		return false, nil
	}

	var existing model.User
	err := db.Where("username = ?", username).First(&existing).Error
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return false, fmt.Errorf("hash admin password: %w", err)
	}

	admin := &model.User{
		Username: username,
		Password: string(hashedPassword),
		Email:    username + "@localhost",
		Role:     model.RoleAdmin,
		Status:   model.UserStatusActive,
	}
	if err := db.Create(admin).Error; err != nil {
		return false, fmt.Errorf("create admin user: %w", err)
	}
	return true, nil
}
