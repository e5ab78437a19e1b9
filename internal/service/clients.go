package service

import (
	"context"
	"errors"
	"time"

	apperrors "trial-license-system/internal/errors"
	"trial-license-system/internal/model"

	"gorm.io/gorm"
)

// ClientDirectory is the tenant registry. The core checks existence and
// refreshes sync timestamps; only administrative tooling registers clients.
type ClientDirectory struct {
	db  *gorm.DB
	now func() time.Time
}

func NewClientDirectory(db *gorm.DB, now func() time.Time) *ClientDirectory {
	if now == nil {
		now = time.Now
	}
	return &ClientDirectory{db: db, now: now}
}

// WithTx returns a directory bound to an open transaction.
func (d *ClientDirectory) WithTx(tx *gorm.DB) *ClientDirectory {
	return &ClientDirectory{db: tx, now: d.now}
}

func (d *ClientDirectory) Exists(ctx context.Context, clientID string) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&model.Client{}).Where("id = ?", clientID).Count(&count).Error
	return count > 0, err
}

func (d *ClientDirectory) Get(ctx context.Context, clientID string) (*model.Client, error) {
	var c model.Client
	err := d.db.WithContext(ctx).First(&c, "id = ?", clientID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.Newf(apperrors.KindNotFound, "clients.Get", "client %s not found", clientID)
	}
	if err != nil {
		return nil, apperrors.Internal("clients.Get", err)
	}
	return &c, nil
}

// Register creates a client record. An existing id is a conflict.
func (d *ClientDirectory) Register(ctx context.Context, clientID, name string) (*model.Client, error) {
	if clientID == "" {
		return nil, apperrors.New(apperrors.KindValidation, "clients.Register", "client id is required")
	}
	exists, err := d.Exists(ctx, clientID)
	if err != nil {
		return nil, apperrors.Internal("clients.Register", err)
	}
	if exists {
		return nil, apperrors.Newf(apperrors.KindConflict, "clients.Register", "client %s already exists", clientID)
	}
	c := &model.Client{ID: clientID, Name: name, Status: "active"}
	if err := d.db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, apperrors.Internal("clients.Register", err)
	}
	return c, nil
}

// TouchOptions selects what Touch refreshes.
type TouchOptions struct {
	Synced     bool
	DeviceInfo *string
}

// Touch refreshes last_seen_at, and last_sync_at when synced. It reports
// NotFound for an unknown client.
func (d *ClientDirectory) Touch(ctx context.Context, clientID string, opts TouchOptions) (time.Time, error) {
	now := d.now().UTC()
	updates := map[string]any{"last_seen_at": now}
	if opts.Synced {
		updates["last_sync_at"] = now
	}
	if opts.DeviceInfo != nil {
		updates["device_info"] = *opts.DeviceInfo
	}

	res := d.db.WithContext(ctx).Model(&model.Client{}).Where("id = ?", clientID).Updates(updates)
	if res.Error != nil {
		return now, apperrors.Internal("clients.Touch", res.Error)
	}
	if res.RowsAffected == 0 {
		return now, apperrors.Newf(apperrors.KindNotFound, "clients.Touch", "client %s not found", clientID)
	}
	return now, nil
}

// List returns every client, most recently seen first.
func (d *ClientDirectory) List(ctx context.Context) ([]model.Client, error) {
	var clients []model.Client
	if err := d.db.WithContext(ctx).Order("last_seen_at DESC").Order("id").Find(&clients).Error; err != nil {
		return nil, apperrors.Internal("clients.List", err)
	}
	return clients, nil
}
