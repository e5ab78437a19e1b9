package service

import (
	"context"
	"encoding/json"
	"time"

	"trial-license-system/internal/model"

	"gorm.io/gorm"
)

// AuditLog writes operation and login records.
type AuditLog struct {
	db *gorm.DB
}

func NewAuditLog(db *gorm.DB) *AuditLog {
	return &AuditLog{db: db}
}

// WithTx returns an audit log writing through an open transaction.
func (a *AuditLog) WithTx(tx *gorm.DB) *AuditLog {
	return &AuditLog{db: tx}
}

func (a *AuditLog) LogOperation(ctx context.Context, userID uint, action, target, targetID string, details any) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return err
	}

	log := &model.OperationLog{
		UserID:    userID,
		Action:    action,
		Target:    target,
		TargetID:  targetID,
		Details:   string(detailsJSON),
		CreatedAt: time.Now().UTC(),
	}
	return a.db.WithContext(ctx).Create(log).Error
}

func (a *AuditLog) LogLogin(ctx context.Context, userID uint, ip, userAgent, status string) error {
	return a.db.WithContext(ctx).Create(&model.LoginLog{
		UserID:    userID,
		IP:        ip,
		UserAgent: userAgent,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}).Error
}

// GetOperationLogs pages through the operation log, newest first. A zero
// userID lists every user.
func (a *AuditLog) GetOperationLogs(ctx context.Context, userID uint, page, pageSize int) ([]model.OperationLog, int64, error) {
	var logs []model.OperationLog
	var total int64

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	byUser := func(db *gorm.DB) *gorm.DB {
		if userID != 0 {
			return db.Where("user_id = ?", userID)
		}
		return db
	}

	db := a.db.WithContext(ctx)
	if err := db.Model(&model.OperationLog{}).Scopes(byUser).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	if err := db.Scopes(byUser).Order("created_at DESC").Order("id DESC").Offset(offset).Limit(pageSize).Find(&logs).Error; err != nil {
		return nil, 0, err
	}

	return logs, total, nil
}
