package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apperrors "trial-license-system/internal/errors"
	"trial-license-system/internal/logger"
	"trial-license-system/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuthorityInbox is the inbox of the central authority.
const AuthorityInbox = "authority"

const (
	KindNewMessage      = "NEW_MESSAGE"
	KindMessageResolved = "MESSAGE_RESOLVED"
	KindLicenseActive   = "LICENSE_ACTIVATED"
	KindLicenseRevoked  = "LICENSE_REVOKED"
	KindQueueResolved   = "QUEUE_RESOLVED"
)

// Notifications is the notification sink: a per-client inbox table.
type Notifications struct {
	db  *gorm.DB
	log *slog.Logger
	now func() time.Time
}

func NewNotifications(db *gorm.DB, log *slog.Logger) *Notifications {
	return &Notifications{db: db, log: logger.Or(log), now: time.Now}
}

// Notify drops an alert into a client's inbox.
func (n *Notifications) Notify(ctx context.Context, clientID, kind, title, body string) error {
	note := &model.Notification{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Kind:      kind,
		Title:     title,
		Body:      body,
		CreatedAt: n.now().UTC(),
	}
	if err := n.db.WithContext(ctx).Create(note).Error; err != nil {
		return apperrors.Internal("notifications.Notify", err)
	}
	n.log.DebugContext(ctx, "notification stored",
		slog.String("client_id", clientID),
		slog.String("kind", kind),
	)
	return nil
}

// Publish announces a device message to the central authority.
func (n *Notifications) Publish(ctx context.Context, msg *model.SyncMessage) error {
	title := fmt.Sprintf("New %s message from %s", msg.MessageType, msg.ClientID)
	body := msg.Subject
	if body == "" {
		body = msg.Content
	}
	return n.Notify(ctx, AuthorityInbox, KindNewMessage, title, body)
}

// UnreadCount counts notifications the client has not read yet.
func (n *Notifications) UnreadCount(ctx context.Context, clientID string) (int64, error) {
	var count int64
	err := n.db.WithContext(ctx).Model(&model.Notification{}).
		Where("client_id = ? AND read_at IS NULL", clientID).
		Count(&count).Error
	if err != nil {
		return 0, apperrors.Internal("notifications.UnreadCount", err)
	}
	return count, nil
}

// List returns a client's notifications, newest first.
func (n *Notifications) List(ctx context.Context, clientID string, unreadOnly bool) ([]model.Notification, error) {
	q := n.db.WithContext(ctx).Where("client_id = ?", clientID)
	if unreadOnly {
		q = q.Where("read_at IS NULL")
	}
	var notes []model.Notification
	if err := q.Order("created_at DESC").Find(&notes).Error; err != nil {
		return nil, apperrors.Internal("notifications.List", err)
	}
	return notes, nil
}

// MarkRead marks every unread notification of a client as read.
func (n *Notifications) MarkRead(ctx context.Context, clientID string) (int64, error) {
	res := n.db.WithContext(ctx).Model(&model.Notification{}).
		Where("client_id = ? AND read_at IS NULL", clientID).
		Update("read_at", n.now().UTC())
	if res.Error != nil {
		return 0, apperrors.Internal("notifications.MarkRead", res.Error)
	}
	return res.RowsAffected, nil
}
