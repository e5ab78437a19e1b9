// Package syncgateway relays messages between offline-capable devices and
// the central authority with at-least-once delivery.
package syncgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "trial-license-system/internal/errors"
	"trial-license-system/internal/logger"
	"trial-license-system/internal/metrics"
	"trial-license-system/internal/model"
	"trial-license-system/internal/service"
	"trial-license-system/internal/validation"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// EnvelopeSyncFailed wraps a message whose direct delivery failed.
const EnvelopeSyncFailed = "SYNC_FAILED"

type SyncStatus string

const (
	StatusSynced       SyncStatus = "SYNCED"
	StatusFailedQueued SyncStatus = "FAILED_QUEUED"
)

// Publisher announces a device message to the central authority.
type Publisher interface {
	Publish(ctx context.Context, msg *model.SyncMessage) error
}

// Notifier is the fire-and-forget alert sink.
type Notifier interface {
	Notify(ctx context.Context, clientID, kind, title, body string) error
}

// Inbox counts the notifications a device has not pulled yet.
type Inbox interface {
	UnreadCount(ctx context.Context, clientID string) (int64, error)
}

// Gateway is the sync gateway between devices and the central authority.
type Gateway struct {
	db        *gorm.DB
	clients   *service.ClientDirectory
	publisher Publisher
	notifier  Notifier
	inbox     Inbox
	authz     service.Authorizer
	limiter   *rate.Limiter
	workers   int
	flight    singleflight.Group
	log       *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

type Option func(*Gateway)

func WithPublisher(p Publisher) Option { return func(g *Gateway) { g.publisher = p } }

func WithNotifier(n Notifier) Option { return func(g *Gateway) { g.notifier = n } }

func WithInbox(i Inbox) Option { return func(g *Gateway) { g.inbox = i } }

func WithAuthorizer(a service.Authorizer) Option { return func(g *Gateway) { g.authz = a } }

// WithRedeliveryLimit paces queue redelivery. A zero limit disables pacing.
func WithRedeliveryLimit(perSecond float64, burst int) Option {
	return func(g *Gateway) {
		if perSecond <= 0 {
			g.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithWorkers bounds how many client queues ProcessAllQueues runs at once.
func WithWorkers(n int) Option { return func(g *Gateway) { g.workers = n } }

func WithLogger(l *slog.Logger) Option { return func(g *Gateway) { g.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(g *Gateway) { g.metrics = m } }

func WithClock(now func() time.Time) Option { return func(g *Gateway) { g.now = now } }

func NewGateway(db *gorm.DB, opts ...Option) *Gateway {
	g := &Gateway{
		db:      db,
		authz:   service.AllowAll,
		workers: 4,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = logger.Or(g.log).With(slog.String("component", "sync"))
	g.clients = service.NewClientDirectory(db, g.now)

	if g.publisher == nil || g.notifier == nil || g.inbox == nil {
		n := service.NewNotifications(db, g.log)
		if g.publisher == nil {
			g.publisher = n
		}
		if g.notifier == nil {
			g.notifier = n
		}
		if g.inbox == nil {
			g.inbox = n
		}
	}
	if g.workers < 1 {
		g.workers = 1
	}
	return g
}

// MessageRequest is a device message bound for the central authority.
type MessageRequest struct {
	ClientID    string         `json:"client_id" validate:"required,max=64"`
	MessageType string         `json:"message_type" validate:"required,max=32"`
	Subject     string         `json:"subject" validate:"max=255"`
	Content     string         `json:"content"`
	Priority    model.Priority `json:"priority" validate:"omitempty,oneof=LOW NORMAL HIGH URGENT"`
	ActorID     uint           `json:"actor_id"`
}

// SyncResult is the outcome of SyncMessage. A failed direct delivery is a
// result with StatusFailedQueued, not an error.
type SyncResult struct {
	Success    bool               `json:"success"`
	SyncStatus SyncStatus         `json:"sync_status"`
	Message    *model.SyncMessage `json:"message,omitempty"`
	Error      string             `json:"error,omitempty"`
	QueueEntry *model.QueueEntry  `json:"queue_entry,omitempty"`
}

// failedEnvelope is the payload of a SYNC_FAILED queue entry.
type failedEnvelope struct {
	Original  MessageRequest `json:"original"`
	MessageID string         `json:"message_id"`
	Error     string         `json:"error"`
}

// SyncMessage delivers a device message directly: it is stored as PENDING,
// the client's last_seen_at is refreshed and the authority is notified. If
// any of that fails the message goes to the client's offline queue and the
// result reports FAILED_QUEUED. Only a failure to enqueue is an error.
func (g *Gateway) SyncMessage(ctx context.Context, req MessageRequest) (SyncResult, error) {
	const op = "sync.SyncMessage"
	if err := service.Require(ctx, g.authz, req.ActorID, service.CapSyncClient, op); err != nil {
		return SyncResult{}, err
	}
	if req.Priority == "" {
		req.Priority = model.PriorityNormal
	}
	if err := validation.Struct(op, req); err != nil {
		return SyncResult{}, err
	}
	if _, err := g.clients.Get(ctx, req.ClientID); err != nil {
		return SyncResult{}, err
	}

	messageID := uuid.NewString()
	msg, err := g.deliver(ctx, req, messageID)
	if err == nil {
		g.metrics.Delivery("synced")
		return SyncResult{Success: true, SyncStatus: StatusSynced, Message: msg}, nil
	}

	g.log.WarnContext(ctx, "direct delivery failed, queueing",
		slog.String("client_id", req.ClientID),
		slog.String("message_id", messageID),
		slog.Any("error", err),
	)
	entry, qerr := g.Enqueue(ctx, req.ClientID, EnvelopeSyncFailed, failedEnvelope{
		Original:  req,
		MessageID: messageID,
		Error:     err.Error(),
	}, model.PriorityHigh)
	if qerr != nil {
		g.metrics.Delivery("lost")
		return SyncResult{}, apperrors.Wrap(apperrors.KindSyncFailure, op, errors.Join(err, qerr))
	}

	g.metrics.Delivery("failed_queued")
	return SyncResult{
		SyncStatus: StatusFailedQueued,
		Message:    msg,
		Error:      err.Error(),
		QueueEntry: entry,
	}, nil
}

// deliver stores or revives the message under messageID and publishes it.
// A failed publish leaves the message FAILED with the reason.
func (g *Gateway) deliver(ctx context.Context, req MessageRequest, messageID string) (*model.SyncMessage, error) {
	var msg model.SyncMessage
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&msg, "id = ?", messageID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			msg = model.SyncMessage{
				ID:          messageID,
				ClientID:    req.ClientID,
				MessageType: req.MessageType,
				Subject:     req.Subject,
				Content:     req.Content,
				Priority:    req.Priority,
				Status:      model.MessageStatusPending,
				ActorID:     req.ActorID,
			}
			if err := tx.Create(&msg).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			err := tx.Model(&msg).Updates(map[string]any{
				"status":         model.MessageStatusPending,
				"failure_reason": "",
			}).Error
			if err != nil {
				return err
			}
		}
		_, err = g.clients.WithTx(tx).Touch(ctx, req.ClientID, service.TouchOptions{})
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := g.publisher.Publish(ctx, &msg); err != nil {
		reason := err.Error()
		if uerr := g.db.WithContext(ctx).Model(&model.SyncMessage{}).Where("id = ?", msg.ID).Updates(map[string]any{
			"status":         model.MessageStatusFailed,
			"failure_reason": reason,
		}).Error; uerr != nil {
			g.log.ErrorContext(ctx, "mark message failed", slog.String("message_id", msg.ID), slog.Any("error", uerr))
		}
		msg.Status = model.MessageStatusFailed
		msg.FailureReason = reason
		return &msg, fmt.Errorf("publish message: %w", err)
	}
	return &msg, nil
}

// Enqueue appends an envelope to the client's offline queue.
func (g *Gateway) Enqueue(ctx context.Context, clientID, messageType string, payload any, priority model.Priority) (*model.QueueEntry, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindValidation, "sync.Enqueue", err)
	}
	if priority == "" {
		priority = model.PriorityNormal
	}
	entry := &model.QueueEntry{
		Ref:         uuid.NewString(),
		ClientID:    clientID,
		MessageType: messageType,
		Payload:     string(body),
		Priority:    priority,
		Status:      model.MessageStatusPending,
	}
	if err := g.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, apperrors.Internal("sync.Enqueue", err)
	}
	return entry, nil
}

// QueueReport summarises one queue run.
type QueueReport struct {
	ClientID          string `json:"client_id"`
	ProcessedMessages int    `json:"processed_messages"`
	FailedMessages    int    `json:"failed_messages"`
}

// ProcessOfflineQueue redelivers the client's pending envelopes in the order
// they were queued. A SYNC_FAILED envelope is resolved once its message is
// delivered and stays pending with the reason otherwise. Envelope types the
// gateway does not know are resolved without action. Concurrent runs for
// the same client share one pass over the queue.
func (g *Gateway) ProcessOfflineQueue(ctx context.Context, clientID string, actorID uint) (QueueReport, error) {
	const op = "sync.ProcessOfflineQueue"
	if err := service.Require(ctx, g.authz, actorID, service.CapSyncClient, op); err != nil {
		return QueueReport{}, err
	}
	return g.processShared(ctx, clientID)
}

func (g *Gateway) processShared(ctx context.Context, clientID string) (QueueReport, error) {
	v, err, _ := g.flight.Do(clientID, func() (any, error) {
		return g.processQueue(ctx, clientID)
	})
	report, _ := v.(QueueReport)
	return report, err
}

func (g *Gateway) processQueue(ctx context.Context, clientID string) (QueueReport, error) {
	const op = "sync.ProcessOfflineQueue"
	report := QueueReport{ClientID: clientID}

	var entries []model.QueueEntry
	err := g.db.WithContext(ctx).
		Where("client_id = ? AND status = ?", clientID, model.MessageStatusPending).
		Order("id ASC").
		Find(&entries).Error
	if err != nil {
		return report, apperrors.Internal(op, err)
	}

	for i := range entries {
		entry := &entries[i]
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return report, err
			}
		}

		deliverErr := g.redeliver(ctx, entry)
		if deliverErr == nil {
			if err := g.finishEntry(ctx, entry, model.MessageStatusResolved, ""); err != nil {
				return report, apperrors.Internal(op, err)
			}
			report.ProcessedMessages++
			g.metrics.Redelivery("resolved")
			continue
		}

		status := model.MessageStatusPending
		var permanent *permanentError
		if errors.As(deliverErr, &permanent) {
			status = model.MessageStatusFailed
		}
		if err := g.finishEntry(ctx, entry, status, deliverErr.Error()); err != nil {
			return report, apperrors.Internal(op, err)
		}
		report.FailedMessages++
		g.metrics.Redelivery("failed")
		g.log.WarnContext(ctx, "queued envelope not delivered",
			slog.String("client_id", clientID),
			slog.String("entry", entry.Ref),
			slog.Int("attempts", entry.Attempts+1),
			slog.Any("error", deliverErr),
		)
	}

	if len(entries) > 0 {
		g.log.InfoContext(ctx, "offline queue processed",
			slog.String("client_id", clientID),
			slog.Int("processed", report.ProcessedMessages),
			slog.Int("failed", report.FailedMessages),
		)
	}
	return report, nil
}

// permanentError marks an envelope that can never be delivered.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func (g *Gateway) redeliver(ctx context.Context, entry *model.QueueEntry) error {
	switch entry.MessageType {
	case EnvelopeSyncFailed:
		var env failedEnvelope
		if err := json.Unmarshal([]byte(entry.Payload), &env); err != nil {
			return &permanentError{fmt.Errorf("decode envelope: %w", err)}
		}
		if env.MessageID == "" {
			env.MessageID = uuid.NewString()
		}
		if _, err := g.deliver(ctx, env.Original, env.MessageID); err != nil {
			return err
		}
		if err := g.notifier.Notify(ctx, entry.ClientID, service.KindQueueResolved,
			"Queued message delivered", env.Original.Subject); err != nil {
			g.log.WarnContext(ctx, "queue notification failed", slog.Any("error", err))
		}
		return nil
	default:
		g.log.InfoContext(ctx, "resolving unknown envelope type",
			slog.String("entry", entry.Ref),
			slog.String("message_type", entry.MessageType),
		)
		return nil
	}
}

func (g *Gateway) finishEntry(ctx context.Context, entry *model.QueueEntry, status model.MessageStatus, lastError string) error {
	updates := map[string]any{
		"status":     status,
		"attempts":   gorm.Expr("attempts + ?", 1),
		"last_error": lastError,
	}
	if status == model.MessageStatusResolved {
		updates["resolved_at"] = g.now().UTC()
	}
	return g.db.WithContext(ctx).Model(&model.QueueEntry{}).Where("id = ?", entry.ID).Updates(updates).Error
}

// ProcessAllQueues runs ProcessOfflineQueue for every client with pending
// envelopes, several clients at a time. Each client's queue stays FIFO.
func (g *Gateway) ProcessAllQueues(ctx context.Context, actorID uint) (map[string]QueueReport, error) {
	const op = "sync.ProcessAllQueues"
	if err := service.Require(ctx, g.authz, actorID, service.CapSyncClient, op); err != nil {
		return nil, err
	}

	var clientIDs []string
	err := g.db.WithContext(ctx).Model(&model.QueueEntry{}).
		Where("status = ?", model.MessageStatusPending).
		Distinct().
		Order("client_id").
		Pluck("client_id", &clientIDs).Error
	if err != nil {
		return nil, apperrors.Internal(op, err)
	}

	return g.fanOut(ctx, clientIDs)
}

// Queue lists a client's envelopes in queue order, optionally by status.
func (g *Gateway) Queue(ctx context.Context, clientID string, status model.MessageStatus) ([]model.QueueEntry, error) {
	q := g.db.WithContext(ctx).Where("client_id = ?", clientID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var entries []model.QueueEntry
	if err := q.Order("id ASC").Find(&entries).Error; err != nil {
		return nil, apperrors.Internal("sync.Queue", err)
	}
	return entries, nil
}

// Heartbeat is what a device learns when it checks in.
type Heartbeat struct {
	Client               *model.Client `json:"client"`
	PendingMessages      int64         `json:"pending_messages"`
	PendingNotifications int64         `json:"pending_notifications"`
	HeartbeatStatus      string        `json:"heartbeat_status"`
	Timestamp            time.Time     `json:"timestamp"`
}

// HandleHeartbeat refreshes last_seen_at and last_sync_at and returns the
// counts the device should pull: resolved messages it has not acknowledged
// and unread notifications.
func (g *Gateway) HandleHeartbeat(ctx context.Context, clientID string, deviceInfo map[string]any, actorID uint) (*Heartbeat, error) {
	const op = "sync.HandleHeartbeat"
	if err := service.Require(ctx, g.authz, actorID, service.CapSyncClient, op); err != nil {
		return nil, err
	}

	opts := service.TouchOptions{Synced: true}
	if deviceInfo != nil {
		raw, err := json.Marshal(deviceInfo)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindValidation, op, err)
		}
		info := string(raw)
		opts.DeviceInfo = &info
	}
	ts, err := g.clients.Touch(ctx, clientID, opts)
	if err != nil {
		return nil, err
	}

	client, err := g.clients.Get(ctx, clientID)
	if err != nil {
		return nil, err
	}

	var pending int64
	err = g.db.WithContext(ctx).Model(&model.SyncMessage{}).
		Where("client_id = ? AND status = ? AND acknowledged_at IS NULL", clientID, model.MessageStatusResolved).
		Count(&pending).Error
	if err != nil {
		return nil, apperrors.Internal(op, err)
	}

	unread, err := g.inbox.UnreadCount(ctx, clientID)
	if err != nil {
		return nil, apperrors.Internal(op, err)
	}

	return &Heartbeat{
		Client:               client,
		PendingMessages:      pending,
		PendingNotifications: unread,
		HeartbeatStatus:      "ok",
		Timestamp:            ts,
	}, nil
}

// ResolveMessage records the authority's answer to a device message and
// alerts the device. Resolving twice is a no-op.
func (g *Gateway) ResolveMessage(ctx context.Context, messageID string, actorID uint) (*model.SyncMessage, error) {
	const op = "sync.ResolveMessage"
	if err := service.Require(ctx, g.authz, actorID, service.CapViewClient, op); err != nil {
		return nil, err
	}

	var msg model.SyncMessage
	err := g.db.WithContext(ctx).First(&msg, "id = ?", messageID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.New(apperrors.KindNotFound, op, "message not found")
	}
	if err != nil {
		return nil, apperrors.Internal(op, err)
	}
	if msg.Status == model.MessageStatusResolved {
		return &msg, nil
	}

	now := g.now().UTC()
	err = g.db.WithContext(ctx).Model(&msg).Updates(map[string]any{
		"status":      model.MessageStatusResolved,
		"resolved_at": now,
	}).Error
	if err != nil {
		return nil, apperrors.Internal(op, err)
	}
	msg.Status = model.MessageStatusResolved
	msg.ResolvedAt = &now

	if err := g.notifier.Notify(ctx, msg.ClientID, service.KindMessageResolved, "Message answered", msg.Subject); err != nil {
		g.log.WarnContext(ctx, "resolve notification failed", slog.String("message_id", msg.ID), slog.Any("error", err))
	}
	return &msg, nil
}

// AcknowledgeMessages marks the client's resolved messages as pulled. It
// returns how many were acknowledged.
func (g *Gateway) AcknowledgeMessages(ctx context.Context, clientID string, actorID uint) (int64, error) {
	const op = "sync.AcknowledgeMessages"
	if err := service.Require(ctx, g.authz, actorID, service.CapSyncClient, op); err != nil {
		return 0, err
	}
	res := g.db.WithContext(ctx).Model(&model.SyncMessage{}).
		Where("client_id = ? AND status = ? AND acknowledged_at IS NULL", clientID, model.MessageStatusResolved).
		Update("acknowledged_at", g.now().UTC())
	if res.Error != nil {
		return 0, apperrors.Internal(op, res.Error)
	}
	return res.RowsAffected, nil
}

// Messages lists a client's messages, newest first.
func (g *Gateway) Messages(ctx context.Context, clientID string) ([]model.SyncMessage, error) {
	var msgs []model.SyncMessage
	if err := g.db.WithContext(ctx).Where("client_id = ?", clientID).Order("created_at DESC").Find(&msgs).Error; err != nil {
		return nil, apperrors.Internal("sync.Messages", err)
	}
	return msgs, nil
}

// SyncStatus returns the derived health of a stored client.
func (g *Gateway) SyncStatus(ctx context.Context, clientID string) (HealthStatus, error) {
	c, err := g.clients.Get(ctx, clientID)
	if err != nil {
		return HealthStatus{}, err
	}
	return Health(c, g.now()), nil
}
