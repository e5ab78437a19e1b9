package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"trial-license-system/internal/database"
	apperrors "trial-license-system/internal/errors"
	"trial-license-system/internal/logger"
	"trial-license-system/internal/metrics"
	"trial-license-system/internal/model"
	"trial-license-system/internal/service"
	"trial-license-system/internal/trial"
	"trial-license-system/internal/validation"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// expiringWindow is how far ahead Statistics looks for keys about to expire.
const expiringWindow = 30 * 24 * time.Hour

// Notifier is the fire-and-forget alert sink.
type Notifier interface {
	Notify(ctx context.Context, clientID, kind, title, body string) error
}

// Mirror receives a copy of every key row after it changes.
type Mirror interface {
	MirrorLicense(ctx context.Context, license *model.LicenseKey) error
}

// Authority owns the license key lifecycle.
type Authority struct {
	db       *gorm.DB
	ledger   *trial.Ledger
	authz    service.Authorizer
	clients  *service.ClientDirectory
	audit    *service.AuditLog
	notifier Notifier
	mirror   Mirror
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	newKey   KeyGenerator
}

type Option func(*Authority)

func WithAuthorizer(a service.Authorizer) Option { return func(x *Authority) { x.authz = a } }

// WithClients makes issuance reject unknown client ids.
func WithClients(d *service.ClientDirectory) Option { return func(x *Authority) { x.clients = d } }

func WithNotifier(n Notifier) Option { return func(x *Authority) { x.notifier = n } }

func WithMirror(m Mirror) Option { return func(x *Authority) { x.mirror = m } }

func WithLogger(l *slog.Logger) Option { return func(x *Authority) { x.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(x *Authority) { x.metrics = m } }

func WithClock(now func() time.Time) Option { return func(x *Authority) { x.now = now } }

func WithKeyGenerator(g KeyGenerator) Option { return func(x *Authority) { x.newKey = g } }

func NewAuthority(db *gorm.DB, ledger *trial.Ledger, opts ...Option) *Authority {
	a := &Authority{
		db:     db,
		ledger: ledger,
		authz:  service.AllowAll,
		audit:  service.NewAuditLog(db),
		now:    time.Now,
		newKey: RandomKey,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = logger.Or(a.log).With(slog.String("component", "license"))
	return a
}

// IssueRequest describes a key to issue. The custom fields override the
// plan of the license type.
type IssueRequest struct {
	ClientID             string `json:"client_id" validate:"required,max=64"`
	LicenseType          string `json:"license_type" validate:"required"`
	DeviceFingerprint    string `json:"device_fingerprint" validate:"required,max=64"`
	ContactEmail         string `json:"contact_email" validate:"omitempty,email"`
	CustomCredits        *int   `json:"custom_credits,omitempty" validate:"omitempty,gt=0"`
	CustomDurationMonths *int   `json:"custom_duration_months,omitempty" validate:"omitempty,gt=0"`
	MaxActivations       *int   `json:"max_activations,omitempty" validate:"omitempty,gt=0"`
	IssuedBy             uint   `json:"-"`
}

// ActivationResult is the outcome of ActivateLicenseKey. Failure carries the
// error kind of a refused activation.
type ActivationResult struct {
	Success bool                `json:"success"`
	Message string              `json:"message"`
	Credits int                 `json:"credits,omitempty"`
	Failure apperrors.Kind      `json:"failure,omitempty"`
	License *model.LicenseKey   `json:"license,omitempty"`
	Session *model.TrialSession `json:"session,omitempty"`
}

// RevocationResult is the outcome of RevokeLicenseKey.
type RevocationResult struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Failure apperrors.Kind    `json:"failure,omitempty"`
	License *model.LicenseKey `json:"license,omitempty"`
}

// StatusResult is the derived, read-only view of a key.
type StatusResult struct {
	IsValid          bool       `json:"is_valid"`
	Status           string     `json:"status"`
	Message          string     `json:"message"`
	LicenseType      string     `json:"license_type,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	ActivatedAt      *time.Time `json:"activated_at,omitempty"`
	CreditsRemaining *int       `json:"credits_remaining,omitempty"`
}

const (
	statusInvalid  = "INVALID"
	statusNotFound = "NOT_FOUND"
)

func keyScope(key string) database.Scope {
	return func(q *gorm.DB) *gorm.DB { return q.Where("key = ?", key) }
}

func checkFormat(op, key string) error {
	if !ValidKeyFormat(key) {
		return apperrors.New(apperrors.KindValidation, op, "invalid license key format")
	}
	return nil
}

func keyNotFound(op string) error {
	return apperrors.New(apperrors.KindNotFound, op, "license key not found")
}

// CreateLicenseKey issues a PENDING key bound to a device.
func (a *Authority) CreateLicenseKey(ctx context.Context, req IssueRequest) (*model.LicenseKey, error) {
	const op = "license.CreateLicenseKey"
	if err := service.Require(ctx, a.authz, req.IssuedBy, service.CapManageBilling, op); err != nil {
		return nil, err
	}
	if err := validation.Struct(op, req); err != nil {
		return nil, err
	}
	licenseType, err := ParseType(req.LicenseType)
	if err != nil {
		return nil, err
	}
	if a.clients != nil {
		exists, err := a.clients.Exists(ctx, req.ClientID)
		if err != nil {
			return nil, apperrors.Internal(op, err)
		}
		if !exists {
			return nil, apperrors.Newf(apperrors.KindNotFound, op, "client %s not found", req.ClientID)
		}
	}

	plan, _ := licenseType.Plan()
	credits, months, maxActivations := plan.Credits, plan.DurationMonths, 1
	if req.CustomCredits != nil {
		credits = *req.CustomCredits
	}
	if req.CustomDurationMonths != nil {
		months = *req.CustomDurationMonths
	}
	if req.MaxActivations != nil {
		maxActivations = *req.MaxActivations
	}

	now := a.now().UTC()
	lic := model.LicenseKey{
		ClientID:          req.ClientID,
		DeviceFingerprint: req.DeviceFingerprint,
		LicenseType:       string(licenseType),
		Status:            model.LicenseStatusPending,
		MaxCredits:        credits,
		CurrentCredits:    credits,
		MaxActivations:    maxActivations,
		PriceCents:        plan.PriceCents,
		ContactEmail:      req.ContactEmail,
		IssuedBy:          req.IssuedBy,
		ExpiresAt:         now.AddDate(0, months, 0),
	}

	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		allocated := false
		for attempt := 0; attempt < maxKeyAttempts; attempt++ {
			key, err := a.newKey()
			if err != nil {
				return err
			}
			lic.Key = key
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&lic)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				allocated = true
				break
			}
			a.log.WarnContext(ctx, "license key collision", slog.Int("attempt", attempt+1))
		}
		if !allocated {
			return ErrKeyAllocation
		}
		return a.audit.WithTx(tx).LogOperation(ctx, req.IssuedBy, "license.issue", "license", lic.Key, map[string]any{
			"client_id":    lic.ClientID,
			"license_type": lic.LicenseType,
			"credits":      lic.MaxCredits,
			"expires_at":   lic.ExpiresAt,
		})
	})
	if err != nil {
		return nil, apperrors.Internal(op, err)
	}

	a.log.InfoContext(ctx, "license issued",
		slog.String("key", lic.Key),
		slog.String("client_id", lic.ClientID),
		slog.String("license_type", lic.LicenseType),
		slog.Time("expires_at", lic.ExpiresAt),
	)
	a.afterCommit(ctx, &lic, "", "", "")
	return &lic, nil
}

// ActivateLicenseKey binds a PENDING key to the presented device. Checks run
// in a fixed order and stop at the first failure: revoked, activations used
// up, expired, device mismatch. A refused activation changes nothing and is
// reported as a result; a malformed or unknown key is an error.
func (a *Authority) ActivateLicenseKey(ctx context.Context, key, deviceFingerprint, clientID string) (ActivationResult, error) {
	const op = "license.ActivateLicenseKey"
	if err := checkFormat(op, key); err != nil {
		return ActivationResult{}, err
	}

	now := a.now().UTC()
	var (
		lic     model.LicenseKey
		result  ActivationResult
		session *model.TrialSession
	)
	err := database.WithLockedRow(ctx, a.db, &lic, keyScope(key), func(tx *gorm.DB) error {
		if failure, msg := a.refuse(&lic, deviceFingerprint, now); failure != "" {
			result = ActivationResult{Failure: failure, Message: msg}
			return nil
		}

		err := tx.Model(&model.LicenseKey{}).Where("key = ?", lic.Key).Updates(map[string]any{
			"status":           model.LicenseStatusActive,
			"activated_at":     now,
			"activation_count": gorm.Expr("activation_count + ?", 1),
			"current_credits":  lic.MaxCredits,
		}).Error
		if err != nil {
			return err
		}

		session, err = a.ledger.ApplyLicense(ctx, tx, clientID, deviceFingerprint, lic.Key, lic.MaxCredits, now)
		if err != nil {
			return err
		}
		if err := tx.First(&lic, "key = ?", lic.Key).Error; err != nil {
			return err
		}
		result = ActivationResult{
			Success: true,
			Message: "license activated",
			Credits: lic.MaxCredits,
			License: &lic,
			Session: session,
		}
		return a.audit.WithTx(tx).LogOperation(ctx, 0, "license.activate", "license", lic.Key, map[string]any{
			"client_id":          clientID,
			"device_fingerprint": deviceFingerprint,
			"activation_count":   lic.ActivationCount,
		})
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		a.metrics.Activation("not_found")
		return ActivationResult{}, keyNotFound(op)
	}
	if err != nil {
		return ActivationResult{}, apperrors.Internal(op, err)
	}

	if !result.Success {
		a.metrics.Activation(string(result.Failure))
		a.log.InfoContext(ctx, "license activation refused",
			slog.String("key", key),
			slog.String("failure", string(result.Failure)),
		)
		return result, nil
	}

	a.metrics.Activation("success")
	a.log.InfoContext(ctx, "license activated",
		slog.String("key", lic.Key),
		slog.String("client_id", clientID),
		slog.Int("credits", lic.MaxCredits),
	)
	a.afterCommit(ctx, &lic, clientID, service.KindLicenseActive,
		fmt.Sprintf("License %s activated with %d credits", lic.LicenseType, lic.MaxCredits))
	return result, nil
}

// refuse applies the activation checks in order. Revocation is terminal and
// checked first.
func (a *Authority) refuse(lic *model.LicenseKey, deviceFingerprint string, now time.Time) (apperrors.Kind, string) {
	switch {
	case lic.Status == model.LicenseStatusRevoked:
		return apperrors.KindConflict, "license key has been revoked"
	case lic.ActivationCount >= lic.MaxActivations:
		return apperrors.KindConflict, "license key has already been used"
	case !now.Before(lic.ExpiresAt):
		return apperrors.KindExpired, "license key has expired"
	case lic.DeviceFingerprint != deviceFingerprint:
		return apperrors.KindDeviceMismatch, "license key is not valid for this device"
	}
	return "", ""
}

// RevokeLicenseKey moves a key to the terminal REVOKED state.
func (a *Authority) RevokeLicenseKey(ctx context.Context, key, reason string, revokedBy uint) (RevocationResult, error) {
	const op = "license.RevokeLicenseKey"
	if err := service.Require(ctx, a.authz, revokedBy, service.CapManageBilling, op); err != nil {
		return RevocationResult{}, err
	}
	if err := checkFormat(op, key); err != nil {
		return RevocationResult{}, err
	}

	now := a.now().UTC()
	var (
		lic    model.LicenseKey
		result RevocationResult
	)
	err := database.WithLockedRow(ctx, a.db, &lic, keyScope(key), func(tx *gorm.DB) error {
		if lic.Status == model.LicenseStatusRevoked {
			result = RevocationResult{Failure: apperrors.KindConflict, Message: "license key is already revoked", License: &lic}
			return nil
		}
		err := tx.Model(&model.LicenseKey{}).Where("key = ?", lic.Key).Updates(map[string]any{
			"status":            model.LicenseStatusRevoked,
			"revoked_at":        now,
			"revocation_reason": reason,
			"revoked_by":        revokedBy,
		}).Error
		if err != nil {
			return err
		}
		if err := tx.First(&lic, "key = ?", lic.Key).Error; err != nil {
			return err
		}
		result = RevocationResult{Success: true, Message: "license key revoked", License: &lic}
		return a.audit.WithTx(tx).LogOperation(ctx, revokedBy, "license.revoke", "license", lic.Key, map[string]any{
			"reason": reason,
		})
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RevocationResult{}, keyNotFound(op)
	}
	if err != nil {
		return RevocationResult{}, apperrors.Internal(op, err)
	}

	if result.Success {
		a.log.WarnContext(ctx, "license revoked",
			slog.String("key", lic.Key),
			slog.String("reason", reason),
			slog.Uint64("revoked_by", uint64(revokedBy)),
		)
		a.afterCommit(ctx, &lic, lic.ClientID, service.KindLicenseRevoked,
			fmt.Sprintf("License %s revoked: %s", lic.LicenseType, reason))
	}
	return result, nil
}

// CheckLicenseKeyStatus derives the current status of a key. Expiry is
// computed from expires_at, so an ACTIVE key past its date reads EXPIRED.
// Only storage failures are returned as errors.
func (a *Authority) CheckLicenseKeyStatus(ctx context.Context, key string) (StatusResult, error) {
	const op = "license.CheckLicenseKeyStatus"
	if !ValidKeyFormat(key) {
		return StatusResult{Status: statusInvalid, Message: "invalid license key format"}, nil
	}

	var lic model.LicenseKey
	err := a.db.WithContext(ctx).First(&lic, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return StatusResult{Status: statusNotFound, Message: "license key not found"}, nil
	}
	if err != nil {
		return StatusResult{}, apperrors.Internal(op, err)
	}

	expiresAt := lic.ExpiresAt
	result := StatusResult{
		LicenseType: lic.LicenseType,
		ExpiresAt:   &expiresAt,
		ActivatedAt: lic.ActivatedAt,
	}

	status := lic.EffectiveStatus(a.now())
	result.Status = string(status)
	switch status {
	case model.LicenseStatusRevoked:
		result.Message = "license key has been revoked"
		if lic.RevocationReason != "" {
			result.Message += ": " + lic.RevocationReason
		}
		return result, nil
	case model.LicenseStatusExpired:
		result.Message = "license key has expired"
		return result, nil
	}

	remaining := lic.CurrentCredits
	if a.ledger != nil {
		if bound, ok, err := a.ledger.RemainingForLicense(ctx, lic.Key); err != nil {
			return StatusResult{}, err
		} else if ok {
			remaining = bound
		}
	}
	result.IsValid = true
	result.Message = "license key is valid"
	result.CreditsRemaining = &remaining
	return result, nil
}

// GetLicenseKey returns a stored key.
func (a *Authority) GetLicenseKey(ctx context.Context, key string) (*model.LicenseKey, error) {
	const op = "license.GetLicenseKey"
	if err := checkFormat(op, key); err != nil {
		return nil, err
	}
	var lic model.LicenseKey
	err := a.db.WithContext(ctx).First(&lic, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, keyNotFound(op)
	}
	if err != nil {
		return nil, apperrors.Internal(op, err)
	}
	return &lic, nil
}

// ListLicenseKeys returns the keys of a client, newest first. An empty
// clientID lists every key.
func (a *Authority) ListLicenseKeys(ctx context.Context, clientID string) ([]model.LicenseKey, error) {
	q := a.db.WithContext(ctx).Order("created_at DESC").Order("key")
	if clientID != "" {
		q = q.Where("client_id = ?", clientID)
	}
	var keys []model.LicenseKey
	if err := q.Find(&keys).Error; err != nil {
		return nil, apperrors.Internal("license.ListLicenseKeys", err)
	}
	return keys, nil
}

// Statistics aggregates the stored keys with expiry derived at query time.
func (a *Authority) Statistics(ctx context.Context) (*model.LicenseStatistics, error) {
	const op = "license.Statistics"
	now := a.now().UTC()
	db := a.db.WithContext(ctx)
	stats := &model.LicenseStatistics{LicensesByType: make(map[string]int64)}

	counts := []struct {
		dest  *int64
		where string
		args  []any
	}{
		{&stats.TotalLicenses, "1 = 1", nil},
		{&stats.RevokedLicenses, "status = ?", []any{model.LicenseStatusRevoked}},
		{&stats.ActivatedLicenses, "activation_count > ?", []any{0}},
		{&stats.ExpiredLicenses, "status <> ? AND expires_at <= ?", []any{model.LicenseStatusRevoked, now}},
		{&stats.ActiveLicenses, "status = ? AND expires_at > ?", []any{model.LicenseStatusActive, now}},
		{&stats.PendingLicenses, "status = ? AND expires_at > ?", []any{model.LicenseStatusPending, now}},
		{&stats.ExpiringLicenses, "status <> ? AND expires_at > ? AND expires_at <= ?",
			[]any{model.LicenseStatusRevoked, now, now.Add(expiringWindow)}},
	}
	for _, c := range counts {
		if err := db.Model(&model.LicenseKey{}).Where(c.where, c.args...).Count(c.dest).Error; err != nil {
			return nil, apperrors.Internal(op, err)
		}
	}

	var byType []struct {
		LicenseType string
		Count       int64
	}
	if err := db.Model(&model.LicenseKey{}).
		Select("license_type, COUNT(*) AS count").
		Group("license_type").
		Scan(&byType).Error; err != nil {
		return nil, apperrors.Internal(op, err)
	}
	for _, row := range byType {
		stats.LicensesByType[row.LicenseType] = row.Count
	}

	if err := db.Model(&model.LicenseKey{}).
		Select("COALESCE(SUM(activation_count), 0)").
		Scan(&stats.TotalActivations).Error; err != nil {
		return nil, apperrors.Internal(op, err)
	}
	return stats, nil
}

// afterCommit runs the side effects of a committed change. Their failures
// are logged and never reach the caller.
func (a *Authority) afterCommit(ctx context.Context, lic *model.LicenseKey, clientID, kind, body string) {
	if a.notifier != nil && kind != "" {
		if err := a.notifier.Notify(ctx, clientID, kind, "License "+lic.Key, body); err != nil {
			a.log.WarnContext(ctx, "license notification failed", slog.String("key", lic.Key), slog.Any("error", err))
		}
	}
	if a.mirror != nil {
		if err := a.mirror.MirrorLicense(ctx, lic); err != nil {
			a.log.WarnContext(ctx, "license mirror failed", slog.String("key", lic.Key), slog.Any("error", err))
		}
	}
}
