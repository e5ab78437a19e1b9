package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "trial-license-system/internal/errors"
	"trial-license-system/internal/logger"
	"trial-license-system/internal/metrics"
	"trial-license-system/internal/model"
	"trial-license-system/internal/validation"

	"gorm.io/gorm"
)

// Engine stores device sightings and answers hardware-change questions.
type Engine struct {
	db      *gorm.DB
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func NewEngine(db *gorm.DB, opts ...Option) *Engine {
	e := &Engine{db: db, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	e.log = logger.Or(e.log).With(slog.String("component", "fingerprint"))
	return e
}

// Identity is the outcome of identifying a device.
type Identity struct {
	Fingerprint
	Record        *model.HardwareFingerprint `json:"record"`
	FirstSighting bool                       `json:"first_sighting"`
}

// HardwareChange reports whether a device's hardware moved away from its
// last stored sighting.
type HardwareChange struct {
	Changed      bool    `json:"changed"`
	Similarity   float64 `json:"similarity"`
	Reason       string  `json:"reason,omitempty"`
	NewSignature string  `json:"new_signature,omitempty"`
}

// Validate rejects components without a platform or with oversized fields.
func Validate(c Components) error {
	return validation.Struct("fingerprint.Validate", c)
}

// Identify validates, fingerprints and records one sighting.
func (e *Engine) Identify(ctx context.Context, c Components) (*Identity, error) {
	if err := Validate(c); err != nil {
		return nil, err
	}
	fp := Generate(c)
	rec, first, err := e.save(ctx, c.Normalize(), fp)
	if err != nil {
		return nil, err
	}
	return &Identity{Fingerprint: fp, Record: rec, FirstSighting: first}, nil
}

// Save is the idempotent upsert of a sighting. A record matching either
// hash gets its counter incremented and its hardware fields refreshed;
// otherwise a fresh record with a count of one is inserted.
func (e *Engine) Save(ctx context.Context, c Components) (*model.HardwareFingerprint, error) {
	if err := Validate(c); err != nil {
		return nil, err
	}
	rec, _, err := e.save(ctx, c.Normalize(), Generate(c))
	return rec, err
}

func (e *Engine) save(ctx context.Context, c Components, fp Fingerprint) (*model.HardwareFingerprint, bool, error) {
	now := e.now().UTC()
	var (
		rec   model.HardwareFingerprint
		first bool
	)

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("device_fingerprint = ? OR hardware_signature = ?", fp.DeviceFingerprint, fp.HardwareSignature).
			Order("last_seen_at DESC").Order("id DESC").
			First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			first = true
			rec = model.HardwareFingerprint{
				DeviceFingerprint: fp.DeviceFingerprint,
				HardwareSignature: fp.HardwareSignature,
				Platform:          c.Platform,
				Hostname:          c.Hostname,
				MACAddress:        c.MACAddress,
				CPUID:             c.CPUID,
				MotherboardSerial: c.MotherboardSerial,
				DiskSerial:        c.DiskSerial,
				SystemUUID:        c.SystemUUID,
				OSVersion:         c.OSVersion,
				IsVirtualMachine:  fp.IsVirtualMachine,
				VMType:            string(fp.VMType),
				SeenCount:         1,
				FirstSeenAt:       now,
				LastSeenAt:        now,
			}
			return tx.Create(&rec).Error
		}
		if err != nil {
			return err
		}

		// The device fingerprint stays the identity key; the signature and
		// hardware fields follow the latest reading.
		err = tx.Model(&model.HardwareFingerprint{}).Where("id = ?", rec.ID).Updates(map[string]any{
			"seen_count":         gorm.Expr("seen_count + ?", 1),
			"last_seen_at":       now,
			"hardware_signature": fp.HardwareSignature,
			"platform":           c.Platform,
			"hostname":           c.Hostname,
			"mac_address":        c.MACAddress,
			"cpu_id":             c.CPUID,
			"motherboard_serial": c.MotherboardSerial,
			"disk_serial":        c.DiskSerial,
			"system_uuid":        c.SystemUUID,
			"os_version":         c.OSVersion,
			"is_virtual_machine": fp.IsVirtualMachine,
			"vm_type":            string(fp.VMType),
		}).Error
		if err != nil {
			return err
		}
		return tx.First(&rec, rec.ID).Error
	})
	if err != nil {
		return nil, false, apperrors.Internal("fingerprint.Save", err)
	}

	e.metrics.Sighting(first, fp.IsVirtualMachine)
	e.log.DebugContext(ctx, "device sighting recorded",
		slog.String("device_fingerprint", rec.DeviceFingerprint),
		slog.Int("seen_count", rec.SeenCount),
		slog.Bool("first", first),
		slog.Bool("vm", fp.IsVirtualMachine),
	)
	if first && fp.IsVirtualMachine {
		e.log.WarnContext(ctx, "virtual machine detected",
			slog.String("device_fingerprint", rec.DeviceFingerprint),
			slog.String("vm_type", string(fp.VMType)),
		)
	}
	return &rec, first, nil
}

// Lookup returns the most recent sighting of a device fingerprint.
func (e *Engine) Lookup(ctx context.Context, deviceFingerprint string) (*model.HardwareFingerprint, error) {
	var rec model.HardwareFingerprint
	err := e.db.WithContext(ctx).
		Where("device_fingerprint = ?", deviceFingerprint).
		Order("last_seen_at DESC").Order("id DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.New(apperrors.KindNotFound, "fingerprint.Lookup", "device fingerprint not found")
	}
	if err != nil {
		return nil, apperrors.Internal("fingerprint.Lookup", err)
	}
	return &rec, nil
}

// DetectHardwareChange compares new readings against the latest stored
// sighting of oldFingerprint. An unknown device counts as changed with a
// similarity of zero. Only storage failures are returned as errors.
func (e *Engine) DetectHardwareChange(ctx context.Context, oldFingerprint string, c Components) (HardwareChange, error) {
	rec, err := e.Lookup(ctx, oldFingerprint)
	if apperrors.IsKind(err, apperrors.KindNotFound) {
		return HardwareChange{
			Changed:    true,
			Similarity: 0,
			Reason:     "no stored fingerprint for this device",
		}, nil
	}
	if err != nil {
		return HardwareChange{}, err
	}

	fp := Generate(c)
	score := Similarity(rec.HardwareSignature, fp.HardwareSignature, ComponentsOf(rec), c)
	change := HardwareChange{Similarity: score, NewSignature: fp.HardwareSignature}
	if score < ChangeThreshold {
		change.Changed = true
		change.Reason = fmt.Sprintf("hardware similarity %.1f%% is below the %.0f%% threshold",
			score*100, ChangeThreshold*100)
		e.log.InfoContext(ctx, "hardware change detected",
			slog.String("device_fingerprint", oldFingerprint),
			slog.Float64("similarity", score),
		)
	}
	return change, nil
}

// Flag marks every sighting of a device fingerprint. It returns the number
// of records flagged.
func (e *Engine) Flag(ctx context.Context, deviceFingerprint, reason string) (int64, error) {
	res := e.db.WithContext(ctx).Model(&model.HardwareFingerprint{}).
		Where("device_fingerprint = ?", deviceFingerprint).
		Updates(map[string]any{"is_flagged": true, "flag_reason": reason})
	if res.Error != nil {
		return 0, apperrors.Internal("fingerprint.Flag", res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, apperrors.New(apperrors.KindNotFound, "fingerprint.Flag", "device fingerprint not found")
	}
	e.log.WarnContext(ctx, "device flagged",
		slog.String("device_fingerprint", deviceFingerprint),
		slog.String("reason", reason),
	)
	return res.RowsAffected, nil
}

// ComponentsOf rebuilds the components stored on a sighting record.
func ComponentsOf(rec *model.HardwareFingerprint) Components {
	return Components{
		Platform:          rec.Platform,
		Hostname:          rec.Hostname,
		MACAddress:        rec.MACAddress,
		CPUID:             rec.CPUID,
		MotherboardSerial: rec.MotherboardSerial,
		DiskSerial:        rec.DiskSerial,
		SystemUUID:        rec.SystemUUID,
		OSVersion:         rec.OSVersion,
	}
}
