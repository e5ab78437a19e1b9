package model

import "time"

type LicenseStatus string

const (
	LicenseStatusPending LicenseStatus = "PENDING"
	LicenseStatusActive  LicenseStatus = "ACTIVE"
	LicenseStatusRevoked LicenseStatus = "REVOKED"
	// LicenseStatusExpired is never stored; it is derived from ExpiresAt.
	LicenseStatusExpired LicenseStatus = "EXPIRED"
)

// LicenseKey is a device-bound license. Key is 32 upper-case alphanumerics.
type LicenseKey struct {
	Key               string        `json:"key" gorm:"primaryKey;size:32"`
	ClientID          string        `json:"client_id" gorm:"index;size:64;not null"`
	DeviceFingerprint string        `json:"device_fingerprint" gorm:"index;size:64;not null"`
	LicenseType       string        `json:"license_type" gorm:"size:32;not null"`
	Status            LicenseStatus `json:"status" gorm:"size:16;not null;index"`
	MaxCredits        int           `json:"max_credits"`
	CurrentCredits    int           `json:"current_credits"`
	ActivationCount   int           `json:"activation_count"`
	MaxActivations    int           `json:"max_activations"`
	PriceCents        int64         `json:"price_cents"`
	ContactEmail      string        `json:"contact_email"`
	IssuedBy          uint          `json:"issued_by"`
	ExpiresAt         time.Time     `json:"expires_at" gorm:"index"`
	ActivatedAt       *time.Time    `json:"activated_at,omitempty"`
	RevokedAt         *time.Time    `json:"revoked_at,omitempty"`
	RevocationReason  string        `json:"revocation_reason,omitempty"`
	RevokedBy         uint          `json:"revoked_by,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// EffectiveStatus applies the derived expiry on top of the stored status.
// Revocation is terminal and wins over expiry.
func (l *LicenseKey) EffectiveStatus(now time.Time) LicenseStatus {
	if l.Status == LicenseStatusRevoked {
		return LicenseStatusRevoked
	}
	if !now.Before(l.ExpiresAt) {
		return LicenseStatusExpired
	}
	return l.Status
}
