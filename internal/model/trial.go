package model

import "time"

// TrialSession tracks the credit balance of one device of one client.
type TrialSession struct {
	ID                uint       `json:"id" gorm:"primaryKey"`
	ClientID          string     `json:"client_id" gorm:"uniqueIndex:idx_trial_client_device;size:64;not null"`
	DeviceFingerprint string     `json:"device_fingerprint" gorm:"uniqueIndex:idx_trial_client_device;size:64;not null"`
	CreditsRemaining  int        `json:"credits_remaining" gorm:"not null"`
	CreditsConsumed   int        `json:"credits_consumed" gorm:"not null"`
	AccessCount       int        `json:"access_count" gorm:"not null"`
	FirstAccessAt     time.Time  `json:"first_access_at"`
	LastAccessAt      time.Time  `json:"last_access_at"`
	IsActive          bool       `json:"is_active"`
	LicenseKey        *string    `json:"license_key,omitempty" gorm:"size:32;index"`
	ActivatedAt       *time.Time `json:"activated_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// CreditTransaction is the append-only record of one successful spend.
type CreditTransaction struct {
	ID               string    `json:"id" gorm:"primaryKey;size:36"`
	TrialSessionID   uint      `json:"trial_session_id" gorm:"index;not null"`
	OperationType    string    `json:"operation_type" gorm:"size:32;not null"`
	CreditsConsumed  int       `json:"credits_consumed"`
	RemainingCredits int       `json:"remaining_credits"`
	CreatedAt        time.Time `json:"created_at" gorm:"index"`
}
