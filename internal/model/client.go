package model

import "time"

// Client is the tenant record owned by the surrounding application. The
// core only reads it and refreshes its sync timestamps.
type Client struct {
	ID         string     `json:"id" gorm:"primaryKey;size:64"`
	Name       string     `json:"name"`
	Status     string     `json:"status" gorm:"size:16;default:'active'"`
	DeviceInfo string     `json:"device_info,omitempty" gorm:"type:text"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
