package model

import "time"

// HardwareFingerprint is one stored device sighting record. Records are
// never deleted, only flagged.
type HardwareFingerprint struct {
	ID                uint      `json:"id" gorm:"primaryKey"`
	DeviceFingerprint string    `json:"device_fingerprint" gorm:"index;size:64;not null"`
	HardwareSignature string    `json:"hardware_signature" gorm:"index;size:64;not null"`
	Platform          string    `json:"platform" gorm:"size:32;not null"`
	Hostname          string    `json:"hostname"`
	MACAddress        string    `json:"mac_address"`
	CPUID             string    `json:"cpu_id" gorm:"column:cpu_id"`
	MotherboardSerial string    `json:"motherboard_serial"`
	DiskSerial        string    `json:"disk_serial"`
	SystemUUID        string    `json:"system_uuid"`
	OSVersion         string    `json:"os_version"`
	IsVirtualMachine  bool      `json:"is_virtual_machine"`
	VMType            string    `json:"vm_type,omitempty"`
	SeenCount         int       `json:"seen_count"`
	FirstSeenAt       time.Time `json:"first_seen_at"`
	LastSeenAt        time.Time `json:"last_seen_at" gorm:"index"`
	IsFlagged         bool      `json:"is_flagged"`
	FlagReason        string    `json:"flag_reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}
