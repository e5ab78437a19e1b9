// Package fingerprint derives stable device identifiers from raw hardware
// readings and keeps a sighting history per device.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Delimiter joins the hashed fields. Field order and delimiter are part of
// the stored-data contract: changing either invalidates every stored
// fingerprint and every trial session keyed by one.
const Delimiter = "|"

// deviceFingerprintLength is the number of hex characters kept for the
// short device fingerprint.
const deviceFingerprintLength = 32

// Components are the raw hardware readings reported by a device. Only
// Platform is required.
type Components struct {
	Platform          string `json:"platform" validate:"required,max=32"`
	Hostname          string `json:"hostname,omitempty" validate:"max=255"`
	MACAddress        string `json:"mac_address,omitempty" validate:"max=64"`
	CPUID             string `json:"cpu_id,omitempty" validate:"max=255"`
	MotherboardSerial string `json:"motherboard_serial,omitempty" validate:"max=255"`
	DiskSerial        string `json:"disk_serial,omitempty" validate:"max=255"`
	SystemUUID        string `json:"system_uuid,omitempty" validate:"max=64"`
	OSVersion         string `json:"os_version,omitempty" validate:"max=128"`
}

// Fingerprint is the derived identity of a set of components.
type Fingerprint struct {
	DeviceFingerprint string `json:"device_fingerprint"`
	HardwareSignature string `json:"hardware_signature"`
	IsVirtualMachine  bool   `json:"is_virtual_machine"`
	VMType            VMType `json:"vm_type,omitempty"`
}

// Normalize trims every field and canonicalises the MAC address to
// lower-case, colon separated form.
func (c Components) Normalize() Components {
	return Components{
		Platform:          strings.TrimSpace(c.Platform),
		Hostname:          strings.TrimSpace(c.Hostname),
		MACAddress:        NormalizeMAC(c.MACAddress),
		CPUID:             strings.TrimSpace(c.CPUID),
		MotherboardSerial: strings.TrimSpace(c.MotherboardSerial),
		DiskSerial:        strings.TrimSpace(c.DiskSerial),
		SystemUUID:        strings.TrimSpace(c.SystemUUID),
		OSVersion:         strings.TrimSpace(c.OSVersion),
	}
}

// NormalizeMAC lower-cases a MAC address and uses ':' as separator.
func NormalizeMAC(mac string) string {
	mac = strings.ToLower(strings.TrimSpace(mac))
	return strings.ReplaceAll(mac, "-", ":")
}

// Generate derives both hashes and the virtualisation classification.
// Missing fields hash as the empty string.
func Generate(c Components) Fingerprint {
	c = c.Normalize()

	short := hashFields(c.Platform, c.Hostname, c.MACAddress)
	full := hashFields(
		c.MACAddress,
		c.CPUID,
		c.MotherboardSerial,
		c.DiskSerial,
		c.SystemUUID,
		c.Platform,
		c.Hostname,
	)

	isVM, vmType := DetectVM(c)
	return Fingerprint{
		DeviceFingerprint: short[:deviceFingerprintLength],
		HardwareSignature: full,
		IsVirtualMachine:  isVM,
		VMType:            vmType,
	}
}

func hashFields(fields ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(fields, Delimiter)))
	return hex.EncodeToString(sum[:])
}
