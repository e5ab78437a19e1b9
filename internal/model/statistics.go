package model

// LicenseStatistics is the aggregate view over issued license keys.
// Expired counts are derived at query time.
type LicenseStatistics struct {
	TotalLicenses    int64            `json:"total_licenses"`
	PendingLicenses  int64            `json:"pending_licenses"`
	ActiveLicenses   int64            `json:"active_licenses"`
	ExpiredLicenses  int64            `json:"expired_licenses"`
	ExpiringLicenses int64            `json:"expiring_licenses"`
	RevokedLicenses  int64            `json:"revoked_licenses"`
	LicensesByType   map[string]int64 `json:"licenses_by_type"`
	TotalActivations int64            `json:"total_activations"`

	// ActivatedLicenses counts keys activated at least once, whatever
	// their current status.
	ActivatedLicenses int64 `json:"activated_licenses"`
}

// GetActivationRate returns the share of issued keys that were activated at least once.
func (ls *LicenseStatistics) GetActivationRate() float64 {
	if ls.TotalLicenses == 0 {
		return 0
	}
	return float64(ls.ActivatedLicenses) / float64(ls.TotalLicenses)
}
