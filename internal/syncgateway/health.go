package syncgateway

import (
	"time"

	"trial-license-system/internal/model"
)

const (
	// OnlineWindow is how recently a client must have been seen to count
	// as online.
	OnlineWindow = 5 * time.Minute
	// SyncHealthyWindow is how recently a client must have synced.
	SyncHealthyWindow = 30 * time.Minute
)

// HealthStatus is the derived sync health of a client. It is never stored.
type HealthStatus struct {
	ClientID    string     `json:"client_id"`
	IsOnline    bool       `json:"is_online"`
	SyncHealthy bool       `json:"sync_healthy"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
	LastSyncAt  *time.Time `json:"last_sync_at,omitempty"`
}

// Health derives the status of c at now. Both windows are strict: a client
// seen exactly OnlineWindow ago is offline. A missing timestamp counts as
// stale.
func Health(c *model.Client, now time.Time) HealthStatus {
	return HealthStatus{
		ClientID:    c.ID,
		IsOnline:    within(c.LastSeenAt, now, OnlineWindow),
		SyncHealthy: within(c.LastSyncAt, now, SyncHealthyWindow),
		LastSeenAt:  c.LastSeenAt,
		LastSyncAt:  c.LastSyncAt,
	}
}

func within(t *time.Time, now time.Time, window time.Duration) bool {
	return t != nil && now.Sub(*t) < window
}
