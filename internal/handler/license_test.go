package handler

import (
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLicenseLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	admin := s.login(t, "admin", adminPassword)
	device := s.login(t, "till-1", devicePassword)

	status, body := s.call(t, http.MethodPost, "/api/v1/licenses/", admin, map[string]any{
		"client_id":          testClient,
		"license_type":       "STARTER",
		"device_fingerprint": testDevice,
	})
	require.Equal(t, fiber.StatusCreated, status, body)
	key := body["key"].(string)
	assert.Len(t, key, 32)
	assert.Equal(t, "PENDING", body["status"])

	status, body = s.call(t, http.MethodPost, "/api/v1/licenses/activate", device, ActivateInput{
		LicenseKey:        key,
		DeviceFingerprint: testDevice,
		ClientID:          testClient,
	})
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 1000, body["credits"])

	// A second activation is refused in the body, not as an HTTP error.
	status, body = s.call(t, http.MethodPost, "/api/v1/licenses/activate", device, ActivateInput{
		LicenseKey:        key,
		DeviceFingerprint: testDevice,
		ClientID:          testClient,
	})
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "CONFLICT", body["failure"])

	status, body = s.call(t, http.MethodGet, "/api/v1/licenses/"+key+"/status", device, nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["is_valid"])
	assert.EqualValues(t, 1000, body["credits_remaining"])

	status, body = s.call(t, http.MethodPost, "/api/v1/licenses/"+key+"/revoke", admin, RevokeInput{Reason: "chargeback"})
	assert.Equal(t, fiber.StatusOK, status, body)
	status, _ = s.call(t, http.MethodPost, "/api/v1/licenses/"+key+"/revoke", admin, RevokeInput{Reason: "again"})
	assert.Equal(t, fiber.StatusConflict, status)

	status, body = s.call(t, http.MethodGet, "/api/v1/licenses/statistics", admin, nil)
	assert.Equal(t, fiber.StatusOK, status)
	stats := body["statistics"].(map[string]any)
	assert.EqualValues(t, 1, stats["revoked_licenses"])
	assert.EqualValues(t, 1, stats["total_activations"])
}

func TestLicenseBoundaryChecks(t *testing.T) {
	s := newTestServer(t)
	admin := s.login(t, "admin", adminPassword)
	device := s.login(t, "till-1", devicePassword)

	tests := []struct {
		name       string
		method     string
		path       string
		token      string
		body       any
		wantStatus int
		wantCode   string
	}{
		{
			name:       "device cannot issue",
			method:     http.MethodPost,
			path:       "/api/v1/licenses/",
			token:      device,
			body:       map[string]any{"client_id": testClient, "license_type": "STARTER", "device_fingerprint": testDevice},
			wantStatus: fiber.StatusForbidden,
			wantCode:   "FORBIDDEN",
		},
		{
			name:       "unknown license type",
			method:     http.MethodPost,
			path:       "/api/v1/licenses/",
			token:      admin,
			body:       map[string]any{"client_id": testClient, "license_type": "GOLD", "device_fingerprint": testDevice},
			wantStatus: fiber.StatusBadRequest,
			wantCode:   "VALIDATION",
		},
		{
			name:       "malformed key on activation",
			method:     http.MethodPost,
			path:       "/api/v1/licenses/activate",
			token:      device,
			body:       ActivateInput{LicenseKey: "short", DeviceFingerprint: testDevice, ClientID: testClient},
			wantStatus: fiber.StatusBadRequest,
			wantCode:   "VALIDATION",
		},
		{
			name:       "unknown key on activation",
			method:     http.MethodPost,
			path:       "/api/v1/licenses/activate",
			token:      device,
			body:       ActivateInput{LicenseKey: "ABCDEFGHIJKLMNOPQRSTUVWXYZ012345", DeviceFingerprint: testDevice, ClientID: testClient},
			wantStatus: fiber.StatusNotFound,
			wantCode:   "NOT_FOUND",
		},
		{
			name:       "malformed key lookup",
			method:     http.MethodGet,
			path:       "/api/v1/licenses/lowercase-key",
			token:      admin,
			wantStatus: fiber.StatusBadRequest,
			wantCode:   "VALIDATION",
		},
		{
			name:       "device cannot read statistics",
			method:     http.MethodGet,
			path:       "/api/v1/licenses/statistics",
			token:      device,
			wantStatus: fiber.StatusForbidden,
			wantCode:   "FORBIDDEN",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := s.call(t, tt.method, tt.path, tt.token, tt.body)
			assert.Equal(t, tt.wantStatus, status, body)
			assert.Equal(t, tt.wantCode, body["error_code"])
		})
	}

	status, body := s.call(t, http.MethodGet, "/api/v1/licenses/NOTAKEY/status", device, nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION", body["error_code"])
}

func TestTrialAndSyncOverHTTP(t *testing.T) {
	s := newTestServer(t)
	admin := s.login(t, "admin", adminPassword)
	device := s.login(t, "till-1", devicePassword)

	status, body := s.call(t, http.MethodPost, "/api/v1/devices/identify", device, map[string]any{
		"platform":    "windows",
		"hostname":    "till-1",
		"mac_address": "00-1A-2B-3C-4D-5E",
	})
	require.Equal(t, fiber.StatusCreated, status, body)
	fp := body["device_fingerprint"].(string)

	session := SessionInput{ClientID: testClient, DeviceFingerprint: fp}
	status, body = s.call(t, http.MethodPost, "/api/v1/trial/sessions", device, session)
	require.Equal(t, fiber.StatusCreated, status, body)
	status, _ = s.call(t, http.MethodPost, "/api/v1/trial/sessions", device, session)
	assert.Equal(t, fiber.StatusOK, status)

	for i := 0; i < 5; i++ {
		status, body = s.call(t, http.MethodPost, "/api/v1/trial/consume", device,
			SpendInput{SessionInput: session, Operation: "SETTINGS_UPDATE"})
		require.Equal(t, fiber.StatusOK, status, body)
	}
	assert.Equal(t, true, body["is_locked"])

	status, body = s.call(t, http.MethodPost, "/api/v1/trial/consume", device,
		SpendInput{SessionInput: session, Operation: "SALE_CREATE"})
	assert.Equal(t, fiber.StatusPaymentRequired, status)
	assert.Equal(t, false, body["success"])

	status, body = s.call(t, http.MethodPost, "/api/v1/trial/consume", device,
		SpendInput{SessionInput: session, Operation: "LAUNCH_ROCKET"})
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION", body["error_code"])

	status, _ = s.call(t, http.MethodPost, "/api/v1/trial/sessions/"+testClient+"/"+fp+"/reset", device, nil)
	assert.Equal(t, fiber.StatusForbidden, status)
	status, body = s.call(t, http.MethodPost, "/api/v1/trial/sessions/"+testClient+"/"+fp+"/reset", admin, nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 50, body["credits_remaining"])

	status, body = s.call(t, http.MethodPost, "/api/v1/sync/messages", device, map[string]any{
		"client_id":    testClient,
		"message_type": "SUPPORT",
		"subject":      "till drawer jammed",
	})
	require.Equal(t, fiber.StatusCreated, status, body)
	assert.Equal(t, "SYNCED", body["sync_status"])

	status, body = s.call(t, http.MethodPost, "/api/v1/sync/heartbeat", device, HeartbeatInput{
		ClientID:   testClient,
		DeviceInfo: map[string]any{"app_version": "2.4.1"},
	})
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, "ok", body["heartbeat_status"])

	status, body = s.call(t, http.MethodGet, "/api/v1/sync/status/"+testClient, admin, nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["is_online"])
	assert.Equal(t, true, body["sync_healthy"])

	status, body = s.call(t, http.MethodGet, "/api/v1/sync/queue/"+testClient, admin, nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Empty(t, body["entries"])
}
