package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"trial-license-system/internal/database"
	"trial-license-system/internal/fingerprint"
	"trial-license-system/internal/license"
	"trial-license-system/internal/model"
	"trial-license-system/internal/service"
	"trial-license-system/internal/syncgateway"
	"trial-license-system/internal/trial"
	"trial-license-system/internal/util"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	adminPassword  = "admin-password"
	devicePassword = "device-password"
	testClient     = "shop-1"
	testDevice     = "0f6d2c1e9a8b7c6d5e4f3a2b1c0d9e8f"
)

type testServer struct {
	app *fiber.App
	db  *gorm.DB
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	db := database.NewTestDB(t)

	_, err := database.SeedAdmin(db, "admin", adminPassword)
	require.NoError(t, err)
	hashed, err := bcrypt.GenerateFromPassword([]byte(devicePassword), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, db.Create(&model.User{
		Username: "till-1",
		Password: string(hashed),
		Email:    "till-1@shop.test",
		Role:     model.RoleDevice,
		Status:   model.UserStatusActive,
	}).Error)

	clients := service.NewClientDirectory(db, time.Now)
	_, err = clients.Register(ctx, testClient, "Shop One")
	require.NoError(t, err)

	authz := service.NewRoleAuthorizer(db)
	notes := service.NewNotifications(db, nil)
	ledger := trial.NewLedger(db)
	h := New(Deps{
		DB:            db,
		Tokens:        util.NewTokens("test-secret", time.Hour),
		Authorizer:    authz,
		Audit:         service.NewAuditLog(db),
		Clients:       clients,
		Notifications: notes,
		Engine:        fingerprint.NewEngine(db),
		Ledger:        ledger,
		Authority: license.NewAuthority(db, ledger,
			license.WithAuthorizer(authz),
			license.WithClients(clients),
			license.WithNotifier(notes),
		),
		Gateway: syncgateway.NewGateway(db, syncgateway.WithAuthorizer(authz)),
	})

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(nil)})
	h.Register(app.Group("/api/v1"))
	return &testServer{app: app, db: db}
}

// call sends a JSON request and decodes the JSON response into a map.
func (s *testServer) call(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func (s *testServer) login(t *testing.T, username, password string) string {
	t.Helper()
	status, body := s.call(t, http.MethodPost, "/api/v1/auth/login", "", LoginInput{Username: username, Password: password})
	require.Equal(t, fiber.StatusOK, status, body)
	token, ok := body["token"].(string)
	require.True(t, ok)
	return token
}

func TestHandleUserLogin(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name       string
		input      LoginInput
		wantStatus int
	}{
		{"valid_login", LoginInput{Username: "admin", Password: adminPassword}, fiber.StatusOK},
		{"wrong_password", LoginInput{Username: "admin", Password: "nope"}, fiber.StatusUnauthorized},
		{"unknown_user", LoginInput{Username: "ghost", Password: "nope"}, fiber.StatusUnauthorized},
		{"missing_fields", LoginInput{Username: "admin"}, fiber.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := s.call(t, http.MethodPost, "/api/v1/auth/login", "", tt.input)
			assert.Equal(t, tt.wantStatus, status)
		})
	}

	var logs []model.LoginLog
	require.NoError(t, s.db.Order("id").Find(&logs).Error)
	require.Len(t, logs, 2)
	assert.Equal(t, "success", logs[0].Status)
	assert.Equal(t, "failed", logs[1].Status)
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)

	status, body := s.call(t, http.MethodGet, "/api/v1/licenses/", "", nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHORIZED", body["error_code"])

	status, _ = s.call(t, http.MethodGet, "/api/v1/licenses/", "not-a-token", nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	token := s.login(t, "admin", adminPassword)
	status, body = s.call(t, http.MethodGet, "/api/v1/auth/me", token, nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "admin", body["username"])
	assert.NotContains(t, body, "password")
}

func TestChangePassword(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "admin", adminPassword)

	status, _ := s.call(t, http.MethodPost, "/api/v1/auth/change-password", token,
		ChangePasswordInput{CurrentPassword: "wrong", NewPassword: "a-new-password"})
	assert.Equal(t, fiber.StatusForbidden, status)

	status, _ = s.call(t, http.MethodPost, "/api/v1/auth/change-password", token,
		ChangePasswordInput{CurrentPassword: adminPassword, NewPassword: "a-new-password"})
	assert.Equal(t, fiber.StatusOK, status)

	s.login(t, "admin", "a-new-password")
}

func TestNotFoundRouteUsesErrorBody(t *testing.T) {
	s := newTestServer(t)
	status, body := s.call(t, http.MethodGet, "/api/v1/nowhere", "", nil)
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "HTTP_ERROR", body["error_code"])
}
