package service

import (
	"context"
	"testing"
	"time"

	"trial-license-system/internal/database"
	apperrors "trial-license-system/internal/errors"
	"trial-license-system/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleAuthorizer(t *testing.T) {
	db := database.NewTestDB(t)
	users := []*model.User{
		{Username: "root", Email: "root@x", Password: "x", Role: model.RoleAdmin, Status: model.UserStatusActive},
		{Username: "ops", Email: "ops@x", Password: "x", Role: model.RoleOperator, Status: model.UserStatusActive},
		{Username: "pos", Email: "pos@x", Password: "x", Role: model.RoleDevice, Status: model.UserStatusActive},
		{Username: "gone", Email: "gone@x", Password: "x", Role: model.RoleAdmin, Status: model.UserStatusDisabled},
	}
	for _, u := range users {
		require.NoError(t, db.Create(u).Error)
	}

	authz := NewRoleAuthorizer(db)
	ctx := context.Background()
	tests := []struct {
		name  string
		actor uint
		cap   Capability
		want  bool
	}{
		{"admin manages billing", users[0].ID, CapManageBilling, true},
		{"operator cannot manage billing", users[1].ID, CapManageBilling, false},
		{"operator views clients", users[1].ID, CapViewClient, true},
		{"device syncs", users[2].ID, CapSyncClient, true},
		{"device cannot view clients", users[2].ID, CapViewClient, false},
		{"disabled admin", users[3].ID, CapManageBilling, false},
		{"unknown user", 9999, CapSyncClient, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := authz.Can(ctx, tt.actor, tt.cap)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestRequire(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, Require(ctx, nil, 1, CapManageBilling, "op"))
	assert.NoError(t, Require(ctx, AllowAll, 1, CapManageBilling, "op"))

	deny := AuthorizerFunc(func(context.Context, uint, Capability) (bool, error) { return false, nil })
	err := Require(ctx, deny, 1, CapManageBilling, "license.Create")
	assert.True(t, apperrors.IsKind(err, apperrors.KindForbidden))
	assert.Contains(t, err.Error(), "billing:manage")
}

func TestClientDirectory(t *testing.T) {
	db := database.NewTestDB(t)
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	dir := NewClientDirectory(db, func() time.Time { return now })
	ctx := context.Background()

	_, err := dir.Register(ctx, "shop-1", "Corner Shop")
	require.NoError(t, err)
	_, err = dir.Register(ctx, "shop-1", "Again")
	assert.True(t, apperrors.IsKind(err, apperrors.KindConflict))
	_, err = dir.Register(ctx, "", "Nameless")
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	exists, err := dir.Exists(ctx, "shop-1")
	require.NoError(t, err)
	assert.True(t, exists)

	info := `{"os":"windows"}`
	_, err = dir.Touch(ctx, "shop-1", TouchOptions{Synced: true, DeviceInfo: &info})
	require.NoError(t, err)

	c, err := dir.Get(ctx, "shop-1")
	require.NoError(t, err)
	require.NotNil(t, c.LastSeenAt)
	require.NotNil(t, c.LastSyncAt)
	assert.True(t, c.LastSeenAt.Equal(now))
	assert.Equal(t, info, c.DeviceInfo)

	_, err = dir.Touch(ctx, "ghost", TouchOptions{})
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
	_, err = dir.Get(ctx, "ghost")
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))

	all, err := dir.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestNotifications(t *testing.T) {
	db := database.NewTestDB(t)
	n := NewNotifications(db, nil)
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, "shop-1", KindLicenseActive, "License activated", "STARTER"))
	require.NoError(t, n.Notify(ctx, "shop-1", KindMessageResolved, "Answered", "ok"))
	require.NoError(t, n.Publish(ctx, &model.SyncMessage{ClientID: "shop-1", MessageType: "SUPPORT", Subject: "Printer jam"}))

	count, err := n.UnreadCount(ctx, "shop-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	inbox, err := n.List(ctx, AuthorityInbox, true)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, KindNewMessage, inbox[0].Kind)
	assert.Equal(t, "New SUPPORT message from shop-1", inbox[0].Title)
	assert.Equal(t, "Printer jam", inbox[0].Body)

	marked, err := n.MarkRead(ctx, "shop-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, marked)

	count, err = n.UnreadCount(ctx, "shop-1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestAuditLog(t *testing.T) {
	db := database.NewTestDB(t)
	audit := NewAuditLog(db)
	ctx := context.Background()

	require.NoError(t, audit.LogOperation(ctx, 1, "license.issue", "license", "KEY1", map[string]string{"type": "STARTER"}))
	require.NoError(t, audit.LogOperation(ctx, 2, "license.revoke", "license", "KEY1", nil))
	require.NoError(t, audit.LogLogin(ctx, 1, "127.0.0.1", "test", "success"))

	logs, total, err := audit.GetOperationLogs(ctx, 0, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, logs, 2)

	mine, total, err := audit.GetOperationLogs(ctx, 1, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, mine, 1)
	assert.Equal(t, `{"type":"STARTER"}`, mine[0].Details)

	var logins int64
	require.NoError(t, db.Model(&model.LoginLog{}).Count(&logins).Error)
	assert.EqualValues(t, 1, logins)
}
