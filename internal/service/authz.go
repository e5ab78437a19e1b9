package service

import (
	"context"
	"errors"

	apperrors "trial-license-system/internal/errors"
	"trial-license-system/internal/model"

	"gorm.io/gorm"
)

// Capability is a permission the core asks the authorization collaborator
// about before mutating state.
type Capability string

const (
	CapManageBilling Capability = "billing:manage"
	CapViewClient    Capability = "client:view"
	CapSyncClient    Capability = "client:sync"
)

// Authorizer answers yes or no for an actor and a capability.
type Authorizer interface {
	Can(ctx context.Context, actorID uint, capability Capability) (bool, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, actorID uint, capability Capability) (bool, error)

func (f AuthorizerFunc) Can(ctx context.Context, actorID uint, capability Capability) (bool, error) {
	return f(ctx, actorID, capability)
}

// AllowAll grants everything. It suits embedded use where the host already
// enforced access.
var AllowAll Authorizer = AuthorizerFunc(func(context.Context, uint, Capability) (bool, error) {
	return true, nil
})

var roleCapabilities = map[string][]Capability{
	model.RoleAdmin:    {CapManageBilling, CapViewClient, CapSyncClient},
	model.RoleOperator: {CapViewClient, CapSyncClient},
	model.RoleDevice:   {CapSyncClient},
}

// RoleAuthorizer derives capabilities from the role of an active user.
type RoleAuthorizer struct {
	db *gorm.DB
}

func NewRoleAuthorizer(db *gorm.DB) *RoleAuthorizer {
	return &RoleAuthorizer{db: db}
}

func (a *RoleAuthorizer) Can(ctx context.Context, actorID uint, capability Capability) (bool, error) {
	var user model.User
	err := a.db.WithContext(ctx).Select("id", "role", "status").First(&user, actorID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if user.Status == model.UserStatusDisabled {
		return false, nil
	}
	for _, c := range roleCapabilities[user.Role] {
		if c == capability {
			return true, nil
		}
	}
	return false, nil
}

// Require turns a denial into a Forbidden error. A nil authorizer allows.
func Require(ctx context.Context, a Authorizer, actorID uint, capability Capability, op string) error {
	if a == nil {
		return nil
	}
	ok, err := a.Can(ctx, actorID, capability)
	if err != nil {
		return apperrors.Internal(op, err)
	}
	if !ok {
		return apperrors.Newf(apperrors.KindForbidden, op, "missing capability %s", capability)
	}
	return nil
}
