package middleware

import (
	"context"
	"strings"

	apperrors "trial-license-system/internal/errors"
	"trial-license-system/internal/logger"
	"trial-license-system/internal/service"
	"trial-license-system/internal/util"

	"github.com/gofiber/fiber/v2"
)

// UserIDKey is the fiber local holding the authenticated user id.
const UserIDKey = "userID"

// Auth accepts a "Bearer <token>" header and stores the user id in the
// request locals.
func Auth(tokens *util.Tokens) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader == "" {
			return unauthorized(c, "missing authentication token")
		}

		tokenParts := strings.Split(authHeader, " ")
		if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
			return unauthorized(c, "invalid authorization format")
		}

		userID, err := tokens.ValidateToken(tokenParts[1])
		if err != nil {
			return unauthorized(c, "invalid authentication token")
		}

		c.Locals(UserIDKey, userID)
		return c.Next()
	}
}

// RequireCapability rejects requests whose user lacks capability.
func RequireCapability(a service.Authorizer, capability service.Capability) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := service.Require(c.UserContext(), a, UserID(c), capability, "http."+string(capability)); err != nil {
			return err
		}
		return c.Next()
	}
}

// UserID returns the authenticated user id, or 0 when Auth did not run.
func UserID(c *fiber.Ctx) uint {
	id, _ := c.Locals(UserIDKey).(uint)
	return id
}

// RequestContext copies the id set by the requestid middleware into the
// user context so that log records carry it.
func RequestContext() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if id, ok := c.Locals("requestid").(string); ok && id != "" {
			c.SetUserContext(context.WithValue(c.UserContext(), logger.RequestIDKey, id))
		}
		return c.Next()
	}
}

func unauthorized(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(&apperrors.APIError{
		StatusCode: fiber.StatusUnauthorized,
		ErrorCode:  "UNAUTHORIZED",
		Message:    msg,
	})
}
