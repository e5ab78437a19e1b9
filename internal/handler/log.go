package handler

import (
	"strconv"

	apperrors "trial-license-system/internal/errors"
	"trial-license-system/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

// HandleGetLogs lists operation logs of every user, or of ?user_id.
func (h *Handler) HandleGetLogs(c *fiber.Ctx) error {
	page, pageSize := pageParams(c)
	var userID uint
	if raw := c.Query("user_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return apperrors.New(apperrors.KindValidation, "http.Logs", "user_id must be a number")
		}
		userID = uint(id)
	}
	return h.writeLogs(c, userID, page, pageSize)
}

func (h *Handler) HandleGetUserLogs(c *fiber.Ctx) error {
	page, pageSize := pageParams(c)
	return h.writeLogs(c, middleware.UserID(c), page, pageSize)
}

func (h *Handler) writeLogs(c *fiber.Ctx, userID uint, page, pageSize int) error {
	logs, total, err := h.Audit.GetOperationLogs(c.UserContext(), userID, page, pageSize)
	if err != nil {
		return apperrors.Internal("http.Logs", err)
	}
	return c.JSON(fiber.Map{
		"logs":  logs,
		"total": total,
		"page":  page,
	})
}
