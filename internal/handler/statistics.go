package handler

import (
	"github.com/gofiber/fiber/v2"
)

// HandleLicenseStatistics reports license counts by derived status and
// type, with the activation rate.
func (h *Handler) HandleLicenseStatistics(c *fiber.Ctx) error {
	stats, err := h.Authority.Statistics(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"statistics":      stats,
		"activation_rate": stats.GetActivationRate(),
	})
}
