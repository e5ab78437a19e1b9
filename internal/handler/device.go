package handler

import (
	apperrors "trial-license-system/internal/errors"
	"trial-license-system/internal/fingerprint"
	"trial-license-system/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

type HardwareChangeInput struct {
	OldFingerprint string                 `json:"old_fingerprint" validate:"required,max=64"`
	Components     fingerprint.Components `json:"components"`
}

type FlagInput struct {
	Reason string `json:"reason" validate:"required,max=255"`
}

func (h *Handler) HandleIdentify(c *fiber.Ctx) error {
	input := new(fingerprint.Components)
	if err := bind(c, "http.Identify", input); err != nil {
		return err
	}
	id, err := h.Engine.Identify(c.UserContext(), *input)
	if err != nil {
		return err
	}
	status := fiber.StatusOK
	if id.FirstSighting {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(id)
}

func (h *Handler) HandleHardwareChange(c *fiber.Ctx) error {
	input := new(HardwareChangeInput)
	if err := bind(c, "http.HardwareChange", input); err != nil {
		return err
	}
	change, err := h.Engine.DetectHardwareChange(c.UserContext(), input.OldFingerprint, input.Components)
	if err != nil {
		return err
	}
	return c.JSON(change)
}

func (h *Handler) HandleGetDevice(c *fiber.Ctx) error {
	rec, err := h.Engine.Lookup(c.UserContext(), c.Params("fingerprint"))
	if err != nil {
		return err
	}
	return c.JSON(rec)
}

func (h *Handler) HandleFlagDevice(c *fiber.Ctx) error {
	const op = "http.FlagDevice"
	input := new(FlagInput)
	if err := bind(c, op, input); err != nil {
		return err
	}
	n, err := h.Engine.Flag(c.UserContext(), c.Params("fingerprint"), input.Reason)
	if err != nil {
		return err
	}
	if err := h.Audit.LogOperation(c.UserContext(), middleware.UserID(c), "device.flag", "device", c.Params("fingerprint"), input); err != nil {
		return apperrors.Internal(op, err)
	}
	return c.JSON(fiber.Map{"flagged_records": n})
}
