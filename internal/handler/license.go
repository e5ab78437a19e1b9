package handler

import (
	"strings"

	apperrors "trial-license-system/internal/errors"
	"trial-license-system/internal/license"
	"trial-license-system/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

type ActivateInput struct {
	LicenseKey        string `json:"license_key" validate:"required"`
	DeviceFingerprint string `json:"device_fingerprint" validate:"required,max=64"`
	ClientID          string `json:"client_id" validate:"required,max=64"`
}

type RevokeInput struct {
	Reason string `json:"reason" validate:"required,max=255"`
}

// licenseKeyParam reads :key and rejects malformed keys before any lookup.
func licenseKeyParam(c *fiber.Ctx, op string) (string, error) {
	key := strings.TrimSpace(c.Params("key"))
	if !license.ValidKeyFormat(key) {
		return "", apperrors.New(apperrors.KindValidation, op, "invalid license key format")
	}
	return key, nil
}

func (h *Handler) HandleListLicenseTypes(c *fiber.Ctx) error {
	types := license.Types()
	out := make([]fiber.Map, 0, len(types))
	for _, t := range types {
		plan, _ := t.Plan()
		out = append(out, fiber.Map{
			"license_type":    t,
			"credits":         plan.Credits,
			"duration_months": plan.DurationMonths,
			"price_cents":     plan.PriceCents,
		})
	}
	return c.JSON(fiber.Map{"types": out})
}

func (h *Handler) HandleCreateLicense(c *fiber.Ctx) error {
	input := new(license.IssueRequest)
	if err := c.BodyParser(input); err != nil {
		return apperrors.New(apperrors.KindValidation, "http.CreateLicense", "invalid request body")
	}
	input.IssuedBy = middleware.UserID(c)

	lic, err := h.Authority.CreateLicenseKey(c.UserContext(), *input)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(lic)
}

// HandleActivateLicense answers 200 for refused activations; the body says
// why. Only malformed input and unknown keys are HTTP errors.
func (h *Handler) HandleActivateLicense(c *fiber.Ctx) error {
	const op = "http.ActivateLicense"
	input := new(ActivateInput)
	if err := bind(c, op, input); err != nil {
		return err
	}
	if !license.ValidKeyFormat(input.LicenseKey) {
		return apperrors.New(apperrors.KindValidation, op, "invalid license key format")
	}

	res, err := h.Authority.ActivateLicenseKey(c.UserContext(), input.LicenseKey, input.DeviceFingerprint, input.ClientID)
	if err != nil {
		return err
	}
	return c.JSON(res)
}

func (h *Handler) HandleRevokeLicense(c *fiber.Ctx) error {
	const op = "http.RevokeLicense"
	key, err := licenseKeyParam(c, op)
	if err != nil {
		return err
	}
	input := new(RevokeInput)
	if err := bind(c, op, input); err != nil {
		return err
	}

	res, err := h.Authority.RevokeLicenseKey(c.UserContext(), key, input.Reason, middleware.UserID(c))
	if err != nil {
		return err
	}
	if !res.Success {
		return c.Status(fiber.StatusConflict).JSON(res)
	}
	return c.JSON(res)
}

func (h *Handler) HandleLicenseStatus(c *fiber.Ctx) error {
	key, err := licenseKeyParam(c, "http.LicenseStatus")
	if err != nil {
		return err
	}
	res, err := h.Authority.CheckLicenseKeyStatus(c.UserContext(), key)
	if err != nil {
		return err
	}
	return c.JSON(res)
}

func (h *Handler) HandleGetLicense(c *fiber.Ctx) error {
	key, err := licenseKeyParam(c, "http.GetLicense")
	if err != nil {
		return err
	}
	lic, err := h.Authority.GetLicenseKey(c.UserContext(), key)
	if err != nil {
		return err
	}
	return c.JSON(lic)
}

func (h *Handler) HandleListLicenses(c *fiber.Ctx) error {
	licenses, err := h.Authority.ListLicenseKeys(c.UserContext(), c.Query("client_id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"licenses": licenses,
		"total":    len(licenses),
	})
}
