package handler

import (
	"strconv"

	apperrors "trial-license-system/internal/errors"
	"trial-license-system/internal/middleware"
	"trial-license-system/internal/trial"

	"github.com/gofiber/fiber/v2"
)

type SessionInput struct {
	ClientID          string `json:"client_id" validate:"required,max=64"`
	DeviceFingerprint string `json:"device_fingerprint" validate:"required,max=64"`
}

type SpendInput struct {
	SessionInput
	Operation string `json:"operation" validate:"required"`
}

func (h *Handler) HandleListOperations(c *fiber.Ctx) error {
	ops := trial.Operations()
	out := make([]fiber.Map, 0, len(ops))
	for _, op := range ops {
		out = append(out, fiber.Map{"operation": op, "cost": op.Cost()})
	}
	return c.JSON(fiber.Map{
		"operations":      out,
		"initial_credits": trial.InitialCredits,
	})
}

func (h *Handler) HandleInitializeSession(c *fiber.Ctx) error {
	input := new(SessionInput)
	if err := bind(c, "http.InitializeSession", input); err != nil {
		return err
	}
	session, created, err := h.Ledger.InitializeSession(c.UserContext(), input.ClientID, input.DeviceFingerprint)
	if err != nil {
		return err
	}
	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{
		"session": session,
		"created": created,
	})
}

func (h *Handler) HandleGetSession(c *fiber.Ctx) error {
	session, err := h.Ledger.Session(c.UserContext(), c.Params("client"), c.Params("fingerprint"))
	if err != nil {
		return err
	}
	return c.JSON(session)
}

func (h *Handler) HandleCheckCredits(c *fiber.Ctx) error {
	input, op, err := spendInput(c, "http.CheckCredits")
	if err != nil {
		return err
	}
	check, err := h.Ledger.CheckCredits(c.UserContext(), input.ClientID, input.DeviceFingerprint, op)
	if err != nil {
		return err
	}
	return c.JSON(check)
}

// HandleConsumeCredits answers 402 with the spend result when the balance
// is too low.
func (h *Handler) HandleConsumeCredits(c *fiber.Ctx) error {
	input, op, err := spendInput(c, "http.ConsumeCredits")
	if err != nil {
		return err
	}
	res, err := h.Ledger.ConsumeCredits(c.UserContext(), input.ClientID, input.DeviceFingerprint, op)
	if err != nil {
		return err
	}
	if !res.Success {
		return c.Status(fiber.StatusPaymentRequired).JSON(res)
	}
	return c.JSON(res)
}

func spendInput(c *fiber.Ctx, op string) (*SpendInput, trial.Operation, error) {
	input := new(SpendInput)
	if err := bind(c, op, input); err != nil {
		return nil, "", err
	}
	operation, err := trial.ParseOperation(input.Operation)
	if err != nil {
		return nil, "", err
	}
	return input, operation, nil
}

func (h *Handler) HandleResetSession(c *fiber.Ctx) error {
	const op = "http.ResetSession"
	clientID, fp := c.Params("client"), c.Params("fingerprint")
	session, err := h.Ledger.ResetSession(c.UserContext(), clientID, fp)
	if err != nil {
		return err
	}
	if err := h.Audit.LogOperation(c.UserContext(), middleware.UserID(c), "trial.reset", "trial_session", clientID+"/"+fp, nil); err != nil {
		return apperrors.Internal(op, err)
	}
	return c.JSON(session)
}

func (h *Handler) HandleGetTransactions(c *fiber.Ctx) error {
	limit, err := strconv.Atoi(c.Query("limit", "50"))
	if err != nil || limit < 1 {
		return apperrors.New(apperrors.KindValidation, "http.Transactions", "limit must be a positive number")
	}
	txs, err := h.Ledger.Transactions(c.UserContext(), c.Params("client"), c.Params("fingerprint"), limit)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"transactions": txs})
}
