package handler

import (
	apperrors "trial-license-system/internal/errors"
	"trial-license-system/internal/middleware"
	"trial-license-system/internal/model"
	"trial-license-system/internal/syncgateway"

	"github.com/gofiber/fiber/v2"
)

type HeartbeatInput struct {
	ClientID   string         `json:"client_id" validate:"required,max=64"`
	DeviceInfo map[string]any `json:"device_info"`
}

type AcknowledgeInput struct {
	ClientID string `json:"client_id" validate:"required,max=64"`
}

type RegisterClientInput struct {
	ClientID string `json:"client_id" validate:"required,max=64"`
	Name     string `json:"name" validate:"max=255"`
}

// HandleSyncMessage answers 202 when delivery failed and the message was
// queued for redelivery.
func (h *Handler) HandleSyncMessage(c *fiber.Ctx) error {
	input := new(syncgateway.MessageRequest)
	if err := c.BodyParser(input); err != nil {
		return apperrors.New(apperrors.KindValidation, "http.SyncMessage", "invalid request body")
	}
	input.ActorID = middleware.UserID(c)

	res, err := h.Gateway.SyncMessage(c.UserContext(), *input)
	if err != nil {
		return err
	}
	if res.SyncStatus == syncgateway.StatusFailedQueued {
		return c.Status(fiber.StatusAccepted).JSON(res)
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

func (h *Handler) HandleListMessages(c *fiber.Ctx) error {
	clientID := c.Query("client_id")
	if clientID == "" {
		return apperrors.New(apperrors.KindValidation, "http.ListMessages", "client_id is required")
	}
	msgs, err := h.Gateway.Messages(c.UserContext(), clientID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"messages": msgs})
}

func (h *Handler) HandleAcknowledgeMessages(c *fiber.Ctx) error {
	input := new(AcknowledgeInput)
	if err := bind(c, "http.AcknowledgeMessages", input); err != nil {
		return err
	}
	n, err := h.Gateway.AcknowledgeMessages(c.UserContext(), input.ClientID, middleware.UserID(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"acknowledged": n})
}

func (h *Handler) HandleResolveMessage(c *fiber.Ctx) error {
	msg, err := h.Gateway.ResolveMessage(c.UserContext(), c.Params("id"), middleware.UserID(c))
	if err != nil {
		return err
	}
	return c.JSON(msg)
}

func (h *Handler) HandleHeartbeat(c *fiber.Ctx) error {
	input := new(HeartbeatInput)
	if err := bind(c, "http.Heartbeat", input); err != nil {
		return err
	}
	hb, err := h.Gateway.HandleHeartbeat(c.UserContext(), input.ClientID, input.DeviceInfo, middleware.UserID(c))
	if err != nil {
		return err
	}
	return c.JSON(hb)
}

func (h *Handler) HandleGetQueue(c *fiber.Ctx) error {
	entries, err := h.Gateway.Queue(c.UserContext(), c.Params("client"), model.MessageStatus(c.Query("status")))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"entries": entries})
}

func (h *Handler) HandleProcessQueue(c *fiber.Ctx) error {
	report, err := h.Gateway.ProcessOfflineQueue(c.UserContext(), c.Params("client"), middleware.UserID(c))
	if err != nil {
		return err
	}
	return c.JSON(report)
}

func (h *Handler) HandleProcessAllQueues(c *fiber.Ctx) error {
	reports, err := h.Gateway.ProcessAllQueues(c.UserContext(), middleware.UserID(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"reports": reports})
}

func (h *Handler) HandleSyncStatus(c *fiber.Ctx) error {
	health, err := h.Gateway.SyncStatus(c.UserContext(), c.Params("client"))
	if err != nil {
		return err
	}
	return c.JSON(health)
}

func (h *Handler) HandleListNotifications(c *fiber.Ctx) error {
	list, err := h.Notifications.List(c.UserContext(), c.Params("client"), c.QueryBool("unread"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"notifications": list})
}

func (h *Handler) HandleMarkNotificationsRead(c *fiber.Ctx) error {
	n, err := h.Notifications.MarkRead(c.UserContext(), c.Params("client"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"marked_read": n})
}

func (h *Handler) HandleListClients(c *fiber.Ctx) error {
	clients, err := h.Clients.List(c.UserContext())
	if err != nil {
		return err
	}
	out := make([]fiber.Map, 0, len(clients))
	now := h.Now()
	for i := range clients {
		out = append(out, fiber.Map{
			"client": clients[i],
			"health": syncgateway.Health(&clients[i], now),
		})
	}
	return c.JSON(fiber.Map{"clients": out})
}

func (h *Handler) HandleRegisterClient(c *fiber.Ctx) error {
	const op = "http.RegisterClient"
	input := new(RegisterClientInput)
	if err := bind(c, op, input); err != nil {
		return err
	}
	client, err := h.Clients.Register(c.UserContext(), input.ClientID, input.Name)
	if err != nil {
		return err
	}
	if err := h.Audit.LogOperation(c.UserContext(), middleware.UserID(c), "client.register", "client", client.ID, input); err != nil {
		return apperrors.Internal(op, err)
	}
	return c.Status(fiber.StatusCreated).JSON(client)
}
