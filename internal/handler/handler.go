// Package handler exposes the core over HTTP under /api/v1.
package handler

import (
	"errors"
	"log/slog"
	"strconv"
	"time"

	apperrors "trial-license-system/internal/errors"
	"trial-license-system/internal/fingerprint"
	"trial-license-system/internal/license"
	"trial-license-system/internal/logger"
	"trial-license-system/internal/middleware"
	"trial-license-system/internal/service"
	"trial-license-system/internal/syncgateway"
	"trial-license-system/internal/trial"
	"trial-license-system/internal/util"
	"trial-license-system/internal/validation"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// Deps are the collaborators the HTTP layer calls into.
type Deps struct {
	DB            *gorm.DB
	Tokens        *util.Tokens
	Authorizer    service.Authorizer
	Audit         *service.AuditLog
	Clients       *service.ClientDirectory
	Notifications *service.Notifications
	Engine        *fingerprint.Engine
	Ledger        *trial.Ledger
	Authority     *license.Authority
	Gateway       *syncgateway.Gateway
	Logger        *slog.Logger
	Now           func() time.Time
}

type Handler struct {
	Deps
}

func New(d Deps) *Handler {
	if d.Authorizer == nil {
		d.Authorizer = service.AllowAll
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	d.Logger = logger.Or(d.Logger).With(slog.String("component", "http"))
	return &Handler{Deps: d}
}

// Register mounts every route on r, normally app.Group("/api/v1").
func (h *Handler) Register(r fiber.Router) {
	auth := middleware.Auth(h.Tokens)
	can := func(c service.Capability) fiber.Handler {
		return middleware.RequireCapability(h.Authorizer, c)
	}

	users := r.Group("/auth")
	users.Post("/login", h.HandleUserLogin)
	users.Get("/me", auth, h.HandleUserInfo)
	users.Post("/change-password", auth, h.HandleChangePassword)
	users.Get("/login-logs", auth, h.HandleGetLoginLogs)

	logs := r.Group("/logs", auth)
	logs.Get("/", can(service.CapManageBilling), h.HandleGetLogs)
	logs.Get("/mine", h.HandleGetUserLogs)

	clients := r.Group("/clients", auth)
	clients.Get("/", can(service.CapViewClient), h.HandleListClients)
	clients.Post("/", can(service.CapManageBilling), h.HandleRegisterClient)

	devices := r.Group("/devices", auth)
	devices.Post("/identify", can(service.CapSyncClient), h.HandleIdentify)
	devices.Post("/hardware-change", can(service.CapSyncClient), h.HandleHardwareChange)
	devices.Get("/:fingerprint", can(service.CapViewClient), h.HandleGetDevice)
	devices.Post("/:fingerprint/flag", can(service.CapManageBilling), h.HandleFlagDevice)

	trials := r.Group("/trial", auth)
	trials.Get("/operations", h.HandleListOperations)
	trials.Post("/sessions", can(service.CapSyncClient), h.HandleInitializeSession)
	trials.Get("/sessions/:client/:fingerprint", can(service.CapSyncClient), h.HandleGetSession)
	trials.Get("/sessions/:client/:fingerprint/transactions", can(service.CapSyncClient), h.HandleGetTransactions)
	trials.Post("/sessions/:client/:fingerprint/reset", can(service.CapManageBilling), h.HandleResetSession)
	trials.Post("/check", can(service.CapSyncClient), h.HandleCheckCredits)
	trials.Post("/consume", can(service.CapSyncClient), h.HandleConsumeCredits)

	licenses := r.Group("/licenses", auth)
	licenses.Get("/types", h.HandleListLicenseTypes)
	licenses.Get("/statistics", can(service.CapViewClient), h.HandleLicenseStatistics)
	licenses.Get("/", can(service.CapViewClient), h.HandleListLicenses)
	licenses.Post("/", h.HandleCreateLicense)
	licenses.Post("/activate", can(service.CapSyncClient), h.HandleActivateLicense)
	licenses.Get("/:key", can(service.CapViewClient), h.HandleGetLicense)
	licenses.Get("/:key/status", can(service.CapSyncClient), h.HandleLicenseStatus)
	licenses.Post("/:key/revoke", h.HandleRevokeLicense)

	sync := r.Group("/sync", auth)
	sync.Post("/messages", h.HandleSyncMessage)
	sync.Get("/messages", can(service.CapViewClient), h.HandleListMessages)
	sync.Post("/messages/ack", h.HandleAcknowledgeMessages)
	sync.Post("/messages/:id/resolve", h.HandleResolveMessage)
	sync.Post("/heartbeat", h.HandleHeartbeat)
	sync.Post("/queue/process", h.HandleProcessAllQueues)
	sync.Get("/queue/:client", can(service.CapViewClient), h.HandleGetQueue)
	sync.Post("/queue/:client/process", h.HandleProcessQueue)
	sync.Get("/status/:client", can(service.CapViewClient), h.HandleSyncStatus)
	sync.Get("/notifications/:client", can(service.CapSyncClient), h.HandleListNotifications)
	sync.Post("/notifications/:client/read", can(service.CapSyncClient), h.HandleMarkNotificationsRead)
}

// ErrorHandler writes every error as an APIError body. Internal failures
// are logged and their cause is hidden.
func ErrorHandler(log *slog.Logger) fiber.ErrorHandler {
	log = logger.Or(log)
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(&apperrors.APIError{
				StatusCode: fe.Code,
				ErrorCode:  "HTTP_ERROR",
				Message:    fe.Message,
			})
		}

		body := apperrors.ToAPIError(err)
		var ve *validationFailure
		if errors.As(err, &ve) {
			body.Details = ve.fields
		}
		if body.StatusCode >= fiber.StatusInternalServerError {
			log.ErrorContext(c.UserContext(), "request failed",
				slog.String("method", c.Method()),
				slog.String("path", c.Path()),
				slog.Any("error", err),
			)
		}
		return c.Status(body.StatusCode).JSON(body)
	}
}

// validationFailure carries the per-field details of a rejected body.
type validationFailure struct {
	err    error
	fields []apperrors.ValidationError
}

func (v *validationFailure) Error() string { return v.err.Error() }
func (v *validationFailure) Unwrap() error { return v.err }

// bind parses the JSON body into v and validates it.
func bind(c *fiber.Ctx, op string, v any) error {
	if err := c.BodyParser(v); err != nil {
		return apperrors.New(apperrors.KindValidation, op, "invalid request body")
	}
	if err := validation.Struct(op, v); err != nil {
		return &validationFailure{err: err, fields: validation.Fields(v)}
	}
	return nil
}

// pageParams reads page and page_size, clamping the size to 100.
func pageParams(c *fiber.Ctx) (int, int) {
	page, _ := strconv.Atoi(c.Query("page", "1"))
	pageSize, _ := strconv.Atoi(c.Query("page_size", "10"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}
