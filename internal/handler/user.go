package handler

import (
	"errors"
	"log/slog"

	apperrors "trial-license-system/internal/errors"
	"trial-license-system/internal/middleware"
	"trial-license-system/internal/model"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type LoginInput struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type ChangePasswordInput struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,min=8"`
}

func (h *Handler) HandleUserLogin(c *fiber.Ctx) error {
	const op = "http.Login"
	input := new(LoginInput)
	if err := bind(c, op, input); err != nil {
		return err
	}
	ctx := c.UserContext()

	var user model.User
	err := h.DB.WithContext(ctx).Where("username = ?", input.Username).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return badCredentials(c)
	}
	if err != nil {
		return apperrors.Internal(op, err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(input.Password)); err != nil {
		h.recordLogin(c, user.ID, "failed")
		return badCredentials(c)
	}
	if user.Status == model.UserStatusDisabled {
		h.recordLogin(c, user.ID, "disabled")
		return apperrors.New(apperrors.KindForbidden, op, "account is disabled")
	}

	h.recordLogin(c, user.ID, "success")
	if err := h.DB.WithContext(ctx).Model(&user).Update("last_login", h.Now().UTC()).Error; err != nil {
		return apperrors.Internal(op, err)
	}

	token, err := h.Tokens.GenerateToken(user.ID)
	if err != nil {
		return apperrors.Internal(op, err)
	}

	return c.JSON(fiber.Map{
		"token": token,
		"user":  user,
	})
}

func (h *Handler) recordLogin(c *fiber.Ctx, userID uint, status string) {
	if err := h.Audit.LogLogin(c.UserContext(), userID, c.IP(), c.Get(fiber.HeaderUserAgent), status); err != nil {
		h.Logger.WarnContext(c.UserContext(), "record login", slog.Any("error", err))
	}
}

func badCredentials(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(&apperrors.APIError{
		StatusCode: fiber.StatusUnauthorized,
		ErrorCode:  "UNAUTHORIZED",
		Message:    "invalid username or password",
	})
}

func (h *Handler) HandleUserInfo(c *fiber.Ctx) error {
	user, err := h.currentUser(c, "http.UserInfo")
	if err != nil {
		return err
	}
	return c.JSON(user)
}

func (h *Handler) HandleChangePassword(c *fiber.Ctx) error {
	const op = "http.ChangePassword"
	input := new(ChangePasswordInput)
	if err := bind(c, op, input); err != nil {
		return err
	}

	user, err := h.currentUser(c, op)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(input.CurrentPassword)); err != nil {
		return apperrors.New(apperrors.KindForbidden, op, "current password is incorrect")
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(input.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return apperrors.Internal(op, err)
	}
	if err := h.DB.WithContext(c.UserContext()).Model(user).Update("password", string(hashedPassword)).Error; err != nil {
		return apperrors.Internal(op, err)
	}
	_ = h.Audit.LogOperation(c.UserContext(), user.ID, "user.change_password", "user", user.Username, nil)

	return c.JSON(fiber.Map{"message": "password updated"})
}

func (h *Handler) HandleGetLoginLogs(c *fiber.Ctx) error {
	const op = "http.LoginLogs"
	page, pageSize := pageParams(c)
	userID := middleware.UserID(c)

	var (
		logs  []model.LoginLog
		total int64
	)
	q := h.DB.WithContext(c.UserContext()).Model(&model.LoginLog{}).Where("user_id = ?", userID)
	if err := q.Count(&total).Error; err != nil {
		return apperrors.Internal(op, err)
	}
	err := h.DB.WithContext(c.UserContext()).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&logs).Error
	if err != nil {
		return apperrors.Internal(op, err)
	}

	return c.JSON(fiber.Map{
		"logs":  logs,
		"total": total,
		"page":  page,
		"size":  pageSize,
	})
}

func (h *Handler) currentUser(c *fiber.Ctx, op string) (*model.User, error) {
	var user model.User
	err := h.DB.WithContext(c.UserContext()).First(&user, middleware.UserID(c)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.New(apperrors.KindNotFound, op, "user not found")
	}
	if err != nil {
		return nil, apperrors.Internal(op, err)
	}
	return &user, nil
}
