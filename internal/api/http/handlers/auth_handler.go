package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/token-auth-service/internal/api/dto"
	"github.com/spec-kit/token-auth-service/internal/auth"
	"github.com/spec-kit/token-auth-service/internal/domain"
	apperrors "github.com/spec-kit/token-auth-service/pkg/util/errorutil"
)

// AuthService is the account and token workflow behind the auth endpoints.
type AuthService interface {
	Register(ctx context.Context, name, email, password string) (*domain.User, domain.TokenPair, error)
	Login(ctx context.Context, email, password string) (*domain.User, domain.TokenPair, error)
	Refresh(ctx context.Context, raw string) (string, time.Time, error)
	CurrentUser(ctx context.Context, identity *domain.Identity) (*domain.User, error)
}

// AuthHandler exposes registration, login, refresh and identity endpoints.
type AuthHandler struct {
	auth AuthService
}

// NewAuthHandler constructs handler.
func NewAuthHandler(authService AuthService) *AuthHandler {
	return &AuthHandler{auth: authService}
}

// Register handles POST /auth/register.
func (h *AuthHandler) Register(c *fiber.Ctx) error {
	var req dto.RegisterRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	user, pair, err := h.auth.Register(c.UserContext(), req.Name, req.Email, req.Password)
	if err != nil {
		return err
	}

	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"data": fiber.Map{
			"user": userResponse(user),
			"auth": pairResponse(pair),
		},
	})
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req dto.LoginRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	_, pair, err := h.auth.Login(c.UserContext(), req.Email, req.Password)
	if err != nil {
		return err
	}
	return c.JSON(pairResponse(pair))
}

// Refresh handles POST /auth/refresh.
func (h *AuthHandler) Refresh(c *fiber.Ctx) error {
	var req dto.RefreshRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	access, exp, err := h.auth.Refresh(c.UserContext(), req.Refresh)
	if err != nil {
		return err
	}
	return c.JSON(dto.AccessResponse{Access: access, ExpiresAt: exp})
}

// Me handles GET /auth/me.
func (h *AuthHandler) Me(c *fiber.Ctx) error {
	identity, ok := auth.IdentityFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}

	user, err := h.auth.CurrentUser(c.UserContext(), identity)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"data": fiber.Map{
			"user":       userResponse(user),
			"claims":     identity.Claims,
			"scheme":     identity.Scheme,
			"expires_at": identity.ExpiresAt,
		},
	})
}

func parseBody(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	return dto.Validate(out)
}

func userResponse(u *domain.User) dto.UserResponse {
	return dto.UserResponse{ID: u.ID, Name: u.Name, Email: u.Email}
}

func pairResponse(p domain.TokenPair) dto.TokenPairResponse {
	return dto.TokenPairResponse{
		Access:           p.Access,
		Refresh:          p.Refresh,
		AccessExpiresAt:  p.AccessExpiresAt,
		RefreshExpiresAt: p.RefreshExpiresAt,
	}
}
