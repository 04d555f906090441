package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/token-auth-service/internal/auth"
	"github.com/spec-kit/token-auth-service/internal/domain"
	"github.com/spec-kit/token-auth-service/internal/repository"
	apperrors "github.com/spec-kit/token-auth-service/pkg/util/errorutil"
)

// AuthService coordinates registration, login and token refresh.
type AuthService struct {
	users      repository.UserRepository
	tokens     *auth.TokenManager
	bcryptCost int
	logger     *zap.Logger
}

// AuthDependencies encapsulates collaborators of the auth service.
type AuthDependencies struct {
	UserRepo   repository.UserRepository
	Tokens     *auth.TokenManager
	BcryptCost int
	Logger     *zap.Logger
}

// NewAuthService builds the service.
func NewAuthService(deps AuthDependencies) *AuthService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthService{
		users:      deps.UserRepo,
		tokens:     deps.Tokens,
		bcryptCost: deps.BcryptCost,
		logger:     logger,
	}
}

// Register creates an account and logs it in. Input is expected to be
// validated by the caller.
func (s *AuthService) Register(ctx context.Context, name, email, password string) (*domain.User, domain.TokenPair, error) {
	name = strings.TrimSpace(name)
	email = normalizeEmail(email)

	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return nil, domain.TokenPair{}, apperrors.NewConflict("email already registered", map[string]any{"email": email})
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.TokenPair{}, fmt.Errorf("lookup email: %w", err)
	}

	hash, err := auth.HashPassword(password, s.bcryptCost)
	if err != nil {
		return nil, domain.TokenPair{}, fmt.Errorf("hash password: %w", err)
	}

	user := &domain.User{
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		Status:       domain.UserStatusActive,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			return nil, domain.TokenPair{}, apperrors.NewConflict("email already registered", map[string]any{"email": email})
		}
		return nil, domain.TokenPair{}, fmt.Errorf("create user: %w", err)
	}

	pair, err := s.tokens.IssuePair(user)
	if err != nil {
		return nil, domain.TokenPair{}, fmt.Errorf("issue tokens: %w", err)
	}
	s.logger.Info("user registered", zap.String("user_id", user.ID))
	return user, pair, nil
}

// Login checks credentials and issues a token pair.
func (s *AuthService) Login(ctx context.Context, email, password string) (*domain.User, domain.TokenPair, error) {
	user, err := s.users.GetByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.TokenPair{}, apperrors.NewUnauthorized("invalid credentials")
	}
	if err != nil {
		return nil, domain.TokenPair{}, fmt.Errorf("lookup email: %w", err)
	}

	if err := auth.ComparePassword(user.PasswordHash, password); err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return nil, domain.TokenPair{}, apperrors.NewUnauthorized("invalid credentials")
		}
		return nil, domain.TokenPair{}, fmt.Errorf("compare password: %w", err)
	}
	if !user.Active() {
		return nil, domain.TokenPair{}, apperrors.NewForbidden("account suspended")
	}
	s.rehash(ctx, user, password)

	pair, err := s.tokens.IssuePair(user)
	if err != nil {
		return nil, domain.TokenPair{}, fmt.Errorf("issue tokens: %w", err)
	}
	return user, pair, nil
}

// Refresh exchanges a valid refresh token for a new access token. The account
// the token was issued for must still exist and be active.
func (s *AuthService) Refresh(ctx context.Context, raw string) (string, time.Time, error) {
	refresh, err := s.tokens.VerifyRefresh(ctx, raw)
	if err != nil {
		return "", time.Time{}, err
	}

	claim := s.tokens.Settings().UserIDClaim
	userID, _ := refresh.Claims().GetString(claim)
	if _, err := s.activeUser(ctx, userID); err != nil {
		return "", time.Time{}, err
	}

	access, exp, err := s.tokens.DeriveAccess(refresh)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("derive access token: %w", err)
	}
	return access, exp, nil
}

// CurrentUser loads the account behind a verified identity.
func (s *AuthService) CurrentUser(ctx context.Context, identity *domain.Identity) (*domain.User, error) {
	v, _ := identity.Claim(s.tokens.Settings().UserIDClaim)
	userID, _ := v.(string)
	return s.activeUser(ctx, userID)
}

func (s *AuthService) activeUser(ctx context.Context, userID string) (*domain.User, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, apperrors.NewUnauthorized("token subject is not a known user")
	}
	user, err := s.users.GetByID(ctx, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewUnauthorized("token subject is not a known user")
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if !user.Active() {
		return nil, apperrors.NewForbidden("account suspended")
	}
	return user, nil
}

// rehash upgrades a stored hash made with a stale cost. Failures only cost the
// upgrade, never the login.
func (s *AuthService) rehash(ctx context.Context, user *domain.User, password string) {
	if !auth.NeedsRehash(user.PasswordHash, s.bcryptCost) {
		return
	}
	hash, err := auth.HashPassword(password, s.bcryptCost)
	if err != nil {
		s.logger.Warn("rehash password", zap.String("user_id", user.ID), zap.Error(err))
		return
	}
	previous := user.PasswordHash
	user.PasswordHash = hash
	if err := s.users.Update(ctx, user); err != nil {
		user.PasswordHash = previous
		s.logger.Warn("store rehashed password", zap.String("user_id", user.ID), zap.Error(err))
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
