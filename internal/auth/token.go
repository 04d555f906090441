package auth

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/token-auth-service/internal/domain"
	"github.com/spec-kit/token-auth-service/internal/observability"
	"github.com/spec-kit/token-auth-service/pkg/tokens"
	apperrors "github.com/spec-kit/token-auth-service/pkg/util/errorutil"
)

// TokenManager issues and verifies tokens for the HTTP layer and records the
// outcome in metrics.
type TokenManager struct {
	settings *tokens.Settings
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewTokenManager builds a new manager.
func NewTokenManager(settings *tokens.Settings, metrics *observability.Metrics, logger *zap.Logger) *TokenManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenManager{settings: settings, metrics: metrics, logger: logger}
}

// Settings returns the token settings in use.
func (tm *TokenManager) Settings() *tokens.Settings {
	return tm.settings
}

// IssuePair creates a refresh token for subject and the access token derived from it.
func (tm *TokenManager) IssuePair(subject tokens.Subject) (domain.TokenPair, error) {
	refresh, err := tokens.RefreshTokenForUser(tm.settings, subject)
	if err != nil {
		return domain.TokenPair{}, err
	}
	access, err := refresh.AccessToken()
	if err != nil {
		return domain.TokenPair{}, err
	}

	refreshRaw, err := tm.encode(refresh.Token)
	if err != nil {
		return domain.TokenPair{}, err
	}
	accessRaw, err := tm.encode(access.Token)
	if err != nil {
		return domain.TokenPair{}, err
	}

	accessExp, _ := access.ExpiresAt()
	refreshExp, _ := refresh.ExpiresAt()
	return domain.TokenPair{
		Access:           accessRaw,
		AccessExpiresAt:  accessExp,
		Refresh:          refreshRaw,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// VerifyRefresh checks a presented refresh token.
func (tm *TokenManager) VerifyRefresh(ctx context.Context, raw string) (*tokens.RefreshToken, error) {
	refresh, err := tokens.ParseRefreshToken(ctx, tm.settings, raw, true)
	if err != nil {
		return nil, tm.reject(err)
	}
	return refresh, nil
}

// DeriveAccess signs a new access token derived from refresh.
func (tm *TokenManager) DeriveAccess(refresh *tokens.RefreshToken) (string, time.Time, error) {
	access, err := refresh.AccessToken()
	if err != nil {
		return "", time.Time{}, err
	}
	raw, err := tm.encode(access.Token)
	if err != nil {
		return "", time.Time{}, err
	}
	exp, _ := access.ExpiresAt()
	return raw, exp, nil
}

// Authenticate verifies a credential presented on a protected call.
func (tm *TokenManager) Authenticate(ctx context.Context, raw string) (*tokens.Token, error) {
	token, err := tokens.Authenticate(ctx, tm.settings, raw)
	if err != nil {
		return nil, tm.reject(err)
	}
	return token, nil
}

func (tm *TokenManager) encode(t *tokens.Token) (string, error) {
	raw, err := t.Encode()
	if err != nil {
		return "", err
	}
	tm.metrics.RecordTokenIssued(string(t.Kind()))
	return raw, nil
}

func (tm *TokenManager) reject(err error) error {
	reason := FailureReason(err)
	tm.metrics.RecordTokenFailure(reason)
	tm.logger.Debug("token rejected", zap.String("reason", reason), zap.Error(err))

	var keyErr *tokens.BackendError
	if errors.As(err, &keyErr) && keyErr.Kind == tokens.ErrKeyResolution {
		tm.logger.Warn("verifying key unavailable", zap.Error(keyErr))
	}
	return apperrors.NewTokenRejected(err.Error(), reason, err)
}

// FailureReason condenses a verification error into a metric label.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, tokens.ErrTokenExpired):
		return "expired"
	case errors.Is(err, tokens.ErrInvalidAlgorithm):
		return "algorithm"
	case errors.Is(err, tokens.ErrKeyResolution):
		return "key_unavailable"
	case errors.Is(err, tokens.ErrWrongTokenType):
		return "wrong_type"
	case errors.Is(err, tokens.ErrNoExpiration),
		errors.Is(err, tokens.ErrNoTokenID),
		errors.Is(err, tokens.ErrNoTokenType):
		return "missing_claim"
	default:
		return "invalid"
	}
}
