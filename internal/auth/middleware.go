package auth

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/token-auth-service/internal/domain"
	"github.com/spec-kit/token-auth-service/pkg/tokens"
	apperrors "github.com/spec-kit/token-auth-service/pkg/util/errorutil"
)

const identityKey = "auth_identity"

// Authenticator resolves the caller's identity from the authorization header.
// Requests without a header, or with a different scheme, continue anonymously;
// a credential that fails verification ends the request with 401.
type Authenticator struct {
	tokens *TokenManager
	header string
	scheme string
}

// NewAuthenticator constructs middleware using the header settings of tm.
func NewAuthenticator(tm *TokenManager) *Authenticator {
	s := tm.Settings()
	return &Authenticator{
		tokens: tm,
		header: string(s.AuthHeaderName),
		scheme: string(s.AuthHeaderScheme),
	}
}

// Handle attaches an identity when a valid credential is presented.
func (a *Authenticator) Handle(c *fiber.Ctx) error {
	fields := strings.Fields(c.Get(a.header))
	if len(fields) == 0 || fields[0] != a.scheme {
		return c.Next()
	}
	if len(fields) != 2 {
		return apperrors.NewTokenRejected("authorization header must be '<scheme> <token>'", "malformed_header", nil)
	}

	token, err := a.tokens.Authenticate(c.UserContext(), fields[1])
	if err != nil {
		return err
	}

	c.Locals(identityKey, newIdentity(token, fields[0]))
	return c.Next()
}

// IdentityFromContext retrieves the authenticated identity.
func IdentityFromContext(c *fiber.Ctx) (*domain.Identity, bool) {
	identity, ok := c.Locals(identityKey).(*domain.Identity)
	return identity, ok && identity != nil
}

func newIdentity(t *tokens.Token, scheme string) *domain.Identity {
	s := t.Settings()
	typ, _ := t.Claims().GetString(s.TokenTypeClaim)
	var exp time.Time
	if at, ok := t.ExpiresAt(); ok {
		exp = at
	}
	return &domain.Identity{
		Claims:    t.Claims().Map(),
		Scheme:    scheme,
		TokenType: typ,
		TokenID:   t.ID(),
		ExpiresAt: exp,
	}
}
