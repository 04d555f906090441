package auth

import (
	"fmt"

	"github.com/gofiber/fiber/v2"

	apperrors "github.com/spec-kit/token-auth-service/pkg/util/errorutil"
)

// RequireAuthenticated rejects anonymous callers.
func RequireAuthenticated() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if _, ok := IdentityFromContext(c); !ok {
			return apperrors.NewUnauthorized("authentication required")
		}
		return c.Next()
	}
}

// RequireClaim ensures the caller's token carries claim with one of the allowed
// values. With no allowed values the claim only has to be present. A list claim
// matches when any element does.
func RequireClaim(claim string, allowed ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		identity, ok := IdentityFromContext(c)
		if !ok {
			return apperrors.NewUnauthorized("authentication required")
		}
		value, ok := identity.Claim(claim)
		if !ok {
			return apperrors.NewForbidden(fmt.Sprintf("token has no '%s' claim", claim))
		}
		if len(allowed) == 0 {
			return c.Next()
		}
		if claimMatches(value, allowed) {
			return c.Next()
		}
		return apperrors.NewForbidden(fmt.Sprintf("'%s' claim not permitted", claim))
	}
}

func claimMatches(value any, allowed []string) bool {
	if list, ok := value.([]any); ok {
		for _, item := range list {
			if claimMatches(item, allowed) {
				return true
			}
		}
		return false
	}
	text := fmt.Sprint(value)
	for _, want := range allowed {
		if text == want {
			return true
		}
	}
	return false
}
