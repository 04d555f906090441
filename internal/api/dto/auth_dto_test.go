package dto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/spec-kit/token-auth-service/pkg/util/errorutil"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Validate(RegisterRequest{Name: "Ada", Email: "ada@example.com", Password: "correct horse"}))
	assert.NoError(t, Validate(RefreshRequest{Refresh: "x.y.z"}))

	err := Validate(RegisterRequest{Email: "not-an-email", Password: "short"})
	require.Error(t, err)
	de := apperrors.ToDomainError(err)
	assert.Equal(t, "VALIDATION_FAILED", de.Code)
	assert.Equal(t, map[string]any{"name": "required", "email": "email", "password": "min"}, de.Details)

	de = apperrors.ToDomainError(Validate(LoginRequest{}))
	assert.Equal(t, map[string]any{"email": "required", "password": "required"}, de.Details)
}
