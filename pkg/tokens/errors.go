package tokens

import (
	"errors"
	"fmt"
)

// Configuration failures.
var ErrConfiguration = errors.New("invalid token configuration")

// Backend failure kinds.
var (
	ErrInvalidAlgorithm      = errors.New("invalid algorithm specified")
	ErrInvalidToken          = errors.New("token is invalid or expired")
	ErrKeyResolution         = errors.New("verifying key could not be resolved")
	ErrSigningKeyUnavailable = errors.New("no signing key configured")
)

// Lifecycle failure kinds.
var (
	ErrTokenInvalid   = errors.New("token is invalid or expired")
	ErrTokenExpired   = errors.New("token has expired")
	ErrNoExpiration   = errors.New("token has no expiration")
	ErrNoTokenID      = errors.New("token has no id")
	ErrNoTokenType    = errors.New("token has no type")
	ErrWrongTokenType = errors.New("token has wrong type")
)

// ConfigurationError reports settings that cannot produce a working backend.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

func configError(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// BackendError is returned by Backend.Encode and Backend.Decode. Kind is one of
// ErrInvalidAlgorithm, ErrInvalidToken, ErrKeyResolution or ErrSigningKeyUnavailable.
type BackendError struct {
	Kind    error
	Expired bool
	Err     error
}

func (e *BackendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return e.Kind.Error()
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

func (e *BackendError) Is(target error) bool {
	if target == e.Kind {
		return true
	}
	return e.Expired && target == ErrTokenExpired
}

// TokenError means a presented credential is not currently valid. Errors raised
// from a backend failure unwrap to the *BackendError.
type TokenError struct {
	Kind    error
	Message string
	Err     error
}

func (e *TokenError) Error() string {
	return e.Message
}

func (e *TokenError) Unwrap() error {
	return e.Err
}

func (e *TokenError) Is(target error) bool {
	return target == e.Kind
}

func tokenError(kind error, message string) error {
	return &TokenError{Kind: kind, Message: message}
}
