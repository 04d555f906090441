package tokens

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates access tokens from refresh tokens.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

func (k Kind) valid() bool {
	return k == KindAccess || k == KindRefresh
}

// Subject is anything a token can be issued for.
type Subject interface {
	SubjectID() any
}

// Token is a claim set bound to a kind, a lifetime and the instant it was
// constructed. That instant is used for every relative-time computation on the
// token, including verification of a presented token.
type Token struct {
	kind     Kind
	settings *Settings
	claims   *Claims
	now      time.Time
	lifetime time.Duration
}

func newToken(s *Settings, kind Kind) *Token {
	return &Token{
		kind:     kind,
		settings: s,
		claims:   &Claims{},
		now:      s.Clock(),
		lifetime: s.Lifetime(kind),
	}
}

func issue(s *Settings, kind Kind) (*Token, error) {
	t := newToken(s, kind)
	t.claims.Set(s.TokenTypeClaim, string(kind))
	t.SetExp("", time.Time{}, 0)

	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("generate token id: %w", err)
	}
	t.claims.Set(s.TokenIDClaim, hex.EncodeToString(id[:]))
	return t, nil
}

func parse(ctx context.Context, s *Settings, kind Kind, raw string, verify bool) (*Token, error) {
	t := newToken(s, kind)
	payload, err := s.backend.Decode(ctx, raw, verify)
	if err != nil {
		return nil, &TokenError{Kind: ErrTokenInvalid, Message: "token is invalid or expired", Err: err}
	}
	t.claims = NewClaims(payload)

	if verify {
		if err := t.Verify(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func issueForUser(s *Settings, kind Kind, subject Subject) (*Token, error) {
	t, err := issue(s, kind)
	if err != nil {
		return nil, err
	}
	t.claims.Set(s.UserIDClaim, subjectClaim(subject.SubjectID()))
	return t, nil
}

// Kind returns the token kind.
func (t *Token) Kind() Kind { return t.kind }

// CurrentTime returns the instant captured when the token was constructed.
func (t *Token) CurrentTime() time.Time { return t.now }

// Lifetime returns the lifetime applied by SetExp when none is given.
func (t *Token) Lifetime() time.Duration { return t.lifetime }

// Settings returns the settings the token was built with.
func (t *Token) Settings() *Settings { return t.settings }

// Claims returns the live claim set. Changes are reflected by Encode.
func (t *Token) Claims() *Claims { return t.claims }

func (t *Token) Get(key string) (any, bool) { return t.claims.Get(key) }

func (t *Token) Set(key string, value any) { t.claims.Set(key, value) }

func (t *Token) Remove(key string) bool { return t.claims.Remove(key) }

func (t *Token) Contains(key string) bool { return t.claims.Contains(key) }

// ID returns the token id claim.
func (t *Token) ID() string {
	id, _ := t.claims.GetString(t.settings.TokenIDClaim)
	return id
}

// ExpiresAt returns the exp claim as a time.
func (t *Token) ExpiresAt() (time.Time, bool) {
	v, ok := t.claims.Get("exp")
	if !ok {
		return time.Time{}, false
	}
	seconds, ok := numericValue(v)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(seconds, 0).UTC(), true
}

// Encode signs the current claims.
func (t *Token) Encode() (string, error) {
	return t.settings.backend.Encode(t.claims.Map())
}

// SetExp stores from+lifetime, in epoch seconds, under claim. An empty claim
// means "exp", a zero from means the token's current time and a zero lifetime
// means the token's lifetime.
func (t *Token) SetExp(claim string, from time.Time, lifetime time.Duration) {
	if claim == "" {
		claim = "exp"
	}
	if from.IsZero() {
		from = t.now
	}
	if lifetime == 0 {
		lifetime = t.lifetime
	}
	t.claims.Set(claim, from.Add(lifetime).UTC().Unix())
}

// CheckExp fails unless claim holds a time strictly after at. Empty claim and
// zero at default to "exp" and the token's current time.
func (t *Token) CheckExp(claim string, at time.Time) error {
	if claim == "" {
		claim = "exp"
	}
	if at.IsZero() {
		at = t.now
	}
	v, ok := t.claims.Get(claim)
	if !ok {
		return tokenError(ErrNoExpiration, fmt.Sprintf("token has no '%s' claim", claim))
	}
	seconds, ok := numericValue(v)
	if !ok {
		return tokenError(ErrTokenInvalid, fmt.Sprintf("token '%s' claim is not a timestamp", claim))
	}
	if !time.Unix(seconds, 0).After(at) {
		return tokenError(ErrTokenExpired, fmt.Sprintf("token '%s' claim has expired", claim))
	}
	return nil
}

// Verify checks expiration, token id and token type.
func (t *Token) Verify() error {
	if err := t.CheckExp("", time.Time{}); err != nil {
		return err
	}
	if id, ok := t.claims.Get(t.settings.TokenIDClaim); !ok || id == "" || id == nil {
		return tokenError(ErrNoTokenID, "token has no id")
	}
	return t.verifyType()
}

func (t *Token) verifyType() error {
	v, ok := t.claims.Get(t.settings.TokenTypeClaim)
	if !ok {
		return tokenError(ErrNoTokenType, "token has no type")
	}
	if kind, _ := v.(string); Kind(kind) != t.kind {
		return tokenError(ErrWrongTokenType, "token has wrong type")
	}
	return nil
}

// AccessToken is a short-lived token presented on protected calls.
type AccessToken struct {
	*Token
}

// NewAccessToken issues a fresh access token.
func NewAccessToken(s *Settings) (*AccessToken, error) {
	t, err := issue(s, KindAccess)
	if err != nil {
		return nil, err
	}
	return &AccessToken{t}, nil
}

// AccessTokenForUser issues a fresh access token carrying the subject's id.
func AccessTokenForUser(s *Settings, subject Subject) (*AccessToken, error) {
	t, err := issueForUser(s, KindAccess, subject)
	if err != nil {
		return nil, err
	}
	return &AccessToken{t}, nil
}

// ParseAccessToken decodes raw as an access token, verifying it when verify is set.
func ParseAccessToken(ctx context.Context, s *Settings, raw string, verify bool) (*AccessToken, error) {
	t, err := parse(ctx, s, KindAccess, raw, verify)
	if err != nil {
		return nil, err
	}
	return &AccessToken{t}, nil
}

// RefreshToken is a long-lived token used only to obtain new access tokens.
type RefreshToken struct {
	*Token
}

// NewRefreshToken issues a fresh refresh token.
func NewRefreshToken(s *Settings) (*RefreshToken, error) {
	t, err := issue(s, KindRefresh)
	if err != nil {
		return nil, err
	}
	return &RefreshToken{t}, nil
}

// RefreshTokenForUser issues a fresh refresh token carrying the subject's id.
func RefreshTokenForUser(s *Settings, subject Subject) (*RefreshToken, error) {
	t, err := issueForUser(s, KindRefresh, subject)
	if err != nil {
		return nil, err
	}
	return &RefreshToken{t}, nil
}

// ParseRefreshToken decodes raw as a refresh token, verifying it when verify is set.
func ParseRefreshToken(ctx context.Context, s *Settings, raw string, verify bool) (*RefreshToken, error) {
	t, err := parse(ctx, s, KindRefresh, raw, verify)
	if err != nil {
		return nil, err
	}
	return &RefreshToken{t}, nil
}

// AccessToken derives a new access token that inherits every claim of r except
// its id, expiration and type. The new expiration counts from r's current time,
// so each refresh slides the access window forward. r is left unchanged.
func (r *RefreshToken) AccessToken() (*AccessToken, error) {
	access, err := NewAccessToken(r.settings)
	if err != nil {
		return nil, err
	}
	access.SetExp("", r.now, 0)

	skip := map[string]struct{}{
		"jti":                     {},
		"exp":                     {},
		r.settings.TokenIDClaim:   {},
		r.settings.TokenTypeClaim: {},
	}
	for _, key := range r.claims.Keys() {
		if _, ok := skip[key]; ok {
			continue
		}
		value, _ := r.claims.Get(key)
		access.Set(key, cloneValue(value))
	}
	return access, nil
}

// Authenticate verifies raw against each kind in s.AuthTokenKinds and returns
// the first token that passes. The last failure is returned when none does.
func Authenticate(ctx context.Context, s *Settings, raw string) (*Token, error) {
	var lastErr error
	for _, kind := range s.AuthTokenKinds {
		t, err := parse(ctx, s, kind, raw, true)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func subjectClaim(id any) any {
	switch v := id.(type) {
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case uint:
		return uint64(v)
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint64:
		return v
	case float32:
		return float64(v)
	case float64:
		return v
	case json.Number:
		return normalizeNumber(v)
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
