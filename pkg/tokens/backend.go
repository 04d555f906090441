package tokens

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

var errAlgorithmMismatch = errors.New("token algorithm does not match configuration")

// Backend encodes claim sets into signed tokens and decodes them back. One
// Backend is built per Settings and shared by every token created from it.
type Backend struct {
	issuer    string
	audience  string
	keyID     string
	keySetURL string
	leeway    time.Duration
	clock     func() time.Time

	policy     algorithmPolicy
	keys       keyMaterial
	keySetOpts keySetOptions

	keySetOnce sync.Once
	keySet     *KeySetClient
}

func newBackend(s *Settings, policy algorithmPolicy, keys keyMaterial, opts keySetOptions) *Backend {
	return &Backend{
		issuer:     s.Issuer,
		audience:   s.Audience,
		keyID:      s.KeyID,
		keySetURL:  s.KeySetURL,
		leeway:     s.Leeway,
		clock:      s.Clock,
		policy:     policy,
		keys:       keys,
		keySetOpts: opts,
	}
}

// Algorithm returns the configured signing algorithm.
func (b *Backend) Algorithm() Algorithm {
	return b.policy.name
}

// Encode signs a copy of claims with aud and iss injected when configured.
func (b *Backend) Encode(claims map[string]any) (string, error) {
	if b.keys.signing == nil {
		return "", &BackendError{Kind: ErrSigningKeyUnavailable}
	}

	payload := make(jwt.MapClaims, len(claims)+2)
	for k, v := range claims {
		payload[k] = v
	}
	if b.audience != "" {
		payload["aud"] = b.audience
	}
	if b.issuer != "" {
		payload["iss"] = b.issuer
	}

	token := jwt.NewWithClaims(b.policy.method, payload)
	if b.keyID != "" {
		token.Header["kid"] = b.keyID
	}
	signed, err := token.SignedString(b.keys.signing)
	if err != nil {
		return "", &BackendError{Kind: ErrInvalidToken, Err: fmt.Errorf("sign token: %w", err)}
	}
	return signed, nil
}

// Decode parses raw into its claims. With verify set the signature, algorithm,
// issuer, audience and time claims are checked; without it the payload is only
// parsed and must not be trusted.
func (b *Backend) Decode(ctx context.Context, raw string, verify bool) (map[string]any, error) {
	claims := jwt.MapClaims{}
	if !verify {
		if _, _, err := jwt.NewParser(jwt.WithJSONNumber()).ParseUnverified(raw, claims); err != nil {
			return nil, &BackendError{Kind: ErrInvalidToken, Err: err}
		}
		return normalizeClaims(claims), nil
	}

	key, err := b.verifyingKey(ctx, raw)
	if err != nil {
		return nil, err
	}

	_, err = b.parser().ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != b.policy.method.Alg() {
			return nil, errAlgorithmMismatch
		}
		return key, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return normalizeClaims(claims), nil
}

// KeySet returns the remote key-set client, creating it on first use. It is nil
// when no key-set URL applies to the configured algorithm.
func (b *Backend) KeySet() *KeySetClient {
	if b.policy.symmetric || b.keySetURL == "" {
		return nil
	}
	b.keySetOnce.Do(func() {
		b.keySet = newKeySetClient(b.keySetURL, b.keySetOpts)
	})
	return b.keySet
}

func (b *Backend) verifyingKey(ctx context.Context, raw string) (any, error) {
	keySet := b.KeySet()
	if keySet == nil {
		return b.keys.verifying, nil
	}

	token, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil, &BackendError{Kind: ErrInvalidToken, Err: err}
	}
	if token.Method == nil || token.Method.Alg() != b.policy.method.Alg() {
		return nil, &BackendError{Kind: ErrInvalidAlgorithm, Err: errAlgorithmMismatch}
	}
	kid, _ := token.Header["kid"].(string)
	key, err := keySet.VerifyingKey(ctx, kid)
	if err != nil {
		return nil, &BackendError{Kind: ErrKeyResolution, Err: err}
	}
	return key, nil
}

func (b *Backend) parser() *jwt.Parser {
	opts := []jwt.ParserOption{
		jwt.WithJSONNumber(),
		jwt.WithTimeFunc(b.clock),
	}
	if b.leeway > 0 {
		opts = append(opts, jwt.WithLeeway(b.leeway))
	}
	if b.issuer != "" {
		opts = append(opts, jwt.WithIssuer(b.issuer))
	}
	if b.audience != "" {
		opts = append(opts, jwt.WithAudience(b.audience))
	}
	return jwt.NewParser(opts...)
}

func classify(err error) error {
	switch {
	case errors.Is(err, errAlgorithmMismatch):
		return &BackendError{Kind: ErrInvalidAlgorithm, Err: err}
	case errors.Is(err, jwt.ErrTokenExpired):
		return &BackendError{Kind: ErrInvalidToken, Expired: true, Err: err}
	default:
		return &BackendError{Kind: ErrInvalidToken, Err: err}
	}
}

func normalizeClaims(claims jwt.MapClaims) map[string]any {
	out := make(map[string]any, len(claims))
	for k, v := range claims {
		out[k] = normalizeNumber(v)
	}
	return out
}
