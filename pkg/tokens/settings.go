package tokens

import (
	"crypto/rsa"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	DefaultAccessLifetime  = 5 * time.Minute
	DefaultRefreshLifetime = 24 * time.Hour
	DefaultUserIDClaim     = "user_id"
	DefaultTokenTypeClaim  = "token_type"
	DefaultTokenIDClaim    = "jti"
	DefaultAuthScheme      = "Bearer"
	DefaultAuthHeader      = "Authorization"

	DefaultKeySetMaxAge          = 10 * time.Minute
	DefaultKeySetRefetchInterval = 30 * time.Second
)

// Options is the raw input to NewSettings. Zero values select the defaults.
type Options struct {
	SigningKey      string
	VerifyingKey    string
	Algorithm       Algorithm
	Issuer          string
	Audience        string
	KeySetURL       string
	KeyID           string
	Leeway          time.Duration
	UserIDClaim     string
	TokenTypeClaim  string
	TokenIDClaim    string
	AuthHeaderType  string
	AuthHeaderName  string
	AccessLifetime  time.Duration
	RefreshLifetime time.Duration
	AuthTokenKinds  []Kind

	Clock        func() time.Time
	HTTPClient   *http.Client
	KeySetCache  KeySetCache
	KeySetMaxAge time.Duration
	// KeySetRefetchInterval is the minimum time between two key-set fetches,
	// including those triggered by tokens naming an unknown kid.
	KeySetRefetchInterval time.Duration
	Logger                *zap.Logger
}

// Option adjusts Options before validation; used by ParseSettings for values
// that have no flat string form.
type Option func(*Options)

// WithClock replaces time.Now as the source of the current time.
func WithClock(clock func() time.Time) Option {
	return func(o *Options) { o.Clock = clock }
}

// WithHTTPClient sets the client used to fetch remote key sets.
func WithHTTPClient(client *http.Client) Option {
	return func(o *Options) { o.HTTPClient = client }
}

// WithKeySetCache shares fetched key sets through an external cache.
func WithKeySetCache(cache KeySetCache, maxAge time.Duration) Option {
	return func(o *Options) {
		o.KeySetCache = cache
		o.KeySetMaxAge = maxAge
	}
}

// WithLogger sets the logger used by the key-set client.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// Settings is the validated token configuration. Settings values are built by
// NewSettings or ParseSettings and must be treated as read-only afterwards; they
// are safe to share between goroutines. The backend keeps its own copy of the
// values it signs and verifies with, so later writes to the fields do not reach it.
type Settings struct {
	SigningKey       string
	VerifyingKey     string
	Algorithm        Algorithm
	Issuer           string
	Audience         string
	KeySetURL        string
	KeyID            string
	Leeway           time.Duration
	UserIDClaim      string
	TokenTypeClaim   string
	TokenIDClaim     string
	AuthHeaderScheme []byte
	AuthHeaderName   []byte
	AccessLifetime   time.Duration
	RefreshLifetime  time.Duration
	AuthTokenKinds   []Kind
	Clock            func() time.Time

	backend *Backend
}

// NewSettings validates opts, resolves every default and builds the signing backend.
func NewSettings(opts Options) (*Settings, error) {
	if opts.Algorithm == "" {
		opts.Algorithm = HS256
	}
	policy, err := lookupAlgorithm(opts.Algorithm)
	if err != nil {
		return nil, err
	}

	s := &Settings{
		SigningKey:       opts.SigningKey,
		VerifyingKey:     opts.VerifyingKey,
		Algorithm:        policy.name,
		Issuer:           opts.Issuer,
		Audience:         opts.Audience,
		KeySetURL:        strings.TrimSpace(opts.KeySetURL),
		KeyID:            strings.TrimSpace(opts.KeyID),
		Leeway:           opts.Leeway,
		UserIDClaim:      orDefault(opts.UserIDClaim, DefaultUserIDClaim),
		TokenTypeClaim:   orDefault(opts.TokenTypeClaim, DefaultTokenTypeClaim),
		TokenIDClaim:     orDefault(opts.TokenIDClaim, DefaultTokenIDClaim),
		AuthHeaderScheme: []byte(orDefault(opts.AuthHeaderType, DefaultAuthScheme)),
		AuthHeaderName:   []byte(orDefault(opts.AuthHeaderName, DefaultAuthHeader)),
		AccessLifetime:   opts.AccessLifetime,
		RefreshLifetime:  opts.RefreshLifetime,
		AuthTokenKinds:   opts.AuthTokenKinds,
		Clock:            opts.Clock,
	}

	if s.Leeway < 0 {
		return nil, configError("leeway", "must not be negative")
	}
	if s.AccessLifetime < 0 {
		return nil, configError("access_token_lifetime", "must not be negative")
	}
	if s.AccessLifetime == 0 {
		s.AccessLifetime = DefaultAccessLifetime
	}
	if s.RefreshLifetime < 0 {
		return nil, configError("refresh_token_lifetime", "must not be negative")
	}
	if s.RefreshLifetime == 0 {
		s.RefreshLifetime = DefaultRefreshLifetime
	}
	if len(s.AuthTokenKinds) == 0 {
		s.AuthTokenKinds = []Kind{KindAccess}
	}
	for _, kind := range s.AuthTokenKinds {
		if !kind.valid() {
			return nil, configError("auth_token_kinds", "unknown token kind %q", kind)
		}
	}
	if s.Clock == nil {
		s.Clock = time.Now
	}

	maxAge, refetch := opts.KeySetMaxAge, opts.KeySetRefetchInterval
	if maxAge < 0 {
		return nil, configError("key_set_max_age", "must not be negative")
	}
	if maxAge == 0 {
		maxAge = DefaultKeySetMaxAge
	}
	if refetch < 0 {
		return nil, configError("key_set_refetch_interval", "must not be negative")
	}
	if refetch == 0 {
		refetch = DefaultKeySetRefetchInterval
	}
	if refetch > maxAge {
		return nil, configError("key_set_refetch_interval", "must not exceed the key set max age %s", maxAge)
	}

	keys, err := resolveKeys(s, policy)
	if err != nil {
		return nil, err
	}

	s.backend = newBackend(s, policy, keys, keySetOptions{
		httpClient: opts.HTTPClient,
		cache:      opts.KeySetCache,
		maxAge:     maxAge,
		minRefetch: refetch,
		clock:      s.Clock,
		logger:     opts.Logger,
	})
	return s, nil
}

// Backend returns the signing backend bound to these settings.
func (s *Settings) Backend() *Backend {
	return s.backend
}

// Lifetime returns the configured lifetime for tokens of the given kind.
func (s *Settings) Lifetime(kind Kind) time.Duration {
	if kind == KindRefresh {
		return s.RefreshLifetime
	}
	return s.AccessLifetime
}

type keyMaterial struct {
	signing   any
	verifying any
}

func resolveKeys(s *Settings, policy algorithmPolicy) (keyMaterial, error) {
	if policy.symmetric {
		if s.SigningKey == "" {
			return keyMaterial{}, configError("signing_key", "%s requires a signing secret", policy.name)
		}
		s.VerifyingKey = s.SigningKey
		secret := []byte(s.SigningKey)
		return keyMaterial{signing: secret, verifying: secret}, nil
	}

	var keys keyMaterial
	var private *rsa.PrivateKey
	if s.SigningKey != "" {
		parsed, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(s.SigningKey))
		if err != nil {
			return keyMaterial{}, configError("signing_key", "invalid RSA private key: %v", err)
		}
		private = parsed
		keys.signing = parsed
	}

	switch {
	case s.VerifyingKey != "":
		public, err := jwt.ParseRSAPublicKeyFromPEM([]byte(s.VerifyingKey))
		if err != nil {
			return keyMaterial{}, configError("verifying_key", "invalid RSA public key: %v", err)
		}
		keys.verifying = public
	case private != nil:
		keys.verifying = &private.PublicKey
	case s.KeySetURL == "":
		return keyMaterial{}, configError("verifying_key", "%s requires a key pair or a key set url", policy.name)
	}
	return keys, nil
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

var settingKeys = map[string]struct{}{
	"signing_key": {}, "verifying_key": {}, "algorithm": {}, "issuer": {}, "audience": {},
	"jwk_url": {}, "key_set_url": {}, "key_id": {}, "leeway": {},
	"auth_header_type": {}, "auth_header_name": {},
	"user_id_claim": {}, "token_type_claim": {}, "jti_claim": {},
	"access_token_lifetime": {}, "refresh_token_lifetime": {}, "auth_token_kinds": {},
	"key_set_refetch_interval": {},
}

// IsSettingKey reports whether ParseSettings understands key.
func IsSettingKey(key string) bool {
	_, ok := settingKeys[strings.ToLower(key)]
	return ok
}

// ParseSettings builds Settings from a flat key/value configuration such as the
// JWT section of the service environment. Keys outside IsSettingKey are rejected.
func ParseSettings(values map[string]string, extra ...Option) (*Settings, error) {
	var opts Options
	for key, raw := range values {
		value := strings.TrimSpace(raw)
		var err error
		switch strings.ToLower(key) {
		case "signing_key":
			opts.SigningKey = raw
		case "verifying_key":
			opts.VerifyingKey = raw
		case "algorithm":
			opts.Algorithm = Algorithm(value)
		case "issuer":
			opts.Issuer = value
		case "audience":
			opts.Audience = value
		case "jwk_url", "key_set_url":
			opts.KeySetURL = value
		case "key_id":
			opts.KeyID = value
		case "leeway":
			opts.Leeway, err = parseDuration(value)
		case "auth_header_type":
			opts.AuthHeaderType = value
		case "auth_header_name":
			opts.AuthHeaderName = value
		case "user_id_claim":
			opts.UserIDClaim = value
		case "token_type_claim":
			opts.TokenTypeClaim = value
		case "jti_claim":
			opts.TokenIDClaim = value
		case "access_token_lifetime":
			opts.AccessLifetime, err = parseDuration(value)
		case "refresh_token_lifetime":
			opts.RefreshLifetime, err = parseDuration(value)
		case "auth_token_kinds":
			opts.AuthTokenKinds = parseKinds(value)
		case "key_set_refetch_interval":
			opts.KeySetRefetchInterval, err = parseDuration(value)
		default:
			return nil, configError(key, "unknown setting")
		}
		if err != nil {
			return nil, configError(key, "%v", err)
		}
	}

	for _, apply := range extra {
		apply(&opts)
	}
	return NewSettings(opts)
}

// parseDuration accepts Go durations ("5m"), clock strings ("HH:MM:SS") and
// bare seconds ("30", "0.5").
func parseDuration(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(seconds * float64(time.Second)), nil
	}
	if parts := strings.Split(value, ":"); len(parts) == 3 {
		var total time.Duration
		units := []time.Duration{time.Hour, time.Minute, time.Second}
		for i, part := range parts {
			n, err := strconv.Atoi(part)
			if err != nil || n < 0 {
				return 0, errInvalidDuration(value)
			}
			total += time.Duration(n) * units[i]
		}
		return total, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errInvalidDuration(value)
	}
	return d, nil
}

func errInvalidDuration(value string) error {
	return fmt.Errorf("invalid duration %q", value)
}

func parseKinds(value string) []Kind {
	var kinds []Kind
	for _, part := range strings.Split(value, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		kinds = append(kinds, Kind(part))
	}
	return kinds
}
