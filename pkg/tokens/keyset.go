package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrEmptyKid is returned when a token carries no "kid" header and the key set
	// holds more than one key.
	ErrEmptyKid = errors.New("token header has no kid")
	// ErrUnknownKid is returned when no key in the set matches the token's kid.
	ErrUnknownKid = errors.New("unknown kid")
)

// KeySetCache shares raw key-set documents between processes. Get returns a nil
// document without error on a miss.
type KeySetCache interface {
	Get(ctx context.Context, url string) ([]byte, error)
	Set(ctx context.Context, url string, document []byte, ttl time.Duration) error
}

type keySetOptions struct {
	httpClient *http.Client
	cache      KeySetCache
	maxAge     time.Duration
	minRefetch time.Duration
	clock      func() time.Time
	logger     *zap.Logger
}

// errKeySetStale is returned while the in-memory set is past its max age and a
// new fetch is held back by the refetch interval.
var errKeySetStale = errors.New("key set expired")

// KeySetClient resolves verifying keys from a remote JSON Web Key Set. The set
// is fetched on first use, dropped once older than the configured max age and
// refetched when a token names an unknown kid. Fetches are at least the refetch
// interval apart, whatever the tokens presented.
type KeySetClient struct {
	url    string
	opts   keySetOptions
	group  singleflight.Group
	logger *zap.Logger

	mu        sync.RWMutex
	set       jwk.Set
	fetchedAt time.Time
	attempted time.Time
	lastErr   error
}

func newKeySetClient(url string, opts keySetOptions) *KeySetClient {
	logger := opts.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.clock == nil {
		opts.clock = time.Now
	}
	return &KeySetClient{url: url, opts: opts, logger: logger.With(zap.String("jwks_url", url))}
}

// URL returns the key-set endpoint.
func (c *KeySetClient) URL() string {
	return c.url
}

// VerifyingKey returns the raw public key registered under kid.
func (c *KeySetClient) VerifyingKey(ctx context.Context, kid string) (any, error) {
	if set := c.fresh(c.opts.clock()); set != nil {
		if key, err := findKey(set, kid); err == nil {
			return rawKey(key)
		}
	}

	set, err := c.refresh(ctx, kid)
	if err != nil {
		return nil, err
	}
	key, err := findKey(set, kid)
	if err != nil {
		return nil, err
	}
	return rawKey(key)
}

// fresh returns the in-memory set, or nil when there is none or it has expired.
func (c *KeySetClient) fresh(now time.Time) jwk.Set {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.set == nil || now.Sub(c.fetchedAt) >= c.opts.maxAge {
		return nil
	}
	return c.set
}

func (c *KeySetClient) refresh(ctx context.Context, kid string) (jwk.Set, error) {
	v, err, _ := c.group.Do(c.url, func() (any, error) {
		if held, set, err := c.throttle(); held {
			return set, err
		}
		set, err := c.fetch(ctx, kid)
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}
		c.store(set)
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(jwk.Set), nil
}

// throttle claims the next fetch slot. When the previous attempt is more recent
// than the refetch interval it reports held, along with whatever that attempt
// left behind.
func (c *KeySetClient) throttle() (bool, jwk.Set, error) {
	now := c.opts.clock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.attempted.IsZero() || now.Sub(c.attempted) >= c.opts.minRefetch {
		c.attempted = now
		return false, nil, nil
	}
	if c.lastErr != nil {
		return true, nil, c.lastErr
	}
	if c.set == nil || now.Sub(c.fetchedAt) >= c.opts.maxAge {
		return true, nil, errKeySetStale
	}
	return true, c.set, nil
}

func (c *KeySetClient) fetch(ctx context.Context, kid string) (jwk.Set, error) {
	if set := c.loadShared(ctx, kid); set != nil {
		return set, nil
	}

	c.logger.Debug("fetching key set")
	var fetchOpts []jwk.FetchOption
	if c.opts.httpClient != nil {
		fetchOpts = append(fetchOpts, jwk.WithHTTPClient(c.opts.httpClient))
	}
	set, err := jwk.Fetch(ctx, c.url, fetchOpts...)
	if err != nil {
		c.logger.Warn("key set fetch failed", zap.Error(err))
		return nil, fmt.Errorf("fetch key set: %w", err)
	}
	c.saveShared(ctx, set)
	return set, nil
}

// loadShared returns the shared cached set when it can satisfy kid.
func (c *KeySetClient) loadShared(ctx context.Context, kid string) jwk.Set {
	if c.opts.cache == nil {
		return nil
	}
	document, err := c.opts.cache.Get(ctx, c.url)
	if err != nil {
		c.logger.Warn("key set cache read failed", zap.Error(err))
		return nil
	}
	if document == nil {
		return nil
	}
	set, err := jwk.Parse(document)
	if err != nil {
		c.logger.Warn("discarding unreadable cached key set", zap.Error(err))
		return nil
	}
	if _, err := findKey(set, kid); err != nil {
		return nil
	}
	return set
}

func (c *KeySetClient) saveShared(ctx context.Context, set jwk.Set) {
	if c.opts.cache == nil {
		return
	}
	document, err := json.Marshal(set)
	if err != nil {
		c.logger.Warn("key set encode failed", zap.Error(err))
		return
	}
	if err := c.opts.cache.Set(ctx, c.url, document, c.opts.maxAge); err != nil {
		c.logger.Warn("key set cache write failed", zap.Error(err))
	}
}

func (c *KeySetClient) store(set jwk.Set) {
	c.mu.Lock()
	c.set = set
	c.fetchedAt = c.opts.clock()
	c.mu.Unlock()
}

func findKey(set jwk.Set, kid string) (jwk.Key, error) {
	if kid == "" {
		if set.Len() == 1 {
			key, _ := set.Key(0)
			return key, nil
		}
		return nil, ErrEmptyKid
	}
	key, ok := set.LookupKeyID(kid)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownKid, kid)
	}
	return key, nil
}

func rawKey(key jwk.Key) (any, error) {
	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("decode key %q: %w", key.KeyID(), err)
	}
	return raw, nil
}
