package tokens

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type jwksServer struct {
	*httptest.Server
	hits atomic.Int32
	mu   sync.Mutex
	doc  []byte
}

func newJWKSServer(t *testing.T, keys map[string]*rsa.PublicKey) *jwksServer {
	t.Helper()
	srv := &jwksServer{}
	srv.setKeys(t, keys)
	srv.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.hits.Add(1)
		srv.mu.Lock()
		doc := srv.doc
		srv.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (s *jwksServer) setKeys(t *testing.T, keys map[string]*rsa.PublicKey) {
	t.Helper()
	set := jwk.NewSet()
	for kid, pub := range keys {
		key, err := jwk.FromRaw(pub)
		require.NoError(t, err)
		require.NoError(t, key.Set(jwk.KeyIDKey, kid))
		require.NoError(t, set.AddKey(key))
	}
	doc, err := json.Marshal(set)
	require.NoError(t, err)
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
}

type memoryKeySetCache struct {
	mu   sync.Mutex
	docs map[string][]byte
	ttls map[string]time.Duration
}

func newMemoryKeySetCache() *memoryKeySetCache {
	return &memoryKeySetCache{docs: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (c *memoryKeySetCache) Get(_ context.Context, url string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.docs[url], nil
}

func (c *memoryKeySetCache) Set(_ context.Context, url string, document []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs[url] = document
	c.ttls[url] = ttl
	return nil
}

func rsaSigner(t *testing.T, key *rsa.PrivateKey, kid string, clock *fakeClock) *Settings {
	t.Helper()
	s, err := NewSettings(Options{Algorithm: RS256, SigningKey: privatePEM(key), KeyID: kid, Clock: clock.Now})
	require.NoError(t, err)
	return s
}

func TestKeySetVerification(t *testing.T) {
	key := testRSAKey(t)
	clock := newFakeClock(t0)
	srv := newJWKSServer(t, map[string]*rsa.PublicKey{"k1": &key.PublicKey})

	verifier, err := NewSettings(Options{Algorithm: RS256, KeySetURL: srv.URL, Clock: clock.Now})
	require.NoError(t, err)
	assert.Equal(t, int32(0), srv.hits.Load(), "key set is fetched lazily")

	signer := rsaSigner(t, key, "k1", clock)
	access, err := AccessTokenForUser(signer, user{id: 42})
	require.NoError(t, err)
	raw, err := access.Encode()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		parsed, err := ParseAccessToken(context.Background(), verifier, raw, true)
		require.NoError(t, err)
		v, _ := parsed.Get("user_id")
		assert.Equal(t, int64(42), v)
	}
	assert.Equal(t, int32(1), srv.hits.Load(), "resolved keys are cached")
	assert.Equal(t, srv.URL, verifier.Backend().KeySet().URL())
}

func TestKeySetRefetchesOnUnknownKid(t *testing.T) {
	key := testRSAKey(t)
	clock := newFakeClock(t0)
	srv := newJWKSServer(t, map[string]*rsa.PublicKey{"old": &key.PublicKey})

	verifier, err := NewSettings(Options{Algorithm: RS256, KeySetURL: srv.URL, Clock: clock.Now})
	require.NoError(t, err)

	raw, err := rsaSigner(t, key, "old", clock).Backend().Encode(map[string]any{"exp": t0.Add(time.Hour).Unix()})
	require.NoError(t, err)
	_, err = verifier.Backend().Decode(context.Background(), raw, true)
	require.NoError(t, err)

	srv.setKeys(t, map[string]*rsa.PublicKey{"old": &key.PublicKey, "new": &key.PublicKey})
	clock.Advance(DefaultKeySetRefetchInterval)
	rotated, err := rsaSigner(t, key, "new", clock).Backend().Encode(map[string]any{"exp": t0.Add(time.Hour).Unix()})
	require.NoError(t, err)
	_, err = verifier.Backend().Decode(context.Background(), rotated, true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), srv.hits.Load())

	missing, err := rsaSigner(t, key, "gone", clock).Backend().Encode(map[string]any{"exp": t0.Add(time.Hour).Unix()})
	require.NoError(t, err)
	_, err = verifier.Backend().Decode(context.Background(), missing, true)
	assert.ErrorIs(t, err, ErrKeyResolution)
	assert.ErrorIs(t, err, ErrUnknownKid)
	assert.Equal(t, int32(2), srv.hits.Load(), "refetch interval holds back the next fetch")
}

func TestKeySetThrottlesUnknownKidFetches(t *testing.T) {
	key := testRSAKey(t)
	clock := newFakeClock(t0)
	srv := newJWKSServer(t, map[string]*rsa.PublicKey{"k1": &key.PublicKey})

	verifier, err := NewSettings(Options{Algorithm: RS256, KeySetURL: srv.URL, Clock: clock.Now})
	require.NoError(t, err)
	claims := map[string]any{"exp": t0.Add(time.Hour).Unix()}

	for i := 0; i < 50; i++ {
		forged, err := rsaSigner(t, key, fmt.Sprintf("forged-%d", i), clock).Backend().Encode(claims)
		require.NoError(t, err)
		_, err = verifier.Backend().Decode(context.Background(), forged, true)
		assert.ErrorIs(t, err, ErrUnknownKid)
	}
	assert.Equal(t, int32(1), srv.hits.Load())

	valid, err := rsaSigner(t, key, "k1", clock).Backend().Encode(claims)
	require.NoError(t, err)
	_, err = verifier.Backend().Decode(context.Background(), valid, true)
	assert.NoError(t, err, "known keys keep verifying while fetches are held back")

	clock.Advance(DefaultKeySetRefetchInterval)
	forged, err := rsaSigner(t, key, "forged-late", clock).Backend().Encode(claims)
	require.NoError(t, err)
	_, err = verifier.Backend().Decode(context.Background(), forged, true)
	assert.ErrorIs(t, err, ErrUnknownKid)
	assert.Equal(t, int32(2), srv.hits.Load())
}

func TestKeySetExpiresRemovedKeys(t *testing.T) {
	key := testRSAKey(t)
	clock := newFakeClock(t0)
	srv := newJWKSServer(t, map[string]*rsa.PublicKey{"k1": &key.PublicKey})

	verifier, err := NewSettings(Options{
		Algorithm:             RS256,
		KeySetURL:             srv.URL,
		KeySetMaxAge:          time.Minute,
		KeySetRefetchInterval: 10 * time.Second,
		Clock:                 clock.Now,
	})
	require.NoError(t, err)

	raw, err := rsaSigner(t, key, "k1", clock).Backend().Encode(map[string]any{"exp": t0.Add(time.Hour).Unix()})
	require.NoError(t, err)
	_, err = verifier.Backend().Decode(context.Background(), raw, true)
	require.NoError(t, err)

	srv.setKeys(t, map[string]*rsa.PublicKey{"k2": &key.PublicKey})
	clock.Advance(59 * time.Second)
	_, err = verifier.Backend().Decode(context.Background(), raw, true)
	require.NoError(t, err, "cached set is used until it expires")
	assert.Equal(t, int32(1), srv.hits.Load())

	clock.Advance(time.Second)
	_, err = verifier.Backend().Decode(context.Background(), raw, true)
	assert.ErrorIs(t, err, ErrUnknownKid, "a key removed upstream stops verifying once the set expires")
	assert.Equal(t, int32(2), srv.hits.Load())
}

func TestKeySetFetchFailureIsBackendError(t *testing.T) {
	key := testRSAKey(t)
	clock := newFakeClock(t0)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	url := down.URL
	down.Close()

	verifier, err := NewSettings(Options{Algorithm: RS256, KeySetURL: url, Clock: clock.Now})
	require.NoError(t, err)

	refresh, err := RefreshTokenForUser(rsaSigner(t, key, "k1", clock), user{id: 42})
	require.NoError(t, err)
	raw, err := refresh.Encode()
	require.NoError(t, err)

	_, err = verifier.Backend().Decode(context.Background(), raw, true)
	require.Error(t, err)
	var backendErr *BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, ErrKeyResolution, backendErr.Kind)
	assert.NotErrorIs(t, err, ErrTokenExpired)

	_, err = ParseRefreshToken(context.Background(), verifier, raw, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTokenInvalid)
	assert.ErrorIs(t, err, ErrKeyResolution)
	assert.NotErrorIs(t, err, ErrTokenExpired)
}

func TestKeySetRejectsWrongHeaderAlgorithm(t *testing.T) {
	key := testRSAKey(t)
	clock := newFakeClock(t0)
	srv := newJWKSServer(t, map[string]*rsa.PublicKey{"k1": &key.PublicKey})

	verifier, err := NewSettings(Options{Algorithm: RS256, KeySetURL: srv.URL, Clock: clock.Now})
	require.NoError(t, err)

	raw, err := hsSettings(t, clock).Backend().Encode(map[string]any{"exp": t0.Add(time.Hour).Unix()})
	require.NoError(t, err)
	_, err = verifier.Backend().Decode(context.Background(), raw, true)
	assert.ErrorIs(t, err, ErrInvalidAlgorithm)
	assert.Equal(t, int32(0), srv.hits.Load())
}

func TestKeySetSharedCache(t *testing.T) {
	key := testRSAKey(t)
	clock := newFakeClock(t0)
	srv := newJWKSServer(t, map[string]*rsa.PublicKey{"k1": &key.PublicKey})
	cache := newMemoryKeySetCache()

	newVerifier := func() *Settings {
		s, err := NewSettings(Options{
			Algorithm:    RS256,
			KeySetURL:    srv.URL,
			KeySetCache:  cache,
			KeySetMaxAge: 10 * time.Minute,
			Clock:        clock.Now,
		})
		require.NoError(t, err)
		return s
	}

	raw, err := rsaSigner(t, key, "k1", clock).Backend().Encode(map[string]any{"exp": t0.Add(time.Hour).Unix()})
	require.NoError(t, err)

	_, err = newVerifier().Backend().Decode(context.Background(), raw, true)
	require.NoError(t, err)
	_, err = newVerifier().Backend().Decode(context.Background(), raw, true)
	require.NoError(t, err)

	assert.Equal(t, int32(1), srv.hits.Load(), "second process reads the shared cache")
	assert.Equal(t, 10*time.Minute, cache.ttls[srv.URL])
}

func TestKeySetSingleKeyWithoutKid(t *testing.T) {
	key := testRSAKey(t)
	clock := newFakeClock(t0)
	srv := newJWKSServer(t, map[string]*rsa.PublicKey{"only": &key.PublicKey})

	verifier, err := NewSettings(Options{Algorithm: RS256, KeySetURL: srv.URL, Clock: clock.Now})
	require.NoError(t, err)

	raw, err := rsaSigner(t, key, "", clock).Backend().Encode(map[string]any{"exp": t0.Add(time.Hour).Unix()})
	require.NoError(t, err)
	_, err = verifier.Backend().Decode(context.Background(), raw, true)
	assert.NoError(t, err)

	srv.setKeys(t, map[string]*rsa.PublicKey{"a": &key.PublicKey, "b": &key.PublicKey})
	other, err := NewSettings(Options{Algorithm: RS256, KeySetURL: srv.URL, Clock: clock.Now})
	require.NoError(t, err)
	_, err = other.Backend().Decode(context.Background(), raw, true)
	assert.ErrorIs(t, err, ErrEmptyKid)
}

func TestKeySetClientCreatedOnce(t *testing.T) {
	s, err := NewSettings(Options{Algorithm: RS256, KeySetURL: "https://keys.example.com/jwks.json"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	clients := make([]*KeySetClient, 16)
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			clients[i] = s.Backend().KeySet()
		}(i)
	}
	wg.Wait()

	for _, c := range clients {
		assert.Same(t, clients[0], c)
	}

	hs := hsSettings(t, newFakeClock(t0), func(o *Options) { o.KeySetURL = "https://keys.example.com/jwks.json" })
	assert.Nil(t, hs.Backend().KeySet(), "symmetric algorithms never use a key set")
}
