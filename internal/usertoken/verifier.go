package usertoken

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

const (
	defaultIssuer     = "streamchat-auth"
	defaultAudience   = "streamchat-api"
	defaultLeeway     = 30 * time.Second
	defaultKeysTTL    = 5 * time.Minute
	defaultMinRefetch = 10 * time.Second
	fetchTimeout      = 5 * time.Second
)

var (
	errUnknownKey   = errors.New("unknown token key")
	ErrNoSubject    = errors.New("token subject missing")
	ErrNoUsableKeys = errors.New("jwks contains no usable rsa keys")
)

// Config configures user access-token verification.
type Config struct {
	JWKSURL  string
	Issuer   string
	Audience string
	Leeway   time.Duration
	// MinRefetch is the shortest gap between two JWKS fetches triggered by
	// tokens carrying an unknown kid.
	MinRefetch time.Duration
	HTTPClient *http.Client
}

// keySet is one JWKS snapshot. It is replaced whole, never mutated.
type keySet struct {
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
	expires   time.Time
}

func (s *keySet) stale(now time.Time) bool {
	return s == nil || now.After(s.expires)
}

// Verifier checks RS256 user access tokens against a JWKS endpoint and
// returns the subject, which is the user id every thread is owned by.
type Verifier struct {
	jwksURL    string
	httpClient *http.Client
	minRefetch time.Duration
	parser     *jwt.Parser

	keys  atomic.Pointer[keySet]
	fetch singleflight.Group
}

// NewVerifier builds a verifier and loads the key set once so a bad JWKS
// URL fails at startup.
func NewVerifier(cfg Config) (*Verifier, error) {
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, errors.New("token verifier requires jwksURL")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultAudience
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	minRefetch := cfg.MinRefetch
	if minRefetch <= 0 {
		minRefetch = defaultMinRefetch
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: fetchTimeout}
	}

	v := &Verifier{
		jwksURL:    jwksURL,
		httpClient: httpClient,
		minRefetch: minRefetch,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithAudience(audience),
			jwt.WithIssuedAt(),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(leeway),
		),
	}
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()
	if _, err := v.refresh(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

// VerifySubject validates token and returns its subject.
func (v *Verifier) VerifySubject(token string) (string, error) {
	claims, err := v.verify(token)
	if err != nil {
		return "", err
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", ErrNoSubject
	}
	return subject, nil
}

func (v *Verifier) verify(token string) (*jwt.RegisteredClaims, error) {
	now := time.Now()
	set := v.keys.Load()
	if set.stale(now) {
		set = v.refreshOrKeep(set)
	}
	claims, err := v.parse(token, set)
	if !errors.Is(err, errUnknownKey) {
		return claims, err
	}
	// A rotated signing key shows up as an unknown kid. Refetch, but not
	// more often than minRefetch however many such tokens arrive.
	if now.Sub(set.fetchedAt) < v.minRefetch {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()
	fresh, ferr := v.refresh(ctx)
	if ferr != nil {
		return nil, ferr
	}
	return v.parse(token, fresh)
}

// refreshOrKeep returns a fresh key set, or the stale one when the fetch
// fails so a JWKS outage does not lock every user out.
func (v *Verifier) refreshOrKeep(stale *keySet) *keySet {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()
	fresh, err := v.refresh(ctx)
	if err != nil {
		return stale
	}
	return fresh
}

func (v *Verifier) parse(token string, set *keySet) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := set.keys[strings.TrimSpace(kid)]
		if !ok {
			return nil, errUnknownKey
		}
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// refresh fetches the JWKS. Concurrent callers share one request.
func (v *Verifier) refresh(ctx context.Context) (*keySet, error) {
	res, err, _ := v.fetch.Do("jwks", func() (any, error) {
		set, err := v.load(ctx)
		if err != nil {
			return nil, err
		}
		v.keys.Store(set)
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*keySet), nil
}

func (v *Verifier) load(ctx context.Context) (*keySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		kid := strings.TrimSpace(k.Kid)
		if kid == "" || !strings.EqualFold(strings.TrimSpace(k.Kty), "RSA") {
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		pub, err := k.rsaKey()
		if err != nil {
			continue
		}
		keys[kid] = pub
	}
	if len(keys) == 0 {
		return nil, ErrNoUsableKeys
	}

	ttl := maxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = defaultKeysTTL
	}
	now := time.Now()
	return &keySet{keys: keys, fetchedAt: now, expires: now.Add(ttl)}, nil
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (k jwk) rsaKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(k.N))
	if err != nil {
		return nil, err
	}
	e, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(k.E))
	if err != nil {
		return nil, err
	}
	modulus := new(big.Int).SetBytes(n)
	exponent := new(big.Int).SetBytes(e)
	if modulus.Sign() <= 0 || !exponent.IsInt64() || exponent.Int64() <= 1 || exponent.Int64() > 1<<31-1 {
		return nil, errors.New("invalid rsa key")
	}
	return &rsa.PublicKey{N: modulus, E: int(exponent.Int64())}, nil
}

// maxAge reads max-age from a Cache-Control header; zero when absent.
func maxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		secs, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	return 0
}
