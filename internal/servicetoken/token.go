package servicetoken

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultTokenTTL is the default lifetime for internal service tokens.
	DefaultTokenTTL = 60 * time.Second
	// DefaultLeeway is clock skew tolerance for token validation.
	DefaultLeeway = 15 * time.Second
	// DefaultKeyID names the active shared secret.
	DefaultKeyID = "internal-active"
	// MinSecretLength is the shortest accepted shared secret in bytes.
	MinSecretLength = 32
)

var (
	ErrTokenRequired    = errors.New("token required")
	ErrIssuerNotAllowed = errors.New("issuer not allowed")
	ErrUnknownKey       = errors.New("unknown token key")
)

// Signer issues short-lived internal service JWTs signed with a shared secret.
type Signer struct {
	issuer string
	ttl    time.Duration
	secret []byte
	kid    string
}

type SignerOptions struct {
	Secret string
	KeyID  string
	Issuer string
	TTL    time.Duration
}

// Verifier validates internal service JWTs against audience and issuer allowlist.
// Several secrets may be active at once while one is being rotated out.
type Verifier struct {
	audience       string
	allowedIssuers map[string]struct{}
	leeway         time.Duration
	secrets        map[string][]byte
}

type VerifierOptions struct {
	Secret         string
	DefaultKeyID   string
	ExtraSecrets   map[string]string
	Audience       string
	AllowedIssuers []string
	Leeway         time.Duration
}

// NewSignerWithOptions creates a signer using HS256.
func NewSignerWithOptions(opts SignerOptions) (*Signer, error) {
	opts.Issuer = strings.TrimSpace(opts.Issuer)
	if opts.Issuer == "" {
		return nil, errors.New("service token issuer is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTokenTTL
	}
	keyID := strings.TrimSpace(opts.KeyID)
	if keyID == "" {
		keyID = DefaultKeyID
	}
	secret, err := checkSecret(opts.Secret)
	if err != nil {
		return nil, err
	}
	return &Signer{issuer: opts.Issuer, ttl: opts.TTL, secret: secret, kid: keyID}, nil
}

// Sign issues a token for the given audience.
func (s *Signer) Sign(audience string) (string, error) {
	audience = strings.TrimSpace(audience)
	if audience == "" {
		return "", errors.New("service token audience is required")
	}
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   s.issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		ID:        randomHexID(12),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	t.Header["kid"] = s.kid
	return t.SignedString(s.secret)
}

// NewVerifierWithOptions creates a verifier for HS256 tokens.
func NewVerifierWithOptions(opts VerifierOptions) (*Verifier, error) {
	audience := strings.TrimSpace(opts.Audience)
	if audience == "" {
		return nil, errors.New("service token audience is required")
	}
	issuers := make(map[string]struct{})
	for _, issuer := range opts.AllowedIssuers {
		issuer = strings.TrimSpace(issuer)
		if issuer == "" {
			continue
		}
		issuers[issuer] = struct{}{}
	}
	if len(issuers) == 0 {
		return nil, errors.New("at least one allowed issuer is required")
	}
	leeway := opts.Leeway
	if leeway <= 0 {
		leeway = DefaultLeeway
	}
	verifier := &Verifier{
		audience:       audience,
		allowedIssuers: issuers,
		leeway:         leeway,
		secrets:        make(map[string][]byte),
	}
	defaultKid := strings.TrimSpace(opts.DefaultKeyID)
	if defaultKid == "" {
		defaultKid = DefaultKeyID
	}
	if strings.TrimSpace(opts.Secret) != "" {
		secret, err := checkSecret(opts.Secret)
		if err != nil {
			return nil, err
		}
		verifier.secrets[defaultKid] = secret
	}
	for kid, raw := range opts.ExtraSecrets {
		kid = strings.TrimSpace(kid)
		if kid == "" {
			continue
		}
		secret, err := checkSecret(raw)
		if err != nil {
			return nil, fmt.Errorf("secret %q: %w", kid, err)
		}
		verifier.secrets[kid] = secret
	}
	if len(verifier.secrets) == 0 {
		return nil, errors.New("internal service verifier requires a shared secret")
	}
	return verifier, nil
}

// Verify validates token signature, expiry, audience, and issuer.
func (v *Verifier) Verify(token string) (jwt.RegisteredClaims, error) {
	claims := jwt.RegisteredClaims{}
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, ErrTokenRequired
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		kid = strings.TrimSpace(kid)
		if kid == "" {
			return nil, errors.New("token key id required")
		}
		secret, ok := v.secrets[kid]
		if !ok {
			return nil, ErrUnknownKey
		}
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil || !parsed.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return claims, err
	}
	if _, ok := v.allowedIssuers[claims.Issuer]; !ok {
		return claims, ErrIssuerNotAllowed
	}
	if claims.ID == "" {
		return claims, errors.New("jti required")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return claims, errors.New("subject required")
	}
	return claims, nil
}

// Middleware rejects requests without a valid service token.
func (v *Verifier) Middleware(onReject func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				onReject(w, r, ErrTokenRequired)
				return
			}
			if _, err := v.Verify(token); err != nil {
				onReject(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerToken extracts a bearer token from request header.
func BearerToken(r *http.Request) (string, bool) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func checkSecret(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("service token secret is required")
	}
	if len(raw) < MinSecretLength {
		return nil, fmt.Errorf("service token secret must be at least %d bytes", MinSecretLength)
	}
	return []byte(raw), nil
}

func randomHexID(nBytes int) string {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x", buf)
}

// ParseSecrets parses "kid=secret,kid2=secret2" into a map.
func ParseSecrets(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	pairs := strings.Split(raw, ",")
	out := make(map[string]string, len(pairs))
	for i, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kid, secret, ok := strings.Cut(pair, "=")
		kid, secret = strings.TrimSpace(kid), strings.TrimSpace(secret)
		if !ok || kid == "" || secret == "" {
			// The entry itself is never echoed; it may hold a secret.
			return nil, fmt.Errorf("invalid secret entry #%d", i+1)
		}
		out[kid] = secret
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
