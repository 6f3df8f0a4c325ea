// Package credentials supplies bearer tokens to the HTTP and WebSocket
// dialers.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
)

// TokenSource returns the bearer token to present on the next dial.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Static is a fixed token.
type Static string

// Token implements TokenSource.
func (s Static) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// ErrNoToken is returned when a source has nothing to present.
var ErrNoToken = errors.New("credentials: no token")

const (
	DefaultTTL     = 5 * time.Minute
	DefaultRefresh = 30 * time.Second
)

// HMACConfig controls tokens minted by HMAC.
type HMACConfig struct {
	// Secret signs tokens with HS256. ENV: DUALSTREAM_TOKEN_SECRET
	Secret string `env:"DUALSTREAM_TOKEN_SECRET"`
	// Issuer is the iss claim. ENV: DUALSTREAM_TOKEN_ISSUER
	Issuer string `env:"DUALSTREAM_TOKEN_ISSUER,default=dualstream"`
	// Subject is the sub claim. ENV: DUALSTREAM_TOKEN_SUBJECT
	Subject string `env:"DUALSTREAM_TOKEN_SUBJECT"`
	// Audience is the aud claim. ENV: DUALSTREAM_TOKEN_AUDIENCE
	Audience []string `env:"DUALSTREAM_TOKEN_AUDIENCE"`
	// TTL is the token lifetime. ENV: DUALSTREAM_TOKEN_TTL
	TTL time.Duration `env:"DUALSTREAM_TOKEN_TTL,default=5m"`
	// Refresh is how long before expiry a cached token is replaced.
	Refresh time.Duration `env:"DUALSTREAM_TOKEN_REFRESH,default=30s"`
}

// HMAC mints short-lived HS256 JWTs and reuses each one until it is close to
// expiry.
type HMAC struct {
	cfg   HMACConfig
	clock clock.Clock

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewHMAC validates cfg and fills defaults. A nil clk uses the wall clock.
func NewHMAC(cfg HMACConfig, clk clock.Clock) (*HMAC, error) {
	if cfg.Secret == "" {
		return nil, errors.New("credentials: secret is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Refresh <= 0 {
		cfg.Refresh = DefaultRefresh
	}
	if cfg.Refresh >= cfg.TTL {
		return nil, fmt.Errorf("credentials: refresh %s must be shorter than ttl %s", cfg.Refresh, cfg.TTL)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &HMAC{cfg: cfg, clock: clk}, nil
}

// Token implements TokenSource.
func (h *HMAC) Token(context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.clock.Now()
	if h.token != "" && now.Add(h.cfg.Refresh).Before(h.expires) {
		return h.token, nil
	}

	exp := now.Add(h.cfg.TTL)
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    h.cfg.Issuer,
		Subject:   h.cfg.Subject,
		Audience:  jwt.ClaimStrings(h.cfg.Audience),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(h.cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("credentials: sign token: %w", err)
	}
	h.token = signed
	h.expires = exp
	return signed, nil
}

// FromEnv returns Static(DUALSTREAM_TOKEN) when set, an HMAC source when
// DUALSTREAM_TOKEN_SECRET is set, and nil otherwise.
func FromEnv() (TokenSource, error) {
	var env struct {
		Token string `env:"DUALSTREAM_TOKEN"`
		HMACConfig
	}
	if err := envdecode.Decode(&env); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("credentials: decode env: %w", err)
	}
	if env.Token != "" {
		return Static(env.Token), nil
	}
	if env.Secret != "" {
		src, err := NewHMAC(env.HMACConfig, nil)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
	return nil, nil
}
