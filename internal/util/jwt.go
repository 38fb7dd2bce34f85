package util

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/ComUnity/edge-service/internal/clock"
)

var ErrInvalidToken = errors.New("invalid token")

// AdminClaims are the claims carried by a dashboard session token.
type AdminClaims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`

	jwt.RegisteredClaims
}

// AdminTokenConfig configures admin bearer validation.
type AdminTokenConfig struct {
	Secret   string
	Issuer   string
	Audience string
	// CacheTTL bounds how long a validated token is trusted without
	// re-parsing. Never longer than the token's own expiry.
	CacheTTL time.Duration
	Clock    clock.Clock
}

// AdminTokenValidator checks HS256 bearer tokens issued by the identity
// service and remembers valid ones for CacheTTL.
type AdminTokenValidator struct {
	cfg AdminTokenConfig

	mu    sync.Mutex
	cache map[string]cachedToken
}

type cachedToken struct {
	claims *AdminClaims
	until  time.Time
}

func NewAdminTokenValidator(cfg AdminTokenConfig) *AdminTokenValidator {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewRealClock()
	}
	return &AdminTokenValidator{
		cfg:   cfg,
		cache: make(map[string]cachedToken),
	}
}

// Validate returns the token's claims or an error wrapping ErrInvalidToken.
func (v *AdminTokenValidator) Validate(tokenString string) (*AdminClaims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	now := v.cfg.Clock.Now()
	key := tokenHash(tokenString)

	v.mu.Lock()
	if c, ok := v.cache[key]; ok {
		if now.Before(c.until) {
			v.mu.Unlock()
			return c.claims, nil
		}
		delete(v.cache, key)
	}
	v.mu.Unlock()

	claims, err := v.parse(tokenString, now)
	if err != nil {
		return nil, err
	}

	until := now.Add(v.cfg.CacheTTL)
	if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Before(until) {
		until = claims.ExpiresAt.Time
	}
	v.mu.Lock()
	v.sweepLocked(now)
	v.cache[key] = cachedToken{claims: claims, until: until}
	v.mu.Unlock()
	return claims, nil
}

func (v *AdminTokenValidator) parse(tokenString string, now time.Time) (*AdminClaims, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	claims := &AdminClaims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(v.cfg.Secret), nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !claims.VerifyExpiresAt(now, true) {
		return nil, fmt.Errorf("%w: token expired", ErrInvalidToken)
	}
	if !claims.VerifyNotBefore(now, false) {
		return nil, fmt.Errorf("%w: token not yet valid", ErrInvalidToken)
	}
	if v.cfg.Issuer != "" && !claims.VerifyIssuer(v.cfg.Issuer, true) {
		return nil, fmt.Errorf("%w: issuer mismatch", ErrInvalidToken)
	}
	if v.cfg.Audience != "" && !claims.VerifyAudience(v.cfg.Audience, true) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
	}
	return claims, nil
}

// sweepLocked must be called with v.mu held.
func (v *AdminTokenValidator) sweepLocked(now time.Time) {
	if len(v.cache) < 1024 {
		return
	}
	for k, c := range v.cache {
		if !now.Before(c.until) {
			delete(v.cache, k)
		}
	}
}

func tokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
