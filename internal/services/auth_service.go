package services

import (
	"crypto/subtle"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// AnyTenant is the token subject that grants access to every tenant.
const AnyTenant = "*"

// ErrUnauthorized is returned for missing or invalid credentials.
var ErrUnauthorized = errors.New("unauthorized")

// AuthService checks API keys and tokens for the control surface.
type AuthService struct {
	secret     []byte
	bcryptHash []byte
}

// JWTClaims identifies the tenant a token may act on.
type JWTClaims struct {
	jwt.RegisteredClaims
}

// NewAuthService creates an auth service. secret is compared to API keys and
// signs tokens; bcryptHash, when set, is also accepted for API keys.
func NewAuthService(secret, bcryptHash string) *AuthService {
	as := &AuthService{secret: []byte(secret)}
	if bcryptHash != "" {
		as.bcryptHash = []byte(bcryptHash)
	}
	return as
}

// Enabled reports whether any credential is configured.
func (as *AuthService) Enabled() bool {
	return len(as.secret) > 0 || len(as.bcryptHash) > 0
}

// CheckAPIKey validates a shared-secret API key.
func (as *AuthService) CheckAPIKey(key string) bool {
	if key == "" {
		return false
	}
	if len(as.secret) > 0 && subtle.ConstantTimeCompare([]byte(key), as.secret) == 1 {
		return true
	}
	if len(as.bcryptHash) > 0 && bcrypt.CompareHashAndPassword(as.bcryptHash, []byte(key)) == nil {
		return true
	}
	return false
}

// IssueToken signs a token for tenantID, or for every tenant with AnyTenant.
func (as *AuthService) IssueToken(tenantID string, ttl time.Duration) (string, error) {
	if len(as.secret) == 0 {
		return "", errors.New("no signing secret configured")
	}
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tenantID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(as.secret)
}

// ValidateToken validates JWT token and returns its claims
func (as *AuthService) ValidateToken(tokenString string) (*JWTClaims, error) {
	if len(as.secret) == 0 {
		return nil, ErrUnauthorized
	}
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return as.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid && claims.Subject != "" {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// Allows reports whether the claims grant access to tenantID.
func (c *JWTClaims) Allows(tenantID string) bool {
	return c.Subject == AnyTenant || (tenantID != "" && c.Subject == tenantID)
}
