// Package identity handles ninja credentials and bearer tokens.
package identity

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"villagebrain/internal/apperr"
)

// Caller is the authenticated identity extracted from a token. Rank comes
// from the token so reads do not hit the store, but lifecycle operations
// re-read the ninja inside their unit and trust the stored rank.
type Caller struct {
	ID       string
	Username string
	Rank     string
}

type Authenticator struct {
	Secret   []byte
	TokenTTL time.Duration
	Now      func() time.Time
}

func NewAuthenticator(secret string, ttl time.Duration) (*Authenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("jwt secret not configured")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{Secret: []byte(secret), TokenTTL: ttl, Now: time.Now}, nil
}

// HashPassword hashes a plaintext password for storage.
func HashPassword(password string) (string, error) {
	if len(password) < 6 {
		return "", apperr.Validation("password must be at least 6 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword checks a plaintext password against a stored hash.
func VerifyPassword(hash, password string) error {
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return apperr.Unauthenticated("invalid credentials")
	}
	return nil
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	Rank     string `json:"rank"`
}

// Mint issues a signed bearer token for the caller.
func (a *Authenticator) Mint(c Caller) (string, error) {
	now := a.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.TokenTTL)),
		},
		Username: c.Username,
		Rank:     c.Rank,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.Secret)
}

// Resolve validates a bearer token and returns the caller it names.
func (a *Authenticator) Resolve(token string) (Caller, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.Now),
	)
	claims := &tokenClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return a.Secret, nil
	})
	if err != nil || !parsed.Valid {
		return Caller{}, apperr.InvalidToken("invalid or expired token")
	}
	if claims.Subject == "" {
		return Caller{}, apperr.InvalidToken("token missing subject")
	}
	return Caller{ID: claims.Subject, Username: claims.Username, Rank: claims.Rank}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// AvatarURL derives a deterministic avatar for a username.
func AvatarURL(username string) string {
	return "https://api.dicebear.com/7.x/avataaars/svg?seed=" + username
}
