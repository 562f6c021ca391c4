package identity

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v4"
)

// JWT verifies HS256 bearer tokens. The subject claim carries the user id;
// the username comes from a "username" claim with "name" as fallback.
type JWT struct {
	secret []byte
}

// NewJWT creates a JWT provider with the given HS256 secret.
func NewJWT(secret string) *JWT {
	return &JWT{secret: []byte(secret)}
}

type chessClaims struct {
	Username string `json:"username,omitempty"`
	Name     string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Verify parses and validates token. Expiry and not-before are honored.
func (j *JWT) Verify(_ context.Context, token string) (Principal, error) {
	var claims chessClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Principal{}, ErrAuthFailed
	}
	if claims.Subject == "" {
		return Principal{}, ErrAuthFailed
	}
	username := claims.Username
	if username == "" {
		username = claims.Name
	}
	if username == "" {
		return Principal{}, ErrAuthFailed
	}
	return Principal{UserID: claims.Subject, Username: username}, nil
}

// Sign issues a token for p. Used by tests and local tooling; production
// tokens come from the external identity service.
func (j *JWT) Sign(p Principal) (string, error) {
	claims := chessClaims{
		Username: p.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: p.UserID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}
