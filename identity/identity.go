// Package identity is the boundary to the external identity provider. The
// core only needs one thing from it: turning a bearer credential into a
// stable user id and a display name.
package identity

import (
	"context"
	"errors"
)

// ErrAuthFailed is the only error callers ever see. Verification details
// (expired, malformed, bad signature) never leak to clients.
var ErrAuthFailed = errors.New("identity: auth failed")

// Principal is a verified user.
type Principal struct {
	UserID   string
	Username string
}

// Provider verifies bearer credentials.
type Provider interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

// Static is a fixed token-to-principal map for tests and local development.
type Static map[string]Principal

// Verify looks the token up in the map.
func (s Static) Verify(_ context.Context, token string) (Principal, error) {
	p, ok := s[token]
	if !ok {
		return Principal{}, ErrAuthFailed
	}
	return p, nil
}
