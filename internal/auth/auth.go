package auth

import (
	"context"
	"errors"
)

var ErrAuthentication = errors.New("AUTHENTICATION_FAILED")

// Identity is what the core knows about a caller: which surface it came from
// and who it claims to be. The rest of the platform (accounts, billing, bots)
// is behind the Authenticator.
type Identity struct {
	UserID   string
	Platform string
}

type Authenticator interface {
	// Authenticate validates the claimed platform/user pair. token may be
	// empty for implementations that do not require one.
	Authenticate(ctx context.Context, platform, userID, token string) (Identity, error)
}

// StaticAuthenticator 只做形式校验，用于开发环境与测试。
type StaticAuthenticator struct{}

func (StaticAuthenticator) Authenticate(_ context.Context, platform, userID, _ string) (Identity, error) {
	if platform == "" || userID == "" {
		return Identity{}, ErrAuthentication
	}
	return Identity{UserID: userID, Platform: platform}, nil
}
