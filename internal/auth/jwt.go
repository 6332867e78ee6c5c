package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Claims struct {
	UserID   string `json:"sub"`
	Platform string `json:"platform"`
	jwt.RegisteredClaims
}

// TokenAuthenticator HS256 令牌鉴权：token 的 claims 必须与连接声明的
// platform/userId 一致，防止冒用其他平台身份。
type TokenAuthenticator struct {
	secret []byte
}

func NewTokenAuthenticator(secret string) *TokenAuthenticator {
	return &TokenAuthenticator{secret: []byte(secret)}
}

func (a *TokenAuthenticator) Authenticate(_ context.Context, platform, userID, tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, ErrAuthentication
	}
	claims, err := a.parse(tokenString)
	if err != nil {
		return Identity{}, ErrAuthentication
	}
	if claims.UserID == "" {
		return Identity{}, ErrAuthentication
	}
	// 声明值可省略；给出时必须与 claims 匹配
	if userID != "" && userID != claims.UserID {
		return Identity{}, ErrAuthentication
	}
	if platform != "" && claims.Platform != "" && platform != claims.Platform {
		return Identity{}, ErrAuthentication
	}
	p := claims.Platform
	if p == "" {
		p = platform
	}
	if p == "" {
		return Identity{}, ErrAuthentication
	}
	return Identity{UserID: claims.UserID, Platform: p}, nil
}

// Sign issues a token for the given identity. Used by ops tooling and tests;
// production tokens come from the auth collaborator with the same claims.
func (a *TokenAuthenticator) Sign(userID, platform string, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID:   userID,
		Platform: platform,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *TokenAuthenticator) parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrTokenInvalidClaims
}
