// Package token 签发与校验桥接令牌
//
// 引擎配置了 secret 时，前端在 WebSocket 握手中携带
// Authorization: Bearer <HS256 JWT>，引擎用同一 secret 校验。
package token

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	coreerrors "miqo-core/internal/core/errors"
)

// Audience 令牌的受众，防止其他用途的令牌被误用
const Audience = "miqo-engine"

// DefaultTTL 令牌有效期，仅用于握手
const DefaultTTL = 5 * time.Minute

// Claims 桥接令牌声明
type Claims struct {
	jwt.RegisteredClaims
}

// Issue 为 subject 签发令牌
func Issue(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", coreerrors.New(coreerrors.CodeInvalidParam, "token secret is empty")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", coreerrors.Wrap(err, coreerrors.CodeInternal, "sign bridge token")
	}
	return signed, nil
}

// Verify 校验签名、受众与有效期
func Verify(secret, raw string) (*Claims, error) {
	if raw == "" {
		return nil, coreerrors.New(coreerrors.CodeUnauthorized, "missing bridge token")
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeUnauthorized, "invalid bridge token")
	}
	return claims, nil
}

// Header 握手请求头
func Header(raw string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+raw)
	return h
}

// FromRequest 取出 Bearer 令牌，没有时返回空串
func FromRequest(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}
