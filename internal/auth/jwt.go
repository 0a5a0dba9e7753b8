package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenExpiry はアクセストークン（JWT）のexpクレームを返す。
// 署名は認証サービス側で検証されるため、ここでは検証しない。
func tokenExpiry(token string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
