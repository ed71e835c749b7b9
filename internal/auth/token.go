package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// errNoExpiry はトークンにexpクレームが含まれないことを示す。
var errNoExpiry = errors.New("token has no exp claim")

// tokenExpiry はアクセストークンに埋め込まれた有効期限を取り出す。
// 署名はサーバー側で検証されるため、ここではペイロードのデコードのみ行う。
func tokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("failed to decode access token: %w", err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid exp claim: %w", err)
	}
	if exp == nil {
		return time.Time{}, errNoExpiry
	}
	return exp.Time, nil
}

// TokenSubject はアクセストークンのユーザー名（nameid / unique_name / sub）を返す。
// 取り出せない場合は空文字を返す。
func TokenSubject(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	for _, key := range []string{"nameid", "unique_name", "sub"} {
		if v, ok := claims[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
