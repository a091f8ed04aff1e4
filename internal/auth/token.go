// Package auth 签发与校验沙箱回调使用的短期 JWT。
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SandboxScope 沙箱 token 的权限范围：只能回写所属 run 的心跳、事件与 checkpoint。
const SandboxScope = "sandbox"

// SandboxClaims 沙箱 token 声明。
type SandboxClaims struct {
	RunID  string `json:"run_id"`
	UserID string `json:"user_id"`
	Scope  string `json:"scope"`
	jwt.RegisteredClaims
}

// TokenIssuer HS256 沙箱 token 签发器。
type TokenIssuer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewTokenIssuer 创建签发器。
func NewTokenIssuer(secret, issuer string) (*TokenIssuer, error) {
	if len(secret) < 32 {
		return nil, errors.New("sandbox token secret must be at least 32 bytes")
	}
	if issuer == "" {
		issuer = "agentrun"
	}
	return &TokenIssuer{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Issue 为 run 签发 token。
func (i *TokenIssuer) Issue(runID, userID string, ttl time.Duration) (string, error) {
	now := i.now()
	claims := SandboxClaims{
		RunID:  runID,
		UserID: userID,
		Scope:  SandboxScope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign sandbox token: %w", err)
	}
	return signed, nil
}

// Verify 校验 token 并返回声明。
func (i *TokenIssuer) Verify(tokenStr string) (*SandboxClaims, error) {
	claims := &SandboxClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if claims.Scope != SandboxScope || claims.RunID == "" {
		return nil, errors.New("token is not a sandbox token")
	}
	return claims, nil
}
