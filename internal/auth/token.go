package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Reason 区分令牌失败原因，客户端据此决定是否重新登录。
type Reason string

const (
	ReasonMissing   Reason = "token_missing"
	ReasonExpired   Reason = "token_expired"
	ReasonMalformed Reason = "token_malformed"
)

// Error 连接鉴权失败。
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Identity 令牌中解析出的调用方。UserID 为空表示匿名（声纹登录流程）。
type Identity struct {
	UserID    string
	Name      string
	ExpiresAt time.Time
}

// Claims 连接令牌的载荷。
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// Verifier 校验 HS256 签名的限时令牌。
type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
}

func NewVerifier(secret, issuer string, leeway time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, leeway: leeway}
}

// Verify 校验令牌并返回调用方身份，失败时返回 *Error。
func (v *Verifier) Verify(raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, &Error{Reason: ReasonMissing}
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, &Error{Reason: ReasonExpired, Err: err}
		}
		return Identity{}, &Error{Reason: ReasonMalformed, Err: err}
	}

	identity := Identity{UserID: claims.Subject, Name: claims.Name}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	return identity, nil
}

// BearerToken 从 Authorization 头中取出令牌。
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
