// Package token verifies and issues the bearer tokens that carry a
// request's identity and tenant selection.
package token

import (
	"errors"
	"strings"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers malformed structure, bad signature and expiry.
// Callers at the authentication boundary degrade this to anonymous; it
// never propagates past that boundary.
var ErrInvalidToken = errors.New("token: invalid token")

// Claims is the decoded identity carried by a bearer token. A token is
// valid for exactly one tenant context; TenantKey is empty for callers
// operating only on the manager store.
type Claims struct {
	SubjectID int64
	Username  string
	Role      string
	TenantKey string
	ExpiresAt time.Time
}

// Codec signs and verifies HS256 tokens with a shared secret.
type Codec struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewCodec constructs a Codec. ttl applies to issued tokens only.
func NewCodec(secret, issuer string, ttl time.Duration) *Codec {
	return &Codec{secret: []byte(secret), issuer: issuer, ttl: ttl}
}

// Issue signs a token for the given identity.
func (c *Codec) Issue(claims Claims) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(c.ttl)
	tk := jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, jwtv5.MapClaims{
		"iss":      c.issuer,
		"sub":      claims.SubjectID,
		"username": claims.Username,
		"role":     claims.Role,
		"tenant":   claims.TenantKey,
		"iat":      now.Unix(),
		"exp":      exp.Unix(),
	})
	signed, err := tk.SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Decode verifies signature and expiry and extracts the identity claims.
func (c *Codec) Decode(raw string) (Claims, error) {
	tok, err := jwtv5.Parse(raw, func(t *jwtv5.Token) (any, error) {
		return c.secret, nil
	}, jwtv5.WithValidMethods([]string{"HS256"}), jwtv5.WithExpirationRequired())
	if err != nil || !tok.Valid {
		return Claims{}, ErrInvalidToken
	}

	mc, ok := tok.Claims.(jwtv5.MapClaims)
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	if c.issuer != "" {
		if iss, _ := mc["iss"].(string); iss != c.issuer {
			return Claims{}, ErrInvalidToken
		}
	}

	sub, ok := mc["sub"].(float64)
	if !ok || sub <= 0 {
		return Claims{}, ErrInvalidToken
	}
	expf, ok := mc["exp"].(float64)
	if !ok {
		return Claims{}, ErrInvalidToken
	}

	claims := Claims{
		SubjectID: int64(sub),
		ExpiresAt: time.Unix(int64(expf), 0).UTC(),
	}
	claims.Username, _ = mc["username"].(string)
	claims.Role, _ = mc["role"].(string)
	claims.TenantKey, _ = mc["tenant"].(string)
	return claims, nil
}

// TryDecode decodes the Authorization header value if one is present.
// An absent header is not an error at this layer: callers decide whether
// anonymous access is permitted for the operation. A present but invalid
// token still fails.
func (c *Codec) TryDecode(authorization string) (*Claims, error) {
	authorization = strings.TrimSpace(authorization)
	if authorization == "" {
		return nil, nil
	}
	raw := authorization
	if len(authorization) > 7 && strings.EqualFold(authorization[:7], "Bearer ") {
		raw = strings.TrimSpace(authorization[7:])
	}
	claims, err := c.Decode(raw)
	if err != nil {
		return nil, err
	}
	return &claims, nil
}
