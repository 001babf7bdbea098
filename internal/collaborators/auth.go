package collaborators

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// jwtClaims mirrors the access token issued by the out-of-scope auth
// service; the core only ever verifies these, it never mints them.
type jwtClaims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Guest    bool   `json:"guest"`
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies HS256 access tokens signed by the external
// auth service, adapted from streamspace's auth/jwt.go ValidateToken down
// to verification only (core never issues or refreshes tokens).
type JWTAuthenticator struct {
	secretKey []byte
	issuer    string
}

// NewJWTAuthenticator builds an Authenticator bound to secretKey. issuer,
// if non-empty, is checked against the token's iss claim.
func NewJWTAuthenticator(secretKey, issuer string) *JWTAuthenticator {
	return &JWTAuthenticator{secretKey: []byte(secretKey), issuer: issuer}
}

// VerifyAccessToken parses and validates token, rejecting anything not
// signed with HMAC (blocks the classic alg:none / alg-substitution attack).
func (a *JWTAuthenticator) VerifyAccessToken(ctx context.Context, token string) (*AuthResult, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwtClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("verify access token: %w", err)
	}

	claims, ok := parsed.Claims.(*jwtClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid access token")
	}
	if a.issuer != "" && claims.Issuer != a.issuer {
		return nil, fmt.Errorf("unexpected token issuer %q", claims.Issuer)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("token missing user_id claim")
	}

	return &AuthResult{UserID: claims.UserID, Username: claims.Username, IsGuest: claims.Guest}, nil
}
