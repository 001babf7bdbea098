package collaborators

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signTestToken(t *testing.T, secret []byte, claims jwtClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(secret)
	if err != nil {
		t.Fatalf("sign test token: %v", err)
	}
	return signed
}

func TestVerifyAccessToken_Valid(t *testing.T) {
	secret := []byte("test-secret")
	auth := NewJWTAuthenticator(string(secret), "")

	token := signTestToken(t, secret, jwtClaims{
		UserID:   "user-1",
		Username: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	result, err := auth.VerifyAccessToken(context.Background(), token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.UserID != "user-1" || result.Username != "alice" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestVerifyAccessToken_Expired(t *testing.T) {
	secret := []byte("test-secret")
	auth := NewJWTAuthenticator(string(secret), "")

	token := signTestToken(t, secret, jwtClaims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})

	if _, err := auth.VerifyAccessToken(context.Background(), token); err == nil {
		t.Fatal("expected an error for an expired token")
	}
}

func TestVerifyAccessToken_WrongSecret(t *testing.T) {
	auth := NewJWTAuthenticator("real-secret", "")

	token := signTestToken(t, []byte("wrong-secret"), jwtClaims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	if _, err := auth.VerifyAccessToken(context.Background(), token); err == nil {
		t.Fatal("expected an error for a token signed with the wrong secret")
	}
}

func TestVerifyAccessToken_RejectsAlgNone(t *testing.T) {
	auth := NewJWTAuthenticator("real-secret", "")

	claims := jwtClaims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("build alg:none token: %v", err)
	}

	if _, err := auth.VerifyAccessToken(context.Background(), token); err == nil {
		t.Fatal("expected alg:none token to be rejected")
	}
}

func TestVerifyAccessToken_IssuerMismatch(t *testing.T) {
	secret := []byte("test-secret")
	auth := NewJWTAuthenticator(string(secret), "driftline-auth")

	token := signTestToken(t, secret, jwtClaims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	if _, err := auth.VerifyAccessToken(context.Background(), token); err == nil {
		t.Fatal("expected an error for a mismatched issuer")
	}
}

func TestVerifyAccessToken_MissingUserID(t *testing.T) {
	secret := []byte("test-secret")
	auth := NewJWTAuthenticator(string(secret), "")

	token := signTestToken(t, secret, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	if _, err := auth.VerifyAccessToken(context.Background(), token); err == nil {
		t.Fatal("expected an error for a token missing user_id")
	}
}
