package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func signToken(t *testing.T, secret, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestValidateTokenWithSecret(t *testing.T) {
	v := NewTokenValidator("topsecret")

	userID, err := v.ValidateToken(signToken(t, "topsecret", "user-42"))
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if userID != "user-42" {
		t.Errorf("expected user-42, got %q", userID)
	}
}

func TestValidateTokenWrongSecret(t *testing.T) {
	v := NewTokenValidator("topsecret")

	if _, err := v.ValidateToken(signToken(t, "wrong", "user-42")); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidateTokenMissing(t *testing.T) {
	v := NewTokenValidator("topsecret")

	if _, err := v.ValidateToken(""); !errors.Is(err, ErrMissingToken) {
		t.Errorf("expected ErrMissingToken, got %v", err)
	}
}

func TestValidateTokenGarbage(t *testing.T) {
	v := NewTokenValidator("topsecret")

	if _, err := v.ValidateToken("not.a.jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidateTokenExpired(t *testing.T) {
	claims := jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("topsecret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	v := NewTokenValidator("topsecret")
	if _, err := v.ValidateToken(signed); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestDevModeExtractsSubject(t *testing.T) {
	v := NewTokenValidator("")

	userID, err := v.ValidateToken(signToken(t, "anything", "dev-user"))
	if err != nil {
		t.Fatalf("dev mode validation failed: %v", err)
	}
	if userID != "dev-user" {
		t.Errorf("expected dev-user, got %q", userID)
	}
}

func TestDevModeRequiresSubject(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{})
	signed, err := token.SignedString([]byte("x"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	v := NewTokenValidator("")
	if _, err := v.ValidateToken(signed); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken without subject, got %v", err)
	}
}
