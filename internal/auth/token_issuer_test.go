package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestIssuer(t *testing.T, clock func() time.Time) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "courier-auth",
		Audience:      "courier-api",
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return issuer
}

func TestTokenIssuerIssuesBearerTokens(t *testing.T) {
	issuer := newTestIssuer(t, nil)

	tokenString, expiresAt, err := issuer.Issue(context.Background(), "device-123")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if !expiresAt.After(time.Now()) {
		t.Fatalf("expected expiry in the future, got %v", expiresAt)
	}

	parser := jwt.Parser{}
	claims := &jwt.RegisteredClaims{}

	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}

	if claims.Subject != "device-123" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != "courier-auth" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "courier-api" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestTokenIssuerRejectsMissingSecret(t *testing.T) {
	_, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: nil,
		Issuer:        "courier-auth",
		Audience:      "courier-api",
	})
	if err == nil {
		t.Fatalf("expected error when signing secret is missing")
	}
}

func TestTokenIssuerRejectsMissingSubject(t *testing.T) {
	issuer := newTestIssuer(t, nil)
	if _, _, err := issuer.Issue(context.Background(), "  "); err == nil {
		t.Fatalf("expected error when subject is missing")
	}
}

func TestValidateTokenRoundTrip(t *testing.T) {
	issuer := newTestIssuer(t, nil)
	tokenString, _, err := issuer.Issue(context.Background(), "device-9")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	subject, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected token to validate: %v", err)
	}
	if subject != "device-9" {
		t.Fatalf("unexpected subject %s", subject)
	}
}

func TestValidateTokenClassifiesFailures(t *testing.T) {
	issuedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := issuedAt
	issuer := newTestIssuer(t, func() time.Time { return now })
	tokenString, _, err := issuer.Issue(context.Background(), "device-9")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	if _, err := issuer.ValidateToken(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
	if _, err := issuer.ValidateToken("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}

	other, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("other-secret"),
		Issuer:        "courier-auth",
		Audience:      "courier-api",
		Clock:         func() time.Time { return issuedAt },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, err := other.ValidateToken(tokenString); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected signature mismatch to be invalid, got %v", err)
	}

	now = issuedAt.Add(time.Hour)
	if _, err := issuer.ValidateToken(tokenString); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestValidateTokenRequiresSyncScope(t *testing.T) {
	issuer := newTestIssuer(t, nil)
	now := time.Now().UTC()
	unscoped := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "device-9",
		Issuer:    "courier-auth",
		Audience:  jwt.ClaimStrings{"courier-api"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	})
	tokenString, err := unscoped.SignedString([]byte("super-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	if _, err := issuer.ValidateToken(tokenString); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected unscoped token to be invalid, got %v", err)
	}
}
