package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultTokenTTL = 30 * time.Minute

	// ScopeDeliveriesSync is the only scope the remote store honours.
	ScopeDeliveriesSync = "deliveries:sync"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
	errMissingScope         = errors.New("token lacks the deliveries:sync scope")

	// ErrMissingToken indicates that no bearer token was presented.
	ErrMissingToken = errors.New("auth: token required")
	// ErrInvalidToken indicates a malformed, mis-signed or misaddressed token.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrExpiredToken indicates a well-formed token past its expiry.
	ErrExpiredToken = errors.New("auth: token expired")
)

// deviceClaims binds a device subject to the scopes it may use.
type deviceClaims struct {
	Scopes []string `json:"scp"`
	jwt.RegisteredClaims
}

// TokenIssuerConfig configures the HS256 issuer shared by devices and the remote store.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer mints device tokens and validates them on the remote store side.
type TokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	clock    func() time.Time
}

func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		secret:   append([]byte(nil), cfg.SigningSecret...),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      ttl,
		clock:    clock,
	}, nil
}

// Issue mints a sync-scoped token for a device subject and reports its expiry.
func (i *TokenIssuer) Issue(_ context.Context, subject string) (string, time.Time, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", time.Time{}, errMissingSubjectClaim
	}

	issuedAt := i.clock().UTC()
	expiresAt := issuedAt.Add(i.ttl)
	claims := deviceClaims{
		Scopes: []string{ScopeDeliveriesSync},
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign device token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateToken checks signature, audience, issuer, expiry and scope and
// returns the device subject.
func (i *TokenIssuer) ValidateToken(tokenString string) (string, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return "", ErrMissingToken
	}

	var claims deviceClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims,
		func(*jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
		jwt.WithExpirationRequired(),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", ErrExpiredToken
	case err != nil:
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	case claims.Subject == "":
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, errMissingSubjectClaim)
	case !slices.Contains(claims.Scopes, ScopeDeliveriesSync):
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, errMissingScope)
	}
	return claims.Subject, nil
}
