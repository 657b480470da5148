package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultRefreshSkew = 30 * time.Second

var (
	errMissingIssuer = errors.New("token issuer is required")
	errMissingStatic = errors.New("static token must not be empty")
)

// IssuerCredentialsConfig wires a self-minting credential provider.
type IssuerCredentialsConfig struct {
	Issuer      *TokenIssuer
	Subject     string
	RefreshSkew time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// IssuerCredentials caches a minted bearer token and replaces it shortly
// before expiry or after the remote store refuses it.
type IssuerCredentials struct {
	issuer      *TokenIssuer
	subject     string
	refreshSkew time.Duration
	clock       func() time.Time
	logger      *zap.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewIssuerCredentials constructs an IssuerCredentials provider.
func NewIssuerCredentials(cfg IssuerCredentialsConfig) (*IssuerCredentials, error) {
	if cfg.Issuer == nil {
		return nil, errMissingIssuer
	}
	subject := strings.TrimSpace(cfg.Subject)
	if subject == "" {
		return nil, errMissingSubjectClaim
	}
	skew := cfg.RefreshSkew
	if skew <= 0 {
		skew = defaultRefreshSkew
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IssuerCredentials{
		issuer:      cfg.Issuer,
		subject:     subject,
		refreshSkew: skew,
		clock:       clock,
		logger:      logger,
	}, nil
}

// Token returns the cached token or mints a new one.
func (c *IssuerCredentials) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.clock().Add(c.refreshSkew).Before(c.expiresAt) {
		return c.token, nil
	}
	token, expiresAt, err := c.issuer.Issue(ctx, c.subject)
	if err != nil {
		return "", err
	}
	c.token = token
	c.expiresAt = expiresAt
	c.logger.Debug("bearer token refreshed", zap.Time("expires_at", expiresAt))
	return token, nil
}

// Invalidate drops the cached token so the next call mints a fresh one.
func (c *IssuerCredentials) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}

// StaticCredentials presents a fixed, externally provisioned token.
type StaticCredentials struct {
	token string
}

// NewStaticCredentials constructs a StaticCredentials provider.
func NewStaticCredentials(token string) (*StaticCredentials, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errMissingStatic
	}
	return &StaticCredentials{token: token}, nil
}

// Token returns the fixed token.
func (c *StaticCredentials) Token(context.Context) (string, error) {
	return c.token, nil
}

// Invalidate is a no-op: a static token can only be replaced by reconfiguration.
func (c *StaticCredentials) Invalidate() {}
