package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// clockSkew is tolerated on exp and nbf.
const clockSkew = 30 * time.Second

// JWKSClientInterface validates bearer tokens.
type JWKSClientInterface interface {
	// ValidateToken verifies a token and returns its claims.
	ValidateToken(tokenString string) (*Claims, error)
	// Close stops background key refresh.
	Close()
}

// JWKSConfig configures the JWKS client.
type JWKSConfig struct {
	// EnableVerification false parses tokens without checking signatures.
	EnableVerification bool
	// JWKSEndpoints maps each trusted issuer to its JWKS URL.
	JWKSEndpoints map[string]string
	// Audience, when set, must appear in the token's aud claim.
	Audience string
}

// JWKSClient verifies tokens against the key sets of trusted issuers.
// Key sets are refreshed in the background until Close is called.
type JWKSClient struct {
	keys   map[string]keyfunc.Keyfunc
	config *JWKSConfig
	cancel context.CancelFunc
}

// NewJWKSClient fetches the key set of every configured issuer. An issuer
// whose endpoint cannot be loaded fails construction.
func NewJWKSClient(config *JWKSConfig) (*JWKSClient, error) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &JWKSClient{
		keys:   make(map[string]keyfunc.Keyfunc),
		config: config,
		cancel: cancel,
	}
	if !config.EnableVerification {
		return client, nil
	}

	for issuer, jwksURL := range config.JWKSEndpoints {
		kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create JWKS client for %s: %w", issuer, err)
		}
		client.keys[issuer] = kf
	}
	return client, nil
}

// NewStaticJWKSClient trusts one issuer with a fixed JSON key set. Offline
// deployments and tests use it in place of a JWKS endpoint.
func NewStaticJWKSClient(issuer string, jwksJSON json.RawMessage, audience string) (*JWKSClient, error) {
	kf, err := keyfunc.NewJWKSetJSON(jwksJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to parse key set for %s: %w", issuer, err)
	}
	return &JWKSClient{
		keys: map[string]keyfunc.Keyfunc{issuer: kf},
		config: &JWKSConfig{
			EnableVerification: true,
			JWKSEndpoints:      map[string]string{issuer: "static"},
			Audience:           audience,
		},
		cancel: func() {},
	}, nil
}

// ValidateToken checks the signature (RS256 or ES256 family) against the
// issuer's keys, then expiry and audience. With verification disabled the
// token is only decoded.
func (c *JWKSClient) ValidateToken(tokenString string) (*Claims, error) {
	if !c.config.EnableVerification {
		return c.parseUnverifiedToken(tokenString)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384"}),
		jwt.WithLeeway(clockSkew),
		jwt.WithExpirationRequired(),
	}
	if c.config.Audience != "" {
		opts = append(opts, jwt.WithAudience(c.config.Audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		claims, ok := token.Claims.(*Claims)
		if !ok {
			return nil, errors.New("invalid claims type")
		}
		kf, ok := c.keys[claims.Issuer]
		if !ok {
			return nil, fmt.Errorf("unauthorized issuer: %s", claims.Issuer)
		}
		return kf.Keyfunc(token)
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	return claims, nil
}

func (c *JWKSClient) parseUnverifiedToken(tokenString string) (*Claims, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, _, err := parser.ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	return claims, nil
}

// Close stops key refresh. Safe to call more than once.
func (c *JWKSClient) Close() {
	c.cancel()
}

var _ JWKSClientInterface = (*JWKSClient)(nil)
