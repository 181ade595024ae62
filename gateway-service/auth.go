package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/nordeim/sparkle-gateway/pkg/events"
)

// ErrAuthUnavailable marks validator-side outages. The gateway fails
// closed on it: the connection is rejected with AUTH_UNAVAILABLE, never
// admitted.
var ErrAuthUnavailable = errors.New("auth validator unavailable")

// TokenValidator resolves a bearer credential to an identity, or rejects
// it. It must complete before any other handler attaches to a connection.
type TokenValidator interface {
	Validate(ctx context.Context, credential string) (events.Identity, error)
}

// sessionClaims are the identity-provider claims the gateway cares about.
type sessionClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string `json:"preferred_username"`
}

// JWKSValidator validates session tokens against the identity provider's
// published JWKS.
type JWKSValidator struct {
	jwks   *keyfunc.JWKS
	issuer string
}

// NewJWKSValidator fetches and caches the JWKS, retrying while the
// identity provider comes up.
func NewJWKSValidator(jwksURL, issuer string) (*JWKSValidator, error) {
	slog.Info("Initializing JWKS validator", "jwks_url", jwksURL)

	var jwks *keyfunc.JWKS
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			Ctx:                 context.Background(),
			RefreshInterval:     5 * time.Minute,
			RefreshRateLimit:    1 * time.Minute,
			RefreshUnknownKID:   true,
			RefreshErrorHandler: func(err error) { slog.Error("JWKS refresh error", "error", err) },
		})
		if err == nil {
			break
		}
		slog.Info("Waiting for identity provider JWKS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS after retries: %w", err)
	}

	slog.Info("JWKS loaded", "jwks_url", jwksURL)
	return &JWKSValidator{jwks: jwks, issuer: issuer}, nil
}

// Validate parses and verifies a session token. The subject claim is the
// user id; preferred_username falls back to the subject when absent.
func (v *JWKSValidator) Validate(_ context.Context, credential string) (events.Identity, error) {
	claims := &sessionClaims{}

	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(credential, claims, v.jwks.Keyfunc, opts...)
	if err != nil {
		return events.Identity{}, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return events.Identity{}, errors.New("token is not valid")
	}
	if claims.Subject == "" {
		return events.Identity{}, errors.New("token has no subject")
	}

	username := claims.PreferredUsername
	if username == "" {
		username = claims.Subject
	}
	return events.Identity{UserID: claims.Subject, Username: username}, nil
}

// Close shuts down the JWKS background refresh goroutine.
func (v *JWKSValidator) Close() {
	v.jwks.EndBackground()
}

// credentialFromRequest pulls the bearer credential from the Authorization
// header or, for browser websocket clients that cannot set headers, the
// token query parameter.
func credentialFromRequest(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return r.URL.Query().Get("token")
}
