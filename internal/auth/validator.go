// Package auth implements the Admission/Auth shim (spec §4.8): it resolves
// a bearer credential into an Identity and delegates the heavy lifting
// (JWKS fetch/cache, signature/issuer/audience verification) to the
// upstream identity provider. Adapted from the teacher's Auth0 JWKS
// validator (internal/v1/auth/validator.go) — same lestrrat-go/jwx cache +
// golang-jwt/jwt/v5 keyfunc wiring — re-pointed at Clerk's JWKS endpoint
// and returning the {userId, sessionId, orgId} shape the core depends on
// instead of raw claims.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"

	"github.com/liveserver/interaction/internal/logging"
)

// Claims are the JWT claims Clerk issues for a session token.
type Claims struct {
	SessionId string `json:"sid,omitempty"`
	OrgId     string `json:"org_id,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the resolved credential the core depends on. Everything
// past this point treats an Identity as an opaque, already-verified fact;
// it never re-derives it from the raw token.
type Identity struct {
	UserId    string
	SessionId string
	OrgId     string
}

// TokenValidator resolves a bearer token into an Identity or fails with
// liveerr.CodeUnauthenticated (enforced by the transport layer wrapping
// the returned error).
type TokenValidator interface {
	ValidateToken(tokenString string) (*Identity, error)
}

// Validator provides JWT validation functionality against Clerk's JWKS
// endpoint, including key retrieval and issuer verification.
type Validator struct {
	keyFunc jwt.Keyfunc
	issuer  string
}

// NewValidator creates a Validator that verifies Clerk session tokens
// against the JWKS published at https://<frontendAPI>/.well-known/jwks.json.
// It registers the endpoint with a background refresh cache and performs
// one synchronous fetch so construction fails fast if the endpoint is
// unreachable. Additional jwk.RegisterOption values may be supplied for
// testability (e.g. pointing the cache at a local fixture server).
//
// Parameters:
//
//	ctx         - Context for cancellation and timeout control.
//	frontendAPI - Clerk's frontend API host (e.g. "feature-foo.clerk.accounts.dev").
//	regOpts     - Optional jwk.RegisterOption values for JWKS cache registration.
//
// Returns:
//
//	*Validator - A configured Validator ready for JWT validation.
//	error      - An error if any step in the setup fails.
func NewValidator(ctx context.Context, frontendAPI string, regOpts ...jwk.RegisterOption) (*Validator, error) {
	issuerURL, err := url.Parse("https://" + frontendAPI + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer URL: %w", err)
	}

	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)

	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
	opts = append(opts, regOpts...)

	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}

	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}

		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}

		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}

		return pubKey, nil
	}

	return &Validator{keyFunc: keyFunc, issuer: issuerURL.String()}, nil
}

// ValidateToken parses and verifies a Clerk session token, returning the
// resolved Identity. The core depends only on the returned Identity;
// credential validation itself is fully delegated to this method.
func (v *Validator) ValidateToken(tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.keyFunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithValidMethods([]string{"RS256"}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("failed to cast claims to Claims")
	}

	return &Identity{UserId: claims.Subject, SessionId: claims.SessionId, OrgId: claims.OrgId}, nil
}

// GetAllowedOriginsFromEnv reads a comma-separated CORS origin allowlist
// from envVarName, falling back to defaultEnvs for local development.
func GetAllowedOriginsFromEnv(envVarName string, defaultEnvs []string) []string {
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.Warn(context.Background(), fmt.Sprintf("%s environment variable not set. Using default development origins:\n%s", envVarName, defaultEnvs))
		return defaultEnvs
	}
	return strings.Split(originsStr, ",")
}

// MockValidator is a development-only token validator that accepts any
// token, extracting the real 'sub' claim (if present) so the resolved
// UserId matches what the frontend sent.
type MockValidator struct{}

func (m *MockValidator) ValidateToken(tokenString string) (*Identity, error) {
	var subject, sessionId string

	parts := strings.Split(tokenString, ".")
	if len(parts) == 3 {
		payload, err := base64.RawURLEncoding.DecodeString(parts[1])
		if err == nil {
			var claims map[string]interface{}
			if json.Unmarshal(payload, &claims) == nil {
				if sub, ok := claims["sub"].(string); ok {
					subject = sub
				}
				if sid, ok := claims["sid"].(string); ok {
					sessionId = sid
				}
				logging.Info(context.Background(), "MockValidator parsed JWT", zap.String("subject", subject), zap.String("sessionId", sessionId))
			}
		}
	}

	if subject == "" {
		subject = "dev-user-123"
	}
	if sessionId == "" {
		sessionId = "dev-session-123"
	}

	return &Identity{UserId: subject, SessionId: sessionId}, nil
}
