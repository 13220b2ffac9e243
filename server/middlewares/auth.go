package middlewares

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	oidcV3 "github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"
	config "github.com/synapse-agents/synapse/server/config"
	"go.uber.org/zap"
)

type contextKey string

const (
	// AuthTokenContextKey carries the verified bearer token.
	AuthTokenContextKey contextKey = "authToken"
	// IDTokenContextKey carries the verified OIDC id token.
	IDTokenContextKey contextKey = "idToken"
)

// APIKeyHeader is the header checked in api-key mode.
const APIKeyHeader = "X-Api-Key"

// Authenticator gates A2A endpoints.
type Authenticator interface {
	Middleware() gin.HandlerFunc
}

// AuthenticatorNoop is used when auth is disabled.
type AuthenticatorNoop struct{}

// Middleware returns a pass-through handler for AuthenticatorNoop
func (a *AuthenticatorNoop) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
	}
}

// AuthenticatorImpl implements api-key and OIDC bearer authentication.
// Wrappers mostly talk to siblings on the same host, so localhost callers
// may be allow-listed to keep the host CLI working with auth on.
type AuthenticatorImpl struct {
	logger         *zap.Logger
	apiKey         string
	verifier       *oidcV3.IDTokenVerifier
	allowLocalhost bool
}

// NewAuthenticatorMiddleware creates the authenticator selected by cfg. With
// auth disabled, or enabled but missing both an API key and an OIDC issuer,
// a no-op authenticator is returned.
func NewAuthenticatorMiddleware(logger *zap.Logger, cfg config.AuthConfig) (Authenticator, error) {
	if !cfg.Enable {
		return &AuthenticatorNoop{}, nil
	}

	if cfg.APIKey == "" && cfg.IssuerURL == "" {
		logger.Warn("auth is enabled but neither an api key nor an oidc issuer is configured, disabling authentication")
		return &AuthenticatorNoop{}, nil
	}

	auth := &AuthenticatorImpl{
		logger:         logger,
		apiKey:         cfg.APIKey,
		allowLocalhost: cfg.AllowLocalhost,
	}

	if cfg.IssuerURL != "" {
		provider, err := oidcV3.NewProvider(context.Background(), cfg.IssuerURL)
		if err != nil {
			return nil, err
		}
		auth.verifier = provider.Verifier(&oidcV3.Config{ClientID: cfg.ClientID})
	}

	return auth, nil
}

// Middleware returns the authentication middleware for AuthenticatorImpl
func (a *AuthenticatorImpl) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.allowLocalhost && isLocalRequest(c.Request) {
			c.Next()
			return
		}

		if a.apiKey != "" {
			key := c.GetHeader(APIKeyHeader)
			if key != "" && subtle.ConstantTimeCompare([]byte(key), []byte(a.apiKey)) == 1 {
				c.Next()
				return
			}
		}

		if a.verifier != nil {
			authHeader := c.GetHeader("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				a.logger.Error("missing or malformed authorization header")
				c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
				c.Abort()
				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")
			idToken, err := a.verifier.Verify(c.Request.Context(), token)
			if err != nil {
				a.logger.Error("failed to verify id token", zap.Error(err))
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				c.Abort()
				return
			}

			c.Set(string(AuthTokenContextKey), token)
			c.Set(string(IDTokenContextKey), idToken)
			c.Next()
			return
		}

		a.logger.Error("request rejected, no valid credentials presented")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		c.Abort()
	}
}

// isLocalRequest reports whether the request arrived over the loopback
// interface or the unix socket (which gin reports with an empty RemoteAddr
// or a pipe address).
func isLocalRequest(r *http.Request) bool {
	if r.RemoteAddr == "" || r.RemoteAddr == "@" {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
