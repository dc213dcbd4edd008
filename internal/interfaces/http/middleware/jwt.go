package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/liana/backend/internal/domain/identity"
	"github.com/liana/backend/internal/domain/shared"
	"github.com/liana/backend/internal/infrastructure/auth"
	"github.com/liana/backend/internal/infrastructure/logger"
	"go.uber.org/zap"
)

// JWT context keys
const (
	JWTClaimsKey  = "jwt_claims"
	JWTUserKey    = "jwt_user"
	AuthHeaderKey = "Authorization"
	BearerPrefix  = "Bearer "
	// SessionCookie carries the token when the UI cannot set the header (file downloads)
	SessionCookie = "forest_session_token"
)

// TokenValidator validates admin UI tokens
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.Claims, error)
}

// JWTMiddlewareConfig holds configuration for JWT middleware
type JWTMiddlewareConfig struct {
	// Tokens is required for token validation
	Tokens TokenValidator
	// SkipPaths are paths that don't require authentication
	SkipPaths []string
	// Logger for middleware logging
	Logger *zap.Logger
}

// DefaultJWTConfig returns default JWT middleware configuration
func DefaultJWTConfig(tokens TokenValidator) JWTMiddlewareConfig {
	return JWTMiddlewareConfig{
		Tokens:    tokens,
		SkipPaths: []string{"/forest", "/forest/"},
	}
}

// JWTAuthMiddleware creates JWT authentication middleware
func JWTAuthMiddleware(tokens TokenValidator) gin.HandlerFunc {
	return JWTAuthMiddlewareWithConfig(DefaultJWTConfig(tokens))
}

// JWTAuthMiddlewareWithConfig creates JWT authentication middleware with custom config
func JWTAuthMiddlewareWithConfig(cfg JWTMiddlewareConfig) gin.HandlerFunc {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		for _, skipPath := range cfg.SkipPaths {
			if path == skipPath {
				c.Next()
				return
			}
		}

		tokenString, ok := extractToken(c)
		if !ok {
			handleAuthError(c, cfg, auth.ErrInvalidToken, "Missing authorization header")
			return
		}

		claims, err := cfg.Tokens.ValidateToken(tokenString)
		if err != nil {
			handleAuthError(c, cfg, err, "Token validation failed")
			return
		}

		user := claims.User()
		c.Set(JWTClaimsKey, claims)
		c.Set(JWTUserKey, user)

		// Also set in request context for logger
		ctx := c.Request.Context()
		ctx, _ = logger.WithUser(ctx, logger.FromContext(ctx), user.IDString(), user.RenderingIDString())
		c.Request = c.Request.WithContext(ctx)

		cfg.Logger.Debug("JWT authentication successful",
			zap.Int64("user_id", user.ID),
			zap.Int64("rendering_id", user.RenderingID),
		)

		c.Next()
	}
}

func extractToken(c *gin.Context) (string, bool) {
	if header := c.GetHeader(AuthHeaderKey); header != "" {
		if !strings.HasPrefix(header, BearerPrefix) {
			return "", false
		}
		token := strings.TrimPrefix(header, BearerPrefix)
		return token, token != ""
	}
	if cookie, err := c.Cookie(SessionCookie); err == nil && cookie != "" {
		return cookie, true
	}
	return "", false
}

// handleAuthError aborts with a 401 JSON:API error
func handleAuthError(c *gin.Context, cfg JWTMiddlewareConfig, err error, message string) {
	cfg.Logger.Warn("JWT authentication failed",
		zap.Error(err),
		zap.String("message", message),
		zap.String("path", c.Request.URL.Path),
	)

	detail := "Invalid token"
	switch {
	case errors.Is(err, auth.ErrExpiredToken):
		detail = "Token has expired"
	case errors.Is(err, auth.ErrTokenNotYetValid):
		detail = "Token is not yet valid"
	case errors.Is(err, auth.ErrMissingUserID), errors.Is(err, auth.ErrMissingRenderingID):
		detail = "Token is missing user information"
	}
	abortWithError(c, shared.NewUnauthorizedError(detail).WithCause(err))
}

// GetJWTClaims retrieves JWT claims from gin.Context
func GetJWTClaims(c *gin.Context) *auth.Claims {
	if claims, exists := c.Get(JWTClaimsKey); exists {
		if jwtClaims, ok := claims.(*auth.Claims); ok {
			return jwtClaims
		}
	}
	return nil
}

// GetUser retrieves the authenticated user from gin.Context
func GetUser(c *gin.Context) (identity.User, bool) {
	if v, exists := c.Get(JWTUserKey); exists {
		if user, ok := v.(identity.User); ok {
			return user, true
		}
	}
	return identity.User{}, false
}

// MustGetUser retrieves the authenticated user or panics if the auth middleware did not run
func MustGetUser(c *gin.Context) identity.User {
	user, ok := GetUser(c)
	if !ok {
		panic("authenticated user not found in context")
	}
	return user
}
