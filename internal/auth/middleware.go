package auth

import (
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/logger"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/models"
)

var middlewareTracer = otel.Tracer("auth-middleware")

// Gin context keys set by RequireAuth.
const (
	UserIDKey    = "user_id"
	UserEmailKey = "user_email"
	UserRolesKey = "user_roles"
	ClaimsKey    = "claims"
)

// BearerToken returns the token from an "Authorization: Bearer <token>"
// header, or "" when the header is absent or malformed.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// RequireAuth validates the bearer token and stores the claims on the gin
// context.
func RequireAuth(jwtManager *JWTManager, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := middlewareTracer.Start(c.Request.Context(), "auth.require_auth")
		defer span.End()

		token := BearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			span.SetAttributes(attribute.Bool("auth.token_present", false))
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.NewErrorResponse(models.ErrCodeUnauthorized, "Missing or invalid authorization header", nil))
			return
		}
		span.SetAttributes(attribute.Bool("auth.token_present", true))

		claims, err := jwtManager.ValidateToken(ctx, token)
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.Bool("auth.token_valid", false))
			log.Warn("invalid token", "error", err, "path", c.FullPath())
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.NewErrorResponse(models.ErrCodeUnauthorized, "Invalid or expired token", nil))
			return
		}

		span.SetAttributes(
			attribute.Bool("auth.token_valid", true),
			attribute.String("user.id", claims.UserID),
		)
		c.Set(UserIDKey, claims.UserID)
		c.Set(UserEmailKey, claims.Email)
		c.Set(UserRolesKey, claims.Roles)
		c.Set(ClaimsKey, claims)

		log.Debug("user authenticated", "user_id", claims.UserID, "path", c.FullPath(), "method", c.Request.Method)
		c.Next()
	}
}

// RequireRole allows the request when the authenticated user holds any of
// roles. It must run after RequireAuth.
func RequireRole(log *logger.Logger, roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := middlewareTracer.Start(c.Request.Context(), "auth.require_role")
		defer span.End()
		span.SetAttributes(attribute.StringSlice("required.roles", roles))

		value, exists := c.Get(UserRolesKey)
		held, ok := value.([]string)
		if !exists || !ok {
			span.SetAttributes(attribute.Bool("auth.role_authorized", false))
			c.AbortWithStatusJSON(http.StatusForbidden, models.NewErrorResponse(models.ErrCodeForbidden, "User roles not found", nil))
			return
		}

		for _, r := range held {
			if slices.Contains(roles, r) {
				span.SetAttributes(attribute.Bool("auth.role_authorized", true))
				c.Next()
				return
			}
		}

		span.SetAttributes(attribute.Bool("auth.role_authorized", false))
		log.Warn("insufficient permissions", "user_id", c.GetString(UserIDKey), "required_roles", strings.Join(roles, ","))
		c.AbortWithStatusJSON(http.StatusForbidden, models.NewErrorResponse(models.ErrCodeForbidden, "Insufficient permissions", nil))
	}
}
