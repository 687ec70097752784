package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/crowsandbox/crow/internal/logging"
	"github.com/crowsandbox/crow/pkg/auth"

	"github.com/gin-gonic/gin"
)

const (
	claimsKey    = "claims"
	principalKey = "principal"
)

// AuthMiddleware requires a valid bearer token. A nil validator lets every
// request through; config validation only allows that in dev.
func AuthMiddleware(validator auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if validator == nil {
			c.Next()
			return
		}
		claims, err := validateBearer(validator, c.GetHeader("Authorization"))
		if err != nil {
			c.Header("WWW-Authenticate", `Bearer realm="crow"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(claimsKey, claims)
		c.Set(principalKey, claims.Principal())
		ctx := logging.ContextAttrs(c.Request.Context(), slog.String("principal", claims.Principal()))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireScope rejects callers whose token lacks scope. Without auth
// configured there are no claims and the check is skipped.
func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, ok := c.Get(claimsKey)
		if !ok {
			c.Next()
			return
		}
		claims, _ := v.(*auth.Claims)
		if claims != nil && len(claims.Scopes) > 0 && !claims.HasScope(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "missing scope " + scope})
			return
		}
		c.Next()
	}
}

func validateBearer(validator auth.Validator, authHeader string) (*auth.Claims, error) {
	if strings.TrimSpace(authHeader) == "" {
		return nil, errors.New("missing Authorization header")
	}
	token := bearerToken(authHeader)
	if token == "" {
		return nil, errors.New("invalid Authorization format")
	}
	return validator.Validate(token)
}

func bearerToken(authHeader string) string {
	parts := strings.SplitN(strings.TrimSpace(authHeader), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
