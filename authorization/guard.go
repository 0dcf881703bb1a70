package authorization

import (
	"net/http"
	"slices"
	"strings"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
)

// Guard is what other modules use to protect their routes.
type Guard struct {
	jwt *jwt.GinJWTMiddleware
}

func NewGuard(jwtMiddleware *jwt.GinJWTMiddleware) *Guard {
	if jwtMiddleware == nil {
		return nil
	}
	return &Guard{jwt: jwtMiddleware}
}

func (m *Module) Guard() *Guard {
	if m == nil {
		return nil
	}
	return NewGuard(m.jwtMiddleware)
}

// RequireAuthenticated rejects requests without a valid token. A nil guard
// rejects everything.
func (g *Guard) RequireAuthenticated() gin.HandlerFunc {
	if g == nil || g.jwt == nil {
		return func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		}
	}
	return g.jwt.MiddlewareFunc()
}

// RequireAnyRole must run after RequireAuthenticated. Roles come from the
// token, so a role granted after login applies on the next login.
func (g *Guard) RequireAnyRole(roles ...string) gin.HandlerFunc {
	required := make([]string, 0, len(roles))
	for _, role := range roles {
		if role = normalizeRole(role); role != "" {
			required = append(required, role)
		}
	}
	message := "insufficient privileges"
	if len(required) > 0 {
		message = strings.Join(required, " or ") + " role required"
	}

	return func(c *gin.Context) {
		if len(required) == 0 {
			c.Next()
			return
		}
		claims := jwt.ExtractClaims(c)
		if len(claims) == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		held := extractRoles(claims)
		if slices.ContainsFunc(held, func(role string) bool {
			return slices.Contains(required, normalizeRole(role))
		}) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": message})
	}
}

func (g *Guard) RequireRole(role string) gin.HandlerFunc {
	return g.RequireAnyRole(role)
}

// Principal returns the authenticated user's normalized email, or "" when the
// request carries no valid claims.
func Principal(c *gin.Context) string {
	if c == nil {
		return ""
	}
	return extractEmail(jwt.ExtractClaims(c))
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
