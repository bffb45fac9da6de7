package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// Context keys for caller data
	ContextKeySubject = "auth_subject"
	ContextKeyRole    = "auth_role"

	// StrategyTokenHeader carries the strategy feed's shared token.
	StrategyTokenHeader = "X-Strategy-Token"
)

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func abort(c *gin.Context, status int, authErr AuthError, message string) {
	if message == "" {
		message = authErr.Message
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error":   authErr.Code,
		"message": message,
	})
}

// Middleware requires an operator bearer token. It passes everything through
// when authentication is disabled.
func Middleware(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !service.Enabled() {
			c.Set(ContextKeySubject, "anonymous")
			c.Set(ContextKeyRole, RoleOperator)
			c.Next()
			return
		}

		if c.GetHeader("Authorization") == "" {
			abort(c, http.StatusUnauthorized, ErrUnauthorized, "missing authorization header")
			return
		}
		tokenString, ok := bearerToken(c)
		if !ok {
			abort(c, http.StatusUnauthorized, ErrUnauthorized, "invalid authorization header format")
			return
		}

		claims, err := service.GetJWTManager().ValidateAccessToken(tokenString)
		if err != nil {
			authErr, ok := err.(AuthError)
			if !ok {
				authErr = ErrInvalidToken
			}
			abort(c, http.StatusUnauthorized, authErr, "")
			return
		}

		c.Set(ContextKeySubject, claims.Subject)
		c.Set(ContextKeyRole, claims.Role)
		c.Next()
	}
}

// StrategyMiddleware accepts either the strategy token header or an operator
// bearer token.
func StrategyMiddleware(service *Service) gin.HandlerFunc {
	operator := Middleware(service)
	return func(c *gin.Context) {
		if service.Enabled() && service.VerifyStrategyToken(c.GetHeader(StrategyTokenHeader)) {
			c.Set(ContextKeySubject, "strategy")
			c.Set(ContextKeyRole, RoleStrategy)
			c.Next()
			return
		}
		if service.Enabled() && c.GetHeader(StrategyTokenHeader) != "" {
			abort(c, http.StatusUnauthorized, ErrInvalidToken, "invalid strategy token")
			return
		}
		operator(c)
	}
}

// RequireOperator rejects callers that are not the operator.
func RequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		if role := c.GetString(ContextKeyRole); role != RoleOperator {
			abort(c, http.StatusForbidden, ErrForbidden, "operator access required")
			return
		}
		c.Next()
	}
}

// Subject returns the authenticated caller name.
func Subject(c *gin.Context) string {
	if s := c.GetString(ContextKeySubject); s != "" {
		return s
	}
	return "anonymous"
}
