package api

import (
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog/log"

	"trivia-duel/internal/pkg/apperr"
)

const (
	userIDKey           = "user_id"
	internalTokenHeader = "X-Internal-Token"
)

// AuthMiddleware validates the bearer JWT and stores its subject as the
// caller's user ID.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			abortWithError(c, apperr.New(apperr.CodeUnauthenticated, "missing bearer token"))
			return
		}
		raw := strings.TrimPrefix(auth, "Bearer ")

		var claims jwt.RegisteredClaims
		token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid || claims.Subject == "" {
			abortWithError(c, apperr.New(apperr.CodeUnauthenticated, "invalid token"))
			return
		}

		c.Set(userIDKey, claims.Subject)
		c.Next()
	}
}

// InternalMiddleware admits callers presenting the shared internal token.
// An empty configured token closes the internal routes.
func InternalMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(internalTokenHeader)
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			abortWithError(c, apperr.New(apperr.CodeUnauthenticated, "invalid internal token"))
			return
		}
		c.Next()
	}
}

// LoggingMiddleware logs each request at debug level, or warn for 5xx.
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := log.Debug()
		if status >= 500 {
			ev = log.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("user_id", c.GetString(userIDKey)).
			Msg("HTTP request")
	}
}

// RecoveryMiddleware turns handler panics into INTERNAL responses.
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("path", c.Request.URL.Path).Msg("Recovered from panic in handler")
				abortWithError(c, apperr.ErrInternal)
			}
		}()
		c.Next()
	}
}

func callerID(c *gin.Context) string {
	return c.GetString(userIDKey)
}
