package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"safetydash/internal/core"
)

// AuthMiddleware creates an Echo middleware that requires apiKey, sent either
// as "Authorization: Bearer <key>" or in the X-API-Key header.
// If apiKey is empty, no authentication is required.
func AuthMiddleware(apiKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if apiKey == "" {
				return next(c)
			}

			token := c.Request().Header.Get("X-API-Key")
			if token == "" {
				authHeader := c.Request().Header.Get("Authorization")
				if authHeader == "" {
					return unauthorized(c, "missing API key")
				}
				const prefix = "Bearer "
				if !strings.HasPrefix(authHeader, prefix) {
					return unauthorized(c, "invalid authorization header format, expected 'Bearer <key>'")
				}
				token = strings.TrimPrefix(authHeader, prefix)
			}

			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				return unauthorized(c, "invalid API key")
			}
			return next(c)
		}
	}
}

func unauthorized(c echo.Context, message string) error {
	return c.JSON(http.StatusUnauthorized, errorBody(core.CodeUnauthorized, message))
}
