package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	ScopeExportRead  = "exports.read"
	ScopeExportWrite = "exports.write"
)

// RequireScope returns middleware that checks the caller holds the scope.
func RequireScope(required string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, scope := range ScopesFromContext(c.Request().Context()) {
				if matchScope(scope, required) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required scope: %s", required))
		}
	}
}

// matchScope checks if a granted scope covers the required one. "*" matches
// everything, "exports.*" matches any operation on exports.
func matchScope(granted, required string) bool {
	if granted == "*" || granted == required {
		return true
	}

	gParts := strings.SplitN(granted, ".", 2)
	rParts := strings.SplitN(required, ".", 2)
	if len(gParts) != 2 || len(rParts) != 2 {
		return false
	}
	return gParts[0] == rParts[0] && gParts[1] == "*"
}
