package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

var apiHeaders = [...][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Referrer-Policy", "no-referrer"},
	{"Cache-Control", "no-store"},
}

// downloadTypes are response types that browsers must save, never render.
var downloadTypes = []string{"text/csv", "application/x-ndjson"}

// SecurityHeaders sets response headers for an API whose responses carry
// patient data. HSTS is only sent when hsts is set, i.e. behind TLS.
// Export files without a Content-Disposition are marked as attachments.
func SecurityHeaders(hsts bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			res := c.Response()
			h := res.Header()
			for _, kv := range apiHeaders {
				h.Set(kv[0], kv[1])
			}
			if hsts {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			res.Before(func() {
				if h.Get(echo.HeaderContentDisposition) != "" {
					return
				}
				ct := h.Get(echo.HeaderContentType)
				for _, t := range downloadTypes {
					if strings.HasPrefix(ct, t) {
						h.Set(echo.HeaderContentDisposition, "attachment")
						return
					}
				}
			})
			return next(c)
		}
	}
}
