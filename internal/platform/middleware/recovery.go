package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Recovery turns a handler panic into a 500 response. Once a CSV stream has
// started the status line is gone, so the panic only ends the stream; the
// log line then carries the run id the handler announced.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}

				res := c.Response()
				evt := logger.Error().
					Str("request_id", stringValue(c, RequestIDKey)).
					Str("method", c.Request().Method).
					Str("route", c.Path()).
					Bool("committed", res.Committed).
					Interface("panic", r).
					Bytes("stack", debug.Stack())
				if run := stringValue(c, RunIDKey); run != "" {
					evt = evt.Str("run_id", run)
				}
				evt.Msg("handler panicked")

				if res.Committed {
					err = nil
					return
				}
				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}()
			return next(c)
		}
	}
}

func stringValue(c echo.Context, key string) string {
	s, _ := c.Get(key).(string)
	return s
}
