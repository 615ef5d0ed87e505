package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newContext(method, target string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestRequestID_GeneratesNew(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/")

	handler := func(c echo.Context) error {
		rid, _ := c.Get(RequestIDKey).(string)
		if rid == "" {
			t.Error("expected request_id to be generated")
		}
		return c.String(http.StatusOK, "ok")
	}

	if err := RequestID()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/")
	c.Request().Header.Set(RequestIDHeader, "my-custom-id")

	handler := func(c echo.Context) error {
		if rid := c.Get(RequestIDKey).(string); rid != "my-custom-id" {
			t.Errorf("expected my-custom-id, got %s", rid)
		}
		return c.String(http.StatusOK, "ok")
	}

	if err := RequestID()(handler)(c); err != nil {
		t.Fatal(err)
	}
	if rec.Header().Get(RequestIDHeader) != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", rec.Header().Get(RequestIDHeader))
	}
}

func TestLogger_LevelByStatus(t *testing.T) {
	tests := []struct {
		name    string
		handler echo.HandlerFunc
		level   string
	}{
		{"ok", func(c echo.Context) error { return c.String(http.StatusOK, "ok") }, `"level":"info"`},
		{"client error", func(c echo.Context) error { return echo.NewHTTPError(http.StatusNotFound) }, `"level":"warn"`},
		{"server error", func(c echo.Context) error { return echo.NewHTTPError(http.StatusInternalServerError) }, `"level":"error"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			c, _ := newContext(http.MethodGet, "/api/v1/exports")
			c.Set(RequestIDKey, "req-1")

			_ = Logger(zerolog.New(&buf))(tt.handler)(c)

			out := buf.String()
			if !strings.Contains(out, tt.level) {
				t.Errorf("expected %s in %s", tt.level, out)
			}
			if !strings.Contains(out, `"request_id":"req-1"`) || !strings.Contains(out, `"path":"/api/v1/exports"`) {
				t.Errorf("missing request fields: %s", out)
			}
		})
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	var buf bytes.Buffer
	c, _ := newContext(http.MethodGet, "/panic")

	err := Recovery(zerolog.New(&buf))(func(c echo.Context) error {
		panic("test panic")
	})(c)

	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", httpErr.Code)
	}
	if !strings.Contains(buf.String(), "test panic") {
		t.Errorf("panic not logged: %s", buf.String())
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	c, _ := newContext(http.MethodGet, "/ok")
	err := Recovery(zerolog.Nop())(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSecurityHeaders_SetsAllHeaders(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/api/v1/exports")
	if err := SecurityHeaders(true)(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(c); err != nil {
		t.Fatal(err)
	}

	expected := map[string]string{
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'",
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"Referrer-Policy":           "no-referrer",
		"Cache-Control":             "no-store",
	}
	for header, want := range expected {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestSecurityHeaders_Downloads(t *testing.T) {
	tests := []struct {
		name        string
		hsts        bool
		contentType string
		disposition string
		want        string
	}{
		{"csv without disposition", false, "text/csv; charset=utf-8", "", "attachment"},
		{"defect report", false, "application/x-ndjson", "", "attachment"},
		{"named csv keeps its disposition", false, "text/csv", `attachment; filename="a.csv"`, `attachment; filename="a.csv"`},
		{"json stays inline", true, echo.MIMEApplicationJSON, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newContext(http.MethodGet, "/api/v1/exports/x/artifact")
			err := SecurityHeaders(tt.hsts)(func(c echo.Context) error {
				if tt.disposition != "" {
					c.Response().Header().Set(echo.HeaderContentDisposition, tt.disposition)
				}
				return c.Blob(http.StatusOK, tt.contentType, []byte("x"))
			})(c)
			if err != nil {
				t.Fatal(err)
			}
			if got := rec.Header().Get(echo.HeaderContentDisposition); got != tt.want {
				t.Errorf("Content-Disposition = %q, want %q", got, tt.want)
			}
			if got := rec.Header().Get("Strict-Transport-Security") != ""; got != tt.hsts {
				t.Errorf("HSTS sent = %v, want %v", got, tt.hsts)
			}
		})
	}
}

func TestRecovery_AfterStreamStarted(t *testing.T) {
	var buf bytes.Buffer
	c, rec := newContext(http.MethodPost, "/api/v1/exports")
	c.Set(RequestIDKey, "req-9")

	err := Recovery(zerolog.New(&buf))(func(c echo.Context) error {
		c.Set(RunIDKey, "run-42")
		c.Response().Header().Set(echo.HeaderContentType, "text/csv")
		c.Response().WriteHeader(http.StatusOK)
		_, _ = c.Response().Write([]byte("record_type;patient_id\n"))
		panic("flatten failed")
	})(c)

	if err != nil {
		t.Fatalf("a committed stream cannot carry an error status, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status changed to %d", rec.Code)
	}
	out := buf.String()
	for _, want := range []string{`"run_id":"run-42"`, `"request_id":"req-9"`, `"committed":true`, "flatten failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("log misses %s: %s", want, out)
		}
	}
}
