package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestMatchScope(t *testing.T) {
	tests := []struct {
		granted  string
		required string
		want     bool
	}{
		{"exports.read", "exports.read", true},
		{"exports.write", "exports.read", false},
		{"exports.*", "exports.write", true},
		{"*", "exports.write", true},
		{"profile.*", "exports.read", false},
		{"", "exports.read", false},
		{"exports.read", "", false},
		{"invalid", "exports.read", false},
	}

	for _, tt := range tests {
		got := matchScope(tt.granted, tt.required)
		if got != tt.want {
			t.Errorf("matchScope(%q, %q) = %v, want %v", tt.granted, tt.required, got, tt.want)
		}
	}
}

func TestRequireScope(t *testing.T) {
	tests := []struct {
		name   string
		scopes []string
		want   int
	}{
		{"allowed", []string{"exports.read", "exports.write"}, http.StatusOK},
		{"wildcard", []string{"exports.*"}, http.StatusOK},
		{"denied", []string{"exports.read"}, http.StatusForbidden},
		{"no scopes", nil, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req = req.WithContext(context.WithValue(req.Context(), UserScopesKey, tt.scopes))
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			h := RequireScope(ScopeExportWrite)(func(c echo.Context) error {
				return c.String(http.StatusOK, "ok")
			})
			err := h(c)
			if tt.want == http.StatusOK {
				if err != nil || rec.Code != http.StatusOK {
					t.Errorf("expected 200, got %d (%v)", rec.Code, err)
				}
				return
			}
			httpErr, ok := err.(*echo.HTTPError)
			if !ok || httpErr.Code != tt.want {
				t.Errorf("expected %d, got %v", tt.want, err)
			}
		})
	}
}

func TestIsPublicPath(t *testing.T) {
	for path, want := range map[string]bool{
		"/health":         true,
		"/health/db":      true,
		"/metrics":        true,
		"/api/v1/exports": false,
		"/api/v1/profile": false,
	} {
		if got := IsPublicPath(path); got != want {
			t.Errorf("IsPublicPath(%q) = %v, want %v", path, got, want)
		}
	}
}
