package export

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/onkostar/mtbexport/internal/platform/auth"
	"github.com/onkostar/mtbexport/internal/platform/blobstore"
)

func newTestHandler(t *testing.T) (*Handler, *echo.Echo) {
	t.Helper()
	svc := newTestService(t)
	svc.SetStore(blobstore.NewMemoryStore())
	return NewHandler(svc, zerolog.Nop()), echo.New()
}

func postJSON(e *echo.Echo, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/exports", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func httpCode(t *testing.T, err error) int {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	return he.Code
}

func TestHandler_CreateExport_Streams(t *testing.T) {
	h, e := newTestHandler(t)
	c, rec := postJSON(e, `{"patient_ids":["1"]}`)

	if err := h.CreateExport(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("content type = %q", ct)
	}
	id, err := uuid.Parse(rec.Header().Get(RunIDHeader))
	if err != nil {
		t.Fatalf("missing run id header: %v", err)
	}
	if got := rec.Result().Trailer.Get(StatusTrailer); got != string(StatusCompleted) {
		t.Errorf("status trailer = %q", got)
	}
	header := strings.SplitN(rec.Body.String(), "\n", 2)[0]
	if header != strings.Join(h.svc.Profile().Schema.Header(), ";") {
		t.Errorf("unexpected first line %q", header)
	}

	report, err := h.svc.GetRun(c.Request().Context(), id)
	if err != nil || report.Status != StatusCompleted {
		t.Errorf("run not recorded as completed: %+v %v", report, err)
	}
}

func TestHandler_CreateExport_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed", `{"patient_ids":`, http.StatusBadRequest},
		{"empty selection", `{}`, http.StatusBadRequest},
		{"mixed selection", `{"all":true,"patient_ids":["1"]}`, http.StatusBadRequest},
		{"unknown patient", `{"patient_ids":["99"]}`, http.StatusNotFound},
		{"unknown case number", `{"case_numbers":["F-999"]}`, http.StatusNotFound},
		{"invalid key", `{"all":true,"store":true,"key":"../x.csv"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, e := newTestHandler(t)
			c, rec := postJSON(e, tt.body)
			err := h.CreateExport(c)
			if got := httpCode(t, err); got != tt.code {
				t.Errorf("expected %d, got %d", tt.code, got)
			}
			if rec.Header().Get("Trailer") != "" {
				t.Error("trailer must not be announced on an error response")
			}
		})
	}
}

func TestHandler_StoreAndFetchArtifact(t *testing.T) {
	h, e := newTestHandler(t)
	c, rec := postJSON(e, `{"all":true,"store":true,"key":"runs/demo.csv"}`)
	if err := h.CreateExport(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var report RunReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.Artifact == nil || report.Artifact.Key != "runs/demo.csv" {
		t.Fatalf("unexpected artifact: %+v", report.Artifact)
	}

	c, rec = postJSON(e, `{"all":true,"store":true,"key":"runs/demo.csv"}`)
	if got := httpCode(t, h.CreateExport(c)); got != http.StatusConflict {
		t.Errorf("expected 409 for an existing key, got %d", got)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(report.ID.String())
	if err := h.GetArtifact(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(rec.Body.String(), "record_type;") {
		t.Errorf("artifact body does not start with the header: %q", rec.Body.String())
	}
}

func TestHandler_GetExport(t *testing.T) {
	h, e := newTestHandler(t)
	c, _ := postJSON(e, `{"patient_ids":["2"]}`)
	if err := h.CreateExport(c); err != nil {
		t.Fatal(err)
	}
	items, _, _ := h.svc.ListRuns(c.Request().Context(), 1, 0)

	tests := []struct {
		name string
		id   string
		code int
	}{
		{"found", items[0].ID.String(), http.StatusOK},
		{"invalid", "not-a-uuid", http.StatusBadRequest},
		{"unknown", uuid.NewString(), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)
			c.SetParamNames("id")
			c.SetParamValues(tt.id)
			err := h.GetExport(c)
			if tt.code == http.StatusOK {
				if err != nil || rec.Code != http.StatusOK {
					t.Fatalf("expected 200, got %d (%v)", rec.Code, err)
				}
				return
			}
			if got := httpCode(t, err); got != tt.code {
				t.Errorf("expected %d, got %d", tt.code, got)
			}
		})
	}
}

func TestHandler_Routes(t *testing.T) {
	h, e := newTestHandler(t)
	key := []byte("0123456789abcdef0123456789abcdef")
	e.Use(auth.JWTMiddleware(auth.JWTConfig{SigningKey: key, Skipper: auth.AuthSkipper}))
	h.RegisterRoutes(e.Group("/api/v1"))

	readOnly, err := auth.IssueToken(auth.JWTConfig{SigningKey: key}, "viewer", []string{auth.ScopeExportRead}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		token  string
		code   int
	}{
		{"list without token", http.MethodGet, "/api/v1/exports", "", "", http.StatusUnauthorized},
		{"list", http.MethodGet, "/api/v1/exports?limit=5", "", readOnly, http.StatusOK},
		{"profile", http.MethodGet, "/api/v1/profile", "", readOnly, http.StatusOK},
		{"create needs write scope", http.MethodPost, "/api/v1/exports", `{"all":true}`, readOnly, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tt.code {
				t.Errorf("expected %d, got %d: %s", tt.code, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandler_GetProfile(t *testing.T) {
	h, e := newTestHandler(t)
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	if err := h.GetProfile(c); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(rec.Body.String(), "version:") {
		t.Errorf("profile yaml lacks version: %s", rec.Body.String())
	}
}
