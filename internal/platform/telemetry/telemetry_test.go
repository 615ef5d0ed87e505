package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/onkostar/mtbexport/internal/domain/mtb"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/metrics", nil), rec)
	if err := m.Handler()(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func assertContains(t *testing.T, body string, lines ...string) {
	t.Helper()
	for _, l := range lines {
		if !strings.Contains(body, l) {
			t.Errorf("metrics output missing %q", l)
		}
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	if cfg.Namespace != "mtb_export" {
		t.Errorf("expected namespace mtb_export, got %q", cfg.Namespace)
	}
	if cfg.ServiceVersion != "0.0.0" {
		t.Errorf("expected version 0.0.0, got %q", cfg.ServiceVersion)
	}
}

func TestMetrics_ReportCase(t *testing.T) {
	m := New(Config{ServiceVersion: "1.4.0"})
	ctx := context.Background()

	m.ReportCase(ctx, mtb.CaseResult{
		CaseID:   "1",
		Outcome:  mtb.OutcomeExported,
		Rows:     3,
		Duration: 2 * time.Millisecond,
		Defects: []mtb.Defect{
			{Kind: mtb.DefectDanglingReference, Severity: mtb.SeverityWarning},
		},
	})
	m.ReportCase(ctx, mtb.CaseResult{
		CaseID:  "2",
		Outcome: mtb.OutcomeSkipped,
		Defects: []mtb.Defect{
			{Kind: mtb.DefectMissingRequired, Severity: mtb.SeverityFatal},
			{Kind: mtb.DefectMissingRequired, Severity: mtb.SeverityFatal},
		},
	})
	m.RunFinished("succeeded")

	assertContains(t, scrape(t, m),
		`mtb_export_cases_total{outcome="exported"} 1`,
		`mtb_export_cases_total{outcome="skipped"} 1`,
		`mtb_export_rows_total 3`,
		`mtb_export_defects_total{kind="dangling-reference",severity="WARNING"} 1`,
		`mtb_export_defects_total{kind="missing-required",severity="FATAL"} 2`,
		`mtb_export_case_duration_seconds_count 2`,
		`mtb_export_runs_total{status="succeeded"} 1`,
		`mtb_export_build_info{version="1.4.0"} 1`,
	)
}

func TestMetricsMiddleware_UsesRoutePattern(t *testing.T) {
	m := New(Config{})
	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/api/v1/exports/:id", func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/exports/"+id, nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", rec.Code)
		}
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	assertContains(t, scrape(t, m),
		`mtb_export_http_requests_total{code="204",method="GET",route="/api/v1/exports/:id"} 2`,
		`mtb_export_http_request_duration_seconds_count{method="GET",route="/api/v1/exports/:id"} 2`,
		`mtb_export_http_requests_total{code="404",method="GET",route=`,
		`mtb_export_http_active_requests 0`,
	)
}

func TestNew_RuntimeMetrics(t *testing.T) {
	m := New(Config{RuntimeMetrics: true})
	assertContains(t, scrape(t, m), "go_goroutines")
}
