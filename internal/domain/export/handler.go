package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/onkostar/mtbexport/internal/domain/mtb"
	"github.com/onkostar/mtbexport/internal/platform/auth"
	"github.com/onkostar/mtbexport/internal/platform/blobstore"
	"github.com/onkostar/mtbexport/internal/platform/middleware"
	"github.com/onkostar/mtbexport/internal/platform/onkostar"
	"github.com/onkostar/mtbexport/pkg/pagination"
)

const (
	RunIDHeader   = "X-Export-Run-ID"
	StatusTrailer = "X-Export-Status"
)

type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireScope(auth.ScopeExportRead))
	read.GET("/exports", h.ListExports)
	read.GET("/exports/:id", h.GetExport)
	read.GET("/exports/:id/artifact", h.GetArtifact)
	read.GET("/profile", h.GetProfile)

	write := api.Group("", auth.RequireScope(auth.ScopeExportWrite))
	write.POST("/exports", h.CreateExport)
}

// CreateExport runs an export. By default the CSV is streamed as the
// response body and the final run status is sent in the X-Export-Status
// trailer. With "store": true the CSV goes to the artifact store and the
// response is the run report.
func (h *Handler) CreateExport(c echo.Context) error {
	var req Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sel, err := req.Selection()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	user := auth.UserIDFromContext(ctx)

	if req.Store {
		report, err := h.svc.Export(ctx, sel, req.Key, WithRequestedBy(user))
		if report != nil {
			c.Set(middleware.RunIDKey, report.ID.String())
		}
		if err != nil {
			return runError(report, err)
		}
		return c.JSON(http.StatusCreated, report)
	}

	id := uuid.New()
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, csvContentType)
	resp.Header().Set(echo.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="mtb-export-%s.csv"`, id))
	resp.Header().Set(RunIDHeader, id.String())
	resp.Header().Set("Trailer", StatusTrailer)
	c.Set(middleware.RunIDKey, id.String())

	report, err := h.svc.Run(ctx, sel, resp, WithRunID(id), WithRequestedBy(user))
	if err != nil && !resp.Committed {
		resp.Header().Del(echo.HeaderContentType)
		resp.Header().Del(echo.HeaderContentDisposition)
		resp.Header().Del("Trailer")
		return runError(report, err)
	}
	if !resp.Committed {
		// Headerless export without rows.
		resp.WriteHeader(http.StatusOK)
	}
	resp.Header().Set(StatusTrailer, string(report.Status))
	if err != nil {
		h.logger.Warn().Err(err).Str("run_id", id.String()).Msg("export stream ended early")
	}
	return nil
}

func (h *Handler) ListExports(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListRuns(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg).WithNext(c.Request().URL.Path))
}

func (h *Handler) GetExport(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	report, err := h.svc.GetRun(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "export run not found")
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) GetArtifact(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rc, obj, err := h.svc.OpenArtifact(c.Request().Context(), id)
	switch {
	case errors.Is(err, ErrRunNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "export run not found")
	case errors.Is(err, blobstore.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "artifact not found")
	case err != nil:
		return echo.NewHTTPError(http.StatusBadGateway, "artifact store unavailable")
	}
	defer rc.Close()

	contentType := obj.ContentType
	if contentType == "" {
		contentType = csvContentType
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="mtb-export-%s.csv"`, id))
	return c.Stream(http.StatusOK, contentType, rc)
}

// GetProfile returns the effective mapping profile as YAML.
func (h *Handler) GetProfile(c echo.Context) error {
	var buf bytes.Buffer
	if err := h.svc.Profile().WriteYAML(&buf); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.Blob(http.StatusOK, "application/yaml", buf.Bytes())
}

func runError(report *RunReport, err error) error {
	body := map[string]string{"message": err.Error()}
	if report != nil {
		body["run_id"] = report.ID.String()
	}

	var sourceErr *mtb.SourceError
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNoStore), errors.Is(err, blobstore.ErrInvalidKey):
		code = http.StatusBadRequest
	case errors.Is(err, onkostar.ErrCaseNotFound):
		code = http.StatusNotFound
	case errors.Is(err, blobstore.ErrExists):
		code = http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusServiceUnavailable
	case errors.As(err, &sourceErr):
		code = http.StatusBadGateway
		body["message"] = "source database unavailable"
	}
	return echo.NewHTTPError(code, body)
}
