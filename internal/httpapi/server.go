// Package httpapi exposes the gateway over HTTP.
//
// The transport stays thin: handlers extract the bearer credential and the
// request body, call the dispatcher, and translate its sentinel errors to
// status codes. All authorization and ordering decisions live in the
// dispatcher.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docgate/internal/backend"
	"github.com/fyrsmithlabs/docgate/internal/extract"
	"github.com/fyrsmithlabs/docgate/internal/gateway"
	"github.com/fyrsmithlabs/docgate/internal/logging"
	"github.com/fyrsmithlabs/docgate/internal/plan"
	"github.com/fyrsmithlabs/docgate/internal/quota"
	"github.com/fyrsmithlabs/docgate/internal/ratelimit"
	"github.com/fyrsmithlabs/docgate/internal/token"
)

// SurfaceLocator resolves a surface address to its on-disk directory.
// Implemented by provision.DirProvisioner.
type SurfaceLocator interface {
	SurfaceDir(address string) string
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MaxUploadBytes caps request body size on the upload route.
	MaxUploadBytes int64

	// AdminKey guards plugin creation when set. Compared in constant
	// time against the X-Admin-Key header.
	AdminKey string

	// DefaultSurfaceDir serves /.well-known/* requests whose subdomain
	// resolves to no provisioned surface.
	DefaultSurfaceDir string
}

// Server provides the HTTP endpoints for docgate.
type Server struct {
	echo       *echo.Echo
	dispatcher *gateway.Dispatcher
	surfaces   SurfaceLocator
	metrics    *Metrics
	logger     *logging.Logger
	config     *Config
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(dispatcher *gateway.Dispatcher, surfaces SurfaceLocator, metrics *Metrics, logger *logging.Logger, cfg *Config) (*Server, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 32 * 1024 * 1024
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	if cfg.ReadTimeout > 0 {
		e.Server.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		e.Server.WriteTimeout = cfg.WriteTimeout
	}

	s := &Server{
		echo:       e,
		dispatcher: dispatcher,
		surfaces:   surfaces,
		metrics:    metrics,
		logger:     logger,
		config:     cfg,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogging())
	e.Use(metrics.Middleware())

	s.registerRoutes()
	return s, nil
}

// requestLogging emits one structured entry per request and threads the
// request id into the context for downstream log correlation.
func (s *Server) requestLogging() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)

			ctx := logging.WithRequestID(c.Request().Context(), requestID)
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			s.logger.Info(ctx, "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", status),
				zap.Duration("duration", time.Since(start)),
			)
			return err
		}
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", s.metrics.Handler())

	s.echo.POST("/upsert-file", s.handleUpsertFile, middleware.BodyLimit(fmt.Sprintf("%d", s.config.MaxUploadBytes)))
	s.echo.POST("/query", s.handleQuery)
	s.echo.DELETE("/delete", s.handleDelete)
	s.echo.GET("/usage", s.handleUsage)

	s.echo.POST("/plugins/create", s.handleCreatePlugin)

	s.echo.GET("/.well-known/:filename", s.handleWellKnown)
}

// HealthResponse is the body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// bearerCredential extracts the bearer token, empty when absent. The
// dispatcher treats the empty credential as unauthenticated.
func bearerCredential(c echo.Context) string {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

// respondError maps dispatcher sentinels to status codes. Unmapped errors
// surface as 500 with a generic body; the detail goes to the log only.
func (s *Server) respondError(c echo.Context, err error) error {
	var status int
	var reason string
	switch {
	case errors.Is(err, token.ErrUnauthenticated):
		status, reason = http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, gateway.ErrInvalidRequest):
		status, reason = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, extract.ErrUnsupportedFormat):
		status, reason = http.StatusUnsupportedMediaType, "unsupported_format"
	case errors.Is(err, quota.ErrQuotaExceeded):
		status, reason = http.StatusUnprocessableEntity, "quota_exceeded"
	case errors.Is(err, ratelimit.ErrRateLimitExceeded):
		status, reason = http.StatusTooManyRequests, "rate_limit_exceeded"
	case errors.Is(err, backend.ErrBackendFailure):
		status, reason = http.StatusBadGateway, "backend_failure"
	default:
		status, reason = http.StatusInternalServerError, "internal"
	}

	s.metrics.RecordRejection(reason)
	if status >= http.StatusInternalServerError {
		s.logger.Error(c.Request().Context(), "request failed", zap.Error(err))
		return c.JSON(status, errorResponse{Error: "internal error"})
	}
	return c.JSON(status, errorResponse{Error: err.Error()})
}

func (s *Server) handleUpsertFile(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return s.respondError(c, fmt.Errorf("%w: file field is required", gateway.ErrInvalidRequest))
	}
	f, err := fileHeader.Open()
	if err != nil {
		return s.respondError(c, fmt.Errorf("%w: %v", gateway.ErrInvalidRequest, err))
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return s.respondError(c, fmt.Errorf("read upload: %w", err))
	}

	mimetype := fileHeader.Header.Get("Content-Type")
	if mimetype == "" || mimetype == "application/octet-stream" {
		if byExt := mime.TypeByExtension(filepath.Ext(fileHeader.Filename)); byExt != "" {
			mimetype = byExt
		}
	}

	var metadata map[string]string
	if raw := c.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			return s.respondError(c, fmt.Errorf("%w: metadata must be a JSON string map", gateway.ErrInvalidRequest))
		}
	}

	result, err := s.dispatcher.Ingest(c.Request().Context(), bearerCredential(c), &gateway.IngestRequest{
		Filename: fileHeader.Filename,
		Mimetype: mimetype,
		Data:     data,
		Metadata: metadata,
	})
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// QueryRequest is the body for POST /query.
type QueryRequest struct {
	Queries []backend.Query `json:"queries"`
}

// QueryResponse is the body for POST /query.
type QueryResponse struct {
	Results []backend.QueryResult `json:"results"`
}

func (s *Server) handleQuery(c echo.Context) error {
	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return s.respondError(c, fmt.Errorf("%w: %v", gateway.ErrInvalidRequest, err))
	}

	results, err := s.dispatcher.Query(c.Request().Context(), bearerCredential(c), req.Queries)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, QueryResponse{Results: results})
}

func (s *Server) handleDelete(c echo.Context) error {
	var req gateway.DeleteRequest
	if err := c.Bind(&req); err != nil {
		return s.respondError(c, fmt.Errorf("%w: %v", gateway.ErrInvalidRequest, err))
	}

	result, err := s.dispatcher.Delete(c.Request().Context(), bearerCredential(c), &req)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// UsageResponse is the body for GET /usage.
type UsageResponse struct {
	Used    int64 `json:"used"`
	Ceiling int64 `json:"ceiling"`
}

func (s *Server) handleUsage(c echo.Context) error {
	used, ceiling, err := s.dispatcher.Usage(c.Request().Context(), bearerCredential(c))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, UsageResponse{Used: used, Ceiling: ceiling})
}

func (s *Server) handleCreatePlugin(c echo.Context) error {
	if s.config.AdminKey != "" {
		presented := c.Request().Header.Get("X-Admin-Key")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.config.AdminKey)) != 1 {
			s.metrics.RecordRejection("unauthenticated")
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: "invalid or missing admin key"})
		}
	}

	req := &gateway.CreateTenantRequest{
		TenantID:     c.FormValue("tenant_id"),
		PluginName:   c.FormValue("plugin_name"),
		NameForHuman: c.FormValue("name_for_human"),
	}
	p, err := plan.Parse(c.FormValue("plan"))
	if err != nil {
		return s.respondError(c, fmt.Errorf("%w: %v", gateway.ErrInvalidRequest, err))
	}
	req.Plan = p

	if logoHeader, err := c.FormFile("logo"); err == nil {
		lf, err := logoHeader.Open()
		if err != nil {
			return s.respondError(c, fmt.Errorf("%w: %v", gateway.ErrInvalidRequest, err))
		}
		logo, err := io.ReadAll(lf)
		_ = lf.Close()
		if err != nil {
			return s.respondError(c, fmt.Errorf("read logo: %w", err))
		}
		req.Logo = logo
		req.LogoExtension = strings.TrimPrefix(filepath.Ext(logoHeader.Filename), ".")
	}

	result, err := s.dispatcher.CreateTenant(c.Request().Context(), req)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// wellKnownFiles is the closed set of filenames served from a surface.
// Logos are matched by prefix since the extension follows the upload.
var wellKnownFiles = map[string]bool{
	"ai-plugin.json": true,
	"openapi.yaml":   true,
}

func servableWellKnown(name string) bool {
	if wellKnownFiles[name] {
		return true
	}
	rest := strings.TrimPrefix(name, "logo.")
	return rest != name && rest != "" && !strings.Contains(rest, ".")
}

// handleWellKnown serves a surface's manifest files by Host subdomain. An
// unknown subdomain falls back to the default surface when configured.
func (s *Server) handleWellKnown(c echo.Context) error {
	filename := c.Param("filename")
	if !servableWellKnown(filename) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "not found"})
	}

	host := c.Request().Host
	if h, _, err := splitHostPort(host); err == nil {
		host = h
	}
	subdomain, _, _ := strings.Cut(host, ".")

	var candidates []string
	if s.surfaces != nil && subdomain != "" {
		candidates = append(candidates, filepath.Join(s.surfaces.SurfaceDir(subdomain), ".well-known", filename))
	}
	if s.config.DefaultSurfaceDir != "" {
		candidates = append(candidates, filepath.Join(s.config.DefaultSurfaceDir, ".well-known", filename))
	}

	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return c.File(path)
		}
	}
	return c.JSON(http.StatusNotFound, errorResponse{Error: "not found"})
}

// splitHostPort is net.SplitHostPort tolerant of a missing port.
func splitHostPort(hostport string) (string, string, error) {
	idx := strings.LastIndexByte(hostport, ':')
	if idx < 0 {
		return hostport, "", nil
	}
	// Bracketed IPv6 literals keep their colons.
	if strings.HasPrefix(hostport, "[") {
		end := strings.IndexByte(hostport, ']')
		if end < 0 {
			return "", "", fmt.Errorf("malformed host %q", hostport)
		}
		return hostport[1:end], strings.TrimPrefix(hostport[end+1:], ":"), nil
	}
	return hostport[:idx], hostport[idx+1:], nil
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Echo exposes the underlying router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
