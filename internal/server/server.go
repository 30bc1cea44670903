// Package server wires the HTTP surface: echo routing, middleware,
// bearer auth, and graceful shutdown sequencing (Echo + Recover
// middleware and a zerolog request logger, Start/Shutdown lifecycle).
package server

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/DonTee-Why/logstack/internal/admission"
	"github.com/DonTee-Why/logstack/internal/apperr"
	"github.com/DonTee-Why/logstack/internal/authn"
	"github.com/DonTee-Why/logstack/internal/config"
	"github.com/DonTee-Why/logstack/internal/health"
	"github.com/DonTee-Why/logstack/internal/metrics"
	"github.com/DonTee-Why/logstack/internal/model"
	"github.com/DonTee-Why/logstack/internal/response"
	"github.com/DonTee-Why/logstack/internal/wal"
)

// Server holds the Echo app and the components it dispatches to.
type Server struct {
	Echo *echo.Echo

	cfgStore *config.Store
	tokens   *authn.Registry
	pipeline *admission.Pipeline
	walMgr   *wal.Manager
	checker  *health.Checker
	reg      *metrics.Registry
	log      zerolog.Logger
}

// New builds the Echo app and registers every route from the external
// interfaces surface.
func New(cfgStore *config.Store, tokens *authn.Registry, pipeline *admission.Pipeline, walMgr *wal.Manager, checker *health.Checker, reg *metrics.Registry, log zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger(log))

	s := &Server{
		Echo:     e,
		cfgStore: cfgStore,
		tokens:   tokens,
		pipeline: pipeline,
		walMgr:   walMgr,
		checker:  checker,
		reg:      reg,
		log:      log,
	}

	e.POST("/v1/logs:ingest", s.handleIngest)
	e.GET("/healthz", s.handleHealthz)
	e.GET("/readyz", s.handleReadyz)
	e.GET("/metrics", s.handleMetrics)
	e.POST("/v1/admin/flush", s.adminAuth(s.handleAdminFlush))
	e.GET("/v1/admin/status", s.adminAuth(s.handleAdminStatus))
	e.GET("/v1/admin/segments/:token", s.adminAuth(s.handleAdminSegments))

	return s
}

// requestLogger mirrors middleware.Logger()'s job with zerolog fields
// with structured zerolog fields instead of a combined-log-format
// writer, since a single structured logger is threaded everywhere
// else in this service.
func requestLogger(log zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			log.Info().
				Str("method", c.Request().Method).
				Str("path", c.Path()).
				Int("status", c.Response().Status).
				Dur("duration", time.Since(start)).
				Msg("request")
			return err
		}
	}
}

func bearerToken(c echo.Context) string {
	h := c.Request().Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

func (s *Server) adminAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		cfg := s.cfgStore.Load()
		if !authn.IsAdmin(bearerToken(c), cfg.Security.AdminToken) {
			return response.Error(c, apperr.New(apperr.KindUnauthenticated, "admin token required"))
		}
		return next(c)
	}
}

func (s *Server) handleIngest(c echo.Context) error {
	received := time.Now()
	token := bearerToken(c)
	if token == "" {
		return response.Error(c, apperr.New(apperr.KindUnauthenticated, "missing bearer token"))
	}

	// Authenticate and rate-limit before touching the body: a rejected
	// caller's (up to 1 MiB) body must never be read off the wire.
	info, aerr := s.pipeline.Admit(token)
	if aerr != nil {
		return response.Error(c, aerr)
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, model.MaxBatchBytes+1))
	if err != nil {
		return response.Error(c, apperr.New(apperr.KindInternal, "failed to read request body"))
	}

	idempotencyKey := c.Request().Header.Get("X-Idempotency-Key")
	result, aerr := s.pipeline.Ingest(token, info, idempotencyKey, body, received)
	s.reg.ObserveHistogram("http_request_duration_seconds", nil, time.Since(received).Seconds())
	if aerr != nil {
		return response.Error(c, aerr)
	}
	return response.Accepted(c, result.Accepted, result.SegmentSeq)
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(c echo.Context) error {
	failing := s.checker.Check()
	if len(failing) == 0 {
		return c.JSON(http.StatusOK, map[string]any{"status": "ready"})
	}
	return c.JSON(http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "probes": failing})
}

func (s *Server) handleMetrics(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderContentType, "text/plain; version=0.0.4")
	c.Response().WriteHeader(http.StatusOK)
	return s.reg.WriteText(c.Response())
}

type flushRequest struct {
	Token string `json:"token"`
	Force bool   `json:"force"`
}

type flushedSegment struct {
	Token string `json:"token"`
	Seq   uint64 `json:"seq"`
}

func (s *Server) handleAdminFlush(c echo.Context) error {
	var req flushRequest
	if err := c.Bind(&req); err != nil {
		return response.Errorf(c, apperr.KindSchemaInvalid, "invalid request body: %v", err)
	}

	requestID := uuid.NewString()
	var tenantIDs []string
	if req.Token != "" {
		tenantIDs = []string{wal.TenantID(req.Token)}
	} else {
		tenantIDs = s.walMgr.ListTenants()
	}

	var flushed []flushedSegment
	for _, id := range tenantIDs {
		handle, err := s.walMgr.Seal(id, req.Force)
		if err != nil {
			s.log.Warn().Err(err).Str("token_hash", id).Str("request_id", requestID).Msg("admin flush: seal failed")
			continue
		}
		if handle != nil {
			flushed = append(flushed, flushedSegment{Token: handle.Token, Seq: handle.Seq})
		}
	}
	return response.OK(c, map[string]any{"request_id": requestID, "flushed": flushed})
}

type tenantStatus struct {
	Token       string  `json:"token_hash"`
	BytesOnDisk int64   `json:"bytes_on_disk"`
	AgeSeconds  float64 `json:"oldest_record_age_seconds"`
	QuotaRatio  float64 `json:"quota_ratio"`
	Sealed      int     `json:"sealed_segments"`
}

func (s *Server) handleAdminStatus(c echo.Context) error {
	tokens := s.walMgr.ListTenants()
	statuses := make([]tenantStatus, 0, len(tokens))
	for _, tok := range tokens {
		q := s.walMgr.QuotaState(tok)
		statuses = append(statuses, tenantStatus{
			Token:       tok,
			BytesOnDisk: q.Bytes,
			AgeSeconds:  q.Age.Seconds(),
			QuotaRatio:  q.Ratio,
			Sealed:      len(s.walMgr.ListSealed(tok)),
		})
	}

	if c.QueryParam("format") == "yaml" {
		out, err := yaml.Marshal(map[string]any{"tenants": statuses})
		if err != nil {
			return response.Errorf(c, apperr.KindInternal, "yaml render failed: %v", err)
		}
		return c.Blob(http.StatusOK, "application/yaml", out)
	}
	return response.OK(c, map[string]any{"tenants": statuses})
}

type segmentInfo struct {
	Seq  uint64 `json:"seq"`
	Size int64  `json:"size_bytes"`
}

func (s *Server) handleAdminSegments(c echo.Context) error {
	token := c.Param("token")
	id := wal.TenantID(token)
	handles := s.walMgr.ListSealed(id)
	segments := make([]segmentInfo, 0, len(handles))
	for _, h := range handles {
		segments = append(segments, segmentInfo{Seq: h.Seq, Size: h.Size})
	}
	return response.OK(c, map[string]any{"token": token, "segments": segments})
}

// Start runs the HTTP server, blocking until it exits.
func (s *Server) Start(addr string) error {
	return s.Echo.Start(addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.Echo.Shutdown(ctx)
}
