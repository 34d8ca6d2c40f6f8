package app

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"modledger/api/internal/auth"
	"modledger/api/internal/moderation"
	"modledger/api/internal/rbac"
)

var httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "modledger_http_request_duration_sec",
	Help: "Duration of HTTP requests by route and status",
}, []string{"method", "route", "status"})

// Pinger reports whether the database answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ProfileProjector keeps the local role projection current so that the
// privileged-target check knows who moderation staff are.
type ProfileProjector interface {
	UpsertProfileRole(ctx context.Context, userID string, role rbac.Role) error
}

type SecurityEventLister interface {
	RecentSecurityEvents(ctx context.Context, kind string, limit int) ([]moderation.SecurityEvent, error)
}

type ServerConfig struct {
	JWTSecret      string
	CORSOrigin     string
	Pinger         Pinger
	Profiles       ProfileProjector
	SecurityEvents SecurityEventLister
}

type HTTPServer struct {
	service        *moderation.Service
	jwtSecret      []byte
	corsOrigin     string
	pinger         Pinger
	profiles       ProfileProjector
	securityEvents SecurityEventLister
	projected      sync.Map
	echo           *echo.Echo
}

func NewHTTPServer(service *moderation.Service, cfg ServerConfig) *HTTPServer {
	s := &HTTPServer{
		service:        service,
		jwtSecret:      []byte(cfg.JWTSecret),
		corsOrigin:     cfg.CORSOrigin,
		pinger:         cfg.Pinger,
		profiles:       cfg.Profiles,
		securityEvents: cfg.SecurityEvents,
	}
	if s.corsOrigin == "" {
		s.corsOrigin = "*"
	}
	s.echo = s.routes()
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.echo
}

func (s *HTTPServer) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			event := log.Info()
			if v.Status >= http.StatusInternalServerError {
				event = log.Error().Err(v.Error)
			}
			event.
				Str("request_id", v.RequestID).
				Str("method", v.Method).
				Str("path", v.URI).
				Int("status", v.Status).
				Int64("duration_ms", v.Latency.Milliseconds()).
				Msg("request")
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{s.corsOrigin},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, echo.HeaderXRequestID},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
	}))
	e.Use(noStore, observeRequest)

	e.GET("/health", s.handleHealth)
	e.GET("/ready", s.handleReady)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("", s.authenticate)

	api.POST("/reports", s.handleSubmitReport)
	api.GET("/reports", s.handleListReports)
	api.GET("/reports/search", s.handleSearchReports)
	api.GET("/reports/:id", s.handleGetReport)
	api.PATCH("/reports/:id", s.handleUpdateReport)
	api.POST("/reports/:id/freeze", s.handleFreezeReport)

	api.POST("/actions", s.handleRecordAction)
	api.GET("/actions/:id", s.handleGetAction)
	api.PATCH("/actions/:id", s.handleAnnotateAction)
	api.DELETE("/actions/:id", s.handleDeleteAction)
	api.POST("/actions/:id/reverse", s.handleReverseAction)
	api.POST("/actions/:id/reapply", s.handleReapplyAction)

	api.POST("/restrictions", s.handleApplyRestriction)
	api.POST("/restrictions/:id/lift", s.handleLiftRestriction)
	api.GET("/users/:id/restrictions", s.handleListRestrictions)
	api.GET("/users/:id/can/:capability", s.handleCanPerform)

	api.POST("/admin/sweep-expirations", s.handleSweep)
	api.GET("/admin/sweep-runs", s.handleSweepRuns)
	api.GET("/admin/reversal-metrics", s.handleReversalMetrics)
	api.POST("/admin/audit-export", s.handleAuditExport)
	api.GET("/admin/security-events", s.handleSecurityEvents)

	return e
}

func (s *HTTPServer) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if s.pinger != nil {
		if err := s.pinger.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
	}
	return c.JSON(statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

type actorKey struct{}

// authenticate turns the bearer token into the request's Actor.
func (s *HTTPServer) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := bearerToken(c.Request())
		if token == "" {
			return moderation.ErrUnauthenticated
		}
		claims, err := auth.ParseToken(s.jwtSecret, token)
		if err != nil {
			return err
		}
		actor := moderation.Actor{ID: claims.Subject, Role: rbac.Normalize(claims.Role)}
		s.project(c.Request().Context(), actor)

		ctx := context.WithValue(c.Request().Context(), actorKey{}, actor)
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

// project records staff roles once per process. Failures are retried on the
// next request.
func (s *HTTPServer) project(ctx context.Context, actor moderation.Actor) {
	if s.profiles == nil || !actor.Role.Privileged() {
		return
	}
	key := actor.ID + "|" + string(actor.Role)
	if _, done := s.projected.Load(key); done {
		return
	}
	if err := s.profiles.UpsertProfileRole(ctx, actor.ID, actor.Role); err != nil {
		log.Warn().Err(err).Str("user_id", actor.ID).Msg("profile role projection failed")
		return
	}
	s.projected.Store(key, struct{}{})
}

func actorFrom(c echo.Context) moderation.Actor {
	actor, _ := c.Request().Context().Value(actorKey{}).(moderation.Actor)
	return actor
}

func (s *HTTPServer) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		log.Error().Err(err).Str("path", c.Request().URL.Path).Msg("request failed")
	}
	if writeErr := writeError(c, status, code, message, details); writeErr != nil {
		log.Warn().Err(writeErr).Msg("write error response")
	}
}

func writeError(c echo.Context, status int, code, message string, details any) error {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	if status == http.StatusServiceUnavailable {
		response["retryable"] = true
	}
	if c.Request().Method == http.MethodHead {
		return c.NoContent(status)
	}
	return c.JSON(status, response)
}

func noStore(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Set("Cache-Control", "no-store")
		return next(c)
	}
}

func observeRequest(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		started := time.Now()
		err := next(c)

		status := c.Response().Status
		if err != nil {
			status, _, _, _ = mapError(err)
		}
		route := c.Path()
		if route == "" {
			route = "unmatched"
		}
		httpRequestDuration.
			WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
			Observe(time.Since(started).Seconds())
		return err
	}
}

// bindBody decodes a JSON body. An empty body leaves target untouched.
func bindBody(c echo.Context, target any) error {
	if err := (&echo.DefaultBinder{}).BindBody(c, target); err != nil {
		return domainError(http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get(echo.HeaderAuthorization))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// queryInt reads an optional positive integer query parameter.
func queryInt(c echo.Context, name string) (int, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", name+" must be a non-negative integer", map[string]any{"field": name})
	}
	return n, nil
}

const defaultWindow = 30 * 24 * time.Hour

// queryWindow reads the RFC3339 start and end parameters. A missing end is
// now and a missing start is thirty days before end.
func queryWindow(c echo.Context, now time.Time) (time.Time, time.Time, error) {
	end := now.UTC()
	if raw := strings.TrimSpace(c.QueryParam("end")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "end must be an RFC3339 timestamp", map[string]any{"field": "end"})
		}
		end = parsed.UTC()
	}
	start := end.Add(-defaultWindow)
	if raw := strings.TrimSpace(c.QueryParam("start")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "start must be an RFC3339 timestamp", map[string]any{"field": "start"})
		}
		start = parsed.UTC()
	}
	return start, end, nil
}
