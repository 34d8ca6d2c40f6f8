package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"modledger/api/internal/moderation"
	"modledger/api/internal/rbac"
)

func (s *HTTPServer) handleSweep(c echo.Context) error {
	run, err := s.service.RunSweep(c.Request().Context(), actorFrom(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func (s *HTTPServer) handleSweepRuns(c echo.Context) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	items, err := s.service.ListSweepRuns(c.Request().Context(), actorFrom(c), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleReversalMetrics(c echo.Context) error {
	start, end, err := queryWindow(c, time.Now())
	if err != nil {
		return err
	}
	metrics, err := s.service.ReversalMetrics(c.Request().Context(), actorFrom(c), start, end)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, metrics)
}

func (s *HTTPServer) handleAuditExport(c echo.Context) error {
	start, end, err := queryWindow(c, time.Now())
	if err != nil {
		return err
	}
	export, err := s.service.ExportAudit(c.Request().Context(), actorFrom(c), start, end)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, export)
}

func (s *HTTPServer) handleSecurityEvents(c echo.Context) error {
	actor := actorFrom(c)
	if !rbac.Can(actor.Role, rbac.CapViewAudit) {
		return moderation.ErrForbidden
	}
	if s.securityEvents == nil {
		return domainError(http.StatusServiceUnavailable, "UNAVAILABLE", "security log is not configured", nil)
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	items, err := s.securityEvents.RecentSecurityEvents(c.Request().Context(), strings.TrimSpace(c.QueryParam("kind")), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}
