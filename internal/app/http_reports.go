package app

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"modledger/api/internal/moderation"
)

func (s *HTTPServer) handleSubmitReport(c echo.Context) error {
	var body struct {
		moderation.SubmitReportInput
		Flag bool `json:"flag"`
	}
	if err := bindBody(c, &body); err != nil {
		return err
	}

	submit := s.service.SubmitReport
	if body.Flag {
		submit = s.service.FlagReport
	}
	report, err := submit(c.Request().Context(), actorFrom(c), body.SubmitReportInput)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, report)
}

func (s *HTTPServer) handleListReports(c echo.Context) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	filter := moderation.ReportFilter{
		Status: moderation.ReportStatus(strings.TrimSpace(c.QueryParam("status"))),
		Limit:  limit,
	}
	items, err := s.service.ListReports(c.Request().Context(), actorFrom(c), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleSearchReports(c echo.Context) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	items, err := s.service.SearchReports(c.Request().Context(), actorFrom(c), c.QueryParam("q"), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleGetReport(c echo.Context) error {
	report, err := s.service.GetReport(c.Request().Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

// handleUpdateReport moves the report when a status is given and otherwise
// edits its notes.
func (s *HTTPServer) handleUpdateReport(c echo.Context) error {
	var body moderation.TransitionInput
	if err := bindBody(c, &body); err != nil {
		return err
	}

	var (
		report moderation.Report
		err    error
	)
	if body.Status != "" {
		report, err = s.service.TransitionReport(c.Request().Context(), actorFrom(c), c.Param("id"), body)
	} else {
		report, err = s.service.AnnotateReport(c.Request().Context(), actorFrom(c), c.Param("id"), body.Notes, body.ActionTaken)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (s *HTTPServer) handleFreezeReport(c echo.Context) error {
	report, err := s.service.FreezeReport(c.Request().Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}
