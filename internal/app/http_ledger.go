package app

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"modledger/api/internal/moderation"
)

type reasonBody struct {
	Reason string `json:"reason"`
}

func (s *HTTPServer) handleRecordAction(c echo.Context) error {
	var body moderation.RecordActionInput
	if err := bindBody(c, &body); err != nil {
		return err
	}
	action, err := s.service.RecordAction(c.Request().Context(), actorFrom(c), body)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, action)
}

func (s *HTTPServer) handleGetAction(c echo.Context) error {
	action, err := s.service.GetAction(c.Request().Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, action)
}

func (s *HTTPServer) handleAnnotateAction(c echo.Context) error {
	var body moderation.AnnotateActionInput
	if err := bindBody(c, &body); err != nil {
		return err
	}
	action, err := s.service.AnnotateAction(c.Request().Context(), actorFrom(c), c.Param("id"), body)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, action)
}

func (s *HTTPServer) handleDeleteAction(c echo.Context) error {
	if err := s.service.DeleteAction(c.Request().Context(), actorFrom(c), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *HTTPServer) handleReverseAction(c echo.Context) error {
	var body reasonBody
	if err := bindBody(c, &body); err != nil {
		return err
	}
	action, err := s.service.ReverseAction(c.Request().Context(), actorFrom(c), c.Param("id"), body.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, action)
}

func (s *HTTPServer) handleReapplyAction(c echo.Context) error {
	var body reasonBody
	if err := bindBody(c, &body); err != nil {
		return err
	}
	action, err := s.service.ReapplyAction(c.Request().Context(), actorFrom(c), c.Param("id"), body.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, action)
}

func (s *HTTPServer) handleApplyRestriction(c echo.Context) error {
	var body moderation.ApplyRestrictionInput
	if err := bindBody(c, &body); err != nil {
		return err
	}
	restriction, err := s.service.ApplyRestriction(c.Request().Context(), actorFrom(c), body)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, restriction)
}

func (s *HTTPServer) handleLiftRestriction(c echo.Context) error {
	var body reasonBody
	if err := bindBody(c, &body); err != nil {
		return err
	}
	restriction, err := s.service.LiftRestriction(c.Request().Context(), actorFrom(c), c.Param("id"), body.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, restriction)
}

func (s *HTTPServer) handleListRestrictions(c echo.Context) error {
	items, err := s.service.ListActiveRestrictions(c.Request().Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleCanPerform(c echo.Context) error {
	capability := moderation.Capability(c.Param("capability"))
	decision, err := s.service.CheckCapability(c.Request().Context(), actorFrom(c), c.Param("id"), capability)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, decision)
}
