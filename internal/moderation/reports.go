package moderation

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"modledger/api/internal/rbac"
	"modledger/api/internal/util"
)

const maxDescriptionLength = 4000

type SubmitReportInput struct {
	Kind           ReportKind   `json:"kind"`
	TargetID       string       `json:"targetId"`
	Reason         ReportReason `json:"reason"`
	Description    string       `json:"description"`
	ReportedUserID string       `json:"reportedUserId"`
}

type TransitionInput struct {
	Status      ReportStatus `json:"status"`
	Notes       *string      `json:"notes"`
	ActionTaken *string      `json:"actionTaken"`
}

// reportTransitions lists the legal forward moves of a report.
var reportTransitions = map[ReportStatus][]ReportStatus{
	StatusPending:     {StatusUnderReview, StatusResolved, StatusDismissed},
	StatusUnderReview: {StatusResolved, StatusDismissed},
}

func canTransition(from, to ReportStatus) bool {
	for _, next := range reportTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func allowedReasons() []string {
	out := make([]string, 0, len(reasonPriority))
	for reason := range reasonPriority {
		out = append(out, string(reason))
	}
	sort.Strings(out)
	return out
}

func (in SubmitReportInput) validate() error {
	if !ValidReportKind(in.Kind) {
		return validationError("kind", "unknown report kind")
	}
	if strings.TrimSpace(in.TargetID) == "" {
		return validationError("targetId", "targetId is required")
	}
	if !ValidReason(in.Reason) {
		return newError(ErrInvalidReason, "INVALID_REASON", "reason is not one of the allowed categories",
			map[string]any{"field": "reason", "allowed": allowedReasons()})
	}
	if len(in.Description) > maxDescriptionLength {
		return validationError("description", "description is too long")
	}
	return nil
}

// SubmitReport files a user report. Priority follows the reason's severity.
func (s *Service) SubmitReport(ctx context.Context, reporter Actor, in SubmitReportInput) (Report, error) {
	if reporter.ID == "" {
		return Report{}, newError(ErrUnauthenticated, "UNAUTHENTICATED", "a reporter is required", nil)
	}
	if err := s.require(reporter, rbac.CapSubmitReport); err != nil {
		return Report{}, err
	}
	return s.createReport(ctx, strPtr(reporter.ID), in, false, PriorityForReason(in.Reason))
}

// FlagReport is the privileged submission path for moderation staff.
func (s *Service) FlagReport(ctx context.Context, moderator Actor, in SubmitReportInput) (Report, error) {
	if err := s.require(moderator, rbac.CapFlagContent); err != nil {
		return Report{}, err
	}
	return s.createReport(ctx, strPtr(moderator.ID), in, true, 1)
}

// SubmitSystemReport files a report raised by automation. It has no reporter.
func (s *Service) SubmitSystemReport(ctx context.Context, in SubmitReportInput) (Report, error) {
	return s.createReport(ctx, nil, in, true, 1)
}

func (s *Service) createReport(ctx context.Context, reporterID *string, in SubmitReportInput, flagged bool, priority int) (Report, error) {
	in.TargetID = strings.TrimSpace(in.TargetID)
	in.Description = strings.TrimSpace(in.Description)
	if err := in.validate(); err != nil {
		return Report{}, err
	}
	now := s.clock()
	report := Report{
		ID:               util.NewID("rpt"),
		ReporterID:       reporterID,
		ReportedUserID:   strPtr(strings.TrimSpace(in.ReportedUserID)),
		Kind:             in.Kind,
		TargetID:         in.TargetID,
		Reason:           in.Reason,
		Description:      in.Description,
		Status:           StatusPending,
		Priority:         priority,
		ModeratorFlagged: flagged,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err := s.store.InTx(ctx, func(tx Tx) error {
		return tx.InsertReport(ctx, report)
	})
	if err != nil {
		return Report{}, err
	}
	reportsSubmitted.WithLabelValues(string(report.Reason), strconv.FormatBool(flagged)).Inc()
	log.Info().
		Str("report_id", report.ID).
		Str("kind", string(report.Kind)).
		Str("reason", string(report.Reason)).
		Int("priority", report.Priority).
		Bool("moderator_flagged", flagged).
		Msg("report submitted")
	s.index(report)
	return report, nil
}

// TransitionReport moves a report forward in the review workflow.
func (s *Service) TransitionReport(ctx context.Context, reviewer Actor, id string, in TransitionInput) (Report, error) {
	if err := s.require(reviewer, rbac.CapReviewReports); err != nil {
		return Report{}, err
	}
	switch in.Status {
	case StatusPending, StatusUnderReview, StatusResolved, StatusDismissed:
	default:
		return Report{}, validationError("status", "unknown report status")
	}

	var updated Report
	err := s.store.InTx(ctx, func(tx Tx) error {
		report, err := tx.LockReport(ctx, id)
		if err != nil {
			return err
		}
		if report.FrozenAt != nil {
			return newError(ErrReportFrozen, "REPORT_FROZEN", "report is frozen", map[string]any{"frozenAt": report.FrozenAt})
		}
		if !canTransition(report.Status, in.Status) {
			return newError(ErrInvalidTransition, "INVALID_TRANSITION", "report cannot move to the requested status",
				map[string]any{"from": report.Status, "to": in.Status})
		}
		now := s.clock()
		if report.Status == StatusPending {
			report.ReviewerID = strPtr(reviewer.ID)
			report.ReviewedAt = &now
		}
		report.Status = in.Status
		applyReportNotes(&report, in.Notes, in.ActionTaken)
		report.UpdatedAt = now
		if err := tx.UpdateReport(ctx, report); err != nil {
			return err
		}
		updated = report
		return nil
	})
	if err != nil {
		return Report{}, err
	}
	log.Info().Str("report_id", id).Str("status", string(updated.Status)).Str("reviewer", reviewer.ID).Msg("report transitioned")
	s.index(updated)
	return updated, nil
}

// AnnotateReport edits resolution notes without changing status. Allowed
// until the report is frozen.
func (s *Service) AnnotateReport(ctx context.Context, reviewer Actor, id string, notes, actionTaken *string) (Report, error) {
	if err := s.require(reviewer, rbac.CapReviewReports); err != nil {
		return Report{}, err
	}
	if notes == nil && actionTaken == nil {
		return Report{}, validationError("notes", "nothing to update")
	}
	var updated Report
	err := s.store.InTx(ctx, func(tx Tx) error {
		report, err := tx.LockReport(ctx, id)
		if err != nil {
			return err
		}
		if report.FrozenAt != nil {
			return newError(ErrReportFrozen, "REPORT_FROZEN", "report is frozen", map[string]any{"frozenAt": report.FrozenAt})
		}
		applyReportNotes(&report, notes, actionTaken)
		report.UpdatedAt = s.clock()
		if err := tx.UpdateReport(ctx, report); err != nil {
			return err
		}
		updated = report
		return nil
	})
	if err != nil {
		return Report{}, err
	}
	s.index(updated)
	return updated, nil
}

// FreezeReport makes a resolved or dismissed report read-only.
func (s *Service) FreezeReport(ctx context.Context, admin Actor, id string) (Report, error) {
	if err := s.require(admin, rbac.CapFreezeReport); err != nil {
		return Report{}, err
	}
	var updated Report
	err := s.store.InTx(ctx, func(tx Tx) error {
		report, err := tx.LockReport(ctx, id)
		if err != nil {
			return err
		}
		if report.FrozenAt != nil {
			return newError(ErrReportFrozen, "REPORT_FROZEN", "report is already frozen", map[string]any{"frozenAt": report.FrozenAt})
		}
		if !report.Terminal() {
			return newError(ErrInvalidTransition, "INVALID_TRANSITION", "only resolved or dismissed reports can be frozen",
				map[string]any{"status": report.Status})
		}
		now := s.clock()
		report.FrozenAt = &now
		report.UpdatedAt = now
		if err := tx.UpdateReport(ctx, report); err != nil {
			return err
		}
		updated = report
		return nil
	})
	if err != nil {
		return Report{}, err
	}
	return updated, nil
}

func (s *Service) GetReport(ctx context.Context, actor Actor, id string) (Report, error) {
	if err := s.require(actor, rbac.CapReviewReports); err != nil {
		return Report{}, err
	}
	return s.reader.GetReport(ctx, id)
}

// ListReports returns the review queue, highest priority first.
func (s *Service) ListReports(ctx context.Context, actor Actor, filter ReportFilter) ([]Report, error) {
	if err := s.require(actor, rbac.CapReviewReports); err != nil {
		return nil, err
	}
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	return s.reader.ListReports(ctx, filter)
}

// SearchReports runs a free-text query over the report queue. Without a
// configured searcher it fails as transient.
func (s *Service) SearchReports(ctx context.Context, actor Actor, text string, limit int) ([]Report, error) {
	if err := s.require(actor, rbac.CapReviewReports); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, validationError("q", "query is required")
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if s.searcher == nil {
		return nil, newError(ErrTransient, "SEARCH_UNAVAILABLE", "report search is not configured", nil)
	}
	return s.searcher.SearchReports(ctx, text, limit)
}

func applyReportNotes(report *Report, notes, actionTaken *string) {
	if notes != nil {
		report.ResolutionNotes = strings.TrimSpace(*notes)
	}
	if actionTaken != nil {
		report.ActionTaken = strings.TrimSpace(*actionTaken)
	}
}
