package memstore

import (
	"context"
	"fmt"
	"time"

	"modledger/api/internal/moderation"
	"modledger/api/internal/rbac"
)

type tx struct {
	state *state
	fault func(op, id string) error
}

func (t *tx) check(op, id string) error {
	if t.fault == nil {
		return nil
	}
	return t.fault(op, id)
}

func (t *tx) GetReport(ctx context.Context, id string) (moderation.Report, error) {
	return t.state.getReport(id)
}

func (t *tx) ListReports(ctx context.Context, filter moderation.ReportFilter) ([]moderation.Report, error) {
	return t.state.listReports(filter), nil
}

func (t *tx) GetAction(ctx context.Context, id string) (moderation.Action, error) {
	return t.state.getAction(id)
}

func (t *tx) ListActions(ctx context.Context, start, end time.Time) ([]moderation.Action, error) {
	return t.state.listActions(start, end), nil
}

func (t *tx) GetRestriction(ctx context.Context, id string) (moderation.Restriction, error) {
	return t.state.getRestriction(id)
}

func (t *tx) ActiveRestrictions(ctx context.Context, userID string, now time.Time) ([]moderation.Restriction, error) {
	return t.state.activeRestrictions(userID, now), nil
}

func (t *tx) FindBlockingRestriction(ctx context.Context, userID string, kinds []moderation.RestrictionKind, now time.Time) (*moderation.Restriction, error) {
	return t.state.findBlocking(userID, kinds, now), nil
}

func (t *tx) ExpiredRestrictions(ctx context.Context, now time.Time, after moderation.SweepCursor, limit int) ([]moderation.Restriction, error) {
	return t.state.expired(now, after, limit), nil
}

func (t *tx) StaleSuspensions(ctx context.Context, now time.Time) ([]string, error) {
	return t.state.staleSuspensions(now), nil
}

func (t *tx) GetProfile(ctx context.Context, userID string) (moderation.Profile, error) {
	return t.state.getProfile(userID)
}

func (t *tx) ListSweepRuns(ctx context.Context, limit int) ([]moderation.SweepRun, error) {
	return nil, nil
}

func (t *tx) LockReport(ctx context.Context, id string) (moderation.Report, error) {
	return t.state.getReport(id)
}

func (t *tx) LockAction(ctx context.Context, id string) (moderation.Action, error) {
	return t.state.getAction(id)
}

func (t *tx) InsertReport(ctx context.Context, report moderation.Report) error {
	if err := t.check("insert_report", report.ID); err != nil {
		return err
	}
	if report.Priority < 1 || report.Priority > 5 {
		return fmt.Errorf("insert report: priority %d: %w", report.Priority, moderation.ErrValidation)
	}
	if report.ReporterID != nil {
		for _, r := range t.state.reports {
			if r.Status == moderation.StatusPending && r.ReporterID != nil && *r.ReporterID == *report.ReporterID &&
				r.Kind == report.Kind && r.TargetID == report.TargetID {
				return fmt.Errorf("insert report: %w", moderation.ErrDuplicateReport)
			}
		}
	}
	t.state.reports[report.ID] = report
	return nil
}

func (t *tx) UpdateReport(ctx context.Context, report moderation.Report) error {
	if err := t.check("update_report", report.ID); err != nil {
		return err
	}
	if _, ok := t.state.reports[report.ID]; !ok {
		return fmt.Errorf("update report %s: %w", report.ID, moderation.ErrNotFound)
	}
	t.state.reports[report.ID] = report
	return nil
}

func (t *tx) InsertAction(ctx context.Context, action moderation.Action) error {
	if err := t.check("insert_action", action.ID); err != nil {
		return err
	}
	if (action.RevokedAt == nil) != (action.RevokedBy == nil) {
		return fmt.Errorf("insert action: revocation fields must be paired: %w", moderation.ErrValidation)
	}
	action.Metadata = action.Metadata.Clone()
	t.state.actions[action.ID] = action
	return nil
}

// UpdateAction mirrors the database guard trigger.
func (t *tx) UpdateAction(ctx context.Context, action moderation.Action) error {
	if err := t.check("update_action", action.ID); err != nil {
		return err
	}
	old, ok := t.state.actions[action.ID]
	if !ok {
		return fmt.Errorf("update action %s: %w", action.ID, moderation.ErrNotFound)
	}
	if v := moderation.CheckActionUpdate(old, action); v != nil {
		return fmt.Errorf("update action %s: %s: %w", action.ID, v.Field, moderation.ErrImmutable)
	}
	action.Metadata = action.Metadata.Clone()
	t.state.actions[action.ID] = action
	return nil
}

func (t *tx) DeleteAction(ctx context.Context, id string) error {
	if err := t.check("delete_action", id); err != nil {
		return err
	}
	action, ok := t.state.actions[id]
	if !ok {
		return fmt.Errorf("delete action %s: %w", id, moderation.ErrNotFound)
	}
	if moderation.CheckActionDelete(action) != nil {
		return fmt.Errorf("delete action %s: %w", id, moderation.ErrImmutable)
	}
	for _, r := range t.state.restrictions {
		if r.ActionID != nil && *r.ActionID == id {
			return fmt.Errorf("delete action %s: referenced by restriction %s: %w", id, r.ID, moderation.ErrConflict)
		}
	}
	delete(t.state.actions, id)
	return nil
}

func (t *tx) InsertRestriction(ctx context.Context, r moderation.Restriction) error {
	if err := t.check("insert_restriction", r.ID); err != nil {
		return err
	}
	if r.IsActive && t.state.activeFor(r.UserID, r.Kind) != nil {
		return fmt.Errorf("insert restriction: %s for %s: %w", r.Kind, r.UserID, moderation.ErrAlreadyRestricted)
	}
	if r.ActionID != nil {
		if _, ok := t.state.actions[*r.ActionID]; !ok {
			return fmt.Errorf("insert restriction: action %s: %w", *r.ActionID, moderation.ErrConflict)
		}
	}
	t.state.restrictions[r.ID] = r
	return nil
}

func (t *tx) ActiveRestrictionFor(ctx context.Context, userID string, kind moderation.RestrictionKind) (*moderation.Restriction, error) {
	return t.state.activeFor(userID, kind), nil
}

func (t *tx) RestrictionsForAction(ctx context.Context, actionID string) ([]moderation.Restriction, error) {
	return t.state.restrictionsForAction(actionID), nil
}

func (t *tx) DeactivateRestriction(ctx context.Context, id string, at time.Time) (bool, error) {
	if err := t.check("deactivate_restriction", id); err != nil {
		return false, err
	}
	r, ok := t.state.restrictions[id]
	if !ok {
		return false, fmt.Errorf("deactivate restriction %s: %w", id, moderation.ErrNotFound)
	}
	if !r.IsActive {
		return false, nil
	}
	r.IsActive = false
	r.DeactivatedAt = &at
	r.UpdatedAt = at
	t.state.restrictions[id] = r
	return true, nil
}

func (t *tx) SetSuspension(ctx context.Context, userID string, until *time.Time, reason string, at time.Time) error {
	if err := t.check("set_suspension", userID); err != nil {
		return err
	}
	p, ok := t.state.profiles[userID]
	if !ok {
		p = moderation.Profile{UserID: userID, Role: rbac.RoleUser}
	}
	p.SuspendedUntil = until
	p.SuspensionReason = reason
	p.UpdatedAt = at
	t.state.profiles[userID] = p
	return nil
}
