package moderation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"modledger/api/internal/rbac"
	"modledger/api/internal/util"
)

const maxDurationDays = 3650

type RecordActionInput struct {
	TargetUserID    string          `json:"targetUserId"`
	Kind            ActionKind      `json:"kind"`
	TargetContent   *ContentRef     `json:"targetContent"`
	Reason          string          `json:"reason"`
	DurationDays    *int            `json:"durationDays"`
	RelatedReportID string          `json:"relatedReportId"`
	RestrictionType RestrictionKind `json:"restrictionType"`
	InternalNotes   string          `json:"internalNotes"`
	// Replace deactivates an active restriction of the same kind instead of
	// failing with ErrAlreadyRestricted.
	Replace bool `json:"replace"`
}

// AnnotateActionInput is an administrative patch of a ledger entry. Every
// field is optional; the reversal guard decides what may change.
type AnnotateActionInput struct {
	InternalNotes   *string         `json:"internalNotes"`
	Metadata        *ActionMetadata `json:"metadata"`
	RevokedAt       *time.Time      `json:"revokedAt"`
	RevokedBy       *string         `json:"revokedBy"`
	ClearRevocation bool            `json:"clearRevocation"`
}

// restrictionFor returns the restriction kind an action kind writes, if any.
func restrictionFor(kind ActionKind, requested RestrictionKind) (RestrictionKind, bool) {
	switch kind {
	case ActionUserSuspended, ActionUserBanned:
		return RestrictionSuspended, true
	case ActionRestrictionApplied:
		return requested, true
	default:
		return "", false
	}
}

func (in *RecordActionInput) normalize() error {
	in.TargetUserID = strings.TrimSpace(in.TargetUserID)
	in.Reason = strings.TrimSpace(in.Reason)
	in.RelatedReportID = strings.TrimSpace(in.RelatedReportID)
	in.InternalNotes = strings.TrimSpace(in.InternalNotes)

	if !ValidActionKind(in.Kind) {
		return validationError("kind", "unknown action kind")
	}
	if in.Reason == "" {
		return validationError("reason", "reason is required")
	}
	if in.DurationDays != nil && (*in.DurationDays <= 0 || *in.DurationDays > maxDurationDays) {
		return validationError("durationDays", fmt.Sprintf("durationDays must be between 1 and %d", maxDurationDays))
	}
	switch in.Kind {
	case ActionContentRemoved, ActionContentApproved:
		if in.TargetContent == nil || strings.TrimSpace(in.TargetContent.ID) == "" || strings.TrimSpace(in.TargetContent.Kind) == "" {
			return validationError("targetContent", "content actions need a target content kind and id")
		}
	case ActionUserWarned, ActionUserSuspended, ActionUserBanned, ActionRestrictionApplied:
		if in.TargetUserID == "" {
			return validationError("targetUserId", "user actions need a target user")
		}
	}
	switch in.Kind {
	case ActionUserBanned:
		if in.DurationDays != nil {
			return validationError("durationDays", "a ban is permanent; use user_suspended for a timed suspension")
		}
	case ActionRestrictionApplied:
		if !ValidRestrictionKind(in.RestrictionType) || in.RestrictionType == RestrictionSuspended {
			return validationError("restrictionType", "restriction_applied needs a capability restriction type")
		}
	default:
		in.RestrictionType = ""
	}
	return nil
}

// checkTarget refuses actions against moderation staff unless the caller may
// target privileged accounts.
func (s *Service) checkTarget(ctx context.Context, r Reader, actor Actor, userID string) error {
	if userID == "" || rbac.Can(actor.Role, rbac.CapTargetPrivileged) {
		return nil
	}
	profile, err := r.GetProfile(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if profile.Role.Privileged() {
		return forbidden("only an admin may act against moderation staff")
	}
	return nil
}

// RecordAction appends an entry to the ledger. Restrictive kinds write their
// restriction and the profile shadow in the same transaction.
func (s *Service) RecordAction(ctx context.Context, moderator Actor, in RecordActionInput) (Action, error) {
	if err := s.require(moderator, rbac.CapRecordAction); err != nil {
		return Action{}, err
	}
	return s.recordAction(ctx, moderator, in, "")
}

// ReapplyAction records a fresh copy of a reversed action. The original entry
// is left untouched.
func (s *Service) ReapplyAction(ctx context.Context, moderator Actor, id, reason string) (Action, error) {
	if err := s.require(moderator, rbac.CapRecordAction); err != nil {
		return Action{}, err
	}
	original, err := s.store.GetAction(ctx, id)
	if err != nil {
		return Action{}, err
	}
	if !original.Reversed() {
		return Action{}, newError(ErrConflict, "NOT_REVERSED", "only a reversed action can be reapplied", map[string]any{"actionId": id})
	}
	in := RecordActionInput{
		TargetUserID:    deref(original.TargetUserID),
		Kind:            original.Kind,
		TargetContent:   original.TargetContent,
		Reason:          reason,
		DurationDays:    original.DurationDays,
		RelatedReportID: deref(original.RelatedReportID),
		RestrictionType: original.Metadata.RestrictionType,
		InternalNotes:   original.InternalNotes,
	}
	return s.recordAction(ctx, moderator, in, original.ID)
}

func (s *Service) recordAction(ctx context.Context, moderator Actor, in RecordActionInput, reappliedFrom string) (Action, error) {
	if err := in.normalize(); err != nil {
		return Action{}, err
	}

	now := s.clock()
	action := Action{
		ID:            util.NewID("act"),
		ModeratorID:   moderator.ID,
		TargetUserID:  strPtr(in.TargetUserID),
		Kind:          in.Kind,
		TargetContent: in.TargetContent,
		Reason:        in.Reason,
		DurationDays:  in.DurationDays,
		InternalNotes: in.InternalNotes,
		CreatedAt:     now,
	}
	if in.RelatedReportID != "" {
		action.RelatedReportID = &in.RelatedReportID
	}
	if in.DurationDays != nil {
		expires := now.AddDate(0, 0, *in.DurationDays)
		action.ExpiresAt = &expires
	}

	change := StateChange{Timestamp: now, Action: StateApplied, ByUserID: moderator.ID, Reason: in.Reason}
	if reappliedFrom != "" {
		change.Action = StateReapplied
		action.Metadata.ReappliedFrom = reappliedFrom
	}
	if err := action.Metadata.Append(change); err != nil {
		return Action{}, err
	}

	var restriction *Restriction
	if kind, ok := restrictionFor(in.Kind, in.RestrictionType); ok {
		restriction = &Restriction{
			ID:        util.NewID("rst"),
			UserID:    in.TargetUserID,
			Kind:      kind,
			ExpiresAt: action.ExpiresAt,
			IsActive:  true,
			Reason:    in.Reason,
			AppliedBy: moderator.ID,
			ActionID:  &action.ID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		action.Metadata.RestrictionID = restriction.ID
		action.Metadata.RestrictionType = kind
	}
	action.NotificationMessage = actionNotice(action)

	err := s.store.InTx(ctx, func(tx Tx) error {
		if err := s.checkTarget(ctx, tx, moderator, in.TargetUserID); err != nil {
			return err
		}
		if reappliedFrom != "" {
			original, err := tx.LockAction(ctx, reappliedFrom)
			if err != nil {
				return err
			}
			if !original.Reversed() {
				return newError(ErrConflict, "NOT_REVERSED", "only a reversed action can be reapplied", map[string]any{"actionId": reappliedFrom})
			}
		}
		if action.RelatedReportID != nil {
			if _, err := tx.GetReport(ctx, *action.RelatedReportID); err != nil {
				return err
			}
		}
		if err := tx.InsertAction(ctx, action); err != nil {
			return err
		}
		if restriction != nil {
			return s.placeRestriction(ctx, tx, *restriction, in.Replace)
		}
		return nil
	})
	if err != nil {
		return Action{}, err
	}

	actionsRecorded.WithLabelValues(string(action.Kind)).Inc()
	log.Info().
		Str("action_id", action.ID).
		Str("kind", string(action.Kind)).
		Str("moderator_id", moderator.ID).
		Str("target_user_id", in.TargetUserID).
		Str("reapplied_from", reappliedFrom).
		Msg("moderation action recorded")

	if restriction != nil {
		s.invalidate(ctx, restriction.UserID)
	}
	if action.TargetUserID != nil && action.NotificationMessage != "" {
		sent := s.notify(ctx, Notification{
			UserID:   *action.TargetUserID,
			Title:    actionTitle(action.Kind),
			Message:  action.NotificationMessage,
			Metadata: map[string]any{"actionId": action.ID, "kind": string(action.Kind)},
		})
		if sent {
			action.NotificationSent = true
			s.markNotified(ctx, action.ID)
		}
	}
	return action, nil
}

// placeRestriction inserts a restriction and mirrors suspensions into the
// profile shadow. With replace set, the active row of the same kind is
// deactivated first.
func (s *Service) placeRestriction(ctx context.Context, tx Tx, r Restriction, replace bool) error {
	if replace {
		existing, err := tx.ActiveRestrictionFor(ctx, r.UserID, r.Kind)
		if err != nil {
			return err
		}
		if existing != nil {
			if _, err := tx.DeactivateRestriction(ctx, existing.ID, r.CreatedAt); err != nil {
				return err
			}
		}
	}
	if err := tx.InsertRestriction(ctx, r); err != nil {
		return err
	}
	if r.Kind == RestrictionSuspended {
		until := PermanentSuspension
		if r.ExpiresAt != nil {
			until = *r.ExpiresAt
		}
		return tx.SetSuspension(ctx, r.UserID, &until, r.Reason, r.CreatedAt)
	}
	return nil
}

func (s *Service) markNotified(ctx context.Context, id string) {
	err := s.store.InTx(ctx, func(tx Tx) error {
		action, err := tx.LockAction(ctx, id)
		if err != nil {
			return err
		}
		updated := action
		updated.NotificationSent = true
		_, err = s.updateAction(ctx, tx, action, updated)
		return err
	})
	if err != nil {
		log.Warn().Err(err).Str("action_id", id).Msg("failed to mark notification sent")
	}
}

// updateAction is the only path through which ledger rows change. It applies
// the reversal guard before the write and translates a guard rejection from
// the database into the same violation.
func (s *Service) updateAction(ctx context.Context, tx Tx, old, updated Action) (*Violation, error) {
	if v := CheckActionUpdate(old, updated); v != nil {
		return v, ImmutableError()
	}
	if err := tx.UpdateAction(ctx, updated); err != nil {
		if errors.Is(err, ErrImmutable) {
			return &Violation{ActionID: old.ID, Field: "row"}, ImmutableError()
		}
		return nil, err
	}
	return nil, nil
}

func (s *Service) canReverse(actor Actor, action Action) (self bool, err error) {
	self = action.ModeratorID == actor.ID
	if rbac.Can(actor.Role, rbac.CapReverseAction) {
		return self, nil
	}
	if self && s.policy.ModeratorSelfReversal && rbac.Can(actor.Role, rbac.CapRecordAction) {
		return self, nil
	}
	return self, forbidden("not allowed to reverse this action")
}

// ReverseAction marks an action reversed and lifts its restriction, all in
// one transaction under a row lock on the action.
func (s *Service) ReverseAction(ctx context.Context, revoker Actor, id, reason string) (Action, error) {
	if revoker.ID == "" {
		return Action{}, newError(ErrUnauthenticated, "UNAUTHENTICATED", "authentication required", nil)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Action{}, validationError("reason", "a reversal reason is required")
	}

	var (
		reversed  Action
		lifted    []Restriction
		violation *Violation
	)
	err := s.store.InTx(ctx, func(tx Tx) error {
		action, err := tx.LockAction(ctx, id)
		if err != nil {
			return err
		}
		self, err := s.canReverse(revoker, action)
		if err != nil {
			return err
		}
		if action.Reversed() {
			return newError(ErrAlreadyReversed, "ALREADY_REVERSED", "action was already reversed", map[string]any{
				"actionId":  action.ID,
				"revokedAt": action.RevokedAt,
				"revokedBy": action.RevokedBy,
			})
		}

		now := s.clock()
		updated := action
		updated.Metadata = action.Metadata.Clone()
		updated.RevokedAt = &now
		updated.RevokedBy = &revoker.ID
		updated.Metadata.ReversalReason = reason
		updated.Metadata.IsSelfReversal = self
		if err := updated.Metadata.Append(StateChange{
			Timestamp:    now,
			Action:       StateReversed,
			ByUserID:     revoker.ID,
			Reason:       reason,
			IsSelfAction: self,
		}); err != nil {
			return err
		}
		if violation, err = s.updateAction(ctx, tx, action, updated); err != nil {
			return err
		}

		if lifted, err = s.deactivateLinked(ctx, tx, updated, now); err != nil {
			return err
		}
		reversed = updated
		return nil
	})
	if violation != nil {
		return Action{}, s.rejectImmutable(ctx, revoker, "reverse", violation)
	}
	if err != nil {
		return Action{}, err
	}

	actionsReversed.WithLabelValues(string(reversed.Kind), strconv.FormatBool(reversed.Metadata.IsSelfReversal)).Inc()
	log.Info().
		Str("action_id", reversed.ID).
		Str("revoked_by", revoker.ID).
		Bool("self_reversal", reversed.Metadata.IsSelfReversal).
		Msg("moderation action reversed")

	for _, r := range lifted {
		s.invalidate(ctx, r.UserID)
		s.notify(ctx, Notification{
			UserID:   r.UserID,
			Title:    "Restriction lifted",
			Message:  fmt.Sprintf("A moderation decision was reversed and your %s has been restored.", restoredCapability[r.Kind]),
			Metadata: map[string]any{"actionId": reversed.ID, "restrictionId": r.ID},
		})
	}
	return reversed, nil
}

// deactivateLinked lifts every restriction tied to the action: the one it
// created and any applied later with its id. Only rows this call turned off
// are returned.
func (s *Service) deactivateLinked(ctx context.Context, tx Tx, action Action, at time.Time) ([]Restriction, error) {
	linked, err := tx.RestrictionsForAction(ctx, action.ID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(linked)+1)
	if action.Metadata.RestrictionID != "" {
		ids = append(ids, action.Metadata.RestrictionID)
	}
	for _, r := range linked {
		if r.IsActive && r.ID != action.Metadata.RestrictionID {
			ids = append(ids, r.ID)
		}
	}

	var lifted []Restriction
	for _, id := range ids {
		r, err := s.deactivate(ctx, tx, id, at)
		if err != nil {
			return nil, err
		}
		if r != nil {
			lifted = append(lifted, *r)
		}
	}
	return lifted, nil
}

// deactivate turns a restriction off and clears the suspension shadow when it
// was the active suspension. It returns the restriction only when this call
// changed it.
func (s *Service) deactivate(ctx context.Context, tx Tx, restrictionID string, at time.Time) (*Restriction, error) {
	r, err := tx.GetRestriction(ctx, restrictionID)
	if err != nil {
		return nil, err
	}
	wasActive, err := tx.DeactivateRestriction(ctx, r.ID, at)
	if err != nil {
		return nil, err
	}
	if !wasActive {
		return nil, nil
	}
	if r.Kind == RestrictionSuspended {
		if err := tx.SetSuspension(ctx, r.UserID, nil, "", at); err != nil {
			return nil, err
		}
	}
	r.IsActive = false
	r.DeactivatedAt = &at
	r.UpdatedAt = at
	return &r, nil
}

// AnnotateAction applies an administrative patch. Reversing through a patch
// is refused; everything else goes through the reversal guard.
func (s *Service) AnnotateAction(ctx context.Context, actor Actor, id string, in AnnotateActionInput) (Action, error) {
	if err := s.require(actor, rbac.CapAnnotateAction); err != nil {
		return Action{}, err
	}

	var (
		result    Action
		violation *Violation
	)
	err := s.store.InTx(ctx, func(tx Tx) error {
		action, err := tx.LockAction(ctx, id)
		if err != nil {
			return err
		}
		touchesRevocation := in.RevokedAt != nil || in.RevokedBy != nil || in.ClearRevocation
		if touchesRevocation && !action.Reversed() {
			return validationError("revokedAt", "use the reverse operation to reverse an action")
		}

		updated := action
		updated.Metadata = action.Metadata.Clone()
		if in.InternalNotes != nil {
			updated.InternalNotes = strings.TrimSpace(*in.InternalNotes)
		}
		if in.ClearRevocation {
			updated.RevokedAt, updated.RevokedBy = nil, nil
		}
		if in.RevokedAt != nil {
			at := in.RevokedAt.UTC()
			updated.RevokedAt = &at
		}
		if in.RevokedBy != nil {
			updated.RevokedBy = in.RevokedBy
		}
		if in.Metadata != nil {
			patch := in.Metadata.Clone()
			if historyPreserved(action.Metadata.StateChanges, patch.StateChanges) {
				for _, change := range patch.StateChanges[len(action.Metadata.StateChanges):] {
					if err := change.validate(); err != nil {
						return newError(ErrValidation, "INVALID_STATE_CHANGE", err.Error(), nil)
					}
				}
			}
			updated.Metadata = patch
		}

		if violation, err = s.updateAction(ctx, tx, action, updated); err != nil {
			return err
		}
		result = updated
		return nil
	})
	if violation != nil {
		return Action{}, s.rejectImmutable(ctx, actor, "update", violation)
	}
	if err != nil {
		return Action{}, err
	}
	return result, nil
}

// DeleteAction removes a ledger entry that was recorded in error. Reversed
// entries and entries that created a restriction cannot be deleted.
func (s *Service) DeleteAction(ctx context.Context, actor Actor, id string) error {
	if err := s.require(actor, rbac.CapDeleteAction); err != nil {
		return err
	}

	var violation *Violation
	err := s.store.InTx(ctx, func(tx Tx) error {
		action, err := tx.LockAction(ctx, id)
		if err != nil {
			return err
		}
		if violation = CheckActionDelete(action); violation != nil {
			return ImmutableError()
		}
		if action.Metadata.RestrictionID != "" {
			return newError(ErrConflict, "HAS_RESTRICTION", "action created a restriction; reverse it instead",
				map[string]any{"restrictionId": action.Metadata.RestrictionID})
		}
		linked, err := tx.RestrictionsForAction(ctx, id)
		if err != nil {
			return err
		}
		if len(linked) > 0 {
			return newError(ErrConflict, "HAS_RESTRICTION", "a restriction references this action; reverse it instead",
				map[string]any{"restrictionId": linked[0].ID})
		}
		if err := tx.DeleteAction(ctx, id); err != nil {
			if errors.Is(err, ErrImmutable) {
				violation = &Violation{ActionID: id, Field: "row"}
			}
			return err
		}
		return nil
	})
	if violation != nil {
		return s.rejectImmutable(ctx, actor, "delete", violation)
	}
	if err != nil {
		return err
	}
	log.Warn().Str("action_id", id).Str("actor_id", actor.ID).Msg("moderation action deleted")
	return nil
}

func (s *Service) GetAction(ctx context.Context, actor Actor, id string) (Action, error) {
	if err := s.require(actor, rbac.CapRecordAction); err != nil {
		return Action{}, err
	}
	return s.reader.GetAction(ctx, id)
}

func actionTitle(kind ActionKind) string {
	switch kind {
	case ActionContentRemoved:
		return "Content removed"
	case ActionContentApproved:
		return "Content reviewed"
	case ActionUserWarned:
		return "Account warning"
	case ActionUserSuspended, ActionUserBanned:
		return "Account suspended"
	default:
		return "Account restricted"
	}
}

func actionNotice(a Action) string {
	until := "permanently"
	if a.ExpiresAt != nil {
		until = "until " + a.ExpiresAt.Format(time.RFC1123)
	}
	switch a.Kind {
	case ActionContentRemoved:
		return "Your content was removed for violating community guidelines: " + a.Reason
	case ActionContentApproved:
		return "Your content was reviewed and no action was taken."
	case ActionUserWarned:
		return "You have received a warning: " + a.Reason
	case ActionUserSuspended, ActionUserBanned:
		return fmt.Sprintf("Your account has been suspended %s. Reason: %s", until, a.Reason)
	case ActionRestrictionApplied:
		return fmt.Sprintf("Your %s has been disabled %s. Reason: %s", restoredCapability[a.Metadata.RestrictionType], until, a.Reason)
	}
	return ""
}
