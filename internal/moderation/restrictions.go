package moderation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"modledger/api/internal/rbac"
	"modledger/api/internal/util"
)

// blockedCacheTTL caps how long a blocked decision is served from cache when
// the restriction itself outlives it.
const blockedCacheTTL = time.Hour

type ApplyRestrictionInput struct {
	UserID       string          `json:"userId"`
	Kind         RestrictionKind `json:"kind"`
	Reason       string          `json:"reason"`
	DurationDays *int            `json:"durationDays"`
	ActionID     string          `json:"actionId"`
	Replace      bool            `json:"replace"`
}

// ApplyRestriction places a restriction outside of RecordAction, for example
// from an automated rule. Uniqueness of the active (user, kind) row is
// decided by the store, so concurrent callers get exactly one success.
func (s *Service) ApplyRestriction(ctx context.Context, moderator Actor, in ApplyRestrictionInput) (Restriction, error) {
	if err := s.require(moderator, rbac.CapRecordAction); err != nil {
		return Restriction{}, err
	}
	in.UserID = strings.TrimSpace(in.UserID)
	in.Reason = strings.TrimSpace(in.Reason)
	in.ActionID = strings.TrimSpace(in.ActionID)
	if in.UserID == "" {
		return Restriction{}, validationError("userId", "userId is required")
	}
	if !ValidRestrictionKind(in.Kind) {
		return Restriction{}, validationError("kind", "unknown restriction kind")
	}
	if in.Reason == "" {
		return Restriction{}, validationError("reason", "reason is required")
	}
	if in.DurationDays != nil && (*in.DurationDays <= 0 || *in.DurationDays > maxDurationDays) {
		return Restriction{}, validationError("durationDays", fmt.Sprintf("durationDays must be between 1 and %d", maxDurationDays))
	}

	now := s.clock()
	r := Restriction{
		ID:        util.NewID("rst"),
		UserID:    in.UserID,
		Kind:      in.Kind,
		IsActive:  true,
		Reason:    in.Reason,
		AppliedBy: moderator.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if in.DurationDays != nil {
		expires := now.AddDate(0, 0, *in.DurationDays)
		r.ExpiresAt = &expires
	}
	if in.ActionID != "" {
		r.ActionID = &in.ActionID
	}

	err := s.store.InTx(ctx, func(tx Tx) error {
		if err := s.checkTarget(ctx, tx, moderator, in.UserID); err != nil {
			return err
		}
		if r.ActionID != nil {
			action, err := tx.LockAction(ctx, *r.ActionID)
			if err != nil {
				return err
			}
			if action.Reversed() {
				return newError(ErrConflict, "ACTION_REVERSED", "cannot link a restriction to a reversed action",
					map[string]any{"actionId": action.ID})
			}
		}
		return s.placeRestriction(ctx, tx, r, in.Replace)
	})
	if err != nil {
		return Restriction{}, err
	}

	log.Info().
		Str("restriction_id", r.ID).
		Str("user_id", r.UserID).
		Str("kind", string(r.Kind)).
		Bool("replace", in.Replace).
		Msg("restriction applied")
	s.invalidate(ctx, r.UserID)
	return r, nil
}

// LiftRestriction ends a restriction early. A restriction tied to a live
// ledger entry is lifted by reversing that entry, so the reversal is logged.
func (s *Service) LiftRestriction(ctx context.Context, moderator Actor, id, reason string) (Restriction, error) {
	if moderator.ID == "" {
		return Restriction{}, newError(ErrUnauthenticated, "UNAUTHENTICATED", "authentication required", nil)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Restriction{}, validationError("reason", "reason is required")
	}
	r, err := s.store.GetRestriction(ctx, id)
	if err != nil {
		return Restriction{}, err
	}

	if r.ActionID != nil && r.IsActive {
		action, err := s.store.GetAction(ctx, *r.ActionID)
		if err != nil {
			return Restriction{}, err
		}
		if !action.Reversed() {
			if _, err := s.ReverseAction(ctx, moderator, action.ID, reason); err != nil {
				return Restriction{}, err
			}
			return s.store.GetRestriction(ctx, id)
		}
	}

	selfApplied := r.AppliedBy == moderator.ID && s.policy.ModeratorSelfReversal && rbac.Can(moderator.Role, rbac.CapRecordAction)
	if !rbac.Can(moderator.Role, rbac.CapReverseAction) && !selfApplied {
		return Restriction{}, forbidden("not allowed to lift this restriction")
	}

	var lifted *Restriction
	err = s.store.InTx(ctx, func(tx Tx) error {
		lifted, err = s.deactivate(ctx, tx, id, s.clock())
		if err != nil {
			return err
		}
		if lifted == nil {
			return newError(ErrConflict, "NOT_ACTIVE", "restriction is not active", map[string]any{"restrictionId": id})
		}
		return nil
	})
	if err != nil {
		return Restriction{}, err
	}

	log.Info().Str("restriction_id", id).Str("lifted_by", moderator.ID).Str("reason", reason).Msg("restriction lifted")
	s.invalidate(ctx, lifted.UserID)
	s.notify(ctx, Notification{
		UserID:   lifted.UserID,
		Title:    "Restriction lifted",
		Message:  fmt.Sprintf("Your %s has been restored.", restoredCapability[lifted.Kind]),
		Metadata: map[string]any{"restrictionId": lifted.ID},
	})
	return *lifted, nil
}

// CanPerform answers whether the user may exercise a capability right now.
// Expired rows never block, whether or not the sweeper has run.
func (s *Service) CanPerform(ctx context.Context, userID string, capability Capability) (Decision, error) {
	kinds, ok := BlockingKinds(capability)
	if !ok {
		return Decision{}, validationError("capability", "unknown capability")
	}
	if strings.TrimSpace(userID) == "" {
		return Decision{}, validationError("userId", "userId is required")
	}
	now := s.clock()

	var (
		generation int64
		cacheable  bool
	)
	if s.cache != nil {
		cached, gen, err := s.cache.GetBlocked(ctx, userID, capability)
		if err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("capability cache read failed")
		} else {
			if cached != nil && (cached.Until == nil || cached.Until.After(now)) {
				capabilityChecks.WithLabelValues(string(capability), "false", "cache").Inc()
				return *cached, nil
			}
			generation, cacheable = gen, true
		}
	}

	r, err := s.reader.FindBlockingRestriction(ctx, userID, kinds, now)
	if err != nil {
		return Decision{}, err
	}
	decision := Decision{UserID: userID, Capability: capability, Allowed: r == nil}
	if r != nil {
		kind := r.Kind
		decision.BlockedBy = &kind
		decision.Until = r.ExpiresAt
		decision.Reason = r.Reason
		if cacheable {
			s.cacheBlocked(ctx, decision, now, generation)
		}
	}
	capabilityChecks.WithLabelValues(string(capability), strconv.FormatBool(decision.Allowed), "store").Inc()
	return decision, nil
}

func (s *Service) cacheBlocked(ctx context.Context, d Decision, now time.Time, generation int64) {
	ttl := blockedCacheTTL
	if d.Until != nil && d.Until.Sub(now) < ttl {
		ttl = d.Until.Sub(now)
	}
	if ttl <= 0 {
		return
	}
	if err := s.cache.SetBlocked(ctx, d, ttl, generation); err != nil {
		log.Warn().Err(err).Str("user_id", d.UserID).Msg("capability cache write failed")
	}
}

// CheckCapability is CanPerform for an authenticated caller: users may ask
// about themselves, staff about anyone.
func (s *Service) CheckCapability(ctx context.Context, actor Actor, userID string, capability Capability) (Decision, error) {
	if err := s.requireSelfOrStaff(actor, userID); err != nil {
		return Decision{}, err
	}
	return s.CanPerform(ctx, userID, capability)
}

// ListActiveRestrictions returns the user's in-effect restrictions, newest
// first.
func (s *Service) ListActiveRestrictions(ctx context.Context, actor Actor, userID string) ([]Restriction, error) {
	if err := s.requireSelfOrStaff(actor, userID); err != nil {
		return nil, err
	}
	return s.reader.ActiveRestrictions(ctx, userID, s.clock())
}

func (s *Service) requireSelfOrStaff(actor Actor, userID string) error {
	if actor.ID == "" {
		return newError(ErrUnauthenticated, "UNAUTHENTICATED", "authentication required", nil)
	}
	if actor.ID == userID {
		return nil
	}
	return s.require(actor, rbac.CapViewRestrictions)
}
