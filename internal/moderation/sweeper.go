package moderation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"modledger/api/internal/rbac"
	"modledger/api/internal/util"
)

const (
	SweepJobType  = "restriction_expiration"
	sweepLockName = "sweep:restriction_expiration"
)

// RunSweep triggers a sweep on behalf of an admin.
func (s *Service) RunSweep(ctx context.Context, actor Actor) (SweepRun, error) {
	if err := s.require(actor, rbac.CapRunSweep); err != nil {
		return SweepRun{}, err
	}
	return s.Sweep(ctx)
}

// Sweep deactivates every restriction whose expiry has passed. Each row is
// handled in its own transaction so one failure does not block the rest.
// Running it twice in a row is harmless.
func (s *Service) Sweep(ctx context.Context) (SweepRun, error) {
	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(ctx, sweepLockName, s.sweepLockTTL)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("sweep lock unavailable, continuing without it")
		case !ok:
			return SweepRun{}, newError(ErrConflict, "SWEEP_IN_PROGRESS", "another sweep is running", nil)
		default:
			defer unlock()
		}
	}

	start := s.clock()
	run := SweepRun{ID: util.NewID("swp"), JobType: SweepJobType, StartedAt: start}

	var (
		lastErr error
		cursor  SweepCursor
	)
	for {
		rows, err := s.store.ExpiredRestrictions(ctx, start, cursor, s.sweepBatchSize)
		if err != nil {
			lastErr = fmt.Errorf("list expired restrictions: %w", err)
			break
		}
		for _, r := range rows {
			expired, err := s.expireWithRetry(ctx, r, start)
			if err != nil {
				run.CountFailed++
				lastErr = err
				sweepRowFailures.Inc()
				log.Error().Err(err).Str("restriction_id", r.ID).Str("user_id", r.UserID).Msg("failed to expire restriction")
				continue
			}
			if expired {
				run.CountExpired++
				restrictionsExpired.Inc()
				s.afterExpiry(ctx, r)
			}
		}
		if len(rows) < s.sweepBatchSize || ctx.Err() != nil {
			break
		}
		// Failed rows stay active; page past them.
		last := rows[len(rows)-1]
		cursor = SweepCursor{ExpiresAt: *last.ExpiresAt, ID: last.ID}
	}

	s.clearStaleSuspensions(ctx, start)

	finished := s.clock()
	run.FinishedAt = &finished
	run.DurationMS = finished.Sub(start).Milliseconds()
	switch {
	case lastErr != nil && run.CountExpired == 0:
		run.Status = SweepStatusFailed
	case lastErr != nil:
		run.Status = SweepStatusPartial
	default:
		run.Status = SweepStatusSuccess
	}
	if lastErr != nil {
		run.Error = lastErr.Error()
	}
	sweepDuration.Observe(finished.Sub(start).Seconds())

	if err := s.store.InsertSweepRun(ctx, run); err != nil {
		log.Error().Err(err).Str("sweep_id", run.ID).Msg("failed to record sweep run")
	}
	log.Info().
		Str("sweep_id", run.ID).
		Int("expired", run.CountExpired).
		Int("failed", run.CountFailed).
		Str("status", run.Status).
		Int64("duration_ms", run.DurationMS).
		Msg("expiration sweep finished")
	return run, nil
}

func (s *Service) expireWithRetry(ctx context.Context, r Restriction, now time.Time) (bool, error) {
	var expired bool
	backoff := util.NewBackoff(s.retryInitial, 5*time.Second)
	err := util.Retry(ctx, s.retryAttempts, backoff, IsTransient, func() error {
		var err error
		expired, err = s.expireRestriction(ctx, r, now)
		return err
	})
	return expired, err
}

// expireRestriction deactivates one row, clears the shadow and appends an
// expired entry to the linked action. It reports false when the row was
// already inactive.
func (s *Service) expireRestriction(ctx context.Context, r Restriction, now time.Time) (bool, error) {
	var expired bool
	var violation *Violation
	err := s.store.InTx(ctx, func(tx Tx) error {
		lifted, err := s.deactivate(ctx, tx, r.ID, now)
		if err != nil || lifted == nil {
			return err
		}
		expired = true
		if r.ActionID == nil {
			return nil
		}
		action, err := tx.LockAction(ctx, *r.ActionID)
		if err != nil {
			return err
		}
		if action.Reversed() {
			return nil
		}
		updated := action
		updated.Metadata = action.Metadata.Clone()
		if err := updated.Metadata.Append(StateChange{
			Timestamp: now,
			Action:    StateExpired,
			ByUserID:  SystemActor,
			Reason:    "restriction expired",
		}); err != nil {
			return err
		}
		violation, err = s.updateAction(ctx, tx, action, updated)
		return err
	})
	if violation != nil {
		return false, s.rejectImmutable(ctx, Actor{ID: SystemActor}, "expire", violation)
	}
	if err != nil {
		return false, err
	}
	return expired, nil
}

func (s *Service) afterExpiry(ctx context.Context, r Restriction) {
	s.invalidate(ctx, r.UserID)
	s.notify(ctx, Notification{
		UserID:   r.UserID,
		Title:    "Restriction expired",
		Message:  fmt.Sprintf("Your %s has been restored.", restoredCapability[r.Kind]),
		Metadata: map[string]any{"restrictionId": r.ID, "kind": string(r.Kind)},
	})
}

// clearStaleSuspensions resets shadow rows whose suspended_until passed
// without an active suspension behind them.
func (s *Service) clearStaleSuspensions(ctx context.Context, now time.Time) {
	users, err := s.store.StaleSuspensions(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to list stale suspensions")
		return
	}
	for _, userID := range users {
		err := s.store.InTx(ctx, func(tx Tx) error {
			return tx.SetSuspension(ctx, userID, nil, "", now)
		})
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("failed to clear stale suspension")
			continue
		}
		s.invalidate(ctx, userID)
	}
}

func (s *Service) ListSweepRuns(ctx context.Context, actor Actor, limit int) ([]SweepRun, error) {
	if err := s.require(actor, rbac.CapRunSweep); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.reader.ListSweepRuns(ctx, limit)
}
