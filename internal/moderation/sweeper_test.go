package moderation_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modledger/api/internal/moderation"
)

type stubLocker struct {
	held     bool
	err      error
	released int
}

func (l *stubLocker) TryLock(_ context.Context, _ string, _ time.Duration) (func(), bool, error) {
	if l.err != nil {
		return nil, false, l.err
	}
	if l.held {
		return nil, false, nil
	}
	return func() { l.released++ }, true, nil
}

func TestSweepExpiresSevenDayPostingRestriction(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)
	ctx := context.Background()

	action, err := h.svc.RecordAction(ctx, mod, moderation.RecordActionInput{
		TargetUserID:    member.ID,
		Kind:            moderation.ActionRestrictionApplied,
		RestrictionType: moderation.RestrictionPosting,
		Reason:          "spam waves",
		DurationDays:    intPtr(7),
	})
	require.NoError(t, err)

	h.clock.Advance(8 * 24 * time.Hour)
	run, err := h.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(1, run.CountExpired)
	assert.Equal(0, run.CountFailed)
	assert.Equal(moderation.SweepStatusSuccess, run.Status)
	assert.Equal(moderation.SweepJobType, run.JobType)
	require.NotNil(t, run.FinishedAt)

	restriction, err := h.store.GetRestriction(ctx, action.Metadata.RestrictionID)
	require.NoError(t, err)
	assert.False(restriction.IsActive)

	decision, err := h.svc.CanPerform(ctx, member.ID, moderation.CapabilityPost)
	require.NoError(t, err)
	assert.True(decision.Allowed)

	stored, err := h.store.GetAction(ctx, action.ID)
	require.NoError(t, err)
	last, ok := stored.Metadata.Last()
	require.True(t, ok)
	assert.Equal(moderation.StateExpired, last.Action)
	assert.Equal(moderation.SystemActor, last.ByUserID)
	assert.False(stored.Reversed(), "expiry is not a reversal")

	n, ok := h.rec.lastNotification()
	require.True(t, ok)
	assert.Equal(member.ID, n.UserID)
	assert.Contains(n.Message, "posting")

	runs, err := h.svc.ListSweepRuns(ctx, admin, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(run.ID, runs[0].ID)
}

func TestSweepIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	action := h.suspend(t, 2)
	h.clock.Advance(3 * 24 * time.Hour)

	first, err := h.svc.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, first.CountExpired)
	afterFirst, err := h.store.GetAction(ctx, action.ID)
	require.NoError(t, err)
	notified := len(h.rec.notifications)

	second, err := h.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.CountExpired)
	assert.Equal(t, moderation.SweepStatusSuccess, second.Status)

	afterSecond, err := h.store.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, afterFirst, afterSecond)
	assert.Len(t, h.rec.notifications, notified)
}

func TestSweepClearsSuspensionShadow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.suspend(t, 1)
	h.clock.Advance(25 * time.Hour)

	_, err := h.svc.Sweep(ctx)
	require.NoError(t, err)

	profile, err := h.store.GetProfile(ctx, member.ID)
	require.NoError(t, err)
	assert.Nil(t, profile.SuspendedUntil)
}

func TestSweepLeavesUnexpiredRowsAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	short := h.suspend(t, 1)
	long, err := h.svc.ApplyRestriction(ctx, mod, moderation.ApplyRestrictionInput{
		UserID: member.ID, Kind: moderation.RestrictionUpload, Reason: "x", DurationDays: intPtr(30),
	})
	require.NoError(t, err)
	permanent, err := h.svc.ApplyRestriction(ctx, mod, moderation.ApplyRestrictionInput{
		UserID: member.ID, Kind: moderation.RestrictionCommenting, Reason: "x",
	})
	require.NoError(t, err)

	h.clock.Advance(48 * time.Hour)
	run, err := h.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.CountExpired)

	got, err := h.store.GetRestriction(ctx, short.Metadata.RestrictionID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	for _, id := range []string{long.ID, permanent.ID} {
		got, err := h.store.GetRestriction(ctx, id)
		require.NoError(t, err)
		assert.True(t, got.IsActive, id)
	}

	expired, err := h.store.ExpiredRestrictions(ctx, h.clock.Now(), moderation.SweepCursor{}, 100)
	require.NoError(t, err)
	assert.Empty(t, expired, "no active row is past its expiry after a sweep")
}

func TestSweepRetriesTransientFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.suspend(t, 1)
	h.clock.Advance(48 * time.Hour)

	calls := 0
	h.store.SetFault(func(op, id string) error {
		if op != "deactivate_restriction" {
			return nil
		}
		calls++
		if calls == 1 {
			return fmt.Errorf("deactivate: %w", moderation.ErrTransient)
		}
		return nil
	})

	run, err := h.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, run.CountExpired)
	assert.Equal(t, 0, run.CountFailed)
	assert.Equal(t, moderation.SweepStatusSuccess, run.Status)
}

func TestSweepContinuesPastRowFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	broken, err := h.svc.ApplyRestriction(ctx, mod, moderation.ApplyRestrictionInput{
		UserID: member.ID, Kind: moderation.RestrictionUpload, Reason: "x", DurationDays: intPtr(1),
	})
	require.NoError(t, err)
	healthy, err := h.svc.ApplyRestriction(ctx, mod, moderation.ApplyRestrictionInput{
		UserID: bystander.ID, Kind: moderation.RestrictionUpload, Reason: "x", DurationDays: intPtr(1),
	})
	require.NoError(t, err)
	h.clock.Advance(48 * time.Hour)

	h.store.SetFault(func(op, id string) error {
		if op == "deactivate_restriction" && id == broken.ID {
			return errors.New("row is corrupt")
		}
		return nil
	})

	run, err := h.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.CountExpired)
	assert.Equal(t, 1, run.CountFailed)
	assert.Equal(t, moderation.SweepStatusPartial, run.Status)
	assert.Contains(t, run.Error, "row is corrupt")

	got, err := h.store.GetRestriction(ctx, healthy.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	h.store.SetFault(nil)
	retry, err := h.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, retry.CountExpired)
}

func TestSweepPagesPastAFailedBatch(t *testing.T) {
	h := newHarness(t, moderation.WithSweepBatchSize(2))
	ctx := context.Background()

	users := []string{"user-a", "user-b", "user-c", "user-d"}
	ids := make([]string, len(users))
	for i, userID := range users {
		r, err := h.svc.ApplyRestriction(ctx, mod, moderation.ApplyRestrictionInput{
			UserID: userID, Kind: moderation.RestrictionPosting, Reason: "flooding", DurationDays: intPtr(i + 1),
		})
		require.NoError(t, err)
		ids[i] = r.ID
	}
	h.clock.Advance(10 * 24 * time.Hour)

	// The two rows at the head of the expiry order keep failing.
	h.store.SetFault(func(op, id string) error {
		if op == "deactivate_restriction" && (id == ids[0] || id == ids[1]) {
			return errors.New("row is corrupt")
		}
		return nil
	})

	for attempt := 0; attempt < 2; attempt++ {
		run, err := h.svc.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, run.CountFailed)
		if attempt == 0 {
			assert.Equal(t, 2, run.CountExpired)
			assert.Equal(t, moderation.SweepStatusPartial, run.Status)
		}
	}

	for i, id := range ids {
		got, err := h.store.GetRestriction(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, i < 2, got.IsActive, users[i])
	}
	for _, userID := range users[2:] {
		decision, err := h.svc.CanPerform(ctx, userID, moderation.CapabilityPost)
		require.NoError(t, err)
		assert.True(t, decision.Allowed, userID)
	}
}

func TestSweepHonorsLock(t *testing.T) {
	locker := &stubLocker{held: true}
	h := newHarness(t, moderation.WithLocker(locker))
	_, err := h.svc.Sweep(context.Background())
	assert.True(t, errors.Is(err, moderation.ErrConflict))

	locker.held = false
	_, err = h.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, locker.released)

	locker.err = errors.New("redis down")
	_, err = h.svc.Sweep(context.Background())
	assert.NoError(t, err, "a lock outage does not stop the sweep")
}

func TestSweepClearsStaleShadow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	past := h.clock.Now().Add(-time.Hour)
	require.NoError(t, h.store.InTx(ctx, func(tx moderation.Tx) error {
		return tx.SetSuspension(ctx, bystander.ID, &past, "imported", past)
	}))

	_, err := h.svc.Sweep(ctx)
	require.NoError(t, err)
	profile, err := h.store.GetProfile(ctx, bystander.ID)
	require.NoError(t, err)
	assert.Nil(t, profile.SuspendedUntil)
}

func TestRunSweepRequiresAdmin(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.RunSweep(context.Background(), mod)
	assert.True(t, errors.Is(err, moderation.ErrForbidden))
	_, err = h.svc.RunSweep(context.Background(), admin)
	assert.NoError(t, err)
}
