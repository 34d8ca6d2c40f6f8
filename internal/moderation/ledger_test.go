package moderation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modledger/api/internal/moderation"
	"modledger/api/internal/rbac"
)

func TestRecordSuspensionWritesRestrictionAndShadow(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)
	ctx := context.Background()
	now := h.clock.Now()

	action := h.suspend(t, 7)

	require.NotNil(t, action.ExpiresAt)
	assert.True(action.ExpiresAt.Equal(now.AddDate(0, 0, 7)))
	assert.Equal(moderation.RestrictionSuspended, action.Metadata.RestrictionType)
	require.Len(t, action.Metadata.StateChanges, 1)
	assert.Equal(moderation.StateApplied, action.Metadata.StateChanges[0].Action)
	assert.Equal(mod.ID, action.Metadata.StateChanges[0].ByUserID)

	restriction, err := h.store.GetRestriction(ctx, action.Metadata.RestrictionID)
	require.NoError(t, err)
	assert.True(restriction.IsActive)
	assert.Equal(member.ID, restriction.UserID)
	require.NotNil(t, restriction.ActionID)
	assert.Equal(action.ID, *restriction.ActionID)

	profile, err := h.store.GetProfile(ctx, member.ID)
	require.NoError(t, err)
	require.NotNil(t, profile.SuspendedUntil)
	assert.True(profile.SuspendedUntil.Equal(*action.ExpiresAt))
	assert.Equal("repeated harassment", profile.SuspensionReason)

	stored, err := h.store.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.True(stored.NotificationSent)
	assert.Contains(stored.NotificationMessage, "suspended until")

	n, ok := h.rec.lastNotification()
	require.True(t, ok)
	assert.Equal(member.ID, n.UserID)
	assert.Equal("Account suspended", n.Title)
}

func TestRecordBanIsPermanent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	action, err := h.svc.RecordAction(ctx, mod, moderation.RecordActionInput{
		TargetUserID: member.ID,
		Kind:         moderation.ActionUserBanned,
		Reason:       "ban evasion",
	})
	require.NoError(t, err)
	assert.Nil(t, action.ExpiresAt)

	profile, err := h.store.GetProfile(ctx, member.ID)
	require.NoError(t, err)
	require.NotNil(t, profile.SuspendedUntil)
	assert.True(t, profile.SuspendedUntil.Equal(moderation.PermanentSuspension))

	_, err = h.svc.RecordAction(ctx, mod, moderation.RecordActionInput{
		TargetUserID: "user-3",
		Kind:         moderation.ActionUserBanned,
		Reason:       "ban evasion",
		DurationDays: intPtr(3),
	})
	assert.True(t, errors.Is(err, moderation.ErrValidation))
}

func TestRecordActionValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cases := []struct {
		name string
		in   moderation.RecordActionInput
	}{
		{"content_hidden is not a kind", moderation.RecordActionInput{Kind: "content_hidden", TargetUserID: member.ID, Reason: "x"}},
		{"missing reason", moderation.RecordActionInput{Kind: moderation.ActionUserWarned, TargetUserID: member.ID}},
		{"warning without user", moderation.RecordActionInput{Kind: moderation.ActionUserWarned, Reason: "x"}},
		{"removal without content", moderation.RecordActionInput{Kind: moderation.ActionContentRemoved, Reason: "x"}},
		{"restriction without type", moderation.RecordActionInput{Kind: moderation.ActionRestrictionApplied, TargetUserID: member.ID, Reason: "x"}},
		{"zero duration", moderation.RecordActionInput{Kind: moderation.ActionUserSuspended, TargetUserID: member.ID, Reason: "x", DurationDays: intPtr(0)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.RecordAction(ctx, mod, tc.in)
			assert.True(t, errors.Is(err, moderation.ErrValidation), "got %v", err)
		})
	}
}

func TestRecordActionAuthorization(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	warn := func(target string) moderation.RecordActionInput {
		return moderation.RecordActionInput{Kind: moderation.ActionUserWarned, TargetUserID: target, Reason: "tone"}
	}

	_, err := h.svc.RecordAction(ctx, member, warn(bystander.ID))
	assert.True(t, errors.Is(err, moderation.ErrForbidden))

	_, err = h.svc.RecordAction(ctx, mod, warn(otherMod.ID))
	assert.True(t, errors.Is(err, moderation.ErrForbidden), "moderators cannot act against staff")

	_, err = h.svc.RecordAction(ctx, admin, warn(otherMod.ID))
	assert.NoError(t, err)

	_, err = h.svc.RecordAction(ctx, mod, warn("unknown-user"))
	assert.NoError(t, err, "users without a profile are not privileged")
}

func TestRecordActionChecksRelatedReport(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.RecordAction(ctx, mod, moderation.RecordActionInput{
		Kind:            moderation.ActionContentRemoved,
		TargetContent:   &moderation.ContentRef{Kind: "post", ID: "post-1"},
		Reason:          "spam",
		RelatedReportID: "rpt_missing",
	})
	assert.True(t, errors.Is(err, moderation.ErrNotFound))

	report := submit(t, h, member, "post-1", moderation.ReasonSpam)
	action, err := h.svc.RecordAction(ctx, mod, moderation.RecordActionInput{
		Kind:            moderation.ActionContentRemoved,
		TargetContent:   &moderation.ContentRef{Kind: "post", ID: "post-1"},
		Reason:          "spam",
		RelatedReportID: report.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, report.ID, *action.RelatedReportID)
	assert.False(t, action.NotificationSent, "no target user to notify")
}

func TestNotificationFailureDoesNotBlockAction(t *testing.T) {
	h := newHarness(t)
	h.rec.failNotify = true
	action := h.suspend(t, 1)

	stored, err := h.store.GetAction(context.Background(), action.ID)
	require.NoError(t, err)
	assert.False(t, stored.NotificationSent)
	assert.NotEmpty(t, stored.NotificationMessage)
}

func TestReverseSuspensionLiftsImmediately(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)
	ctx := context.Background()
	action := h.suspend(t, 30)

	decision, err := h.svc.CanPerform(ctx, member.ID, moderation.CapabilityPost)
	require.NoError(t, err)
	assert.False(decision.Allowed)

	h.clock.Advance(90 * time.Minute)
	reversed, err := h.svc.ReverseAction(ctx, admin, action.ID, "appeal granted")
	require.NoError(t, err)

	require.NotNil(t, reversed.RevokedAt)
	require.NotNil(t, reversed.RevokedBy)
	assert.Equal(admin.ID, *reversed.RevokedBy)
	assert.Equal("appeal granted", reversed.Metadata.ReversalReason)
	assert.False(reversed.Metadata.IsSelfReversal)
	last, ok := reversed.Metadata.Last()
	require.True(t, ok)
	assert.Equal(moderation.StateReversed, last.Action)
	assert.Equal(admin.ID, last.ByUserID)

	for _, capability := range []moderation.Capability{moderation.CapabilityPost, moderation.CapabilityComment, moderation.CapabilityUpload} {
		decision, err := h.svc.CanPerform(ctx, member.ID, capability)
		require.NoError(t, err)
		assert.True(decision.Allowed, capability)
	}

	restriction, err := h.store.GetRestriction(ctx, action.Metadata.RestrictionID)
	require.NoError(t, err)
	assert.False(restriction.IsActive)
	assert.NotNil(restriction.DeactivatedAt)

	profile, err := h.store.GetProfile(ctx, member.ID)
	require.NoError(t, err)
	assert.Nil(profile.SuspendedUntil)
	assert.Empty(profile.SuspensionReason)

	n, ok := h.rec.lastNotification()
	require.True(t, ok)
	assert.Equal("Restriction lifted", n.Title)
}

func TestReverseTwiceReportsWhoAndWhen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	action := h.suspend(t, 3)

	first, err := h.svc.ReverseAction(ctx, admin, action.ID, "mistake")
	require.NoError(t, err)

	_, err = h.svc.ReverseAction(ctx, admin, action.ID, "again")
	require.True(t, errors.Is(err, moderation.ErrAlreadyReversed))
	var modErr *moderation.Error
	require.True(t, errors.As(err, &modErr))
	assert.Equal(t, first.RevokedBy, modErr.Details["revokedBy"])
	assert.Equal(t, first.RevokedAt, modErr.Details["revokedAt"])

	stored, err := h.store.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, "mistake", stored.Metadata.ReversalReason)
	assert.Len(t, stored.Metadata.StateChanges, 2)
}

func TestReverseRequiresReason(t *testing.T) {
	h := newHarness(t)
	action := h.suspend(t, 3)
	_, err := h.svc.ReverseAction(context.Background(), admin, action.ID, "   ")
	assert.True(t, errors.Is(err, moderation.ErrValidation))
}

func TestSelfReversalPolicy(t *testing.T) {
	t.Run("admin only by default", func(t *testing.T) {
		h := newHarness(t)
		action := h.suspend(t, 3)
		_, err := h.svc.ReverseAction(context.Background(), mod, action.ID, "my mistake")
		assert.True(t, errors.Is(err, moderation.ErrForbidden))

		stored, err := h.store.GetAction(context.Background(), action.ID)
		require.NoError(t, err)
		assert.False(t, stored.Reversed())
	})

	t.Run("moderators may reverse their own when enabled", func(t *testing.T) {
		h := newHarness(t, moderation.WithPolicy(moderation.Policy{ModeratorSelfReversal: true}))
		ctx := context.Background()
		action := h.suspend(t, 3)

		_, err := h.svc.ReverseAction(ctx, otherMod, action.ID, "not mine")
		assert.True(t, errors.Is(err, moderation.ErrForbidden))

		reversed, err := h.svc.ReverseAction(ctx, mod, action.ID, "my mistake")
		require.NoError(t, err)
		assert.True(t, reversed.Metadata.IsSelfReversal)
		last, _ := reversed.Metadata.Last()
		assert.True(t, last.IsSelfAction)
	})

	t.Run("admins reversing their own actions are flagged", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		action, err := h.svc.RecordAction(ctx, admin, moderation.RecordActionInput{
			Kind: moderation.ActionUserWarned, TargetUserID: member.ID, Reason: "tone",
		})
		require.NoError(t, err)
		reversed, err := h.svc.ReverseAction(ctx, admin, action.ID, "too harsh")
		require.NoError(t, err)
		assert.True(t, reversed.Metadata.IsSelfReversal)
	})
}

func TestReapplyAction(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)
	ctx := context.Background()
	original, err := h.svc.RecordAction(ctx, mod, moderation.RecordActionInput{
		TargetUserID:    member.ID,
		Kind:            moderation.ActionRestrictionApplied,
		RestrictionType: moderation.RestrictionUpload,
		Reason:          "copyright strikes",
		DurationDays:    intPtr(14),
	})
	require.NoError(t, err)

	_, err = h.svc.ReapplyAction(ctx, mod, original.ID, "still infringing")
	assert.True(errors.Is(err, moderation.ErrConflict), "only reversed actions can be reapplied")

	_, err = h.svc.ReverseAction(ctx, admin, original.ID, "appeal")
	require.NoError(t, err)
	before, err := h.store.GetAction(ctx, original.ID)
	require.NoError(t, err)

	h.clock.Advance(24 * time.Hour)
	fresh, err := h.svc.ReapplyAction(ctx, mod, original.ID, "appeal was fraudulent")
	require.NoError(t, err)
	assert.NotEqual(original.ID, fresh.ID)
	assert.Equal(original.ID, fresh.Metadata.ReappliedFrom)
	assert.Equal(moderation.RestrictionUpload, fresh.Metadata.RestrictionType)
	assert.Equal(14, *fresh.DurationDays)
	require.Len(t, fresh.Metadata.StateChanges, 1)
	assert.Equal(moderation.StateReapplied, fresh.Metadata.StateChanges[0].Action)

	after, err := h.store.GetAction(ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(before, after, "the original entry is untouched")

	decision, err := h.svc.CanPerform(ctx, member.ID, moderation.CapabilityUpload)
	require.NoError(t, err)
	assert.False(decision.Allowed)
}

func TestDeleteReversedActionIsImmutable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	action, err := h.svc.RecordAction(ctx, mod, moderation.RecordActionInput{
		Kind: moderation.ActionUserWarned, TargetUserID: member.ID, Reason: "tone",
	})
	require.NoError(t, err)
	_, err = h.svc.ReverseAction(ctx, admin, action.ID, "overturned")
	require.NoError(t, err)

	err = h.svc.DeleteAction(ctx, admin, action.ID)
	require.True(t, errors.Is(err, moderation.ErrImmutable))
	var modErr *moderation.Error
	require.True(t, errors.As(err, &modErr))
	assert.Empty(t, modErr.Details, "callers get a generic rejection")

	events := h.rec.securityEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "ledger_immutability_violation", events[0].Kind)
	assert.Equal(t, moderation.SeverityHigh, events[0].Severity)
	require.NotNil(t, events[0].UserID)
	assert.Equal(t, admin.ID, *events[0].UserID)
	assert.Equal(t, action.ID, events[0].Details["actionId"])
	assert.Equal(t, "delete", events[0].Details["operation"])

	_, err = h.store.GetAction(ctx, action.ID)
	assert.NoError(t, err, "row survives")
}

func TestDeleteAction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	warning, err := h.svc.RecordAction(ctx, mod, moderation.RecordActionInput{
		Kind: moderation.ActionUserWarned, TargetUserID: member.ID, Reason: "recorded against the wrong user",
	})
	require.NoError(t, err)
	suspension := h.suspend(t, 2)

	assert.True(t, errors.Is(h.svc.DeleteAction(ctx, mod, warning.ID), moderation.ErrForbidden))
	assert.True(t, errors.Is(h.svc.DeleteAction(ctx, admin, suspension.ID), moderation.ErrConflict))

	require.NoError(t, h.svc.DeleteAction(ctx, admin, warning.ID))
	_, err = h.store.GetAction(ctx, warning.ID)
	assert.True(t, errors.Is(err, moderation.ErrNotFound))
	assert.Empty(t, h.rec.securityEvents())
}

func TestDeleteActionReferencedByRestriction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	warning, err := h.svc.RecordAction(ctx, mod, moderation.RecordActionInput{
		Kind: moderation.ActionUserWarned, TargetUserID: member.ID, Reason: "spam",
	})
	require.NoError(t, err)
	_, err = h.svc.ApplyRestriction(ctx, mod, moderation.ApplyRestrictionInput{
		UserID: member.ID, Kind: moderation.RestrictionCommenting, Reason: "spam", ActionID: warning.ID,
	})
	require.NoError(t, err)

	err = h.svc.DeleteAction(ctx, admin, warning.ID)
	var modErr *moderation.Error
	require.True(t, errors.As(err, &modErr))
	assert.Equal(t, "HAS_RESTRICTION", modErr.Code)

	_, err = h.store.GetAction(ctx, warning.ID)
	assert.NoError(t, err)
}

func TestAnnotateActionGuard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	action := h.suspend(t, 5)

	_, err := h.svc.AnnotateAction(ctx, admin, action.ID, moderation.AnnotateActionInput{RevokedAt: &action.CreatedAt, RevokedBy: strPtr(admin.ID)})
	assert.True(t, errors.Is(err, moderation.ErrValidation), "reversal goes through ReverseAction")

	noted, err := h.svc.AnnotateAction(ctx, admin, action.ID, moderation.AnnotateActionInput{InternalNotes: strPtr("linked to ticket 42")})
	require.NoError(t, err)
	assert.Equal(t, "linked to ticket 42", noted.InternalNotes)

	reversed, err := h.svc.ReverseAction(ctx, admin, action.ID, "appeal")
	require.NoError(t, err)

	later := reversed.RevokedAt.Add(time.Hour)
	rewritten := reversed.Metadata.Clone()
	rewritten.StateChanges[0].Reason = "edited"
	dropped := reversed.Metadata.Clone()
	dropped.ReversalReason = ""

	attempts := []struct {
		name  string
		patch moderation.AnnotateActionInput
	}{
		{"clear revocation", moderation.AnnotateActionInput{ClearRevocation: true}},
		{"move revoked_at", moderation.AnnotateActionInput{RevokedAt: &later}},
		{"change revoked_by", moderation.AnnotateActionInput{RevokedBy: strPtr(mod.ID)}},
		{"rewrite history", moderation.AnnotateActionInput{Metadata: &rewritten}},
		{"drop reversal reason", moderation.AnnotateActionInput{Metadata: &dropped}},
	}
	for _, tc := range attempts {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.AnnotateAction(ctx, admin, action.ID, tc.patch)
			assert.True(t, errors.Is(err, moderation.ErrImmutable), "got %v", err)
		})
	}
	assert.Len(t, h.rec.securityEvents(), len(attempts))

	stored, err := h.store.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, reversed.RevokedAt, stored.RevokedAt)
	assert.Equal(t, "appeal", stored.Metadata.ReversalReason)
	assert.Equal(t, reversed.Metadata.StateChanges, stored.Metadata.StateChanges)

	appended := reversed.Metadata.Clone()
	require.NoError(t, appended.Append(moderation.StateChange{
		Timestamp: later, Action: moderation.StateReapplied, ByUserID: admin.ID, Reason: "noted",
	}))
	updated, err := h.svc.AnnotateAction(ctx, admin, action.ID, moderation.AnnotateActionInput{Metadata: &appended})
	require.NoError(t, err)
	assert.Len(t, updated.Metadata.StateChanges, 3)
}

func TestImmutabilityHoldsWhenSecuritySinkFails(t *testing.T) {
	h := newHarness(t)
	h.rec.failSecurity = true
	ctx := context.Background()
	action := h.suspend(t, 1)
	_, err := h.svc.ReverseAction(ctx, admin, action.ID, "appeal")
	require.NoError(t, err)

	err = h.svc.DeleteAction(ctx, admin, action.ID)
	assert.True(t, errors.Is(err, moderation.ErrImmutable))
}

func TestGetActionRequiresStaff(t *testing.T) {
	h := newHarness(t)
	action := h.suspend(t, 1)
	_, err := h.svc.GetAction(context.Background(), member, action.ID)
	assert.True(t, errors.Is(err, moderation.ErrForbidden))

	got, err := h.svc.GetAction(context.Background(), moderation.Actor{ID: "mod-9", Role: rbac.RoleModerator}, action.ID)
	require.NoError(t, err)
	assert.Equal(t, action.ID, got.ID)
}
