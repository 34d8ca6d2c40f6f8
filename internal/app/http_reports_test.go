package app

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modledger/api/internal/moderation"
	"modledger/api/internal/rbac"
)

func TestReportReviewFlow(t *testing.T) {
	ts := newTestServer(t)
	member := tokenFor(t, "user-1", rbac.RoleUser)
	mod := tokenFor(t, "mod-1", rbac.RoleModerator)
	admin := tokenFor(t, "admin-1", rbac.RoleAdmin)

	rec := ts.do(t, http.MethodPost, "/reports", member, map[string]any{
		"kind": "comment", "targetId": "comment-9", "reason": "harassment", "description": "repeated insults",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	report := decode[moderation.Report](t, rec)
	assert.Equal(t, moderation.StatusPending, report.Status)
	assert.Equal(t, 2, report.Priority)
	assert.False(t, report.ModeratorFlagged)

	rec = ts.do(t, http.MethodGet, "/reports", member, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "members cannot read the queue")

	rec = ts.do(t, http.MethodGet, "/reports?status=pending", mod, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Items []moderation.Report `json:"items"`
	}](t, rec)
	require.Len(t, list.Items, 1)
	assert.Equal(t, report.ID, list.Items[0].ID)

	rec = ts.do(t, http.MethodPatch, "/reports/"+report.ID, mod, map[string]any{"status": "under_review"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPatch, "/reports/"+report.ID, mod, map[string]any{
		"status": "resolved", "notes": "warned the author", "actionTaken": "user_warned",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	resolved := decode[moderation.Report](t, rec)
	assert.Equal(t, moderation.StatusResolved, resolved.Status)
	assert.Equal(t, "warned the author", resolved.ResolutionNotes)

	rec = ts.do(t, http.MethodPatch, "/reports/"+report.ID, mod, map[string]any{"status": "pending"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_TRANSITION", decode[errorBody](t, rec).Code)

	rec = ts.do(t, http.MethodPatch, "/reports/"+report.ID, mod, map[string]any{"notes": "appeal denied"})
	require.Equal(t, http.StatusOK, rec.Code, "notes stay editable until frozen")

	rec = ts.do(t, http.MethodPost, "/reports/"+report.ID+"/freeze", mod, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, "/reports/"+report.ID+"/freeze", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPatch, "/reports/"+report.ID, mod, map[string]any{"notes": "late edit"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "REPORT_FROZEN", decode[errorBody](t, rec).Code)
}

func TestSubmitReportValidation(t *testing.T) {
	ts := newTestServer(t)
	member := tokenFor(t, "user-1", rbac.RoleUser)

	rec := ts.do(t, http.MethodPost, "/reports", member, map[string]any{
		"kind": "post", "targetId": "post-1", "reason": "boring",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, "INVALID_REASON", body.Code)
	assert.Contains(t, body.Details["allowed"], "spam")

	rec = ts.do(t, http.MethodPost, "/reports", member, map[string]any{
		"kind": "post", "targetId": "", "reason": "spam",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body = decode[errorBody](t, rec)
	assert.Equal(t, "VALIDATION_ERROR", body.Code)
	assert.Equal(t, "targetId", body.Details["field"])
}

func TestDuplicatePendingReportConflicts(t *testing.T) {
	ts := newTestServer(t)
	in := map[string]any{"kind": "track", "targetId": "track-3", "reason": "copyright"}

	rec := ts.do(t, http.MethodPost, "/reports", tokenFor(t, "user-1", rbac.RoleUser), in)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodPost, "/reports", tokenFor(t, "user-1", rbac.RoleUser), in)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "DUPLICATE_REPORT", decode[errorBody](t, rec).Code)
}

func TestFlaggedReportNeedsStaff(t *testing.T) {
	ts := newTestServer(t)
	in := map[string]any{"kind": "album", "targetId": "album-1", "reason": "other", "flag": true}

	rec := ts.do(t, http.MethodPost, "/reports", tokenFor(t, "user-1", rbac.RoleUser), in)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, "/reports", tokenFor(t, "mod-1", rbac.RoleModerator), in)
	require.Equal(t, http.StatusCreated, rec.Code)
	report := decode[moderation.Report](t, rec)
	assert.True(t, report.ModeratorFlagged)
	assert.Equal(t, 1, report.Priority)
}

func TestSearchReportsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	mod := tokenFor(t, "mod-1", rbac.RoleModerator)
	ts.do(t, http.MethodPost, "/reports", tokenFor(t, "user-1", rbac.RoleUser), map[string]any{
		"kind": "post", "targetId": "post-7", "reason": "spam", "description": "Crypto giveaway link",
	})
	ts.do(t, http.MethodPost, "/reports", tokenFor(t, "user-2", rbac.RoleUser), map[string]any{
		"kind": "post", "targetId": "post-8", "reason": "violence",
	})

	rec := ts.do(t, http.MethodGet, "/reports/search?q=giveaway", mod, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Items []moderation.Report `json:"items"`
	}](t, rec)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "post-7", list.Items[0].TargetID)

	rec = ts.do(t, http.MethodGet, "/reports/search?q=", mod, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(t, http.MethodGet, "/reports/search?q=x&limit=abc", mod, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSearchWithoutSearcherIsRetryable(t *testing.T) {
	ts := newTestServer(t, moderation.WithSearcher(nil))
	rec := ts.do(t, http.MethodGet, "/reports/search?q=spam", tokenFor(t, "mod-1", rbac.RoleModerator), nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, "SEARCH_UNAVAILABLE", body.Code)
	assert.True(t, body.Retryable)
}

func TestGetMissingReport(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/reports/rpt_missing", tokenFor(t, "mod-1", rbac.RoleModerator), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
