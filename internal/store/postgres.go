package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"modledger/api/internal/moderation"
	"modledger/api/internal/rbac"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type queries struct {
	db dbtx
}

// PostgresStore implements moderation.Store. Reads issued outside a
// transaction go straight to the pool.
type PostgresStore struct {
	queries
	pool *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{queries: queries{db: db}, pool: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return wrap("ping db", s.pool.PingContext(ctx))
}

// InTx runs fn in a read-committed transaction and commits when it returns
// nil.
func (s *PostgresStore) InTx(ctx context.Context, fn func(moderation.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin tx", err)
	}
	if err := fn(&pgTx{queries: queries{db: tx}}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrap("commit tx", err)
	}
	return nil
}

func (s *PostgresStore) InsertSweepRun(ctx context.Context, run moderation.SweepRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sweep_runs (id, job_type, started_at, finished_at, count_expired, count_failed, duration_ms, status, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, run.ID, run.JobType, run.StartedAt, run.FinishedAt, run.CountExpired, run.CountFailed, run.DurationMS, run.Status, run.Error)
	return wrap("insert sweep run", err)
}

// UpsertProfileRole projects a user's role from the identity provider.
func (s *PostgresStore) UpsertProfileRole(ctx context.Context, userID string, role rbac.Role) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, role)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET role=EXCLUDED.role, updated_at=NOW()
	`, userID, string(role))
	return wrap("upsert profile role", err)
}

// pgTx is the transactional half of the store. Lock methods take row locks
// that are held until commit.
type pgTx struct {
	queries
}

const reportColumns = `id, reporter_id, reported_user_id, kind, target_id, reason, description, status, priority,
	moderator_flagged, reviewer_id, reviewed_at, resolution_notes, action_taken, frozen_at, created_at, updated_at`

const actionColumns = `id, moderator_id, target_user_id, kind, target_content_kind, target_content_id, reason,
	duration_days, expires_at, related_report_id, internal_notes, notification_sent, notification_message,
	created_at, revoked_at, revoked_by, metadata`

const restrictionColumns = `id, user_id, kind, expires_at, is_active, reason, applied_by, action_id,
	created_at, updated_at, deactivated_at`

func scanReport(row scanner) (moderation.Report, error) {
	var (
		r                            moderation.Report
		reporter, reported, reviewer sql.NullString
		reviewedAt, frozenAt         sql.NullTime
	)
	err := row.Scan(
		&r.ID,
		&reporter,
		&reported,
		&r.Kind,
		&r.TargetID,
		&r.Reason,
		&r.Description,
		&r.Status,
		&r.Priority,
		&r.ModeratorFlagged,
		&reviewer,
		&reviewedAt,
		&r.ResolutionNotes,
		&r.ActionTaken,
		&frozenAt,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return moderation.Report{}, err
	}
	r.ReporterID = nullString(reporter)
	r.ReportedUserID = nullString(reported)
	r.ReviewerID = nullString(reviewer)
	r.ReviewedAt = nullTime(reviewedAt)
	r.FrozenAt = nullTime(frozenAt)
	return r, nil
}

func scanAction(row scanner) (moderation.Action, error) {
	var (
		a                                  moderation.Action
		targetUser, contentKind, contentID sql.NullString
		relatedReport, revokedBy           sql.NullString
		duration                           sql.NullInt32
		expiresAt, revokedAt               sql.NullTime
		metadata                           []byte
	)
	err := row.Scan(
		&a.ID,
		&a.ModeratorID,
		&targetUser,
		&a.Kind,
		&contentKind,
		&contentID,
		&a.Reason,
		&duration,
		&expiresAt,
		&relatedReport,
		&a.InternalNotes,
		&a.NotificationSent,
		&a.NotificationMessage,
		&a.CreatedAt,
		&revokedAt,
		&revokedBy,
		&metadata,
	)
	if err != nil {
		return moderation.Action{}, err
	}
	a.TargetUserID = nullString(targetUser)
	if contentID.Valid {
		a.TargetContent = &moderation.ContentRef{Kind: contentKind.String, ID: contentID.String}
	}
	if duration.Valid {
		days := int(duration.Int32)
		a.DurationDays = &days
	}
	a.ExpiresAt = nullTime(expiresAt)
	a.RelatedReportID = nullString(relatedReport)
	a.RevokedAt = nullTime(revokedAt)
	a.RevokedBy = nullString(revokedBy)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
			return moderation.Action{}, fmt.Errorf("decode metadata of %s: %w", a.ID, err)
		}
	}
	return a, nil
}

func scanRestriction(row scanner) (moderation.Restriction, error) {
	var (
		r                        moderation.Restriction
		expiresAt, deactivatedAt sql.NullTime
		actionID                 sql.NullString
	)
	err := row.Scan(
		&r.ID,
		&r.UserID,
		&r.Kind,
		&expiresAt,
		&r.IsActive,
		&r.Reason,
		&r.AppliedBy,
		&actionID,
		&r.CreatedAt,
		&r.UpdatedAt,
		&deactivatedAt,
	)
	if err != nil {
		return moderation.Restriction{}, err
	}
	r.ExpiresAt = nullTime(expiresAt)
	r.ActionID = nullString(actionID)
	r.DeactivatedAt = nullTime(deactivatedAt)
	return r, nil
}

func notFound(entity, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", entity, id, moderation.ErrNotFound)
	}
	return wrap("read "+entity, err)
}

func (q *queries) GetReport(ctx context.Context, id string) (moderation.Report, error) {
	r, err := scanReport(q.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id=$1`, id))
	if err != nil {
		return moderation.Report{}, notFound("report", id, err)
	}
	return r, nil
}

func (q *queries) ListReports(ctx context.Context, filter moderation.ReportFilter) ([]moderation.Report, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+reportColumns+`
		FROM reports
		WHERE status=$1 OR $1=''
		ORDER BY priority ASC, created_at ASC, id ASC
		LIMIT $2
	`, string(filter.Status), limit)
	if err != nil {
		return nil, wrap("list reports", err)
	}
	defer rows.Close()

	items := make([]moderation.Report, 0)
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, wrap("scan report", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate reports", err)
	}
	return items, nil
}

// SearchReports is the fallback when the search index is unavailable.
func (q *queries) SearchReports(ctx context.Context, query string, limit int) ([]moderation.Report, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + query + "%"
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+reportColumns+`
		FROM reports
		WHERE description ILIKE $1 OR target_id ILIKE $1 OR resolution_notes ILIKE $1 OR reason ILIKE $1
		ORDER BY priority ASC, created_at DESC
		LIMIT $2
	`, pattern, limit)
	if err != nil {
		return nil, wrap("search reports", err)
	}
	defer rows.Close()

	items := make([]moderation.Report, 0)
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, wrap("scan report", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate reports", err)
	}
	return items, nil
}

func (q *queries) GetAction(ctx context.Context, id string) (moderation.Action, error) {
	a, err := scanAction(q.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM moderation_actions WHERE id=$1`, id))
	if err != nil {
		return moderation.Action{}, notFound("action", id, err)
	}
	return a, nil
}

func (q *queries) ListActions(ctx context.Context, start, end time.Time) ([]moderation.Action, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+actionColumns+`
		FROM moderation_actions
		WHERE created_at >= $1 AND created_at <= $2
		ORDER BY created_at ASC
	`, start, end)
	if err != nil {
		return nil, wrap("list actions", err)
	}
	defer rows.Close()

	items := make([]moderation.Action, 0)
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, wrap("scan action", err)
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate actions", err)
	}
	return items, nil
}

func (q *queries) GetRestriction(ctx context.Context, id string) (moderation.Restriction, error) {
	r, err := scanRestriction(q.db.QueryRowContext(ctx, `SELECT `+restrictionColumns+` FROM user_restrictions WHERE id=$1`, id))
	if err != nil {
		return moderation.Restriction{}, notFound("restriction", id, err)
	}
	return r, nil
}

func (q *queries) listRestrictions(ctx context.Context, op, query string, args ...any) ([]moderation.Restriction, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	items := make([]moderation.Restriction, 0)
	for rows.Next() {
		r, err := scanRestriction(rows)
		if err != nil {
			return nil, wrap("scan restriction", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}
	return items, nil
}

func (q *queries) ActiveRestrictions(ctx context.Context, userID string, now time.Time) ([]moderation.Restriction, error) {
	return q.listRestrictions(ctx, "list active restrictions", `
		SELECT `+restrictionColumns+`
		FROM user_restrictions
		WHERE user_id=$1 AND is_active AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY created_at DESC
	`, userID, now)
}

func (q *queries) FindBlockingRestriction(ctx context.Context, userID string, kinds []moderation.RestrictionKind, now time.Time) (*moderation.Restriction, error) {
	names := make([]string, len(kinds))
	for i, kind := range kinds {
		names[i] = string(kind)
	}
	r, err := scanRestriction(q.db.QueryRowContext(ctx, `
		SELECT `+restrictionColumns+`
		FROM user_restrictions
		WHERE user_id=$1 AND kind = ANY($2) AND is_active AND (expires_at IS NULL OR expires_at > $3)
		ORDER BY (kind = 'suspended') DESC, expires_at DESC NULLS FIRST
		LIMIT 1
	`, userID, names, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("find blocking restriction", err)
	}
	return &r, nil
}

func (q *queries) ExpiredRestrictions(ctx context.Context, now time.Time, after moderation.SweepCursor, limit int) ([]moderation.Restriction, error) {
	return q.listRestrictions(ctx, "list expired restrictions", `
		SELECT `+restrictionColumns+`
		FROM user_restrictions
		WHERE is_active AND expires_at <= $1 AND (expires_at, id) > ($2, $3)
		ORDER BY expires_at ASC, id ASC
		LIMIT $4
	`, now, after.ExpiresAt, after.ID, limit)
}

func (q *queries) StaleSuspensions(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT p.user_id
		FROM user_profiles p
		WHERE p.suspended_until IS NOT NULL
			AND p.suspended_until <= $1
			AND NOT EXISTS (
				SELECT 1 FROM user_restrictions r
				WHERE r.user_id = p.user_id AND r.kind = 'suspended' AND r.is_active
			)
		ORDER BY p.user_id
	`, now)
	if err != nil {
		return nil, wrap("list stale suspensions", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrap("scan stale suspension", err)
		}
		users = append(users, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate stale suspensions", err)
	}
	return users, nil
}

func (q *queries) GetProfile(ctx context.Context, userID string) (moderation.Profile, error) {
	var (
		p     moderation.Profile
		role  string
		until sql.NullTime
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT user_id, role, suspended_until, suspension_reason, updated_at
		FROM user_profiles WHERE user_id=$1
	`, userID).Scan(&p.UserID, &role, &until, &p.SuspensionReason, &p.UpdatedAt)
	if err != nil {
		return moderation.Profile{}, notFound("profile", userID, err)
	}
	p.Role = rbac.Normalize(role)
	p.SuspendedUntil = nullTime(until)
	return p, nil
}

func (q *queries) ListSweepRuns(ctx context.Context, limit int) ([]moderation.SweepRun, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, job_type, started_at, finished_at, count_expired, count_failed, duration_ms, status, error
		FROM sweep_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, wrap("list sweep runs", err)
	}
	defer rows.Close()

	items := make([]moderation.SweepRun, 0)
	for rows.Next() {
		var (
			run      moderation.SweepRun
			finished sql.NullTime
		)
		if err := rows.Scan(&run.ID, &run.JobType, &run.StartedAt, &finished, &run.CountExpired,
			&run.CountFailed, &run.DurationMS, &run.Status, &run.Error); err != nil {
			return nil, wrap("scan sweep run", err)
		}
		run.FinishedAt = nullTime(finished)
		items = append(items, run)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate sweep runs", err)
	}
	return items, nil
}

func (t *pgTx) LockReport(ctx context.Context, id string) (moderation.Report, error) {
	r, err := scanReport(t.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return moderation.Report{}, notFound("report", id, err)
	}
	return r, nil
}

func (t *pgTx) LockAction(ctx context.Context, id string) (moderation.Action, error) {
	a, err := scanAction(t.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM moderation_actions WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return moderation.Action{}, notFound("action", id, err)
	}
	return a, nil
}

func (t *pgTx) InsertReport(ctx context.Context, r moderation.Report) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO reports (id, reporter_id, reported_user_id, kind, target_id, reason, description, status,
			priority, moderator_flagged, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, r.ID, r.ReporterID, r.ReportedUserID, string(r.Kind), r.TargetID, string(r.Reason), r.Description,
		string(r.Status), r.Priority, r.ModeratorFlagged, r.CreatedAt, r.UpdatedAt)
	return wrap("insert report", err)
}

func (t *pgTx) UpdateReport(ctx context.Context, r moderation.Report) error {
	res, err := t.db.ExecContext(ctx, `
		UPDATE reports
		SET status=$2, reviewer_id=$3, reviewed_at=$4, resolution_notes=$5, action_taken=$6, frozen_at=$7, updated_at=$8
		WHERE id=$1
	`, r.ID, string(r.Status), r.ReviewerID, r.ReviewedAt, r.ResolutionNotes, r.ActionTaken, r.FrozenAt, r.UpdatedAt)
	return expectRow("update report", r.ID, res, err)
}

func (t *pgTx) InsertAction(ctx context.Context, a moderation.Action) error {
	metadata, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshal action metadata: %w", err)
	}
	var contentKind, contentID *string
	if a.TargetContent != nil {
		contentKind, contentID = &a.TargetContent.Kind, &a.TargetContent.ID
	}
	_, err = t.db.ExecContext(ctx, `
		INSERT INTO moderation_actions (id, moderator_id, target_user_id, kind, target_content_kind, target_content_id,
			reason, duration_days, expires_at, related_report_id, internal_notes, notification_sent,
			notification_message, created_at, revoked_at, revoked_by, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17::jsonb)
	`, a.ID, a.ModeratorID, a.TargetUserID, string(a.Kind), contentKind, contentID, a.Reason, a.DurationDays,
		a.ExpiresAt, a.RelatedReportID, a.InternalNotes, a.NotificationSent, a.NotificationMessage, a.CreatedAt,
		a.RevokedAt, a.RevokedBy, string(metadata))
	return wrap("insert action", err)
}

// UpdateAction rewrites the mutable columns. The guard trigger rejects
// anything the reversal rules forbid.
func (t *pgTx) UpdateAction(ctx context.Context, a moderation.Action) error {
	metadata, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshal action metadata: %w", err)
	}
	res, err := t.db.ExecContext(ctx, `
		UPDATE moderation_actions
		SET internal_notes=$2, notification_sent=$3, notification_message=$4, revoked_at=$5, revoked_by=$6, metadata=$7::jsonb
		WHERE id=$1
	`, a.ID, a.InternalNotes, a.NotificationSent, a.NotificationMessage, a.RevokedAt, a.RevokedBy, string(metadata))
	return expectRow("update action", a.ID, res, err)
}

func (t *pgTx) DeleteAction(ctx context.Context, id string) error {
	res, err := t.db.ExecContext(ctx, `DELETE FROM moderation_actions WHERE id=$1`, id)
	return expectRow("delete action", id, res, err)
}

func (t *pgTx) InsertRestriction(ctx context.Context, r moderation.Restriction) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO user_restrictions (id, user_id, kind, expires_at, is_active, reason, applied_by, action_id,
			created_at, updated_at, deactivated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, r.ID, r.UserID, string(r.Kind), r.ExpiresAt, r.IsActive, r.Reason, r.AppliedBy, r.ActionID,
		r.CreatedAt, r.UpdatedAt, r.DeactivatedAt)
	return wrap("insert restriction", err)
}

func (t *pgTx) ActiveRestrictionFor(ctx context.Context, userID string, kind moderation.RestrictionKind) (*moderation.Restriction, error) {
	r, err := scanRestriction(t.db.QueryRowContext(ctx, `
		SELECT `+restrictionColumns+`
		FROM user_restrictions
		WHERE user_id=$1 AND kind=$2 AND is_active
		FOR UPDATE
	`, userID, string(kind)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("lock active restriction", err)
	}
	return &r, nil
}

func (t *pgTx) RestrictionsForAction(ctx context.Context, actionID string) ([]moderation.Restriction, error) {
	return t.listRestrictions(ctx, "list restrictions of action", `
		SELECT `+restrictionColumns+`
		FROM user_restrictions
		WHERE action_id=$1
		ORDER BY id
		FOR UPDATE
	`, actionID)
}

func (t *pgTx) DeactivateRestriction(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := t.db.ExecContext(ctx, `
		UPDATE user_restrictions
		SET is_active=FALSE, deactivated_at=$2, updated_at=$2
		WHERE id=$1 AND is_active
	`, id, at)
	if err != nil {
		return false, wrap("deactivate restriction", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("deactivate restriction", err)
	}
	return n == 1, nil
}

func (t *pgTx) SetSuspension(ctx context.Context, userID string, until *time.Time, reason string, at time.Time) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, suspended_until, suspension_reason, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET suspended_until=EXCLUDED.suspended_until, suspension_reason=EXCLUDED.suspension_reason, updated_at=EXCLUDED.updated_at
	`, userID, until, reason, at)
	return wrap("set suspension shadow", err)
}

func expectRow(op, id string, res sql.Result, err error) error {
	if err != nil {
		return wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", op, id, moderation.ErrNotFound)
	}
	return nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}
