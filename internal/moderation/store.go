package moderation

import (
	"context"
	"time"
)

// Reader serves read-only queries. It may be backed by a read replica.
type Reader interface {
	GetReport(ctx context.Context, id string) (Report, error)
	ListReports(ctx context.Context, filter ReportFilter) ([]Report, error)
	GetAction(ctx context.Context, id string) (Action, error)
	ListActions(ctx context.Context, start, end time.Time) ([]Action, error)
	GetRestriction(ctx context.Context, id string) (Restriction, error)
	ActiveRestrictions(ctx context.Context, userID string, now time.Time) ([]Restriction, error)
	// FindBlockingRestriction returns the in-effect restriction of one of
	// kinds for the user, or nil when there is none.
	FindBlockingRestriction(ctx context.Context, userID string, kinds []RestrictionKind, now time.Time) (*Restriction, error)
	// ExpiredRestrictions pages active rows whose expiry is at or before now,
	// ordered by (expires_at, id) and strictly after the cursor.
	ExpiredRestrictions(ctx context.Context, now time.Time, after SweepCursor, limit int) ([]Restriction, error)
	StaleSuspensions(ctx context.Context, now time.Time) ([]string, error)
	GetProfile(ctx context.Context, userID string) (Profile, error)
	ListSweepRuns(ctx context.Context, limit int) ([]SweepRun, error)
}

// SweepCursor is the keyset position of the expiration sweep. The zero
// value starts from the beginning.
type SweepCursor struct {
	ExpiresAt time.Time
	ID        string
}

// Tx is a unit of work. All writes go through it.
type Tx interface {
	Reader
	LockReport(ctx context.Context, id string) (Report, error)
	LockAction(ctx context.Context, id string) (Action, error)
	InsertReport(ctx context.Context, report Report) error
	UpdateReport(ctx context.Context, report Report) error
	InsertAction(ctx context.Context, action Action) error
	UpdateAction(ctx context.Context, action Action) error
	DeleteAction(ctx context.Context, id string) error
	// InsertRestriction fails with ErrAlreadyRestricted when an active row
	// for the same (user, kind) exists.
	InsertRestriction(ctx context.Context, restriction Restriction) error
	ActiveRestrictionFor(ctx context.Context, userID string, kind RestrictionKind) (*Restriction, error)
	// RestrictionsForAction returns every restriction whose action_id is the
	// given action, active or not.
	RestrictionsForAction(ctx context.Context, actionID string) ([]Restriction, error)
	// DeactivateRestriction flips is_active off and reports whether the row
	// was active before the call.
	DeactivateRestriction(ctx context.Context, id string, at time.Time) (bool, error)
	SetSuspension(ctx context.Context, userID string, until *time.Time, reason string, at time.Time) error
}

type Store interface {
	Reader
	InTx(ctx context.Context, fn func(Tx) error) error
	InsertSweepRun(ctx context.Context, run SweepRun) error
}

// Notifier delivers user-facing notices. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// SecuritySink records attempted tampering. Recording is best-effort.
type SecuritySink interface {
	LogSecurityEvent(ctx context.Context, event SecurityEvent) error
}

// CapabilityCache holds blocked decisions only. An allowed decision is never
// cached, so staleness can only over-block.
//
// Every user has a generation that Invalidate bumps. GetBlocked reports the
// generation it observed and SetBlocked writes only while that generation is
// still current, so a decision read before a lift cannot be cached after it.
type CapabilityCache interface {
	GetBlocked(ctx context.Context, userID string, capability Capability) (decision *Decision, generation int64, err error)
	SetBlocked(ctx context.Context, decision Decision, ttl time.Duration, generation int64) error
	Invalidate(ctx context.Context, userID string) error
}

// Locker guards singleton jobs across replicas.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (unlock func(), ok bool, err error)
}

// ReportIndexer pushes reports into a search index. Indexing is best-effort.
type ReportIndexer interface {
	IndexReport(report Report)
}

// ReportSearcher answers free-text queries over reports.
type ReportSearcher interface {
	SearchReports(ctx context.Context, text string, limit int) ([]Report, error)
}

// AuditArchive stores ledger exports for oversight.
type AuditArchive interface {
	PutAudit(ctx context.Context, start, end time.Time, actions []Action) (key string, err error)
}
