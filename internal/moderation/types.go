package moderation

import (
	"time"

	"modledger/api/internal/rbac"
)

type ReportKind string

const (
	ReportPost    ReportKind = "post"
	ReportComment ReportKind = "comment"
	ReportTrack   ReportKind = "track"
	ReportUser    ReportKind = "user"
	ReportAlbum   ReportKind = "album"
)

type ReportReason string

const (
	ReasonSpam          ReportReason = "spam"
	ReasonHarassment    ReportReason = "harassment"
	ReasonHateSpeech    ReportReason = "hate_speech"
	ReasonViolence      ReportReason = "violence"
	ReasonSexualContent ReportReason = "sexual_content"
	ReasonSelfHarm      ReportReason = "self_harm"
	ReasonCopyright     ReportReason = "copyright"
	ReasonOther         ReportReason = "other"
)

type ReportStatus string

const (
	StatusPending     ReportStatus = "pending"
	StatusUnderReview ReportStatus = "under_review"
	StatusResolved    ReportStatus = "resolved"
	StatusDismissed   ReportStatus = "dismissed"
)

type ActionKind string

const (
	ActionContentRemoved     ActionKind = "content_removed"
	ActionContentApproved    ActionKind = "content_approved"
	ActionUserWarned         ActionKind = "user_warned"
	ActionUserSuspended      ActionKind = "user_suspended"
	ActionUserBanned         ActionKind = "user_banned"
	ActionRestrictionApplied ActionKind = "restriction_applied"
)

type RestrictionKind string

const (
	RestrictionPosting    RestrictionKind = "posting_disabled"
	RestrictionCommenting RestrictionKind = "commenting_disabled"
	RestrictionUpload     RestrictionKind = "upload_disabled"
	RestrictionSuspended  RestrictionKind = "suspended"
)

type Capability string

const (
	CapabilityPost    Capability = "post"
	CapabilityComment Capability = "comment"
	CapabilityUpload  Capability = "upload"
)

type StateChangeAction string

const (
	StateApplied   StateChangeAction = "applied"
	StateReversed  StateChangeAction = "reversed"
	StateReapplied StateChangeAction = "reapplied"
	StateExpired   StateChangeAction = "expired"
)

// SystemActor is recorded as the author of state changes made by the sweeper.
const SystemActor = "system"

// PermanentSuspension is written to the profile shadow when a suspension has
// no expiry, so that suspended_until alone answers "is this user suspended".
var PermanentSuspension = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

var reportKinds = map[ReportKind]struct{}{
	ReportPost: {}, ReportComment: {}, ReportTrack: {}, ReportUser: {}, ReportAlbum: {},
}

// reasonPriority is the severity table used for user-submitted reports.
var reasonPriority = map[ReportReason]int{
	ReasonHateSpeech:    1,
	ReasonSelfHarm:      1,
	ReasonViolence:      1,
	ReasonHarassment:    2,
	ReasonSexualContent: 2,
	ReasonCopyright:     3,
	ReasonSpam:          4,
	ReasonOther:         5,
}

var actionKinds = map[ActionKind]struct{}{
	ActionContentRemoved: {}, ActionContentApproved: {}, ActionUserWarned: {},
	ActionUserSuspended: {}, ActionUserBanned: {}, ActionRestrictionApplied: {},
}

var restrictionKinds = map[RestrictionKind]struct{}{
	RestrictionPosting: {}, RestrictionCommenting: {}, RestrictionUpload: {}, RestrictionSuspended: {},
}

// capabilityRestriction maps a capability to the restriction kind that
// disables it. Suspension blocks every capability.
var capabilityRestriction = map[Capability]RestrictionKind{
	CapabilityPost:    RestrictionPosting,
	CapabilityComment: RestrictionCommenting,
	CapabilityUpload:  RestrictionUpload,
}

// restoredCapability names the capability given back when a restriction ends.
var restoredCapability = map[RestrictionKind]string{
	RestrictionPosting:    "posting",
	RestrictionCommenting: "commenting",
	RestrictionUpload:     "uploading",
	RestrictionSuspended:  "full account access",
}

func ValidReportKind(kind ReportKind) bool {
	_, ok := reportKinds[kind]
	return ok
}

func ValidReason(reason ReportReason) bool {
	_, ok := reasonPriority[reason]
	return ok
}

func ValidActionKind(kind ActionKind) bool {
	_, ok := actionKinds[kind]
	return ok
}

func ValidRestrictionKind(kind RestrictionKind) bool {
	_, ok := restrictionKinds[kind]
	return ok
}

// PriorityForReason returns the queue priority for a user report.
func PriorityForReason(reason ReportReason) int {
	if p, ok := reasonPriority[reason]; ok {
		return p
	}
	return 5
}

// Capabilities lists every checkable capability in a stable order.
func Capabilities() []Capability {
	return []Capability{CapabilityPost, CapabilityComment, CapabilityUpload}
}

// BlockingKinds returns the restriction kinds that deny a capability.
func BlockingKinds(capability Capability) ([]RestrictionKind, bool) {
	kind, ok := capabilityRestriction[capability]
	if !ok {
		return nil, false
	}
	return []RestrictionKind{kind, RestrictionSuspended}, true
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID   string
	Role rbac.Role
}

type Report struct {
	ID               string       `json:"id"`
	ReporterID       *string      `json:"reporterId"`
	ReportedUserID   *string      `json:"reportedUserId"`
	Kind             ReportKind   `json:"kind"`
	TargetID         string       `json:"targetId"`
	Reason           ReportReason `json:"reason"`
	Description      string       `json:"description"`
	Status           ReportStatus `json:"status"`
	Priority         int          `json:"priority"`
	ModeratorFlagged bool         `json:"moderatorFlagged"`
	ReviewerID       *string      `json:"reviewerId"`
	ReviewedAt       *time.Time   `json:"reviewedAt"`
	ResolutionNotes  string       `json:"resolutionNotes"`
	ActionTaken      string       `json:"actionTaken"`
	FrozenAt         *time.Time   `json:"frozenAt"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// Terminal reports whether the report has left the review workflow.
func (r Report) Terminal() bool {
	return r.Status == StatusResolved || r.Status == StatusDismissed
}

type ReportFilter struct {
	Status ReportStatus
	Limit  int
}

// ContentRef points at a piece of content owned by the surrounding platform.
type ContentRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

type Action struct {
	ID                  string         `json:"id"`
	ModeratorID         string         `json:"moderatorId"`
	TargetUserID        *string        `json:"targetUserId"`
	Kind                ActionKind     `json:"kind"`
	TargetContent       *ContentRef    `json:"targetContent"`
	Reason              string         `json:"reason"`
	DurationDays        *int           `json:"durationDays"`
	ExpiresAt           *time.Time     `json:"expiresAt"`
	RelatedReportID     *string        `json:"relatedReportId"`
	InternalNotes       string         `json:"internalNotes"`
	NotificationSent    bool           `json:"notificationSent"`
	NotificationMessage string         `json:"notificationMessage"`
	CreatedAt           time.Time      `json:"createdAt"`
	RevokedAt           *time.Time     `json:"revokedAt"`
	RevokedBy           *string        `json:"revokedBy"`
	Metadata            ActionMetadata `json:"metadata"`
}

func (a Action) Reversed() bool {
	return a.RevokedAt != nil
}

type Restriction struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	Kind          RestrictionKind `json:"kind"`
	ExpiresAt     *time.Time      `json:"expiresAt"`
	IsActive      bool            `json:"isActive"`
	Reason        string          `json:"reason"`
	AppliedBy     string          `json:"appliedBy"`
	ActionID      *string         `json:"actionId"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	DeactivatedAt *time.Time      `json:"deactivatedAt"`
}

// InEffect reports whether the restriction blocks its capability at now.
func (r Restriction) InEffect(now time.Time) bool {
	return r.IsActive && (r.ExpiresAt == nil || r.ExpiresAt.After(now))
}

// Profile is the local projection of a user: role for privileged-target
// checks and the suspension shadow fields.
type Profile struct {
	UserID           string     `json:"userId"`
	Role             rbac.Role  `json:"role"`
	SuspendedUntil   *time.Time `json:"suspendedUntil"`
	SuspensionReason string     `json:"suspensionReason"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Decision is the answer to a capability check.
type Decision struct {
	UserID     string           `json:"userId"`
	Capability Capability       `json:"capability"`
	Allowed    bool             `json:"allowed"`
	BlockedBy  *RestrictionKind `json:"blockedBy,omitempty"`
	Until      *time.Time       `json:"until,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

const (
	SweepStatusSuccess = "success"
	SweepStatusPartial = "partial"
	SweepStatusFailed  = "failed"
)

type SweepRun struct {
	ID           string     `json:"id"`
	JobType      string     `json:"jobType"`
	StartedAt    time.Time  `json:"startedAt"`
	FinishedAt   *time.Time `json:"finishedAt"`
	CountExpired int        `json:"countExpired"`
	CountFailed  int        `json:"countFailed"`
	DurationMS   int64      `json:"durationMs"`
	Status       string     `json:"status"`
	Error        string     `json:"error,omitempty"`
}

type Notification struct {
	UserID   string         `json:"userId"`
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

const (
	SeverityLow      = "low"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

type SecurityEvent struct {
	Kind      string         `json:"kind"`
	Severity  string         `json:"severity"`
	UserID    *string        `json:"userId"`
	Details   map[string]any `json:"details"`
	CreatedAt time.Time      `json:"createdAt"`
}
