package moderation

import (
	"time"
)

// Violation describes a write that the reversal guard refuses.
type Violation struct {
	ActionID string `json:"actionId"`
	Field    string `json:"field"`
	Old      any    `json:"old"`
	New      any    `json:"new"`
}

// CheckActionUpdate applies the ledger's write invariants to an update of
// old into updated. It returns nil when the update is allowed.
func CheckActionUpdate(old, updated Action) *Violation {
	if (updated.RevokedAt == nil) != (updated.RevokedBy == nil) {
		return &Violation{ActionID: old.ID, Field: "revoked_by", Old: old.RevokedBy, New: updated.RevokedBy}
	}
	if old.RevokedAt != nil {
		if updated.RevokedAt == nil || !updated.RevokedAt.Equal(*old.RevokedAt) {
			return &Violation{ActionID: old.ID, Field: "revoked_at", Old: old.RevokedAt, New: updated.RevokedAt}
		}
		if updated.RevokedBy == nil || *updated.RevokedBy != *old.RevokedBy {
			return &Violation{ActionID: old.ID, Field: "revoked_by", Old: old.RevokedBy, New: updated.RevokedBy}
		}
	}
	if old.Metadata.ReversalReason != "" && updated.Metadata.ReversalReason != old.Metadata.ReversalReason {
		return &Violation{
			ActionID: old.ID,
			Field:    "metadata.reversal_reason",
			Old:      old.Metadata.ReversalReason,
			New:      updated.Metadata.ReversalReason,
		}
	}
	if !historyPreserved(old.Metadata.StateChanges, updated.Metadata.StateChanges) {
		return &Violation{
			ActionID: old.ID,
			Field:    "metadata.state_changes",
			Old:      len(old.Metadata.StateChanges),
			New:      len(updated.Metadata.StateChanges),
		}
	}
	return nil
}

// CheckActionDelete refuses deletes of reversed actions.
func CheckActionDelete(action Action) *Violation {
	if action.RevokedAt == nil {
		return nil
	}
	return &Violation{ActionID: action.ID, Field: "row", Old: action.RevokedAt, New: nil}
}

// historyPreserved reports whether next starts with every entry of prev.
func historyPreserved(prev, next []StateChange) bool {
	if len(next) < len(prev) {
		return false
	}
	for i := range prev {
		a, b := prev[i], next[i]
		if !a.Timestamp.Equal(b.Timestamp) || a.Action != b.Action || a.ByUserID != b.ByUserID ||
			a.Reason != b.Reason || a.IsSelfAction != b.IsSelfAction {
			return false
		}
	}
	return true
}

// ImmutableError is the generic rejection returned to callers. Details stay
// in the security log.
func ImmutableError() *Error {
	return newError(ErrImmutable, "IMMUTABLE", "this record can no longer be modified", nil)
}

func (v *Violation) event(actor Actor, operation string, at time.Time) SecurityEvent {
	userID := actor.ID
	return SecurityEvent{
		Kind:     "ledger_immutability_violation",
		Severity: SeverityHigh,
		UserID:   &userID,
		Details: map[string]any{
			"operation": operation,
			"actionId":  v.ActionID,
			"field":     v.Field,
			"oldValue":  v.Old,
			"newValue":  v.New,
			"actorRole": string(actor.Role),
			"attemptAt": at.UTC().Format(time.RFC3339Nano),
		},
		CreatedAt: at,
	}
}
