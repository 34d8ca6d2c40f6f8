package moderation

import (
	"fmt"
	"time"
)

// ActionMetadata is the typed form of the ledger's metadata column.
type ActionMetadata struct {
	ReversalReason  string          `json:"reversal_reason,omitempty"`
	IsSelfReversal  bool            `json:"is_self_reversal,omitempty"`
	RestrictionID   string          `json:"restriction_id,omitempty"`
	RestrictionType RestrictionKind `json:"restriction_type,omitempty"`
	ReappliedFrom   string          `json:"reapplied_from,omitempty"`
	StateChanges    []StateChange   `json:"state_changes,omitempty"`
}

// StateChange is one entry of an action's append-only transition history.
type StateChange struct {
	Timestamp    time.Time         `json:"timestamp"`
	Action       StateChangeAction `json:"action"`
	ByUserID     string            `json:"by_user_id"`
	Reason       string            `json:"reason,omitempty"`
	IsSelfAction bool              `json:"is_self_action"`
}

func (c StateChange) validate() error {
	switch c.Action {
	case StateApplied, StateReversed, StateReapplied, StateExpired:
	default:
		return fmt.Errorf("unknown state change action %q", c.Action)
	}
	if c.Timestamp.IsZero() {
		return fmt.Errorf("state change %q has no timestamp", c.Action)
	}
	if c.ByUserID == "" {
		return fmt.Errorf("state change %q has no actor", c.Action)
	}
	if c.Action == StateReversed && c.Reason == "" {
		return fmt.Errorf("reversal state change requires a reason")
	}
	return nil
}

// Append validates the entry and adds it to the history.
func (m *ActionMetadata) Append(change StateChange) error {
	if err := change.validate(); err != nil {
		return newError(ErrValidation, "INVALID_STATE_CHANGE", err.Error(), nil)
	}
	m.StateChanges = append(m.StateChanges, change)
	return nil
}

// Clone returns a deep copy so histories never share backing arrays.
func (m ActionMetadata) Clone() ActionMetadata {
	out := m
	if m.StateChanges != nil {
		out.StateChanges = make([]StateChange, len(m.StateChanges))
		copy(out.StateChanges, m.StateChanges)
	}
	return out
}

// Last returns the most recent state change, if any.
func (m ActionMetadata) Last() (StateChange, bool) {
	if len(m.StateChanges) == 0 {
		return StateChange{}, false
	}
	return m.StateChanges[len(m.StateChanges)-1], true
}
