// Package memstore is an in-memory moderation.Store. It enforces the same
// constraints as the Postgres schema (unique active restriction, unique
// pending report, the ledger guard) and serializes transactions with a mutex.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"modledger/api/internal/moderation"
	"modledger/api/internal/rbac"
)

type state struct {
	reports      map[string]moderation.Report
	actions      map[string]moderation.Action
	restrictions map[string]moderation.Restriction
	profiles     map[string]moderation.Profile
}

func newState() *state {
	return &state{
		reports:      map[string]moderation.Report{},
		actions:      map[string]moderation.Action{},
		restrictions: map[string]moderation.Restriction{},
		profiles:     map[string]moderation.Profile{},
	}
}

func (s *state) clone() *state {
	out := newState()
	for k, v := range s.reports {
		out.reports[k] = v
	}
	for k, v := range s.actions {
		v.Metadata = v.Metadata.Clone()
		out.actions[k] = v
	}
	for k, v := range s.restrictions {
		out.restrictions[k] = v
	}
	for k, v := range s.profiles {
		out.profiles[k] = v
	}
	return out
}

// Store is safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	state     *state
	sweepRuns []moderation.SweepRun
	fault     func(op, id string) error
}

func New() *Store {
	return &Store{state: newState()}
}

// SetFault installs a hook consulted before every write. A non-nil return
// aborts the write with that error. Tests use it to simulate failures.
func (s *Store) SetFault(fn func(op, id string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fn
}

// PutProfile seeds or replaces a user profile.
func (s *Store) PutProfile(userID string, role rbac.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.state.clone()
	p := next.profiles[userID]
	p.UserID = userID
	p.Role = role
	next.profiles[userID] = p
	s.state = next
}

// UpsertProfileRole is PutProfile for callers holding a context.
func (s *Store) UpsertProfileRole(_ context.Context, userID string, role rbac.Role) error {
	s.PutProfile(userID, role)
	return nil
}

// PutAction inserts a ledger row as-is, bypassing the service. Tests use it
// to build metric fixtures.
func (s *Store) PutAction(action moderation.Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.state.clone()
	action.Metadata = action.Metadata.Clone()
	next.actions[action.ID] = action
	s.state = next
}

func (s *Store) InTx(ctx context.Context, fn func(moderation.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("begin tx: %w: %w", moderation.ErrTransient, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.state.clone()
	if err := fn(&tx{state: work, fault: s.fault}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *Store) InsertSweepRun(_ context.Context, run moderation.SweepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepRuns = append(s.sweepRuns, run)
	return nil
}

// read returns the committed snapshot. Snapshots are never mutated after
// they are published.
func (s *Store) read() *state {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Store) GetReport(ctx context.Context, id string) (moderation.Report, error) {
	return s.read().getReport(id)
}

func (s *Store) ListReports(ctx context.Context, filter moderation.ReportFilter) ([]moderation.Report, error) {
	return s.read().listReports(filter), nil
}

// SearchReports matches text case-insensitively against the free-text
// columns, like the Postgres fallback does.
func (s *Store) SearchReports(ctx context.Context, text string, limit int) ([]moderation.Report, error) {
	needle := strings.ToLower(text)
	out := []moderation.Report{}
	for _, r := range s.read().listReports(moderation.ReportFilter{}) {
		for _, field := range []string{r.Description, r.TargetID, r.ResolutionNotes, string(r.Reason)} {
			if strings.Contains(strings.ToLower(field), needle) {
				out = append(out, r)
				break
			}
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetAction(ctx context.Context, id string) (moderation.Action, error) {
	return s.read().getAction(id)
}

func (s *Store) ListActions(ctx context.Context, start, end time.Time) ([]moderation.Action, error) {
	return s.read().listActions(start, end), nil
}

func (s *Store) GetRestriction(ctx context.Context, id string) (moderation.Restriction, error) {
	return s.read().getRestriction(id)
}

func (s *Store) ActiveRestrictions(ctx context.Context, userID string, now time.Time) ([]moderation.Restriction, error) {
	return s.read().activeRestrictions(userID, now), nil
}

func (s *Store) FindBlockingRestriction(ctx context.Context, userID string, kinds []moderation.RestrictionKind, now time.Time) (*moderation.Restriction, error) {
	return s.read().findBlocking(userID, kinds, now), nil
}

func (s *Store) ExpiredRestrictions(ctx context.Context, now time.Time, after moderation.SweepCursor, limit int) ([]moderation.Restriction, error) {
	return s.read().expired(now, after, limit), nil
}

func (s *Store) StaleSuspensions(ctx context.Context, now time.Time) ([]string, error) {
	return s.read().staleSuspensions(now), nil
}

func (s *Store) GetProfile(ctx context.Context, userID string) (moderation.Profile, error) {
	return s.read().getProfile(userID)
}

func (s *Store) ListSweepRuns(ctx context.Context, limit int) ([]moderation.SweepRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]moderation.SweepRun, 0, limit)
	for i := len(s.sweepRuns) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.sweepRuns[i])
	}
	return out, nil
}

func (s *state) getReport(id string) (moderation.Report, error) {
	r, ok := s.reports[id]
	if !ok {
		return moderation.Report{}, fmt.Errorf("report %s: %w", id, moderation.ErrNotFound)
	}
	return r, nil
}

func (s *state) listReports(filter moderation.ReportFilter) []moderation.Report {
	out := []moderation.Report{}
	for _, r := range s.reports {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func (s *state) getAction(id string) (moderation.Action, error) {
	a, ok := s.actions[id]
	if !ok {
		return moderation.Action{}, fmt.Errorf("action %s: %w", id, moderation.ErrNotFound)
	}
	a.Metadata = a.Metadata.Clone()
	return a, nil
}

func (s *state) listActions(start, end time.Time) []moderation.Action {
	out := []moderation.Action{}
	for _, a := range s.actions {
		if a.CreatedAt.Before(start) || a.CreatedAt.After(end) {
			continue
		}
		a.Metadata = a.Metadata.Clone()
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *state) getRestriction(id string) (moderation.Restriction, error) {
	r, ok := s.restrictions[id]
	if !ok {
		return moderation.Restriction{}, fmt.Errorf("restriction %s: %w", id, moderation.ErrNotFound)
	}
	return r, nil
}

func (s *state) activeRestrictions(userID string, now time.Time) []moderation.Restriction {
	out := []moderation.Restriction{}
	for _, r := range s.restrictions {
		if r.UserID == userID && r.InEffect(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *state) findBlocking(userID string, kinds []moderation.RestrictionKind, now time.Time) *moderation.Restriction {
	for _, r := range s.activeRestrictions(userID, now) {
		for _, kind := range kinds {
			if r.Kind == kind {
				found := r
				return &found
			}
		}
	}
	return nil
}

func (s *state) expired(now time.Time, after moderation.SweepCursor, limit int) []moderation.Restriction {
	out := []moderation.Restriction{}
	for _, r := range s.restrictions {
		if !r.IsActive || r.ExpiresAt == nil || r.ExpiresAt.After(now) {
			continue
		}
		if r.ExpiresAt.Before(after.ExpiresAt) || (r.ExpiresAt.Equal(after.ExpiresAt) && r.ID <= after.ID) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(*out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(*out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *state) staleSuspensions(now time.Time) []string {
	var out []string
	for id, p := range s.profiles {
		if p.SuspendedUntil == nil || p.SuspendedUntil.After(now) {
			continue
		}
		if s.activeFor(id, moderation.RestrictionSuspended) == nil {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (s *state) getProfile(userID string) (moderation.Profile, error) {
	p, ok := s.profiles[userID]
	if !ok {
		return moderation.Profile{}, fmt.Errorf("profile %s: %w", userID, moderation.ErrNotFound)
	}
	return p, nil
}

func (s *state) restrictionsForAction(actionID string) []moderation.Restriction {
	out := []moderation.Restriction{}
	for _, r := range s.restrictions {
		if r.ActionID != nil && *r.ActionID == actionID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *state) activeFor(userID string, kind moderation.RestrictionKind) *moderation.Restriction {
	for _, r := range s.restrictions {
		if r.UserID == userID && r.Kind == kind && r.IsActive {
			found := r
			return &found
		}
	}
	return nil
}
