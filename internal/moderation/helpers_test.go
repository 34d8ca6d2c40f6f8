package moderation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"modledger/api/internal/memstore"
	"modledger/api/internal/moderation"
	"modledger/api/internal/rbac"
)

var (
	admin     = moderation.Actor{ID: "admin-1", Role: rbac.RoleAdmin}
	mod       = moderation.Actor{ID: "mod-1", Role: rbac.RoleModerator}
	otherMod  = moderation.Actor{ID: "mod-2", Role: rbac.RoleModerator}
	member    = moderation.Actor{ID: "user-1", Role: rbac.RoleUser}
	bystander = moderation.Actor{ID: "user-2", Role: rbac.RoleUser}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder captures notifications and security events.
type recorder struct {
	mu            sync.Mutex
	notifications []moderation.Notification
	events        []moderation.SecurityEvent
	failNotify    bool
	failSecurity  bool
}

func (r *recorder) Notify(_ context.Context, n moderation.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNotify {
		return errors.New("stream unavailable")
	}
	r.notifications = append(r.notifications, n)
	return nil
}

func (r *recorder) LogSecurityEvent(_ context.Context, e moderation.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSecurity {
		return errors.New("sink unavailable")
	}
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) lastNotification() (moderation.Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.notifications) == 0 {
		return moderation.Notification{}, false
	}
	return r.notifications[len(r.notifications)-1], true
}

func (r *recorder) securityEvents() []moderation.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]moderation.SecurityEvent(nil), r.events...)
}

type mapCache struct {
	mu          sync.Mutex
	blocked     map[string]moderation.Decision
	generations map[string]int64
	invalidated []string
	// beforeSet runs between the database read and the cache write.
	beforeSet func()
}

func newMapCache() *mapCache {
	return &mapCache{blocked: map[string]moderation.Decision{}, generations: map[string]int64{}}
}

func (c *mapCache) GetBlocked(_ context.Context, userID string, capability moderation.Capability) (*moderation.Decision, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	gen := c.generations[userID]
	d, ok := c.blocked[userID+"|"+string(capability)]
	if !ok {
		return nil, gen, nil
	}
	return &d, gen, nil
}

func (c *mapCache) SetBlocked(_ context.Context, d moderation.Decision, _ time.Duration, generation int64) error {
	if c.beforeSet != nil {
		c.beforeSet()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[d.UserID] != generation {
		return nil
	}
	c.blocked[d.UserID+"|"+string(d.Capability)] = d
	return nil
}

func (c *mapCache) Invalidate(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, d := range c.blocked {
		if d.UserID == userID {
			delete(c.blocked, key)
		}
	}
	c.generations[userID]++
	c.invalidated = append(c.invalidated, userID)
	return nil
}

type harness struct {
	svc   *moderation.Service
	store *memstore.Store
	clock *fakeClock
	rec   *recorder
}

func newHarness(t *testing.T, opts ...moderation.Option) *harness {
	t.Helper()
	h := &harness{
		store: memstore.New(),
		clock: &fakeClock{now: time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)},
		rec:   &recorder{},
	}
	h.store.PutProfile(mod.ID, rbac.RoleModerator)
	h.store.PutProfile(otherMod.ID, rbac.RoleModerator)
	h.store.PutProfile(admin.ID, rbac.RoleAdmin)
	h.store.PutProfile(member.ID, rbac.RoleUser)

	base := []moderation.Option{
		moderation.WithClock(h.clock.Now),
		moderation.WithNotifier(h.rec),
		moderation.WithSecuritySink(h.rec),
		moderation.WithRetry(3, time.Millisecond),
	}
	h.svc = moderation.NewService(h.store, append(base, opts...)...)
	return h
}

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }

// suspend records a timed suspension of member by mod.
func (h *harness) suspend(t *testing.T, days int) moderation.Action {
	t.Helper()
	action, err := h.svc.RecordAction(context.Background(), mod, moderation.RecordActionInput{
		TargetUserID: member.ID,
		Kind:         moderation.ActionUserSuspended,
		Reason:       "repeated harassment",
		DurationDays: intPtr(days),
	})
	if err != nil {
		t.Fatalf("suspend: %v", err)
	}
	return action
}
