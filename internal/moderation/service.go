// Package moderation implements the moderation core: the report queue, the
// append-only action ledger and its reversal guard, the restriction store
// with its capability checker, the expiration sweeper and the reversal
// metrics aggregator.
//
// The package owns every side effect of its operations. Persistence is
// reached through the Store interface; notifications, security events,
// caching and search indexing go through small collaborator interfaces and
// are best-effort.
package moderation

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"modledger/api/internal/rbac"
)

// Policy holds the authorization choices that are product decisions rather
// than invariants.
type Policy struct {
	// ModeratorSelfReversal lets a moderator without the reverse capability
	// reverse actions they recorded themselves.
	ModeratorSelfReversal bool
}

type Service struct {
	store    Store
	reader   Reader
	notifier Notifier
	security SecuritySink
	cache    CapabilityCache
	locker   Locker
	indexer  ReportIndexer
	searcher ReportSearcher
	archive  AuditArchive
	policy   Policy
	now      func() time.Time

	sweepBatchSize int
	sweepLockTTL   time.Duration
	retryAttempts  int
	retryInitial   time.Duration
}

type Option func(*Service)

// WithReader routes read-only queries (capability checks, listings and
// metrics) to a separate reader such as a replica.
func WithReader(reader Reader) Option {
	return func(s *Service) { s.reader = reader }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithSecuritySink(sink SecuritySink) Option {
	return func(s *Service) { s.security = sink }
}

func WithCapabilityCache(cache CapabilityCache) Option {
	return func(s *Service) { s.cache = cache }
}

func WithLocker(locker Locker) Option {
	return func(s *Service) { s.locker = locker }
}

func WithIndexer(indexer ReportIndexer) Option {
	return func(s *Service) { s.indexer = indexer }
}

func WithSearcher(searcher ReportSearcher) Option {
	return func(s *Service) { s.searcher = searcher }
}

func WithArchive(archive AuditArchive) Option {
	return func(s *Service) { s.archive = archive }
}

func WithPolicy(policy Policy) Option {
	return func(s *Service) { s.policy = policy }
}

// WithClock replaces time.Now. Tests use it to move time forward.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithSweepBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.sweepBatchSize = n
		}
	}
}

// WithRetry configures how transient per-row sweep failures are retried.
func WithRetry(attempts int, initial time.Duration) Option {
	return func(s *Service) {
		if attempts > 0 {
			s.retryAttempts = attempts
		}
		if initial > 0 {
			s.retryInitial = initial
		}
	}
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:          store,
		reader:         store,
		now:            time.Now,
		sweepBatchSize: 500,
		sweepLockTTL:   10 * time.Minute,
		retryAttempts:  3,
		retryInitial:   100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func (s *Service) require(actor Actor, capability rbac.Capability) error {
	if actor.ID == "" {
		return newError(ErrUnauthenticated, "UNAUTHENTICATED", "authentication required", nil)
	}
	if !rbac.Can(actor.Role, capability) {
		return forbidden("missing capability " + string(capability))
	}
	return nil
}

func (s *Service) notify(ctx context.Context, n Notification) bool {
	if s.notifier == nil {
		return false
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		sinkFailures.WithLabelValues("notification").Inc()
		log.Warn().Err(err).Str("user_id", n.UserID).Str("title", n.Title).Msg("notification delivery failed")
		return false
	}
	return true
}

func (s *Service) recordSecurityEvent(ctx context.Context, event SecurityEvent) {
	log.Warn().
		Str("kind", event.Kind).
		Str("severity", event.Severity).
		Interface("details", event.Details).
		Msg("security event")
	if s.security == nil {
		return
	}
	if err := s.security.LogSecurityEvent(ctx, event); err != nil {
		sinkFailures.WithLabelValues("security").Inc()
		log.Error().Err(err).Str("kind", event.Kind).Msg("security event sink failed")
	}
}

// rejectImmutable logs the violation verbosely and returns the generic error.
func (s *Service) rejectImmutable(ctx context.Context, actor Actor, operation string, v *Violation) error {
	immutabilityViolations.WithLabelValues(operation).Inc()
	s.recordSecurityEvent(ctx, v.event(actor, operation, s.clock()))
	return ImmutableError()
}

func (s *Service) invalidate(ctx context.Context, userID string) {
	if s.cache == nil || userID == "" {
		return
	}
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("capability cache invalidation failed")
	}
}

func (s *Service) index(report Report) {
	if s.indexer != nil {
		s.indexer.IndexReport(report)
	}
}

func strPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
