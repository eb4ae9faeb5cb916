package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/arklim/portal-sync/internal/cache"
	"github.com/arklim/portal-sync/internal/core/domain"
	"github.com/arklim/portal-sync/internal/core/port"
	"github.com/arklim/portal-sync/internal/datasync"
	"github.com/arklim/portal-sync/internal/infra/logger"
	"github.com/arklim/portal-sync/internal/invalidation"
)

const (
	defaultAccessCacheTTL       = 2 * time.Minute
	defaultAccessDebounce       = time.Second
	defaultGrantedRecheck       = 3 * time.Minute
	defaultDeniedRecheck        = 5 * time.Minute
	defaultInvalidationDebounce = time.Second

	evaluateKey = "evaluate"
	recheckKey  = "recheck"
)

// AccessCacheKey namespaces a subject's access facts in the shared cache.
func AccessCacheKey(subjectID string) string {
	return "access:" + subjectID
}

// PartialFactsError reports that at least one upstream fact could not be determined. Known holds the
// facts that were resolved so the fail-closed decision can still show them.
type PartialFactsError struct {
	SubjectID string
	Known     domain.AccessFacts
	Err       error
}

func (e *PartialFactsError) Error() string {
	return fmt.Sprintf("access facts incomplete for %s: %v", logger.MaskSubject(e.SubjectID), e.Err)
}

func (e *PartialFactsError) Unwrap() error {
	return e.Err
}

// AccessOptions configures access evaluation.
type AccessOptions struct {
	CacheTTL             time.Duration
	Debounce             time.Duration
	GrantedRecheck       time.Duration
	DeniedRecheck        time.Duration
	InvalidationDebounce time.Duration
	Warnings             domain.WarningWindows
}

func (o AccessOptions) withDefaults() AccessOptions {
	if o.CacheTTL <= 0 {
		o.CacheTTL = defaultAccessCacheTTL
	}
	if o.Debounce <= 0 {
		o.Debounce = defaultAccessDebounce
	}
	if o.GrantedRecheck <= 0 {
		o.GrantedRecheck = defaultGrantedRecheck
	}
	if o.DeniedRecheck <= 0 {
		o.DeniedRecheck = defaultDeniedRecheck
	}
	if o.InvalidationDebounce <= 0 {
		o.InvalidationDebounce = defaultInvalidationDebounce
	}
	if o.Warnings.AccessExpiry <= 0 {
		o.Warnings.AccessExpiry = domain.DefaultExpiryWarningWindow
	}
	if o.Warnings.TermEnd <= 0 {
		o.Warnings.TermEnd = domain.DefaultTermWarningWindow
	}
	return o
}

// AccessService evaluates the access policy for subjects. It is shared across requests; consumers
// that need live updates own an AccessEvaluator built by Evaluator.
type AccessService struct {
	facts   port.AccessFactsSource
	cache   *cache.Cache
	retrier *datasync.Retrier
	opts    AccessOptions
	logger  *zap.Logger
	now     func() time.Time

	channel port.NotificationChannel
	metrics port.InvalidationMetrics

	inflight singleflight.Group
}

// NewAccessService constructs the access service.
func NewAccessService(facts port.AccessFactsSource, c *cache.Cache, retrier *datasync.Retrier, opts AccessOptions) *AccessService {
	if retrier == nil {
		retrier = datasync.NewRetrier(datasync.RetryOptions{})
	}
	return &AccessService{
		facts:   facts,
		cache:   c,
		retrier: retrier,
		opts:    opts.withDefaults(),
		logger:  zap.NewNop(),
		now:     time.Now,
	}
}

// WithLogger attaches a structured logger to the service for operational diagnostics.
func (s *AccessService) WithLogger(logger *zap.Logger) *AccessService {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithNow overrides the clock, primarily for deterministic testing.
func (s *AccessService) WithNow(now func() time.Time) *AccessService {
	if now != nil {
		s.now = now
	}
	return s
}

// WithInvalidation enables push-driven re-evaluation for watched subjects.
func (s *AccessService) WithInvalidation(channel port.NotificationChannel, metrics port.InvalidationMetrics) *AccessService {
	s.channel = channel
	s.metrics = metrics
	return s
}

// Check returns a cache-first decision. Concurrent checks for the same subject share one fetch.
func (s *AccessService) Check(ctx context.Context, subjectID string) (domain.AccessDecision, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return domain.AccessDecision{}, ErrSubjectIDRequired
	}

	v, _, _ := s.inflight.Do(subjectID, func() (any, error) {
		u := s.newUnit(subjectID)
		defer u.Detach()
		return u.Sync(context.WithoutCancel(ctx)), nil
	})
	return s.decisionOrFailClosed(ctx, subjectID, v.(datasync.State[domain.AccessFacts])), nil
}

// Refresh drops any cached facts and evaluates against the source.
func (s *AccessService) Refresh(ctx context.Context, subjectID string) (domain.AccessDecision, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return domain.AccessDecision{}, ErrSubjectIDRequired
	}

	u := s.newUnit(subjectID)
	defer u.Detach()
	u.ClearCache()
	return s.decisionOrFailClosed(ctx, subjectID, u.Refetch(ctx)), nil
}

// Warnings renders the warnings for decision using the configured windows.
func (s *AccessService) Warnings(decision domain.AccessDecision) string {
	return s.opts.Warnings.Warnings(decision, s.now())
}

// Evaluator builds a consumer-owned evaluator for subjectID.
func (s *AccessService) Evaluator(subjectID string) (*AccessEvaluator, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, ErrSubjectIDRequired
	}
	return &AccessEvaluator{
		svc:       s,
		subjectID: subjectID,
		unit:      s.newUnit(subjectID),
		debouncer: datasync.NewDebouncer(s.opts.Debounce),
		updates:   make(chan domain.AccessDecision, 1),
		done:      make(chan struct{}),
	}, nil
}

// Watch keeps a decision for subjectID live until ctx is done, calling fn with each new decision and
// its warnings. Payment and registration notifications trigger re-evaluation when a channel is wired.
func (s *AccessService) Watch(ctx context.Context, subjectID string, fn func(domain.AccessDecision, string)) error {
	ev, err := s.Evaluator(subjectID)
	if err != nil {
		return err
	}
	ev.Attach(ctx)
	defer ev.Detach()

	if s.channel != nil {
		adapter := invalidation.NewAdapter(s.channel, invalidation.Options{
			Debounce: s.opts.InvalidationDebounce,
			Logger:   s.logger,
			Metrics:  s.metrics,
		})
		if err := adapter.Attach(ctx, ev.Binding()); err != nil {
			s.logger.Warn("access invalidation unavailable, relying on periodic re-check",
				logger.SubjectField(ev.subjectID), zap.Error(err))
		} else {
			defer adapter.Detach()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case decision := <-ev.Updates():
			fn(decision, s.Warnings(decision))
		}
	}
}

func (s *AccessService) newUnit(subjectID string) *datasync.Unit[domain.AccessFacts] {
	return datasync.NewUnit(datasync.UnitConfig[domain.AccessFacts]{
		Name:     "access",
		CacheKey: AccessCacheKey(subjectID),
		TTL:      s.opts.CacheTTL,
		Fetch:    s.fetchFacts(subjectID),
	}, datasync.Deps{Cache: s.cache, Retrier: s.retrier, Logger: s.logger})
}

// fetchFacts queries clearance and registration concurrently. Both lookups always run to completion
// so a single failure still yields the other fact.
func (s *AccessService) fetchFacts(subjectID string) datasync.FetchFunc[domain.AccessFacts] {
	return func(ctx context.Context) (domain.AccessFacts, error) {
		var (
			eg              errgroup.Group
			clearance       domain.ClearanceFact
			registration    domain.RegistrationFact
			clearanceErr    error
			registrationErr error
		)
		eg.Go(func() error {
			clearance, clearanceErr = s.facts.FinancialClearance(ctx, subjectID)
			return nil
		})
		eg.Go(func() error {
			registration, registrationErr = s.facts.TermRegistration(ctx, subjectID)
			return nil
		})
		_ = eg.Wait()

		if clearanceErr == nil && registrationErr == nil {
			return domain.NewAccessFacts(clearance, registration), nil
		}
		if err := ctx.Err(); err != nil {
			return domain.AccessFacts{}, err
		}

		known := domain.AccessFacts{}
		if clearanceErr == nil {
			cleared := clearance.Cleared
			known.FinanciallyCleared = &cleared
			known.AccessValidUntil = clearance.AccessValidUntil
		}
		if registrationErr == nil {
			registered := registration.Registered
			known.TermRegistered = &registered
			known.TermEndsAt = registration.TermEndsAt
		}
		return domain.AccessFacts{}, &PartialFactsError{
			SubjectID: subjectID,
			Known:     known,
			Err:       errors.Join(clearanceErr, registrationErr),
		}
	}
}

// decide maps a unit state onto a decision. A state without data or error has no decision yet.
func (s *AccessService) decide(state datasync.State[domain.AccessFacts]) (domain.AccessDecision, bool) {
	now := s.now()
	switch {
	case state.HasData:
		return domain.EvaluateAccess(state.Data, now), true
	case state.Err != nil:
		var partial *PartialFactsError
		if errors.As(state.Err, &partial) {
			return domain.FailClosed(partial.Known, now), true
		}
		return domain.FailClosed(domain.AccessFacts{}, now), true
	default:
		return domain.AccessDecision{}, false
	}
}

func (s *AccessService) decisionOrFailClosed(ctx context.Context, subjectID string, state datasync.State[domain.AccessFacts]) domain.AccessDecision {
	if state.Err != nil {
		logger.With(ctx, s.logger).Warn("access evaluation failed closed",
			logger.SubjectField(subjectID), zap.Error(state.Err))
	}
	decision, ok := s.decide(state)
	if !ok {
		return domain.FailClosed(domain.AccessFacts{}, s.now())
	}
	return decision
}

// AccessEvaluator keeps one subject's decision current for one consumer: it re-evaluates on request
// (debounced), on a periodic re-check whose interval depends on the last outcome, and on RefreshAccess.
type AccessEvaluator struct {
	svc       *AccessService
	subjectID string
	unit      *datasync.Unit[domain.AccessFacts]
	debouncer *datasync.Debouncer

	mu        sync.Mutex
	decision  domain.AccessDecision
	evaluated bool
	attached  bool
	detached  bool
	ctx       context.Context
	cancel    context.CancelFunc
	stopWatch func() bool
	updates   chan domain.AccessDecision
	done      chan struct{}
}

// SubjectID returns the evaluated subject.
func (e *AccessEvaluator) SubjectID() string { return e.subjectID }

// Attach starts a cache-first evaluation tied to ctx. The evaluator detaches when ctx is done.
func (e *AccessEvaluator) Attach(ctx context.Context) {
	e.mu.Lock()
	if e.attached || e.detached {
		e.mu.Unlock()
		return
	}
	e.attached = true
	e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
	e.stopWatch = context.AfterFunc(ctx, e.Detach)
	e.mu.Unlock()

	go e.follow()
	e.unit.Attach(ctx)
}

// Detach stops evaluation and every timer. It is idempotent.
func (e *AccessEvaluator) Detach() {
	e.mu.Lock()
	if e.detached {
		e.mu.Unlock()
		return
	}
	e.detached = true
	cancel, stopWatch := e.cancel, e.stopWatch
	close(e.done)
	e.mu.Unlock()

	if stopWatch != nil {
		stopWatch()
	}
	if cancel != nil {
		cancel()
	}
	e.unit.Detach()
	e.debouncer.Close()
}

// RequestEvaluation asks for a re-evaluation. Requests inside the debounce window coalesce.
func (e *AccessEvaluator) RequestEvaluation() {
	e.debouncer.Trigger(evaluateKey, func() {
		e.unit.Refetch(e.context())
	})
}

// RefreshAccess cancels any pending request, drops cached facts and evaluates immediately. The
// returned decision is also delivered on Updates.
func (e *AccessEvaluator) RefreshAccess(ctx context.Context) (domain.AccessDecision, bool) {
	e.debouncer.Cancel(evaluateKey)
	e.unit.ClearCache()
	return e.svc.decide(e.unit.Refetch(ctx))
}

// Decision returns the latest decision, false while the first evaluation is still loading.
func (e *AccessEvaluator) Decision() (domain.AccessDecision, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.decision, e.evaluated
}

// Warnings renders warnings for the latest decision.
func (e *AccessEvaluator) Warnings() string {
	decision, ok := e.Decision()
	if !ok {
		return ""
	}
	return e.svc.Warnings(decision)
}

// Updates delivers each new decision. Only the most recent undelivered decision is kept.
func (e *AccessEvaluator) Updates() <-chan domain.AccessDecision {
	return e.updates
}

// Binding routes payment and registration changes of this subject to a re-evaluation. The adapter
// already debounces per target, so the target refetches without a second window.
func (e *AccessEvaluator) Binding() invalidation.Binding {
	target := invalidation.TargetFunc(AccessCacheKey(e.subjectID), func(context.Context) {
		e.debouncer.Cancel(evaluateKey)
		e.unit.Refetch(e.context())
	})
	return invalidation.Binding{
		Name:   "access",
		Filter: domain.SubjectFilter(e.subjectID),
		Routes: []invalidation.Route{
			{Topic: domain.TopicPayments, Target: target},
			{Topic: domain.TopicRegistrations, Target: target},
		},
	}
}

func (e *AccessEvaluator) context() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

func (e *AccessEvaluator) follow() {
	for {
		select {
		case <-e.done:
			return
		case state := <-e.unit.Updates():
			e.observe(state)
		}
	}
}

// observe runs only on the follow goroutine so decisions are applied in the order the unit settled.
// Loading states still carry the previous facts and are skipped.
func (e *AccessEvaluator) observe(state datasync.State[domain.AccessFacts]) {
	if state.Loading {
		return
	}
	decision, ok := e.svc.decide(state)
	if !ok {
		return
	}

	e.mu.Lock()
	if e.detached {
		e.mu.Unlock()
		return
	}
	e.decision = decision
	e.evaluated = true
	select {
	case <-e.updates:
	default:
	}
	select {
	case e.updates <- decision:
	default:
	}
	e.mu.Unlock()

	if state.Err != nil {
		e.svc.logger.Warn("access evaluation failed closed", logger.SubjectField(e.subjectID), zap.Error(state.Err))
	}

	interval := e.svc.opts.DeniedRecheck
	if decision.HasAccess {
		interval = e.svc.opts.GrantedRecheck
	}
	e.debouncer.Reschedule(recheckKey, interval, func() {
		e.unit.Refetch(e.context())
	})
}
