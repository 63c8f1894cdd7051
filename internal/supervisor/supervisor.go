// Package supervisor admits agent queries under a bounded concurrency limit.
//
// Submissions acquire a slot from a weighted semaphore; when the limit is
// reached they either block, wait in a bounded pending queue, or fail,
// depending on the configured discipline. Every query gets a generated id
// and a lifecycle event trail (queued, started, start_failed, completed).
package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/tetherlabs/tether/internal/backend"
	"github.com/tetherlabs/tether/internal/session"
	"github.com/tetherlabs/tether/internal/telemetry"
)

// Strategy is a queue overflow discipline.
type Strategy string

const (
	// StrategySuspend blocks the submitter until capacity frees up.
	StrategySuspend Strategy = "suspend"
	// StrategyDropping rejects new offers with QueueFullError.
	StrategyDropping Strategy = "dropping"
	// StrategySliding evicts the oldest pending request to make room.
	StrategySliding Strategy = "sliding"
)

func validStrategy(s Strategy) bool {
	switch s {
	case StrategySuspend, StrategyDropping, StrategySliding:
		return true
	}
	return false
}

// Config holds supervisor tuning knobs.
type Config struct {
	// ConcurrencyLimit caps simultaneously running queries. Must be > 0.
	ConcurrencyLimit int
	// PendingQueueCapacity sizes the waiting room; 0 disables queueing and
	// submitters block on the semaphore directly.
	PendingQueueCapacity int
	// PendingQueueStrategy picks the overflow discipline.
	PendingQueueStrategy Strategy
	// MaxPendingTime bounds how long a request may wait in the queue;
	// 0 means unbounded.
	MaxPendingTime time.Duration
	// MaxPromptChars bounds text prompt length; 0 means unbounded.
	MaxPromptChars int

	MetricsEnabled bool
	TracingEnabled bool

	// EmitEvents enables the lifecycle event bus.
	EmitEvents          bool
	EventBufferCapacity int
	EventBufferStrategy Strategy
}

// DefaultConfig returns the supervisor defaults.
func DefaultConfig() Config {
	return Config{
		ConcurrencyLimit:     4,
		PendingQueueCapacity: 16,
		PendingQueueStrategy: StrategySuspend,
		EmitEvents:           true,
		EventBufferCapacity:  64,
		EventBufferStrategy:  StrategySliding,
	}
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if c.ConcurrencyLimit <= 0 {
		return fmt.Errorf("supervisor: concurrencyLimit must be > 0, got %d", c.ConcurrencyLimit)
	}
	if c.PendingQueueCapacity < 0 {
		return fmt.Errorf("supervisor: pendingQueueCapacity must be >= 0, got %d", c.PendingQueueCapacity)
	}
	if c.PendingQueueCapacity > 0 && !validStrategy(c.PendingQueueStrategy) {
		return fmt.Errorf("supervisor: unknown pendingQueueStrategy %q", c.PendingQueueStrategy)
	}
	if c.EmitEvents && c.EventBufferStrategy != "" && !validStrategy(c.EventBufferStrategy) {
		return fmt.Errorf("supervisor: unknown eventBufferStrategy %q", c.EventBufferStrategy)
	}
	if c.MaxPendingTime < 0 {
		return fmt.Errorf("supervisor: maxPendingTime must be >= 0")
	}
	return nil
}

// Tap observes every message flowing through a query's stream; the
// chat-history recorder hooks in here.
type Tap func(ctx context.Context, queryID string, opts backend.Options, m backend.Message)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the supervisor logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithTap installs a message tap.
func WithTap(tap Tap) Option {
	return func(s *Supervisor) { s.tap = tap }
}

// WithClock overrides the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Supervisor) { s.clock = clock }
}

// Supervisor admits queries against a backend under a concurrency limit.
type Supervisor struct {
	cfg     Config
	backend backend.Backend
	log     zerolog.Logger
	clock   func() time.Time
	tap     Tap

	sem     *semaphore.Weighted
	pending chan *pendingRequest
	bus     *bus

	baseCtx context.Context
	cancel  context.CancelFunc
	closed  chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	mu     sync.Mutex
	active map[string]*Query

	tracer    trace.Tracer
	started   metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	duration  metric.Float64Histogram
}

// New builds a Supervisor over the given backend. The configuration must
// pass Validate.
func New(b backend.Backend, cfg Config, opts ...Option) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:     cfg,
		backend: b,
		log:     zerolog.Nop(),
		clock:   time.Now,
		sem:     semaphore.NewWeighted(int64(cfg.ConcurrencyLimit)),
		baseCtx: baseCtx,
		cancel:  cancel,
		closed:  make(chan struct{}),
		active:  make(map[string]*Query),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.EmitEvents {
		s.bus = newBus(cfg.EventBufferCapacity, cfg.EventBufferStrategy)
	}
	if cfg.TracingEnabled {
		s.tracer = telemetry.Tracer("")
	}
	if cfg.MetricsEnabled {
		meter := telemetry.Meter("")
		s.started, _ = meter.Int64Counter("queries_started")
		s.completed, _ = meter.Int64Counter("queries_completed")
		s.failed, _ = meter.Int64Counter("queries_failed")
		s.duration, _ = meter.Float64Histogram("query_duration_ms",
			metric.WithExplicitBucketBoundaries(50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000))
	}
	if cfg.PendingQueueCapacity > 0 {
		s.pending = make(chan *pendingRequest, cfg.PendingQueueCapacity)
		s.wg.Add(1)
		go s.worker()
	}
	return s, nil
}

// Submit admits a query and returns its handle. Depending on configuration
// the call may block on the semaphore or wait in the pending queue; it
// returns QueueFullError, PendingTimeoutError, or PendingCanceledError on
// the corresponding admission failures.
func (s *Supervisor) Submit(ctx context.Context, prompt backend.Prompt, opts backend.Options) (*Query, error) {
	if err := s.validatePrompt(prompt); err != nil {
		return nil, err
	}
	select {
	case <-s.closed:
		return nil, ErrClosed
	default:
	}

	id := uuid.NewString()

	if s.pending == nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil, &PendingCanceledError{}
		}
		q, err := s.start(id, prompt, opts)
		if err != nil {
			s.sem.Release(1)
			return nil, err
		}
		return q, nil
	}

	req := &pendingRequest{
		id:          id,
		prompt:      prompt,
		opts:        opts,
		submittedAt: s.clock(),
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
	}
	if err := s.offer(ctx, req); err != nil {
		return nil, err
	}
	// The worker holds off processing until ready closes, so the queued
	// event always precedes this query's started event.
	s.publish(Event{Type: EventQueued, QueryID: id, Timestamp: nowMillis(s.clock)})
	close(req.ready)

	var timeout <-chan time.Time
	if s.cfg.MaxPendingTime > 0 {
		t := time.NewTimer(s.cfg.MaxPendingTime)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-req.done:
		return req.q, req.err
	case <-timeout:
		if req.resolve(nil, &PendingTimeoutError{Timeout: s.cfg.MaxPendingTime}) {
			return nil, &PendingTimeoutError{Timeout: s.cfg.MaxPendingTime}
		}
		<-req.done
		return req.q, req.err
	case <-ctx.Done():
		if req.resolve(nil, &PendingCanceledError{}) {
			return nil, &PendingCanceledError{}
		}
		<-req.done
		return req.q, req.err
	}
}

// SubmitStream admits a query and returns its message stream directly.
func (s *Supervisor) SubmitStream(ctx context.Context, prompt backend.Prompt, opts backend.Options) (<-chan backend.Message, error) {
	q, err := s.Submit(ctx, prompt, opts)
	if err != nil {
		return nil, err
	}
	return q.Messages(), nil
}

func (s *Supervisor) validatePrompt(prompt backend.Prompt) error {
	if prompt.IsStream() {
		return nil
	}
	if strings.TrimSpace(prompt.Text) == "" {
		return &session.ValidationError{Code: CodeInvalidPrompt, Message: "prompt must not be empty"}
	}
	if s.cfg.MaxPromptChars > 0 && utf8.RuneCountInString(prompt.Text) > s.cfg.MaxPromptChars {
		return &session.ValidationError{
			Code:    CodeInvalidPrompt,
			Message: fmt.Sprintf("prompt exceeds %d characters", s.cfg.MaxPromptChars),
		}
	}
	return nil
}

func (s *Supervisor) offer(ctx context.Context, req *pendingRequest) error {
	switch s.cfg.PendingQueueStrategy {
	case StrategyDropping:
		select {
		case s.pending <- req:
			return nil
		default:
			return &QueueFullError{Capacity: s.cfg.PendingQueueCapacity, Strategy: StrategyDropping}
		}
	case StrategySliding:
		for {
			select {
			case s.pending <- req:
				return nil
			default:
			}
			// Evict the oldest waiter; its submitter sees a cancellation.
			select {
			case old := <-s.pending:
				old.resolve(nil, &PendingCanceledError{})
			default:
			}
		}
	default: // suspend
		select {
		case s.pending <- req:
			return nil
		case <-ctx.Done():
			return &PendingCanceledError{}
		case <-s.baseCtx.Done():
			return ErrClosed
		}
	}
}

// worker drains the pending queue serially. It acquires a permit before
// dequeuing so requests keep occupying queue capacity while the limit is
// saturated; that is what makes the dropping and sliding disciplines
// observable.
func (s *Supervisor) worker() {
	defer s.wg.Done()
	for {
		if err := s.sem.Acquire(s.baseCtx, 1); err != nil {
			return
		}
		select {
		case <-s.baseCtx.Done():
			s.sem.Release(1)
			return
		case req := <-s.pending:
			select {
			case <-req.ready:
			case <-s.baseCtx.Done():
				req.resolve(nil, &PendingCanceledError{})
				s.sem.Release(1)
				return
			}
			if req.isResolved() {
				s.sem.Release(1)
				continue
			}
			q, err := s.start(req.id, req.prompt, req.opts)
			if err != nil {
				s.sem.Release(1)
				req.resolve(nil, err)
				continue
			}
			if !req.resolve(q, nil) {
				// The submitter timed out or canceled while the backend was
				// starting; interrupt the handle so it does not leak.
				_ = q.Interrupt()
			}
		}
	}
}

// start calls the backend and registers the running query. The caller owns
// the semaphore permit until start succeeds; after that the query's
// finaliser releases it.
func (s *Supervisor) start(id string, prompt backend.Prompt, opts backend.Options) (*Query, error) {
	ctx := s.baseCtx
	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "agent.query",
			trace.WithAttributes(attribute.String("query.id", id)))
	}

	h, err := s.backend.Start(ctx, prompt, opts)
	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.End()
		}
		s.add(s.failed)
		s.publish(Event{Type: EventStartFailed, QueryID: id, Timestamp: nowMillis(s.clock), Error: err.Error()})
		s.log.Warn().Err(err).Str("query_id", id).Msg("backend start failed")
		return nil, fmt.Errorf("supervisor: backend start: %w", err)
	}

	q := &Query{
		id:        id,
		handle:    h,
		startedAt: s.clock(),
		msgs:      make(chan backend.Message, 64),
		done:      make(chan struct{}),
		span:      span,
	}
	s.mu.Lock()
	s.active[id] = q
	s.mu.Unlock()

	s.add(s.started)
	s.publish(Event{Type: EventStarted, QueryID: id, Timestamp: nowMillis(s.clock)})

	s.wg.Add(1)
	go s.pump(q, opts)
	return q, nil
}

// pump forwards the backend stream to the query's consumer stream and runs
// the finaliser when it ends.
func (s *Supervisor) pump(q *Query, opts backend.Options) {
	defer s.wg.Done()
	for m := range q.handle.Messages() {
		if s.tap != nil {
			s.tap(s.baseCtx, q.id, opts, m)
		}
		select {
		case q.msgs <- m:
		case <-s.baseCtx.Done():
		}
	}
	s.finish(q)
}

func (s *Supervisor) finish(q *Query) {
	status := StatusSuccess
	err := q.handle.Err()
	switch {
	case err != nil:
		status = StatusFailure
	case q.wasInterrupted():
		status = StatusInterrupted
	}
	q.setResult(status, err)

	s.mu.Lock()
	delete(s.active, q.id)
	s.mu.Unlock()
	s.sem.Release(1)

	durMs := float64(s.clock().Sub(q.startedAt)) / float64(time.Millisecond)
	if s.duration != nil {
		s.duration.Record(context.Background(), durMs)
	}
	s.add(s.completed)
	if status == StatusFailure {
		s.add(s.failed)
	}
	if q.span != nil {
		q.span.SetAttributes(attribute.String("query.status", string(status)))
		if err != nil {
			q.span.RecordError(err)
		}
		q.span.End()
	}

	close(q.msgs)
	close(q.done)
	s.publish(Event{Type: EventCompleted, QueryID: q.id, Timestamp: nowMillis(s.clock), Status: status})
	s.log.Debug().Str("query_id", q.id).Str("status", string(status)).Float64("duration_ms", durMs).Msg("query completed")
}

// Stats is a point-in-time snapshot of supervisor state.
type Stats struct {
	Active               int
	Pending              int
	ConcurrencyLimit     int
	PendingQueueCapacity int
	PendingQueueStrategy Strategy
}

// Stats reports active and pending counts plus the configured limits.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	active := len(s.active)
	s.mu.Unlock()
	pending := 0
	if s.pending != nil {
		pending = len(s.pending)
	}
	return Stats{
		Active:               active,
		Pending:              pending,
		ConcurrencyLimit:     s.cfg.ConcurrencyLimit,
		PendingQueueCapacity: s.cfg.PendingQueueCapacity,
		PendingQueueStrategy: s.cfg.PendingQueueStrategy,
	}
}

// Events subscribes to the lifecycle event stream. When events are disabled
// the returned stream is already closed.
func (s *Supervisor) Events() <-chan Event {
	if s.bus == nil {
		ch := make(chan Event)
		close(ch)
		return ch
	}
	return s.bus.subscribe()
}

func (s *Supervisor) publish(e Event) {
	if s.bus != nil {
		s.bus.publish(e)
	}
}

// InterruptAll signals every active query to close input and interrupt.
func (s *Supervisor) InterruptAll() {
	s.mu.Lock()
	qs := make([]*Query, 0, len(s.active))
	for _, q := range s.active {
		qs = append(qs, q)
	}
	s.mu.Unlock()
	for _, q := range qs {
		_ = q.Interrupt()
	}
}

// Shutdown interrupts active queries, fails the pending queue with
// cancellation errors, waits for in-flight finalisers, and closes the event
// bus. The context bounds the wait.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.once.Do(func() {
		close(s.closed)
		s.InterruptAll()
		s.cancel()
		if s.pending != nil {
			for {
				select {
				case req := <-s.pending:
					req.resolve(nil, &PendingCanceledError{})
					continue
				default:
				}
				break
			}
		}
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("supervisor: shutdown: %w", ctx.Err())
	}
	if s.bus != nil {
		s.bus.close()
	}
	return nil
}

func (s *Supervisor) add(c metric.Int64Counter) {
	if c != nil {
		c.Add(context.Background(), 1)
	}
}

// pendingRequest is a queued submission waiting for admission. It resolves
// exactly once, either with a started query or with an admission error.
type pendingRequest struct {
	id          string
	prompt      backend.Prompt
	opts        backend.Options
	submittedAt time.Time
	// ready closes once the submitter has published the queued event; the
	// worker waits on it before admitting the request.
	ready chan struct{}

	mu       sync.Mutex
	resolved bool
	q        *Query
	err      error
	done     chan struct{}
}

func (r *pendingRequest) resolve(q *Query, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved {
		return false
	}
	r.resolved = true
	r.q = q
	r.err = err
	close(r.done)
	return true
}

func (r *pendingRequest) isResolved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved
}
