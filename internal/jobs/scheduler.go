// Package jobs provides the deferred-work scheduler used for thumbnail
// derivation and expiring-link deletion. Delivery is at-least-once: handlers
// must tolerate redelivery and targets that no longer exist.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Job is one unit of deferred work. Payload is the JSON encoding of the
// kind-specific payload struct.
type Job struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// NewJob encodes payload and wraps it with its kind.
func NewJob(kind string, payload interface{}) (Job, error) {
	if strings.TrimSpace(kind) == "" {
		return Job{}, fmt.Errorf("job kind is required")
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("marshal job payload: %w", err)
	}
	return Job{Kind: kind, Payload: encoded}, nil
}

// HandlerFunc executes one job. A returned error is logged and the job is
// dropped; retry policy belongs to the transport, not the handler.
type HandlerFunc func(ctx context.Context, job Job) error

// Scheduler dispatches jobs to registered handlers, immediately or after a
// delay. Implementations are injected into the core rather than reached
// through a process-wide singleton.
type Scheduler interface {
	Enqueue(ctx context.Context, job Job) error
	EnqueueAfter(ctx context.Context, delay time.Duration, job Job) error
}

type registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func (r *registry) register(kind string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[string]HandlerFunc)
	}
	r.handlers[kind] = fn
}

func (r *registry) lookup(kind string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[kind]
	return fn, ok
}

// InProcessConfig tunes the in-process scheduler.
type InProcessConfig struct {
	Workers   int
	QueueSize int
	Logger    *slog.Logger
}

const (
	defaultJobWorkers   = 2
	defaultJobQueueSize = 64
)

// InProcessScheduler runs jobs on a fixed worker pool inside the server
// process. Delayed jobs ride a time.Timer; pending timers are dropped on
// shutdown, which at-least-once delivery permits.
type InProcessScheduler struct {
	registry
	workers int
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	queue chan Job
	wg    sync.WaitGroup

	mu      sync.Mutex
	timers  map[*time.Timer]struct{}
	started bool
}

// NewInProcessScheduler builds the scheduler; call Register for each job kind
// and then Start.
func NewInProcessScheduler(cfg InProcessConfig) *InProcessScheduler {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultJobWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultJobQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &InProcessScheduler{
		workers: workers,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		queue:   make(chan Job, queueSize),
		timers:  make(map[*time.Timer]struct{}),
	}
}

// Register binds a handler to a job kind. Register before Start.
func (s *InProcessScheduler) Register(kind string, fn HandlerFunc) {
	s.register(kind, fn)
}

// Start launches the worker pool.
func (s *InProcessScheduler) Start() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
}

// Shutdown stops accepting work and waits for in-flight jobs.
func (s *InProcessScheduler) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.cancel()
	s.mu.Lock()
	for timer := range s.timers {
		timer.Stop()
	}
	s.timers = make(map[*time.Timer]struct{})
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *InProcessScheduler) Enqueue(ctx context.Context, job Job) error {
	if _, ok := s.lookup(job.Kind); !ok {
		return fmt.Errorf("no handler registered for job kind %q", job.Kind)
	}
	select {
	case <-s.ctx.Done():
		return fmt.Errorf("scheduler stopped")
	case <-ctx.Done():
		return ctx.Err()
	case s.queue <- job:
		return nil
	}
}

func (s *InProcessScheduler) EnqueueAfter(ctx context.Context, delay time.Duration, job Job) error {
	if _, ok := s.lookup(job.Kind); !ok {
		return fmt.Errorf("no handler registered for job kind %q", job.Kind)
	}
	if delay <= 0 {
		return s.Enqueue(ctx, job)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, timer)
		s.mu.Unlock()
		select {
		case <-s.ctx.Done():
		case s.queue <- job:
		}
	})
	s.timers[timer] = struct{}{}
	return nil
}

func (s *InProcessScheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case job := <-s.queue:
			s.dispatch(job)
		}
	}
}

func (s *InProcessScheduler) dispatch(job Job) {
	fn, ok := s.lookup(job.Kind)
	if !ok {
		s.logger.Error("job has no handler", "kind", job.Kind)
		return
	}
	if err := fn(s.ctx, job); err != nil {
		// Failures stay inside the job context; the request that scheduled
		// the work has long since returned.
		s.logger.Error("job failed", "kind", job.Kind, "error", err)
	}
}
