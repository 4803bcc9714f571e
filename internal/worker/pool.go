// Package worker provides the pool of goroutines that lease envelopes from
// the broker channel, dispatch them to the registered handler, and apply the
// retry/backoff policy. The broker's lease is the only mutual exclusion the
// workers rely on; they never coordinate with each other directly.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/naga-ruthvik/edutrack-tasks/internal/broker"
	"github.com/naga-ruthvik/edutrack-tasks/internal/job"
	"github.com/naga-ruthvik/edutrack-tasks/internal/task"
)

// Records is the slice of the status store the pool writes. The pool is the
// sole writer of job state, result, and last_error.
type Records interface {
	MarkRunning(ctx context.Context, id uuid.UUID, attempt int) error
	MarkSucceeded(ctx context.Context, id uuid.UUID, attempt int, result json.RawMessage) error
	MarkRetrying(ctx context.Context, id uuid.UUID, attempt int, lastError string, notBefore time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, attempt int, lastError string) error
}

// Config holds pool tuning parameters (sourced from config.Config).
type Config struct {
	Workers         int
	PollInterval    time.Duration
	RecoverInterval time.Duration
	HandlerTimeout  time.Duration
	BackoffBase     time.Duration
	BackoffCap      time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.RecoverInterval <= 0 {
		c.RecoverInterval = 15 * time.Second
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 2 * time.Minute
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = time.Minute
	}
}

// Pool leases and executes jobs until its context is cancelled.
type Pool struct {
	broker   broker.Broker
	records  Records
	registry *task.Registry
	cfg      Config
	workerID string
	log      *slog.Logger
}

// New creates a Pool. A random workerID distinguishes this process in logs
// and in the broker's lease bookkeeping.
func New(b broker.Broker, records Records, registry *task.Registry, cfg Config) *Pool {
	cfg.applyDefaults()
	return &Pool{
		broker:   b,
		records:  records,
		registry: registry,
		cfg:      cfg,
		workerID: uuid.New().String(),
		log:      slog.Default(),
	}
}

// Start launches the worker goroutines plus the broker recovery goroutine,
// then blocks until ctx is cancelled. In-flight handlers run to completion
// before Start returns.
func (p *Pool) Start(ctx context.Context) {
	var wg sync.WaitGroup

	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runRecovery(ctx)
	}()

	p.log.Info("worker pool started",
		"worker_id", p.workerID, "workers", p.cfg.Workers)
	wg.Wait()
	p.log.Info("worker pool stopped", "worker_id", p.workerID)
}

// run polls for leases until ctx is cancelled. Uses time.NewTicker (not
// time.After) to avoid timer leaks.
func (p *Pool) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Drain available work before sleeping again.
			for p.processOne(ctx) {
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// ProcessOne leases and executes at most one envelope. Returns whether an
// envelope was leased. Exported for tests and for drain-style callers.
func (p *Pool) ProcessOne(ctx context.Context) bool {
	return p.processOne(ctx)
}

func (p *Pool) processOne(ctx context.Context) bool {
	d, err := p.broker.Lease(ctx)
	if err != nil {
		p.log.Error("lease error", "error", err)
		return false
	}
	if d == nil {
		return false // queue empty; normal case
	}

	env := d.Envelope

	// Backoff is "do not attempt before T", not a sleep: a not-yet-due
	// envelope goes straight back so the worker can serve due work.
	if env.NotBefore.After(time.Now()) {
		if err := p.broker.Release(ctx, d); err != nil {
			p.log.Error("release error", "job_id", env.ID, "error", err)
		}
		return true
	}

	p.execute(ctx, d)
	return true
}

// execute runs one dispatch cycle for a leased envelope: increment attempt,
// mark running, invoke the handler under its timeout, then settle the
// outcome against the broker and the status store.
func (p *Pool) execute(ctx context.Context, d *broker.Delivery) {
	env := d.Envelope
	attempt := env.Attempt + 1

	handler, err := p.registry.Resolve(env.Kind)
	if err != nil {
		// Misconfiguration, permanent by definition; recorded, never dropped.
		p.log.Error("no handler for kind", "kind", env.Kind, "job_id", env.ID)
		p.fail(ctx, d, attempt, err)
		return
	}

	if err := p.records.MarkRunning(ctx, env.ID, attempt); err != nil {
		p.log.Error("mark running error", "job_id", env.ID, "error", err)
	}

	p.log.Info("executing job",
		"job_id", env.ID, "kind", env.Kind, "attempt", attempt, "worker_id", p.workerID)

	jobsInFlight.Inc()
	hctx, cancel := context.WithTimeout(ctx, p.cfg.HandlerTimeout)
	result, herr := handler.Handle(hctx, task.Job{
		ID:      env.ID,
		Attempt: attempt,
		Payload: env.Payload,
	})
	cancel()
	jobsInFlight.Dec()

	if herr == nil {
		if err := p.records.MarkSucceeded(ctx, env.ID, attempt, result); err != nil {
			p.log.Error("mark succeeded error", "job_id", env.ID, "error", err)
		}
		if err := p.broker.Ack(ctx, d); err != nil {
			p.log.Error("ack error", "job_id", env.ID, "error", err)
		}
		jobsProcessed.WithLabelValues(string(env.Kind), "succeeded").Inc()
		p.log.Info("job succeeded", "job_id", env.ID, "kind", env.Kind, "attempt", attempt)
		return
	}

	if job.IsPermanent(herr) || attempt >= env.MaxAttempts {
		p.fail(ctx, d, attempt, herr)
		return
	}

	// Retryable with attempts remaining: requeue the updated envelope with
	// its backoff window and ack the delivered copy.
	delay := Backoff(attempt, p.cfg.BackoffBase, p.cfg.BackoffCap)
	notBefore := time.Now().Add(delay)

	if err := p.records.MarkRetrying(ctx, env.ID, attempt, herr.Error(), notBefore); err != nil {
		p.log.Error("mark retrying error", "job_id", env.ID, "error", err)
	}

	next := *env
	next.Attempt = attempt
	next.NotBefore = notBefore
	if err := p.broker.Requeue(ctx, d, &next); err != nil {
		p.log.Error("requeue error", "job_id", env.ID, "error", err)
		return
	}
	jobsProcessed.WithLabelValues(string(env.Kind), "retried").Inc()
	p.log.Warn("job failed, will retry",
		"job_id", env.ID, "kind", env.Kind, "attempt", attempt,
		"delay", delay, "error", herr)
}

// fail settles a terminal failure: record it with the original error detail
// and consume the envelope.
func (p *Pool) fail(ctx context.Context, d *broker.Delivery, attempt int, cause error) {
	env := d.Envelope
	if err := p.records.MarkFailed(ctx, env.ID, attempt, cause.Error()); err != nil {
		p.log.Error("mark failed error", "job_id", env.ID, "error", err)
	}
	if err := p.broker.Ack(ctx, d); err != nil {
		p.log.Error("ack error", "job_id", env.ID, "error", err)
	}
	jobsProcessed.WithLabelValues(string(env.Kind), "failed").Inc()
	p.log.Error("job failed permanently",
		"job_id", env.ID, "kind", env.Kind, "attempt", attempt, "error", cause)
}

// runRecovery periodically expires dead leases and releases due scheduled
// envelopes. A worker that crashed mid-execution without acking is handled
// here: its envelope becomes deliverable again after the lease timeout.
func (p *Pool) runRecovery(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.RecoverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.broker.Recover(ctx)
			if err != nil {
				p.log.Error("broker recovery error", "error", err)
				continue
			}
			if n > 0 {
				leasesRecovered.Add(float64(n))
				p.log.Info("recovered envelopes", "count", n)
			}
		}
	}
}
