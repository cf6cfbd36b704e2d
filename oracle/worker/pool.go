package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/armon/go-metrics"
	"golang.org/x/time/rate"

	"github.com/GPTx-global/inferd/oracle/log"
	"github.com/GPTx-global/inferd/oracle/pipeline"
	"github.com/GPTx-global/inferd/oracle/queue"
	"github.com/GPTx-global/inferd/oracle/retry"
	"github.com/GPTx-global/inferd/oracle/types"
)

type Handler interface {
	Handle(ctx context.Context, job *types.Job) pipeline.Outcome
}

type Config struct {
	Concurrency     int
	RateLimitJobs   int
	RateLimitWindow time.Duration
	// Retry decides how often and how late a retryable job is requeued.
	Retry *retry.Config
	// Metrics receives per-job counters and timings. Nil uses the global sink.
	Metrics *metrics.Metrics
}

// Stats is a snapshot of the pool counters.
type Stats struct {
	Workers        int    `json:"workers"`
	InFlight       int64  `json:"inFlight"`
	Succeeded      uint64 `json:"succeeded"`
	Skipped        uint64 `json:"skipped"`
	Requeued       uint64 `json:"requeued"`
	FailedTerminal uint64 `json:"failedTerminal"`
	QueueLength    int64  `json:"queueLength"`
}

// Pool drains the queue with a fixed number of workers. Job starts are
// limited by a token bucket shared by all workers.
type Pool struct {
	cfg     Config
	queue   queue.Queue
	handler Handler
	limiter *rate.Limiter

	cancel context.CancelFunc
	wg     sync.WaitGroup

	inFlight       atomic.Int64
	succeeded      atomic.Uint64
	skipped        atomic.Uint64
	requeued       atomic.Uint64
	failedTerminal atomic.Uint64
}

func NewPool(cfg Config, q queue.Queue, h Handler) *Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.JobConfig(1, time.Second)
	}

	limit := rate.Inf
	burst := 1
	if cfg.RateLimitJobs > 0 && cfg.RateLimitWindow > 0 {
		limit = rate.Every(cfg.RateLimitWindow / time.Duration(cfg.RateLimitJobs))
		burst = cfg.RateLimitJobs
	}

	return &Pool{
		cfg:     cfg,
		queue:   q,
		handler: h,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Start launches the workers. They stop taking new jobs when ctx is done or
// Stop is called.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	log.Infof("worker pool started: %d workers, %.2f jobs/s", p.cfg.Concurrency, float64(p.limiter.Limit()))
}

// Stop stops taking jobs and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	log.Infof("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			log.Errorf("worker %d: dequeue failed: %v", id, err)
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		if err := p.limiter.Wait(ctx); err != nil {
			// shutting down before the job started: hand it back
			p.requeue(job, 0)
			p.ack(job)
			return
		}

		p.process(ctx, id, job)
	}
}

// process runs one job to completion. The handler gets a context that
// outlives Stop so in-flight jobs drain.
func (p *Pool) process(ctx context.Context, id int, job *types.Job) {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	log.Debugf("worker %d: job %s model %s topic %d attempt %d", id, job.ID, job.ModelID, job.TopicID, job.Attempt+1)
	start := time.Now()
	out := p.handler.Handle(context.WithoutCancel(ctx), job)
	p.observe(out.State, start)

	switch out.State {
	case types.JobSucceeded:
		p.succeeded.Add(1)
	case types.JobSkipped:
		p.skipped.Add(1)
	case types.JobFailedRetryable:
		next := job.Attempt + 1
		if next < p.cfg.Retry.MaxAttempts {
			retried := *job
			retried.Attempt = next
			p.requeue(&retried, p.cfg.Retry.Backoff(next))
		} else {
			p.failedTerminal.Add(1)
			log.Errorf("job %s: giving up after %d attempts: %v", job.ID, next, out.Err)
		}
	case types.JobFailedTerminal:
		p.failedTerminal.Add(1)
	}

	p.ack(job)
}

func (p *Pool) observe(state types.JobState, start time.Time) {
	labels := []metrics.Label{{Name: "state", Value: state.String()}}
	if p.cfg.Metrics == nil {
		metrics.IncrCounterWithLabels([]string{"pipeline", "jobs"}, 1, labels)
		metrics.MeasureSinceWithLabels([]string{"pipeline", "job_duration"}, start, labels)
		return
	}
	p.cfg.Metrics.IncrCounterWithLabels([]string{"pipeline", "jobs"}, 1, labels)
	p.cfg.Metrics.MeasureSinceWithLabels([]string{"pipeline", "job_duration"}, start, labels)
}

func (p *Pool) requeue(job *types.Job, delay time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if delay > 0 {
		err = p.queue.EnqueueAfter(ctx, job, delay)
	} else {
		err = p.queue.Enqueue(ctx, job)
	}
	if err != nil {
		log.Errorf("job %s: requeue failed: %v", job.ID, err)
		return
	}
	p.requeued.Add(1)
}

func (p *Pool) ack(job *types.Job) {
	if err := p.queue.Ack(context.Background(), job); err != nil {
		log.Warnf("job %s: ack failed: %v", job.ID, err)
	}
}

func (p *Pool) Stats(ctx context.Context) Stats {
	s := Stats{
		Workers:        p.cfg.Concurrency,
		InFlight:       p.inFlight.Load(),
		Succeeded:      p.succeeded.Load(),
		Skipped:        p.skipped.Load(),
		Requeued:       p.requeued.Load(),
		FailedTerminal: p.failedTerminal.Load(),
	}
	if n, err := p.queue.Len(ctx); err == nil {
		s.QueueLength = n
	}
	return s
}
