package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"outreach-platform/internal/jobs"
	"outreach-platform/pkg/logger"
)

// Handler processes one claimed job. It finishes, retries or defers the job
// through the store itself; a returned error is only logged.
type Handler interface {
	Handle(ctx context.Context, j jobs.Job, rng *rand.Rand) error
}

type HandlerFunc func(ctx context.Context, j jobs.Job, rng *rand.Rand) error

func (f HandlerFunc) Handle(ctx context.Context, j jobs.Job, rng *rand.Rand) error {
	return f(ctx, j, rng)
}

type PoolConfig struct {
	Kind         jobs.Kind
	Concurrency  int
	PollInterval time.Duration
	Lease        time.Duration

	// Rate caps job starts per second across the pool. Zero disables it.
	Rate  float64
	Burst int

	// Worker prefixes worker ids. Defaults to host-pid.
	Worker string
}

func (c PoolConfig) withDefaults() PoolConfig {
	out := c
	if out.Concurrency <= 0 {
		out.Concurrency = 1
	}
	if out.PollInterval <= 0 {
		out.PollInterval = time.Second
	}
	if out.Lease <= 0 {
		out.Lease = 2 * time.Minute
	}
	if out.Burst <= 0 {
		out.Burst = 1
	}
	if out.Worker == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		out.Worker = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return out
}

// Pool runs Concurrency workers that claim jobs of one kind.
type Pool struct {
	cfg     PoolConfig
	store   jobs.Store
	handler Handler
	limiter *rate.Limiter
	log     *slog.Logger
	now     func() time.Time
	wake    chan struct{}

	mu      sync.Mutex
	stop    context.CancelFunc
	abort   context.CancelFunc
	done    chan struct{}
	running bool
}

func NewPool(store jobs.Store, h Handler, cfg PoolConfig, log *slog.Logger) *Pool {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	var lim *rate.Limiter
	if cfg.Rate > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst)
	}
	return &Pool{
		cfg:     cfg,
		store:   store,
		handler: h,
		limiter: lim,
		log:     log.With("pool", string(cfg.Kind)),
		now:     time.Now,
		wake:    make(chan struct{}, cfg.Concurrency),
	}
}

func (p *Pool) Kind() jobs.Kind { return p.cfg.Kind }

// Wake nudges idle workers to poll now instead of at the next tick.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Start launches the workers. Cancelling ctx stops claiming; handlers
// already running keep their own context until Drain gives up on them.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}

	loopCtx, stop := context.WithCancel(ctx)
	jobCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	p.stop, p.abort = stop, abort
	p.done = make(chan struct{})
	p.running = true

	g, gctx := errgroup.WithContext(loopCtx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		id := fmt.Sprintf("%s/%s/%d", p.cfg.Worker, p.cfg.Kind, i)
		rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(i)))
		g.Go(func() error {
			p.work(gctx, jobCtx, id, rng)
			return nil
		})
	}
	done := p.done
	go func() {
		_ = g.Wait()
		close(done)
	}()
	p.log.Info("worker pool started", "concurrency", p.cfg.Concurrency, "rate", p.cfg.Rate)
}

// Drain stops claiming and waits for running handlers. When ctx expires
// first the handlers are cancelled; their jobs come back via lease expiry.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	stop, abort, done := p.stop, p.abort, p.done
	p.running = false
	p.mu.Unlock()

	stop()
	select {
	case <-done:
		abort()
		p.log.Info("worker pool drained")
		return nil
	case <-ctx.Done():
		abort()
		<-done
		p.log.Warn("worker pool drain timed out; in-flight jobs cancelled")
		return ctx.Err()
	}
}

// Stop cancels everything without waiting for a graceful drain.
func (p *Pool) Stop() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = p.Drain(ctx)
}

func (p *Pool) work(loopCtx, jobCtx context.Context, id string, rng *rand.Rand) {
	log := p.log.With("worker", id)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if loopCtx.Err() != nil {
			return
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(loopCtx); err != nil {
				return
			}
		}

		j, err := p.store.Claim(loopCtx, p.cfg.Kind, id, p.now(), p.cfg.Lease)
		if err == nil {
			p.run(jobCtx, log, j, rng)
			continue
		}
		if !errors.Is(err, jobs.ErrNoJob) && loopCtx.Err() == nil {
			log.Warn("claim failed", "err", err)
		}

		select {
		case <-loopCtx.Done():
			return
		case <-p.wake:
		case <-ticker.C:
		}
	}
}

func (p *Pool) run(ctx context.Context, log *slog.Logger, j jobs.Job, rng *rand.Rand) {
	log = log.With("job_id", j.ID, "kind", string(j.Kind), "attempt", j.Attempts+1)
	ctx = logger.With(ctx, log)
	start := time.Now()

	err := p.handle(ctx, j, rng)
	if err != nil {
		log.Error("job handler failed", "err", err, "took", time.Since(start))
		return
	}
	log.Debug("job handled", "took", time.Since(start))
}

// handle recovers handler panics. The job stays in flight and the reaper
// retries it once the lease expires.
func (p *Pool) handle(ctx context.Context, j jobs.Job, rng *rand.Rand) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch: handler panic: %v", r)
		}
	}()
	return p.handler.Handle(ctx, j, rng)
}
