// Package worker runs the settlement loop: lease a batch, process it in parallel, release.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stake-plus/daget/src/metrics"
	"github.com/stake-plus/daget/src/types"
)

const releaseTimeout = 5 * time.Second

// Leases is the lease repository as seen by the loop.
type Leases interface {
	Acquire(ctx context.Context, limit int, now time.Time) ([]types.Claim, error)
	Release(ctx context.Context, claimID, leaseToken string) error
}

// Processor settles one leased claim.
type Processor interface {
	Process(ctx context.Context, claim types.Claim) error
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
}

type Worker struct {
	leases  Leases
	proc    Processor
	cfg     Config
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(leases Leases, proc Processor, cfg Config, m *metrics.Metrics, log *slog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		leases:  leases,
		proc:    proc,
		cfg:     cfg,
		metrics: m,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (w *Worker) Name() string { return "settlement-worker" }

// Start runs the loop in the background until ctx is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return errors.New("worker: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		w.Run(runCtx)
	}()
	return nil
}

// Stop cancels the loop and waits for in-flight claims until ctx expires.
func (w *Worker) Stop(ctx context.Context) {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		w.log.Warn("worker: stop timed out with claims in flight")
	}
}

// Run ticks until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.log.Info("worker: started", "interval", w.cfg.PollInterval, "batch", w.cfg.BatchSize, "concurrency", w.cfg.Concurrency)
	for {
		w.Tick(ctx)
		select {
		case <-ctx.Done():
			w.log.Info("worker: stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick leases one batch and processes it. It returns the number of claims handled.
func (w *Worker) Tick(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	claims, err := w.leases.Acquire(ctx, w.cfg.BatchSize, w.now())
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error("worker: acquire leases", "err", err)
			w.metrics.LeaseError()
		}
		return 0
	}
	if len(claims) == 0 {
		return 0
	}
	w.metrics.Leased(len(claims))

	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)
	for _, c := range claims {
		g.Go(func() error {
			w.handle(ctx, c)
			return nil
		})
	}
	_ = g.Wait()
	return len(claims)
}

func (w *Worker) handle(ctx context.Context, c types.Claim) {
	defer w.release(ctx, c)
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("worker: panic processing claim", "claim", c.ID, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	if err := w.proc.Process(ctx, c); err != nil {
		if ctx.Err() != nil {
			w.log.Debug("worker: claim interrupted by shutdown", "claim", c.ID, "err", err)
			return
		}
		w.log.Warn("worker: process claim", "claim", c.ID, "status", c.Status, "err", err)
	}
}

func (w *Worker) release(ctx context.Context, c types.Claim) {
	if c.LeaseToken == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := w.leases.Release(rctx, c.ID, *c.LeaseToken); err != nil {
		w.log.Error("worker: release lease", "claim", c.ID, "err", err)
		w.metrics.LeaseError()
	}
}
