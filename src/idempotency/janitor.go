package idempotency

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Janitor purges expired records on an interval. It runs as a lifecycle module.
type Janitor struct {
	store    *Store
	interval time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewJanitor(store *Store, interval time.Duration, log *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Janitor{store: store, interval: interval, log: log}
}

func (j *Janitor) Name() string { return "idempotency-janitor" }

func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})
	go func() {
		defer close(j.done)
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				j.sweep(runCtx)
			}
		}
	}()
	return nil
}

func (j *Janitor) sweep(ctx context.Context) {
	n, err := j.store.Purge(ctx)
	if err != nil {
		if ctx.Err() == nil {
			j.log.Warn("idempotency: purge failed", "err", err)
		}
		return
	}
	if n > 0 {
		j.log.Debug("idempotency: purged expired keys", "count", n)
	}
}

func (j *Janitor) Stop(ctx context.Context) {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.cancel, j.done = nil, nil
	j.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
