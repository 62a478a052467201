// Package core runs the long-lived parts of the service under one lifecycle.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Module is a component that can be started and stopped.
type Module interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context)
}

// Manager coordinates the lifecycle of all registered modules.
type Manager struct {
	modules []Module
	log     *slog.Logger
	mu      sync.Mutex
	started bool
}

func NewManager(log *slog.Logger, mods ...Module) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{modules: mods, log: log}
}

// Add registers additional modules before Start is invoked.
func (m *Manager) Add(mod Module) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("core: cannot add modules after start")
	}
	m.modules = append(m.modules, mod)
	return nil
}

// Start starts every module in order. If one fails, those already started are stopped.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("core: manager already started")
	}

	started := make([]Module, 0, len(m.modules))
	for _, mod := range m.modules {
		if mod == nil {
			continue
		}
		if err := mod.Start(ctx); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				started[i].Stop(ctx)
			}
			return fmt.Errorf("core: module %s failed: %w", mod.Name(), err)
		}
		m.log.Info("module started", "module", mod.Name())
		started = append(started, mod)
	}

	m.started = true
	return nil
}

// Stop shuts down all modules in reverse order.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	for i := len(m.modules) - 1; i >= 0; i-- {
		if mod := m.modules[i]; mod != nil {
			mod.Stop(ctx)
			m.log.Info("module stopped", "module", mod.Name())
		}
	}
	m.started = false
}

// Run starts the modules, blocks until ctx is done, then stops them with a fresh
// context bounded by stopCtx.
func (m *Manager) Run(ctx context.Context, stopCtx func() (context.Context, context.CancelFunc)) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	sctx, cancel := stopCtx()
	defer cancel()
	m.Stop(sctx)
	return nil
}
