// Package store provides the durable task backends. Three implementations of
// core.Store share identical semantics: JSON files, SQLite and Redis. The
// Switcher wraps whichever one is active and supports a runtime cut-over
// after the scheduler has drained in-flight executions.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"jobtab/internal/core"
)

// Backend names accepted by Open.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Options selects and parameterizes a backend.
type Options struct {
	Backend  string
	StateDir string
	RedisURL string
}

// Open constructs the backend named in opts.
func Open(ctx context.Context, opts Options) (core.Store, error) {
	switch opts.Backend {
	case BackendJSON:
		return NewJSONStore(opts.StateDir)
	case BackendSQLite:
		return OpenSQLite(ctx, opts.StateDir)
	case BackendRedis:
		return OpenRedis(ctx, opts.RedisURL)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}

// Switcher is the core.Store the rest of the daemon holds. Swap replaces the
// inner backend; callers must drain the scheduler first so no in-flight write
// lands on the wrong store.
type Switcher struct {
	mu      sync.RWMutex
	inner   core.Store
	backend string
}

func NewSwitcher(inner core.Store, backend string) *Switcher {
	return &Switcher{inner: inner, backend: backend}
}

// Backend returns the name of the active backend.
func (s *Switcher) Backend() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend
}

// Swap installs a new backend and closes the old one.
func (s *Switcher) Swap(inner core.Store, backend string) error {
	s.mu.Lock()
	old := s.inner
	s.inner = inner
	s.backend = backend
	s.mu.Unlock()
	return old.Close()
}

func (s *Switcher) active() core.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inner
}

func (s *Switcher) Create(ctx context.Context, task *core.Task) error {
	return s.active().Create(ctx, task)
}

func (s *Switcher) Get(ctx context.Context, id string) (*core.Task, error) {
	return s.active().Get(ctx, id)
}

func (s *Switcher) List(ctx context.Context) ([]*core.Task, error) {
	return s.active().List(ctx)
}

func (s *Switcher) Update(ctx context.Context, id string, upd core.TaskUpdate) (*core.Task, error) {
	return s.active().Update(ctx, id, upd)
}

func (s *Switcher) Delete(ctx context.Context, id string) error {
	return s.active().Delete(ctx, id)
}

func (s *Switcher) SetStatus(ctx context.Context, id string, upd core.StatusUpdate) error {
	return s.active().SetStatus(ctx, id, upd)
}

func (s *Switcher) DueTasks(ctx context.Context, now time.Time) ([]*core.Task, error) {
	return s.active().DueTasks(ctx, now)
}

func (s *Switcher) Close() error {
	return s.active().Close()
}
