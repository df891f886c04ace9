// Package engine is an in-process implementation of core.Core: a handle
// arena with allocation accounting, a symbol scope, synchronous and future
// based invocation, classes and objects, and per-language loaders whose
// load, discover and clear operations run on a single worker goroutine.
package engine

import (
	"errors"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/polycall/core"
)

var log = commonlog.GetLogger("polycall.engine")

var _ core.Core = (*Engine)(nil)

type lifecycle int

const (
	created lifecycle = iota
	running
	destroyed
)

// Option configures an Engine.
type Option func(*Engine)

// WithBackend registers the backend for tag. Aliases resolve to tag.
func WithBackend(tag string, f BackendFactory, aliases ...string) Option {
	return func(e *Engine) {
		e.loaders.register(tag, f, aliases...)
	}
}

// WithScriptPaths adds execution paths to every loader the engine creates.
func WithScriptPaths(paths ...string) Option {
	return func(e *Engine) {
		e.loaders.paths = append(e.loaders.paths, paths...)
	}
}

// Engine implements core.Core in process.
type Engine struct {
	arena   *arena
	scope   *scope
	loaders *loaderSet
	worker  *worker
	pending sync.WaitGroup

	mu    sync.Mutex
	state lifecycle
}

// New creates an engine. It must be initialized before anything is loaded
// or called; values can be created and destroyed at any time.
func New(opts ...Option) *Engine {
	e := &Engine{
		arena:   newArena(),
		scope:   newScope(),
		loaders: newLoaderSet(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Initialize starts the engine. It must be called exactly once.
func (e *Engine) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case running:
		return core.ErrAlreadyInitialized
	case destroyed:
		return &core.InitError{Err: errors.New("engine has been destroyed")}
	}
	if err := e.loaders.validate(); err != nil {
		return &core.InitError{Err: err}
	}
	e.worker = newWorker()
	e.state = running
	log.Debugf("engine initialized (backends: %v)", e.loaders.tags())
	return nil
}

func (e *Engine) IsInitialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == running
}

func (e *Engine) ready() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != running {
		return core.ErrNotInitialized
	}
	return nil
}

// Destroy waits for scheduled callbacks, destroys every loader (unloading
// deferred libraries) and stops the worker. Handles still live afterwards
// are reported as leaks.
func (e *Engine) Destroy() error {
	e.mu.Lock()
	if e.state != running {
		e.mu.Unlock()
		return core.ErrNotInitialized
	}
	e.state = destroyed
	e.mu.Unlock()

	e.pending.Wait()
	err := e.worker.Do(e.loaders.destroy)
	e.worker.Stop()

	if live := e.arena.live(); live > 0 {
		log.Warningf("engine destroyed with %d live handles", live)
	}
	log.Debug("engine destroyed")
	return err
}

// Stats returns the arena's allocation accounting.
func (e *Engine) Stats() Stats {
	return e.arena.stats()
}

// Wait blocks until every scheduled future callback has returned.
func (e *Engine) Wait() {
	e.pending.Wait()
}

// ---------------------------------------------------------------------------
// Inspection
// ---------------------------------------------------------------------------

// ModuleInfo describes one module in scope. Module 0 holds host symbols.
type ModuleInfo struct {
	ID        core.Module
	Tag       string
	Name      string
	Functions []core.FunctionInfo
	Classes   []string
}

// Inspection is a snapshot of the engine.
type Inspection struct {
	Backends []string
	Modules  []ModuleInfo
	Stats    Stats
}

// Inspect returns the registered backends, the modules in scope with their
// functions and classes, and the arena statistics.
func (e *Engine) Inspect() Inspection {
	return Inspection{
		Backends: e.loaders.tags(),
		Modules:  e.scope.snapshot(),
		Stats:    e.arena.stats(),
	}
}
