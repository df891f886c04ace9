// Package polycall is the host API for calling functions written in other
// languages from Go.
//
// A Runtime owns one engine with the Lua, JavaScript, SQL and Go plugin
// backends registered. Code units are loaded by language tag, their
// functions and classes land in one shared scope, and calls are made by name
// with Go values converted through the codec:
//
//	rt, err := polycall.Initialize(polycall.WithExecutionPath("lua", "scripts"))
//	if err != nil {
//		return err
//	}
//	defer rt.Destroy()
//
//	if _, err := rt.LoadFromFile("lua", "math.lua"); err != nil {
//		return err
//	}
//	sum, err := polycall.Call[int64](rt, "add", 2, 3)
package polycall

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/polycall/config"
	"github.com/chazu/polycall/core"
	"github.com/chazu/polycall/engine"
	"github.com/chazu/polycall/lang/js"
	"github.com/chazu/polycall/lang/lua"
	"github.com/chazu/polycall/lang/plugin"
	"github.com/chazu/polycall/lang/sql"
)

var log = commonlog.GetLogger("polycall")

// Option configures Initialize.
type Option func(*options)

type backend struct {
	tag     string
	factory engine.BackendFactory
	aliases []string
}

type options struct {
	cfg       *config.Config
	verbosity *int
	backends  []backend
	paths     []execPath
	defaults  bool
}

type execPath struct{ tag, path string }

// WithConfig applies a runtime configuration: log settings, execution paths
// and units to preload.
func WithConfig(c *config.Config) Option {
	return func(o *options) {
		if c != nil {
			o.cfg = o.cfg.Merge(c)
		}
	}
}

// WithVerbosity sets the commonlog verbosity, overriding the configuration.
func WithVerbosity(v int) Option {
	return func(o *options) { o.verbosity = &v }
}

// WithBackend registers a language backend, replacing a default one with the
// same tag.
func WithBackend(tag string, f engine.BackendFactory, aliases ...string) Option {
	return func(o *options) {
		o.backends = append(o.backends, backend{tag: tag, factory: f, aliases: aliases})
	}
}

// WithoutDefaultBackends leaves out the built-in backends. Only backends
// added with WithBackend are available.
func WithoutDefaultBackends() Option {
	return func(o *options) { o.defaults = false }
}

// WithExecutionPath adds a directory relative paths of tag are resolved
// against.
func WithExecutionPath(tag, path string) Option {
	return func(o *options) { o.paths = append(o.paths, execPath{tag, path}) }
}

// defaultBackends returns the built-in backends: lua, js (alias node), sql
// and go.
func defaultBackends() []backend {
	return []backend{
		{tag: lua.Tag, factory: lua.New},
		{tag: js.Tag, factory: js.New, aliases: []string{"node"}},
		{tag: sql.Tag, factory: sql.New},
		{tag: plugin.Tag, factory: plugin.New},
	}
}

// Runtime is an initialized engine. Destroy releases it.
type Runtime struct {
	e *engine.Engine

	destroyOnce sync.Once
	destroyErr  error
}

// Initialize creates and starts a runtime. Script paths from
// POLYCALL_SCRIPT_PATH apply to every loader. Failures are *core.InitError.
func Initialize(opts ...Option) (*Runtime, error) {
	o := &options{cfg: &config.Config{}, defaults: true}
	for _, opt := range opts {
		opt(o)
	}
	cfg := o.cfg

	verbosity := cfg.Log.Verbosity
	if o.verbosity != nil {
		verbosity = *o.verbosity
	}
	if o.verbosity != nil || cfg.Log.Verbosity != 0 || cfg.Log.File != "" {
		var file *string
		if cfg.Log.File != "" {
			file = &cfg.Log.File
		}
		commonlog.Configure(verbosity, file)
	}

	var eopts []engine.Option
	backends := o.backends
	if o.defaults {
		backends = append(defaultBackends(), backends...)
	}
	for _, b := range backends {
		eopts = append(eopts, engine.WithBackend(b.tag, b.factory, b.aliases...))
	}
	eopts = append(eopts, engine.WithScriptPaths(slices.Concat(cfg.ScriptPaths, config.EnvScriptPaths())...))

	e := engine.New(eopts...)
	if err := e.Initialize(); err != nil {
		var ie *core.InitError
		if errors.As(err, &ie) {
			return nil, err
		}
		return nil, &core.InitError{Err: err}
	}
	r := &Runtime{e: e}

	if err := r.configure(cfg, o.paths); err != nil {
		if derr := e.Destroy(); derr != nil {
			log.Errorf("destroy after failed initialization: %v", derr)
		}
		return nil, &core.InitError{Err: err}
	}
	log.Info("runtime initialized")
	return r, nil
}

func (r *Runtime) configure(cfg *config.Config, paths []execPath) error {
	for tag, l := range cfg.Loaders {
		for _, p := range l.ExecutionPaths {
			if err := r.e.ExecutionPath(tag, p); err != nil {
				return fmt.Errorf("loader %s: %w", tag, err)
			}
		}
	}
	for _, p := range paths {
		if err := r.e.ExecutionPath(p.tag, p.path); err != nil {
			return fmt.Errorf("loader %s: %w", p.tag, err)
		}
	}
	for i, p := range cfg.Preload {
		var err error
		if p.Package != "" {
			_, err = r.e.LoadFromPackage(p.Tag, p.Package)
		} else {
			_, err = r.e.LoadFromFile(p.Tag, p.Files)
		}
		if err != nil {
			return fmt.Errorf("preload[%d]: %w", i, err)
		}
	}
	return nil
}

// Destroy waits for pending callbacks, clears every loaded unit and stops
// the engine. Only the first call does anything; later calls return its
// result.
func (r *Runtime) Destroy() error {
	r.destroyOnce.Do(func() {
		r.destroyErr = r.e.Destroy()
	})
	return r.destroyErr
}

// Core returns the untyped core, for use with the codec directly.
func (r *Runtime) Core() core.Core { return r.e }

// Engine returns the underlying engine.
func (r *Runtime) Engine() *engine.Engine { return r.e }

// Inspect describes the backends, modules, functions and classes in scope.
func (r *Runtime) Inspect() engine.Inspection { return r.e.Inspect() }

// Wait blocks until every scheduled future callback has returned.
func (r *Runtime) Wait() { r.e.Wait() }
