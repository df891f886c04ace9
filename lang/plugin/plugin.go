// Package plugin is the loader backend for compiled Go plugins (tag "go").
//
// A plugin is a shared object built with -buildmode=plugin against the same
// polycall version as the host. It exports its symbols in one of two ways:
//
//	// Functions maps scope names to Go funcs, bound through the codec.
//	var Functions = map[string]any{"add": func(a, b int64) int64 { return a + b }}
//
//	// Discover registers functions and classes itself and wins over
//	// Functions and Classes when present.
//	func Discover(ctx loader.Context) error
//
// A Classes variable of type []*core.Class may accompany Functions. The Go
// runtime cannot unload a plugin, so closing its library only drops the
// backend's reference.
package plugin

import (
	"errors"
	"fmt"
	"maps"
	goplugin "plugin"
	"slices"

	"github.com/tliron/commonlog"

	"github.com/chazu/polycall/codec"
	"github.com/chazu/polycall/core"
	"github.com/chazu/polycall/loader"
)

// Tag is the loader tag of this backend.
const Tag = "go"

var log = commonlog.GetLogger("polycall.plugin")

// Symbols is an opened plugin. *plugin.Plugin implements it.
type Symbols interface {
	Lookup(name string) (goplugin.Symbol, error)
}

// Opener opens the plugin at path.
type Opener func(path string) (Symbols, error)

// OpenPlugin opens a shared object with the Go runtime.
func OpenPlugin(path string) (Symbols, error) {
	p, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Backend opens Go plugins.
type Backend struct {
	open Opener
}

// New returns the plugin backend using OpenPlugin. It has the shape of
// engine.BackendFactory.
func New(c core.Core) loader.Backend {
	return &Backend{open: OpenPlugin}
}

// WithOpener returns a backend factory that opens plugins with open.
func WithOpener(open Opener) func(core.Core) loader.Backend {
	return func(core.Core) loader.Backend {
		return &Backend{open: open}
	}
}

func (b *Backend) LoadFile(path string) (loader.LoadingMethod, error) {
	syms, err := b.open(path)
	if err != nil {
		return nil, &core.LoaderError{Kind: core.LinkError, Path: path, Diagnostics: err.Error()}
	}
	log.Debugf("opened plugin %s", path)
	return &unit{path: path, syms: syms}, nil
}

func (b *Backend) LoadMemory(name string, src []byte) (loader.LoadingMethod, error) {
	return nil, &core.LoaderError{
		Kind: core.FromMemoryFailure,
		Path: name,
		Err:  errors.New("compiled plugins cannot be loaded from memory"),
	}
}

// LoadPackage opens the plugin named by the package manifest.
func (b *Backend) LoadPackage(path string) (loader.LoadingMethod, error) {
	return b.LoadFile(path)
}

// unit is one opened plugin and its library.
type unit struct {
	path string
	syms Symbols
}

func (u *unit) Library() loader.Library { return u }

func (u *unit) Name() string { return u.path }

func (u *unit) Close() error {
	log.Debugf("releasing plugin %s; its code stays mapped", u.path)
	u.syms = nil
	return nil
}

func (u *unit) Discover(ctx loader.Context) error {
	if sym, err := u.syms.Lookup("Discover"); err == nil {
		discover, ok := sym.(func(loader.Context) error)
		if !ok {
			return fmt.Errorf("plugin %s: Discover has type %T, want func(loader.Context) error", u.path, sym)
		}
		return discover(ctx)
	}

	found := false
	if sym, err := u.syms.Lookup("Functions"); err == nil {
		found = true
		fns, ok := sym.(*map[string]any)
		if !ok {
			return fmt.Errorf("plugin %s: Functions has type %T, want map[string]any", u.path, sym)
		}
		for _, name := range slices.Sorted(maps.Keys(*fns)) {
			fn, err := codec.Func(name, (*fns)[name])
			if err != nil {
				return fmt.Errorf("plugin %s: %s: %w", u.path, name, err)
			}
			if err := ctx.DefineFunction(fn); err != nil {
				return err
			}
		}
	}
	if sym, err := u.syms.Lookup("Classes"); err == nil {
		found = true
		classes, ok := sym.(*[]*core.Class)
		if !ok {
			return fmt.Errorf("plugin %s: Classes has type %T, want []*core.Class", u.path, sym)
		}
		for _, cls := range *classes {
			if err := ctx.DefineClass(cls); err != nil {
				return err
			}
		}
	}
	if !found {
		return fmt.Errorf("plugin %s exports neither Discover, Functions nor Classes", u.path)
	}
	return nil
}
