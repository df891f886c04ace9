package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"sync"

	"github.com/chazu/polycall/core"
	"github.com/chazu/polycall/loader"
	"github.com/chazu/polycall/manifest"
)

// BackendFactory builds the language backend of a loader. It receives the
// core so discovered functions can create and read values.
type BackendFactory func(c core.Core) loader.Backend

// loaderSet maps language tags to loaders. Loaders are created on first use.
type loaderSet struct {
	mu        sync.Mutex
	factories map[string]BackendFactory
	aliases   map[string]string
	active    map[string]*loader.Loader
	order     []string
	paths     []string
}

func newLoaderSet() *loaderSet {
	return &loaderSet{
		factories: make(map[string]BackendFactory),
		aliases:   make(map[string]string),
		active:    make(map[string]*loader.Loader),
	}
}

func (ls *loaderSet) register(tag string, f BackendFactory, aliases ...string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.factories[tag] = f
	for _, a := range aliases {
		ls.aliases[a] = tag
	}
}

func (ls *loaderSet) canonical(tag string) string {
	if t, ok := ls.aliases[tag]; ok {
		return t
	}
	return tag
}

// validate reports configuration problems detected at initialize.
func (ls *loaderSet) validate() error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for tag, f := range ls.factories {
		if tag == "" || f == nil {
			return errors.New("backend registered without a tag or factory")
		}
	}
	for alias, tag := range ls.aliases {
		if _, ok := ls.factories[alias]; ok {
			return fmt.Errorf("alias %s shadows backend %s", alias, alias)
		}
		if _, ok := ls.factories[tag]; !ok {
			return fmt.Errorf("alias %s refers to unknown backend %s", alias, tag)
		}
	}
	return nil
}

// get returns the loader for tag, creating and initializing it if needed.
func (ls *loaderSet) get(c core.Core, tag string) (*loader.Loader, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	tag = ls.canonical(tag)
	if l, ok := ls.active[tag]; ok {
		return l, nil
	}
	f, ok := ls.factories[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrLoaderNotFound, tag)
	}
	l := loader.New(tag, f(c))
	if err := l.Initialize(); err != nil {
		return nil, err
	}
	for _, p := range ls.paths {
		l.ExecutionPath(p)
	}
	ls.active[tag] = l
	ls.order = append(ls.order, tag)
	log.Infof("created %s loader", tag)
	return l, nil
}

// tags returns the registered tags, sorted.
func (ls *loaderSet) tags() []string {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	out := make([]string, 0, len(ls.factories))
	for t := range ls.factories {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// destroy tears down active loaders, newest first.
func (ls *loaderSet) destroy() error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	var errs []error
	for i := len(ls.order) - 1; i >= 0; i-- {
		if err := ls.active[ls.order[i]].Destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	ls.active = make(map[string]*loader.Loader)
	ls.order = nil
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// core.Loaders
// ---------------------------------------------------------------------------

// ExecutionPath appends path to the search list of the tag's loader.
func (e *Engine) ExecutionPath(tag, path string) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.worker.Do(func() error {
		l, err := e.loaders.get(e, tag)
		if err != nil {
			return err
		}
		return l.ExecutionPath(path)
	})
}

func (e *Engine) LoadFromFile(tag string, paths []string) (core.Module, error) {
	return e.load(tag, strings.Join(paths, ","), func(l *loader.Loader) (*loader.Handle, error) {
		return l.LoadFromFile(paths)
	})
}

func (e *Engine) LoadFromMemory(tag, name string, src []byte) (core.Module, error) {
	return e.load(tag, name, func(l *loader.Loader) (*loader.Handle, error) {
		return l.LoadFromMemory(name, src)
	})
}

func (e *Engine) LoadFromPackage(tag, path string) (core.Module, error) {
	return e.load(tag, path, func(l *loader.Loader) (*loader.Handle, error) {
		return l.LoadFromPackage(path)
	})
}

// LoadFromConfiguration loads the scripts named by a configuration file,
// registering its execution path with the language's loader first.
func (e *Engine) LoadFromConfiguration(path string) (core.Module, error) {
	if err := e.ready(); err != nil {
		return core.NoModule, err
	}
	var m core.Module
	err := e.worker.Do(func() error {
		cfg, err := manifest.LoadConfiguration(path)
		if err != nil {
			kind := core.FromPackageFailure
			if errors.Is(err, fs.ErrNotExist) {
				kind = core.FileNotFound
			}
			return &core.LoaderError{Kind: kind, Path: path, Err: err}
		}
		l, err := e.loaders.get(e, cfg.LanguageID)
		if err != nil {
			return err
		}
		if err := l.ExecutionPath(cfg.ExecutionPath()); err != nil {
			return err
		}
		m, err = e.loadLocked(l, path, func(l *loader.Loader) (*loader.Handle, error) {
			return l.LoadFromFile(cfg.Scripts)
		})
		return err
	})
	return m, err
}

func (e *Engine) load(tag, name string, open func(*loader.Loader) (*loader.Handle, error)) (core.Module, error) {
	if err := e.ready(); err != nil {
		return core.NoModule, err
	}
	var m core.Module
	err := e.worker.Do(func() error {
		l, err := e.loaders.get(e, tag)
		if err != nil {
			return err
		}
		m, err = e.loadLocked(l, name, open)
		return err
	})
	return m, err
}

// loadLocked opens, discovers and commits one unit. It runs on the worker.
// A unit whose discovery fails is cleared again and leaves the scope as it
// was.
func (e *Engine) loadLocked(l *loader.Loader, name string, open func(*loader.Loader) (*loader.Handle, error)) (core.Module, error) {
	h, err := open(l)
	if err != nil {
		return core.NoModule, err
	}

	st := e.scope.stage()
	err = l.Discover(h, st)
	var m core.Module
	if err == nil {
		m, err = st.commit(l.Tag(), name, h)
	}
	if err != nil {
		if cerr := l.Clear(h); cerr != nil {
			log.Warningf("%s: clear after failed discovery: %v", name, cerr)
		}
		var le *core.LoaderError
		if errors.As(err, &le) {
			return core.NoModule, err
		}
		return core.NoModule, &core.LoaderError{Kind: core.LinkError, Tag: l.Tag(), Path: name, Err: err}
	}

	log.Infof("loaded %s module %d (%s)", l.Tag(), m, name)
	return m, nil
}

// Clear removes module m's symbols from the scope and clears its loader
// handle. Libraries stay mapped until Destroy.
func (e *Engine) Clear(m core.Module) error {
	if err := e.ready(); err != nil {
		return err
	}
	if m == core.NoModule {
		return errors.New("the host module cannot be cleared")
	}
	return e.worker.Do(func() error {
		mod, ok := e.scope.remove(m)
		if !ok {
			return &core.NotFoundError{Kind: core.NotFoundModule, Name: fmt.Sprintf("#%d", m)}
		}
		l, err := e.loaders.get(e, mod.tag)
		if err != nil {
			return err
		}
		if err := l.Clear(mod.handle); err != nil {
			return err
		}
		log.Infof("cleared %s module %d (%s)", mod.tag, m, mod.name)
		return nil
	})
}
