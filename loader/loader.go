// Package loader implements the lifecycle every language loader shares:
// execution paths, loading code units from files, memory or packages,
// discovering their symbols, clearing them and deferring library unload until
// the loader itself is destroyed.
//
// A Loader is driven by the engine; the language specific work is delegated
// to a Backend.
package loader

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/polycall/core"
)

var log = commonlog.GetLogger("polycall.loader")

var (
	ErrNotInitialized     = errors.New("loader is not initialized")
	ErrAlreadyInitialized = errors.New("loader is already initialized")
	ErrDestroyed          = errors.New("loader has been destroyed")
	ErrInvalidHandleState = errors.New("invalid handle state")
	ErrForeignHandle      = errors.New("handle belongs to another loader")
)

// ---------------------------------------------------------------------------
// Backend contract
// ---------------------------------------------------------------------------

// Backend performs the language specific part of loading. Paths handed to
// LoadFile are already resolved; LoadPackage receives the library artifact
// named by the package manifest, or the path itself when it is a file.
type Backend interface {
	LoadFile(path string) (LoadingMethod, error)
	LoadMemory(name string, src []byte) (LoadingMethod, error)
	LoadPackage(path string) (LoadingMethod, error)
}

// LoadingMethod is one compiled or opened unit waiting to be discovered.
type LoadingMethod interface {
	// Discover registers the unit's exported functions and classes.
	Discover(ctx Context) error
	// Library returns the dynamically loaded library backing the unit, or nil.
	// It stays open until the loader is destroyed.
	Library() Library
}

// Library is a dynamically loaded artifact whose exported code may still be
// referenced after its handle is cleared.
type Library interface {
	Name() string
	Close() error
}

// Context receives the symbols of a unit during discovery.
type Context interface {
	DefineFunction(fn *core.Function) error
	DefineClass(cls *core.Class) error
}

// ---------------------------------------------------------------------------
// Handles
// ---------------------------------------------------------------------------

// HandleState is the position of a handle in its lifecycle.
type HandleState int

const (
	Loaded HandleState = iota
	Discovered
	Cleared
)

func (s HandleState) String() string {
	switch s {
	case Loaded:
		return "loaded"
	case Discovered:
		return "discovered"
	case Cleared:
		return "cleared"
	}
	return fmt.Sprintf("HandleState(%d)", int(s))
}

// Handle is the registration record of one load call.
type Handle struct {
	Name    string
	owner   *Loader
	methods []LoadingMethod
	state   HandleState
}

// State returns the handle's lifecycle state.
func (h *Handle) State() HandleState {
	h.owner.mu.Lock()
	defer h.owner.mu.Unlock()
	return h.state
}

// Methods returns the number of pending loading methods.
func (h *Handle) Methods() int {
	h.owner.mu.Lock()
	defer h.owner.mu.Unlock()
	return len(h.methods)
}

// ---------------------------------------------------------------------------
// Loader
// ---------------------------------------------------------------------------

// State is the Loader Lifecycle State: the execution search paths and the
// libraries whose unload waits for Destroy.
type State struct {
	paths       []string
	handles     []*Handle
	destroyList []Library
}

// Loader is the per-tag lifecycle. Load, discover and clear serialize on an
// internal mutex.
type Loader struct {
	tag     string
	backend Backend

	mu        sync.Mutex
	state     *State
	destroyed bool
}

// New returns an uninitialized loader for tag.
func New(tag string, backend Backend) *Loader {
	return &Loader{tag: tag, backend: backend}
}

// Tag returns the language tag.
func (l *Loader) Tag() string { return l.tag }

// Initialize allocates the lifecycle state. It must be called exactly once;
// a second call reports ErrAlreadyInitialized and leaves the state untouched.
func (l *Loader) Initialize() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.destroyed {
		return ErrDestroyed
	}
	if l.state != nil {
		return ErrAlreadyInitialized
	}
	l.state = &State{}
	log.Debugf("%s loader initialized", l.tag)
	return nil
}

// Initialized reports whether Initialize has run and Destroy has not.
func (l *Loader) Initialized() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state != nil
}

// live returns the state or the reason it is unusable. Caller holds mu.
func (l *Loader) live() (*State, error) {
	if l.destroyed {
		return nil, ErrDestroyed
	}
	if l.state == nil {
		return nil, ErrNotInitialized
	}
	return l.state, nil
}

// ExecutionPath appends path to the search list used for relative paths.
func (l *Loader) ExecutionPath(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.live()
	if err != nil {
		return err
	}
	st.paths = append(st.paths, path)
	log.Debugf("%s loader: execution path %s", l.tag, path)
	return nil
}

// ExecutionPaths returns a copy of the search list in registration order.
func (l *Loader) ExecutionPaths() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == nil {
		return nil
	}
	out := make([]string, len(l.state.paths))
	copy(out, l.state.paths)
	return out
}

// LoadFromFile resolves every path and loads each as one method of a single
// handle. Any failure aborts the whole call; methods opened before the failure
// hand their libraries to the destroy list.
func (l *Loader) LoadFromFile(paths []string) (*Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.live()
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, &core.LoaderError{Kind: core.FileNotFound, Tag: l.tag, Err: errors.New("no paths given")}
	}

	h := &Handle{Name: paths[0], owner: l}
	for _, p := range paths {
		resolved, err := resolvePath(p, st.paths)
		if err != nil {
			l.abandon(h)
			return nil, l.tagError(err, p, core.FileNotFound)
		}
		m, err := l.backend.LoadFile(resolved)
		if err != nil {
			l.abandon(h)
			return nil, l.tagError(err, resolved, core.LinkError)
		}
		h.methods = append(h.methods, m)
		log.Debugf("%s loader: loaded %s", l.tag, resolved)
	}
	st.handles = append(st.handles, h)
	return h, nil
}

// LoadFromMemory compiles src into a handle with exactly one method.
func (l *Loader) LoadFromMemory(name string, src []byte) (*Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.live()
	if err != nil {
		return nil, err
	}
	m, err := l.backend.LoadMemory(name, src)
	if err != nil {
		return nil, l.tagError(err, name, core.FromMemoryFailure)
	}
	log.Debugf("%s loader: loaded %s from memory (%d bytes)", l.tag, name, len(src))
	h := &Handle{Name: name, owner: l, methods: []LoadingMethod{m}}
	st.handles = append(st.handles, h)
	return h, nil
}

// LoadFromPackage validates the package at path and opens its library.
func (l *Loader) LoadFromPackage(path string) (*Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.live()
	if err != nil {
		return nil, err
	}
	artifact, err := resolvePackage(path, st.paths)
	if err != nil {
		return nil, l.tagError(err, path, core.FromPackageFailure)
	}
	m, err := l.backend.LoadPackage(artifact)
	if err != nil {
		return nil, l.tagError(err, artifact, core.FromPackageFailure)
	}
	log.Debugf("%s loader: loaded package %s", l.tag, artifact)
	h := &Handle{Name: path, owner: l, methods: []LoadingMethod{m}}
	st.handles = append(st.handles, h)
	return h, nil
}

// Discover runs every pending method in load order, stopping at the first
// error. The caller decides whether symbols defined before the failure are
// kept; the engine stages them and commits only complete batches.
func (l *Loader) Discover(h *Handle, ctx Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.live(); err != nil {
		return err
	}
	if h.owner != l {
		return ErrForeignHandle
	}
	if h.state != Loaded {
		return fmt.Errorf("discover %s: %w: %s", h.Name, ErrInvalidHandleState, h.state)
	}
	for i, m := range h.methods {
		if err := m.Discover(ctx); err != nil {
			log.Errorf("%s loader: discovery of %s failed at method %d: %v", l.tag, h.Name, i, err)
			return fmt.Errorf("discover %s: %w", h.Name, err)
		}
	}
	h.state = Discovered
	return nil
}

// Clear consumes the handle's methods. Libraries are not unloaded here: they
// move to the destroy list because already registered function values may
// still point into them.
func (l *Loader) Clear(h *Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.live(); err != nil {
		return err
	}
	if h.owner != l {
		return ErrForeignHandle
	}
	if h.state == Cleared {
		return fmt.Errorf("clear %s: %w: %s", h.Name, ErrInvalidHandleState, h.state)
	}
	l.abandon(h)
	log.Infof("%s loader: cleared %s", l.tag, h.Name)
	return nil
}

// abandon moves the handle's libraries to the destroy list and marks it
// cleared. Caller holds mu.
func (l *Loader) abandon(h *Handle) {
	for _, m := range h.methods {
		if lib := m.Library(); lib != nil {
			l.state.destroyList = append(l.state.destroyList, lib)
		}
	}
	h.methods = nil
	h.state = Cleared
	l.state.handles = slices.DeleteFunc(l.state.handles, func(x *Handle) bool { return x == h })
}

// Deferred returns the number of libraries waiting for Destroy.
func (l *Loader) Deferred() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == nil {
		return 0
	}
	return len(l.state.destroyList)
}

// Destroy clears the handles still loaded, unloads every deferred library,
// newest first, and drops the state.
// Using the loader afterwards returns ErrDestroyed; any function value still
// pointing into an unloaded library must not be called.
func (l *Loader) Destroy() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.live()
	if err != nil {
		return err
	}
	for _, h := range slices.Clone(st.handles) {
		if h.state != Cleared {
			l.abandon(h)
		}
	}
	var errs []error
	for i := len(st.destroyList) - 1; i >= 0; i-- {
		lib := st.destroyList[i]
		if err := lib.Close(); err != nil {
			errs = append(errs, fmt.Errorf("unload %s: %w", lib.Name(), err))
		}
	}
	log.Debugf("%s loader destroyed (%d libraries unloaded)", l.tag, len(st.destroyList))
	l.state = nil
	l.destroyed = true
	return errors.Join(errs...)
}

// tagError stamps loader errors with the tag and path and wraps anything else
// as kind so callers always see the taxonomy.
func (l *Loader) tagError(err error, path string, kind core.LoaderErrorKind) error {
	var le *core.LoaderError
	if errors.As(err, &le) {
		if le.Tag == "" {
			le.Tag = l.tag
		}
		if le.Path == "" {
			le.Path = path
		}
		return le
	}
	return &core.LoaderError{Kind: kind, Tag: l.tag, Path: path, Err: err}
}
