package engine

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/chazu/polycall/core"
	"github.com/chazu/polycall/loader"
)

// hostTag names the module holding symbols registered by the host.
const hostTag = "host"

// module is the scope's record of one loaded unit.
type module struct {
	id        core.Module
	tag       string
	name      string
	handle    *loader.Handle
	functions []string
	classes   []string
}

type functionEntry struct {
	module core.Module
	fn     *core.Function
}

type classEntry struct {
	module core.Module
	cls    *core.Class
}

// scope is the name to function/class symbol table. Mutations arrive through
// the worker; lookups run concurrently with them.
type scope struct {
	mu         sync.RWMutex
	functions  map[string]functionEntry
	classes    map[string]classEntry
	modules    map[core.Module]*module
	nextModule core.Module
}

func newScope() *scope {
	s := &scope{
		functions: make(map[string]functionEntry),
		classes:   make(map[string]classEntry),
		modules:   make(map[core.Module]*module),
	}
	s.modules[core.NoModule] = &module{id: core.NoModule, tag: hostTag, name: hostTag}
	return s
}

func (s *scope) function(name string) (*core.Function, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.functions[name]
	return e.fn, ok
}

func (s *scope) class(name string) (*core.Class, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.classes[name]
	return e.cls, ok
}

// moduleFunction resolves name among the functions of module m.
func (s *scope) moduleFunction(m core.Module, name string) (*core.Function, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mod, ok := s.modules[m]
	if !ok {
		return nil, &core.NotFoundError{Kind: core.NotFoundModule, Name: fmt.Sprintf("#%d", m)}
	}
	e, ok := s.functions[name]
	if !ok || e.module != m {
		return nil, &core.NotFoundError{Kind: core.NotFoundFunction, Name: name, Owner: mod.name}
	}
	return e.fn, nil
}

// ---------------------------------------------------------------------------
// Staging
// ---------------------------------------------------------------------------

// staging collects the symbols of one discovery batch. Nothing reaches the
// scope until commit, so a failed batch leaves no trace.
type staging struct {
	s         *scope
	functions []*core.Function
	classes   []*core.Class
}

func (s *scope) stage() *staging {
	return &staging{s: s}
}

func (st *staging) DefineFunction(fn *core.Function) error {
	if fn == nil || fn.Name == "" {
		return errors.New("function without a name")
	}
	if fn.Invoke == nil {
		return fmt.Errorf("function %s has no body", fn.Name)
	}
	if slices.ContainsFunc(st.functions, func(f *core.Function) bool { return f.Name == fn.Name }) {
		return fmt.Errorf("%w: function %s defined twice", core.ErrDuplicateSymbol, fn.Name)
	}
	if _, ok := st.s.function(fn.Name); ok {
		return fmt.Errorf("%w: function %s", core.ErrDuplicateSymbol, fn.Name)
	}
	st.functions = append(st.functions, fn)
	return nil
}

func (st *staging) DefineClass(cls *core.Class) error {
	if cls == nil || cls.Name == "" {
		return errors.New("class without a name")
	}
	if slices.ContainsFunc(st.classes, func(c *core.Class) bool { return c.Name == cls.Name }) {
		return fmt.Errorf("%w: class %s defined twice", core.ErrDuplicateSymbol, cls.Name)
	}
	if _, ok := st.s.class(cls.Name); ok {
		return fmt.Errorf("%w: class %s", core.ErrDuplicateSymbol, cls.Name)
	}
	st.classes = append(st.classes, cls)
	return nil
}

// commit publishes the batch as a new module.
func (st *staging) commit(tag, name string, h *loader.Handle) (core.Module, error) {
	s := st.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := st.conflicts(); err != nil {
		return core.NoModule, err
	}
	s.nextModule++
	m := &module{id: s.nextModule, tag: tag, name: name, handle: h}
	st.publish(m)
	s.modules[m.id] = m
	return m.id, nil
}

// commitHost adds the batch to the host module.
func (st *staging) commitHost() error {
	s := st.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := st.conflicts(); err != nil {
		return err
	}
	st.publish(s.modules[core.NoModule])
	return nil
}

// conflicts rechecks names against the scope. Caller holds s.mu.
func (st *staging) conflicts() error {
	for _, fn := range st.functions {
		if _, ok := st.s.functions[fn.Name]; ok {
			return fmt.Errorf("%w: function %s", core.ErrDuplicateSymbol, fn.Name)
		}
	}
	for _, cls := range st.classes {
		if _, ok := st.s.classes[cls.Name]; ok {
			return fmt.Errorf("%w: class %s", core.ErrDuplicateSymbol, cls.Name)
		}
	}
	return nil
}

// publish adds the batch under m. Caller holds s.mu.
func (st *staging) publish(m *module) {
	for _, fn := range st.functions {
		st.s.functions[fn.Name] = functionEntry{module: m.id, fn: fn}
		m.functions = append(m.functions, fn.Name)
	}
	for _, cls := range st.classes {
		st.s.classes[cls.Name] = classEntry{module: m.id, cls: cls}
		m.classes = append(m.classes, cls.Name)
	}
}

// remove drops module m and all of its symbols.
func (s *scope) remove(m core.Module) (*module, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mod, ok := s.modules[m]
	if !ok {
		return nil, false
	}
	for _, name := range mod.functions {
		delete(s.functions, name)
	}
	for _, name := range mod.classes {
		delete(s.classes, name)
	}
	delete(s.modules, m)
	return mod, true
}

// snapshot returns the modules in id order.
func (s *scope) snapshot() []ModuleInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ModuleInfo, 0, len(s.modules))
	for _, m := range s.modules {
		info := ModuleInfo{ID: m.id, Tag: m.tag, Name: m.name, Classes: slices.Sorted(slices.Values(m.classes))}
		for _, name := range m.functions {
			info.Functions = append(info.Functions, s.functions[name].fn.Info())
		}
		slices.SortFunc(info.Functions, func(a, b core.FunctionInfo) int { return cmp.Compare(a.Name, b.Name) })
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b ModuleInfo) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
