package polycall

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/chazu/polycall/codec"
	"github.com/chazu/polycall/core"
)

// Module is a loaded code unit. Its functions and classes stay in scope
// until Clear.
type Module struct {
	r  *Runtime
	id core.Module
}

// ID returns the engine's module number.
func (m *Module) ID() core.Module { return m.id }

// Call invokes name as defined by this module and decodes the result as its
// runtime tag.
func (m *Module) Call(name string, args ...any) (any, error) {
	return codec.Invoke(m.r.e, func(hs []core.Handle) (core.Handle, error) {
		return m.r.e.CallModule(m.id, name, hs)
	}, args...)
}

// Clear removes the module's symbols from scope and releases its loader
// handle. Shared libraries stay mapped until the runtime is destroyed.
func (m *Module) Clear() error {
	return m.r.e.Clear(m.id)
}

func (r *Runtime) module(id core.Module, err error) (*Module, error) {
	if err != nil {
		return nil, err
	}
	return &Module{r: r, id: id}, nil
}

// LoadFromFile loads one unit made of paths with the tag's backend. Relative
// paths are looked up in the execution paths, then the working directory.
func (r *Runtime) LoadFromFile(tag string, paths ...string) (*Module, error) {
	return r.module(r.e.LoadFromFile(tag, paths))
}

// LoadFromMemory loads source held in memory. An empty name is replaced by a
// generated one.
func (r *Runtime) LoadFromMemory(tag, name string, src []byte) (*Module, error) {
	if name == "" {
		name = fmt.Sprintf("memory-%s", uuid.NewString())
	}
	return r.module(r.e.LoadFromMemory(tag, name, src))
}

// LoadFromPackage loads a package directory with a polycall.toml manifest,
// or a library file directly.
func (r *Runtime) LoadFromPackage(tag, path string) (*Module, error) {
	return r.module(r.e.LoadFromPackage(tag, path))
}

// LoadFromConfiguration loads the scripts listed in a YAML load
// configuration file.
func (r *Runtime) LoadFromConfiguration(path string) (*Module, error) {
	return r.module(r.e.LoadFromConfiguration(path))
}
