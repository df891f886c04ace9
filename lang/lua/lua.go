// Package lua is the loader backend for Lua 5.1 scripts, run on gopher-lua.
//
// Every loaded unit gets its own interpreter state. A unit that returns a
// table exports that table's members; otherwise it exports the globals it
// defined. Exported functions become scope functions and exported tables
// with a "new" function become classes: "new" is the constructor, instance
// methods are called with the object as self and the remaining members of
// the table are the class-level surface.
//
// An interpreter state runs one call at a time. Foreign code that calls a
// host function which in turn calls back into the same unit deadlocks.
//
// Host functions and opaque host values passed as call arguments are lent to
// the script until that call returns; using one later raises an error.
// Constructor arguments and attribute stores are kept until the unit is
// unloaded.
package lua

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/tliron/commonlog"
	glua "github.com/yuin/gopher-lua"

	"github.com/chazu/polycall/core"
	"github.com/chazu/polycall/loader"
)

// Tag is the loader tag of this backend.
const Tag = "lua"

var log = commonlog.GetLogger("polycall.lua")

// Backend compiles and runs Lua units.
type Backend struct {
	c core.Core
}

// New returns the Lua backend. It has the shape of engine.BackendFactory.
func New(c core.Core) loader.Backend {
	return &Backend{c: c}
}

func (b *Backend) LoadFile(path string) (loader.LoadingMethod, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, readError(path, err)
	}
	return b.load(path, src, "")
}

func (b *Backend) LoadMemory(name string, src []byte) (loader.LoadingMethod, error) {
	return b.load(name, src, "")
}

// LoadPackage runs the package's entry script with the package directory on
// package.path, so the entry script can require its siblings.
func (b *Backend) LoadPackage(path string) (loader.LoadingMethod, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, readError(path, err)
	}
	return b.load(path, src, filepath.Dir(path))
}

func readError(path string, err error) error {
	kind := core.NotAFileOrPermissionDenied
	if errors.Is(err, fs.ErrNotExist) {
		kind = core.FileNotFound
	}
	return &core.LoaderError{Kind: kind, Path: path, Err: err}
}

// load compiles src and runs its main chunk. Syntax errors and errors raised
// while the chunk runs are both compilation errors; their text is kept as
// diagnostics.
func (b *Backend) load(name string, src []byte, dir string) (*unit, error) {
	L := glua.NewState()
	if dir != "" {
		pkg := L.GetGlobal("package")
		if t, ok := pkg.(*glua.LTable); ok {
			path := glua.LVAsString(L.GetField(t, "path"))
			L.SetField(t, "path", glua.LString(filepath.Join(dir, "?.lua")+";"+path))
		}
	}

	fn, err := L.Load(bytes.NewReader(src), name)
	if err != nil {
		L.Close()
		return nil, &core.LoaderError{Kind: core.CompilationError, Path: name, Diagnostics: err.Error()}
	}

	before := globalNames(L)
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		L.Close()
		return nil, &core.LoaderError{Kind: core.CompilationError, Path: name, Diagnostics: err.Error()}
	}
	ret := L.Get(-1)
	L.Pop(1)

	u := &unit{c: b.c, L: L, name: name, loans: loader.NewLoans(b.c)}
	if t, ok := ret.(*glua.LTable); ok {
		u.exports = t
	} else {
		u.exports = L.NewTable()
		L.G.Global.ForEach(func(k, v glua.LValue) {
			if ks, ok := k.(glua.LString); ok && !before[string(ks)] {
				u.exports.RawSetString(string(ks), v)
			}
		})
	}
	log.Debugf("compiled %s", name)
	return u, nil
}

func globalNames(L *glua.LState) map[string]bool {
	names := map[string]bool{}
	L.G.Global.ForEach(func(k, _ glua.LValue) {
		if ks, ok := k.(glua.LString); ok {
			names[string(ks)] = true
		}
	})
	return names
}

// ---------------------------------------------------------------------------
// Units
// ---------------------------------------------------------------------------

// unit is one interpreter state. It is both the loading method and the
// library whose Close tears the state down.
type unit struct {
	c       core.Core
	name    string
	exports *glua.LTable

	mu     sync.Mutex
	L      *glua.LState
	loans  *loader.Loans
	closed bool
}

func (u *unit) Library() loader.Library { return u }

func (u *unit) Name() string { return u.name }

// Close releases the interpreter and every host value the scripts kept.
func (u *unit) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	u.loans.Close()
	u.L.Close()
	return nil
}

// Discover defines exported functions and classes in name order.
func (u *unit) Discover(ctx loader.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	members := map[string]glua.LValue{}
	u.exports.ForEach(func(k, v glua.LValue) {
		if ks, ok := k.(glua.LString); ok {
			members[string(ks)] = v
		}
	})

	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		switch v := members[name].(type) {
		case *glua.LFunction:
			if err := ctx.DefineFunction(u.function(name, v)); err != nil {
				return err
			}
		case *glua.LTable:
			if ctor, ok := v.RawGetString("new").(*glua.LFunction); ok {
				if err := ctx.DefineClass(u.class(name, v, ctor)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// function describes fn from its prototype. Parameter names come from the
// debug locals; Go functions take any number of arguments.
func (u *unit) function(name string, fn *glua.LFunction) *core.Function {
	f := &core.Function{
		Name:   name,
		Return: core.TypeInvalid,
		Invoke: func(c core.Core, args []core.Handle) (core.Handle, error) {
			return u.call(fn, glua.LNil, args)
		},
	}
	if fn.IsG || fn.Proto == nil {
		f.Variadic = true
		return f
	}
	n := int(fn.Proto.NumParameters)
	for i := range n {
		pname := fmt.Sprintf("arg%d", i)
		if i < len(fn.Proto.DbgLocals) {
			pname = fn.Proto.DbgLocals[i].Name
		}
		f.Params = append(f.Params, core.Param{Name: pname, Type: core.TypeInvalid})
	}
	f.Variadic = fn.Proto.IsVarArg != 0
	return f
}

// call runs fn with self (LNil for plain calls) prepended to the converted
// arguments.
func (u *unit) call(fn *glua.LFunction, self glua.LValue, args []core.Handle) (core.Handle, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return core.Invalid, fmt.Errorf("lua unit %s has been unloaded", u.name)
	}

	defer u.loans.Leave(u.loans.Enter())

	largs := make([]glua.LValue, 0, len(args)+1)
	if self != glua.LNil {
		largs = append(largs, self)
	}
	for _, h := range args {
		largs = append(largs, u.toLua(h))
	}
	if err := u.L.CallByParam(glua.P{Fn: fn, NRet: 1, Protect: true}, largs...); err != nil {
		return core.Invalid, u.raised(err)
	}
	ret := u.L.Get(-1)
	u.L.Pop(1)
	return u.toHandle(ret)
}

// raised converts a Lua error into a thrown exception. A table error value
// supplies message, label and code fields.
func (u *unit) raised(err error) error {
	info := core.ExceptionInfo{Message: err.Error(), Label: "LuaError"}
	var ae *glua.ApiError
	if errors.As(err, &ae) {
		info.Stacktrace = ae.StackTrace
		switch v := ae.Object.(type) {
		case glua.LString:
			info.Message = string(v)
		case *glua.LTable:
			if m := u.L.GetField(v, "message"); m != glua.LNil {
				info.Message = glua.LVAsString(m)
			}
			if l := u.L.GetField(v, "label"); l != glua.LNil {
				info.Label = glua.LVAsString(l)
			}
			if n, ok := u.L.GetField(v, "code").(glua.LNumber); ok {
				info.Code = int64(n)
			}
		case *glua.LUserData:
			if loan, ok := loanOf(v); ok {
				if h, err := lent(u.c, loan); err == nil {
					return &core.ThrownError{Value: h}
				}
			}
		}
	}
	return &core.ThrownError{Value: u.c.CreateException(info)}
}
