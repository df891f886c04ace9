// Package js is the loader backend for JavaScript, run on goja.
//
// A unit is a CommonJS style script: members of module.exports are exported,
// and when the script exports nothing its top level function declarations
// are. Exported functions become scope functions and exported classes become
// classes. Promises returned to the host become futures, and host futures
// passed to scripts become promises, so async functions can await host work.
//
// A runtime runs one call at a time. Foreign code that calls a host function
// which synchronously calls back into the same unit deadlocks.
//
// Host functions and opaque host values passed as call arguments are lent to
// the script until that call returns; using one later throws. Constructor
// arguments and attribute stores are kept until the unit is unloaded.
package js

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/tliron/commonlog"

	"github.com/chazu/polycall/core"
	"github.com/chazu/polycall/loader"
)

// Tag is the loader tag of this backend.
const Tag = "js"

var log = commonlog.GetLogger("polycall.js")

// Backend compiles and runs JavaScript units.
type Backend struct {
	c core.Core
}

// New returns the JavaScript backend. It has the shape of
// engine.BackendFactory.
func New(c core.Core) loader.Backend {
	return &Backend{c: c}
}

func (b *Backend) LoadFile(path string) (loader.LoadingMethod, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, readError(path, err)
	}
	return b.load(path, string(src))
}

func (b *Backend) LoadMemory(name string, src []byte) (loader.LoadingMethod, error) {
	return b.load(name, string(src))
}

// LoadPackage runs the package's entry script.
func (b *Backend) LoadPackage(path string) (loader.LoadingMethod, error) {
	return b.LoadFile(path)
}

func readError(path string, err error) error {
	kind := core.NotAFileOrPermissionDenied
	if errors.Is(err, fs.ErrNotExist) {
		kind = core.FileNotFound
	}
	return &core.LoaderError{Kind: kind, Path: path, Err: err}
}

func (b *Backend) load(name, src string) (*unit, error) {
	prog, err := goja.Compile(name, src, false)
	if err != nil {
		return nil, &core.LoaderError{Kind: core.CompilationError, Path: name, Diagnostics: err.Error()}
	}

	vm := goja.New()
	u := &unit{c: b.c, vm: vm, name: name, loans: loader.NewLoans(b.c), loanID: goja.NewSymbol("polycall.loan")}
	before := vm.GlobalObject().Keys()

	module := vm.NewObject()
	exports := vm.NewObject()
	module.Set("exports", exports)
	vm.Set("module", module)
	vm.Set("exports", exports)
	vm.Set("console", u.console())

	if _, err := vm.RunProgram(prog); err != nil {
		return nil, &core.LoaderError{Kind: core.CompilationError, Path: name, Diagnostics: err.Error()}
	}

	u.exports = map[string]goja.Value{}
	if obj, ok := module.Get("exports").(*goja.Object); ok {
		for _, k := range obj.Keys() {
			u.exports[k] = obj.Get(k)
		}
	}
	if len(u.exports) == 0 {
		global := vm.GlobalObject()
		for _, k := range global.Keys() {
			if slices.Contains(before, k) || k == "module" || k == "exports" || k == "console" {
				continue
			}
			u.exports[k] = global.Get(k)
		}
	}
	log.Debugf("compiled %s (%d exports)", name, len(u.exports))
	return u, nil
}

// console routes script output to the log.
func (u *unit) console() *goja.Object {
	con := u.vm.NewObject()
	line := func(args []goja.Value) string {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = a.String()
		}
		return strings.Join(parts, " ")
	}
	con.Set("log", func(call goja.FunctionCall) goja.Value {
		log.Infof("%s: %s", u.name, line(call.Arguments))
		return goja.Undefined()
	})
	con.Set("error", func(call goja.FunctionCall) goja.Value {
		log.Errorf("%s: %s", u.name, line(call.Arguments))
		return goja.Undefined()
	})
	con.Set("warn", func(call goja.FunctionCall) goja.Value {
		log.Warningf("%s: %s", u.name, line(call.Arguments))
		return goja.Undefined()
	})
	con.Set("debug", func(call goja.FunctionCall) goja.Value {
		log.Debugf("%s: %s", u.name, line(call.Arguments))
		return goja.Undefined()
	})
	return con
}

// ---------------------------------------------------------------------------
// Units
// ---------------------------------------------------------------------------

// unit is one runtime. It is both the loading method and the library whose
// Close releases what the scripts kept.
type unit struct {
	c       core.Core
	name    string
	exports map[string]goja.Value

	mu     sync.Mutex
	vm     *goja.Runtime
	loans  *loader.Loans
	loanID *goja.Symbol
	closed bool
}

func (u *unit) Library() loader.Library { return u }

func (u *unit) Name() string { return u.name }

// Close interrupts anything still running and drops retained host values.
func (u *unit) Close() error {
	u.vm.Interrupt("unit unloaded")
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	u.loans.Close()
	return nil
}

// Discover defines exported functions and classes in name order.
func (u *unit) Discover(ctx loader.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	names := make([]string, 0, len(u.exports))
	for name := range u.exports {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		obj, ok := u.exports[name].(*goja.Object)
		if !ok {
			continue
		}
		if _, ok := goja.AssertFunction(obj); !ok {
			continue
		}
		var err error
		if isClass(obj) {
			err = ctx.DefineClass(u.class(name, obj))
		} else {
			err = ctx.DefineFunction(u.function(name, obj))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

var (
	paramList  = regexp.MustCompile(`^\s*(?:async\s+)?(?:function\b\s*\*?\s*)?[\w$]*\s*\(([^)]*)\)`)
	arrowParam = regexp.MustCompile(`^\s*(?:async\s+)?([\w$]+)\s*=>`)
	classDecl  = regexp.MustCompile(`^\s*class\b`)
	asyncDecl  = regexp.MustCompile(`^\s*async\b`)
)

func isClass(fn *goja.Object) bool {
	return classDecl.MatchString(fn.String())
}

// function describes fn from its source text. Parameters with defaults and
// rest parameters make the function variadic over the required ones.
func (u *unit) function(name string, fn *goja.Object) *core.Function {
	src := strings.TrimSpace(fn.String())
	f := &core.Function{
		Name:   name,
		Return: core.TypeInvalid,
		Async:  asyncDecl.MatchString(src),
		Invoke: func(c core.Core, args []core.Handle) (core.Handle, error) {
			return u.call(fn, goja.Undefined(), args)
		},
	}

	var params []string
	if m := paramList.FindStringSubmatch(src); m != nil {
		params = strings.Split(m[1], ",")
	} else if m := arrowParam.FindStringSubmatch(src); m != nil {
		params = []string{m[1]}
	} else {
		// native code or an unparseable header
		f.Variadic = true
		return f
	}
	for i, p := range params {
		p = strings.TrimSpace(p)
		switch {
		case p == "":
			continue
		case strings.HasPrefix(p, "..."), strings.Contains(p, "="):
			f.Variadic = true
			continue
		case strings.ContainsAny(p, "{}[]"):
			p = fmt.Sprintf("arg%d", i)
		}
		if f.Variadic {
			// required parameters after an optional one are not enforced
			continue
		}
		f.Params = append(f.Params, core.Param{Name: p, Type: core.TypeInvalid})
	}
	return f
}

// call runs fn with the converted arguments.
func (u *unit) call(fn *goja.Object, this goja.Value, args []core.Handle) (core.Handle, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return core.Invalid, fmt.Errorf("js unit %s has been unloaded", u.name)
	}
	callable, ok := goja.AssertFunction(fn)
	if !ok {
		return core.Invalid, core.ErrNotCallable
	}

	defer u.loans.Leave(u.loans.Enter())

	jargs := make([]goja.Value, len(args))
	for i, h := range args {
		jargs[i] = u.toJS(h)
	}
	ret, err := callable(this, jargs...)
	if err != nil {
		return core.Invalid, u.raised(err)
	}
	return u.toHandle(ret)
}

// raised converts a JavaScript exception into a thrown value. Caller holds
// mu.
func (u *unit) raised(err error) error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		h := u.thrown(ex.Value())
		if u.c.ValueID(h) == core.TypeException {
			info := u.c.ValueToException(h)
			if info.Stacktrace == "" {
				u.c.ValueDestroy(h)
				info.Stacktrace = ex.String()
				h = u.c.CreateException(info)
			}
		}
		return &core.ThrownError{Value: h}
	}
	return &core.ThrownError{Value: u.c.CreateException(core.ExceptionInfo{
		Message: err.Error(),
		Label:   "Error",
	})}
}
