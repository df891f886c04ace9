package engine

import (
	"errors"
	"fmt"

	"github.com/chazu/polycall/core"
)

// ---------------------------------------------------------------------------
// Invocation
// ---------------------------------------------------------------------------

// Call resolves name in the scope and invokes it synchronously. Arguments
// are borrowed; the result is owned by the caller.
func (e *Engine) Call(name string, args []core.Handle) (core.Handle, error) {
	if err := e.ready(); err != nil {
		return core.Invalid, err
	}
	fn, ok := e.scope.function(name)
	if !ok {
		return core.Invalid, core.FunctionNotFound(name)
	}
	return e.invoke(fn, args)
}

// CallFunction invokes a function value.
func (e *Engine) CallFunction(fn core.Handle, args []core.Handle) (core.Handle, error) {
	if err := e.ready(); err != nil {
		return core.Invalid, err
	}
	v := e.arena.lookup(fn)
	if v == nil || v.typ != core.TypeFunction {
		return core.Invalid, fmt.Errorf("call of %s value: %w", e.ValueID(fn), core.ErrNotCallable)
	}
	return e.invoke(v.data.(*core.Function), args)
}

// CallModule invokes name only if module m defines it.
func (e *Engine) CallModule(m core.Module, name string, args []core.Handle) (core.Handle, error) {
	if err := e.ready(); err != nil {
		return core.Invalid, err
	}
	fn, err := e.scope.moduleFunction(m, name)
	if err != nil {
		return core.Invalid, err
	}
	return e.invoke(fn, args)
}

// Function returns a new Function value for name.
func (e *Engine) Function(name string) (core.Handle, error) {
	fn, ok := e.scope.function(name)
	if !ok {
		return core.Invalid, core.FunctionNotFound(name)
	}
	return e.CreateFunction(fn), nil
}

// Register adds a host function to the scope.
func (e *Engine) Register(fn *core.Function) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.worker.Do(func() error {
		st := e.scope.stage()
		if err := st.DefineFunction(fn); err != nil {
			return err
		}
		if err := st.commitHost(); err != nil {
			return err
		}
		log.Debugf("registered host function %s", fn.Name)
		return nil
	})
}

func (e *Engine) invoke(fn *core.Function, args []core.Handle) (core.Handle, error) {
	want := len(fn.Params)
	if fn.Variadic && len(args) < want || !fn.Variadic && len(args) != want {
		return core.Invalid, &core.ArityError{Name: fn.Name, Want: want, Got: len(args)}
	}
	h, err := fn.Invoke(e, args)
	return e.settle(fn.Name, h, err)
}

// settle turns the outcome of a function body into a result handle.
// Resolution and arity errors stay Go errors; a ThrownError surfaces its
// value as a Throwable; any other error becomes a Throwable Exception.
func (e *Engine) settle(name string, h core.Handle, err error) (core.Handle, error) {
	if err == nil {
		if h == core.Invalid {
			return e.CreateNull(), nil
		}
		return h, nil
	}
	e.ValueDestroy(h)

	var nf *core.NotFoundError
	var ae *core.ArityError
	if errors.As(err, &nf) || errors.As(err, &ae) {
		return core.Invalid, err
	}

	var thrown *core.ThrownError
	if errors.As(err, &thrown) {
		if e.ValueID(thrown.Value) == core.TypeThrowable {
			return thrown.Value, nil
		}
		return e.CreateThrowable(thrown.Value), nil
	}

	log.Debugf("%s failed: %v", name, err)
	return e.CreateThrowable(e.CreateException(core.ExceptionInfo{
		Message: err.Error(),
		Label:   "Error",
	})), nil
}
