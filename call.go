package polycall

import (
	"context"

	"github.com/chazu/polycall/bind"
	"github.com/chazu/polycall/codec"
	"github.com/chazu/polycall/core"
	"github.com/chazu/polycall/serial"
)

// Call invokes the function name in scope and decodes its result into T. A
// foreign raise is returned as a *codec.Throwable; a result of another tag
// than T's is a *core.CastError carrying the value decoded as its own tag.
func Call[T any](r *Runtime, name string, args ...any) (T, error) {
	return codec.InvokeAs[T](r.e, func(hs []core.Handle) (core.Handle, error) {
		return r.e.Call(name, hs)
	}, args...)
}

// CallUntyped invokes name and decodes the result as its runtime tag.
func (r *Runtime) CallUntyped(name string, args ...any) (any, error) {
	return codec.Invoke(r.e, func(hs []core.Handle) (core.Handle, error) {
		return r.e.Call(name, hs)
	}, args...)
}

// CallFunction invokes a function value and decodes its result into T.
func CallFunction[T any](fn *codec.Function, args ...any) (T, error) {
	c := fn.Core()
	return codec.InvokeAs[T](c, func(hs []core.Handle) (core.Handle, error) {
		return c.CallFunction(fn.Handle(), hs)
	}, args...)
}

// CallModule invokes name as defined by module m, ignoring same-named
// functions of other modules.
func CallModule[T any](m *Module, name string, args ...any) (T, error) {
	return codec.InvokeAs[T](m.r.e, func(hs []core.Handle) (core.Handle, error) {
		return m.r.e.CallModule(m.id, name, hs)
	}, args...)
}

// CallAsync invokes name without waiting for a future it returns. Exactly
// one of resolve and reject runs, once, on an engine goroutine, with data
// passed through. What the continuation returns becomes the value of the
// returned future. A result that is not a future counts as already resolved.
func (r *Runtime) CallAsync(name string, resolve, reject codec.Continuation, data any, args ...any) (*codec.Future, error) {
	enc, err := codec.EncodeAll(r.e, args)
	if err != nil {
		return nil, err
	}
	defer enc.Release()
	h, err := r.e.Await(name, enc.Handles, codec.Callback(r.e, resolve), codec.Callback(r.e, reject), data)
	if err != nil {
		return nil, err
	}
	return codec.NewFuture(r.e, h), nil
}

// Await blocks until fut settles or ctx is done. The future keeps running
// when ctx ends first; there is no way to cancel it.
func Await(ctx context.Context, fut *codec.Future) (any, error) {
	return fut.Wait(ctx)
}

// GetFunction returns the function name as a value. Release it when done.
func (r *Runtime) GetFunction(name string) (*codec.Function, error) {
	h, err := r.e.Function(name)
	if err != nil {
		return nil, err
	}
	return codec.NewFunction(r.e, h), nil
}

// GetClass returns the class name. Release it when done.
func (r *Runtime) GetClass(name string) (*codec.Class, error) {
	h, err := r.e.Class(name)
	if err != nil {
		return nil, err
	}
	return codec.NewClass(r.e, h), nil
}

// NewObject constructs an instance of class. objName labels the object.
func (r *Runtime) NewObject(class, objName string, args ...any) (*codec.Object, error) {
	cls, err := r.GetClass(class)
	if err != nil {
		return nil, err
	}
	defer cls.Release()
	return cls.New(objName, args...)
}

// Register adds the Go func f to the scope as name. See codec.Func for the
// signatures accepted.
func (r *Runtime) Register(name string, f any) error {
	fn, err := codec.Func(name, f)
	if err != nil {
		return err
	}
	return r.e.Register(fn)
}

// RegisterAsync adds f as name; calls run f on a goroutine and return a
// future.
func (r *Runtime) RegisterAsync(name string, f any) error {
	fn, err := codec.AsyncFunc(name, f)
	if err != nil {
		return err
	}
	return r.e.Register(fn)
}

// RegisterClass binds the Go type built by ctor as class name and adds it to
// the scope.
func (r *Runtime) RegisterClass(name string, ctor any, opts ...bind.Option) (*bind.Binding, error) {
	b, err := bind.New(name, ctor, opts...)
	if err != nil {
		return nil, err
	}
	if err := r.e.RegisterClass(b.Class); err != nil {
		return nil, err
	}
	return b, nil
}

// Marshal serializes the Go value x to CBOR through the codec.
func (r *Runtime) Marshal(x any) ([]byte, error) {
	return serial.Serialize(r.e, x)
}

// Unmarshal rebuilds a value serialized by Marshal, decoded as its tag.
func (r *Runtime) Unmarshal(data []byte) (any, error) {
	return serial.Deserialize(r.e, data)
}
