package codec

import (
	"fmt"
	"reflect"
	"sync/atomic"

	"github.com/chazu/polycall/core"
)

// ---------------------------------------------------------------------------
// Shared ownership
// ---------------------------------------------------------------------------

// cell is shared by a wrapper and all of its clones. The handle is destroyed
// when the last alias is released, and only if the cell owns it.
type cell struct {
	c    core.Core
	h    core.Handle
	leak bool
	refs atomic.Int64
}

func (r *cell) drop() {
	if r.refs.Add(-1) == 0 && !r.leak {
		r.c.ValueDestroy(r.h)
	}
}

// ref is one alias of a cell.
type ref struct {
	cell     *cell
	released atomic.Bool
}

func (r *ref) init(c core.Core, h core.Handle, leak bool) {
	r.cell = &cell{c: c, h: h, leak: leak}
	r.cell.refs.Store(1)
}

// alias makes r another alias of src's cell.
func (r *ref) alias(src *ref) {
	src.cell.refs.Add(1)
	r.cell = src.cell
}

// Handle returns the wrapped handle. It stays valid until the last alias is
// released.
func (r *ref) Handle() core.Handle { return r.cell.h }

// Core returns the core the handle belongs to.
func (r *ref) Core() core.Core { return r.cell.c }

// Borrowed reports whether the wrapper was built by a Borrow factory and so
// never destroys its handle.
func (r *ref) Borrowed() bool { return r.cell.leak }

// Release drops this alias. It is idempotent; the last owning alias destroys
// the handle.
func (r *ref) Release() {
	if r.released.CompareAndSwap(false, true) {
		r.cell.drop()
	}
}

func (r *ref) live() {
	if r.released.Load() {
		panic(fmt.Sprintf("codec: use of released wrapper for handle %d", r.cell.h))
	}
}

// Wrapper is implemented by every typed wrapper.
type Wrapper interface {
	Handle() core.Handle
	Release()
}

var wrapperTags = map[reflect.Type]core.Type{
	reflect.TypeFor[*Pointer]():   core.TypePointer,
	reflect.TypeFor[*Future]():    core.TypeFuture,
	reflect.TypeFor[*Function]():  core.TypeFunction,
	reflect.TypeFor[*Class]():     core.TypeClass,
	reflect.TypeFor[*Object]():    core.TypeObject,
	reflect.TypeFor[*Exception](): core.TypeException,
	reflect.TypeFor[*Throwable](): core.TypeThrowable,
}

// wrap builds the wrapper for h's tag. leak selects the borrowing factory.
func wrap(c core.Core, h core.Handle, leak bool) any {
	var w interface {
		init(c core.Core, h core.Handle, leak bool)
	}
	switch c.ValueID(h) {
	case core.TypePointer:
		w = &Pointer{}
	case core.TypeFuture:
		w = &Future{}
	case core.TypeFunction:
		w = &Function{}
	case core.TypeClass:
		w = &Class{}
	case core.TypeObject:
		w = &Object{}
	case core.TypeException:
		w = &Exception{}
	case core.TypeThrowable:
		w = &Throwable{}
	default:
		panic(fmt.Sprintf("codec: no wrapper for %s", c.ValueID(h)))
	}
	w.init(c, h, leak)
	return w
}

func mustTag(c core.Core, h core.Handle, want core.Type) {
	if got := c.ValueID(h); got != want {
		panic(fmt.Sprintf("codec: handle %d holds %s, want %s", h, got, want))
	}
}

// ---------------------------------------------------------------------------
// Pointer
// ---------------------------------------------------------------------------

// Pointer wraps an opaque host value.
type Pointer struct{ ref }

// NewPointer takes ownership of h.
func NewPointer(c core.Core, h core.Handle) *Pointer {
	mustTag(c, h, core.TypePointer)
	p := &Pointer{}
	p.init(c, h, false)
	return p
}

// BorrowPointer wraps h without taking ownership.
func BorrowPointer(c core.Core, h core.Handle) *Pointer {
	mustTag(c, h, core.TypePointer)
	p := &Pointer{}
	p.init(c, h, true)
	return p
}

// Value returns the host value behind the pointer.
func (p *Pointer) Value() any {
	p.live()
	return p.cell.c.ValueToPointer(p.cell.h)
}

// Clone returns a new alias sharing the same handle.
func (p *Pointer) Clone() *Pointer {
	p.live()
	out := &Pointer{}
	out.alias(&p.ref)
	return out
}

// ---------------------------------------------------------------------------
// Null
// ---------------------------------------------------------------------------

// Null is the typed form of the Null value. It holds no handle.
type Null struct{}

// ---------------------------------------------------------------------------
// Class
// ---------------------------------------------------------------------------

// Class wraps a class value.
type Class struct{ ref }

func NewClass(c core.Core, h core.Handle) *Class {
	mustTag(c, h, core.TypeClass)
	w := &Class{}
	w.init(c, h, false)
	return w
}

func BorrowClass(c core.Core, h core.Handle) *Class {
	mustTag(c, h, core.TypeClass)
	w := &Class{}
	w.init(c, h, true)
	return w
}

func (w *Class) Name() string {
	w.live()
	return w.cell.c.ValueToClass(w.cell.h)
}

// New constructs an instance. name labels the object.
func (w *Class) New(name string, args ...any) (*Object, error) {
	w.live()
	c := w.cell.c
	enc, err := EncodeAll(c, args)
	if err != nil {
		return nil, err
	}
	h, err := c.ClassNew(w.cell.h, name, enc.Handles)
	enc.Release()
	if err != nil {
		return nil, err
	}
	if c.ValueID(h) == core.TypeThrowable {
		return nil, NewThrowable(c, h)
	}
	return NewObject(c, h), nil
}

// Get reads a class-level attribute.
func (w *Class) Get(attr string) (any, error) {
	w.live()
	h, err := w.cell.c.ClassStaticGet(w.cell.h, attr)
	if err != nil {
		return nil, err
	}
	return Result(w.cell.c, h)
}

// Set writes a class-level attribute.
func (w *Class) Set(attr string, v any) error {
	w.live()
	enc, err := Encode(w.cell.c, v)
	if err != nil {
		return err
	}
	defer enc.Release()
	return w.cell.c.ClassStaticSet(w.cell.h, attr, enc.Handle)
}

// Call invokes a class-level method.
func (w *Class) Call(method string, args ...any) (any, error) {
	w.live()
	return Invoke(w.cell.c, func(hs []core.Handle) (core.Handle, error) {
		return w.cell.c.CallClass(w.cell.h, method, hs)
	}, args...)
}

func (w *Class) Clone() *Class {
	w.live()
	out := &Class{}
	out.alias(&w.ref)
	return out
}

// ---------------------------------------------------------------------------
// Object
// ---------------------------------------------------------------------------

// Object wraps an instance of a class.
type Object struct{ ref }

func NewObject(c core.Core, h core.Handle) *Object {
	mustTag(c, h, core.TypeObject)
	w := &Object{}
	w.init(c, h, false)
	return w
}

func BorrowObject(c core.Core, h core.Handle) *Object {
	mustTag(c, h, core.TypeObject)
	w := &Object{}
	w.init(c, h, true)
	return w
}

func (w *Object) Get(attr string) (any, error) {
	w.live()
	h, err := w.cell.c.ObjectGet(w.cell.h, attr)
	if err != nil {
		return nil, err
	}
	return Result(w.cell.c, h)
}

func (w *Object) Set(attr string, v any) error {
	w.live()
	enc, err := Encode(w.cell.c, v)
	if err != nil {
		return err
	}
	defer enc.Release()
	return w.cell.c.ObjectSet(w.cell.h, attr, enc.Handle)
}

func (w *Object) Call(method string, args ...any) (any, error) {
	w.live()
	return Invoke(w.cell.c, func(hs []core.Handle) (core.Handle, error) {
		return w.cell.c.CallObject(w.cell.h, method, hs)
	}, args...)
}

func (w *Object) Clone() *Object {
	w.live()
	out := &Object{}
	out.alias(&w.ref)
	return out
}

// ---------------------------------------------------------------------------
// Function
// ---------------------------------------------------------------------------

// Function wraps a first-class function value.
type Function struct{ ref }

func NewFunction(c core.Core, h core.Handle) *Function {
	mustTag(c, h, core.TypeFunction)
	w := &Function{}
	w.init(c, h, false)
	return w
}

func BorrowFunction(c core.Core, h core.Handle) *Function {
	mustTag(c, h, core.TypeFunction)
	w := &Function{}
	w.init(c, h, true)
	return w
}

func (w *Function) Info() core.FunctionInfo {
	w.live()
	return w.cell.c.ValueToFunction(w.cell.h)
}

func (w *Function) Name() string { return w.Info().Name }

// Call invokes the function. A Throwable result is returned as the error.
func (w *Function) Call(args ...any) (any, error) {
	w.live()
	return Invoke(w.cell.c, func(hs []core.Handle) (core.Handle, error) {
		return w.cell.c.CallFunction(w.cell.h, hs)
	}, args...)
}

// ---------------------------------------------------------------------------
// Exception
// ---------------------------------------------------------------------------

// Exception wraps an exception value. It implements error.
type Exception struct{ ref }

func NewException(c core.Core, h core.Handle) *Exception {
	mustTag(c, h, core.TypeException)
	w := &Exception{}
	w.init(c, h, false)
	return w
}

func BorrowException(c core.Core, h core.Handle) *Exception {
	mustTag(c, h, core.TypeException)
	w := &Exception{}
	w.init(c, h, true)
	return w
}

func (w *Exception) Info() core.ExceptionInfo {
	w.live()
	return w.cell.c.ValueToException(w.cell.h)
}

func (w *Exception) Message() string    { return w.Info().Message }
func (w *Exception) Label() string      { return w.Info().Label }
func (w *Exception) Code() int64        { return w.Info().Code }
func (w *Exception) Stacktrace() string { return w.Info().Stacktrace }

func (w *Exception) Error() string {
	if w.released.Load() {
		return "released exception"
	}
	info := w.Info()
	if info.Label == "" {
		return info.Message
	}
	return info.Label + ": " + info.Message
}

func (w *Exception) Clone() *Exception {
	w.live()
	out := &Exception{}
	out.alias(&w.ref)
	return out
}

// ---------------------------------------------------------------------------
// Throwable
// ---------------------------------------------------------------------------

// Throwable wraps a value raised by foreign code. It implements error and
// unwraps to an *Exception when the raised value is one.
type Throwable struct{ ref }

func NewThrowable(c core.Core, h core.Handle) *Throwable {
	mustTag(c, h, core.TypeThrowable)
	w := &Throwable{}
	w.init(c, h, false)
	return w
}

func BorrowThrowable(c core.Core, h core.Handle) *Throwable {
	mustTag(c, h, core.TypeThrowable)
	w := &Throwable{}
	w.init(c, h, true)
	return w
}

// Inner returns the raised value, borrowed from the throwable.
func (w *Throwable) Inner() core.Handle {
	w.live()
	return w.cell.c.ValueToThrowable(w.cell.h)
}

// Value decodes the raised value without consuming it. Wrappers in the
// result borrow from the throwable.
func (w *Throwable) Value() (any, error) {
	return DecodeAnyLeak(w.cell.c, w.Inner())
}

func (w *Throwable) Error() string {
	if w.released.Load() {
		return "released throwable"
	}
	c, inner := w.cell.c, w.Inner()
	if c.ValueID(inner) == core.TypeException {
		return "thrown " + BorrowException(c, inner).Error()
	}
	v, err := DecodeAnyLeak(c, inner)
	if err != nil {
		return fmt.Sprintf("thrown %s value", c.ValueID(inner))
	}
	return fmt.Sprintf("thrown %v", v)
}

// Unwrap exposes a raised exception to errors.As. The returned wrapper
// borrows from the throwable.
func (w *Throwable) Unwrap() error {
	if w.released.Load() {
		return nil
	}
	c, inner := w.cell.c, w.Inner()
	if c.ValueID(inner) != core.TypeException {
		return nil
	}
	return BorrowException(c, inner)
}
