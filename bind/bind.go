// Package bind exposes Go types to foreign code as classes.
//
// A binding turns a pointer-to-struct type into a core.Class: exported
// fields become attributes, exported methods become methods, and a Go
// constructor func becomes the class constructor. Names are converted with
// MemberName, so field Count is attribute "count" and method ReadAll is
// method "readAll". Arguments and results go through the codec.
package bind

import (
	"fmt"
	"reflect"

	"github.com/tliron/commonlog"

	"github.com/chazu/polycall/codec"
	"github.com/chazu/polycall/core"
)

var log = commonlog.GetLogger("polycall.bind")

// Binding is a bound Go type.
type Binding struct {
	Class *core.Class

	typ     reflect.Type // always *T
	fields  map[string][]int
	methods map[string]int
	reg     *Registry
}

type options struct {
	reg     *Registry
	statics map[string]any
	attrs   map[string]any
}

// Option configures a binding.
type Option func(*options)

// WithRegistry records the binding in r instead of DefaultRegistry.
func WithRegistry(r *Registry) Option {
	return func(o *options) { o.reg = r }
}

// WithStatic adds a class-level method backed by the Go func fn.
func WithStatic(name string, fn any) Option {
	return func(o *options) { o.statics[name] = fn }
}

// WithAttribute adds a class-level attribute with an initial value.
func WithAttribute(name string, v any) Option {
	return func(o *options) { o.attrs[name] = v }
}

// New binds the type constructed by ctor, a func returning *T or (*T, error)
// for some struct type T. Its parameters become the constructor's.
func New(name string, ctor any, opts ...Option) (*Binding, error) {
	o := &options{reg: DefaultRegistry, statics: map[string]any{}, attrs: map[string]any{}}
	for _, opt := range opts {
		opt(o)
	}

	ct := reflect.TypeOf(ctor)
	if ct == nil || ct.Kind() != reflect.Func || ct.NumOut() == 0 {
		return nil, fmt.Errorf("bind %s: constructor must be a func returning *T", name)
	}
	typ := ct.Out(0)
	if typ.Kind() != reflect.Pointer || typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("bind %s: constructor returns %s, want a pointer to struct", name, typ)
	}
	newFn, err := codec.Func(name+".new", ctor)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", name, err)
	}

	b := &Binding{
		typ:     typ,
		fields:  map[string][]int{},
		methods: map[string]int{},
		reg:     o.reg,
	}
	b.index()

	st, err := newStatics(b, name, o)
	if err != nil {
		return nil, err
	}
	b.Class = &core.Class{
		Name: name,
		Constructor: func(c core.Core, args []core.Handle) (core.Instance, error) {
			h, err := invokeChecked(c, newFn, args)
			if err != nil {
				return nil, err
			}
			defer c.ValueDestroy(h)
			var v any
			if c.ValueID(h) == core.TypePointer {
				v = c.ValueToPointer(h)
			}
			if reflect.TypeOf(v) != typ || reflect.ValueOf(v).IsNil() {
				return nil, fmt.Errorf("%s constructor returned no instance", name)
			}
			return b.instance(reflect.ValueOf(v)), nil
		},
	}
	if st != nil {
		b.Class.Static = st
	}

	if prev := o.reg.Register(typ, b); prev != b {
		log.Debugf("%s already bound to class %s; results keep that class", typ, prev.Class.Name)
	}
	log.Debugf("bound %s to class %s (%d fields, %d methods)", typ, name, len(b.fields), len(b.methods))
	return b, nil
}

// NewType binds *T with a constructor taking no arguments.
func NewType[T any](name string, opts ...Option) (*Binding, error) {
	return New(name, func() *T { return new(T) }, opts...)
}

// Must panics if a binding could not be built.
func Must(b *Binding, err error) *Binding {
	if err != nil {
		panic(err)
	}
	return b
}

func (b *Binding) index() {
	st := b.typ.Elem()
	for _, f := range reflect.VisibleFields(st) {
		if !f.IsExported() || f.Anonymous {
			continue
		}
		b.fields[MemberName(f.Name)] = f.Index
	}
	for i := range b.typ.NumMethod() {
		m := b.typ.Method(i)
		if exported(m.Name) {
			b.methods[MemberName(m.Name)] = i
		}
	}
}

// Type returns the bound Go type, a pointer to struct.
func (b *Binding) Type() reflect.Type { return b.typ }

// Object wraps an existing Go value of the bound type as an Object value
// owned by the caller.
func (b *Binding) Object(c core.Core, v any) (core.Handle, error) {
	rv := reflect.ValueOf(v)
	if rv.Type() != b.typ || rv.IsNil() {
		return core.Invalid, fmt.Errorf("%s: cannot wrap %T as %s", b.Class.Name, v, b.typ)
	}
	return c.CreateObject(b.Class, b.instance(rv)), nil
}

// objectify turns a Pointer result holding a value of a registered type into
// an object of that type's class. It takes ownership of h.
func (b *Binding) objectify(c core.Core, h core.Handle) core.Handle {
	if c.ValueID(h) != core.TypePointer {
		return h
	}
	v := c.ValueToPointer(h)
	bound := b.reg.Lookup(reflect.TypeOf(v))
	if bound == nil || reflect.ValueOf(v).IsNil() {
		return h
	}
	c.ValueDestroy(h)
	return c.CreateObject(bound.Class, bound.instance(reflect.ValueOf(v)))
}

// invokeChecked calls fn after the arity check the engine performs for
// scope functions.
func invokeChecked(c core.Core, fn *core.Function, args []core.Handle) (core.Handle, error) {
	want := len(fn.Params)
	if fn.Variadic && len(args) < want || !fn.Variadic && len(args) != want {
		return core.Invalid, &core.ArityError{Name: fn.Name, Want: want, Got: len(args)}
	}
	h, err := fn.Invoke(c, args)
	if err != nil {
		return core.Invalid, err
	}
	if h == core.Invalid {
		h = c.CreateNull()
	}
	return h, nil
}
