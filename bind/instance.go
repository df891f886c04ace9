package bind

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sync"

	"github.com/chazu/polycall/codec"
	"github.com/chazu/polycall/core"
)

// ---------------------------------------------------------------------------
// Instances
// ---------------------------------------------------------------------------

// instance is the core.Instance of one Go value. Field access is serialized;
// methods run concurrently and must guard their own state.
type instance struct {
	b  *Binding
	v  reflect.Value // *T
	mu sync.RWMutex
}

func (b *Binding) instance(v reflect.Value) *instance {
	return &instance{b: b, v: v}
}

func (in *instance) notFound(kind core.NotFoundKind, name string) error {
	return &core.NotFoundError{Kind: kind, Name: name, Owner: in.b.Class.Name}
}

func (in *instance) Get(c core.Core, name string) (core.Handle, error) {
	idx, ok := in.b.fields[name]
	if !ok {
		return core.Invalid, in.notFound(core.NotFoundAttribute, name)
	}
	in.mu.RLock()
	v := in.v.Elem().FieldByIndex(idx).Interface()
	in.mu.RUnlock()

	enc, err := codec.Encode(c, v)
	if err != nil {
		return core.Invalid, fmt.Errorf("%s.%s: %w", in.b.Class.Name, name, err)
	}
	return in.b.objectify(c, enc.Take()), nil
}

func (in *instance) Set(c core.Core, name string, v core.Handle) error {
	idx, ok := in.b.fields[name]
	if !ok {
		return in.notFound(core.NotFoundAttribute, name)
	}
	f := in.v.Elem().FieldByIndex(idx)
	next := reflect.New(f.Type())
	if err := codec.Assign(c, v, next.Interface()); err != nil {
		return fmt.Errorf("%s.%s: %w", in.b.Class.Name, name, err)
	}
	in.mu.Lock()
	f.Set(next.Elem())
	in.mu.Unlock()
	return nil
}

func (in *instance) Call(c core.Core, method string, args []core.Handle) (core.Handle, error) {
	i, ok := in.b.methods[method]
	if !ok {
		return core.Invalid, in.notFound(core.NotFoundMethod, method)
	}
	fn, err := codec.Func(in.b.Class.Name+"."+method, in.v.Method(i).Interface())
	if err != nil {
		return core.Invalid, err
	}
	h, err := invokeChecked(c, fn, args)
	if err != nil {
		return core.Invalid, err
	}
	return in.b.objectify(c, h), nil
}

// ---------------------------------------------------------------------------
// Class-level surface
// ---------------------------------------------------------------------------

type statics struct {
	b     *Binding
	funcs map[string]*core.Function

	mu    sync.RWMutex
	attrs map[string]any
}

func newStatics(b *Binding, class string, o *options) (*statics, error) {
	if len(o.statics) == 0 && len(o.attrs) == 0 {
		return nil, nil
	}
	s := &statics{b: b, funcs: map[string]*core.Function{}, attrs: maps.Clone(o.attrs)}
	for _, name := range slices.Sorted(maps.Keys(o.statics)) {
		fn, err := codec.Func(class+"."+name, o.statics[name])
		if err != nil {
			return nil, fmt.Errorf("bind %s: static %s: %w", class, name, err)
		}
		s.funcs[name] = fn
	}
	return s, nil
}

func (s *statics) Get(c core.Core, name string) (core.Handle, error) {
	s.mu.RLock()
	v, ok := s.attrs[name]
	s.mu.RUnlock()
	if !ok {
		return core.Invalid, &core.NotFoundError{Kind: core.NotFoundAttribute, Name: name, Owner: s.b.Class.Name}
	}
	enc, err := codec.Encode(c, v)
	if err != nil {
		return core.Invalid, err
	}
	return s.b.objectify(c, enc.Take()), nil
}

// Set replaces a class-level attribute. New attributes may be added; values
// holding handles keep their own copies.
func (s *statics) Set(c core.Core, name string, h core.Handle) error {
	var v any
	if err := codec.Assign(c, h, &v); err != nil {
		return err
	}
	s.mu.Lock()
	old := s.attrs[name]
	s.attrs[name] = v
	s.mu.Unlock()
	if w, ok := old.(codec.Wrapper); ok {
		w.Release()
	}
	return nil
}

func (s *statics) Call(c core.Core, method string, args []core.Handle) (core.Handle, error) {
	fn, ok := s.funcs[method]
	if !ok {
		return core.Invalid, &core.NotFoundError{Kind: core.NotFoundMethod, Name: method, Owner: s.b.Class.Name}
	}
	h, err := invokeChecked(c, fn, args)
	if err != nil {
		return core.Invalid, err
	}
	return s.b.objectify(c, h), nil
}
