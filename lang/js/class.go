package js

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/chazu/polycall/core"
)

// class exposes an ES class. Static members live on the constructor.
func (u *unit) class(name string, ctor *goja.Object) *core.Class {
	return &core.Class{
		Name: name,
		Constructor: func(c core.Core, args []core.Handle) (core.Instance, error) {
			obj, err := u.construct(ctor, args)
			if err != nil {
				return nil, err
			}
			return &object{u: u, owner: name, obj: obj}, nil
		},
		Static: &object{u: u, owner: name, obj: ctor},
	}
}

func (u *unit) construct(ctor *goja.Object, args []core.Handle) (*goja.Object, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil, fmt.Errorf("js unit %s has been unloaded", u.name)
	}

	jargs := make([]goja.Value, len(args))
	for i, h := range args {
		jargs[i] = u.toJS(h)
	}
	obj, err := u.vm.New(ctor, jargs...)
	if err != nil {
		return nil, u.raised(err)
	}
	return obj, nil
}

// object is the attribute and method surface of a JavaScript object.
// Lookups follow the prototype chain; methods run with the object as this.
type object struct {
	u     *unit
	owner string
	obj   *goja.Object
}

func (o *object) Get(c core.Core, name string) (core.Handle, error) {
	o.u.mu.Lock()
	defer o.u.mu.Unlock()
	v := o.obj.Get(name)
	if v == nil || goja.IsUndefined(v) {
		return core.Invalid, &core.NotFoundError{Kind: core.NotFoundAttribute, Name: name, Owner: o.owner}
	}
	return o.u.toHandle(v)
}

func (o *object) Set(c core.Core, name string, v core.Handle) error {
	o.u.mu.Lock()
	defer o.u.mu.Unlock()
	if err := o.obj.Set(name, o.u.toJS(v)); err != nil {
		return o.u.raised(err)
	}
	return nil
}

func (o *object) Call(c core.Core, method string, args []core.Handle) (core.Handle, error) {
	o.u.mu.Lock()
	fn, ok := o.obj.Get(method).(*goja.Object)
	if ok {
		_, ok = goja.AssertFunction(fn)
	}
	o.u.mu.Unlock()
	if !ok {
		return core.Invalid, &core.NotFoundError{Kind: core.NotFoundMethod, Name: method, Owner: o.owner}
	}
	return o.u.call(fn, o.obj, args)
}
