package engine

import (
	"fmt"

	"github.com/chazu/polycall/core"
)

// ---------------------------------------------------------------------------
// Classes and objects
// ---------------------------------------------------------------------------

// object is the stored form of an Object value. Copies of the handle share
// the instance.
type object struct {
	class *core.Class
	inst  core.Instance
}

// Class returns a new Class value for name.
func (e *Engine) Class(name string) (core.Handle, error) {
	cls, ok := e.scope.class(name)
	if !ok {
		return core.Invalid, &core.NotFoundError{Kind: core.NotFoundClass, Name: name}
	}
	return e.CreateClass(cls), nil
}

// RegisterClass adds a host class to the scope.
func (e *Engine) RegisterClass(cls *core.Class) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.worker.Do(func() error {
		st := e.scope.stage()
		if err := st.DefineClass(cls); err != nil {
			return err
		}
		if err := st.commitHost(); err != nil {
			return err
		}
		log.Debugf("registered host class %s", cls.Name)
		return nil
	})
}

func (e *Engine) classOf(h core.Handle) (*core.Class, error) {
	v := e.arena.lookup(h)
	if v == nil || v.typ != core.TypeClass {
		return nil, fmt.Errorf("handle holds %s, not a Class", e.ValueID(h))
	}
	return v.data.(*core.Class), nil
}

func (e *Engine) objectOf(h core.Handle) (*object, error) {
	v := e.arena.lookup(h)
	if v == nil || v.typ != core.TypeObject {
		return nil, fmt.Errorf("handle holds %s, not an Object", e.ValueID(h))
	}
	return v.data.(*object), nil
}

// static returns the class-level surface or a not-found error of kind.
func static(cls *core.Class, kind core.NotFoundKind, name string) (core.Instance, error) {
	if cls.Static == nil {
		return nil, &core.NotFoundError{Kind: kind, Name: name, Owner: cls.Name}
	}
	return cls.Static, nil
}

// ClassNew constructs an instance of cls. name labels the new object in logs.
func (e *Engine) ClassNew(cls core.Handle, name string, args []core.Handle) (core.Handle, error) {
	if err := e.ready(); err != nil {
		return core.Invalid, err
	}
	c, err := e.classOf(cls)
	if err != nil {
		return core.Invalid, err
	}
	if c.Constructor == nil {
		return core.Invalid, &core.NotFoundError{Kind: core.NotFoundMethod, Name: "new", Owner: c.Name}
	}
	inst, err := c.Constructor(e, args)
	if err != nil {
		return e.settle(c.Name+".new", core.Invalid, err)
	}
	log.Debugf("new %s instance %s", c.Name, name)
	return e.CreateObject(c, inst), nil
}

func (e *Engine) ClassStaticGet(cls core.Handle, attr string) (core.Handle, error) {
	if err := e.ready(); err != nil {
		return core.Invalid, err
	}
	c, err := e.classOf(cls)
	if err != nil {
		return core.Invalid, err
	}
	s, err := static(c, core.NotFoundAttribute, attr)
	if err != nil {
		return core.Invalid, err
	}
	h, err := s.Get(e, attr)
	return e.settle(c.Name+"."+attr, h, err)
}

func (e *Engine) ClassStaticSet(cls core.Handle, attr string, v core.Handle) error {
	if err := e.ready(); err != nil {
		return err
	}
	c, err := e.classOf(cls)
	if err != nil {
		return err
	}
	s, err := static(c, core.NotFoundAttribute, attr)
	if err != nil {
		return err
	}
	return s.Set(e, attr, v)
}

// CallClass invokes a class-level method.
func (e *Engine) CallClass(cls core.Handle, method string, args []core.Handle) (core.Handle, error) {
	if err := e.ready(); err != nil {
		return core.Invalid, err
	}
	c, err := e.classOf(cls)
	if err != nil {
		return core.Invalid, err
	}
	s, err := static(c, core.NotFoundMethod, method)
	if err != nil {
		return core.Invalid, err
	}
	h, err := s.Call(e, method, args)
	return e.settle(c.Name+"."+method, h, err)
}

func (e *Engine) ObjectGet(obj core.Handle, attr string) (core.Handle, error) {
	if err := e.ready(); err != nil {
		return core.Invalid, err
	}
	o, err := e.objectOf(obj)
	if err != nil {
		return core.Invalid, err
	}
	h, err := o.inst.Get(e, attr)
	return e.settle(o.class.Name+"."+attr, h, err)
}

func (e *Engine) ObjectSet(obj core.Handle, attr string, v core.Handle) error {
	if err := e.ready(); err != nil {
		return err
	}
	o, err := e.objectOf(obj)
	if err != nil {
		return err
	}
	return o.inst.Set(e, attr, v)
}

// CallObject invokes an instance method.
func (e *Engine) CallObject(obj core.Handle, method string, args []core.Handle) (core.Handle, error) {
	if err := e.ready(); err != nil {
		return core.Invalid, err
	}
	o, err := e.objectOf(obj)
	if err != nil {
		return core.Invalid, err
	}
	h, err := o.inst.Call(e, method, args)
	return e.settle(o.class.Name+"."+method, h, err)
}
