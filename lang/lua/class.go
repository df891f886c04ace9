package lua

import (
	"fmt"

	glua "github.com/yuin/gopher-lua"

	"github.com/chazu/polycall/core"
)

// class exposes a table with a "new" function. Static access goes to the
// table itself; methods on it are called without self.
func (u *unit) class(name string, t *glua.LTable, ctor *glua.LFunction) *core.Class {
	return &core.Class{
		Name: name,
		Constructor: func(c core.Core, args []core.Handle) (core.Instance, error) {
			obj, err := u.construct(ctor, args)
			if err != nil {
				return nil, err
			}
			return &table{u: u, owner: name, t: obj, methods: true}, nil
		},
		Static: &table{u: u, owner: name, t: t},
	}
}

func (u *unit) construct(ctor *glua.LFunction, args []core.Handle) (*glua.LTable, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	largs := make([]glua.LValue, len(args))
	for i, h := range args {
		largs[i] = u.toLua(h)
	}
	if err := u.L.CallByParam(glua.P{Fn: ctor, NRet: 1, Protect: true}, largs...); err != nil {
		return nil, u.raised(err)
	}
	ret := u.L.Get(-1)
	u.L.Pop(1)
	obj, ok := ret.(*glua.LTable)
	if !ok {
		return nil, fmt.Errorf("constructor returned %s, want a table", ret.Type())
	}
	return obj, nil
}

// table is the attribute and method surface of a Lua table. Lookups follow
// metatables, so methods defined on a class are visible on its instances.
type table struct {
	u       *unit
	owner   string
	t       *glua.LTable
	methods bool // pass the table as self
}

func (s *table) Get(c core.Core, name string) (core.Handle, error) {
	s.u.mu.Lock()
	defer s.u.mu.Unlock()
	v := s.u.L.GetField(s.t, name)
	if v == glua.LNil {
		return core.Invalid, &core.NotFoundError{Kind: core.NotFoundAttribute, Name: name, Owner: s.owner}
	}
	return s.u.toHandle(v)
}

func (s *table) Set(c core.Core, name string, v core.Handle) error {
	s.u.mu.Lock()
	defer s.u.mu.Unlock()
	s.u.L.SetField(s.t, name, s.u.toLua(v))
	return nil
}

func (s *table) Call(c core.Core, method string, args []core.Handle) (core.Handle, error) {
	s.u.mu.Lock()
	fn, ok := s.u.L.GetField(s.t, method).(*glua.LFunction)
	s.u.mu.Unlock()
	if !ok {
		return core.Invalid, &core.NotFoundError{Kind: core.NotFoundMethod, Name: method, Owner: s.owner}
	}
	var self glua.LValue = glua.LNil
	if s.methods {
		self = s.t
	}
	return s.u.call(fn, self, args)
}
