package lua

import (
	"math"

	glua "github.com/yuin/gopher-lua"

	"github.com/chazu/polycall/core"
	"github.com/chazu/polycall/loader"
)

// Host values Lua has no shape for (futures, classes, objects and opaque
// pointers) travel as userdata whose Value is a *loader.Loan. Host functions
// are Go closures carrying the same userdata as their only upvalue.

// loanOf returns the loan behind a host userdata or host function.
func loanOf(v glua.LValue) (*loader.Loan, bool) {
	switch v := v.(type) {
	case *glua.LUserData:
		l, ok := v.Value.(*loader.Loan)
		return l, ok
	case *glua.LFunction:
		if v.IsG && len(v.Upvalues) == 1 {
			if ud, ok := v.Upvalues[0].Value().(*glua.LUserData); ok {
				l, ok := ud.Value.(*loader.Loan)
				return l, ok
			}
		}
	}
	return nil, false
}

// lend wraps h as userdata. Caller holds mu.
func (u *unit) lend(h core.Handle) *glua.LUserData {
	ud := u.L.NewUserData()
	ud.Value = u.loans.Lend(h)
	return ud
}

// toLua converts a borrowed handle. Caller holds mu.
func (u *unit) toLua(h core.Handle) glua.LValue {
	c := u.c
	switch c.ValueID(h) {
	case core.TypeBool:
		return glua.LBool(c.ValueToBool(h))
	case core.TypeChar:
		return glua.LNumber(c.ValueToChar(h))
	case core.TypeShort:
		return glua.LNumber(c.ValueToShort(h))
	case core.TypeInt:
		return glua.LNumber(c.ValueToInt(h))
	case core.TypeLong:
		return glua.LNumber(c.ValueToLong(h))
	case core.TypeFloat:
		return glua.LNumber(c.ValueToFloat(h))
	case core.TypeDouble:
		return glua.LNumber(c.ValueToDouble(h))
	case core.TypeString:
		return glua.LString(c.ValueToString(h))
	case core.TypeBuffer:
		return glua.LString(c.ValueToBuffer(h))
	case core.TypeArray:
		t := u.L.NewTable()
		for _, e := range c.ValueToArray(h) {
			t.Append(u.toLua(e))
		}
		return t
	case core.TypeMap:
		t := u.L.NewTable()
		for _, pair := range c.ValueToMap(h) {
			kv := c.ValueToArray(pair)
			t.RawSet(u.toLua(kv[0]), u.toLua(kv[1]))
		}
		return t
	case core.TypeNull, core.TypeInvalid:
		return glua.LNil
	case core.TypeException:
		ex := c.ValueToException(h)
		t := u.L.NewTable()
		t.RawSetString("message", glua.LString(ex.Message))
		t.RawSetString("label", glua.LString(ex.Label))
		t.RawSetString("code", glua.LNumber(ex.Code))
		t.RawSetString("stacktrace", glua.LString(ex.Stacktrace))
		return t
	case core.TypeThrowable:
		return u.toLua(c.ValueToThrowable(h))
	case core.TypeFunction:
		return u.hostFunction(u.lend(h))
	}
	return u.lend(h)
}

// hostFunction exposes the lent function value to Lua. A Throwable result is
// raised as a Lua error carrying the thrown value.
func (u *unit) hostFunction(ud *glua.LUserData) *glua.LFunction {
	loan := ud.Value.(*loader.Loan)
	return u.L.NewClosure(func(L *glua.LState) int {
		fn, err := loan.Handle()
		if err != nil {
			L.RaiseError("%v", err)
		}
		args := make([]core.Handle, 0, L.GetTop())
		defer func() {
			for _, h := range args {
				u.c.ValueDestroy(h)
			}
		}()
		for i := 1; i <= L.GetTop(); i++ {
			h, err := u.toHandle(L.Get(i))
			if err != nil {
				L.RaiseError("argument %d: %v", i, err)
			}
			args = append(args, h)
		}

		r, err := u.c.CallFunction(fn, args)
		if err != nil {
			L.RaiseError("%v", err)
		}
		if u.c.ValueID(r) == core.TypeThrowable {
			thrown := u.lend(r)
			u.c.ValueDestroy(r)
			L.Error(thrown, 1)
		}
		L.Push(u.toLua(r))
		u.c.ValueDestroy(r)
		return 1
	}, ud)
}

// toHandle converts a Lua value to an owned handle. Caller holds mu.
func (u *unit) toHandle(v glua.LValue) (core.Handle, error) {
	c := u.c
	switch v := v.(type) {
	case *glua.LNilType:
		return c.CreateNull(), nil
	case glua.LBool:
		return c.CreateBool(bool(v)), nil
	case glua.LNumber:
		f := float64(v)
		if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
			return c.CreateLong(int64(f)), nil
		}
		return c.CreateDouble(f), nil
	case glua.LString:
		if core.CheckString(string(v)) != nil {
			return c.CreateBuffer([]byte(v)), nil
		}
		return c.CreateString(string(v)), nil
	case *glua.LTable:
		return u.tableHandle(v)
	case *glua.LFunction:
		if loan, ok := loanOf(v); ok {
			return lent(c, loan)
		}
		return c.CreateFunction(u.function("", v)), nil
	case *glua.LUserData:
		if loan, ok := loanOf(v); ok {
			return lent(c, loan)
		}
		return c.CreatePointer(v.Value), nil
	}
	return c.CreatePointer(v), nil
}

// lent returns an owned copy of a host value the script handed back.
func lent(c core.Core, loan *loader.Loan) (core.Handle, error) {
	h, err := loan.Handle()
	if err != nil {
		return core.Invalid, err
	}
	return c.ValueCopy(h), nil
}

// tableHandle converts a sequence to an Array and any other table to a Map.
// An empty table is an empty Map.
func (u *unit) tableHandle(t *glua.LTable) (core.Handle, error) {
	c := u.c
	n := t.Len()
	if n > 0 && countKeys(t) == n {
		elems := make([]core.Handle, 0, n)
		for i := 1; i <= n; i++ {
			h, err := u.toHandle(t.RawGetInt(i))
			if err != nil {
				destroyAll(c, elems)
				return core.Invalid, err
			}
			elems = append(elems, h)
		}
		return c.CreateArray(elems), nil
	}

	var pairs []core.Handle
	var failed error
	t.ForEach(func(k, v glua.LValue) {
		if failed != nil {
			return
		}
		kh, err := u.toHandle(k)
		if err != nil {
			failed = err
			return
		}
		vh, err := u.toHandle(v)
		if err != nil {
			c.ValueDestroy(kh)
			failed = err
			return
		}
		pairs = append(pairs, c.CreateArray([]core.Handle{kh, vh}))
	})
	if failed != nil {
		destroyAll(c, pairs)
		return core.Invalid, failed
	}
	return c.CreateMap(pairs), nil
}

func countKeys(t *glua.LTable) int {
	n := 0
	t.ForEach(func(_, _ glua.LValue) { n++ })
	return n
}

func destroyAll(c core.Core, hs []core.Handle) {
	for _, h := range hs {
		c.ValueDestroy(h)
	}
}
