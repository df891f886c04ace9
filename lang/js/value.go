package js

import (
	"fmt"
	"math"
	"strconv"

	"github.com/dop251/goja"

	"github.com/chazu/polycall/core"
	"github.com/chazu/polycall/loader"
)

// Host values JavaScript has no shape for (classes, objects and opaque
// handles) travel as wrapped *loader.Loan values. Host functions carry their
// loan under the unit's loanID symbol.

// loanOf returns the loan behind a host value or host function.
func (u *unit) loanOf(obj *goja.Object) (*loader.Loan, bool) {
	if v := obj.GetSymbol(u.loanID); v != nil {
		l, ok := v.Export().(*loader.Loan)
		return l, ok
	}
	l, ok := obj.Export().(*loader.Loan)
	return l, ok
}

// lent returns an owned copy of a host value the script handed back.
func lent(c core.Core, loan *loader.Loan) (core.Handle, error) {
	h, err := loan.Handle()
	if err != nil {
		return core.Invalid, err
	}
	return c.ValueCopy(h), nil
}

// toJS converts a borrowed handle. Caller holds mu.
func (u *unit) toJS(h core.Handle) goja.Value {
	c, vm := u.c, u.vm
	switch c.ValueID(h) {
	case core.TypeBool:
		return vm.ToValue(c.ValueToBool(h))
	case core.TypeChar:
		return vm.ToValue(int64(c.ValueToChar(h)))
	case core.TypeShort:
		return vm.ToValue(int64(c.ValueToShort(h)))
	case core.TypeInt:
		return vm.ToValue(int64(c.ValueToInt(h)))
	case core.TypeLong:
		return vm.ToValue(c.ValueToLong(h))
	case core.TypeFloat:
		return vm.ToValue(float64(c.ValueToFloat(h)))
	case core.TypeDouble:
		return vm.ToValue(c.ValueToDouble(h))
	case core.TypeString:
		return vm.ToValue(c.ValueToString(h))
	case core.TypeBuffer:
		b := c.ValueToBuffer(h)
		return vm.ToValue(vm.NewArrayBuffer(append([]byte(nil), b...)))
	case core.TypeArray:
		elems := c.ValueToArray(h)
		items := make([]any, len(elems))
		for i, e := range elems {
			items[i] = u.toJS(e)
		}
		return vm.NewArray(items...)
	case core.TypeMap:
		obj := vm.NewObject()
		for _, pair := range c.ValueToMap(h) {
			kv := c.ValueToArray(pair)
			obj.Set(u.toJS(kv[0]).String(), u.toJS(kv[1]))
		}
		return obj
	case core.TypeNull, core.TypeInvalid:
		return goja.Null()
	case core.TypePointer:
		return vm.ToValue(c.ValueToPointer(h))
	case core.TypeException:
		return u.errorObject(c.ValueToException(h))
	case core.TypeThrowable:
		return u.toJS(c.ValueToThrowable(h))
	case core.TypeFunction:
		return u.hostFunction(u.loans.Lend(h))
	case core.TypeFuture:
		return u.promise(h)
	}
	return vm.ToValue(u.loans.Lend(h))
}

func (u *unit) errorObject(ex core.ExceptionInfo) goja.Value {
	obj, err := u.vm.New(u.vm.Get("Error"), u.vm.ToValue(ex.Message))
	if err != nil {
		return u.vm.ToValue(ex.Message)
	}
	obj.Set("name", ex.Label)
	if ex.Code != 0 {
		obj.Set("code", ex.Code)
	}
	if ex.Stacktrace != "" {
		obj.Set("stack", ex.Stacktrace)
	}
	return obj
}

// hostFunction exposes the lent function value. Errors and Throwable results
// are thrown into the script.
func (u *unit) hostFunction(loan *loader.Loan) goja.Value {
	fn := u.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		h, err := loan.Handle()
		if err != nil {
			panic(u.vm.NewGoError(err))
		}
		args := make([]core.Handle, 0, len(call.Arguments))
		defer func() {
			for _, h := range args {
				u.c.ValueDestroy(h)
			}
		}()
		for i, a := range call.Arguments {
			h, err := u.toHandle(a)
			if err != nil {
				panic(u.vm.NewTypeError("argument %d: %v", i, err))
			}
			args = append(args, h)
		}

		r, err := u.c.CallFunction(h, args)
		if err != nil {
			panic(u.vm.NewGoError(err))
		}
		defer u.c.ValueDestroy(r)
		if u.c.ValueID(r) == core.TypeThrowable {
			panic(u.toJS(r))
		}
		return u.toJS(r)
	}).(*goja.Object)
	fn.SetSymbol(u.loanID, loan)
	return fn
}

// promise bridges the borrowed host future fut to a new Promise. The future
// settles on a scheduler goroutine, which takes the unit lock to settle the
// promise.
func (u *unit) promise(fut core.Handle) goja.Value {
	var resolve, reject goja.Value
	executor := u.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		resolve, reject = call.Argument(0), call.Argument(1)
		return goja.Undefined()
	})
	p, err := u.vm.New(u.vm.Get("Promise"), executor)
	if err != nil {
		return goja.Undefined()
	}

	settle := func(with goja.Value) core.Callback {
		return func(v core.Handle, _ any) core.Handle {
			u.mu.Lock()
			defer u.mu.Unlock()
			if u.closed {
				return core.Invalid
			}
			if fn, ok := goja.AssertFunction(with); ok {
				if _, err := fn(goja.Undefined(), u.toJS(v)); err != nil {
					log.Warningf("%s: settling promise: %v", u.name, err)
				}
			}
			return core.Invalid
		}
	}
	next, err := u.c.AwaitFuture(fut, settle(resolve), settle(reject), nil)
	if err != nil {
		log.Errorf("%s: awaiting host future: %v", u.name, err)
		return p
	}
	u.c.ValueDestroy(next)
	return p
}

// toHandle converts a JavaScript value to an owned handle. Caller holds mu.
func (u *unit) toHandle(v goja.Value) (core.Handle, error) {
	c := u.c
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return c.CreateNull(), nil
	}
	if obj, ok := v.(*goja.Object); ok {
		return u.objectHandle(obj)
	}
	switch x := v.Export().(type) {
	case bool:
		return c.CreateBool(x), nil
	case int64:
		return c.CreateLong(x), nil
	case float64:
		if x == math.Trunc(x) && x >= math.MinInt64 && x < math.MaxInt64 {
			return c.CreateLong(int64(x)), nil
		}
		return c.CreateDouble(x), nil
	case string:
		if core.CheckString(x) != nil {
			return c.CreateBuffer([]byte(x)), nil
		}
		return c.CreateString(x), nil
	default:
		return c.CreatePointer(x), nil
	}
}

func (u *unit) objectHandle(obj *goja.Object) (core.Handle, error) {
	c := u.c
	if _, ok := goja.AssertFunction(obj); ok {
		if loan, ok := u.loanOf(obj); ok {
			return lent(c, loan)
		}
		name := obj.Get("name")
		fn := u.function("", obj)
		if name != nil {
			fn.Name = name.String()
		}
		return c.CreateFunction(fn), nil
	}
	if obj.ClassName() == "Error" {
		return c.CreateException(u.exception(obj)), nil
	}

	switch x := obj.Export().(type) {
	case *goja.Promise:
		return u.future(obj, x), nil
	case goja.ArrayBuffer:
		return c.CreateBuffer(x.Bytes()), nil
	case *loader.Loan:
		return lent(c, x)
	case []any:
		n := int(obj.Get("length").ToInteger())
		elems := make([]core.Handle, 0, n)
		for i := range n {
			h, err := u.toHandle(obj.Get(strconv.Itoa(i)))
			if err != nil {
				destroyAll(c, elems)
				return core.Invalid, err
			}
			elems = append(elems, h)
		}
		return c.CreateArray(elems), nil
	case map[string]any:
		var pairs []core.Handle
		for _, k := range obj.Keys() {
			if err := core.CheckString(k); err != nil {
				destroyAll(c, pairs)
				return core.Invalid, err
			}
			vh, err := u.toHandle(obj.Get(k))
			if err != nil {
				destroyAll(c, pairs)
				return core.Invalid, err
			}
			pairs = append(pairs, c.CreateArray([]core.Handle{c.CreateString(k), vh}))
		}
		return c.CreateMap(pairs), nil
	default:
		return c.CreatePointer(x), nil
	}
}

// exception reads an Error object.
func (u *unit) exception(obj *goja.Object) core.ExceptionInfo {
	info := core.ExceptionInfo{Label: "Error"}
	if v := obj.Get("message"); v != nil && !goja.IsUndefined(v) {
		info.Message = v.String()
	}
	if v := obj.Get("name"); v != nil && !goja.IsUndefined(v) {
		info.Label = v.String()
	}
	if v := obj.Get("code"); v != nil && !goja.IsUndefined(v) {
		info.Code = v.ToInteger()
	}
	if v := obj.Get("stack"); v != nil && !goja.IsUndefined(v) {
		info.Stacktrace = v.String()
	}
	return info
}

// thrown converts a thrown value: Error objects become Exceptions and host
// throwables pass through. Caller holds mu.
func (u *unit) thrown(v goja.Value) core.Handle {
	if obj, ok := v.(*goja.Object); ok {
		if obj.ClassName() == "Error" {
			return u.c.CreateException(u.exception(obj))
		}
		if loan, ok := u.loanOf(obj); ok {
			if h, err := lent(u.c, loan); err == nil {
				return h
			}
		}
	}
	h, err := u.toHandle(v)
	if err != nil {
		return u.c.CreateException(core.ExceptionInfo{Message: fmt.Sprint(v), Label: "Error"})
	}
	return h
}

// future bridges a promise to a new host future. A promise still pending is
// observed through then, whose reactions run inside a later call into the
// unit.
func (u *unit) future(obj *goja.Object, p *goja.Promise) core.Handle {
	h, res := u.c.CreateFuture()
	switch p.State() {
	case goja.PromiseStateFulfilled:
		u.resolve(res, p.Result())
	case goja.PromiseStateRejected:
		res.Reject(u.thrown(p.Result()))
	default:
		then, ok := goja.AssertFunction(obj.Get("then"))
		if !ok {
			res.Reject(u.c.CreateException(core.ExceptionInfo{Message: "promise has no then", Label: "TypeError"}))
			break
		}
		onResolve := u.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			u.resolve(res, call.Argument(0))
			return goja.Undefined()
		})
		onReject := u.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			res.Reject(u.thrown(call.Argument(0)))
			return goja.Undefined()
		})
		if _, err := then(obj, onResolve, onReject); err != nil {
			res.Reject(u.c.CreateException(core.ExceptionInfo{Message: err.Error(), Label: "Error"}))
		}
	}
	return h
}

func (u *unit) resolve(res core.Resolver, v goja.Value) {
	h, err := u.toHandle(v)
	if err != nil {
		res.Reject(u.c.CreateException(core.ExceptionInfo{Message: err.Error(), Label: "TypeError"}))
		return
	}
	res.Resolve(h)
}

func destroyAll(c core.Core, hs []core.Handle) {
	for _, h := range hs {
		c.ValueDestroy(h)
	}
}
