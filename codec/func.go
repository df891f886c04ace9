package codec

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"

	"github.com/chazu/polycall/core"
)

// signature is the shape of a Go func seen through the codec.
type signature struct {
	fn       reflect.Value
	withCore bool
	params   []reflect.Type
	variadic reflect.Type // element type of the variadic slot, or nil
	result   reflect.Type // nil when the func returns no value
	hasErr   bool
}

func inspectFunc(f any) (*signature, error) {
	fn := reflect.ValueOf(f)
	if fn.Kind() != reflect.Func || fn.IsNil() {
		return nil, &UnsupportedTypeError{Type: fmt.Sprintf("%T", f), Reason: "not a function"}
	}
	ft := fn.Type()
	sig := &signature{fn: fn}

	numIn := ft.NumIn()
	start := 0
	if numIn > 0 && ft.In(0) == coreType {
		sig.withCore = true
		start = 1
	}
	if ft.IsVariadic() {
		numIn--
		sig.variadic = ft.In(numIn).Elem()
	}
	for i := start; i < numIn; i++ {
		sig.params = append(sig.params, ft.In(i))
	}

	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errorType {
			sig.hasErr = true
		} else {
			sig.result = ft.Out(0)
		}
	case 2:
		if ft.Out(1) != errorType {
			return nil, &UnsupportedTypeError{Type: ft.String(), Reason: "second result must be error"}
		}
		sig.result, sig.hasErr = ft.Out(0), true
	default:
		return nil, &UnsupportedTypeError{Type: ft.String(), Reason: "too many results"}
	}
	return sig, nil
}

// funcShapeOK reports whether a Function value can be decoded into a Go func
// of type ft.
func funcShapeOK(ft reflect.Type) bool {
	switch ft.NumOut() {
	case 0, 1:
		return true
	case 2:
		return ft.Out(1) == errorType
	}
	return false
}

func (s *signature) descriptor(name string) *core.Function {
	fn := &core.Function{
		Name:     name,
		Variadic: s.variadic != nil,
		Return:   core.TypeNull,
	}
	for i, p := range s.params {
		fn.Params = append(fn.Params, core.Param{Name: fmt.Sprintf("arg%d", i), Type: declaredTag(p)})
	}
	if s.result != nil {
		fn.Return = declaredTag(s.result)
	}
	return fn
}

func (s *signature) paramType(i int) reflect.Type {
	if i < len(s.params) {
		return s.params[i]
	}
	return s.variadic
}

// decodeArgs decodes call arguments. With m == borrow the results are only
// valid for the duration of the call.
func (s *signature) decodeArgs(c core.Core, name string, args []core.Handle, m mode) ([]reflect.Value, error) {
	in := make([]reflect.Value, 0, len(args)+1)
	if s.withCore {
		in = append(in, reflect.ValueOf(&c).Elem())
	}
	decoded := len(in)
	for i, a := range args {
		rt := s.paramType(i)
		v, err := decodeValue(c, a, rt, m)
		if err != nil {
			for _, done := range in[decoded:] {
				releaseValue(done)
			}
			return nil, &core.ThrownError{Value: c.CreateException(core.ExceptionInfo{
				Message: fmt.Sprintf("%s: argument %d: %v", name, i, err),
				Label:   "TypeError",
			})}
		}
		if !v.IsValid() {
			v = reflect.Zero(rt)
		}
		in = append(in, v)
	}
	return in, nil
}

// results turns the values f returned into an owned handle or an error the
// engine understands.
func (s *signature) results(c core.Core, out []reflect.Value) (core.Handle, error) {
	if s.hasErr {
		if errv := out[len(out)-1]; !errv.IsNil() {
			return core.Invalid, thrown(c, errv.Interface().(error))
		}
	}
	if s.result == nil {
		return core.Invalid, nil
	}
	enc, err := Encode(c, out[0].Interface())
	if err != nil {
		return core.Invalid, err
	}
	return enc.Take(), nil
}

// thrown keeps raised foreign values intact when a Go func passes them on.
func thrown(c core.Core, err error) error {
	if h, ok := raised(c, err); ok {
		return &core.ThrownError{Value: h}
	}
	return err
}

func panicked(c core.Core, name string, r any) error {
	log.Errorf("host function %s panicked: %v", name, r)
	return &core.ThrownError{Value: c.CreateException(core.ExceptionInfo{
		Message: fmt.Sprint(r),
		Label:   "Panic",
	})}
}

// Func builds a function descriptor calling the Go func f. A leading
// core.Core parameter receives the calling core. Arguments are decoded by
// declared type; f may return nothing, a value, an error, or a value and an
// error. Wrappers received as arguments are only valid during the call. An
// *Exception or *Throwable returned as the error is handed over.
func Func(name string, f any) (*core.Function, error) {
	sig, err := inspectFunc(f)
	if err != nil {
		return nil, err
	}
	desc := sig.descriptor(name)
	desc.Invoke = func(c core.Core, args []core.Handle) (h core.Handle, err error) {
		defer func() {
			if r := recover(); r != nil {
				h, err = core.Invalid, panicked(c, name, r)
			}
		}()
		in, err := sig.decodeArgs(c, name, args, borrow)
		if err != nil {
			return core.Invalid, err
		}
		return sig.results(c, sig.fn.Call(in))
	}
	return desc, nil
}

// MustFunc is Func that panics on an unsupported signature.
func MustFunc(name string, f any) *core.Function {
	fn, err := Func(name, f)
	if err != nil {
		panic(err)
	}
	return fn
}

// AsyncFunc is Func for slow work: f runs on its own goroutine and the call
// returns a Future settled with its result. Wrapper arguments hold their own
// copies and are released when f returns.
func AsyncFunc(name string, f any) (*core.Function, error) {
	sig, err := inspectFunc(f)
	if err != nil {
		return nil, err
	}
	desc := sig.descriptor(name)
	desc.Async = true
	desc.Invoke = func(c core.Core, args []core.Handle) (core.Handle, error) {
		in, err := sig.decodeArgs(c, name, args, copyWrap)
		if err != nil {
			return core.Invalid, err
		}
		fut, res := c.CreateFuture()
		go func() {
			h, err := callAsync(c, name, sig, in)
			switch {
			case err == nil:
				res.Resolve(h)
			default:
				var te *core.ThrownError
				if errors.As(err, &te) {
					res.Reject(te.Value)
				} else {
					res.Reject(errorValue(c, err))
				}
			}
		}()
		return fut, nil
	}
	return desc, nil
}

func callAsync(c core.Core, name string, sig *signature, in []reflect.Value) (h core.Handle, err error) {
	defer func() {
		for _, v := range in {
			releaseValue(v)
		}
		if r := recover(); r != nil {
			h, err = core.Invalid, panicked(c, name, r)
		}
	}()
	return sig.results(c, sig.fn.Call(in))
}

// makeFunc decodes a Function value into a Go func of type ft. The func owns
// a handle to the function, released once the func is garbage collected.
func makeFunc(c core.Core, h core.Handle, ft reflect.Type, m mode) (reflect.Value, bool, error) {
	fh, moved := h, true
	if m != own {
		fh, moved = c.ValueCopy(h), false
	}
	fw := NewFunction(c, fh)
	runtime.AddCleanup(fw, func(cl *cell) { cl.drop() }, fw.cell)

	var result reflect.Type
	hasErr := false
	switch ft.NumOut() {
	case 1:
		if ft.Out(0) == errorType {
			hasErr = true
		} else {
			result = ft.Out(0)
		}
	case 2:
		result, hasErr = ft.Out(0), true
	}

	fn := reflect.MakeFunc(ft, func(in []reflect.Value) []reflect.Value {
		args := make([]any, 0, len(in))
		for i, v := range in {
			if ft.IsVariadic() && i == len(in)-1 {
				for j := range v.Len() {
					args = append(args, v.Index(j).Interface())
				}
				continue
			}
			args = append(args, v.Interface())
		}

		var rv reflect.Value
		rh, err := dispatchEncoded(c, func(hs []core.Handle) (core.Handle, error) {
			return c.CallFunction(fw.Handle(), hs)
		}, args)
		switch {
		case err != nil:
		case c.ValueID(rh) == core.TypeThrowable:
			err = NewThrowable(c, rh)
		case result != nil:
			rv, err = decodeValue(c, rh, result, own)
		default:
			c.ValueDestroy(rh)
		}
		runtime.KeepAlive(fw)

		if err != nil && !hasErr {
			panic(err)
		}
		out := make([]reflect.Value, 0, 2)
		if result != nil {
			if !rv.IsValid() {
				rv = reflect.Zero(result)
			}
			out = append(out, rv)
		}
		if hasErr {
			errv := reflect.Zero(errorType)
			if err != nil {
				errv = reflect.ValueOf(&err).Elem()
			}
			out = append(out, errv)
		}
		return out
	})
	return fn, moved, nil
}
