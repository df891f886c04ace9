package codec

import (
	"cmp"
	"fmt"
	"math"
	"reflect"
	"runtime"
	"slices"

	"github.com/chazu/polycall/core"
)

// Encoded is the result of encoding one Go value. Handle is valid until
// Release. Wrappers and Raw values encoded at top level are borrowed and
// survive Release.
type Encoded struct {
	Handle core.Handle

	c     core.Core
	owned bool
}

// Release destroys what the encoding allocated. It is safe to call more than
// once.
func (e *Encoded) Release() {
	if e.owned {
		e.owned = false
		e.c.ValueDestroy(e.Handle)
	}
}

// Take hands the handle over to the caller, who then owns it. A borrowed
// encoding is copied so the result is always owned.
func (e *Encoded) Take() core.Handle {
	if e.owned {
		e.owned = false
		return e.Handle
	}
	return e.c.ValueCopy(e.Handle)
}

// Args is an encoded argument list.
type Args struct {
	Handles []core.Handle
	items   []Encoded
}

// Release releases every argument.
func (a *Args) Release() {
	for i := range a.items {
		a.items[i].Release()
	}
}

// Encode converts x into a core value.
func Encode(c core.Core, x any) (Encoded, error) {
	h, owned, err := encode(c, x, false)
	if err != nil {
		return Encoded{}, err
	}
	return Encoded{Handle: h, c: c, owned: owned}, nil
}

// EncodeAll encodes an argument list. On error nothing stays allocated.
func EncodeAll(c core.Core, xs []any) (Args, error) {
	a := Args{Handles: make([]core.Handle, 0, len(xs)), items: make([]Encoded, 0, len(xs))}
	for i, x := range xs {
		enc, err := Encode(c, x)
		if err != nil {
			a.Release()
			return Args{}, fmt.Errorf("argument %d: %w", i, err)
		}
		a.items = append(a.items, enc)
		a.Handles = append(a.Handles, enc.Handle)
	}
	return a, nil
}

// MustEncode is Encode that panics on error, for values known to be
// encodable.
func MustEncode(c core.Core, x any) Encoded {
	enc, err := Encode(c, x)
	if err != nil {
		panic(err)
	}
	return enc
}

// encode returns the handle for x and whether the caller owns it. Nested
// values are always owned, since containers take ownership of elements.
func encode(c core.Core, x any, nested bool) (core.Handle, bool, error) {
	switch v := x.(type) {
	case nil:
		return c.CreateNull(), true, nil
	case Raw:
		if nested {
			return c.ValueCopy(core.Handle(v)), true, nil
		}
		return core.Handle(v), false, nil
	case Wrapper:
		if nested {
			return c.ValueCopy(v.Handle()), true, nil
		}
		return v.Handle(), false, nil
	case Null:
		return c.CreateNull(), true, nil
	case core.ExceptionInfo:
		return c.CreateException(v), true, nil
	case *core.Function:
		return c.CreateFunction(v), true, nil
	case *core.Class:
		return c.CreateClass(v), true, nil
	case error:
		return c.CreateException(core.ExceptionInfo{Message: v.Error(), Label: "Error"}), true, nil
	}
	h, err := encodeReflect(c, reflect.ValueOf(x))
	return h, err == nil, err
}

func encodeReflect(c core.Core, rv reflect.Value) (core.Handle, error) {
	switch rv.Kind() {
	case reflect.Bool:
		return c.CreateBool(rv.Bool()), nil
	case reflect.Uint8:
		return c.CreateChar(byte(rv.Uint())), nil
	case reflect.Int8, reflect.Int16:
		return c.CreateShort(int16(rv.Int())), nil
	case reflect.Uint16:
		return c.CreateInt(int32(rv.Uint())), nil
	case reflect.Int32:
		return c.CreateInt(int32(rv.Int())), nil
	case reflect.Int, reflect.Int64:
		return c.CreateLong(rv.Int()), nil
	case reflect.Uint32, reflect.Uint, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return core.Invalid, &RangeError{Value: u, Type: core.TypeLong.String()}
		}
		return c.CreateLong(int64(u)), nil
	case reflect.Float32:
		return c.CreateFloat(float32(rv.Float())), nil
	case reflect.Float64:
		return c.CreateDouble(rv.Float()), nil
	case reflect.String:
		s := rv.String()
		if err := core.CheckString(s); err != nil {
			return core.Invalid, err
		}
		return c.CreateString(s), nil
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			buf := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(buf), rv)
			return c.CreateBuffer(buf), nil
		}
		return encodeArray(c, rv)
	case reflect.Map:
		return encodeMap(c, rv)
	case reflect.Func:
		if rv.IsNil() {
			return c.CreateNull(), nil
		}
		fn, err := Func(runtime.FuncForPC(rv.Pointer()).Name(), rv.Interface())
		if err != nil {
			return core.Invalid, err
		}
		return c.CreateFunction(fn), nil
	case reflect.Pointer, reflect.Interface, reflect.Chan, reflect.UnsafePointer:
		if rv.IsNil() {
			return c.CreateNull(), nil
		}
	case reflect.Invalid:
		return c.CreateNull(), nil
	}
	return c.CreatePointer(rv.Interface()), nil
}

func encodeArray(c core.Core, rv reflect.Value) (core.Handle, error) {
	elems := make([]core.Handle, 0, rv.Len())
	for i := range rv.Len() {
		h, _, err := encode(c, rv.Index(i).Interface(), true)
		if err != nil {
			destroyAll(c, elems)
			return core.Invalid, fmt.Errorf("element %d: %w", i, err)
		}
		elems = append(elems, h)
	}
	return c.CreateArray(elems), nil
}

func encodeMap(c core.Core, rv reflect.Value) (core.Handle, error) {
	if rv.Type().Key().Kind() != reflect.String {
		return core.Invalid, &UnsupportedTypeError{
			Type:   rv.Type().String(),
			Reason: "map keys must be strings",
		}
	}
	keys := rv.MapKeys()
	slices.SortFunc(keys, func(a, b reflect.Value) int { return cmp.Compare(a.String(), b.String()) })

	pairs := make([]core.Handle, 0, len(keys))
	for _, k := range keys {
		if err := core.CheckString(k.String()); err != nil {
			destroyAll(c, pairs)
			return core.Invalid, err
		}
		v, _, err := encode(c, rv.MapIndex(k).Interface(), true)
		if err != nil {
			destroyAll(c, pairs)
			return core.Invalid, fmt.Errorf("key %q: %w", k.String(), err)
		}
		pairs = append(pairs, c.CreateArray([]core.Handle{c.CreateString(k.String()), v}))
	}
	return c.CreateMap(pairs), nil
}

func destroyAll(c core.Core, hs []core.Handle) {
	for _, h := range hs {
		c.ValueDestroy(h)
	}
}
