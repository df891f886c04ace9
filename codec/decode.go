package codec

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/chazu/polycall/core"
)

// mode selects what a decode does with the handle it reads.
type mode int

const (
	// borrow leaves the handle alive; wrappers borrow it.
	borrow mode = iota
	// own consumes the handle: it is destroyed unless it moves into a
	// wrapper or a Raw.
	own
	// copyWrap leaves the handle alive but gives wrappers their own copy.
	// Elements of an owned container are decoded this way.
	copyWrap
)

func (m mode) child() mode {
	if m == borrow {
		return borrow
	}
	return copyWrap
}

var anyType = reflect.TypeFor[any]()

// DecodeAny decodes h as its runtime tag and consumes it.
func DecodeAny(c core.Core, h core.Handle) (any, error) {
	return decodeAs[any](c, h, own)
}

// DecodeAnyLeak decodes h as its runtime tag and leaves it alive. Wrappers in
// the result borrow from h.
func DecodeAnyLeak(c core.Core, h core.Handle) (any, error) {
	return decodeAs[any](c, h, borrow)
}

// Decode decodes h into T and consumes it. When the runtime tag does not fit
// T, the error is a *core.CastError carrying the value decoded as its true
// type.
func Decode[T any](c core.Core, h core.Handle) (T, error) {
	return decodeAs[T](c, h, own)
}

// DecodeLeak is Decode without consuming h.
func DecodeLeak[T any](c core.Core, h core.Handle) (T, error) {
	return decodeAs[T](c, h, borrow)
}

// Assign decodes h into the variable ptr points to, without consuming h.
// Wrappers in the result hold their own copies, so the value may outlive h.
func Assign(c core.Core, h core.Handle, ptr any) error {
	dst := reflect.ValueOf(ptr)
	if dst.Kind() != reflect.Pointer || dst.IsNil() {
		return &UnsupportedTypeError{Type: fmt.Sprintf("%T", ptr), Reason: "assign target must be a non-nil pointer"}
	}
	rv, err := decodeValue(c, h, dst.Type().Elem(), copyWrap)
	if err != nil {
		return err
	}
	if rv.IsValid() {
		dst.Elem().Set(rv)
	} else {
		dst.Elem().SetZero()
	}
	return nil
}

func decodeAs[T any](c core.Core, h core.Handle, m mode) (T, error) {
	var out T
	rv, err := decodeValue(c, h, reflect.TypeFor[T](), m)
	if err != nil {
		return out, err
	}
	if rv.IsValid() {
		reflect.ValueOf(&out).Elem().Set(rv)
	}
	return out, nil
}

func decodeValue(c core.Core, h core.Handle, rt reflect.Type, m mode) (reflect.Value, error) {
	got := c.ValueID(h)
	var (
		rv    reflect.Value
		moved bool
		err   error
	)
	if matches(c, h, rt) {
		rv, moved, err = extract(c, h, rt, m)
	} else {
		var fallback reflect.Value
		fallback, moved, err = extract(c, h, anyType, m)
		if err == nil {
			var v any
			if fallback.IsValid() {
				v = fallback.Interface()
			}
			err = &core.CastError{Want: declaredTag(rt), Got: got, Value: v}
		}
	}
	if m == own && !moved && got != core.TypeInvalid {
		c.ValueDestroy(h)
	}
	if err != nil {
		return reflect.Value{}, err
	}
	return rv, nil
}

// matches reports whether h can be decoded into rt without falling back. It
// does not allocate or consume anything.
func matches(c core.Core, h core.Handle, rt reflect.Type) bool {
	tag := c.ValueID(h)
	if !tag.Valid() {
		return false
	}
	if want, ok := wrapperTags[rt]; ok {
		return tag == want
	}
	switch rt {
	case rawType:
		return true
	case nullType:
		return tag == core.TypeNull
	case errorType:
		return tag == core.TypeException || tag == core.TypeThrowable
	}

	switch rt.Kind() {
	case reflect.Interface:
		if rt.NumMethod() == 0 {
			return true
		}
		return tag == core.TypePointer && implements(c.ValueToPointer(h), rt)
	case reflect.Bool, reflect.Float32, reflect.Float64, reflect.String:
		return tag == declaredTag(rt)
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int, reflect.Int64:
		if tag != declaredTag(rt) {
			return false
		}
		return !reflect.Zero(rt).OverflowInt(signedOf(c, h, tag))
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint, reflect.Uint64, reflect.Uintptr:
		if tag != declaredTag(rt) {
			return false
		}
		n := signedOf(c, h, tag)
		return n >= 0 && !reflect.Zero(rt).OverflowUint(uint64(n))
	case reflect.Slice, reflect.Array:
		if rt.Elem().Kind() == reflect.Uint8 {
			return tag == core.TypeBuffer &&
				(rt.Kind() == reflect.Slice || rt.Len() == c.ValueCount(h))
		}
		if tag != core.TypeArray {
			return false
		}
		elems := c.ValueToArray(h)
		if rt.Kind() == reflect.Array && rt.Len() != len(elems) {
			return false
		}
		for _, e := range elems {
			if !matches(c, e, rt.Elem()) {
				return false
			}
		}
		return true
	case reflect.Map:
		if tag != core.TypeMap || rt.Key().Kind() != reflect.String {
			return false
		}
		for _, pair := range c.ValueToMap(h) {
			kv := c.ValueToArray(pair)
			if c.ValueID(kv[0]) != core.TypeString || !matches(c, kv[1], rt.Elem()) {
				return false
			}
		}
		return true
	case reflect.Func:
		return tag == core.TypeFunction && funcShapeOK(rt)
	}
	return tag == core.TypePointer && implements(c.ValueToPointer(h), rt)
}

func implements(v any, rt reflect.Type) bool {
	return v != nil && reflect.TypeOf(v).AssignableTo(rt)
}

// signedOf reads an integer-tagged value widened to int64.
func signedOf(c core.Core, h core.Handle, tag core.Type) int64 {
	switch tag {
	case core.TypeChar:
		return int64(c.ValueToChar(h))
	case core.TypeShort:
		return int64(c.ValueToShort(h))
	case core.TypeInt:
		return int64(c.ValueToInt(h))
	case core.TypeLong:
		return c.ValueToLong(h)
	}
	panic(fmt.Sprintf("codec: %s is not an integer tag", tag))
}

// extract decodes h into rt. It reports whether the handle moved into the
// result, in which case an owning decode must not destroy it.
func extract(c core.Core, h core.Handle, rt reflect.Type, m mode) (reflect.Value, bool, error) {
	tag := c.ValueID(h)
	if _, ok := wrapperTags[rt]; ok {
		return wrapMode(c, h, m)
	}
	switch rt {
	case rawType:
		switch m {
		case own:
			return reflect.ValueOf(Raw(h)), true, nil
		case copyWrap:
			return reflect.ValueOf(Raw(c.ValueCopy(h))), false, nil
		}
		return reflect.ValueOf(Raw(h)), false, nil
	case nullType:
		return reflect.ValueOf(Null{}), false, nil
	case errorType:
		return wrapMode(c, h, m)
	}

	out := reflect.New(rt).Elem()
	switch rt.Kind() {
	case reflect.Interface:
		if rt.NumMethod() > 0 {
			out.Set(reflect.ValueOf(c.ValueToPointer(h)))
			return out, false, nil
		}
		ev, moved, err := extractAny(c, h, m)
		if err == nil && ev.IsValid() {
			out.Set(ev)
		}
		return out, moved, err
	case reflect.Bool:
		out.SetBool(c.ValueToBool(h))
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int, reflect.Int64:
		out.SetInt(signedOf(c, h, tag))
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint, reflect.Uint64, reflect.Uintptr:
		out.SetUint(uint64(signedOf(c, h, tag)))
	case reflect.Float32:
		out.SetFloat(float64(c.ValueToFloat(h)))
	case reflect.Float64:
		out.SetFloat(c.ValueToDouble(h))
	case reflect.String:
		out.SetString(strings.Clone(c.ValueToString(h)))
	case reflect.Slice, reflect.Array:
		if rt.Elem().Kind() == reflect.Uint8 {
			buf := c.ValueToBuffer(h)
			if rt.Kind() == reflect.Slice {
				out = reflect.MakeSlice(rt, len(buf), len(buf))
			}
			reflect.Copy(out, reflect.ValueOf(buf))
			return out, false, nil
		}
		elems := c.ValueToArray(h)
		if rt.Kind() == reflect.Slice {
			out = reflect.MakeSlice(rt, len(elems), len(elems))
		}
		for i, e := range elems {
			ev, _, err := extract(c, e, rt.Elem(), m.child())
			if err != nil {
				releaseValue(out)
				return reflect.Value{}, false, err
			}
			out.Index(i).Set(ev)
		}
	case reflect.Map:
		pairs := c.ValueToMap(h)
		out = reflect.MakeMapWithSize(rt, len(pairs))
		for _, pair := range pairs {
			kv := c.ValueToArray(pair)
			key := reflect.ValueOf(strings.Clone(c.ValueToString(kv[0]))).Convert(rt.Key())
			ev, _, err := extract(c, kv[1], rt.Elem(), m.child())
			if err != nil {
				releaseValue(out)
				return reflect.Value{}, false, err
			}
			out.SetMapIndex(key, ev)
		}
	case reflect.Func:
		return makeFunc(c, h, rt, m)
	default:
		out.Set(reflect.ValueOf(c.ValueToPointer(h)))
	}
	return out, false, nil
}

// extractAny is the polymorphic decode: the Go type follows the runtime tag.
func extractAny(c core.Core, h core.Handle, m mode) (reflect.Value, bool, error) {
	switch tag := c.ValueID(h); tag {
	case core.TypeBool:
		return reflect.ValueOf(c.ValueToBool(h)), false, nil
	case core.TypeChar:
		return reflect.ValueOf(c.ValueToChar(h)), false, nil
	case core.TypeShort:
		return reflect.ValueOf(c.ValueToShort(h)), false, nil
	case core.TypeInt:
		return reflect.ValueOf(c.ValueToInt(h)), false, nil
	case core.TypeLong:
		return reflect.ValueOf(c.ValueToLong(h)), false, nil
	case core.TypeFloat:
		return reflect.ValueOf(c.ValueToFloat(h)), false, nil
	case core.TypeDouble:
		return reflect.ValueOf(c.ValueToDouble(h)), false, nil
	case core.TypeString:
		return reflect.ValueOf(strings.Clone(c.ValueToString(h))), false, nil
	case core.TypeBuffer:
		return reflect.ValueOf(append([]byte{}, c.ValueToBuffer(h)...)), false, nil
	case core.TypeArray:
		elems := c.ValueToArray(h)
		out := make([]any, len(elems))
		for i, e := range elems {
			ev, _, err := extractAny(c, e, m.child())
			if err != nil {
				releaseValue(reflect.ValueOf(out))
				return reflect.Value{}, false, err
			}
			if ev.IsValid() {
				out[i] = ev.Interface()
			}
		}
		return reflect.ValueOf(out), false, nil
	case core.TypeMap:
		pairs := c.ValueToMap(h)
		out := make(map[string]any, len(pairs))
		for _, pair := range pairs {
			kv := c.ValueToArray(pair)
			if kt := c.ValueID(kv[0]); kt != core.TypeString {
				releaseValue(reflect.ValueOf(out))
				return reflect.Value{}, false, &UnsupportedTypeError{
					Type:   "Map",
					Reason: fmt.Sprintf("key of type %s", kt),
				}
			}
			ev, _, err := extractAny(c, kv[1], m.child())
			if err != nil {
				releaseValue(reflect.ValueOf(out))
				return reflect.Value{}, false, err
			}
			var v any
			if ev.IsValid() {
				v = ev.Interface()
			}
			out[strings.Clone(c.ValueToString(kv[0]))] = v
		}
		return reflect.ValueOf(out), false, nil
	case core.TypeNull, core.TypeInvalid:
		return reflect.Value{}, false, nil
	}
	return wrapMode(c, h, m)
}

func wrapMode(c core.Core, h core.Handle, m mode) (reflect.Value, bool, error) {
	switch m {
	case own:
		return reflect.ValueOf(wrap(c, h, false)), true, nil
	case copyWrap:
		return reflect.ValueOf(wrap(c, c.ValueCopy(h), false)), false, nil
	}
	return reflect.ValueOf(wrap(c, h, true)), false, nil
}

// releaseValue releases every wrapper reachable from a partially decoded
// value.
func releaseValue(rv reflect.Value) {
	if !rv.IsValid() {
		return
	}
	switch rv.Kind() {
	case reflect.Interface:
		if !rv.IsNil() {
			releaseValue(rv.Elem())
		}
		return
	case reflect.Slice, reflect.Array:
		for i := range rv.Len() {
			releaseValue(rv.Index(i))
		}
		return
	case reflect.Map:
		iter := rv.MapRange()
		for iter.Next() {
			releaseValue(iter.Value())
		}
		return
	case reflect.Pointer:
		if rv.IsNil() {
			return
		}
	}
	if rv.CanInterface() {
		if w, ok := rv.Interface().(Wrapper); ok {
			w.Release()
		}
	}
}
