package codec

import (
	"math"
	"reflect"

	"github.com/chazu/polycall/core"
)

// Number is the set of Go numeric types DecodeNumber converts to.
type Number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// DecodeNumber reads any numeric value (Char included) as T and consumes h.
// The conversion must be lossless: integers must fit, floats converted to
// integers must be integral, and doubles narrowed to float32 must round-trip.
// Otherwise the error is a *RangeError. A non-numeric tag gives a
// *core.CastError as with Decode.
func DecodeNumber[T Number](c core.Core, h core.Handle) (T, error) {
	return decodeNumber[T](c, h, own)
}

// DecodeNumberLeak is DecodeNumber without consuming h.
func DecodeNumberLeak[T Number](c core.Core, h core.Handle) (T, error) {
	return decodeNumber[T](c, h, borrow)
}

func decodeNumber[T Number](c core.Core, h core.Handle, m mode) (T, error) {
	var (
		out T
		err error
	)
	switch tag := c.ValueID(h); tag {
	case core.TypeChar, core.TypeShort, core.TypeInt, core.TypeLong:
		out, err = fromInt[T](signedOf(c, h, tag))
	case core.TypeFloat:
		out, err = fromFloat[T](float64(c.ValueToFloat(h)))
	case core.TypeDouble:
		out, err = fromFloat[T](c.ValueToDouble(h))
	default:
		// Not a number: report it the same way a typed decode would.
		return decodeAs[T](c, h, m)
	}
	if m == own {
		c.ValueDestroy(h)
	}
	return out, err
}

func kindOf[T Number]() reflect.Kind { return reflect.TypeFor[T]().Kind() }

func rangeError[T Number](v any) error {
	return &RangeError{Value: v, Type: reflect.TypeFor[T]().String()}
}

// Bounds of int64 as float64. The upper one is exclusive.
const (
	minInt64Float = -9223372036854775808.0
	maxInt64Float = 9223372036854775808.0
)

func fromInt[T Number](i int64) (T, error) {
	t := T(i)
	switch kindOf[T]() {
	case reflect.Float32, reflect.Float64:
		f := float64(t)
		if f >= minInt64Float && f < maxInt64Float && int64(f) == i {
			return t, nil
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if i >= 0 && uint64(t) == uint64(i) {
			return t, nil
		}
	default:
		if int64(t) == i {
			return t, nil
		}
	}
	return 0, rangeError[T](i)
}

func fromFloat[T Number](f float64) (T, error) {
	switch kindOf[T]() {
	case reflect.Float32, reflect.Float64:
		t := T(f)
		if float64(t) == f || math.IsNaN(f) {
			return t, nil
		}
		return 0, rangeError[T](f)
	}
	if f != math.Trunc(f) || f < minInt64Float || f >= maxInt64Float {
		return 0, rangeError[T](f)
	}
	t, err := fromInt[T](int64(f))
	if err != nil {
		return 0, rangeError[T](f)
	}
	return t, nil
}
