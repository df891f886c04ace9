// Package codec converts between Go values and untyped core values.
//
// Encoding produces an owned handle plus a release step. Decoding comes in
// two flavours: owning decodes consume the handle (destroying it, or moving it
// into a wrapper), borrowing ("leak") decodes leave it alive. Typed decodes
// check the runtime tag first and, on mismatch, hand back the value decoded
// as its true type inside a *core.CastError.
package codec

import (
	"fmt"
	"reflect"

	"github.com/tliron/commonlog"

	"github.com/chazu/polycall/core"
)

var log = commonlog.GetLogger("polycall.codec")

// Raw is an untyped handle passed through the codec unchanged. Encoding a Raw
// borrows it; decoding into Raw hands the handle over as is.
type Raw core.Handle

// RangeError reports a numeric value that does not fit the requested type.
type RangeError struct {
	Value any
	Type  string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("value %v out of range for %s", e.Value, e.Type)
}

// UnsupportedTypeError reports a Go type or a value shape the codec cannot
// represent, such as a map with non-string keys.
type UnsupportedTypeError struct {
	Type   string
	Reason string
}

func (e *UnsupportedTypeError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("unsupported type %s", e.Type)
	}
	return fmt.Sprintf("unsupported type %s: %s", e.Type, e.Reason)
}

var (
	rawType   = reflect.TypeFor[Raw]()
	errorType = reflect.TypeFor[error]()
	coreType  = reflect.TypeFor[core.Core]()
	nullType  = reflect.TypeFor[Null]()
)

// declaredTag returns the tag a Go type encodes to and decodes from, or
// TypeInvalid for types that accept any tag.
func declaredTag(t reflect.Type) core.Type {
	if tag, ok := wrapperTags[t]; ok {
		return tag
	}
	switch t {
	case rawType:
		return core.TypeInvalid
	case nullType:
		return core.TypeNull
	case errorType:
		return core.TypeException
	}
	switch t.Kind() {
	case reflect.Bool:
		return core.TypeBool
	case reflect.Uint8:
		return core.TypeChar
	case reflect.Int8, reflect.Int16:
		return core.TypeShort
	case reflect.Uint16, reflect.Int32:
		return core.TypeInt
	case reflect.Int, reflect.Int64, reflect.Uint32, reflect.Uint, reflect.Uint64, reflect.Uintptr:
		return core.TypeLong
	case reflect.Float32:
		return core.TypeFloat
	case reflect.Float64:
		return core.TypeDouble
	case reflect.String:
		return core.TypeString
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			return core.TypeBuffer
		}
		return core.TypeArray
	case reflect.Map:
		return core.TypeMap
	case reflect.Func:
		return core.TypeFunction
	case reflect.Interface:
		return core.TypeInvalid
	}
	return core.TypePointer
}
