// Package core defines the boundary between host bindings and the polyglot
// call runtime: value type tags, opaque value handles, the runtime interface
// every binding talks to, and the error taxonomy shared by all layers.
package core

import "fmt"

// Type is the runtime tag of an untyped value. The numeric order matches the
// core ABI and must not change.
type Type int

const (
	TypeBool Type = iota
	TypeChar
	TypeShort
	TypeInt
	TypeLong
	TypeFloat
	TypeDouble
	TypeString
	TypeBuffer
	TypeArray
	TypeMap
	TypePointer
	TypeFuture
	TypeFunction
	TypeNull
	TypeClass
	TypeObject
	TypeException
	TypeThrowable

	// TypeInvalid marks "no type": an unknown handle, or a parameter that
	// accepts any value.
	TypeInvalid
)

// NumTypes is the number of valid tags.
const NumTypes = int(TypeInvalid)

var typeNames = [...]string{
	TypeBool:      "Bool",
	TypeChar:      "Char",
	TypeShort:     "Short",
	TypeInt:       "Int",
	TypeLong:      "Long",
	TypeFloat:     "Float",
	TypeDouble:    "Double",
	TypeString:    "String",
	TypeBuffer:    "Buffer",
	TypeArray:     "Array",
	TypeMap:       "Map",
	TypePointer:   "Pointer",
	TypeFuture:    "Future",
	TypeFunction:  "Function",
	TypeNull:      "Null",
	TypeClass:     "Class",
	TypeObject:    "Object",
	TypeException: "Exception",
	TypeThrowable: "Throwable",
	TypeInvalid:   "Invalid",
}

// String returns the canonical tag name.
func (t Type) String() string {
	if t < 0 || t > TypeInvalid {
		return fmt.Sprintf("Type(%d)", int(t))
	}
	return typeNames[t]
}

// Valid reports whether t is one of the 19 value tags.
func (t Type) Valid() bool {
	return t >= TypeBool && t < TypeInvalid
}

// IsNumeric reports whether t is one of the five numeric tags
// (Short, Int, Long, Float, Double).
func (t Type) IsNumeric() bool {
	switch t {
	case TypeShort, TypeInt, TypeLong, TypeFloat, TypeDouble:
		return true
	}
	return false
}

// IsContainer reports whether values of this tag own other handles.
func (t Type) IsContainer() bool {
	return t == TypeArray || t == TypeMap || t == TypeThrowable
}

// ParseType resolves a canonical tag name (case-sensitive) to its Type.
func ParseType(name string) (Type, error) {
	for i, n := range typeNames {
		if n == name && Type(i) != TypeInvalid {
			return Type(i), nil
		}
	}
	return TypeInvalid, fmt.Errorf("unknown value type %q", name)
}

// Handle is an opaque reference to a value owned by the core. The holder of a
// handle must destroy it exactly once; see the ownership notes on Core.
type Handle uint64

// Invalid is never a live handle.
const Invalid Handle = 0

// Module identifies a loaded code unit (the loader sense of "handle").
type Module uint64

// NoModule is the module of host-registered symbols.
const NoModule Module = 0
