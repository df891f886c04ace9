package engine

import (
	"slices"

	"github.com/chazu/polycall/core"
)

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

func (e *Engine) CreateBool(v bool) core.Handle { return e.arena.put(core.TypeBool, v) }
func (e *Engine) CreateChar(v byte) core.Handle { return e.arena.put(core.TypeChar, v) }
func (e *Engine) CreateShort(v int16) core.Handle { return e.arena.put(core.TypeShort, v) }
func (e *Engine) CreateInt(v int32) core.Handle { return e.arena.put(core.TypeInt, v) }
func (e *Engine) CreateLong(v int64) core.Handle { return e.arena.put(core.TypeLong, v) }
func (e *Engine) CreateFloat(v float32) core.Handle { return e.arena.put(core.TypeFloat, v) }
func (e *Engine) CreateDouble(v float64) core.Handle { return e.arena.put(core.TypeDouble, v) }
func (e *Engine) CreateString(v string) core.Handle { return e.arena.put(core.TypeString, v) }
func (e *Engine) CreatePointer(v any) core.Handle { return e.arena.put(core.TypePointer, v) }
func (e *Engine) CreateNull() core.Handle { return e.arena.put(core.TypeNull, nil) }
func (e *Engine) CreateClass(cls *core.Class) core.Handle {
	return e.arena.put(core.TypeClass, cls)
}

// CreateBuffer copies v into a new Buffer value.
func (e *Engine) CreateBuffer(v []byte) core.Handle {
	return e.arena.put(core.TypeBuffer, slices.Clone(v))
}

// CreateArray takes ownership of elems.
func (e *Engine) CreateArray(elems []core.Handle) core.Handle {
	return e.arena.put(core.TypeArray, slices.Clone(elems))
}

// CreateMap takes ownership of pairs. Each pair is an Array of two elements,
// key then value.
func (e *Engine) CreateMap(pairs []core.Handle) core.Handle {
	return e.arena.put(core.TypeMap, slices.Clone(pairs))
}

// CreateFunction wraps a function descriptor as a first-class value.
func (e *Engine) CreateFunction(fn *core.Function) core.Handle {
	return e.arena.put(core.TypeFunction, fn)
}

// CreateObject wraps an instance of cls.
func (e *Engine) CreateObject(cls *core.Class, inst core.Instance) core.Handle {
	return e.arena.put(core.TypeObject, &object{class: cls, inst: inst})
}

func (e *Engine) CreateException(ex core.ExceptionInfo) core.Handle {
	return e.arena.put(core.TypeException, ex)
}

// CreateThrowable takes ownership of inner. An Invalid inner becomes Null.
func (e *Engine) CreateThrowable(inner core.Handle) core.Handle {
	if inner == core.Invalid {
		inner = e.CreateNull()
	}
	return e.arena.put(core.TypeThrowable, inner)
}

// CreateFuture returns an unsettled future and the resolver that settles it.
func (e *Engine) CreateFuture() (core.Handle, core.Resolver) {
	f := e.newFuture()
	f.retain()
	return e.arena.put(core.TypeFuture, f), resolver{f}
}

// ---------------------------------------------------------------------------
// Lifetime
// ---------------------------------------------------------------------------

// ValueID returns the tag of h, or TypeInvalid when h is not live.
func (e *Engine) ValueID(h core.Handle) core.Type {
	v := e.arena.lookup(h)
	if v == nil {
		return core.TypeInvalid
	}
	return v.typ
}

// ValueCount returns the element count of an Array or Map, the byte length
// of a String or Buffer, and 1 for everything else.
func (e *Engine) ValueCount(h core.Handle) int {
	v := e.arena.lookup(h)
	if v == nil {
		return 0
	}
	switch v.typ {
	case core.TypeArray, core.TypeMap:
		return len(v.data.([]core.Handle))
	case core.TypeString:
		return len(v.data.(string))
	case core.TypeBuffer:
		return len(v.data.([]byte))
	}
	return 1
}

// ValueSize returns the size in bytes of the value's payload. Strings count
// their terminator.
func (e *Engine) ValueSize(h core.Handle) int {
	v := e.arena.lookup(h)
	if v == nil {
		return 0
	}
	switch v.typ {
	case core.TypeBool, core.TypeChar:
		return 1
	case core.TypeShort:
		return 2
	case core.TypeInt, core.TypeFloat:
		return 4
	case core.TypeLong, core.TypeDouble:
		return 8
	case core.TypeString:
		return len(v.data.(string)) + 1
	case core.TypeBuffer:
		return len(v.data.([]byte))
	case core.TypeArray, core.TypeMap:
		return 8 * len(v.data.([]core.Handle))
	case core.TypeNull:
		return 0
	}
	return 8
}

// ValueCopy deep-copies h. Containers copy their elements; futures, functions,
// classes, objects and pointers share what they refer to.
func (e *Engine) ValueCopy(h core.Handle) core.Handle {
	v := e.arena.lookup(h)
	if v == nil {
		panic("engine: copy of unknown or destroyed handle")
	}
	switch v.typ {
	case core.TypeBuffer:
		return e.CreateBuffer(v.data.([]byte))
	case core.TypeArray, core.TypeMap:
		src := v.data.([]core.Handle)
		elems := make([]core.Handle, len(src))
		for i, c := range src {
			elems[i] = e.ValueCopy(c)
		}
		return e.arena.put(v.typ, elems)
	case core.TypeThrowable:
		return e.arena.put(core.TypeThrowable, e.ValueCopy(v.data.(core.Handle)))
	case core.TypeFuture:
		f := v.data.(*future)
		f.retain()
		return e.arena.put(core.TypeFuture, f)
	}
	return e.arena.put(v.typ, v.data)
}

// ValueDestroy releases h and everything it owns. Destroying Invalid is a
// no-op; destroying a handle twice panics.
func (e *Engine) ValueDestroy(h core.Handle) {
	if h == core.Invalid {
		return
	}
	v := e.arena.take(h)
	switch v.typ {
	case core.TypeArray, core.TypeMap:
		for _, c := range v.data.([]core.Handle) {
			e.ValueDestroy(c)
		}
	case core.TypeThrowable:
		e.ValueDestroy(v.data.(core.Handle))
	case core.TypeFuture:
		v.data.(*future).release()
	}
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

func (e *Engine) ValueToBool(h core.Handle) bool {
	return e.arena.get(h, core.TypeBool).data.(bool)
}

func (e *Engine) ValueToChar(h core.Handle) byte {
	return e.arena.get(h, core.TypeChar).data.(byte)
}

func (e *Engine) ValueToShort(h core.Handle) int16 {
	return e.arena.get(h, core.TypeShort).data.(int16)
}

func (e *Engine) ValueToInt(h core.Handle) int32 {
	return e.arena.get(h, core.TypeInt).data.(int32)
}

func (e *Engine) ValueToLong(h core.Handle) int64 {
	return e.arena.get(h, core.TypeLong).data.(int64)
}

func (e *Engine) ValueToFloat(h core.Handle) float32 {
	return e.arena.get(h, core.TypeFloat).data.(float32)
}

func (e *Engine) ValueToDouble(h core.Handle) float64 {
	return e.arena.get(h, core.TypeDouble).data.(float64)
}

func (e *Engine) ValueToString(h core.Handle) string {
	return e.arena.get(h, core.TypeString).data.(string)
}

// ValueToBuffer returns the buffer's backing store. Callers that keep the
// bytes past the handle's lifetime must copy them.
func (e *Engine) ValueToBuffer(h core.Handle) []byte {
	return e.arena.get(h, core.TypeBuffer).data.([]byte)
}

// ValueToArray returns the borrowed element handles.
func (e *Engine) ValueToArray(h core.Handle) []core.Handle {
	return slices.Clone(e.arena.get(h, core.TypeArray).data.([]core.Handle))
}

// ValueToMap returns the borrowed [key, value] pair handles.
func (e *Engine) ValueToMap(h core.Handle) []core.Handle {
	return slices.Clone(e.arena.get(h, core.TypeMap).data.([]core.Handle))
}

func (e *Engine) ValueToPointer(h core.Handle) any {
	return e.arena.get(h, core.TypePointer).data
}

func (e *Engine) ValueToFunction(h core.Handle) core.FunctionInfo {
	return e.arena.get(h, core.TypeFunction).data.(*core.Function).Info()
}

func (e *Engine) ValueToClass(h core.Handle) string {
	return e.arena.get(h, core.TypeClass).data.(*core.Class).Name
}

func (e *Engine) ValueToException(h core.Handle) core.ExceptionInfo {
	return e.arena.get(h, core.TypeException).data.(core.ExceptionInfo)
}

// ValueToThrowable returns the borrowed inner value.
func (e *Engine) ValueToThrowable(h core.Handle) core.Handle {
	return e.arena.get(h, core.TypeThrowable).data.(core.Handle)
}
