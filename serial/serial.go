// Package serial turns untyped values into CBOR bytes and back.
//
// Every value is written as a two element array [tag, payload] so the exact
// core type survives a round trip: a Char stays a Char and a Map keeps its
// key types and entry order. Values that only mean something inside one
// process (Pointer, Future, Function, Class and Object) cannot be serialized.
package serial

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/polycall/codec"
	"github.com/chazu/polycall/core"
)

// maxDepth bounds container nesting on both sides.
const maxDepth = 512

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("serial: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// UnsupportedError reports a value whose type has no wire form.
type UnsupportedError struct {
	Type core.Type
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("serial: %s values cannot be serialized", e.Type)
}

// node is the wire form of one value.
type node struct {
	_   struct{} `cbor:",toarray"`
	Tag core.Type
	Val any
}

// rawNode is node with the payload left undecoded until the tag is known.
type rawNode struct {
	_   struct{} `cbor:",toarray"`
	Tag core.Type
	Val cbor.RawMessage
}

type exception struct {
	Message    string `cbor:"1,keyasint,omitempty"`
	Label      string `cbor:"2,keyasint,omitempty"`
	Code       int64  `cbor:"3,keyasint,omitempty"`
	Stacktrace string `cbor:"4,keyasint,omitempty"`
}

// Marshal serializes the value behind h, which is borrowed.
func Marshal(c core.Core, h core.Handle) ([]byte, error) {
	n, err := toNode(c, h, 0)
	if err != nil {
		return nil, err
	}
	return cborEncMode.Marshal(n)
}

// Unmarshal rebuilds a value from data. The returned handle is owned by the
// caller.
func Unmarshal(c core.Core, data []byte) (core.Handle, error) {
	h, err := fromRaw(c, data, 0)
	if err != nil {
		return core.Invalid, fmt.Errorf("serial: unmarshal: %w", err)
	}
	return h, nil
}

// Serialize encodes the Go value x through the codec and marshals it.
func Serialize(c core.Core, x any) ([]byte, error) {
	enc, err := codec.Encode(c, x)
	if err != nil {
		return nil, err
	}
	defer enc.Release()
	return Marshal(c, enc.Handle)
}

// Deserialize unmarshals data and decodes it as its runtime tag.
func Deserialize(c core.Core, data []byte) (any, error) {
	h, err := Unmarshal(c, data)
	if err != nil {
		return nil, err
	}
	return codec.DecodeAny(c, h)
}

// DeserializeAs unmarshals data and decodes it into T.
func DeserializeAs[T any](c core.Core, data []byte) (T, error) {
	h, err := Unmarshal(c, data)
	if err != nil {
		var zero T
		return zero, err
	}
	return codec.Decode[T](c, h)
}

func toNode(c core.Core, h core.Handle, depth int) (node, error) {
	if depth > maxDepth {
		return node{}, fmt.Errorf("serial: values nested deeper than %d", maxDepth)
	}
	tag := c.ValueID(h)
	n := node{Tag: tag}
	switch tag {
	case core.TypeBool:
		n.Val = c.ValueToBool(h)
	case core.TypeChar:
		n.Val = c.ValueToChar(h)
	case core.TypeShort:
		n.Val = c.ValueToShort(h)
	case core.TypeInt:
		n.Val = c.ValueToInt(h)
	case core.TypeLong:
		n.Val = c.ValueToLong(h)
	case core.TypeFloat:
		n.Val = c.ValueToFloat(h)
	case core.TypeDouble:
		n.Val = c.ValueToDouble(h)
	case core.TypeString:
		n.Val = c.ValueToString(h)
	case core.TypeBuffer:
		n.Val = c.ValueToBuffer(h)
	case core.TypeNull:
	case core.TypeArray, core.TypeMap:
		// A map is its list of [key, value] pairs, which are arrays too.
		var elems []core.Handle
		if tag == core.TypeMap {
			elems = c.ValueToMap(h)
		} else {
			elems = c.ValueToArray(h)
		}
		out := make([]node, len(elems))
		for i, el := range elems {
			en, err := toNode(c, el, depth+1)
			if err != nil {
				return node{}, err
			}
			out[i] = en
		}
		n.Val = out
	case core.TypeException:
		info := c.ValueToException(h)
		n.Val = exception{Message: info.Message, Label: info.Label, Code: info.Code, Stacktrace: info.Stacktrace}
	case core.TypeThrowable:
		inner, err := toNode(c, c.ValueToThrowable(h), depth+1)
		if err != nil {
			return node{}, err
		}
		n.Val = inner
	default:
		return node{}, &UnsupportedError{Type: tag}
	}
	return n, nil
}

func fromRaw(c core.Core, data []byte, depth int) (core.Handle, error) {
	if depth > maxDepth {
		return core.Invalid, fmt.Errorf("values nested deeper than %d", maxDepth)
	}
	var n rawNode
	if err := cbor.Unmarshal(data, &n); err != nil {
		return core.Invalid, err
	}
	switch n.Tag {
	case core.TypeBool:
		return scalar(n, c.CreateBool)
	case core.TypeChar:
		return scalar(n, c.CreateChar)
	case core.TypeShort:
		return scalar(n, c.CreateShort)
	case core.TypeInt:
		return scalar(n, c.CreateInt)
	case core.TypeLong:
		return scalar(n, c.CreateLong)
	case core.TypeFloat:
		return scalar(n, c.CreateFloat)
	case core.TypeDouble:
		return scalar(n, c.CreateDouble)
	case core.TypeBuffer:
		return scalar(n, c.CreateBuffer)
	case core.TypeString:
		var s string
		if err := cbor.Unmarshal(n.Val, &s); err != nil {
			return core.Invalid, fmt.Errorf("%s payload: %w", n.Tag, err)
		}
		if err := core.CheckString(s); err != nil {
			return core.Invalid, err
		}
		return c.CreateString(s), nil
	case core.TypeNull:
		return c.CreateNull(), nil
	case core.TypeArray, core.TypeMap:
		return container(c, n, depth)
	case core.TypeException:
		var ex exception
		if err := cbor.Unmarshal(n.Val, &ex); err != nil {
			return core.Invalid, fmt.Errorf("%s payload: %w", n.Tag, err)
		}
		return c.CreateException(core.ExceptionInfo{
			Message:    ex.Message,
			Label:      ex.Label,
			Code:       ex.Code,
			Stacktrace: ex.Stacktrace,
		}), nil
	case core.TypeThrowable:
		inner, err := fromRaw(c, n.Val, depth+1)
		if err != nil {
			return core.Invalid, err
		}
		return c.CreateThrowable(inner), nil
	}
	if n.Tag.Valid() {
		return core.Invalid, &UnsupportedError{Type: n.Tag}
	}
	return core.Invalid, fmt.Errorf("unknown type tag %d", int(n.Tag))
}

func scalar[T any](n rawNode, create func(T) core.Handle) (core.Handle, error) {
	var v T
	if err := cbor.Unmarshal(n.Val, &v); err != nil {
		return core.Invalid, fmt.Errorf("%s payload: %w", n.Tag, err)
	}
	return create(v), nil
}

func container(c core.Core, n rawNode, depth int) (core.Handle, error) {
	var raws []cbor.RawMessage
	if err := cbor.Unmarshal(n.Val, &raws); err != nil {
		return core.Invalid, fmt.Errorf("%s payload: %w", n.Tag, err)
	}
	elems := make([]core.Handle, 0, len(raws))
	fail := func(err error) (core.Handle, error) {
		for _, h := range elems {
			c.ValueDestroy(h)
		}
		return core.Invalid, err
	}
	for i, raw := range raws {
		h, err := fromRaw(c, raw, depth+1)
		if err != nil {
			return fail(fmt.Errorf("%s element %d: %w", n.Tag, i, err))
		}
		elems = append(elems, h)
		if n.Tag == core.TypeMap && (c.ValueID(h) != core.TypeArray || c.ValueCount(h) != 2) {
			return fail(fmt.Errorf("map entry %d is not a [key, value] pair", i))
		}
	}
	if n.Tag == core.TypeMap {
		return c.CreateMap(elems), nil
	}
	return c.CreateArray(elems), nil
}
