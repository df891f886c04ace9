package codec

import "github.com/chazu/polycall/core"

// Dispatch performs one untyped call. args are borrowed; the result is owned
// by the caller.
type Dispatch func(args []core.Handle) (core.Handle, error)

// Invoke encodes args, dispatches, releases the arguments and decodes the
// owned result as its runtime tag. A Throwable result is returned as a
// *Throwable error.
func Invoke(c core.Core, dispatch Dispatch, args ...any) (any, error) {
	h, err := dispatchEncoded(c, dispatch, args)
	if err != nil {
		return nil, err
	}
	return Result(c, h)
}

// InvokeAs is Invoke decoding the result into T.
func InvokeAs[T any](c core.Core, dispatch Dispatch, args ...any) (T, error) {
	h, err := dispatchEncoded(c, dispatch, args)
	if err != nil {
		var zero T
		return zero, err
	}
	if c.ValueID(h) == core.TypeThrowable {
		var zero T
		return zero, NewThrowable(c, h)
	}
	return Decode[T](c, h)
}

func dispatchEncoded(c core.Core, dispatch Dispatch, args []any) (core.Handle, error) {
	enc, err := EncodeAll(c, args)
	if err != nil {
		return core.Invalid, err
	}
	defer enc.Release()
	return dispatch(enc.Handles)
}

// Result consumes an owned call result.
func Result(c core.Core, h core.Handle) (any, error) {
	if c.ValueID(h) == core.TypeThrowable {
		return nil, NewThrowable(c, h)
	}
	return DecodeAny(c, h)
}
