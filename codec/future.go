package codec

import (
	"context"
	"errors"
	"sync"

	"github.com/chazu/polycall/core"
)

// Future wraps a future value.
type Future struct{ ref }

func NewFuture(c core.Core, h core.Handle) *Future {
	mustTag(c, h, core.TypeFuture)
	w := &Future{}
	w.init(c, h, false)
	return w
}

func BorrowFuture(c core.Core, h core.Handle) *Future {
	mustTag(c, h, core.TypeFuture)
	w := &Future{}
	w.init(c, h, true)
	return w
}

// Continuation receives the settled value, decoded as its runtime tag, and
// returns the value of the chained future. Wrappers inside value are only
// valid during the call. Returning an error rejects the chained future.
type Continuation func(value any, data any) any

// Then chains decoded continuations onto the future. A nil continuation
// passes the value through unchanged.
func (f *Future) Then(resolve, reject Continuation, data any) (*Future, error) {
	f.live()
	c := f.cell.c
	return f.ThenRaw(continuation(c, resolve), continuation(c, reject), data)
}

// ThenRaw chains untyped callbacks onto the future.
func (f *Future) ThenRaw(resolve, reject core.Callback, data any) (*Future, error) {
	f.live()
	c := f.cell.c
	h, err := c.AwaitFuture(f.cell.h, resolve, reject, data)
	if err != nil {
		return nil, err
	}
	return NewFuture(c, h), nil
}

// Callback adapts a decoded continuation to the untyped callback the core
// invokes. A nil continuation stays nil.
func Callback(c core.Core, fn Continuation) core.Callback {
	return continuation(c, fn)
}

func continuation(c core.Core, fn Continuation) core.Callback {
	if fn == nil {
		return nil
	}
	return func(vh core.Handle, data any) core.Handle {
		v, err := DecodeAnyLeak(c, vh)
		if err != nil {
			return c.CreateThrowable(errorValue(c, err))
		}
		return Settlement(c, fn(v, data))
	}
}

// Settlement encodes the value a continuation returns into the handle that
// settles the chained future. Errors become Throwables and so reject it; a
// wrapper returned as the error is handed over.
func Settlement(c core.Core, v any) core.Handle {
	if err, ok := v.(error); ok && err != nil {
		h, ok := raised(c, err)
		if !ok {
			h = errorValue(c, err)
		}
		if c.ValueID(h) != core.TypeThrowable {
			h = c.CreateThrowable(h)
		}
		return h
	}
	enc, err := Encode(c, v)
	if err != nil {
		return c.CreateThrowable(errorValue(c, err))
	}
	return enc.Take()
}

// errorValue turns a Go error into an owned Exception handle.
func errorValue(c core.Core, err error) core.Handle {
	return c.CreateException(core.ExceptionInfo{Message: err.Error(), Label: "Error"})
}

// raised returns an owned handle for the Throwable or Exception carried by
// err. A wrapper returned directly as err is released after the copy.
func raised(c core.Core, err error) (core.Handle, bool) {
	var t *Throwable
	if errors.As(err, &t) {
		return handOver(c, err, t), true
	}
	var ex *Exception
	if errors.As(err, &ex) {
		return handOver(c, err, ex), true
	}
	return core.Invalid, false
}

func handOver[W interface {
	Wrapper
	error
}](c core.Core, err error, w W) core.Handle {
	h := c.ValueCopy(w.Handle())
	if error(w) == err {
		w.Release()
	}
	return h
}

type settled struct {
	h        core.Handle
	rejected bool
}

// Wait blocks until the future settles or ctx is done. A resolved value is
// decoded as its runtime tag; a rejection is returned as an error, an
// *Exception or *Throwable depending on what was rejected with.
func (f *Future) Wait(ctx context.Context) (any, error) {
	f.live()
	c := f.cell.c

	var (
		mu        sync.Mutex
		abandoned bool
	)
	ch := make(chan settled, 1)
	deliver := func(rejected bool) core.Callback {
		return func(vh core.Handle, _ any) core.Handle {
			mu.Lock()
			defer mu.Unlock()
			if !abandoned {
				ch <- settled{h: c.ValueCopy(vh), rejected: rejected}
			}
			return core.Invalid
		}
	}
	next, err := f.ThenRaw(deliver(false), deliver(true), nil)
	if err != nil {
		return nil, err
	}
	defer next.Release()

	select {
	case s := <-ch:
		if !s.rejected {
			return DecodeAny(c, s.h)
		}
		return nil, rejection(c, s.h)
	case <-ctx.Done():
		mu.Lock()
		abandoned = true
		mu.Unlock()
		select {
		case s := <-ch:
			c.ValueDestroy(s.h)
		default:
		}
		return nil, ctx.Err()
	}
}

// rejection takes ownership of h and turns it into an error.
func rejection(c core.Core, h core.Handle) error {
	switch c.ValueID(h) {
	case core.TypeThrowable:
		return NewThrowable(c, h)
	case core.TypeException:
		return NewException(c, h)
	}
	return NewThrowable(c, c.CreateThrowable(h))
}
