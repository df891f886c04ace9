package engine

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/chazu/polycall/core"
)

// ---------------------------------------------------------------------------
// Futures: one-shot settlement, callbacks on scheduler goroutines
// ---------------------------------------------------------------------------

// future is shared by every Future handle that refers to it. refs counts
// those handles plus registered continuations; the settled value is owned by
// the future and destroyed once it is settled and unreferenced.
type future struct {
	id uuid.UUID
	e  *Engine

	mu       sync.Mutex
	settled  bool
	rejected bool
	value    core.Handle
	refs     int
	waiters  []func()
}

func (e *Engine) newFuture() *future {
	return &future{id: uuid.New(), e: e}
}

func (f *future) retain() {
	f.mu.Lock()
	f.refs++
	f.mu.Unlock()
}

func (f *future) release() {
	f.mu.Lock()
	f.refs--
	var drop core.Handle
	if f.refs == 0 && f.settled {
		drop, f.value = f.value, core.Invalid
	}
	f.mu.Unlock()

	f.e.ValueDestroy(drop)
}

// settle takes ownership of v. Only the first call has an effect; it reports
// whether it won.
func (f *future) settle(v core.Handle, rejected bool) bool {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return false
	}
	if v == core.Invalid {
		v = f.e.CreateNull()
	}
	f.settled = true
	f.rejected = rejected
	f.value = v
	waiters := f.waiters
	f.waiters = nil
	var orphan core.Handle
	if f.refs == 0 {
		orphan, f.value = v, core.Invalid
	}
	f.mu.Unlock()

	f.e.ValueDestroy(orphan)
	for _, w := range waiters {
		f.e.schedule(w)
	}
	return true
}

// then runs fn on a scheduler goroutine once f is settled. The value passed
// to fn is borrowed and stays alive until fn returns.
func (f *future) then(fn func(v core.Handle, rejected bool)) {
	run := func() {
		defer f.release()
		f.mu.Lock()
		v, rejected := f.value, f.rejected
		f.mu.Unlock()
		fn(v, rejected)
	}

	f.mu.Lock()
	f.refs++
	if !f.settled {
		f.waiters = append(f.waiters, run)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.e.schedule(run)
}

// resolver is the producer side of a future.
type resolver struct {
	f *future
}

func (r resolver) Resolve(v core.Handle) { r.settle(v, false) }
func (r resolver) Reject(v core.Handle) { r.settle(v, true) }

func (r resolver) settle(v core.Handle, rejected bool) {
	if !r.f.settle(v, rejected) {
		log.Warningf("future %s settled twice; dropping the late value", r.f.id)
		r.f.e.ValueDestroy(v)
	}
}

// schedule runs fn on its own goroutine, tracked so Destroy can wait for
// callbacks in flight.
func (e *Engine) schedule(fn func()) {
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		fn()
	}()
}

// ---------------------------------------------------------------------------
// Await
// ---------------------------------------------------------------------------

// Await calls name and chains resolve or reject onto its result. A result
// that is not a future is treated as already settled: a Throwable rejects,
// anything else resolves.
func (e *Engine) Await(name string, args []core.Handle, resolve, reject core.Callback, data any) (core.Handle, error) {
	r, err := e.Call(name, args)
	if err != nil {
		return core.Invalid, err
	}
	return e.awaitResult(r, resolve, reject, data)
}

// AwaitFunction is Await against a function value.
func (e *Engine) AwaitFunction(fn core.Handle, args []core.Handle, resolve, reject core.Callback, data any) (core.Handle, error) {
	r, err := e.CallFunction(fn, args)
	if err != nil {
		return core.Invalid, err
	}
	return e.awaitResult(r, resolve, reject, data)
}

func (e *Engine) awaitResult(r core.Handle, resolve, reject core.Callback, data any) (core.Handle, error) {
	if e.ValueID(r) == core.TypeFuture {
		defer e.ValueDestroy(r)
		return e.AwaitFuture(r, resolve, reject, data)
	}
	fut, res := e.CreateFuture()
	defer e.ValueDestroy(fut)
	if e.ValueID(r) == core.TypeThrowable {
		res.Reject(r)
	} else {
		res.Resolve(r)
	}
	return e.AwaitFuture(fut, resolve, reject, data)
}

// AwaitFuture registers resolve and reject on fut, which is borrowed, and
// returns the chained future. Exactly one callback runs, once, on a scheduler
// goroutine. Its return value settles the chained future: a Throwable
// rejects it, anything else resolves it. A nil callback passes the settled
// value through unchanged.
func (e *Engine) AwaitFuture(fut core.Handle, resolve, reject core.Callback, data any) (core.Handle, error) {
	v := e.arena.lookup(fut)
	if v == nil || v.typ != core.TypeFuture {
		return core.Invalid, fmt.Errorf("await of %s value: %w", e.ValueID(fut), core.ErrNotCallable)
	}
	src := v.data.(*future)

	out, res := e.CreateFuture()
	chained := res.(resolver).f

	src.then(func(value core.Handle, rejected bool) {
		cb := resolve
		if rejected {
			cb = reject
		}
		if cb == nil {
			chained.settle(e.ValueCopy(value), rejected)
			return
		}
		r := e.runCallback(cb, value, data)
		chained.settle(r, e.ValueID(r) == core.TypeThrowable)
	})
	return out, nil
}

// runCallback invokes cb, turning a panic into a Throwable.
func (e *Engine) runCallback(cb core.Callback, value core.Handle, data any) (r core.Handle) {
	defer func() {
		if p := recover(); p != nil {
			log.Errorf("future callback panicked: %v", p)
			r = e.CreateThrowable(e.CreateException(core.ExceptionInfo{
				Message: fmt.Sprint(p),
				Label:   "Panic",
			}))
		}
	}()
	return cb(value, data)
}
