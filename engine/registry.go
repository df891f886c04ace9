package engine

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chazu/polycall/core"
)

// ---------------------------------------------------------------------------
// Arena: every live value, keyed by handle
// ---------------------------------------------------------------------------

// value is the stored form of an untyped value. data holds, per tag:
// bool, byte, int16, int32, int64, float32, float64, string, []byte,
// []core.Handle (Array and Map), any (Pointer), *future, *core.Function,
// nil (Null), *core.Class, *object, core.ExceptionInfo, core.Handle (Throwable).
type value struct {
	typ  core.Type
	data any
}

// Stats is the allocation accounting of the arena. Created and Destroyed
// count handles over the engine's lifetime; Live is the difference.
type Stats struct {
	Created   uint64
	Destroyed uint64
	Live      int
}

// arena stores values by handle. Handles start at 1 so the zero handle is
// never live.
type arena struct {
	mu     sync.RWMutex
	values map[core.Handle]*value
	nextID atomic.Uint64

	created   atomic.Uint64
	destroyed atomic.Uint64
}

func newArena() *arena {
	return &arena{values: make(map[core.Handle]*value)}
}

// put stores v and returns its new handle.
func (a *arena) put(typ core.Type, data any) core.Handle {
	h := core.Handle(a.nextID.Add(1))

	a.mu.Lock()
	a.values[h] = &value{typ: typ, data: data}
	a.mu.Unlock()

	a.created.Add(1)
	return h
}

// lookup returns the stored value or nil.
func (a *arena) lookup(h core.Handle) *value {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.values[h]
}

// get returns the stored value of tag want. A missing handle or a tag
// mismatch is a contract violation.
func (a *arena) get(h core.Handle, want core.Type) *value {
	v := a.lookup(h)
	if v == nil {
		panic(fmt.Sprintf("engine: use of unknown or destroyed handle %d", h))
	}
	if v.typ != want {
		panic(fmt.Sprintf("engine: handle %d holds %s, accessed as %s", h, v.typ, want))
	}
	return v
}

// take removes h and returns what it held. Destroying a handle twice is a
// contract violation.
func (a *arena) take(h core.Handle) *value {
	a.mu.Lock()
	v, ok := a.values[h]
	if ok {
		delete(a.values, h)
	}
	a.mu.Unlock()

	if !ok {
		panic(fmt.Sprintf("engine: destroy of unknown or already destroyed handle %d", h))
	}
	a.destroyed.Add(1)
	return v
}

// live returns the number of handles currently stored.
func (a *arena) live() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.values)
}

func (a *arena) stats() Stats {
	return Stats{
		Created:   a.created.Load(),
		Destroyed: a.destroyed.Load(),
		Live:      a.live(),
	}
}
