package js

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/chazu/polycall/codec"
	"github.com/chazu/polycall/core"
	"github.com/chazu/polycall/engine"
)

const module = `
function add(a, b) { return a + b; }
function greet(name, greeting = "hello") { return greeting + " " + name; }
function half(n) { return n / 2; }
function shape() { return { name: "sq", sides: [1, 2, 3, 4], ok: true, none: null }; }
function fail(msg) { const e = new Error(msg); e.name = "Custom"; e.code = 7; throw e; }
function apply(f, x) { return f(x); }
function id(v) { return v; }
let kept;
function keep(f) { kept = f; }
function useKept(x) { return kept(x); }
async function later(x) { return x * 2; }
async function viaHost(f, x) { const v = await f(x); return v + 1; }
async function refuse(msg) { throw new Error(msg); }

class Counter {
  constructor(start) { this.n = start; }
  inc() { this.n += Counter.step; return this.n; }
  static make() { return new Counter(5).n; }
}
Counter.step = 1;

module.exports = { add, greet, half, shape, fail, apply, id, keep, useKept, later, viaHost, refuse, Counter };
`

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e := engine.New(engine.WithBackend(Tag, New, "node"))
	if err := e.Initialize(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if e.IsInitialized() {
			e.Destroy()
		}
	})
	if _, err := e.LoadFromMemory(Tag, "m.js", []byte(module)); err != nil {
		t.Fatalf("load: %v", err)
	}
	return e
}

func call(e *engine.Engine, name string) codec.Dispatch {
	return func(args []core.Handle) (core.Handle, error) { return e.Call(name, args) }
}

func wait(t *testing.T, v any) (any, error) {
	t.Helper()
	fut, ok := v.(*codec.Future)
	if !ok {
		t.Fatalf("got %T, want a future", v)
	}
	defer fut.Release()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return fut.Wait(ctx)
}

func TestFunctions(t *testing.T) {
	e := newEngine(t)

	tests := []struct {
		fn   string
		args []any
		want any
	}{
		{"add", []any{1, 2}, int64(3)},
		{"add", []any{"a", "b"}, "ab"},
		{"greet", []any{"js"}, "hello js"},
		{"greet", []any{"js", "hi"}, "hi js"},
		{"half", []any{3}, 1.5},
		{"shape", nil, map[string]any{
			"name":  "sq",
			"sides": []any{int64(1), int64(2), int64(3), int64(4)},
			"ok":    true,
			"none":  nil,
		}},
	}
	for _, tt := range tests {
		got, err := codec.Invoke(e, call(e, tt.fn), tt.args...)
		if err != nil {
			t.Errorf("%s: %v", tt.fn, err)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s(%v) = %#v, want %#v", tt.fn, tt.args, got, tt.want)
		}
	}

	h, err := e.Function("greet")
	if err != nil {
		t.Fatal(err)
	}
	info := e.ValueToFunction(h)
	e.ValueDestroy(h)
	if len(info.Params) != 1 || info.Params[0].Name != "name" || !info.Variadic {
		t.Errorf("greet descriptor = %+v", info)
	}

	var ae *core.ArityError
	if _, err := e.Call("add", nil); !errors.As(err, &ae) {
		t.Errorf("arity: got %v", err)
	}
}

func TestThrownErrors(t *testing.T) {
	e := newEngine(t)

	_, err := codec.Invoke(e, call(e, "fail"), "boom")
	var ex *codec.Exception
	if !errors.As(err, &ex) {
		t.Fatalf("got %v, want an exception", err)
	}
	if ex.Message() != "boom" || ex.Label() != "Custom" || ex.Code() != 7 {
		t.Errorf("exception = %+v", ex.Info())
	}
	err.(*codec.Throwable).Release()
}

func TestHostCallback(t *testing.T) {
	e := newEngine(t)

	double := codec.MustFunc("double", func(n int64) int64 { return n * 2 })
	if got, err := codec.Invoke(e, call(e, "apply"), double, 21); err != nil || got != int64(42) {
		t.Errorf("apply = %v, %v", got, err)
	}

	failing := codec.MustFunc("failing", func(int64) error { return errors.New("host says no") })
	_, err := codec.Invoke(e, call(e, "apply"), failing, 0)
	var ex *codec.Exception
	if !errors.As(err, &ex) || ex.Message() != "host says no" {
		t.Errorf("host error: got %v", err)
	}
	if th, ok := err.(*codec.Throwable); ok {
		th.Release()
	}
}

func TestHostValuesLentPerCall(t *testing.T) {
	e := newEngine(t)

	double := codec.MustFunc("double", func(n int64) int64 { return n * 2 })
	before := e.Stats().Live
	for range 1000 {
		if got, err := codec.Invoke(e, call(e, "apply"), double, 21); err != nil || got != int64(42) {
			t.Fatalf("apply = %v, %v", got, err)
		}
	}
	if live := e.Stats().Live; live != before {
		t.Errorf("live handles = %d after 1000 calls, want %d", live, before)
	}

	v, err := codec.Invoke(e, call(e, "id"), double)
	if err != nil {
		t.Fatal(err)
	}
	fn, ok := v.(*codec.Function)
	if !ok {
		t.Fatalf("id returned %T, want a function", v)
	}
	if got, err := fn.Call(4); err != nil || got != int64(8) {
		t.Errorf("returned function = %v, %v", got, err)
	}
	fn.Release()

	if _, err := codec.Invoke(e, call(e, "keep"), double); err != nil {
		t.Fatal(err)
	}
	_, err = codec.Invoke(e, call(e, "useKept"), 1)
	var ex *codec.Exception
	if !errors.As(err, &ex) || !strings.Contains(ex.Message(), "released") {
		t.Errorf("stored host function: got %v", err)
	}
	if th, ok := err.(*codec.Throwable); ok {
		th.Release()
	}
	if live := e.Stats().Live; live != before {
		t.Errorf("live handles = %d, want %d", live, before)
	}
}

func TestPromises(t *testing.T) {
	e := newEngine(t)

	v, err := codec.Invoke(e, call(e, "later"), 21)
	if err != nil {
		t.Fatal(err)
	}
	if got, err := wait(t, v); err != nil || got != int64(42) {
		t.Errorf("later = %v, %v", got, err)
	}

	v, err = codec.Invoke(e, call(e, "refuse"), "no")
	if err != nil {
		t.Fatal(err)
	}
	_, err = wait(t, v)
	var ex *codec.Exception
	if !errors.As(err, &ex) || ex.Message() != "no" {
		t.Errorf("refuse: got %v", err)
	}
}

func TestAwaitHostFuture(t *testing.T) {
	e := newEngine(t)

	slow, err := codec.AsyncFunc("slowDouble", func(n int64) int64 {
		time.Sleep(10 * time.Millisecond)
		return n * 2
	})
	if err != nil {
		t.Fatal(err)
	}
	v, err := codec.Invoke(e, call(e, "viaHost"), slow, 20)
	if err != nil {
		t.Fatal(err)
	}
	if got, err := wait(t, v); err != nil || got != int64(41) {
		t.Errorf("viaHost = %v, %v", got, err)
	}
}

func TestClass(t *testing.T) {
	e := newEngine(t)

	h, err := e.Class("Counter")
	if err != nil {
		t.Fatal(err)
	}
	cls := codec.NewClass(e, h)
	defer cls.Release()

	obj, err := cls.New("c", 10)
	if err != nil {
		t.Fatal(err)
	}
	defer obj.Release()
	if v, err := obj.Call("inc"); err != nil || v != int64(11) {
		t.Errorf("inc = %v, %v", v, err)
	}
	if err := cls.Set("step", 5); err != nil {
		t.Fatal(err)
	}
	if v, _ := obj.Call("inc"); v != int64(16) {
		t.Errorf("inc after step change = %v", v)
	}
	if v, _ := cls.Call("make"); v != int64(5) {
		t.Errorf("make = %v", v)
	}
	if _, err := obj.Get("missing"); !errors.Is(err, core.ErrAttributeNotFound) {
		t.Errorf("missing attribute: got %v", err)
	}
	if _, err := obj.Call("missing"); !errors.Is(err, core.ErrMethodNotFound) {
		t.Errorf("missing method: got %v", err)
	}
}

func TestGlobalDeclarations(t *testing.T) {
	e := newEngine(t)
	if _, err := e.LoadFromMemory("node", "plain.js", []byte("function triple(n) { return n * 3; }")); err != nil {
		t.Fatal(err)
	}
	if v, err := codec.Invoke(e, call(e, "triple"), 3); err != nil || v != int64(9) {
		t.Errorf("triple = %v, %v", v, err)
	}
}

func TestCompilationErrors(t *testing.T) {
	e := newEngine(t)
	_, err := e.LoadFromMemory(Tag, "bad.js", []byte("function ("))
	var le *core.LoaderError
	if !errors.As(err, &le) || le.Kind != core.CompilationError || le.Diagnostics == "" {
		t.Errorf("syntax error: got %v", err)
	}
	_, err = e.LoadFromMemory(Tag, "throws.js", []byte(`throw new Error("at load")`))
	if !core.IsLoaderErrorKind(err, core.CompilationError) {
		t.Errorf("throw at load: got %v", err)
	}
}
