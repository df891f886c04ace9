package engine

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/polycall/core"
	"github.com/chazu/polycall/loader"
)

// ---------------------------------------------------------------------------
// Values
// ---------------------------------------------------------------------------

func TestContainerDestroyReleasesElements(t *testing.T) {
	e := New()

	pair := e.CreateArray([]core.Handle{e.CreateString("k"), e.CreateLong(1)})
	inner := e.CreateArray([]core.Handle{e.CreateBool(true), e.CreateMap([]core.Handle{pair})})
	outer := e.CreateArray([]core.Handle{inner, e.CreateThrowable(e.CreateNull())})

	if s := e.Stats(); s.Live != 9 {
		t.Fatalf("live = %d, want 9", s.Live)
	}
	if got := e.ValueCount(outer); got != 2 {
		t.Errorf("count = %d, want 2", got)
	}

	e.ValueDestroy(outer)
	assertNoLeaks(t, e)
}

func TestDoubleDestroyPanics(t *testing.T) {
	e := New()
	h := e.CreateInt(7)
	e.ValueDestroy(h)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("second destroy did not panic")
		}
		if !strings.Contains(r.(string), "already destroyed") {
			t.Errorf("panic = %v", r)
		}
	}()
	e.ValueDestroy(h)
}

func TestWrongAccessorPanics(t *testing.T) {
	e := New()
	h := e.CreateString("x")
	defer e.ValueDestroy(h)

	defer func() {
		if recover() == nil {
			t.Error("reading a String as Int did not panic")
		}
	}()
	e.ValueToInt(h)
}

func TestValueCopyIsDeep(t *testing.T) {
	e := New()
	buf := []byte{1, 2, 3}
	orig := e.CreateArray([]core.Handle{e.CreateBuffer(buf), e.CreateString("s")})
	buf[0] = 9

	cp := e.ValueCopy(orig)
	e.ValueDestroy(orig)

	elems := e.ValueToArray(cp)
	if got := e.ValueToBuffer(elems[0]); got[0] != 1 {
		t.Errorf("buffer aliased caller memory: %v", got)
	}
	if got := e.ValueToString(elems[1]); got != "s" {
		t.Errorf("string = %q", got)
	}
	e.ValueDestroy(cp)
	assertNoLeaks(t, e)
}

func TestValueSizes(t *testing.T) {
	e := New()
	cases := []struct {
		h    core.Handle
		size int
	}{
		{e.CreateChar('a'), 1},
		{e.CreateShort(1), 2},
		{e.CreateFloat(1), 4},
		{e.CreateDouble(1), 8},
		{e.CreateString("héllo"), 7},
		{e.CreateBuffer(nil), 0},
	}
	for _, c := range cases {
		if got := e.ValueSize(c.h); got != c.size {
			t.Errorf("%s size = %d, want %d", e.ValueID(c.h), got, c.size)
		}
		e.ValueDestroy(c.h)
	}
	if got := e.ValueID(core.Handle(999)); got != core.TypeInvalid {
		t.Errorf("unknown handle type = %s, want Invalid", got)
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestLifecycleOrdering(t *testing.T) {
	e := New()
	if _, err := e.Call("x", nil); !errors.Is(err, core.ErrNotInitialized) {
		t.Errorf("call before initialize: got %v", err)
	}
	if err := e.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := e.Initialize(); !errors.Is(err, core.ErrAlreadyInitialized) {
		t.Errorf("second initialize: got %v", err)
	}
	if err := e.Destroy(); err != nil {
		t.Fatal(err)
	}
	if err := e.Destroy(); !errors.Is(err, core.ErrNotInitialized) {
		t.Errorf("second destroy: got %v", err)
	}
	var ie *core.InitError
	if err := e.Initialize(); !errors.As(err, &ie) {
		t.Errorf("initialize after destroy: got %v, want InitError", err)
	}
}

func TestInitializeRejectsNilFactory(t *testing.T) {
	e := New(WithBackend("text", nil))
	var ie *core.InitError
	if err := e.Initialize(); !errors.As(err, &ie) {
		t.Errorf("got %v, want InitError", err)
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

func TestLoadCallClear(t *testing.T) {
	e, b := newTestEngine(t)

	m, err := e.LoadFromMemory("txt", "greeting", []byte("greet=hi"))
	if err != nil {
		t.Fatalf("LoadFromMemory: %v", err)
	}
	if got := callString(t, e, "greet"); got != "hi" {
		t.Errorf("greet() = %q, want hi", got)
	}

	if err := e.Clear(m); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := e.Call("greet", nil); !errors.Is(err, core.ErrFunctionNotFound) {
		t.Errorf("call after clear: got %v, want ErrFunctionNotFound", err)
	}
	if b.closed.Load() != 0 {
		t.Error("library unloaded at clear, want deferred to destroy")
	}
	if err := e.Clear(m); !errors.Is(err, core.ErrModuleNotFound) {
		t.Errorf("second clear: got %v", err)
	}

	if err := e.Destroy(); err != nil {
		t.Fatal(err)
	}
	if b.closed.Load() != 1 {
		t.Errorf("libraries closed = %d, want 1", b.closed.Load())
	}
	assertNoLeaks(t, e)
}

func TestDiscoveryIsAtomic(t *testing.T) {
	e, b := newTestEngine(t)

	_, err := e.LoadFromMemory("text", "partial", []byte("first=1\nbroken=!"))
	if !core.IsLoaderErrorKind(err, core.LinkError) {
		t.Fatalf("got %v, want LinkError", err)
	}
	if _, err := e.Call("first", nil); !errors.Is(err, core.ErrFunctionNotFound) {
		t.Errorf("symbol from failed batch is visible: %v", err)
	}

	// The loader is still usable and the name is free.
	if _, err := e.LoadFromMemory("text", "fixed", []byte("first=1")); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := callString(t, e, "first"); got != "1" {
		t.Errorf("first() = %q", got)
	}
	e.Destroy()
	if b.closed.Load() != 2 {
		t.Errorf("libraries closed = %d, want 2", b.closed.Load())
	}
}

func TestCompilationDiagnosticsPreserved(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.LoadFromMemory("text", "bad", []byte("ok=1\nnot valid"))
	var le *core.LoaderError
	if !errors.As(err, &le) || le.Kind != core.CompilationError {
		t.Fatalf("got %v, want CompilationError", err)
	}
	if le.Diagnostics != "bad:2: expected name=value" {
		t.Errorf("diagnostics = %q", le.Diagnostics)
	}
	if le.Tag != "text" {
		t.Errorf("tag = %q", le.Tag)
	}
}

func TestDuplicateSymbolRejected(t *testing.T) {
	e, _ := newTestEngine(t)

	if _, err := e.LoadFromMemory("text", "a", []byte("dup=1")); err != nil {
		t.Fatal(err)
	}
	_, err := e.LoadFromMemory("text", "b", []byte("dup=2"))
	if !errors.Is(err, core.ErrDuplicateSymbol) {
		t.Errorf("got %v, want ErrDuplicateSymbol", err)
	}
	if got := callString(t, e, "dup"); got != "1" {
		t.Errorf("dup() = %q, want the first definition", got)
	}
}

func TestUnknownTag(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.LoadFromMemory("cobol", "x", nil); !errors.Is(err, core.ErrLoaderNotFound) {
		t.Errorf("got %v, want ErrLoaderNotFound", err)
	}
}

func TestLoadFromFileUsesScriptPaths(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "units.txt"), []byte("fromfile=yes\n"), 0644)

	b := &textBackend{}
	e := New(
		WithBackend("text", func(core.Core) loader.Backend { return b }),
		WithScriptPaths(dir),
	)
	e.Initialize()
	defer e.Destroy()

	if _, err := e.LoadFromFile("text", []string{"units.txt"}); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if got := callString(t, e, "fromfile"); got != "yes" {
		t.Errorf("fromfile() = %q", got)
	}
	_, err := e.LoadFromFile("text", []string{"absent.txt"})
	if !core.IsLoaderErrorKind(err, core.FileNotFound) {
		t.Errorf("got %v, want FileNotFound", err)
	}
}

func TestLoadFromConfiguration(t *testing.T) {
	dir := t.TempDir()
	os.Mkdir(filepath.Join(dir, "units"), 0755)
	os.WriteFile(filepath.Join(dir, "units", "a.txt"), []byte("alpha=a"), 0644)
	os.WriteFile(filepath.Join(dir, "units", "b.txt"), []byte("beta=b"), 0644)
	cfg := filepath.Join(dir, "load.yaml")
	os.WriteFile(cfg, []byte("language_id: txt\npath: units\nscripts: [a.txt, b.txt]\n"), 0644)

	e, _ := newTestEngine(t)
	m, err := e.LoadFromConfiguration(cfg)
	if err != nil {
		t.Fatalf("LoadFromConfiguration: %v", err)
	}
	if got := callString(t, e, "beta"); got != "b" {
		t.Errorf("beta() = %q", got)
	}

	h, err := e.CallModule(m, "alpha", nil)
	if err != nil {
		t.Fatalf("CallModule: %v", err)
	}
	e.ValueDestroy(h)

	_, err = e.LoadFromConfiguration(filepath.Join(dir, "missing.yaml"))
	if !core.IsLoaderErrorKind(err, core.FileNotFound) {
		t.Errorf("missing configuration: got %v, want FileNotFound", err)
	}
}

func TestCallModuleScopesLookup(t *testing.T) {
	e, _ := newTestEngine(t)
	m1, _ := e.LoadFromMemory("text", "one", []byte("a=1"))
	m2, _ := e.LoadFromMemory("text", "two", []byte("b=2"))

	_, err := e.CallModule(m1, "b", nil)
	var nf *core.NotFoundError
	if !errors.As(err, &nf) || nf.Owner != "one" {
		t.Errorf("got %v, want b not found in module one", err)
	}
	h, err := e.CallModule(m2, "b", nil)
	if err != nil {
		t.Fatal(err)
	}
	e.ValueDestroy(h)
	if _, err := e.CallModule(core.Module(99), "b", nil); !errors.Is(err, core.ErrModuleNotFound) {
		t.Errorf("got %v, want ErrModuleNotFound", err)
	}
}

func TestInspect(t *testing.T) {
	e, _ := newTestEngine(t)
	e.LoadFromMemory("text", "unit", []byte("zeta=1\nalpha=2"))
	e.Register(&core.Function{
		Name:   "host_fn",
		Params: []core.Param{{Name: "x", Type: core.TypeLong}},
		Invoke: func(c core.Core, args []core.Handle) (core.Handle, error) { return core.Invalid, nil },
	})

	in := e.Inspect()
	if len(in.Backends) != 1 || in.Backends[0] != "text" {
		t.Errorf("backends = %v", in.Backends)
	}
	if len(in.Modules) != 2 {
		t.Fatalf("modules = %d, want host and unit", len(in.Modules))
	}
	host, unit := in.Modules[0], in.Modules[1]
	if host.Tag != "host" || len(host.Functions) != 1 || host.Functions[0].Params[0].Type != core.TypeLong {
		t.Errorf("host module = %+v", host)
	}
	if unit.Name != "unit" || unit.Functions[0].Name != "alpha" || unit.Functions[1].Name != "zeta" {
		t.Errorf("unit module = %+v", unit)
	}
}
