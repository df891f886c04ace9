package engine

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/chazu/polycall/core"
	"github.com/chazu/polycall/loader"
)

// textBackend loads units made of "name=value" lines. Each line defines a
// function returning value as a String; a value of "!" fails discovery.
type textBackend struct {
	closed atomic.Int32
}

type textLibrary struct {
	name   string
	closed *atomic.Int32
}

func (l *textLibrary) Name() string { return l.name }

func (l *textLibrary) Close() error {
	l.closed.Add(1)
	return nil
}

type textUnit struct {
	lib  *textLibrary
	defs [][2]string
}

func (u *textUnit) Library() loader.Library { return u.lib }

func (u *textUnit) Discover(ctx loader.Context) error {
	for _, d := range u.defs {
		name, value := d[0], d[1]
		if value == "!" {
			return fmt.Errorf("cannot link %s", name)
		}
		err := ctx.DefineFunction(&core.Function{
			Name:   name,
			Return: core.TypeString,
			Invoke: func(c core.Core, args []core.Handle) (core.Handle, error) {
				return c.CreateString(value), nil
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *textBackend) parse(name string, src []byte) (loader.LoadingMethod, error) {
	u := &textUnit{lib: &textLibrary{name: name, closed: &b.closed}}
	for i, line := range strings.Split(strings.TrimSpace(string(src)), "\n") {
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return nil, &core.LoaderError{
				Kind:        core.CompilationError,
				Diagnostics: fmt.Sprintf("%s:%d: expected name=value", name, i+1),
			}
		}
		u.defs = append(u.defs, [2]string{k, v})
	}
	return u, nil
}

func (b *textBackend) LoadFile(path string) (loader.LoadingMethod, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return b.parse(path, src)
}

func (b *textBackend) LoadMemory(name string, src []byte) (loader.LoadingMethod, error) {
	return b.parse(name, src)
}

func (b *textBackend) LoadPackage(path string) (loader.LoadingMethod, error) {
	return nil, errors.New("text units have no packages")
}

// newTestEngine returns an initialized engine with the text backend under
// tag "text" (alias "txt"). It is destroyed when the test ends.
func newTestEngine(t *testing.T) (*Engine, *textBackend) {
	t.Helper()
	b := &textBackend{}
	e := New(WithBackend("text", func(core.Core) loader.Backend { return b }, "txt"))
	if err := e.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() {
		if e.IsInitialized() {
			e.Destroy()
		}
	})
	return e, b
}

// assertNoLeaks checks the allocation accounting balances.
func assertNoLeaks(t *testing.T, e *Engine) {
	t.Helper()
	e.Wait()
	s := e.Stats()
	if s.Live != 0 || s.Created != s.Destroyed {
		t.Errorf("stats = %+v, want every created handle destroyed", s)
	}
}

func callString(t *testing.T, e *Engine, name string) string {
	t.Helper()
	h, err := e.Call(name, nil)
	if err != nil {
		t.Fatalf("Call(%s): %v", name, err)
	}
	defer e.ValueDestroy(h)
	if got := e.ValueID(h); got != core.TypeString {
		t.Fatalf("Call(%s) returned %s, want String", name, got)
	}
	return e.ValueToString(h)
}
