package codec

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/chazu/polycall/core"
	"github.com/chazu/polycall/engine"
)

func newCore(t *testing.T) *engine.Engine {
	t.Helper()
	e := engine.New()
	if err := e.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() {
		if e.IsInitialized() {
			e.Destroy()
		}
	})
	return e
}

func assertNoLeaks(t *testing.T, e *engine.Engine) {
	t.Helper()
	e.Wait()
	if s := e.Stats(); s.Live != 0 || s.Created != s.Destroyed {
		t.Errorf("leaked handles: %+v", s)
	}
}

// ---------------------------------------------------------------------------
// Round trips
// ---------------------------------------------------------------------------

func TestRoundTripPrimitives(t *testing.T) {
	e := newCore(t)
	cases := []struct {
		in   any
		tag  core.Type
		want any
	}{
		{true, core.TypeBool, true},
		{byte('x'), core.TypeChar, byte('x')},
		{int8(-3), core.TypeShort, int16(-3)},
		{int16(-300), core.TypeShort, int16(-300)},
		{uint16(60000), core.TypeInt, int32(60000)},
		{int32(7), core.TypeInt, int32(7)},
		{42, core.TypeLong, int64(42)},
		{int64(1 << 40), core.TypeLong, int64(1 << 40)},
		{uint32(math.MaxUint32), core.TypeLong, int64(math.MaxUint32)},
		{float32(1.5), core.TypeFloat, float32(1.5)},
		{2.25, core.TypeDouble, 2.25},
		{"", core.TypeString, ""},
		{"héllo, 世界", core.TypeString, "héllo, 世界"},
		{[]byte{}, core.TypeBuffer, []byte{}},
		{[]byte{0, 1, 255}, core.TypeBuffer, []byte{0, 1, 255}},
		{nil, core.TypeNull, nil},
	}
	for _, c := range cases {
		enc, err := Encode(e, c.in)
		if err != nil {
			t.Errorf("Encode(%#v): %v", c.in, err)
			continue
		}
		if got := e.ValueID(enc.Handle); got != c.tag {
			t.Errorf("Encode(%#v) tag = %s, want %s", c.in, got, c.tag)
		}
		got, err := DecodeAny(e, enc.Take())
		if err != nil || !reflect.DeepEqual(got, c.want) {
			t.Errorf("round trip of %#v = %#v, %v; want %#v", c.in, got, err, c.want)
		}
	}
	assertNoLeaks(t, e)
}

func TestNestedRoundTrip(t *testing.T) {
	e := newCore(t)
	in := map[string]any{
		"list": []any{int64(1), []any{"x", map[string]any{"deep": true}}},
		"none": nil,
		"blob": []byte("raw"),
	}
	enc, err := Encode(e, in)
	if err != nil {
		t.Fatal(err)
	}
	if n := e.ValueCount(enc.Handle); n != 3 {
		t.Errorf("map count = %d", n)
	}
	out, err := Decode[map[string]any](e, enc.Take())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out, in) {
		t.Errorf("got %#v\nwant %#v", out, in)
	}
	assertNoLeaks(t, e)
}

func TestTypedContainers(t *testing.T) {
	e := newCore(t)
	enc, _ := Encode(e, map[string][]int32{"a": {1, 2}, "b": nil})
	out, err := DecodeLeak[map[string][]int32](e, enc.Handle)
	if err != nil {
		t.Fatal(err)
	}
	if len(out["a"]) != 2 || out["a"][1] != 2 || len(out["b"]) != 0 {
		t.Errorf("got %v", out)
	}

	// One element of the wrong type makes the whole value fall back.
	_, err = DecodeLeak[map[string][]string](e, enc.Handle)
	var ce *core.CastError
	if !errors.As(err, &ce) || ce.Want != core.TypeMap {
		t.Fatalf("got %v, want CastError", err)
	}
	if m, ok := ce.Value.(map[string]any); !ok || len(m) != 2 {
		t.Errorf("fallback value = %#v", ce.Value)
	}
	enc.Release()

	arr, _ := Encode(e, []int64{1, 2, 3})
	fixed, err := Decode[[3]int64](e, arr.Take())
	if err != nil || fixed != [3]int64{1, 2, 3} {
		t.Errorf("array = %v, %v", fixed, err)
	}
	assertNoLeaks(t, e)
}

// ---------------------------------------------------------------------------
// Ownership
// ---------------------------------------------------------------------------

func TestTypeMismatchFallsBack(t *testing.T) {
	e := newCore(t)
	_, err := Decode[int32](e, e.CreateString("not a number"))
	var ce *core.CastError
	if !errors.As(err, &ce) {
		t.Fatalf("got %v, want CastError", err)
	}
	if ce.Want != core.TypeInt || ce.Got != core.TypeString || ce.Value != "not a number" {
		t.Errorf("cast error = %+v", ce)
	}
	// The owning decode consumed the handle even though it failed.
	assertNoLeaks(t, e)
}

func TestDecodeLeakKeepsHandle(t *testing.T) {
	e := newCore(t)
	h := e.CreateString("kept")
	s, err := DecodeLeak[string](e, h)
	if err != nil || s != "kept" {
		t.Fatalf("DecodeLeak = %q, %v", s, err)
	}
	if e.ValueToString(h) != "kept" {
		t.Error("handle changed")
	}
	e.ValueDestroy(h)
	assertNoLeaks(t, e)
}

func TestWrapperMovesOwnership(t *testing.T) {
	e := newCore(t)
	v, err := DecodeAny(e, e.CreatePointer(&struct{ n int }{1}))
	if err != nil {
		t.Fatal(err)
	}
	p, ok := v.(*Pointer)
	if !ok {
		t.Fatalf("decoded %T, want *Pointer", v)
	}
	if s := e.Stats(); s.Live != 1 {
		t.Errorf("live = %d, want the pointer", s.Live)
	}
	p.Release()
	p.Release()
	assertNoLeaks(t, e)
}

func TestDecodedWrapperPerTag(t *testing.T) {
	e := newCore(t)
	fut, res := e.CreateFuture()
	res.Resolve(e.CreateLong(1))
	handles := []core.Handle{
		e.CreatePointer(1),
		fut,
		e.CreateFunction(MustFunc("f", func() {})),
		e.CreateException(core.ExceptionInfo{Message: "m"}),
		e.CreateThrowable(e.CreateException(core.ExceptionInfo{Message: "t"})),
	}
	for _, h := range handles {
		tag := e.ValueID(h)
		v, err := DecodeAny(e, h)
		if err != nil {
			t.Fatalf("%s: %v", tag, err)
		}
		w, ok := v.(Wrapper)
		if !ok || wrapperTags[reflect.TypeOf(v)] != tag {
			t.Fatalf("%s decoded as %T", tag, v)
		}
		if w.Handle() != h {
			t.Errorf("%s: wrapper holds handle %d, want %d", tag, w.Handle(), h)
		}
		w.Release()
		w.Release()
	}
	assertNoLeaks(t, e)
}

func TestOwnedContainerWrapsCopies(t *testing.T) {
	e := newCore(t)
	arr := e.CreateArray([]core.Handle{e.CreatePointer("a"), e.CreatePointer("b")})
	ps, err := Decode[[]*Pointer](e, arr)
	if err != nil {
		t.Fatal(err)
	}
	if s := e.Stats(); s.Live != 2 {
		t.Errorf("live = %d, want one copy per element", s.Live)
	}
	if ps[1].Value() != "b" {
		t.Errorf("value = %v", ps[1].Value())
	}
	for _, p := range ps {
		p.Release()
	}
	assertNoLeaks(t, e)
}

func TestClonesDestroyOnce(t *testing.T) {
	e := newCore(t)
	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 0, 2}}
	for _, order := range orders {
		p := NewPointer(e, e.CreatePointer(7))
		aliases := []*Pointer{p, p.Clone(), p.Clone()}
		for i, idx := range order {
			if live := e.Stats().Live; live != 1 {
				t.Fatalf("order %v step %d: live = %d", order, i, live)
			}
			aliases[idx].Release()
		}
		assertNoLeaks(t, e)
	}

	h := e.CreatePointer(7)
	b := BorrowPointer(e, h)
	b.Clone().Release()
	b.Release()
	if e.ValueID(h) != core.TypePointer {
		t.Error("borrowed wrapper destroyed its handle")
	}
	e.ValueDestroy(h)
}

func TestNestedWrappersAreCopied(t *testing.T) {
	e := newCore(t)
	p := NewPointer(e, e.CreatePointer("x"))
	enc, err := Encode(e, []any{p, Raw(p.Handle())})
	if err != nil {
		t.Fatal(err)
	}
	enc.Release()
	if p.Value() != "x" {
		t.Error("pointer lost")
	}

	// At top level wrappers and raw handles are borrowed.
	top, _ := Encode(e, p)
	top.Release()
	raw, _ := Encode(e, Raw(p.Handle()))
	raw.Release()
	if e.ValueID(p.Handle()) != core.TypePointer {
		t.Error("borrowed encoding destroyed the handle")
	}
	p.Release()
	assertNoLeaks(t, e)
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

func TestNULStringRejectedBeforeCoreCall(t *testing.T) {
	e := newCore(t)
	_, err := Encode(e, []any{"ok", "a\x00b"})
	var se *core.StringConversionError
	if !errors.As(err, &se) || se.Index != 1 {
		t.Fatalf("got %v, want StringConversionError", err)
	}
	assertNoLeaks(t, e)

	_, err = Encode(e, map[string]int{"bad\x00key": 1})
	if !errors.As(err, &se) {
		t.Errorf("map key: got %v", err)
	}
	assertNoLeaks(t, e)
}

func TestUnsignedOverflow(t *testing.T) {
	e := newCore(t)
	var re *RangeError
	if _, err := Encode(e, uint64(math.MaxUint64)); !errors.As(err, &re) {
		t.Errorf("got %v, want RangeError", err)
	}
	enc, err := Encode(e, uint64(math.MaxInt64))
	if err != nil || e.ValueToLong(enc.Handle) != math.MaxInt64 {
		t.Errorf("MaxInt64 = %v", err)
	}
	enc.Release()

	// Narrow typed decodes check the range too.
	_, err = Decode[uint8](e, e.CreateChar(200))
	if err != nil {
		t.Errorf("uint8 200: %v", err)
	}
	_, err = Decode[int8](e, e.CreateShort(300))
	var ce *core.CastError
	if !errors.As(err, &ce) || ce.Value != int16(300) {
		t.Errorf("int8 300: got %v", err)
	}
	assertNoLeaks(t, e)
}

func TestMapKeysMustBeStrings(t *testing.T) {
	e := newCore(t)
	var ue *UnsupportedTypeError
	if _, err := Encode(e, map[int]string{1: "a"}); !errors.As(err, &ue) {
		t.Errorf("encode: got %v", err)
	}

	pair := e.CreateArray([]core.Handle{e.CreateLong(1), e.CreatePointer("v")})
	if _, err := DecodeAny(e, e.CreateMap([]core.Handle{pair})); !errors.As(err, &ue) {
		t.Errorf("decode: got %v", err)
	}
	assertNoLeaks(t, e)
}

func TestDecodeNumber(t *testing.T) {
	e := newCore(t)

	if v, err := DecodeNumber[uint8](e, e.CreateInt(7)); err != nil || v != 7 {
		t.Errorf("Int 7 as uint8 = %v, %v", v, err)
	}
	if v, err := DecodeNumber[int64](e, e.CreateDouble(3)); err != nil || v != 3 {
		t.Errorf("Double 3 as int64 = %v, %v", v, err)
	}
	if v, err := DecodeNumber[float64](e, e.CreateLong(1<<40)); err != nil || v != 1<<40 {
		t.Errorf("Long 2^40 as float64 = %v, %v", v, err)
	}
	if v, err := DecodeNumber[float32](e, e.CreateDouble(0.5)); err != nil || v != 0.5 {
		t.Errorf("Double 0.5 as float32 = %v, %v", v, err)
	}

	var re *RangeError
	for name, f := range map[string]func() error{
		"negative to unsigned": func() error { _, err := DecodeNumber[uint32](e, e.CreateLong(-1)); return err },
		"fraction to int":      func() error { _, err := DecodeNumber[int](e, e.CreateDouble(2.5)); return err },
		"lossy float32":        func() error { _, err := DecodeNumber[float32](e, e.CreateDouble(0.1)); return err },
		"unrepresentable int":  func() error { _, err := DecodeNumber[float32](e, e.CreateLong(16777217)); return err },
		"huge double to int":   func() error { _, err := DecodeNumber[int64](e, e.CreateDouble(1e19)); return err },
		"short overflow":       func() error { _, err := DecodeNumber[int8](e, e.CreateShort(200)); return err },
	} {
		if err := f(); !errors.As(err, &re) {
			t.Errorf("%s: got %v, want RangeError", name, err)
		}
	}

	var ce *core.CastError
	if _, err := DecodeNumber[int](e, e.CreateString("7")); !errors.As(err, &ce) {
		t.Errorf("string: got %v, want CastError", err)
	}
	h := e.CreateShort(5)
	if v, err := DecodeNumberLeak[float64](e, h); err != nil || v != 5 {
		t.Errorf("leak decode = %v, %v", v, err)
	}
	e.ValueDestroy(h)
	assertNoLeaks(t, e)
}
