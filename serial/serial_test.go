package serial

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/chazu/polycall/codec"
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
	if s := e.Stats(); s.Live != 0 {
		t.Errorf("leaked handles: %+v", s)
	}
}

func TestRoundTripKeepsTags(t *testing.T) {
	e := newCore(t)
	values := []any{
		true,
		byte('z'),
		int16(-300),
		int32(1 << 20),
		int64(-1 << 40),
		float32(0.5),
		3.25,
		"héllo",
		[]byte{0, 1, 255},
		[]any{int64(1), "two", nil},
		map[string]any{"a": int16(1), "b": []any{false}},
		core.ExceptionInfo{Message: "boom", Label: "Custom", Code: 7, Stacktrace: "at x"},
		nil,
	}
	for _, in := range values {
		data, err := Serialize(e, in)
		if err != nil {
			t.Errorf("Serialize(%#v): %v", in, err)
			continue
		}
		got, err := Deserialize(e, data)
		if err != nil {
			t.Errorf("Deserialize(%#v): %v", in, err)
			continue
		}
		if ex, ok := got.(*codec.Exception); ok {
			if want := in.(core.ExceptionInfo); ex.Info() != want {
				t.Errorf("exception = %+v, want %+v", ex.Info(), want)
			}
			ex.Release()
			continue
		}
		if !reflect.DeepEqual(got, in) {
			t.Errorf("round trip of %#v = %#v", in, got)
		}
	}
	assertNoLeaks(t, e)
}

func TestMapKeysAndOrder(t *testing.T) {
	e := newCore(t)

	// Keys that are not strings survive the wire even though DecodeAny would
	// refuse them.
	pair := e.CreateArray([]core.Handle{e.CreateLong(1), e.CreateString("one")})
	pair2 := e.CreateArray([]core.Handle{e.CreateBool(true), e.CreateNull()})
	m := e.CreateMap([]core.Handle{pair, pair2})
	defer e.ValueDestroy(m)

	data, err := Marshal(e, m)
	if err != nil {
		t.Fatal(err)
	}
	h, err := Unmarshal(e, data)
	if err != nil {
		t.Fatal(err)
	}
	defer e.ValueDestroy(h)

	if e.ValueID(h) != core.TypeMap || e.ValueCount(h) != 2 {
		t.Fatalf("got %s with %d entries", e.ValueID(h), e.ValueCount(h))
	}
	entries := e.ValueToMap(h)
	first := e.ValueToArray(entries[0])
	if e.ValueToLong(first[0]) != 1 || e.ValueToString(first[1]) != "one" {
		t.Errorf("first entry changed")
	}
	second := e.ValueToArray(entries[1])
	if !e.ValueToBool(second[0]) || e.ValueID(second[1]) != core.TypeNull {
		t.Errorf("second entry changed")
	}

	again, _ := Marshal(e, h)
	if !bytes.Equal(data, again) {
		t.Errorf("encoding is not deterministic")
	}
}

func TestMapValues(t *testing.T) {
	e := newCore(t)
	in := map[string]int64{"a": 1, "b": 2}

	data, err := Serialize(e, in)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	h, err := Unmarshal(e, data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if e.ValueID(h) != core.TypeMap || e.ValueCount(h) != 2 {
		t.Fatalf("got %s with %d entries, want a Map with 2", e.ValueID(h), e.ValueCount(h))
	}
	got, err := codec.Decode[map[string]int64](e, h)
	if err != nil || !reflect.DeepEqual(got, in) {
		t.Errorf("decoded %v, %v, want %v", got, err, in)
	}

	nested := map[string]any{"outer": map[string]any{"inner": []any{int64(1)}}}
	data, err = Serialize(e, nested)
	if err != nil {
		t.Fatalf("Serialize nested: %v", err)
	}
	back, err := Deserialize(e, data)
	if err != nil || !reflect.DeepEqual(back, nested) {
		t.Errorf("nested round trip = %#v, %v", back, err)
	}
	assertNoLeaks(t, e)
}

func TestThrowable(t *testing.T) {
	e := newCore(t)
	th := e.CreateThrowable(e.CreateException(core.ExceptionInfo{Message: "no", Label: "Error"}))
	defer e.ValueDestroy(th)

	data, err := Marshal(e, th)
	if err != nil {
		t.Fatal(err)
	}
	h, err := Unmarshal(e, data)
	if err != nil {
		t.Fatal(err)
	}
	defer e.ValueDestroy(h)
	if e.ValueID(h) != core.TypeThrowable {
		t.Fatalf("got %s, want Throwable", e.ValueID(h))
	}
	if info := e.ValueToException(e.ValueToThrowable(h)); info.Message != "no" {
		t.Errorf("inner = %+v", info)
	}
}

func TestUnsupportedValues(t *testing.T) {
	e := newCore(t)
	fn := codec.MustFunc("f", func() {})

	_, err := Serialize(e, []any{1, fn})
	var ue *UnsupportedError
	if !errors.As(err, &ue) || ue.Type != core.TypeFunction {
		t.Errorf("function inside array: got %v", err)
	}

	type opaque struct{ n int }
	if _, err := Serialize(e, &opaque{1}); !errors.As(err, &ue) || ue.Type != core.TypePointer {
		t.Errorf("pointer: got %v", err)
	}
	assertNoLeaks(t, e)
}

func TestMalformedInput(t *testing.T) {
	e := newCore(t)

	notPair, _ := cborEncMode.Marshal(node{Tag: core.TypeMap, Val: []node{{Tag: core.TypeLong, Val: 1}}})
	overflow, _ := cborEncMode.Marshal(node{Tag: core.TypeChar, Val: 300})
	nul, _ := cborEncMode.Marshal(node{Tag: core.TypeString, Val: "a\x00b"})
	pointer, _ := cborEncMode.Marshal(node{Tag: core.TypePointer, Val: 0})
	unknown, _ := cborEncMode.Marshal(node{Tag: core.Type(99)})
	partial, _ := cborEncMode.Marshal(node{Tag: core.TypeArray, Val: []any{
		node{Tag: core.TypeLong, Val: 1},
		node{Tag: core.TypeChar, Val: -1},
	}})

	inputs := map[string][]byte{
		"garbage":    {0xff, 0x00},
		"not a pair": notPair,
		"overflow":   overflow,
		"nul":        nul,
		"pointer":    pointer,
		"unknown":    unknown,
		"partial":    partial,
	}
	for name, data := range inputs {
		if h, err := Unmarshal(e, data); err == nil {
			e.ValueDestroy(h)
			t.Errorf("%s: Unmarshal succeeded", name)
		}
	}
	assertNoLeaks(t, e)
}

func TestDeserializeAs(t *testing.T) {
	e := newCore(t)
	data, err := Serialize(e, map[string]int64{"x": 1, "y": 2})
	if err != nil {
		t.Fatal(err)
	}
	got, err := DeserializeAs[map[string]int64](e, data)
	if err != nil || got["y"] != 2 {
		t.Errorf("DeserializeAs = %v, %v", got, err)
	}
	assertNoLeaks(t, e)
}
