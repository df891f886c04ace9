package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestTypeNamesRoundTrip(t *testing.T) {
	for i := 0; i < NumTypes; i++ {
		typ := Type(i)
		got, err := ParseType(typ.String())
		if err != nil {
			t.Fatalf("ParseType(%q): %v", typ.String(), err)
		}
		if got != typ {
			t.Errorf("ParseType(%q) = %v, want %v", typ.String(), got, typ)
		}
	}
	if _, err := ParseType("Invalid"); err == nil {
		t.Error("expected Invalid to be rejected")
	}
	if NumTypes != 19 {
		t.Errorf("NumTypes = %d, want 19", NumTypes)
	}
}

func TestTypeClassification(t *testing.T) {
	numeric := map[Type]bool{TypeShort: true, TypeInt: true, TypeLong: true, TypeFloat: true, TypeDouble: true}
	for i := 0; i < NumTypes; i++ {
		typ := Type(i)
		if typ.IsNumeric() != numeric[typ] {
			t.Errorf("%v.IsNumeric() = %v", typ, typ.IsNumeric())
		}
	}
	if TypeChar.IsNumeric() {
		t.Error("Char must not be numeric")
	}
	if !TypeMap.IsContainer() || TypeString.IsContainer() {
		t.Error("container classification wrong")
	}
}

func TestNotFoundErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("call: %w", FunctionNotFound("greet"))
	if !errors.Is(err, ErrFunctionNotFound) {
		t.Errorf("expected ErrFunctionNotFound, got %v", err)
	}
	if errors.Is(err, ErrClassNotFound) {
		t.Error("function lookup must not match ErrClassNotFound")
	}

	attr := &NotFoundError{Kind: NotFoundAttribute, Name: "x", Owner: "Point"}
	if attr.Error() != "attribute not found: Point.x" {
		t.Errorf("message = %q", attr.Error())
	}
}

func TestLoaderErrorKeepsDiagnostics(t *testing.T) {
	diag := "line 1: unexpected symbol near '}'"
	err := error(&LoaderError{Kind: CompilationError, Tag: "lua", Path: "a.lua", Diagnostics: diag})

	if !errors.Is(err, ErrLoaderFailure) {
		t.Error("LoaderError must match ErrLoaderFailure")
	}
	if !IsLoaderErrorKind(err, CompilationError) {
		t.Error("expected CompilationError kind")
	}
	var le *LoaderError
	if !errors.As(err, &le) || le.Diagnostics != diag {
		t.Errorf("diagnostics not preserved: %v", err)
	}
}

func TestCheckString(t *testing.T) {
	if err := CheckString("héllo"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	err := CheckString("ab\x00cd")
	var se *StringConversionError
	if !errors.As(err, &se) {
		t.Fatalf("expected StringConversionError, got %v", err)
	}
	if se.Index != 2 {
		t.Errorf("index = %d, want 2", se.Index)
	}
}

type boom struct{}

func (boom) Error() string { return "boom" }

func TestCastErrorUnwrapsErrorValues(t *testing.T) {
	err := error(&CastError{Want: TypeInt, Got: TypeException, Value: boom{}})
	var b boom
	if !errors.As(err, &b) {
		t.Error("expected errors.As to reach the wrapped value")
	}
	plain := &CastError{Want: TypeInt, Got: TypeString, Value: "hi"}
	if plain.Unwrap() != nil {
		t.Error("non-error values must not unwrap")
	}
}
