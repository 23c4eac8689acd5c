package value

import (
	"errors"
	"math"
	"testing"
)

func TestDecodeProducesTaggedValues(t *testing.T) {
	v, err := Decode([]byte(`{"a":1,"b":[true,null,"x"],"c":{"d":2.5}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.Kind() != KindMap {
		t.Fatalf("unexpected kind: %s", v.Kind())
	}
	a, _ := v.Get("a")
	if n, ok := a.AsNumber(); !ok || n != 1 {
		t.Fatalf("unexpected a: %v", a)
	}
	b, _ := v.Get("b")
	items, ok := b.AsList()
	if !ok || len(items) != 3 {
		t.Fatalf("unexpected b: %v", b)
	}
	if items[1].Kind() != KindNull {
		t.Fatalf("expected null, got %s", items[1].Kind())
	}
	if s, _ := items[2].AsString(); s != "x" {
		t.Fatalf("unexpected string: %q", s)
	}
	want := MustFrom(map[string]any{
		"a": 1,
		"b": []any{true, nil, "x"},
		"c": map[string]any{"d": 2.5},
	})
	if !v.Equal(want) {
		t.Fatalf("decoded=%s want=%s", v, want)
	}
}

func TestDecodeRejectsInvalidJSON(t *testing.T) {
	for _, raw := range []string{"", "{", `{"a":1}]`, "nope"} {
		if _, err := Decode([]byte(raw)); !errors.Is(err, ErrInvalidJSON) {
			t.Fatalf("input %q: expected ErrInvalidJSON, got %v", raw, err)
		}
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	v := Map(map[string]Value{"z": Number(1), "a": String("é")})
	data, err := Encode(v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(data) != `{"a":"é","z":1}` {
		t.Fatalf("unexpected encoding: %s", data)
	}
}

func TestEncodeRejectsNaN(t *testing.T) {
	if _, err := Encode(Number(math.NaN())); err == nil {
		t.Fatalf("expected error for NaN")
	}
}

func TestWithDoesNotMutateReceiver(t *testing.T) {
	base := Map(map[string]Value{"k": String("v")})
	next := base.With("id", String("abc"))
	if _, ok := base.Get("id"); ok {
		t.Fatalf("receiver mutated")
	}
	if got, _ := next.Get("id"); !got.Equal(String("abc")) {
		t.Fatalf("missing injected key")
	}
	if !next.Without("id").Equal(base) {
		t.Fatalf("without should restore original")
	}
	if got := String("x").With("a", Bool(true)); got.Kind() != KindMap || got.Len() != 1 {
		t.Fatalf("non-map With should start from empty map: %s", got)
	}
}

func TestAbsentAndNullDiffer(t *testing.T) {
	var absent Value
	if !absent.IsAbsent() {
		t.Fatalf("zero value should be absent")
	}
	if absent.Equal(Null()) {
		t.Fatalf("absent must not equal null")
	}
	if absent.String() != "null" {
		t.Fatalf("absent should encode as null, got %s", absent)
	}
}

func TestFromRejectsUnsupported(t *testing.T) {
	_, err := From(map[string]any{"ch": make(chan int)})
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestUnmarshalJSONIntoField(t *testing.T) {
	var holder struct {
		Body Value `json:"body"`
	}
	v, err := Decode([]byte(`{"body":[1,"two"]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	body, _ := v.Get("body")
	if err := holder.Body.UnmarshalJSON([]byte(body.String())); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !holder.Body.Equal(List(Number(1), String("two"))) {
		t.Fatalf("unexpected body: %s", holder.Body)
	}
}
