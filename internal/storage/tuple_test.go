package storage

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func TestKeyOf(t *testing.T) {
	tests := []struct {
		in      any
		want    Key
		wantErr bool
	}{
		{in: 5, want: IntKey(5)},
		{in: int64(-3), want: IntKey(-3)},
		{in: 7.0, want: IntKey(7)},
		{in: json.Number("42"), want: IntKey(42)},
		{in: "5", want: StringKey("5")},
		{in: "", want: StringKey("")},
		{in: 1.5, wantErr: true},
		{in: true, wantErr: true},
		{in: nil, wantErr: true},
		{in: []any{1}, wantErr: true},
	}

	for _, tt := range tests {
		got, err := KeyOf(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("KeyOf(%#v): expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("KeyOf(%#v) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestKeyCompare(t *testing.T) {
	ordered := []Key{IntKey(math.MinInt64), IntKey(-1), IntKey(0), IntKey(5), StringKey(""), StringKey("10"), StringKey("5"), StringKey("a")}
	for i := range ordered {
		for j := range ordered {
			got := ordered[i].Compare(ordered[j])
			want := 0
			if i < j {
				want = -1
			} else if i > j {
				want = 1
			}
			if got != want {
				t.Errorf("%v.Compare(%v) = %d, want %d", ordered[i], ordered[j], got, want)
			}
		}
	}
}

func TestKeyJSON(t *testing.T) {
	for _, k := range []Key{IntKey(12), StringKey("12"), StringKey("x y")} {
		data, err := json.Marshal(k)
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		var back Key
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("Unmarshal of %s failed: %v", data, err)
		}
		if back != k {
			t.Errorf("Expected %v, got %v", k, back)
		}
	}

	if got := IntKey(12).String(); got != "12" {
		t.Errorf("Expected 12, got %s", got)
	}
	if got := StringKey("12").String(); got != `"12"` {
		t.Errorf(`Expected "12", got %s`, got)
	}
}

func TestTupleUnmarshalJSON(t *testing.T) {
	var tuple Tuple
	if err := json.Unmarshal([]byte(`[9007199254740993, "a", 1.5, true, null, 2.0]`), &tuple); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	want := Tuple{int64(9007199254740993), "a", 1.5, true, nil, int64(2)}
	if len(tuple) != len(want) {
		t.Fatalf("Expected %d fields, got %d", len(want), len(tuple))
	}
	for i := range want {
		if tuple[i] != want[i] {
			t.Errorf("Field %d: expected %#v, got %#v", i+1, want[i], tuple[i])
		}
	}

	if err := json.Unmarshal([]byte(`[1, {"a": 1}]`), &tuple); err == nil {
		t.Error("Expected error for composite field")
	}
}

func TestApplyUpdate(t *testing.T) {
	base := Tuple{int64(1), "a", int64(10), 1.5}

	t.Run("assign and arithmetic", func(t *testing.T) {
		got, err := ApplyUpdate(base, []UpdateOp{
			{Op: "=", Field: 2, Value: "b"},
			{Op: "-", Field: 3, Value: 4},
			{Op: "+", Field: 4, Value: 1},
		})
		if err != nil {
			t.Fatalf("ApplyUpdate failed: %v", err)
		}
		if got[1] != "b" || got[2] != int64(6) || got[3] != 2.5 {
			t.Errorf("Unexpected tuple %#v", got)
		}
		if base[1] != "a" {
			t.Error("ApplyUpdate modified its input")
		}
	})

	t.Run("assign appends one field", func(t *testing.T) {
		got, err := ApplyUpdate(base, []UpdateOp{{Op: "=", Field: 5, Value: "new"}})
		if err != nil {
			t.Fatalf("ApplyUpdate failed: %v", err)
		}
		if len(got) != 5 || got[4] != "new" {
			t.Errorf("Unexpected tuple %#v", got)
		}
	})

	t.Run("invalid operations", func(t *testing.T) {
		cases := map[string][]UpdateOp{
			"empty":           nil,
			"primary key":     {{Op: "=", Field: 1, Value: 2}},
			"unknown op":      {{Op: "*", Field: 2, Value: 2}},
			"field zero":      {{Op: "=", Field: 0, Value: 2}},
			"out of range":    {{Op: "=", Field: 7, Value: 2}},
			"add to string":   {{Op: "+", Field: 2, Value: 1}},
			"add past end":    {{Op: "+", Field: 5, Value: 1}},
			"int overflow":    {{Op: "+", Field: 3, Value: int64(math.MaxInt64)}},
			"composite value": {{Op: "=", Field: 2, Value: map[string]any{}}},
		}
		for name, ops := range cases {
			if _, err := ApplyUpdate(base, ops); err == nil {
				t.Errorf("%s: expected error", name)
			}
		}

		_, err := ApplyUpdate(base, []UpdateOp{{Op: "=", Field: 1, Value: 2}})
		if !errors.Is(err, ErrInvalidUpdate) {
			t.Errorf("Expected ErrInvalidUpdate, got %v", err)
		}
	})
}
