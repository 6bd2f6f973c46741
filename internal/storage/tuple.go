package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidKey is returned when a value cannot be used as a primary key.
var ErrInvalidKey = errors.New("primary key must be an integer or a string")

// ErrInvalidUpdate is returned when an update operation cannot be applied to a tuple.
var ErrInvalidUpdate = errors.New("invalid update operation")

// Tuple is an ordered list of scalar fields. Field 0 is the primary key.
//
// Numbers are kept as int64 when they are integral and float64 otherwise,
// see NormalizeValue.
type Tuple []any

// Key is the primary key of a tuple: either an integer or a string.
// Integer and string keys never compare equal, 5 and "5" are two keys.
// All integer keys sort before all string keys.
type Key struct {
	str   string
	num   int64
	isStr bool
}

// IntKey returns an integer key.
func IntKey(v int64) Key {
	return Key{num: v}
}

// StringKey returns a string key.
func StringKey(v string) Key {
	return Key{str: v, isStr: true}
}

// KeyOf converts a scalar value to a Key without any coercion between
// numbers and strings.
func KeyOf(v any) (Key, error) {
	v, err := NormalizeValue(v)
	if err != nil {
		return Key{}, err
	}
	switch v := v.(type) {
	case int64:
		return IntKey(v), nil
	case string:
		return StringKey(v), nil
	default:
		return Key{}, fmt.Errorf("%w, got %T", ErrInvalidKey, v)
	}
}

// IsString reports whether the key is a string key.
func (k Key) IsString() bool {
	return k.isStr
}

// Int returns the integer value, zero for string keys.
func (k Key) Int() int64 {
	return k.num
}

// Text returns the string value, empty for integer keys.
func (k Key) Text() string {
	return k.str
}

// Value returns the key as int64 or string.
func (k Key) Value() any {
	if k.isStr {
		return k.str
	}
	return k.num
}

// Compare returns -1, 0 or +1. Integer keys sort before string keys.
func (k Key) Compare(o Key) int {
	switch {
	case k.isStr != o.isStr:
		if k.isStr {
			return 1
		}
		return -1
	case k.isStr:
		return strings.Compare(k.str, o.str)
	case k.num < o.num:
		return -1
	case k.num > o.num:
		return 1
	default:
		return 0
	}
}

// String returns the key for logs, string keys are quoted.
func (k Key) String() string {
	if k.isStr {
		return strconv.Quote(k.str)
	}
	return strconv.FormatInt(k.num, 10)
}

func (k Key) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.Value())
}

func (k *Key) UnmarshalJSON(b []byte) error {
	if isNull(b) {
		return nil
	}
	v, err := decodeValue(b)
	if err != nil {
		return err
	}
	key, err := KeyOf(v)
	if err != nil {
		return err
	}
	*k = key
	return nil
}

// PrimaryKey returns the key stored in field 0.
func (t Tuple) PrimaryKey() (Key, error) {
	if len(t) == 0 {
		return Key{}, errors.New("tuple is empty")
	}
	return KeyOf(t[0])
}

// Clone returns a shallow copy, fields are scalars.
func (t Tuple) Clone() Tuple {
	if t == nil {
		return nil
	}
	out := make(Tuple, len(t))
	copy(out, t)
	return out
}

// Normalize returns a copy with every field converted by NormalizeValue.
func (t Tuple) Normalize() (Tuple, error) {
	out := make(Tuple, len(t))
	for i, v := range t {
		n, err := NormalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i+1, err)
		}
		out[i] = n
	}
	return out, nil
}

func (t *Tuple) UnmarshalJSON(b []byte) error {
	if isNull(b) {
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(Tuple, len(raw))
	for i, r := range raw {
		v, err := decodeValue(r)
		if err != nil {
			return fmt.Errorf("field %d: %w", i+1, err)
		}
		out[i] = v
	}
	*t = out
	return nil
}

// UpdateOp is a single field operation of an update.
// Field is 1-based, as in the storage engine the system fronts.
type UpdateOp struct {
	Op    string `json:"op"`
	Field int    `json:"field"`
	Value any    `json:"value"`
}

func (o *UpdateOp) UnmarshalJSON(b []byte) error {
	var raw struct {
		Op    string          `json:"op"`
		Field int             `json:"field"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var v any
	if len(raw.Value) > 0 {
		var err error
		if v, err = decodeValue(raw.Value); err != nil {
			return err
		}
	}
	*o = UpdateOp{Op: raw.Op, Field: raw.Field, Value: v}
	return nil
}

// ValidateUpdate checks the shape of update operations without a tuple.
func ValidateUpdate(ops []UpdateOp) error {
	if len(ops) == 0 {
		return fmt.Errorf("%w: no operations", ErrInvalidUpdate)
	}
	for _, op := range ops {
		switch op.Op {
		case "=", "+", "-":
		default:
			return fmt.Errorf(`%w: unknown operator "%s"`, ErrInvalidUpdate, op.Op)
		}
		if op.Field < 1 {
			return fmt.Errorf("%w: field %d out of range", ErrInvalidUpdate, op.Field)
		}
		if op.Field == 1 {
			return fmt.Errorf("%w: primary key cannot be modified", ErrInvalidUpdate)
		}
	}
	return nil
}

// ApplyUpdate returns a new tuple with the operations applied in order.
func ApplyUpdate(t Tuple, ops []UpdateOp) (Tuple, error) {
	if err := ValidateUpdate(ops); err != nil {
		return nil, err
	}
	out := t.Clone()
	for _, op := range ops {
		value, err := NormalizeValue(op.Value)
		if err != nil {
			return nil, err
		}
		idx := op.Field - 1
		switch {
		case idx < len(out):
		case idx == len(out) && op.Op == "=":
			out = append(out, nil)
		default:
			return nil, fmt.Errorf("%w: field %d out of range", ErrInvalidUpdate, op.Field)
		}
		switch op.Op {
		case "=":
			out[idx] = value
		case "+", "-":
			if out[idx], err = arithmetic(op.Op, out[idx], value); err != nil {
				return nil, fmt.Errorf("field %d: %w", op.Field, err)
			}
		}
	}
	return out, nil
}

func arithmetic(op string, a, b any) (any, error) {
	ai, aInt := a.(int64)
	bi, bInt := b.(int64)
	if aInt && bInt {
		if op == "-" {
			bi = -bi
		}
		sum := ai + bi
		if (bi > 0 && sum < ai) || (bi < 0 && sum > ai) {
			return nil, fmt.Errorf("%w: integer overflow", ErrInvalidUpdate)
		}
		return sum, nil
	}
	af, aOk := toFloat(a)
	bf, bOk := toFloat(b)
	if !aOk || !bOk {
		return nil, fmt.Errorf("%w: arithmetic on %T and %T", ErrInvalidUpdate, a, b)
	}
	if op == "-" {
		return af - bf, nil
	}
	return af + bf, nil
}

func toFloat(v any) (float64, bool) {
	switch v := v.(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

// NormalizeValue converts a decoded scalar to its canonical Go type:
// integers to int64, other numbers to float64. Strings, booleans and nil
// are kept. Composite values are rejected.
func NormalizeValue(v any) (any, error) {
	switch v := v.(type) {
	case nil, string, bool, int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", v)
		}
		return int64(v), nil
	case float32:
		return normalizeFloat(float64(v)), nil
	case float64:
		return normalizeFloat(v), nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		f, err := v.Float64()
		if err != nil {
			return nil, err
		}
		return normalizeFloat(f), nil
	default:
		return nil, fmt.Errorf("unsupported field type %T", v)
	}
}

func normalizeFloat(f float64) any {
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f)
	}
	return f
}

func decodeValue(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return NormalizeValue(v)
}

func isNull(b []byte) bool {
	return string(bytes.TrimSpace(b)) == "null"
}
