package domain

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Document is the caller-facing state of one logical entity of a registered type.
// Fields holds the declared field values keyed by field name.
type Document struct {
	Type   string         `json:"type"`
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// NewDocument creates a document, copying fields.
func NewDocument(docType, id string, fields map[string]any) Document {
	cp := make(map[string]any, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return Document{Type: docType, ID: id, Fields: cp}
}

// Get returns a field value.
func (d Document) Get(field string) (any, bool) {
	v, ok := d.Fields[field]
	return v, ok
}

// String returns a string field value or "".
func (d Document) String(field string) string {
	s, _ := d.Fields[field].(string)
	return s
}

// NormalizeValue converts a caller supplied value into the canonical value
// space used by the store: string, int64, float64, bool or a slice of those.
func NormalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string, bool, int64, float64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("%w: value %d overflows int64", ErrSchemaViolation, x)
		}
		return int64(x), nil
	case float32:
		return float64(x), nil
	case time.Time:
		return x.UnixMilli(), nil
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			n, err := NormalizeValue(e)
			if err != nil {
				return nil, err
			}
			if _, nested := n.([]any); nested {
				return nil, fmt.Errorf("%w: nested lists are not supported", ErrSchemaViolation)
			}
			out[i] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported value type %T", ErrSchemaViolation, v)
	}
}

// CheckValue verifies a normalized value against a field declaration.
func CheckValue(f Field, v any) error {
	if list, ok := v.([]any); ok {
		if !f.Multi {
			return fmt.Errorf("field %q does not accept multiple values", f.Name)
		}
		for _, e := range list {
			if err := checkScalar(f, e); err != nil {
				return err
			}
		}
		return nil
	}
	return checkScalar(f, v)
}

func checkScalar(f Field, v any) error {
	ok := false
	switch f.Kind {
	case FieldKeyword, FieldText:
		_, ok = v.(string)
	case FieldLong, FieldDate:
		_, ok = v.(int64)
	case FieldFloat:
		switch v.(type) {
		case float64, int64:
			ok = true
		}
	case FieldBoolean:
		_, ok = v.(bool)
	}
	if !ok {
		return fmt.Errorf("field %q expects %s, got %T", f.Name, f.Kind, v)
	}
	return nil
}

// ToFloat converts a numeric canonical value to float64.
func ToFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	}
	return 0, false
}

// Values flattens a field value into its scalar members.
func Values(v any) []any {
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		return x
	default:
		return []any{x}
	}
}

// EqualFields compares two field maps by value.
func EqualFields(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		bv, ok := b[k]
		if !ok || !EqualValue(a[k], bv) {
			return false
		}
	}
	return true
}

// EqualValue compares two canonical values; numbers compare by value.
func EqualValue(a, b any) bool {
	al, aList := a.([]any)
	bl, bList := b.([]any)
	if aList || bList {
		if !aList || !bList || len(al) != len(bl) {
			return false
		}
		for i := range al {
			if !EqualValue(al[i], bl[i]) {
				return false
			}
		}
		return true
	}
	af, aNum := ToFloat(a)
	bf, bNum := ToFloat(b)
	if aNum && bNum {
		return af == bf
	}
	return a == b
}
