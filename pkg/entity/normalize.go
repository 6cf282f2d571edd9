package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrNormalizationSkipped marks a raw record that cannot become a row.
// Such records are counted and dropped, never loaded.
var ErrNormalizationSkipped = errors.New("record skipped")

// FieldType is the expected scalar type of a column.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
	TypeFloat  FieldType = "float"
	TypeBool   FieldType = "bool"
	TypeTime   FieldType = "time"
	// TypeJSON stores nested objects/arrays as their JSON text.
	TypeJSON FieldType = "json"
)

func (t FieldType) valid() bool {
	switch t {
	case TypeString, TypeInt, TypeFloat, TypeBool, TypeTime, TypeJSON:
		return true
	}
	return false
}

// Transform post-processes string values.
type Transform string

const (
	TransformNone      Transform = ""
	TransformStripHTML Transform = "strip_html"
)

// Field maps one JSON value onto one column.
type Field struct {
	Column string `yaml:"column"`

	// Source is a dotted path into the raw record. Defaults to Column.
	Source string `yaml:"source,omitempty"`

	Type      FieldType `yaml:"type"`
	Required  bool      `yaml:"required,omitempty"`
	Transform Transform `yaml:"transform,omitempty"`

	// Compose builds the value by joining several source paths with ":".
	// Used for synthetic keys such as course_id:user_id.
	Compose []string `yaml:"compose,omitempty"`
}

// Record is a normalized row keyed by column.
type Record map[string]any

var htmlTags = regexp.MustCompile(`<.*?>`)

// Normalize maps raw onto the entity's columns. Records missing the primary key
// or a required field, or carrying an unparseable scalar, yield an error
// wrapping ErrNormalizationSkipped.
func (s Spec) Normalize(raw map[string]any) (Record, error) {
	rec := make(Record, len(s.Fields))
	for _, f := range s.Fields {
		v, err := f.value(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: column %s: %v", ErrNormalizationSkipped, s.Name, f.Column, err)
		}
		if v == nil && (f.Required || f.Column == s.PrimaryKey) {
			return nil, fmt.Errorf("%w: %s: missing required column %s", ErrNormalizationSkipped, s.Name, f.Column)
		}
		rec[f.Column] = v
	}
	return rec, nil
}

func (f Field) value(raw map[string]any) (any, error) {
	if len(f.Compose) > 0 {
		parts := make([]string, 0, len(f.Compose))
		for _, path := range f.Compose {
			v, ok := Lookup(raw, path)
			if !ok || v == nil {
				return nil, nil
			}
			s, err := toString(v)
			if err != nil {
				return nil, err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ":"), nil
	}

	source := f.Source
	if source == "" {
		source = f.Column
	}
	v, ok := Lookup(raw, source)
	if !ok || v == nil {
		return nil, nil
	}

	switch f.Type {
	case TypeString:
		s, err := toString(v)
		if err != nil {
			return nil, err
		}
		if f.Transform == TransformStripHTML {
			s = htmlTags.ReplaceAllString(s, "")
		}
		return s, nil
	case TypeInt:
		return toInt(v)
	case TypeFloat:
		return toFloat(v)
	case TypeBool:
		return toBool(v)
	case TypeTime:
		return toTime(v)
	case TypeJSON:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return nil, fmt.Errorf("unknown type %q", f.Type)
}

// Lookup resolves a dotted path ("user.id") in a decoded JSON object.
func Lookup(raw map[string]any, path string) (any, bool) {
	var cur any = raw
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// KeyString renders a scalar key (course id, quiz id) as text. Integral
// decimals lose their fraction so "12.0" and 12 produce the same key.
func KeyString(v any) (string, error) {
	return toString(v)
}

func toString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case json.Number:
		if _, err := x.Int64(); err == nil {
			return x.String(), nil
		}
		// Integral decimals ("12.0") come back as their integer text.
		if f, err := x.Float64(); err == nil && f == math.Trunc(f) {
			return strconv.FormatFloat(f, 'f', -1, 64), nil
		}
		return x.String(), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(x), nil
	case map[string]any, []any:
		return "", fmt.Errorf("expected scalar, got %T", v)
	}
	return fmt.Sprint(v), nil
}

func toInt(v any) (int64, error) {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil || f != math.Trunc(f) {
			return 0, fmt.Errorf("not an integer: %s", x)
		}
		return int64(f), nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("not an integer: %v", x)
		}
		return int64(x), nil
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(x), 10, 64)
	}
	return 0, fmt.Errorf("expected integer, got %T", v)
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case json.Number:
		return x.Float64()
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	}
	return 0, fmt.Errorf("expected number, got %T", v)
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		return strconv.ParseBool(x)
	}
	return false, fmt.Errorf("expected boolean, got %T", v)
}

func toTime(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("expected timestamp string, got %T", v)
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// FlattenChildren lifts nested child records stored under key into a flat
// list, depth first, removing key from each copy.
func FlattenChildren(records []map[string]any, key string) []map[string]any {
	if key == "" {
		return records
	}
	out := make([]map[string]any, 0, len(records))
	var walk func(r map[string]any)
	walk = func(r map[string]any) {
		flat := make(map[string]any, len(r))
		for k, v := range r {
			if k != key {
				flat[k] = v
			}
		}
		out = append(out, flat)
		children, _ := r[key].([]any)
		for _, c := range children {
			if m, ok := c.(map[string]any); ok {
				walk(m)
			}
		}
	}
	for _, r := range records {
		walk(r)
	}
	return out
}
