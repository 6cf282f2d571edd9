// Package entity describes the extractable Canvas entities: where they live
// upstream, how their JSON payloads map onto table columns, and where they land.
package entity

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ErrInvalidSpec is returned for specs that cannot be extracted.
var ErrInvalidSpec = errors.New("invalid entity spec")

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Spec is the immutable description of one entity type.
type Spec struct {
	// Name identifies the entity within a run ("assignments").
	Name string `yaml:"name"`

	// Endpoint is the API path template, e.g. "/api/v1/courses/{course_id}/assignments".
	Endpoint string `yaml:"endpoint"`

	// PrimaryKey is the destination column used as the upsert key.
	PrimaryKey string `yaml:"primary_key"`

	// Table is the destination table.
	Table string `yaml:"table"`

	// PageSize is a hint; the paginator clamps it into the upstream's range.
	PageSize int `yaml:"page_size,omitempty"`

	// RecordsKey names the envelope field holding the records when the
	// response body is an object rather than an array.
	RecordsKey string `yaml:"records_key,omitempty"`

	// NextCursorField is a dotted path to a body-level next cursor. The Link
	// header is used when empty.
	NextCursorField string `yaml:"next_cursor_field,omitempty"`

	// CursorParam sends a body-level cursor as this query parameter of the
	// first-page request. Without it the cursor is followed as a URL.
	CursorParam string `yaml:"cursor_param,omitempty"`

	// Flatten names a key holding nested child records (discussion replies)
	// that are lifted into the record stream recursively.
	Flatten string `yaml:"flatten,omitempty"`

	// FanOut enumerates parent keys before paginating Endpoint once per parent.
	FanOut *FanOut `yaml:"fan_out,omitempty"`

	// Fields is the explicit column mapping. Unknown JSON fields are dropped.
	Fields []Field `yaml:"fields"`
}

// FanOut describes a parent collection whose keys are substituted into the
// child endpoint.
type FanOut struct {
	// Endpoint lists the parents. It may itself contain placeholders bound by Parent.
	Endpoint string `yaml:"endpoint"`

	// RecordsKey as in Spec, for the parent listing.
	RecordsKey string `yaml:"records_key,omitempty"`

	// KeyField is the dotted JSON path of the parent key ("id").
	KeyField string `yaml:"key_field"`

	// Placeholder is substituted in child endpoints as {Placeholder}.
	Placeholder string `yaml:"placeholder"`

	// Column receives the parent key on every child record. Optional.
	Column string `yaml:"column,omitempty"`

	// Parent nests another fan-out level (courses -> quizzes -> submissions).
	Parent *FanOut `yaml:"parent,omitempty"`
}

// Columns returns the destination columns in mapping order.
func (s Spec) Columns() []string {
	cols := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		cols = append(cols, f.Column)
	}
	return cols
}

// Field returns the mapping for column, if present.
func (s Spec) Field(column string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Column == column {
			return f, true
		}
	}
	return Field{}, false
}

// Validate checks a single spec.
func (s Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSpec)
	}
	if strings.TrimSpace(s.Endpoint) == "" {
		return fmt.Errorf("%w: %s: endpoint is required", ErrInvalidSpec, s.Name)
	}
	if !identifierPattern.MatchString(s.Table) {
		return fmt.Errorf("%w: %s: invalid table name %q", ErrInvalidSpec, s.Name, s.Table)
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("%w: %s: at least one field is required", ErrInvalidSpec, s.Name)
	}

	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if !identifierPattern.MatchString(f.Column) {
			return fmt.Errorf("%w: %s: invalid column name %q", ErrInvalidSpec, s.Name, f.Column)
		}
		if seen[f.Column] {
			return fmt.Errorf("%w: %s: duplicate column %q", ErrInvalidSpec, s.Name, f.Column)
		}
		seen[f.Column] = true
		if !f.Type.valid() {
			return fmt.Errorf("%w: %s: column %q has unknown type %q", ErrInvalidSpec, s.Name, f.Column, f.Type)
		}
	}

	if s.CursorParam != "" && s.NextCursorField == "" {
		return fmt.Errorf("%w: %s: cursor_param requires next_cursor_field", ErrInvalidSpec, s.Name)
	}

	if _, ok := s.Field(s.PrimaryKey); !ok {
		return fmt.Errorf("%w: %s: primary key %q is not a mapped field", ErrInvalidSpec, s.Name, s.PrimaryKey)
	}

	for f := s.FanOut; f != nil; f = f.Parent {
		if f.Endpoint == "" || f.KeyField == "" || f.Placeholder == "" {
			return fmt.Errorf("%w: %s: fan_out needs endpoint, key_field and placeholder", ErrInvalidSpec, s.Name)
		}
		if !strings.Contains(s.Endpoint, "{"+f.Placeholder+"}") && !fanOutUses(s.FanOut, f.Placeholder) {
			return fmt.Errorf("%w: %s: placeholder {%s} is never used", ErrInvalidSpec, s.Name, f.Placeholder)
		}
	}

	return nil
}

func fanOutUses(f *FanOut, placeholder string) bool {
	for ; f != nil; f = f.Parent {
		if strings.Contains(f.Endpoint, "{"+placeholder+"}") {
			return true
		}
	}
	return false
}

// ValidateAll validates every spec and rejects duplicate names.
func ValidateAll(specs []Spec) error {
	if len(specs) == 0 {
		return fmt.Errorf("%w: no entities configured", ErrInvalidSpec)
	}
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if err := s.Validate(); err != nil {
			return err
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: duplicate entity %q", ErrInvalidSpec, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// Select returns the specs named in names, in the order given. An empty
// selection returns all specs.
func Select(specs []Spec, names []string) ([]Spec, error) {
	if len(names) == 0 {
		return specs, nil
	}
	byName := make(map[string]Spec, len(specs))
	for _, s := range specs {
		byName[s.Name] = s
	}
	selected := make([]Spec, 0, len(names))
	for _, n := range names {
		s, ok := byName[strings.TrimSpace(n)]
		if !ok {
			known := make([]string, 0, len(byName))
			for k := range byName {
				known = append(known, k)
			}
			sort.Strings(known)
			return nil, fmt.Errorf("unknown entity %q (known: %s)", n, strings.Join(known, ", "))
		}
		selected = append(selected, s)
	}
	return selected, nil
}

// Expand substitutes {name} placeholders in template.
func Expand(template string, vars map[string]string) string {
	if len(vars) == 0 {
		return template
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
