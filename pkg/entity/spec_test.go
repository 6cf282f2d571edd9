package entity

import (
	"errors"
	"strings"
	"testing"
)

func validSpec() Spec {
	return Spec{
		Name:       "users",
		Endpoint:   "/api/v1/accounts/1/users",
		PrimaryKey: "id",
		Table:      "canvas_users",
		Fields: []Field{
			{Column: "id", Type: TypeInt},
			{Column: "name", Type: TypeString},
		},
	}
}

func TestSpec_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s *Spec)
		wantErr bool
	}{
		{name: "valid", mutate: func(s *Spec) {}},
		{name: "missing name", mutate: func(s *Spec) { s.Name = "" }, wantErr: true},
		{name: "empty endpoint", mutate: func(s *Spec) { s.Endpoint = "  " }, wantErr: true},
		{name: "bad table", mutate: func(s *Spec) { s.Table = "canvas users; drop" }, wantErr: true},
		{name: "no fields", mutate: func(s *Spec) { s.Fields = nil }, wantErr: true},
		{name: "pk not mapped", mutate: func(s *Spec) { s.PrimaryKey = "uuid" }, wantErr: true},
		{name: "duplicate column", mutate: func(s *Spec) {
			s.Fields = append(s.Fields, Field{Column: "name", Type: TypeString})
		}, wantErr: true},
		{name: "cursor param without cursor field", mutate: func(s *Spec) { s.CursorParam = "cursor" }, wantErr: true},
		{name: "cursor param", mutate: func(s *Spec) {
			s.NextCursorField = "meta.next"
			s.CursorParam = "cursor"
		}},
		{name: "unknown type", mutate: func(s *Spec) { s.Fields[1].Type = "decimal" }, wantErr: true},
		{name: "fan-out placeholder unused", mutate: func(s *Spec) {
			s.FanOut = &FanOut{Endpoint: "/api/v1/courses", KeyField: "id", Placeholder: "course_id"}
		}, wantErr: true},
		{name: "fan-out placeholder used", mutate: func(s *Spec) {
			s.Endpoint = "/api/v1/courses/{course_id}/users"
			s.FanOut = &FanOut{Endpoint: "/api/v1/courses", KeyField: "id", Placeholder: "course_id"}
		}},
		{name: "fan-out incomplete", mutate: func(s *Spec) {
			s.Endpoint = "/api/v1/courses/{course_id}/users"
			s.FanOut = &FanOut{Endpoint: "/api/v1/courses", Placeholder: "course_id"}
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSpec()
			tt.mutate(&s)
			err := s.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidSpec) {
				t.Errorf("Expected ErrInvalidSpec, got %v", err)
			}
		})
	}
}

func TestValidateAll(t *testing.T) {
	if err := ValidateAll(nil); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("empty list: expected ErrInvalidSpec, got %v", err)
	}

	dup := []Spec{validSpec(), validSpec()}
	if err := ValidateAll(dup); err == nil || !strings.Contains(err.Error(), "duplicate entity") {
		t.Errorf("duplicates: expected duplicate entity error, got %v", err)
	}

	if err := ValidateAll([]Spec{validSpec()}); err != nil {
		t.Errorf("single valid spec: unexpected error %v", err)
	}
}

func TestSelect(t *testing.T) {
	a, b := validSpec(), validSpec()
	b.Name = "courses"
	specs := []Spec{a, b}

	all, err := Select(specs, nil)
	if err != nil || len(all) != 2 {
		t.Fatalf("Select(nil) = %d specs, %v", len(all), err)
	}

	picked, err := Select(specs, []string{"courses", " users"})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if picked[0].Name != "courses" || picked[1].Name != "users" {
		t.Errorf("Select() order = %s,%s, want courses,users", picked[0].Name, picked[1].Name)
	}

	if _, err := Select(specs, []string{"grades"}); err == nil {
		t.Error("Expected error for unknown entity")
	}
}

func TestExpand(t *testing.T) {
	got := Expand("/api/v1/courses/{course_id}/quizzes/{quiz_id}/submissions", map[string]string{
		"course_id": "7",
		"quiz_id":   "42",
	})
	want := "/api/v1/courses/7/quizzes/42/submissions"
	if got != want {
		t.Errorf("Expand() = %q, want %q", got, want)
	}
	if Expand("/x/{y}", nil) != "/x/{y}" {
		t.Error("Expand with no vars should return the template")
	}
}

func TestCanvasCatalog(t *testing.T) {
	specs := CanvasCatalog("1")

	if err := ValidateAll(specs); err != nil {
		t.Fatalf("built-in catalog must validate: %v", err)
	}

	want := []string{
		"users", "courses", "course_enrollment", "assignments", "assignment_submissions",
		"quizzes", "quiz_submissions", "discussions", "discussion_entries",
	}
	if len(specs) != len(want) {
		t.Fatalf("catalog has %d entities, want %d", len(specs), len(want))
	}
	for i, name := range want {
		if specs[i].Name != name {
			t.Errorf("specs[%d] = %s, want %s", i, specs[i].Name, name)
		}
		if specs[i].Table != "canvas_"+name {
			t.Errorf("%s: table = %s, want canvas_%s", name, specs[i].Table, name)
		}
		if strings.Contains(specs[i].Endpoint, "{account_id}") {
			t.Errorf("%s: account id not substituted: %s", name, specs[i].Endpoint)
		}
	}

	qs := specs[6]
	if qs.FanOut == nil || qs.FanOut.Parent == nil {
		t.Fatal("quiz_submissions should fan out over courses then quizzes")
	}
	if got := qs.FanOut.Parent.Endpoint; got != "/api/v1/accounts/1/courses?state[]=available" {
		t.Errorf("nested parent endpoint = %q", got)
	}
}

func TestLoadCatalog(t *testing.T) {
	doc := `
entities:
  - name: sections
    endpoint: /api/v1/courses/{course_id}/sections
    primary_key: id
    table: canvas_sections
    page_size: 50
    fan_out:
      endpoint: /api/v1/accounts/{account_id}/courses
      key_field: id
      placeholder: course_id
      column: course_id
    fields:
      - column: id
        type: int
      - column: course_id
        type: int
        required: true
      - column: name
        type: string
`
	specs, err := LoadCatalog(strings.NewReader(doc), map[string]string{"account_id": "9"})
	if err != nil {
		t.Fatalf("LoadCatalog() error = %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("got %d specs, want 1", len(specs))
	}
	s := specs[0]
	if s.PageSize != 50 || s.Table != "canvas_sections" {
		t.Errorf("unexpected spec: %+v", s)
	}
	if s.FanOut.Endpoint != "/api/v1/accounts/9/courses" {
		t.Errorf("fan-out endpoint = %q", s.FanOut.Endpoint)
	}
	if s.Endpoint != "/api/v1/courses/{course_id}/sections" {
		t.Errorf("fan-out placeholder should be kept, got %q", s.Endpoint)
	}
}

func TestLoadCatalog_UnknownField(t *testing.T) {
	doc := `
entities:
  - name: users
    endpoint: /u
    primary_key: id
    table: t
    colour: red
    fields:
      - column: id
        type: int
`
	if _, err := LoadCatalog(strings.NewReader(doc), nil); err == nil {
		t.Error("Expected error for unknown YAML field")
	}
}
