package entity

import (
	"fmt"
	"io"
	"os"

	"go.yaml.in/yaml/v3"
)

// Canvas fan-out parents shared by several entities.
var (
	coursesParent = FanOut{
		Endpoint:    "/api/v1/accounts/{account_id}/courses?state[]=available",
		KeyField:    "id",
		Placeholder: "course_id",
		Column:      "course_id",
	}
	quizzesParent = FanOut{
		Endpoint:    "/api/v1/courses/{course_id}/quizzes",
		KeyField:    "id",
		Placeholder: "quiz_id",
		Column:      "quiz_id",
		Parent:      &coursesParent,
	}
	topicsParent = FanOut{
		Endpoint:    "/api/v1/courses/{course_id}/discussion_topics",
		KeyField:    "id",
		Placeholder: "topic_id",
		Column:      "topic_id",
		Parent:      &coursesParent,
	}
)

// CanvasCatalog returns the built-in Canvas entity specs for accountID.
func CanvasCatalog(accountID string) []Spec {
	vars := map[string]string{"account_id": accountID}

	specs := []Spec{
		{
			Name:       "users",
			Endpoint:   "/api/v1/accounts/{account_id}/users",
			PrimaryKey: "id",
			Table:      "canvas_users",
			PageSize:   100,
			Fields: []Field{
				{Column: "id", Type: TypeInt},
				{Column: "name", Type: TypeString},
				{Column: "sortable_name", Type: TypeString},
				{Column: "short_name", Type: TypeString},
				{Column: "sis_user_id", Type: TypeString},
				{Column: "sis_import_id", Type: TypeString},
				{Column: "integration_id", Type: TypeString},
				{Column: "login_id", Type: TypeString},
				{Column: "email", Type: TypeString},
				{Column: "created_at", Type: TypeTime},
			},
		},
		{
			Name:       "courses",
			Endpoint:   "/api/v1/accounts/{account_id}/courses?state[]=available",
			PrimaryKey: "id",
			Table:      "canvas_courses",
			PageSize:   100,
			Fields: []Field{
				{Column: "id", Type: TypeInt},
				{Column: "name", Type: TypeString},
				{Column: "course_code", Type: TypeString},
				{Column: "workflow_state", Type: TypeString},
				{Column: "account_id", Type: TypeInt},
				{Column: "enrollment_term_id", Type: TypeInt},
				{Column: "sis_course_id", Type: TypeString},
				{Column: "start_at", Type: TypeTime},
				{Column: "end_at", Type: TypeTime},
				{Column: "created_at", Type: TypeTime},
			},
		},
		{
			Name:       "course_enrollment",
			Endpoint:   "/api/v1/courses/{course_id}/users",
			PrimaryKey: "enrollment_key",
			Table:      "canvas_course_enrollment",
			PageSize:   100,
			FanOut:     &coursesParent,
			Fields: []Field{
				{Column: "enrollment_key", Type: TypeString, Compose: []string{"course_id", "id"}},
				{Column: "course_id", Type: TypeInt, Required: true},
				{Column: "user_id", Source: "id", Type: TypeInt, Required: true},
				{Column: "name", Type: TypeString},
				{Column: "sortable_name", Type: TypeString},
				{Column: "sis_user_id", Type: TypeString},
				{Column: "login_id", Type: TypeString},
				{Column: "email", Type: TypeString},
			},
		},
		{
			Name:       "assignments",
			Endpoint:   "/api/v1/courses/{course_id}/assignments",
			PrimaryKey: "id",
			Table:      "canvas_assignments",
			PageSize:   100,
			FanOut:     &coursesParent,
			Fields: []Field{
				{Column: "id", Type: TypeString},
				{Column: "course_id", Type: TypeInt, Required: true},
				{Column: "name", Type: TypeString},
				{Column: "description", Type: TypeString, Transform: TransformStripHTML},
				{Column: "points_possible", Type: TypeFloat},
				{Column: "grading_type", Type: TypeString},
				{Column: "submission_types", Type: TypeJSON},
				{Column: "published", Type: TypeBool},
				{Column: "due_at", Type: TypeTime},
				{Column: "created_at", Type: TypeTime},
				{Column: "updated_at", Type: TypeTime},
			},
		},
		{
			Name:       "assignment_submissions",
			Endpoint:   "/api/v1/courses/{course_id}/students/submissions?student_ids[]=all",
			PrimaryKey: "id",
			Table:      "canvas_assignment_submissions",
			PageSize:   100,
			FanOut:     &coursesParent,
			Fields: []Field{
				{Column: "id", Type: TypeInt},
				{Column: "course_id", Type: TypeInt, Required: true},
				{Column: "assignment_id", Type: TypeInt},
				{Column: "user_id", Type: TypeInt},
				{Column: "score", Type: TypeFloat},
				{Column: "grade", Type: TypeString},
				{Column: "attempt", Type: TypeInt},
				{Column: "workflow_state", Type: TypeString},
				{Column: "late", Type: TypeBool},
				{Column: "missing", Type: TypeBool},
				{Column: "submitted_at", Type: TypeTime},
				{Column: "graded_at", Type: TypeTime},
			},
		},
		{
			Name:       "quizzes",
			Endpoint:   "/api/v1/courses/{course_id}/quizzes",
			PrimaryKey: "id",
			Table:      "canvas_quizzes",
			PageSize:   100,
			FanOut:     &coursesParent,
			Fields: []Field{
				{Column: "id", Type: TypeString},
				{Column: "course_id", Type: TypeInt, Required: true},
				{Column: "title", Type: TypeString},
				{Column: "quiz_type", Type: TypeString},
				{Column: "points_possible", Type: TypeFloat},
				{Column: "question_count", Type: TypeInt},
				{Column: "time_limit", Type: TypeInt},
				{Column: "published", Type: TypeBool},
				{Column: "due_at", Type: TypeTime},
			},
		},
		{
			Name:       "quiz_submissions",
			Endpoint:   "/api/v1/courses/{course_id}/quizzes/{quiz_id}/submissions",
			PrimaryKey: "id",
			Table:      "canvas_quiz_submissions",
			PageSize:   100,
			RecordsKey: "quiz_submissions",
			FanOut:     &quizzesParent,
			Fields: []Field{
				{Column: "id", Type: TypeInt},
				{Column: "course_id", Type: TypeInt, Required: true},
				{Column: "quiz_id", Type: TypeInt},
				{Column: "user_id", Type: TypeInt},
				{Column: "attempt", Type: TypeInt},
				{Column: "score", Type: TypeFloat},
				{Column: "kept_score", Type: TypeFloat},
				{Column: "workflow_state", Type: TypeString},
				{Column: "started_at", Type: TypeTime},
				{Column: "finished_at", Type: TypeTime},
			},
		},
		{
			Name:       "discussions",
			Endpoint:   "/api/v1/courses/{course_id}/discussion_topics",
			PrimaryKey: "id",
			Table:      "canvas_discussions",
			PageSize:   100,
			FanOut:     &coursesParent,
			Fields: []Field{
				{Column: "id", Type: TypeString},
				{Column: "course_id", Type: TypeInt, Required: true},
				{Column: "title", Type: TypeString},
				{Column: "message", Type: TypeString, Transform: TransformStripHTML},
				{Column: "discussion_type", Type: TypeString},
				{Column: "discussion_subentry_count", Type: TypeInt},
				{Column: "published", Type: TypeBool},
				{Column: "posted_at", Type: TypeTime},
				{Column: "author", Type: TypeJSON},
			},
		},
		{
			Name:       "discussion_entries",
			Endpoint:   "/api/v1/courses/{course_id}/discussion_topics/{topic_id}/view",
			PrimaryKey: "id",
			Table:      "canvas_discussion_entries",
			PageSize:   100,
			RecordsKey: "view",
			Flatten:    "replies",
			FanOut:     &topicsParent,
			Fields: []Field{
				{Column: "id", Type: TypeInt},
				{Column: "course_id", Type: TypeInt, Required: true},
				{Column: "topic_id", Type: TypeInt, Required: true},
				{Column: "parent_id", Type: TypeInt},
				{Column: "user_id", Type: TypeInt},
				{Column: "message", Type: TypeString, Transform: TransformStripHTML},
				{Column: "created_at", Type: TypeTime},
				{Column: "updated_at", Type: TypeTime},
			},
		},
	}

	for i := range specs {
		specs[i] = specs[i].Bind(vars)
	}
	return specs
}

// Bind substitutes run-wide variables (account id) into the entity endpoints.
// Fan-out placeholders are left for the paginator.
func (s Spec) Bind(vars map[string]string) Spec {
	s.Endpoint = Expand(s.Endpoint, vars)
	s.FanOut = s.FanOut.bind(vars)
	return s
}

func (f *FanOut) bind(vars map[string]string) *FanOut {
	if f == nil {
		return nil
	}
	bound := *f
	bound.Endpoint = Expand(f.Endpoint, vars)
	bound.Parent = f.Parent.bind(vars)
	return &bound
}

type catalogFile struct {
	Entities []Spec `yaml:"entities"`
}

// LoadCatalog decodes a YAML catalog ("entities:" list) and binds vars.
func LoadCatalog(r io.Reader, vars map[string]string) ([]Spec, error) {
	var file catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode entity catalog: %w", err)
	}
	specs := make([]Spec, 0, len(file.Entities))
	for _, s := range file.Entities {
		specs = append(specs, s.Bind(vars))
	}
	if err := ValidateAll(specs); err != nil {
		return nil, err
	}
	return specs, nil
}

// LoadCatalogFile is LoadCatalog over a file path.
func LoadCatalogFile(path string, vars map[string]string) ([]Spec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open entity catalog: %w", err)
	}
	defer f.Close()
	return LoadCatalog(f, vars)
}
