package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evisions/canvas-ingest/pkg/entity"
)

func courseSpec() entity.Spec {
	return entity.Spec{
		Name:       "courses",
		Endpoint:   "/api/v1/accounts/1/courses",
		PrimaryKey: "id",
		Table:      "canvas_courses",
		Fields: []entity.Field{
			{Column: "id", Type: entity.TypeInt},
			{Column: "name", Type: entity.TypeString},
			{Column: "published", Type: entity.TypeBool},
			{Column: "points", Type: entity.TypeFloat},
			{Column: "start_at", Type: entity.TypeTime},
			{Column: "meta", Type: entity.TypeJSON},
		},
	}
}

func openSQLite(t *testing.T) *SQLStore {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Driver = "sqlite"
	cfg.DSN = filepath.Join(t.TempDir(), "ingest.db")

	s, err := Open(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.EnsureTable(context.Background(), courseSpec()))
	return s
}

func row(id int64, name string) entity.Record {
	return entity.Record{
		"id":        id,
		"name":      name,
		"published": true,
		"points":    1.5,
		"start_at":  time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC),
		"meta":      `{"k":"v"}`,
	}
}

func TestDialectFor(t *testing.T) {
	d, err := DialectFor("postgres")
	require.NoError(t, err)
	assert.Equal(t, "pgx", d.Driver)

	d, err = DialectFor("SQLite3")
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", d.Driver)

	_, err = DialectFor("mysql")
	assert.Error(t, err)
}

func TestUpsertSQL(t *testing.T) {
	got := Postgres.upsertSQL("canvas_users", "id", []string{"id", "name"}, 2)
	want := `INSERT INTO "canvas_users" ("id", "name") VALUES ($1, $2), ($3, $4) ON CONFLICT ("id") DO UPDATE SET "name" = EXCLUDED."name"`
	assert.Equal(t, want, got)

	got = SQLite.upsertSQL("t", "id", []string{"id"}, 1)
	assert.Equal(t, `INSERT INTO "t" ("id") VALUES (?) ON CONFLICT ("id") DO NOTHING`, got)
}

func TestQuote(t *testing.T) {
	assert.Equal(t, `"canvas_users"`, Quote("canvas_users"))
	assert.Equal(t, `"a""b"`, Quote(`a"b`))
}

func TestCreateTableSQL(t *testing.T) {
	sql := Postgres.createTableSQL(courseSpec())
	assert.Contains(t, sql, `CREATE TABLE IF NOT EXISTS "canvas_courses"`)
	assert.Contains(t, sql, `"id" BIGINT NOT NULL`)
	assert.Contains(t, sql, `"meta" JSONB`)
	assert.Contains(t, sql, `"start_at" TIMESTAMPTZ`)
	assert.Contains(t, sql, `PRIMARY KEY ("id")`)
}

func TestOpen_Validation(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "sqlite"}, zerolog.Nop())
	assert.ErrorContains(t, err, "dsn is required")

	_, err = Open(context.Background(), Config{Driver: "oracle", DSN: "x"}, zerolog.Nop())
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestUpsert_InsertThenOverwrite(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	spec := courseSpec()

	n, err := s.Upsert(ctx, spec.Table, spec.PrimaryKey, spec.Columns(), []entity.Record{row(1, "Algebra"), row(2, "Biology")})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	updated := row(1, "Algebra II")
	updated["points"] = nil
	_, err = s.Upsert(ctx, spec.Table, spec.PrimaryKey, spec.Columns(), []entity.Record{updated, row(3, "Chemistry")})
	require.NoError(t, err)

	count, err := s.Count(ctx, spec.Table)
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)

	var name string
	var points *float64
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT name, points FROM canvas_courses WHERE id = 1`).Scan(&name, &points))
	assert.Equal(t, "Algebra II", name)
	assert.Nil(t, points, "full overwrite must clear columns missing from the new row")
}

func TestUpsert_Idempotent(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	spec := courseSpec()
	rows := []entity.Record{row(1, "a"), row(2, "b"), row(3, "c")}

	for i := 0; i < 3; i++ {
		_, err := s.Upsert(ctx, spec.Table, spec.PrimaryKey, spec.Columns(), rows)
		require.NoError(t, err)
	}

	count, err := s.Count(ctx, spec.Table)
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)
}

func TestUpsert_ChunksLargeBatches(t *testing.T) {
	s := openSQLite(t)
	s.dialect.MaxParams = 12 // two rows of six columns per statement
	ctx := context.Background()
	spec := courseSpec()

	var rows []entity.Record
	for i := int64(1); i <= 7; i++ {
		rows = append(rows, row(i, "c"))
	}
	n, err := s.Upsert(ctx, spec.Table, spec.PrimaryKey, spec.Columns(), rows)
	require.NoError(t, err)
	assert.EqualValues(t, 7, n)

	count, err := s.Count(ctx, spec.Table)
	require.NoError(t, err)
	assert.EqualValues(t, 7, count)
}

func TestUpsert_FailureRollsBack(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	spec := courseSpec()
	s.dialect.MaxParams = 6 // one row per statement

	bad := row(2, "b")
	bad["id"] = "not-a-number" // integer primary key mismatch

	_, err := s.Upsert(ctx, spec.Table, spec.PrimaryKey, spec.Columns(), []entity.Record{row(1, "a"), bad})
	require.Error(t, err)

	count, err := s.Count(ctx, spec.Table)
	require.NoError(t, err)
	assert.EqualValues(t, 0, count, "a failed batch must leave no partial rows")
}

func TestUpsert_UnknownKey(t *testing.T) {
	s := openSQLite(t)
	_, err := s.Upsert(context.Background(), "canvas_courses", "uuid", []string{"id"}, []entity.Record{{"id": 1}})
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestUpsert_Empty(t *testing.T) {
	s := openSQLite(t)
	n, err := s.Upsert(context.Background(), "canvas_courses", "id", []string{"id"}, nil)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestExec(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.Exec(ctx, `CREATE VIEW course_names AS SELECT name FROM canvas_courses`))
	err := s.Exec(ctx, `SELECT * FROM missing_table`)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "post-load"))
}
