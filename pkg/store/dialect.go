package store

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/evisions/canvas-ingest/pkg/entity"
)

// Dialect captures the SQL differences between the supported databases.
type Dialect struct {
	// Name is the config value ("postgres", "sqlite").
	Name string

	// Driver is the database/sql driver name.
	Driver string

	// MaxParams bounds bind parameters per statement.
	MaxParams int

	placeholder func(n int) string
	types       map[entity.FieldType]string
}

// Postgres uses the pgx database/sql driver.
var Postgres = Dialect{
	Name:        "postgres",
	Driver:      "pgx",
	MaxParams:   65535,
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	types: map[entity.FieldType]string{
		entity.TypeString: "TEXT",
		entity.TypeInt:    "BIGINT",
		entity.TypeFloat:  "DOUBLE PRECISION",
		entity.TypeBool:   "BOOLEAN",
		entity.TypeTime:   "TIMESTAMPTZ",
		entity.TypeJSON:   "JSONB",
	},
}

// SQLite uses mattn/go-sqlite3; intended for local runs and tests.
var SQLite = Dialect{
	Name:        "sqlite",
	Driver:      "sqlite3",
	MaxParams:   32766,
	placeholder: func(int) string { return "?" },
	types: map[entity.FieldType]string{
		entity.TypeString: "TEXT",
		entity.TypeInt:    "INTEGER",
		entity.TypeFloat:  "REAL",
		entity.TypeBool:   "BOOLEAN",
		entity.TypeTime:   "TIMESTAMP",
		entity.TypeJSON:   "TEXT",
	},
}

// DialectFor resolves a configured driver name.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql", "pgx", "":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return Dialect{}, fmt.Errorf("unsupported database driver %q", name)
}

// Quote quotes an identifier. Both dialects accept standard double quotes.
func Quote(ident string) string {
	return pgx.Identifier{ident}.Sanitize()
}

func (d Dialect) columnType(t entity.FieldType) string {
	if s, ok := d.types[t]; ok {
		return s
	}
	return "TEXT"
}

// upsertSQL builds a multi-row INSERT ... ON CONFLICT (key) DO UPDATE.
func (d Dialect) upsertSQL(table, key string, columns []string, rows int) string {
	var b strings.Builder

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = Quote(c)
	}

	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", Quote(table), strings.Join(quoted, ", "))
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := range columns {
			if c > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.placeholder(n))
			n++
		}
		b.WriteByte(')')
	}

	fmt.Fprintf(&b, " ON CONFLICT (%s) ", Quote(key))
	var sets []string
	for _, c := range columns {
		if c == key {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", Quote(c), Quote(c)))
	}
	if len(sets) == 0 {
		b.WriteString("DO NOTHING")
	} else {
		b.WriteString("DO UPDATE SET ")
		b.WriteString(strings.Join(sets, ", "))
	}
	return b.String()
}

// createTableSQL builds CREATE TABLE IF NOT EXISTS from a field mapping.
func (d Dialect) createTableSQL(spec entity.Spec) string {
	cols := make([]string, 0, len(spec.Fields)+1)
	for _, f := range spec.Fields {
		col := Quote(f.Column) + " " + d.columnType(f.Type)
		if f.Column == spec.PrimaryKey {
			col += " NOT NULL"
		}
		cols = append(cols, col)
	}
	cols = append(cols, fmt.Sprintf("PRIMARY KEY (%s)", Quote(spec.PrimaryKey)))
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", Quote(spec.Table), strings.Join(cols, ",\n\t"))
}
