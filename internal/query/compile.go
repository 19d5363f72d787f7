// Package query compiles collection find filters to parameterized SQL.
//
// A filter is a document of field equalities: {"species": "zebra", "legs": 4}
// matches members whose stored document has exactly those top-level values.
// Every compiled query carries a deterministic ORDER BY and every value is a
// bound parameter, never interpolated.
package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/tandem/internal/ir"
)

// Compiler compiles member queries for SQLite.
type Compiler struct {
	// MembersTable and DocsTable name the joined tables.
	MembersTable string
	DocsTable    string
}

// NewCompiler returns a compiler for the default store schema.
func NewCompiler() *Compiler {
	return &Compiler{MembersTable: "members", DocsTable: "docs"}
}

// CompileAll returns the query listing every member document of the
// collection at keyPath, in membership order.
func (c *Compiler) CompileAll(keyPath ir.KeyPath) (string, []any, error) {
	return c.CompileFind(keyPath, nil)
}

// CompileFind returns the query listing member documents of the collection
// at keyPath whose fields equal filter. A nil or empty filter matches every
// member. Nested objects and arrays are rejected with a ValidationError.
//
// Returns (sql, params, error). Selected columns are (id, rev, doc).
func (c *Compiler) CompileFind(keyPath ir.KeyPath, filter ir.Doc) (string, []any, error) {
	if err := keyPath.Validate(); err != nil {
		return "", nil, err
	}
	if !keyPath.IsGroup() {
		return "", nil, ir.NewValidationError("find requires a collection key path", keyPath)
	}

	params := []any{keyPath.Model(), keyPath.String()}

	var where []string
	where = append(where, "m.key_path = ?")

	// Sort fields for deterministic output
	fields := make([]string, 0, len(filter))
	for f := range filter {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, field := range fields {
		clause, args, err := compileEquals(keyPath, field, filter[field])
		if err != nil {
			return "", nil, err
		}
		where = append(where, clause)
		params = append(params, args...)
	}

	sql := fmt.Sprintf(
		"SELECT d.id, d.rev, d.doc FROM %s m JOIN %s d ON d.bucket = ? AND d.id = m.item_id WHERE %s ORDER BY %s",
		c.MembersTable,
		c.DocsTable,
		strings.Join(where, " AND "),
		stableOrderKey(),
	)
	return sql, params, nil
}

// stableOrderKey orders by membership seq with a binary id tiebreaker.
func stableOrderKey() string {
	return "m.seq ASC, d.id COLLATE BINARY ASC"
}

// compileEquals compiles one field equality.
// CRITICAL: Values NEVER interpolated - always use ? placeholders.
func compileEquals(kp ir.KeyPath, field string, value any) (string, []any, error) {
	if field == "" || strings.ContainsAny(field, `"\`) {
		return "", nil, ir.NewValidationError(fmt.Sprintf("invalid filter field %q", field), kp)
	}
	path := `$."` + field + `"`

	switch v := value.(type) {
	case nil:
		return "json_extract(d.doc, ?) IS NULL", []any{path}, nil
	case bool:
		// json_extract yields 1/0 for JSON booleans
		n := 0
		if v {
			n = 1
		}
		return "json_extract(d.doc, ?) = ?", []any{path, n}, nil
	case string, float64, float32, int, int32, int64, uint, uint32, uint64:
		return "json_extract(d.doc, ?) = ?", []any{path, v}, nil
	default:
		return "", nil, ir.NewValidationError(
			fmt.Sprintf("filter field %q: unsupported value type %T", field, value), kp)
	}
}
