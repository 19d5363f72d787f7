package query_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tandem/internal/ir"
	"github.com/roach88/tandem/internal/query"
	"github.com/roach88/tandem/internal/store"
)

// runCompiled executes a compiled query against a real store and returns the
// selected ids in row order.
func runCompiled(t *testing.T, st *store.Store, sqlText string, params []any) []string {
	t.Helper()
	rows, err := st.DB().QueryContext(context.Background(), sqlText, params...)
	require.NoError(t, err, "compiled SQL must be accepted by SQLite: %s", sqlText)
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var (
			id  string
			rev int64
			doc string
		)
		require.NoError(t, rows.Scan(&id, &rev, &doc))
		ids = append(ids, id)
	}
	require.NoError(t, rows.Err())
	return ids
}

func seedMembers(t *testing.T) (*store.Store, ir.KeyPath) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	kp := ir.KeyPath{"zoo", "123", "animals"}
	docs := []struct {
		id  string
		doc ir.Doc
	}{
		{"a2", ir.Doc{"species": "okapi", "legs": float64(4), "tame": true}},
		{"a1", ir.Doc{"species": "zebra", "legs": float64(4), "tame": false}},
		{"a3", ir.Doc{"species": "zebra", "legs": float64(4), "tame": true, "owner": nil}},
	}
	for _, d := range docs {
		_, err := st.PutDoc(ctx, "animals", d.id, d.doc, 0)
		require.NoError(t, err)
	}
	require.NoError(t, st.AddMembers(ctx, kp, []string{"a2", "a1", "a3"}))
	return st, kp
}

func TestCompileAll_Executes(t *testing.T) {
	st, kp := seedMembers(t)

	sqlText, params, err := query.NewCompiler().CompileAll(kp)
	require.NoError(t, err)
	assert.Equal(t, []string{"a2", "a1", "a3"}, runCompiled(t, st, sqlText, params))
}

func TestCompileFind_Executes(t *testing.T) {
	st, kp := seedMembers(t)
	c := query.NewCompiler()

	tests := []struct {
		name   string
		filter ir.Doc
		want   []string
	}{
		{"string", ir.Doc{"species": "zebra"}, []string{"a1", "a3"}},
		{"bool", ir.Doc{"tame": true}, []string{"a2", "a3"}},
		{"number and string", ir.Doc{"legs": float64(4), "species": "okapi"}, []string{"a2"}},
		{"null", ir.Doc{"owner": nil}, []string{"a2", "a1", "a3"}},
		{"no match", ir.Doc{"species": "lion"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sqlText, params, err := c.CompileFind(kp, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, runCompiled(t, st, sqlText, params))
		})
	}
}
