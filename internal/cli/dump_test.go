package cli

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tandem/internal/ir"
	"github.com/roach88/tandem/internal/store"
	"github.com/roach88/tandem/internal/testutil"
)

// seedDB writes zoo/z1/animals = [lion, ~zebra, okapi] and returns the path.
func seedDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tandem.db")
	st, err := store.Open(path, store.WithIDGenerator(testutil.NewSequentialIDs("n").Generate))
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	kp := ir.NewKeyPath("zoo", "z1", "animals")
	for _, item := range []string{"lion", "zebra", "okapi"} {
		_, err := st.InsertBefore(ctx, kp, "", item)
		require.NoError(t, err)
	}
	_, err = st.DeleteItem(ctx, kp, "zebra")
	require.NoError(t, err)
	return path
}

func TestDump_Text(t *testing.T) {
	path := seedDB(t)
	out, err := execute(t, "dump", "--db", path)
	require.NoError(t, err)
	assert.Equal(t, "zoo/z1/animals (2 live, 1 tombstones)\n"+
		"  [begin]\n"+
		"  n3 lion\n"+
		"  n4 ~zebra\n"+
		"  n5 okapi\n"+
		"  [end]\n", out)
}

func TestDump_LiveJSON(t *testing.T) {
	path := seedDB(t)
	out, err := execute(t, "--format", "json", "dump", "--db", path, "--live", "zoo/z1/animals")
	require.NoError(t, err)

	var resp struct {
		Data DumpResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data.Sequences, 1)
	seq := resp.Data.Sequences[0]
	assert.Equal(t, 1, seq.Tombstones)
	assert.Equal(t, []DumpNode{
		{ID: "n3", Kind: "normal", Item: "lion"},
		{ID: "n5", Kind: "normal", Item: "okapi"},
	}, seq.Nodes)
}

func TestDump_Errors(t *testing.T) {
	_, err := execute(t, "dump", "--db", filepath.Join(t.TempDir(), "missing.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "dump", "--db", seedDB(t), "animals/lion")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a sequence key path")
}

func TestCompact(t *testing.T) {
	path := seedDB(t)
	out, err := execute(t, "compact", "--db", path)
	require.NoError(t, err)
	assert.Equal(t, "zoo/z1/animals: 1\nreaped 1 tombstone(s) in 1 sequence(s)\n", out)

	out, err = execute(t, "dump", "--db", path)
	require.NoError(t, err)
	assert.NotContains(t, out, "zebra")
	assert.Contains(t, out, "(2 live, 0 tombstones)")
}
