package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tandem.cue")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestValidate_Valid(t *testing.T) {
	path := writeConfig(t, `
listen: ":9090"
models: {
	zoo:     kind: "document"
	animals: kind: "sequence"
}
`)
	out, err := execute(t, "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")
	assert.Contains(t, out, "listen:   :9090")
	assert.Contains(t, out, "    animals: sequence\n    zoo: document\n")
}

func TestValidate_JSON(t *testing.T) {
	path := writeConfig(t, `broker: { kind: "redis", addr: "localhost:6379" }`)
	out, err := execute(t, "--format", "json", "validate", path)
	require.NoError(t, err)

	var resp struct {
		Status string        `json:"status"`
		Data   ConfigSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "redis localhost:6379", resp.Data.Broker)
	assert.Empty(t, resp.Data.Models)
}

func TestValidate_Invalid(t *testing.T) {
	path := writeConfig(t, `broker: kind: "redis"`)
	out, err := execute(t, "--format", "json", "validate", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E202", resp.Error.Code)
}
