package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tandem/internal/ir"
)

const zooConfig = `
listen: ":9090"
database: "zoo.db"
broker: {
	kind: "redis"
	addr: "localhost:6379"
}
models: {
	zoo:     kind: "document"
	animals: kind: "sequence"
	keepers: kind: "collection"
}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, t.TempDir(), "tandem.cue", zooConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "redis", cfg.Broker.Kind)
	assert.Equal(t, "localhost:6379", cfg.Broker.Addr)
	assert.Equal(t, "tandem", cfg.Broker.Namespace)
	assert.Equal(t, ModelSequence, cfg.Models["animals"].Kind)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "zoo.db"), cfg.Abs(path))
}

func TestLoad_Directory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "server.cue", "package tandem\n\nlisten: \":7000\"\n")
	writeFile(t, dir, "models.cue", "package tandem\n\nmodels: notes: kind: \"collection\"\n")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, ModelCollection, cfg.Models["notes"].Kind)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "tandem.db", cfg.Database)
	assert.Equal(t, "memory", cfg.Broker.Kind)
	assert.True(t, cfg.Open())
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		code string
	}{
		{"syntax", `listen: `, ErrCodeBuildFailed},
		{"unknown field", `port: 80`, ErrCodeSchema},
		{"bad model kind", `models: a: kind: "tree"`, ErrCodeSchema},
		{"bad broker kind", `broker: kind: "kafka"`, ErrCodeSchema},
		{"redis without addr", `broker: kind: "redis"`, ErrCodeBrokerAddr},
		{"incomplete", `models: a: kind: string`, ErrCodeIncomplete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("test.cue", []byte(tt.src))
			require.Error(t, err)
			assert.True(t, IsLoadError(err, tt.code), "want %s, got %v", tt.code, err)
		})
	}
}

func TestLoad_NotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.cue"))
	assert.True(t, IsLoadError(err, ErrCodeNotFound))
}

func TestLoadError_Position(t *testing.T) {
	_, err := Parse("zoo.cue", []byte("listen: \":1\"\nbroker: kind: \"kafka\"\n"))
	require.Error(t, err)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ErrCodeSchema, le.Code)
	assert.Contains(t, le.Error(), ErrCodeSchema)
}

func TestValidateRequest(t *testing.T) {
	cfg, err := Parse("zoo.cue", []byte(zooConfig))
	require.NoError(t, err)

	animals := ir.KeyPath{"zoo", "123", "animals"}
	keepers := ir.KeyPath{"zoo", "123", "keepers"}

	tests := []struct {
		name string
		req  ir.Request
		ok   bool
	}{
		{"insert into sequence", ir.Request{Cmd: ir.CmdInsertBefore, KeyPath: animals, ItemID: "a"}, true},
		{"all of sequence", ir.Request{Cmd: ir.CmdAll, KeyPath: animals}, true},
		{"add to sequence", ir.Request{Cmd: ir.CmdAdd, KeyPath: animals, IDs: []string{"a"}}, false},
		{"add to collection", ir.Request{Cmd: ir.CmdAdd, KeyPath: keepers, IDs: []string{"k"}}, true},
		{"first of collection", ir.Request{Cmd: ir.CmdFirst, KeyPath: keepers}, false},
		{"fetch document", ir.Request{Cmd: ir.CmdFetch, KeyPath: ir.KeyPath{"zoo", "123"}}, true},
		{"unknown bucket", ir.Request{Cmd: ir.CmdFetch, KeyPath: ir.KeyPath{"cars", "1"}}, false},
		{"unknown parent bucket", ir.Request{Cmd: ir.CmdAll, KeyPath: ir.KeyPath{"farm", "1", "animals"}}, false},
		{"all of document bucket", ir.Request{Cmd: ir.CmdAll, KeyPath: ir.KeyPath{"zoo"}}, false},
		{"create in document bucket", ir.Request{Cmd: ir.CmdCreate, KeyPath: ir.KeyPath{"zoo"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := cfg.ValidateRequest(tt.req)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, ir.IsValidation(err), "got %v", err)
			}
		})
	}

	assert.NoError(t, Default().ValidateRequest(ir.Request{Cmd: ir.CmdAdd, KeyPath: ir.KeyPath{"anything"}}))
}
