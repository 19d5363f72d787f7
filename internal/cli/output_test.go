package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greeting struct{ Name string }

func (g greeting) Text() string { return "hello " + g.Name + "\n" }

func TestOutputFormatter_Success(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Format: "text", Writer: &buf}
	require.NoError(t, f.Success(greeting{Name: "zoo"}))
	assert.Equal(t, "hello zoo\n", buf.String())

	buf.Reset()
	require.NoError(t, f.Success("plain"))
	assert.Equal(t, "plain\n", buf.String())

	buf.Reset()
	f.Format = "json"
	require.NoError(t, f.Success(greeting{Name: "zoo"}))
	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]any{"Name": "zoo"}, resp.Data)
}

func TestOutputFormatter_Error(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Format: "text", Writer: &buf}
	require.NoError(t, f.Error(CLIError{Code: "E201", Message: "bad value", Line: 3}))
	assert.Equal(t, "Error [E201] line 3: bad value\n", buf.String())

	buf.Reset()
	f.Format = "json"
	require.NoError(t, f.Error(CLIError{Code: "E001", Message: "boom"}))
	assert.JSONEq(t, `{"status":"error","error":{"code":"E001","message":"boom"}}`, buf.String())
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	var out, diag bytes.Buffer
	f := &OutputFormatter{Format: "json", Writer: &out, ErrWriter: &diag}
	f.VerboseLog("hidden")
	assert.Empty(t, diag.String())

	f.Verbose = true
	f.VerboseLog("loaded %d", 2)
	assert.Equal(t, "loaded 2\n", diag.String())
	assert.Empty(t, out.String())
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("x")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad")))
	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitCommandError, "bad", errors.New("inner")))
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))
	assert.Equal(t, "outer: bad: inner", wrapped.Error())
}
