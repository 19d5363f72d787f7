package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, content string) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(content))
	require.NoError(t, err)
	return s
}

func TestRun_SequenceScenario(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/sequence_insert_delete.yaml")
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Empty(t, result.Errors)
	assert.Len(t, result.Trace, 10)
	assert.Equal(t, []string{"insertBefore"}, result.Delivered["c1"])
}

func TestRun_Deterministic(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/sequence_insert_delete.yaml")
	require.NoError(t, err)

	first, err := Run(s)
	require.NoError(t, err)
	second, err := Run(s)
	require.NoError(t, err)

	a, err := MarshalTrace(s.Name, first.Trace)
	require.NoError(t, err)
	b, err := MarshalTrace(s.Name, second.Trace)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_ExpectMismatchIsReported(t *testing.T) {
	s := mustParse(t, `
name: mismatch
description: "a step expected to fail succeeds"
docs:
  - alias: lion
    bucket: animals
flow:
  - cmd: insertBefore
    keyPath: zoo/z1/animals
    item: lion
    expect: { error: CONSISTENCY }
  - cmd: all
    keyPath: zoo/z1/animals
    expect: { items: [zebra] }
assertions:
  - type: sequence
    keyPath: zoo/z1/animals
    expect: [lion]
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], `expected error "CONSISTENCY", got ""`)
	assert.Contains(t, result.Errors[1], "expected items [zebra], got [lion]")
}

func TestRun_FailedAssertion(t *testing.T) {
	s := mustParse(t, `
name: failed_assertion
description: "sequence order differs"
docs:
  - alias: a
    bucket: animals
  - alias: b
    bucket: animals
flow:
  - cmd: insertBefore
    keyPath: animals
    item: a
  - cmd: insertBefore
    keyPath: animals
    item: b
assertions:
  - type: sequence
    keyPath: animals
    expect: [b, a]
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "assertions[0]: sequence animals: expected [b a], got [a b]", result.Errors[0])
}

func TestRun_UnlabeledIDsGetStableNames(t *testing.T) {
	s := mustParse(t, `
name: unlabeled
description: "ids without an alias"
flow:
  - cmd: create
    keyPath: animals
    doc: { name: lion }
  - cmd: create
    keyPath: animals
    doc: { name: zebra }
assertions:
  - type: delivered
    client: c2
    expect: []
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Trace, 2)
	assert.Equal(t, "#1", result.Trace[0].ID)
	assert.Equal(t, "#2", result.Trace[1].ID)
	assert.Equal(t, []string{"#2"}, result.Trace[1].Items)
}

func TestRun_InvalidModels(t *testing.T) {
	s := mustParse(t, `
name: bad_models
description: "bucket names cannot contain a slash"
models:
  "a/b": document
flow:
  - cmd: all
    keyPath: a
assertions:
  - type: members
    keyPath: a
    expect: []
`)
	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scenario models")
}

func TestRun_EchoSuppressed(t *testing.T) {
	s := mustParse(t, `
name: echo
description: "the author never receives its own notification"
docs:
  - alias: lion
    bucket: animals
observers:
  c1: [animals/lion]
  c2: [animals/lion]
flow:
  - client: c1
    cmd: put
    keyPath: animals/lion
    doc: { name: lion }
assertions:
  - type: delivered
    client: c1
    expect: []
  - type: delivered
    client: c2
    expect: [update]
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	require.Len(t, result.Trace, 2)
	assert.Equal(t, EventNotify, result.Trace[1].Type)
	assert.Equal(t, "c2", result.Trace[1].Client)
	assert.Equal(t, "animals/lion", result.Trace[1].KeyPath)
}
