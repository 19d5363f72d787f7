package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGolden_Scenarios(t *testing.T) {
	scenarios, err := LoadDir("testdata/scenarios")
	require.NoError(t, err)
	require.NotEmpty(t, scenarios)

	for _, s := range scenarios {
		t.Run(s.Name, func(t *testing.T) {
			require.NoError(t, RunWithGolden(t, s))
		})
	}
}

func TestMarshalTrace_OmitsEmptyFields(t *testing.T) {
	trace := []TraceEvent{
		{Seq: 1, Type: EventCall, Client: "c1", Cmd: "del", KeyPath: "animals/lion", ID: "lion", Outcome: "ok"},
		{Seq: 2, Type: EventNotify, Client: "c2", Kind: "delete", KeyPath: "animals/lion", ID: "lion"},
	}
	data, err := MarshalTrace("t", trace)
	require.NoError(t, err)
	assert.Equal(t,
		`{"scenario_name":"t","trace":[`+
			`{"client":"c1","cmd":"del","id":"lion","key_path":"animals/lion","outcome":"ok","seq":1,"type":"call"},`+
			`{"client":"c2","id":"lion","key_path":"animals/lion","kind":"delete","seq":2,"type":"notify"}]}`,
		string(data))
}
