package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/tandem/internal/ir"
)

// TraceSnapshot captures the trace of one scenario run.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

// toCanonicalMap converts the snapshot to plain maps, the only composite
// type ir.MarshalCanonical accepts.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		eventMap := map[string]any{
			"seq":      event.Seq,
			"type":     event.Type,
			"client":   event.Client,
			"key_path": event.KeyPath,
		}
		if event.Cmd != "" {
			eventMap["cmd"] = event.Cmd
		}
		if event.Kind != "" {
			eventMap["kind"] = event.Kind
		}
		if event.ID != "" {
			eventMap["id"] = event.ID
		}
		if event.RefID != "" {
			eventMap["ref_id"] = event.RefID
		}
		if len(event.Items) > 0 {
			eventMap["items"] = event.Items
		}
		if event.Outcome != "" {
			eventMap["outcome"] = event.Outcome
		}
		traceList[i] = eventMap
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
	}
}

// MarshalTrace renders a trace as canonical JSON.
func MarshalTrace(name string, trace []TraceEvent) ([]byte, error) {
	snapshot := TraceSnapshot{ScenarioName: name, Trace: trace}
	return ir.MarshalCanonical(snapshot.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares the trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Unmet expectations fail the test before the golden comparison.
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	for _, e := range result.Errors {
		t.Errorf("%s: %s", scenario.Name, e)
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares the given result's trace against a golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := MarshalTrace(scenarioName, result.Trace)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
