package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tandem/internal/config"
	"github.com/roach88/tandem/internal/ir"
)

// Scenario defines a sync scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Models maps bucket names to "document", "collection" or "sequence".
	// When empty the server accepts any bucket.
	Models map[string]string `yaml:"models,omitempty"`

	// Docs are created before the flow runs. Setup is not traced.
	Docs []DocSpec `yaml:"docs,omitempty"`

	// Observers maps a client id to the key paths its socket joins.
	Observers map[string][]string `yaml:"observers,omitempty"`

	// Flow is the list of requests to execute in order.
	Flow []Step `yaml:"flow"`

	// Assertions validate the final state and deliveries.
	Assertions []Assertion `yaml:"assertions"`
}

// DocSpec is a document created during setup.
type DocSpec struct {
	Alias  string         `yaml:"alias"`
	Bucket string         `yaml:"bucket"`
	Doc    map[string]any `yaml:"doc,omitempty"`
}

// Step is one request of the flow.
type Step struct {
	// Client issues the request. Defaults to DefaultClient.
	Client  string         `yaml:"client,omitempty"`
	Cmd     string         `yaml:"cmd"`
	KeyPath string         `yaml:"keyPath"`
	ID      string         `yaml:"id,omitempty"`
	Ref     string         `yaml:"ref,omitempty"`
	Item    string         `yaml:"item,omitempty"`
	IDs     []string       `yaml:"ids,omitempty"`
	Doc     map[string]any `yaml:"doc,omitempty"`
	Rev     int64          `yaml:"rev,omitempty"`
	Query   map[string]any `yaml:"query,omitempty"`

	// As labels the id the response assigns, for later steps and the trace.
	As string `yaml:"as,omitempty"`

	// Expect validates the response. If nil the step may succeed or fail.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect specifies the expected outcome of a step.
type Expect struct {
	// Error is the expected error code, e.g. "CONSISTENCY". Empty means
	// the step must succeed.
	Error string `yaml:"error,omitempty"`

	// Items lists the aliases of the items the response carries, in order.
	// If nil the items are not checked.
	Items []string `yaml:"items,omitempty"`
}

// Assertion validates state after the flow.
type Assertion struct {
	Type    string   `yaml:"type"`
	KeyPath string   `yaml:"keyPath,omitempty"`
	Client  string   `yaml:"client,omitempty"`
	Expect  []string `yaml:"expect"`
}

// Assertion type constants.
const (
	AssertSequence  = "sequence"
	AssertMembers   = "members"
	AssertChain     = "chain"
	AssertDelivered = "delivered"
)

// DefaultClient issues steps that name no client.
const DefaultClient = "c1"

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields, or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadDir loads every *.yaml file in dir, sorted by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for bucket, kind := range s.Models {
		switch config.ModelKind(kind) {
		case config.ModelDocument, config.ModelCollection, config.ModelSequence:
		default:
			return fmt.Errorf("models[%s]: unknown kind %q", bucket, kind)
		}
	}

	aliases := map[string]bool{}
	for i, d := range s.Docs {
		if d.Alias == "" {
			return fmt.Errorf("docs[%d]: alias is required", i)
		}
		if d.Bucket == "" {
			return fmt.Errorf("docs[%d]: bucket is required", i)
		}
		if aliases[d.Alias] {
			return fmt.Errorf("docs[%d]: duplicate alias %q", i, d.Alias)
		}
		aliases[d.Alias] = true
	}

	for client, kps := range s.Observers {
		for _, kp := range kps {
			if _, err := ir.ParseKeyPath(kp); err != nil {
				return fmt.Errorf("observers[%s]: %w", client, err)
			}
		}
	}

	for i, step := range s.Flow {
		if !ir.Command(step.Cmd).Valid() {
			return fmt.Errorf("flow[%d]: unknown cmd %q", i, step.Cmd)
		}
		if step.KeyPath == "" {
			return fmt.Errorf("flow[%d]: keyPath is required", i)
		}
		if step.As != "" {
			if aliases[step.As] {
				return fmt.Errorf("flow[%d]: duplicate alias %q", i, step.As)
			}
			aliases[step.As] = true
		}
		if step.Expect != nil && step.Expect.Error != "" && step.Expect.Error != strings.ToUpper(step.Expect.Error) {
			return fmt.Errorf("flow[%d].expect: error code %q must be upper case", i, step.Expect.Error)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertSequence, AssertMembers, AssertChain:
		if a.KeyPath == "" {
			return fmt.Errorf("assertions[%d]: %s requires keyPath", index, a.Type)
		}
	case AssertDelivered:
		if a.Client == "" {
			return fmt.Errorf("assertions[%d]: delivered requires client", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown type %q", index, a.Type)
	}
	return nil
}

// configSource renders the models table as a CUE configuration.
func (s *Scenario) configSource() []byte {
	if len(s.Models) == 0 {
		return nil
	}
	buckets := make([]string, 0, len(s.Models))
	for b := range s.Models {
		buckets = append(buckets, b)
	}
	sort.Strings(buckets)

	var buf bytes.Buffer
	buf.WriteString("models: {\n")
	for _, b := range buckets {
		fmt.Fprintf(&buf, "\t%q: kind: %q\n", b, s.Models[b])
	}
	buf.WriteString("}\n")
	return buf.Bytes()
}
