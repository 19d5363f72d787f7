// Package config loads server configuration from CUE.
//
// A configuration is a single CUE file (or a directory of CUE files forming
// one instance) unified with the schema below. The models table names every
// bucket the server accepts and whether groups of that bucket are
// collections or sequences.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
)

// Error code constants.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed

	ErrCodeSchema     = "E201" // Value does not satisfy the schema
	ErrCodeBrokerAddr = "E202" // Redis broker without address
	ErrCodeModelName  = "E203" // Invalid bucket name
	ErrCodeIncomplete = "E204" // Non-concrete value
)

const schema = `
#Config: {
	listen:   string | *":8080"
	database: string | *"tandem.db"
	metrics:  string | *""
	broker: {
		kind:      *"memory" | "redis"
		addr:      string | *""
		namespace: string | *"tandem"
	}
	models: [string]: {
		kind: "document" | "collection" | "sequence"
	}
}
`

// ModelKind says how a bucket's documents are grouped.
type ModelKind string

const (
	ModelDocument   ModelKind = "document"
	ModelCollection ModelKind = "collection"
	ModelSequence   ModelKind = "sequence"
)

// Model describes one bucket.
type Model struct {
	Kind ModelKind `json:"kind"`
}

// Broker selects the hub's pub/sub backend.
type Broker struct {
	Kind      string `json:"kind"`
	Addr      string `json:"addr"`
	Namespace string `json:"namespace"`
}

// Config is a loaded server configuration.
type Config struct {
	Listen   string           `json:"listen"`
	Database string           `json:"database"`
	Metrics  string           `json:"metrics"`
	Broker   Broker           `json:"broker"`
	Models   map[string]Model `json:"models"`
}

// LoadError represents an error that occurred during config loading.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsLoadError reports whether err is a LoadError with the given code.
func IsLoadError(err error, code string) bool {
	var le *LoadError
	return errors.As(err, &le) && le.Code == code
}

// Default returns the configuration an empty file yields: in-memory broker,
// no models (every bucket accepted).
func Default() *Config {
	cfg, err := Parse("default.cue", nil)
	if err != nil {
		panic(fmt.Sprintf("config: default does not satisfy schema: %v", err))
	}
	return cfg
}

// Load reads a CUE file, or every CUE file of a directory, and validates it.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("config not found: %s", path)}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing config: %v", err)}
	}

	if !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("reading config: %v", err)}
		}
		return Parse(path, data)
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: path})
	if len(instances) == 0 {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}
	}
	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, buildError(err)
	}
	return decode(ctx, value)
}

// Parse compiles src as a CUE configuration. filename is used in positions.
func Parse(filename string, src []byte) (*Config, error) {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(src, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return nil, buildError(err)
	}
	return decode(ctx, value)
}

func decode(ctx *cue.Context, value cue.Value) (*Config, error) {
	def := ctx.CompileString(schema).LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return nil, &LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("schema: %v", err)}
	}

	unified := def.Unify(value)
	if err := unified.Validate(); err != nil {
		return nil, cueError(ErrCodeSchema, err)
	}
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, cueError(ErrCodeIncomplete, err)
	}

	var cfg Config
	if err := unified.Decode(&cfg); err != nil {
		return nil, cueError(ErrCodeGeneric, err)
	}
	if cfg.Models == nil {
		cfg.Models = map[string]Model{}
	}
	if err := cfg.check(unified); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// check applies the rules CUE cannot express in the schema.
func (c *Config) check(v cue.Value) error {
	if c.Broker.Kind == "redis" && c.Broker.Addr == "" {
		return &LoadError{
			Code:    ErrCodeBrokerAddr,
			Message: "redis broker requires addr",
			Pos:     v.LookupPath(cue.ParsePath("broker")).Pos(),
		}
	}
	for name := range c.Models {
		if err := validBucket(name); err != nil {
			return &LoadError{
				Code:    ErrCodeModelName,
				Message: err.Error(),
				Pos:     v.LookupPath(cue.MakePath(cue.Str("models"), cue.Str(name))).Pos(),
			}
		}
	}
	return nil
}

func validBucket(name string) error {
	if name == "" {
		return errors.New("bucket name is empty")
	}
	for _, r := range name {
		if r == '/' {
			return fmt.Errorf("bucket name %q contains /", name)
		}
	}
	return nil
}

func buildError(err error) *LoadError {
	return cueError(ErrCodeBuildFailed, err)
}

// cueError converts a CUE error to a LoadError, keeping the first position
// inside a configuration file. Positions inside the schema have no filename.
func cueError(code string, err error) *LoadError {
	le := &LoadError{Code: code, Message: err.Error()}
	for _, pos := range cueerrors.Positions(err) {
		if pos.IsValid() && pos.Filename() != "" {
			le.Pos = pos
			break
		}
	}
	return le
}

// Abs resolves the database path relative to the config file's directory.
func (c *Config) Abs(configPath string) string {
	if c.Database == "" || filepath.IsAbs(c.Database) || c.Database == ":memory:" {
		return c.Database
	}
	dir := configPath
	if info, err := os.Stat(configPath); err == nil && !info.IsDir() {
		dir = filepath.Dir(configPath)
	}
	return filepath.Join(dir, c.Database)
}
