package cli

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tandem/internal/config"
)

// ConfigSummary describes a valid configuration.
type ConfigSummary struct {
	Path     string            `json:"path"`
	Listen   string            `json:"listen"`
	Database string            `json:"database"`
	Broker   string            `json:"broker"`
	Models   map[string]string `json:"models"`
}

// Text implements Texter.
func (s ConfigSummary) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "✓ %s is valid\n", s.Path)
	fmt.Fprintf(&b, "  listen:   %s\n", s.Listen)
	fmt.Fprintf(&b, "  database: %s\n", s.Database)
	fmt.Fprintf(&b, "  broker:   %s\n", s.Broker)
	if len(s.Models) == 0 {
		b.WriteString("  models:   (any bucket)\n")
		return b.String()
	}
	names := make([]string, 0, len(s.Models))
	for n := range s.Models {
		names = append(names, n)
	}
	sort.Strings(names)
	b.WriteString("  models:\n")
	for _, n := range names {
		fmt.Fprintf(&b, "    %s: %s\n", n, s.Models[n])
	}
	return b.String()
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config>",
		Short: "Validate a server configuration",
		Long: `Validate a CUE server configuration file or directory against the
configuration schema without starting the server.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	cfg, err := config.Load(path)
	if err != nil {
		_ = formatter.Error(configError(err))
		return WrapExitError(ExitFailure, "invalid configuration", err)
	}
	formatter.VerboseLog("loaded %s", path)

	summary := ConfigSummary{
		Path:     path,
		Listen:   cfg.Listen,
		Database: cfg.Abs(path),
		Broker:   cfg.Broker.Kind,
		Models:   make(map[string]string, len(cfg.Models)),
	}
	if cfg.Broker.Kind == "redis" {
		summary.Broker += " " + cfg.Broker.Addr
	}
	for name, m := range cfg.Models {
		summary.Models[name] = string(m.Kind)
	}
	return formatter.Success(summary)
}

// configError converts a config load failure for output.
func configError(err error) CLIError {
	var le *config.LoadError
	if !errors.As(err, &le) {
		return CLIError{Code: ErrCodeGeneric, Message: err.Error()}
	}
	e := CLIError{Code: le.Code, Message: le.Message}
	if le.Pos.IsValid() {
		e.Line = le.Pos.Line()
	}
	return e
}
