package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tandem/internal/service"
)

// CompactOptions holds flags for the compact command.
type CompactOptions struct {
	*RootOptions
	Database string
}

// CompactResult reports the tombstones reaped per sequence.
type CompactResult struct {
	Reaped map[string]int `json:"reaped"`
	Total  int            `json:"total"`
}

// Text implements Texter.
func (r CompactResult) Text() string {
	keys := make([]string, 0, len(r.Reaped))
	for k := range r.Reaped {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %d\n", k, r.Reaped[k])
	}
	fmt.Fprintf(&b, "reaped %d tombstone(s) in %d sequence(s)\n", r.Total, len(keys))
	return b.String()
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompactOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compact [key-path]",
		Short: "Reap tombstones from stored sequences",
		Long: `Unlink and delete the tombstones of the sequence at key-path, or of
every sequence. Run it while the server is stopped: clients holding a
reaped node id get NOT_FOUND on their next traversal and resync.

Example:
  tandem compact --db ./tandem.db
  tandem compact --db ./tandem.db zoo/z1/animals`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompact(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runCompact(opts *CompactOptions, args []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	kp, err := sequenceArgs(args)
	if err != nil {
		_ = formatter.Error(CLIError{Code: ErrCodeKeyPath, Message: err.Error()})
		return WrapExitError(ExitCommandError, "invalid key path", err)
	}

	st, err := openExisting(opts.Database, logger, formatter)
	if err != nil {
		return err
	}
	defer st.Close()

	reaped, err := service.New(st, nil, service.WithLogger(logger)).Compact(cmd.Context(), kp)
	if err != nil {
		return WrapExitError(ExitFailure, "compaction failed", err)
	}

	result := CompactResult{Reaped: reaped}
	for _, n := range reaped {
		result.Total += n
	}
	return formatter.Success(result)
}
