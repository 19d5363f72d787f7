package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tandem/internal/ir"
	"github.com/roach88/tandem/internal/store"
)

// DumpOptions holds flags for the dump command.
type DumpOptions struct {
	*RootOptions
	Database string
	Live     bool
}

// DumpNode is one list node in dump output.
type DumpNode struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Item string `json:"item,omitempty"`
}

// DumpSequence is the chain of one sequence.
type DumpSequence struct {
	KeyPath    string     `json:"key_path"`
	Live       int        `json:"live"`
	Tombstones int        `json:"tombstones"`
	Nodes      []DumpNode `json:"nodes"`
}

// DumpResult is the output of the dump command.
type DumpResult struct {
	Sequences []DumpSequence `json:"sequences"`
}

// Text implements Texter.
func (r DumpResult) Text() string {
	if len(r.Sequences) == 0 {
		return "No sequences.\n"
	}
	var b strings.Builder
	for _, s := range r.Sequences {
		fmt.Fprintf(&b, "%s (%d live, %d tombstones)\n", s.KeyPath, s.Live, s.Tombstones)
		for _, n := range s.Nodes {
			switch n.Kind {
			case string(store.KindBegin), string(store.KindEnd):
				fmt.Fprintf(&b, "  [%s]\n", n.Kind)
			case string(store.KindTombstone):
				fmt.Fprintf(&b, "  %s ~%s\n", n.ID, n.Item)
			default:
				fmt.Fprintf(&b, "  %s %s\n", n.ID, n.Item)
			}
		}
	}
	return b.String()
}

// NewDumpCommand creates the dump command.
func NewDumpCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DumpOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dump [key-path]",
		Short: "Print the node chains of stored sequences",
		Long: `Print every node of the sequence at key-path, or of all sequences,
in link order: sentinels, live nodes and tombstones (marked ~).

Example:
  tandem dump --db ./tandem.db
  tandem dump --db ./tandem.db zoo/z1/animals --live`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().BoolVar(&opts.Live, "live", false, "omit sentinels and tombstones")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

// sequenceArgs parses an optional key path argument. No argument yields nil,
// meaning every sequence.
func sequenceArgs(args []string) (ir.KeyPath, error) {
	if len(args) == 0 {
		return nil, nil
	}
	kp, err := ir.ParseKeyPath(args[0])
	if err != nil {
		return nil, err
	}
	if !kp.IsGroup() {
		return nil, fmt.Errorf("%s is not a sequence key path", kp)
	}
	return kp, nil
}

// openExisting opens a database that must already exist; store.Open would
// create an empty one.
func openExisting(path string, logger *slog.Logger, formatter *OutputFormatter) (*store.Store, error) {
	if _, err := os.Stat(path); err != nil {
		_ = formatter.Error(CLIError{Code: ErrCodeNotFound, Message: fmt.Sprintf("database not found: %s", path)})
		return nil, WrapExitError(ExitCommandError, "database not found", err)
	}
	st, err := store.Open(path, store.WithLogger(logger))
	if err != nil {
		_ = formatter.Error(CLIError{Code: ErrCodeDatabase, Message: err.Error()})
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

func runDump(opts *DumpOptions, args []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	kp, err := sequenceArgs(args)
	if err != nil {
		_ = formatter.Error(CLIError{Code: ErrCodeKeyPath, Message: err.Error()})
		return WrapExitError(ExitCommandError, "invalid key path", err)
	}

	st, err := openExisting(opts.Database, newLogger(opts.RootOptions, cmd.ErrOrStderr()), formatter)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	keys := []string{kp.String()}
	if kp == nil {
		if keys, err = st.SequenceKeys(ctx); err != nil {
			return WrapExitError(ExitFailure, "failed to list sequences", err)
		}
	}

	result := DumpResult{Sequences: make([]DumpSequence, 0, len(keys))}
	for _, key := range keys {
		seq, err := ir.ParseKeyPath(key)
		if err != nil {
			return WrapExitError(ExitFailure, "corrupt sequence key", err)
		}
		nodes, err := st.Chain(ctx, seq)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to read sequence", err)
		}
		ds := DumpSequence{KeyPath: key, Nodes: []DumpNode{}}
		for _, n := range nodes {
			switch n.Kind {
			case store.KindNormal:
				ds.Live++
			case store.KindTombstone:
				ds.Tombstones++
			}
			if opts.Live && !n.Live() {
				continue
			}
			ds.Nodes = append(ds.Nodes, DumpNode{ID: n.ID, Kind: string(n.Kind), Item: n.ItemKey})
		}
		result.Sequences = append(result.Sequences, ds)
	}
	return formatter.Success(result)
}
