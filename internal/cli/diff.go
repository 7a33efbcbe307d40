package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/mirror/internal/ir"
	"github.com/roach88/mirror/internal/patch"
)

// DiffResult holds the patch between two values.
type DiffResult struct {
	Before string          `json:"before"`
	After  string          `json:"after"`
	Ops    []patch.Op      `json:"-"`
	Patch  json.RawMessage `json:"patch"`
}

// Text prints one op per line.
func (r DiffResult) Text(w io.Writer) {
	if len(r.Ops) == 0 {
		fmt.Fprintln(w, "no changes")
		return
	}
	for _, op := range r.Ops {
		if op.Value == nil {
			fmt.Fprintf(w, "%-7s %s\n", op.Op, op.Path)
			continue
		}
		value, err := ir.Encode(op.Value)
		if err != nil {
			value = []byte(fmt.Sprintf("<%v>", err))
		}
		fmt.Fprintf(w, "%-7s %s %s\n", op.Op, op.Path, value)
	}
}

// NewDiffCommand creates the diff command.
func NewDiffCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff <before.json> <after.json>",
		Short: "Print the structural patch between two values",
		Long: `Read two values in the tagged JSON codec and print the patch that turns
the first into the second. Maps, sets and times use the tagged forms
({"$map": {...}}, {"$set": [...]}, {"$time": "..."}).

The patch is checked by applying it to the first value before it is printed.

Examples:
  mirrorctl diff before.json after.json
  mirrorctl diff before.json after.json --format json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiff(cmd, rootOpts, args[0], args[1])
		},
	}
	return cmd
}

func runDiff(cmd *cobra.Command, opts *RootOptions, beforePath, afterPath string) error {
	out := newFormatter(cmd, opts)

	before, err := readValue(beforePath)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeInput, "failed to read "+beforePath, err)
	}
	after, err := readValue(afterPath)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeInput, "failed to read "+afterPath, err)
	}

	ops := patch.Diff(before, after)
	applied, err := patch.Apply(before, ops)
	if err != nil {
		return out.Fail(ExitFailure, ErrCodeInput, "patch does not apply", err)
	}
	if !ir.Equal(applied, after) {
		return out.Fail(ExitFailure, ErrCodeInput, "patch does not reproduce target", fmt.Errorf("%d ops", len(ops)))
	}
	out.VerboseLog("%d ops verified against %s", len(ops), afterPath)

	encoded, err := patch.Encode(ops)
	if err != nil {
		return out.Fail(ExitFailure, ErrCodeInput, "failed to encode patch", err)
	}
	return out.Success(DiffResult{
		Before: beforePath,
		After:  afterPath,
		Ops:    ops,
		Patch:  encoded,
	})
}

func readValue(path string) (ir.Value, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	v, err := ir.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return v, nil
}
