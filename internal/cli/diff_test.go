package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mirror/internal/config"
	"github.com/roach88/mirror/internal/ir"
	"github.com/roach88/mirror/internal/patch"
)

func newTestRootOpts(format string) *RootOptions {
	return &RootOptions{Format: format, Config: config.Default()}
}

func TestDiffCommand_Text(t *testing.T) {
	cmd := NewDiffCommand(newTestRootOpts("text"))
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"testdata/values/before.json", "testdata/values/after.json"})

	require.NoError(t, cmd.Execute())

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"))
	g.Assert(t, "diff_text", out.Bytes())
}

func TestDiffCommand_JSONPatchApplies(t *testing.T) {
	cmd := NewDiffCommand(newTestRootOpts("json"))
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"testdata/values/before.json", "testdata/values/after.json"})

	require.NoError(t, cmd.Execute())

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Before string          `json:"before"`
			After  string          `json:"after"`
			Patch  json.RawMessage `json:"patch"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "testdata/values/before.json", resp.Data.Before)

	ops, err := patch.Decode(resp.Data.Patch)
	require.NoError(t, err)
	require.Len(t, ops, 5)

	before := mustReadValue(t, "testdata/values/before.json")
	after := mustReadValue(t, "testdata/values/after.json")
	got, err := patch.Apply(before, ops)
	require.NoError(t, err)
	assert.True(t, ir.Equal(after, got))
}

func TestDiffCommand_NoChanges(t *testing.T) {
	cmd := NewDiffCommand(newTestRootOpts("text"))
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs([]string{"testdata/values/after.json", "testdata/values/after.json"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "no changes\n", out.String())
}

func TestDiffCommand_BadInput(t *testing.T) {
	dir := t.TempDir()
	floats := filepath.Join(dir, "floats.json")
	require.NoError(t, os.WriteFile(floats, []byte(`{"ratio": 1.5}`), 0644))

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing file", []string{filepath.Join(dir, "nope.json"), "testdata/values/after.json"}, "failed to read"},
		{"float rejected", []string{floats, "testdata/values/after.json"}, "decode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := NewDiffCommand(newTestRootOpts("json"))
			out := &bytes.Buffer{}
			cmd.SetOut(out)
			cmd.SetArgs(tt.args)

			err := cmd.Execute()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Equal(t, ExitCommandError, GetExitCode(err))

			var resp CLIResponse
			require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
			assert.Equal(t, "error", resp.Status)
			require.NotNil(t, resp.Error)
			assert.Equal(t, ErrCodeInput, resp.Error.Code)
		})
	}
}

func TestDiffCommand_RequiresTwoArgs(t *testing.T) {
	cmd := NewDiffCommand(newTestRootOpts("text"))
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"only-one.json"})
	assert.Error(t, cmd.Execute())
}

func mustReadValue(t *testing.T, path string) ir.Value {
	t.Helper()
	v, err := readValue(path)
	require.NoError(t, err)
	return v
}
