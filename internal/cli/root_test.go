package cli

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "mirrorctl", cmd.Use)
	assert.Contains(t, cmd.Short, "mirror")
	assert.True(t, cmd.SilenceUsage)
	assert.True(t, cmd.SilenceErrors)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"demo"},
		{"diff"},
		{"tabs"},
		{"tabs", "send"},
		{"tabs", "listen"},
		{"scenario"},
	}

	for _, path := range commands {
		t.Run(filepath.Join(path...), func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err)
			require.NotNil(t, subCmd)
			assert.Equal(t, path[len(path)-1], subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "", configFlag.DefValue)
}

func TestSubcommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	tests := []struct {
		path []string
		flag string
		def  string
	}{
		{[]string{"demo"}, "create", "[]"},
		{[]string{"demo"}, "tabs", "false"},
		{[]string{"demo"}, "timeout", "5s"},
		{[]string{"scenario"}, "update", "false"},
		{[]string{"scenario"}, "filter", ""},
		{[]string{"scenario"}, "timeout", "2s"},
		{[]string{"tabs", "send"}, "sender", ""},
		{[]string{"tabs", "listen"}, "count", "0"},
		{[]string{"tabs", "listen"}, "timeout", "10s"},
	}

	for _, tt := range tests {
		t.Run(filepath.Join(tt.path...)+"/"+tt.flag, func(t *testing.T) {
			sub, _, err := cmd.Find(tt.path)
			require.NoError(t, err)
			f := sub.Flags().Lookup(tt.flag)
			require.NotNil(t, f)
			assert.Equal(t, tt.def, f.DefValue)
		})
	}
}

func TestFormatValidationIntegration(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--format", "xml", "diff", "a.json", "b.json"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestConfigFlag(t *testing.T) {
	keepDefaultLogger(t)
	t.Run("loads the file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "mirror.yaml")
		require.NoError(t, os.WriteFile(path, []byte("scheduler: zero\nworkspaces: [work]\n"), 0644))
		before, after := writeValuePair(t, `"a"`, `"b"`)

		cmd := NewRootCommand()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs([]string{"--config", path, "diff", before, after})
		require.NoError(t, cmd.Execute())
	})

	t.Run("schema violation is a command error", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "mirror.yaml")
		require.NoError(t, os.WriteFile(path, []byte("scheduler: sometimes\n"), 0644))

		cmd := NewRootCommand()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs([]string{"--config", path, "diff", "a.json", "b.json"})

		err := cmd.Execute()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load config")
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})
}

func TestPrepare_VerboseForcesDebug(t *testing.T) {
	keepDefaultLogger(t)
	before, after := writeValuePair(t, `1`, `2`)
	stderr := &bytes.Buffer{}

	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(stderr)
	cmd.SetArgs([]string{"-v", "diff", before, after})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, stderr.String(), "1 ops verified")
}

// keepDefaultLogger restores the default slog logger that the root command
// replaces.
func keepDefaultLogger(t *testing.T) {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
}

// writeValuePair writes two tagged-codec documents and returns their paths.
func writeValuePair(t *testing.T, before, after string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	a := filepath.Join(dir, "before.json")
	b := filepath.Join(dir, "after.json")
	require.NoError(t, os.WriteFile(a, []byte(before), 0644))
	require.NoError(t, os.WriteFile(b, []byte(after), 0644))
	return a, b
}
