package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/mirror/internal/config"
	"github.com/roach88/mirror/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	// Config is Default until a --config file is loaded.
	Config config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for mirrorctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{Config: config.Default()}

	cmd := &cobra.Command{
		Use:   "mirrorctl",
		Short: "mirror - reactive state replicated between execution contexts",
		Long: `Drive a window/worker pair whose reactive stores mirror each other
through structural patches, and the tab broadcast channel between windows.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.prepare(cmd)
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (.yaml, .yml, .json or .toml)")

	cmd.AddCommand(NewDemoCommand(opts))
	cmd.AddCommand(NewDiffCommand(opts))
	cmd.AddCommand(NewTabsCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))

	return cmd
}

// prepare validates global flags, loads the config file and installs the
// logger. --verbose forces debug logging.
func (o *RootOptions) prepare(cmd *cobra.Command) error {
	if !slices.Contains(ValidFormats, o.Format) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", o.Format, ValidFormats))
	}

	if o.ConfigPath != "" {
		cfg, err := config.Load(o.ConfigPath)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load config", err)
		}
		o.Config = cfg
	}

	level := o.Config.Log.Level
	if o.Verbose {
		level = "debug"
	}
	if err := logging.Setup(cmd.ErrOrStderr(), level, o.Config.Log.Format); err != nil {
		return WrapExitError(ExitCommandError, "failed to configure logging", err)
	}
	return nil
}
