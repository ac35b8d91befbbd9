// Package cli wires the decoder, viterbiio, and detector packages into the
// viterbi-decode command-line tool.
package cli

import (
	"log/slog"
	"os"

	"github.com/openfluke/viterbi/decoder"
	"github.com/spf13/cobra"
)

// CLI encapsulates the command-line interface with its dependencies.
type CLI struct {
	verbose     bool
	quiet       bool
	initialized bool
	rootCmd     *cobra.Command
}

// New creates a CLI instance with all subcommands registered.
func New(version string) *CLI {
	c := &CLI{}
	c.setupCommands(version)
	return c
}

func (c *CLI) setupCommands(version string) {
	c.rootCmd = &cobra.Command{
		Use:     "viterbi-decode",
		Short:   "Batched first-order Viterbi decoding for time-varying categorical distributions",
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			c.initLogging()
		},
	}

	c.rootCmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Enable debug logging")
	c.rootCmd.PersistentFlags().BoolVar(&c.quiet, "quiet", false, "Suppress all logging")

	c.rootCmd.AddCommand(c.newDecodeCommand())
	c.rootCmd.AddCommand(c.newDetectCommand())
}

// Run executes the CLI and returns any error, to be translated to a process
// exit code by ExitCode.
func (c *CLI) Run() error {
	return c.rootCmd.Execute()
}

func (c *CLI) initLogging() {
	if c.initialized {
		return
	}
	c.initialized = true

	level := slog.LevelInfo
	switch {
	case c.quiet:
		level = slog.Level(100)
	case c.verbose:
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// ExitCode maps a *decoder.Error's Kind to the process exit code described
// in the package's CLI contract. Any other error (flag parsing, file I/O
// aggregated via go-multierror) exits 1, the same code as InvalidArgument,
// since both represent something the caller needs to fix before retrying.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var derr *decoder.Error
	if !asDecodeError(err, &derr) {
		return 1
	}
	switch derr.Kind {
	case decoder.OutOfResources:
		return 2
	case decoder.DeviceError:
		return 3
	default:
		return 1
	}
}
