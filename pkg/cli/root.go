// Package cli implements ontaskctl, the offline companion of the engine. It
// reads exported workflow containers and previews files before upload
// without talking to a running server.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultMaxSize bounds the decompressed size of a container read from disk.
const DefaultMaxSize = 64 << 20

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	MaxSize int64

	logger *zap.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// Logger returns the diagnostic logger. It discards everything unless
// --verbose is set.
func (o *RootOptions) Logger() *zap.Logger {
	if o.logger == nil {
		return zap.NewNop()
	}
	return o.logger
}

// NewRootCommand creates the root command of ontaskctl.
func NewRootCommand(version string) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:     "ontaskctl",
		Short:   "Inspect workflow exports and preview uploads",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.MaxSize <= 0 {
				return fmt.Errorf("invalid max-size %d: must be positive", opts.MaxSize)
			}
			if opts.Verbose {
				opts.logger = newStderrLogger(cmd)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output on stderr")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().Int64Var(&opts.MaxSize, "max-size", DefaultMaxSize, "maximum decompressed container size in bytes")

	cmd.AddCommand(NewInspectCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewPreviewCommand(opts))

	return cmd
}

// newStderrLogger writes console-encoded debug logs to the command's stderr
// so JSON output on stdout stays parseable.
func newStderrLogger(cmd *cobra.Command) *zap.Logger {
	encoderCfg := zap.NewDevelopmentEncoderConfig()
	encoderCfg.TimeKey = ""
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.AddSync(cmd.ErrOrStderr()),
		zapcore.DebugLevel,
	)
	return zap.New(core)
}
