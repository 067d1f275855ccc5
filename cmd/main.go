package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bibin-skaria/peel/engine"
	"github.com/bibin-skaria/peel/exporters"
	"github.com/bibin-skaria/peel/internal/config"
	perrors "github.com/bibin-skaria/peel/internal/errors"
	"github.com/bibin-skaria/peel/internal/logging"
	"github.com/bibin-skaria/peel/probe"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// jsonToStdout is the value --json takes when given without a file.
const jsonToStdout = "-"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}

type globalOptions struct {
	configPath  string
	runtime     string
	backend     string
	storageRoot string
	useOCI      bool
	jsonOut     string
	output      string
	logLevel    string
	logFormat   string
	platform    string
	timeout     time.Duration
	verbose     bool
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "peel [image]",
		Short: "Inspect the layers of a container image",
		Long: `peel lists the files every layer of a container image adds, changes and
deletes. Images are read straight from the local runtime's storage when it is
readable, from the runtime's export command otherwise, or from a docker save /
OCI archive or layout given as a path.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildDate),
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return runInspect(cmd, opts, args[0])
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "Config file (default: $PEEL_CONFIG or $XDG_CONFIG_HOME/peel/config.yaml)")
	flags.StringVar(&opts.runtime, "runtime", "", "Container runtime to use (docker, podman, containerd)")
	flags.StringVar(&opts.backend, "backend", "", "Layer source (auto, overlay, export, archive)")
	flags.StringVar(&opts.storageRoot, "storage-root", "", "Storage root of the runtime named by --runtime")
	flags.BoolVar(&opts.useOCI, "use-oci", false, "Read layers through the runtime's export command (same as --backend export)")
	flags.StringVar(&opts.jsonOut, "json", "", "Write JSON output, to a file when one is given")
	flags.Lookup("json").NoOptDefVal = jsonToStdout
	flags.StringVarP(&opts.output, "output", "o", "", "Output format (json, yaml, table)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "Log format (text, json)")
	flags.StringVar(&opts.platform, "platform", "", "Platform to select from multi-platform archives (os/arch[/variant])")
	flags.DurationVar(&opts.timeout, "timeout", 0, "Abort the whole run after this long (0 disables)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Print stage progress to stderr")

	cmd.AddCommand(newInspectCommand(opts))
	cmd.AddCommand(newProbeCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))

	return cmd
}

func newInspectCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <image>",
		Short: "List the per-layer changes of an image",
		Long: `Inspect an image by reference (nginx:latest), image ID, or path to a docker
save archive, OCI archive or OCI layout directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, opts, args[0])
		},
	}
}

func newProbeCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Show the container runtimes detected on this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := opts.context()
			defer cancel()

			e, err := engine.NewEngine(cfg, logger)
			if err != nil {
				return err
			}
			result := e.Probe(ctx)
			return opts.write(cmd, cfg.Output, func(exp exporters.Exporter, w io.Writer) error {
				return exp.ExportProbe(w, result)
			})
		},
	}
}

func newConfigCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Print the configuration after the config file, environment and flags are applied.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return fmt.Errorf("failed to render config: %v", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func runInspect(cmd *cobra.Command, opts *globalOptions, image string) error {
	cfg, logger, err := opts.setup(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := opts.context()
	defer cancel()

	e, err := engine.NewEngine(cfg, logger, engine.WithProgress(cmd.ErrOrStderr(), opts.verbose))
	if err != nil {
		return err
	}
	result, err := e.Inspect(ctx, image)
	if err != nil {
		return err
	}
	return opts.write(cmd, cfg.Output, func(exp exporters.Exporter, w io.Writer) error {
		return exp.Export(w, result.Info)
	})
}

// loadConfig layers defaults, the config file, the environment and flags,
// in that order.
func (o *globalOptions) loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return cfg, err
	}
	cfg.ApplyEnv()

	flags := cmd.Flags()
	if flags.Changed("runtime") {
		cfg.Runtime = o.runtime
		if kind, err := probe.ParseKind(o.runtime); err == nil {
			cfg.Runtime = string(kind)
		}
	}
	if flags.Changed("backend") {
		cfg.Backend = o.backend
	}
	if o.useOCI {
		cfg.Backend = config.BackendExport
	}
	if flags.Changed("storage-root") {
		cfg.StorageRoot = o.storageRoot
	}
	if flags.Changed("output") {
		cfg.Output = o.output
	}
	if o.jsonOut != "" {
		cfg.Output = "json"
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = o.logFormat
	}
	if flags.Changed("platform") {
		cfg.Platform = o.platform
	}

	return cfg, cfg.Validate()
}

func (o *globalOptions) setup(cmd *cobra.Command) (config.Config, *logrus.Logger, error) {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return cfg, nil, err
	}
	logger, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: logging.Format(cfg.LogFormat),
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logger, nil
}

func (o *globalOptions) context() (context.Context, context.CancelFunc) {
	ctx := logging.WithTraceID(context.Background(), fmt.Sprintf("peel-%d", time.Now().UnixNano()))
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	if o.timeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

// write sends output to stdout, or to the file named by --json.
func (o *globalOptions) write(cmd *cobra.Command, format string, fn func(exporters.Exporter, io.Writer) error) error {
	if format == "" {
		format = "table"
	}
	exp, err := exporters.GetExporter(format)
	if err != nil {
		return err
	}
	if o.jsonOut == "" || o.jsonOut == jsonToStdout {
		return fn(exp, cmd.OutOrStdout())
	}

	f, err := os.Create(o.jsonOut)
	if err != nil {
		return fmt.Errorf("failed to create output file: %v", err)
	}
	if err := fn(exp, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printError(w io.Writer, err error) {
	label := lipgloss.NewRenderer(w).NewStyle().Bold(true).Foreground(lipgloss.Color("#EF4444")).Render("Error:")
	var se *perrors.SourceError
	if perrors.As(err, &se) {
		fmt.Fprintf(w, "%s %s\n", label, se.GetUserFriendlyMessage())
		return
	}
	fmt.Fprintf(w, "%s %v\n", label, err)
}
