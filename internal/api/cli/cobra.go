// Package cli wires the trainkit command line.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openeeap/trainkit/internal/api/cli/commands"
	"github.com/openeeap/trainkit/internal/app"
	"github.com/openeeap/trainkit/internal/app/dto"
	"github.com/openeeap/trainkit/internal/observability/logging"
	"github.com/openeeap/trainkit/pkg/config"
	"github.com/openeeap/trainkit/pkg/errors"
)

// skipConfig marks commands that run without loading configuration
const skipConfig = "trainkit/skip-config"

type rootOptions struct {
	configFile string
	verbose    bool
	watch      bool
	appOpts    []app.Option

	runtime     commands.Runtime
	stopMetrics func() error
}

// Execute runs the command line and releases everything it built
func Execute(ctx context.Context, opts ...app.Option) error {
	cmd, o := newRootCmd(opts...)
	err := cmd.ExecuteContext(ctx)
	if closeErr := o.close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func newRootCmd(opts ...app.Option) (*cobra.Command, *rootOptions) {
	o := &rootOptions{appOpts: opts}

	cmd := &cobra.Command{
		Use:   "trainkit",
		Short: "trainkit - data preparation and preference losses for fine-tuning",
		Long: `trainkit prepares fine-tuning data and evaluates preference losses.

It covers:
 - Formatting instruction, conversational and preference records
 - Packing tokenized sequences into fixed-length blocks
 - Checking completion-only masks for the response marker
 - Computing DPO-family losses from sequence log-probabilities`,
		Version:           app.Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: o.setup,
	}

	cmd.PersistentFlags().StringVar(&o.configFile, "config", "", "config file (default: ./trainkit.yaml or ./config/trainkit.yaml)")
	cmd.PersistentFlags().StringVarP(&o.runtime.Output, "output", "o", commands.OutputTable, "output format (table|json|yaml)")
	cmd.PersistentFlags().BoolVarP(&o.verbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVar(&o.watch, "watch", false, "reload the config file on change and apply its log level")

	cmd.AddCommand(commands.NewFormatCmd(&o.runtime))
	cmd.AddCommand(commands.NewPackCmd(&o.runtime))
	cmd.AddCommand(commands.NewValidateCmd(&o.runtime))
	cmd.AddCommand(commands.NewLossCmd(&o.runtime))
	cmd.AddCommand(commands.NewConfigCmd(&o.runtime))
	cmd.AddCommand(newVersionCmd(o))
	cmd.AddCommand(newCompletionCmd())

	return cmd, o
}

// setup loads configuration and builds the container for the command
func (o *rootOptions) setup(cmd *cobra.Command, args []string) error {
	switch o.runtime.Output {
	case commands.OutputTable, commands.OutputJSON, commands.OutputYAML:
	default:
		return errors.Newf(errors.CodeInvalidArgument, "unsupported output format %q (table, json, yaml)", o.runtime.Output)
	}
	if cmd.Annotations[skipConfig] == "true" {
		return nil
	}

	loader := config.NewLoader(config.LoaderOptions{ConfigFile: o.configFile, EnableWatch: o.watch})
	cfg, err := loader.Load()
	if err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "failed to load configuration")
	}
	if o.verbose {
		cfg.Observability.Logging.Level = "debug"
	}

	c, err := app.New(cfg, o.appOpts...)
	if err != nil {
		return err
	}
	loader.SetLogger(c.Logger)
	if o.watch {
		loader.OnReload(applyLogLevel(c.Logger, o.verbose))
	}
	o.runtime.Loader = loader
	o.runtime.Container = c

	if mc := cfg.Observability.Metrics; mc.Enabled {
		o.stopMetrics = serveMetrics(cmd.Context(), mc.Addr, c.Metrics.Handler(), c.Logger)
	}
	return nil
}

// applyLogLevel follows observability.logging.level across reloads; --verbose pins debug
func applyLogLevel(logger logging.Logger, verbose bool) config.ReloadCallback {
	return func(oldConfig, newConfig *config.Config) error {
		setter, ok := logger.(logging.LevelSetter)
		if !ok || verbose {
			return nil
		}
		level := newConfig.Observability.Logging.Level
		if level != oldConfig.Observability.Logging.Level {
			setter.SetLevel(level)
			logger.Info("log level changed", logging.String("level", level))
		}
		return nil
	}
}

func (o *rootOptions) close() error {
	var errs []error
	if o.stopMetrics != nil {
		errs = append(errs, o.stopMetrics())
		o.stopMetrics = nil
	}
	if o.runtime.Container != nil {
		errs = append(errs, o.runtime.Container.Close())
		o.runtime.Container = nil
	}
	return errors.Join(errs...)
}

// serveMetrics exposes /metrics until the returned stop function is called
func serveMetrics(ctx context.Context, addr string, handler http.Handler, logger logging.Logger) func() error {
	ctx, cancel := context.WithCancel(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("serving metrics", logging.String("addr", addr))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return errors.Wrapf(err, errors.CodeInternalError, "metrics server on %s failed", addr)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		return srv.Shutdown(shutdownCtx)
	})

	return func() error {
		cancel()
		return g.Wait()
	}
}

func newVersionCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			info := dto.VersionResponse{
				Version:   app.Version,
				GitCommit: app.GitCommit,
				BuildTime: app.BuildTime,
				GoVersion: runtime.Version(),
			}
			return o.runtime.Print(cmd.OutOrStdout(), info, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "Version:\t%s\n", info.Version)
				fmt.Fprintf(tw, "Git Commit:\t%s\n", info.GitCommit)
				fmt.Fprintf(tw, "Build Time:\t%s\n", info.BuildTime)
				fmt.Fprintf(tw, "Go Version:\t%s\n", info.GoVersion)
			})
		},
	}
}

func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Long: `To load completions:

Bash:
 $ source <(trainkit completion bash)

Zsh:
 $ trainkit completion zsh > "${fpath[1]}/_trainkit"

Fish:
 $ trainkit completion fish | source

PowerShell:
 PS> trainkit completion powershell | Out-String | Invoke-Expression
`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		Annotations:           map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(out)
			case "zsh":
				return cmd.Root().GenZshCompletion(out)
			case "fish":
				return cmd.Root().GenFishCompletion(out, true)
			default:
				return cmd.Root().GenPowerShellCompletionWithDesc(out)
			}
		},
	}
}
