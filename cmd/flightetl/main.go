// Command flightetl loads flight-search batches into a relational store.
//
//	flightetl load      --config etl.yaml
//	flightetl reconcile --config etl.yaml
//	flightetl reindex   --config etl.yaml [table...]
//	flightetl purge     --config etl.yaml --day 2022-04-16
//	flightetl validate  --config etl.yaml
//	flightetl probe     --config etl.yaml batch.parquet...
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"flightetl/internal/config"
	"flightetl/internal/pipeline"
	"flightetl/internal/probe"

	// register all backends with the storage factory.
	_ "flightetl/internal/storage/all"
)

func main() {
	os.Exit(runMain(os.Args[1:], os.Stdout, os.Stderr))
}

// usageError marks errors that exit 2.
type usageError struct{ error }

func (e usageError) Unwrap() error { return e.error }

type options struct {
	cfgPath        string
	metricsBackend string
	verbose        bool
}

// runMain runs the CLI. Exit codes: 0 ok, 1 failure, 2 usage.
func runMain(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	fmt.Fprintln(stderr, "flightetl:", err)
	var ue usageError
	if errors.As(err, &ue) {
		return 2
	}
	return 1
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "flightetl",
		Short:         "Load flight-search batches into a relational store",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return usageError{errors.New("a subcommand is required")}
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })

	pf := root.PersistentFlags()
	pf.StringVar(&opts.cfgPath, "config", "flightetl.yaml", "pipeline config YAML path")
	pf.StringVar(&opts.metricsBackend, "metrics-backend", "", "metrics backend (none, datadog, pushgateway); overrides config and METRICS_BACKEND")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose logs")

	root.AddCommand(
		newLoadCmd(opts, stdout, stderr),
		newReconcileCmd(opts, stdout, stderr),
		newReindexCmd(opts, stderr),
		newPurgeCmd(opts, stdout, stderr),
		newValidateCmd(opts, stdout),
		newProbeCmd(opts, stdout),
	)
	return root
}

func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return usageError{fmt.Errorf("unknown command %q for %q", args[0], cmd.CommandPath())}
	}
	return nil
}

// session is what every store-touching subcommand sets up.
type session struct {
	cfg    config.Pipeline
	log    *zap.Logger
	runner *pipeline.Runner
	close  func()
}

func open(cmd *cobra.Command, opts *options, stderr io.Writer) (*session, error) {
	cfg, err := config.LoadFile(opts.cfgPath)
	if err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()

	log := newLogger(stderr, opts.verbose).With(
		zap.String("job", cfg.Job),
		zap.String("run_id", uuid.NewString()),
		zap.String("command", cmd.Name()),
	)
	shutdown := setupMetrics(cmd.Context(), cfg, opts.metricsBackend, log)
	return &session{
		cfg:    cfg,
		log:    log,
		runner: pipeline.NewDefaultRunner(log),
		close: func() {
			shutdown()
			_ = log.Sync()
		},
	}, nil
}

func newLogger(w io.Writer, verbose bool) *zap.Logger {
	enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	level := zapcore.InfoLevel
	if verbose {
		enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
		level = zapcore.DebugLevel
	}
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), level))
}

func newLoadCmd(opts *options, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "load",
		Short: "Load every pending source batch",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd, opts, stderr)
			if err != nil {
				return err
			}
			defer s.close()

			start := time.Now()
			rep, err := s.runner.Load(cmd.Context(), s.cfg)
			printReport(stdout, rep)
			if err != nil {
				return err
			}
			if !rep.Clean() {
				s.log.Warn("rows left over", zap.Int("leftover", rep.Leftover()), zap.String("remainder_dir", s.cfg.Remainder.Dir))
			}
			s.log.Info("completed", zap.Duration("duration", time.Since(start).Truncate(time.Millisecond)))
			return nil
		},
	}
}

func newReconcileCmd(opts *options, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Retry the rows kept in the remainder directory",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd, opts, stderr)
			if err != nil {
				return err
			}
			defer s.close()

			rep, err := s.runner.Reconcile(cmd.Context(), s.cfg)
			printReport(stdout, rep)
			return err
		},
	}
}

func newReindexCmd(opts *options, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex [table...]",
		Short: "Rebuild table indexes (all tables by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd, opts, stderr)
			if err != nil {
				return err
			}
			defer s.close()
			return s.runner.Reindex(cmd.Context(), s.cfg, args)
		},
	}
}

func newPurgeCmd(opts *options, stdout, stderr io.Writer) *cobra.Command {
	var dayStr string
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete the fact rows inserted on one UTC day",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := time.ParseInLocation(time.DateOnly, dayStr, time.UTC)
			if err != nil {
				return usageError{fmt.Errorf("--day: want YYYY-MM-DD, got %q", dayStr)}
			}
			s, err := open(cmd, opts, stderr)
			if err != nil {
				return err
			}
			defer s.close()

			counts, err := s.runner.Purge(cmd.Context(), s.cfg, day)
			for _, name := range []string{"flight", "fare", "search"} {
				if n, ok := counts[name]; ok {
					fmt.Fprintf(stdout, "%s\t%d\n", name, n)
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&dayStr, "day", "", "insertion day, YYYY-MM-DD (UTC)")
	return cmd
}

func newValidateCmd(opts *options, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and exit",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(opts.cfgPath)
			if err != nil {
				return err
			}
			issues := config.Validate(cfg.WithDefaults())
			for _, iss := range issues {
				fmt.Fprintf(stdout, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
			}
			if config.HasErrors(issues) {
				return fmt.Errorf("configuration is invalid: %s", opts.cfgPath)
			}
			fmt.Fprintf(stdout, "configuration is valid: %s\n", opts.cfgPath)
			return nil
		},
	}
}

func newProbeCmd(opts *options, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "probe batch...",
		Short: "Profile source batches against the columns a load needs",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return usageError{errors.New("probe: at least one batch path is required")}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// the config only supplies CSV options; it is optional here
			var src config.Source
			if cfg, err := config.LoadFile(opts.cfgPath); err == nil {
				src = cfg.WithDefaults().Source
			}
			provider := pipeline.SourceFor(src)

			notReady := 0
			for _, path := range args {
				t, err := provider.Read(cmd.Context(), path)
				if err != nil {
					return err
				}
				rep := probe.Profile(t)
				if err := probe.Write(stdout, rep); err != nil {
					return err
				}
				fmt.Fprintln(stdout)
				if !rep.Ready() {
					notReady++
				}
			}
			if notReady > 0 {
				return fmt.Errorf("%d of %d batches lack required columns", notReady, len(args))
			}
			return nil
		},
	}
}

func printReport(w io.Writer, rep pipeline.Report) {
	if len(rep.Tables) == 0 {
		fmt.Fprintln(w, "nothing to do")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tATTEMPTED\tPERSISTED\tLEFTOVER\tARTIFACT")
	for _, t := range rep.Tables {
		artifact := t.Artifact
		if t.Bypassed {
			artifact = "(bypassed)"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", t.Table, t.Attempted, t.Persisted, t.Leftover, artifact)
	}
	_ = tw.Flush()
}
