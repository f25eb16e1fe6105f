// l1sentry analyzes Layer-1 telecom captures (PCAP fronthaul traffic, QXDM
// diag logs, UE event logs) for protocol anomalies.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ocdev21/l1sentry/internal/config"
	"github.com/ocdev21/l1sentry/internal/engine"
	"github.com/ocdev21/l1sentry/internal/events"
	"github.com/ocdev21/l1sentry/internal/logging"
	"github.com/ocdev21/l1sentry/internal/metrics"
	"github.com/ocdev21/l1sentry/internal/ml"
	"github.com/ocdev21/l1sentry/internal/parser"
)

var version = "dev"

type cliFlags struct {
	configPath  string
	modelDir    string
	output      string
	metricsAddr string
	logLevel    string
	logFormat   string
	parallel    int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &cliFlags{}

	root := &cobra.Command{
		Use:           "l1sentry",
		Short:         "L1 telecom anomaly detection for PCAP, diag, and UE event captures",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			switch flags.logLevel {
			case "debug":
				level = logging.LevelDebug
			case "warn":
				level = logging.LevelWarn
			case "error":
				level = logging.LevelError
			}
			logging.Init(&logging.Config{
				Level:  level,
				Output: os.Stderr,
				Format: flags.logFormat,
			})
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "path to YAML config file")
	pf.StringVar(&flags.modelDir, "model-dir", "", "directory for persisted model state")
	pf.StringVarP(&flags.output, "output", "o", "-", "anomaly report destination (JSON lines, - for stdout)")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "listen address for Prometheus metrics (empty disables)")
	pf.StringVar(&flags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "text", "log format (text, json)")

	root.AddCommand(newAnalyzeCmd(flags), newWatchCmd(flags), newModelsCmd(flags))
	return root
}

func newAnalyzeCmd(flags *cliFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze [file|dir]...",
		Short: "Analyze capture files and emit anomaly reports",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}

			paths, err := expandInputs(args)
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return fmt.Errorf("no supported input files in %v", args)
			}

			out, closeOut, err := openOutput(flags.output)
			if err != nil {
				return err
			}
			defer closeOut()

			ctx, stop := signalContext()
			defer stop()

			m := metrics.New()
			stopMetrics := serveMetrics(flags.metricsAddr, m)
			defer stopMetrics()

			bus := events.NewBus(events.DefaultConfig())
			enc := json.NewEncoder(out)
			bus.Subscribe(events.EventAnomalyDetected, func(ev *events.Event) {
				if err := enc.Encode(ev.Data); err != nil {
					logging.Error("write anomaly", logging.Err(err))
				}
			})

			opts := engine.Options{ModelDir: flags.modelDir, Bus: bus, Metrics: m}
			reports, err := engine.AnalyzeFiles(ctx, cfg, opts, paths, flags.parallel)
			bus.Flush()
			if err != nil {
				return err
			}

			summary := engine.Summarize(reports)
			logging.Info("run complete",
				"files", summary.Files,
				"records", summary.Records,
				"malformed", summary.Malformed,
				"anomalies", summary.Anomalies)
			return enc.Encode(summary)
		},
	}
	cmd.Flags().IntVar(&flags.parallel, "parallel", 1,
		"analyze up to N files concurrently with independent engines")
	return cmd
}

func newWatchCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <dir>",
		Short: "Watch a directory and analyze files as they arrive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}

			out, closeOut, err := openOutput(flags.output)
			if err != nil {
				return err
			}
			defer closeOut()

			ctx, stop := signalContext()
			defer stop()

			m := metrics.New()
			stopMetrics := serveMetrics(flags.metricsAddr, m)
			defer stopMetrics()

			bus := events.NewBus(events.DefaultConfig())
			enc := json.NewEncoder(out)
			bus.Subscribe(events.EventAnomalyDetected, func(ev *events.Event) {
				if err := enc.Encode(ev.Data); err != nil {
					logging.Error("write anomaly", logging.Err(err))
				}
			})

			eng := engine.New(cfg, engine.Options{ModelDir: flags.modelDir, Bus: bus, Metrics: m})
			w := engine.NewWatcher(eng, cfg.Watch.Interval)

			err = w.Watch(ctx, args[0], func(r *engine.FileReport) {
				logging.Info("file analyzed",
					"file", r.File, "records", r.Records, "anomalies", len(r.Anomalies))
			})
			bus.Flush()
			if ctx.Err() != nil {
				return nil // clean shutdown on signal
			}
			return err
		},
	}
}

func newModelsCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "Show persisted model state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			if flags.modelDir == "" {
				return fmt.Errorf("--model-dir is required")
			}

			store, err := ml.NewFileStore(flags.modelDir)
			if err != nil {
				return fmt.Errorf("open model store: %w", err)
			}
			mgr := ml.NewManager(cfg.Ensemble, store)

			status := map[string]any{
				"model_dir":        flags.modelDir,
				"trained":          mgr.Trained(),
				"state":            mgr.State(),
				"files_since_last": mgr.FilesProcessed(),
				"retrain_every":    cfg.Ensemble.RetrainFileThreshold,
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(status)
		},
	}
}

// expandInputs resolves files and directories to the supported capture
// files they contain.
func expandInputs(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			path := filepath.Join(arg, entry.Name())
			if _, err := parser.Sniff(path); err == nil {
				paths = append(paths, path)
			}
		}
	}
	return paths, nil
}

func openOutput(dest string) (io.Writer, func(), error) {
	if dest == "" || dest == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(dest)
	if err != nil {
		return nil, nil, fmt.Errorf("open output %s: %w", dest, err)
	}
	return f, func() { f.Close() }, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// serveMetrics exposes the /metrics endpoint when addr is set. The returned
// stop function shuts the listener down.
func serveMetrics(addr string, m *metrics.Metrics) func() {
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("metrics server", logging.Err(err))
		}
	}()
	logging.Info("serving metrics", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
