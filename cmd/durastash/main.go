// Command durastash is an operational harness around the durastash library:
// it exposes save/load/ack/resave and session maintenance as one-shot CLI
// invocations against a local data directory. It is a consumer of the
// library, not a widening of its surface.
package main

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rzbill/durastash"
	cfgpkg "github.com/rzbill/durastash/internal/config"
	metricspkg "github.com/rzbill/durastash/internal/metrics"
	pebblestore "github.com/rzbill/durastash/internal/storage/pebble"
	logpkg "github.com/rzbill/durastash/pkg/log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func main() {
	level := os.Getenv("DURASTASH_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:   "durastash",
		Short: "durastash operational CLI",
		Long:  "durastash is a durable, crash-safe, per-group append-and-batch queue. This CLI exercises the library from the shell.",
	}
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (defaults to OS-specific application data directory)")
	rootCmd.PersistentFlags().String("fsync", "interval", "Fsync mode: always|interval|never")
	rootCmd.PersistentFlags().Int("fsync-interval-ms", 5, "When --fsync=interval, group-commit window in ms")
	rootCmd.PersistentFlags().String("log-level", level, "Log level: debug|info|warn|error")
	rootCmd.PersistentFlags().String("log-format", os.Getenv("DURASTASH_LOG_FORMAT"), "Log format: text|json")
	rootCmd.PersistentFlags().String("metrics-addr", "", "If set, serve Prometheus /metrics on this address for the duration of the command")
	rootCmd.PersistentFlags().String("group", "", "Group name (required)")
	rootCmd.PersistentFlags().Int("batch-size", 0, "Override the default batch size for this invocation (a persisted per-group override still takes precedence)")
	rootCmd.PersistentFlags().String("resume-session", "", "Prior session ID to resume the sequence counter from (each invocation is its own process and its own session otherwise)")

	rootCmd.AddCommand(
		newSaveCommand(),
		newLoadCommand(),
		newAckCommand(),
		newResaveCommand(),
		newSessionCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		logger.Error("command failed", logpkg.Err(err))
		os.Exit(1)
	}
}

// openFacade builds a durastash.Facade from the persistent flags shared by
// every subcommand, optionally serving /metrics for the lifetime of the
// returned stop function's caller.
func openFacade(cmd *cobra.Command, logger logpkg.Logger) (*durastash.Facade, func(), error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	fsyncMode, _ := cmd.Flags().GetString("fsync")
	fsyncIntervalMs, _ := cmd.Flags().GetInt("fsync-interval-ms")
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	switch fsyncMode {
	case "always", "interval", "never":
	default:
		return nil, nil, fmt.Errorf("invalid --fsync; use always|interval|never")
	}

	cfg := cfgpkg.Default()
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	cfg.Fsync = fsyncMode
	cfg.FsyncInterval = time.Duration(fsyncIntervalMs) * time.Millisecond
	if batchSize > 0 {
		cfg.DefaultBatchSize = batchSize
	}

	reg := prometheus.NewRegistry()
	metricsHook := metricspkg.New(reg)

	var stopMetrics func()
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics server stopped", logpkg.Err(err))
			}
		}()
		stopMetrics = func() { _ = srv.Close() }
	}

	facade, err := durastash.Open(durastash.Options{
		DataDir: cfg.DataDir,
		Fsync:   parseFsyncFlag(fsyncMode),
		Config:  cfg,
		Logger:  logger,
		Metrics: metricsHook,
	})
	if err != nil {
		if stopMetrics != nil {
			stopMetrics()
		}
		return nil, nil, err
	}

	stop := func() {
		_ = facade.Shutdown()
		if stopMetrics != nil {
			stopMetrics()
		}
	}
	return facade, stop, nil
}

func parseFsyncFlag(s string) pebblestore.FsyncMode {
	switch s {
	case "always":
		return pebblestore.FsyncModeAlways
	case "never":
		return pebblestore.FsyncModeNever
	default:
		return pebblestore.FsyncModeInterval
	}
}

// startSession initializes grp's session for this invocation, resuming the
// sequence counter from --resume-session's prior session ID when given.
// Each CLI invocation is its own process and, absent --resume-session, its
// own fresh session: data is session-scoped, so a later process's load/ack/
// resave will not see a prior process's batches unless the prior session ID
// is passed through.
func startSession(cmd *cobra.Command, facade *durastash.Facade, grp string) (string, error) {
	prior, _ := cmd.Flags().GetString("resume-session")
	if prior != "" {
		return facade.InitializeSessionResuming(grp, prior)
	}
	return facade.InitializeSession(grp)
}

func requiredGroup(cmd *cobra.Command) (string, error) {
	grp, _ := cmd.Flags().GetString("group")
	if grp == "" {
		return "", fmt.Errorf("--group is required")
	}
	return grp, nil
}

func cliLogger(cmd *cobra.Command) logpkg.Logger {
	lvl, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	parsed, err := logpkg.ParseLevel(lvl)
	if err != nil {
		parsed = logpkg.InfoLevel
	}
	var formatter logpkg.Formatter = &logpkg.TextFormatter{}
	if format == "json" {
		formatter = &logpkg.JSONFormatter{}
	}
	return logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(formatter),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
}

func newSaveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Initialize a session for --group and save one payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			grp, err := requiredGroup(cmd)
			if err != nil {
				return err
			}
			data, _ := cmd.Flags().GetString("data")
			b64, _ := cmd.Flags().GetBool("base64")
			payload := []byte(data)
			if b64 {
				payload, err = base64.StdEncoding.DecodeString(data)
				if err != nil {
					return fmt.Errorf("decode --data as base64: %w", err)
				}
			}

			logger := cliLogger(cmd)
			facade, stop, err := openFacade(cmd, logger)
			if err != nil {
				return err
			}
			defer stop()

			if _, err := startSession(cmd, facade, grp); err != nil {
				return err
			}
			seq, err := facade.Save(grp, payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sequence: %d\n", seq)
			return nil
		},
	}
	cmd.Flags().String("data", "", "Payload bytes to save")
	cmd.Flags().Bool("base64", false, "Treat --data as base64-encoded")
	return cmd
}

func newLoadCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Initialize a session for --group and load up to --max-batches batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			grp, err := requiredGroup(cmd)
			if err != nil {
				return err
			}
			maxBatches, _ := cmd.Flags().GetInt("max-batches")

			logger := cliLogger(cmd)
			facade, stop, err := openFacade(cmd, logger)
			if err != nil {
				return err
			}
			defer stop()

			if _, err := startSession(cmd, facade, grp); err != nil {
				return err
			}
			results, err := facade.LoadBatch(grp, maxBatches)
			if err != nil {
				return err
			}
			for _, r := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "batch=%s range=[%d,%d] payloads=%d missing=%d\n",
					r.BatchID, r.SequenceStart, r.SequenceEnd, len(r.Data), r.MissingPayloads)
			}
			return nil
		},
	}
	cmd.Flags().Int("max-batches", 1, "Maximum number of batches to load (0 = unbounded)")
	return cmd
}

func newAckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ack",
		Short: "Acknowledge a loaded batch by ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			grp, err := requiredGroup(cmd)
			if err != nil {
				return err
			}
			batchID, _ := cmd.Flags().GetString("batch-id")
			if batchID == "" {
				return fmt.Errorf("--batch-id is required")
			}

			logger := cliLogger(cmd)
			facade, stop, err := openFacade(cmd, logger)
			if err != nil {
				return err
			}
			defer stop()

			if _, err := startSession(cmd, facade, grp); err != nil {
				return err
			}
			if err := facade.AcknowledgeBatch(grp, batchID); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "status: OK")
			return nil
		},
	}
	cmd.Flags().String("batch-id", "", "Batch ID to acknowledge")
	return cmd
}

func newResaveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resave",
		Short: "Resave the remaining payloads of a loaded batch and acknowledge the original",
		RunE: func(cmd *cobra.Command, args []string) error {
			grp, err := requiredGroup(cmd)
			if err != nil {
				return err
			}
			batchID, _ := cmd.Flags().GetString("batch-id")
			if batchID == "" {
				return fmt.Errorf("--batch-id is required")
			}
			remaining, _ := cmd.Flags().GetStringArray("remaining")
			payloads := make([][]byte, len(remaining))
			for i, r := range remaining {
				payloads[i] = []byte(r)
			}

			logger := cliLogger(cmd)
			facade, stop, err := openFacade(cmd, logger)
			if err != nil {
				return err
			}
			defer stop()

			if _, err := startSession(cmd, facade, grp); err != nil {
				return err
			}
			seqs, err := facade.ResaveBatch(grp, batchID, payloads)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "new sequences: %v\n", seqs)
			return nil
		},
	}
	cmd.Flags().String("batch-id", "", "Original batch ID, currently LOADED")
	cmd.Flags().StringArray("remaining", nil, "Remaining payloads to resave, one --remaining per payload")
	return cmd
}

func newSessionCommand() *cobra.Command {
	sessionCmd := &cobra.Command{Use: "session", Short: "Session maintenance commands"}

	heartbeatCmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Initialize a session for --group and report its ID (heartbeat worker runs until the process exits)",
		RunE: func(cmd *cobra.Command, args []string) error {
			grp, err := requiredGroup(cmd)
			if err != nil {
				return err
			}
			logger := cliLogger(cmd)
			facade, stop, err := openFacade(cmd, logger)
			if err != nil {
				return err
			}
			defer stop()

			sessionID, err := startSession(cmd, facade, grp)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session: %s\n", sessionID)
			return nil
		},
	}

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Terminate sessions in --group whose heartbeat is older than --timeout-ms",
		RunE: func(cmd *cobra.Command, args []string) error {
			grp, err := requiredGroup(cmd)
			if err != nil {
				return err
			}
			timeoutMs, _ := cmd.Flags().GetInt64("timeout-ms")

			logger := cliLogger(cmd)
			facade, stop, err := openFacade(cmd, logger)
			if err != nil {
				return err
			}
			defer stop()

			n, err := facade.CleanupTimeoutSessions(grp, timeoutMs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reclaimed: %d\n", n)
			return nil
		},
	}
	cleanupCmd.Flags().Int64("timeout-ms", 30000, "Heartbeat age, in milliseconds, beyond which a session is considered timed out")

	sessionCmd.AddCommand(heartbeatCmd, cleanupCmd)
	return sessionCmd
}
