package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/openzim/mirrors-qa/worker/task/pkg/probe"
)

const defaultWorkdir = "/data"

var (
	verbose       bool
	outputFile    string
	timeout       time.Duration
	chunkSize     int
	retries       int
	retryInterval time.Duration
	userAgent     string

	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:          "mirrors-qa-task",
	Short:        "One-shot download measurement for the mirrors-qa network",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mirrors-qa-task %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

var runCmd = &cobra.Command{
	Use:   "run <url>",
	Short: "Download a file and write the measured metrics as JSON",
	Long: `Downloads the given URL through whatever network namespace this process
runs in, measures time to first response, bytes transferred and throughput,
and writes the record to WORKDIR/<output>. Failed downloads still produce a
record, with status ERRORED and the failure reason.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(verbose)

		workdir := os.Getenv("WORKDIR")
		if workdir == "" {
			workdir = defaultWorkdir
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		prober, err := probe.New(log, probe.Config{
			Timeout:       timeout,
			ChunkSize:     chunkSize,
			Retries:       retries,
			RetryInterval: retryInterval,
			UserAgent:     userAgent,
		})
		if err != nil {
			return err
		}

		metrics := prober.Measure(ctx, args[0])

		data, err := json.Marshal(metrics)
		if err != nil {
			return fmt.Errorf("failed to encode metrics: %w", err)
		}
		outPath := filepath.Join(workdir, outputFile)
		if err := os.WriteFile(outPath, data, 0o644); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}

		log.Info("saved metrics", "path", outPath, "status", metrics.Status)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose mode - show debug logs")

	runCmd.Flags().StringVarP(&outputFile, "output", "O", "output.json", "name of the file to write results to, relative to WORKDIR")
	runCmd.Flags().DurationVar(&timeout, "timeout", probe.DefaultTimeout, "bound on a single download attempt")
	runCmd.Flags().IntVar(&chunkSize, "chunk-size", probe.DefaultChunkSize, "read buffer size in bytes")
	runCmd.Flags().IntVar(&retries, "retries", probe.DefaultRetries, "extra attempts after the first failure")
	runCmd.Flags().DurationVar(&retryInterval, "retry-interval", probe.DefaultRetryInterval, "base wait between attempts, scaled by the attempt number")
	runCmd.Flags().StringVar(&userAgent, "user-agent", probe.DefaultUserAgent, "User-Agent header sent with the download")

	rootCmd.AddCommand(runCmd)
}

func main() {
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: logLevel}))
}
