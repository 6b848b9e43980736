package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/ligustah/chunky/internal/config"
	"github.com/ligustah/chunky/internal/logging"
	"github.com/ligustah/chunky/internal/metrics"
	"github.com/ligustah/chunky/internal/progress"
	"github.com/ligustah/chunky/internal/transfer"
)

// commonFlags are shared by all commands. Unset flags leave the
// configuration file and environment in charge.
type commonFlags struct {
	configFile  string
	store       string
	endpoint    string
	chunkSize   string
	maxRetries  int
	contentType string
	quiet       bool
	logLevel    string
	metricsFile string
}

func (f *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configFile, "config", "", "Path to a YAML config file")
	fs.StringVar(&f.store, "store", "", `Storage backend: "gcs" or a bucket URL template such as "s3://{bucket}?region=us-east-1" (default "gcs")`)
	fs.StringVar(&f.endpoint, "endpoint", "", "Storage API endpoint (gcs store only)")
	fs.StringVar(&f.chunkSize, "chunk-size", "", `Size of each chunk, e.g. "2MiB" (default "2MiB")`)
	fs.IntVar(&f.maxRetries, "max-retries", -1, "Consecutive failed attempts tolerated without progress (default 5)")
	fs.StringVar(&f.contentType, "content-type", "", "Content type of uploaded objects (default: guessed from the file extension)")
	fs.BoolVar(&f.quiet, "quiet", false, "Suppress progress output")
	fs.StringVar(&f.logLevel, "log-level", "", `Log level (default "warn")`)
	fs.StringVar(&f.metricsFile, "metrics-file", "", "Write Prometheus metrics to this file when done")
}

// load builds the effective configuration: defaults, config file,
// environment, then flags.
func (f *commonFlags) load() (config.Config, error) {
	cfg := config.Default()
	if f.configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(f.configFile)
		if err != nil {
			return config.Config{}, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, err
	}

	override := config.Config{
		Store:       f.store,
		Endpoint:    f.endpoint,
		ContentType: f.contentType,
		Quiet:       f.quiet,
		MetricsFile: f.metricsFile,
		Retry:       config.RetryConfig{MaxRetries: f.maxRetries},
		Log:         config.LogConfig{Level: f.logLevel},
	}
	if f.chunkSize != "" {
		size, err := progress.ParseBytes(f.chunkSize)
		if err != nil {
			return config.Config{}, fmt.Errorf("invalid chunk size: %w", err)
		}
		override.ChunkSize = size
	}

	cfg = cfg.Merge(override)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// parseObject splits "bucket/path/to/object".
func parseObject(s string) (bucket, object string, err error) {
	s = strings.TrimPrefix(s, "gs://")
	bucket, object, ok := strings.Cut(s, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("expected <bucket>/<object>, got %q", s)
	}
	return bucket, object, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\n[chunky] Received interrupt, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

func newLogger(cfg config.Config) (zerolog.Logger, error) {
	return logging.New(logging.Options{
		Level: cfg.Log.Level,
		Mode:  cfg.Log.Mode,
		Out:   os.Stderr,
	})
}

// driverOptions translates the retry configuration. A configured max_retries
// of zero means no retries, which the driver spells as a negative value.
func driverOptions(cfg config.Config, log *zerolog.Logger, observers ...transfer.Observer) transfer.Options {
	maxRetries := cfg.Retry.MaxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}
	return transfer.Options{
		MaxRetries: maxRetries,
		Backoff:    transfer.ExponentialBackoff{Unit: cfg.Retry.Backoff},
		Observers:  observers,
		Logger:     log,
	}
}

func writeMetrics(cfg config.Config, m *metrics.Collector) {
	if cfg.MetricsFile == "" {
		return
	}
	if err := m.WriteToTextfile(cfg.MetricsFile); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to write metrics: %v\n", err)
	}
}

// exitCode maps a transfer error to the process exit code.
func exitCode(ctx context.Context, err error) int {
	var (
		stuck  *transfer.StuckError
		local  *transfer.LocalError
		path   *os.PathError
		status interface{ StatusCode() int }
	)

	switch {
	case err == nil:
		return ExitSuccess
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		return ExitInterrupted
	case errors.As(err, &stuck):
		return ExitStuck
	case errors.As(err, &local), errors.As(err, &path):
		return ExitLocalError
	case errors.As(err, &status):
		return ExitRemoteError
	default:
		return ExitGeneral
	}
}
