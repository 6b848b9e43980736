package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/ligustah/chunky/internal/metrics"
	"github.com/ligustah/chunky/internal/progress"
	"github.com/ligustah/chunky/internal/transfer"
)

// runDownload copies an object into a local file with ranged reads, one
// chunk per attempt.
func runDownload(args []string) int {
	fs := flag.NewFlagSet("download", flag.ExitOnError)

	var flags commonFlags
	flags.register(fs)

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: chunky download [options] <bucket>/<object> <localfile>

Download an object into a local file. The file is created or truncated; a
failed download leaves the bytes received so far in place.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "Error: expected <bucket>/<object> and <localfile>")
		fs.Usage()
		return ExitInvalidArgs
	}
	bucket, object, err := parseObject(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	localPath := fs.Arg(1)

	cfg, err := flags.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	ctx, cancel := signalContext()
	defer cancel()

	st, err := openStore(ctx, cfg, scopeReadOnly, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		return ExitGeneral
	}
	defer st.Close()

	fmt.Fprintln(os.Stderr, "[chunky] Fetching object metadata...")
	info, err := st.Stat(ctx, bucket, object)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(ctx, err)
	}
	src, err := st.Object(ctx, bucket, object)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(ctx, err)
	}

	f, err := os.Create(localPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating output file: %v\n", err)
		return ExitLocalError
	}
	defer f.Close()

	var out io.Writer = os.Stdout
	if cfg.Quiet {
		out = io.Discard
	}
	reporter := progress.NewReporter(progress.Options{
		Direction:   "Download",
		Source:      bucket + "/" + object,
		Destination: localPath,
		TotalSize:   info.Size,
		ChunkSize:   cfg.ChunkSize,
		Output:      out,
	})
	reporter.Start()

	m := metrics.New()
	step := transfer.NewDownload(src, f, transfer.WithChunkSize(cfg.ChunkSize))
	_, err = transfer.Run(ctx, step, driverOptions(cfg, &log, reporter, m.Observer("download")))
	writeMetrics(cfg, m)

	if err != nil {
		fmt.Fprintf(os.Stderr, "[chunky] Partial download left at %s (%s written)\n",
			localPath, progress.FormatBytes(step.Offset()))
		if ctx.Err() != nil {
			return ExitInterrupted
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(ctx, err)
	}

	if err := f.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error closing output file: %v\n", err)
		return ExitLocalError
	}

	fmt.Fprintf(os.Stderr, "[chunky] Downloaded: %s (%s)\n", localPath, progress.FormatBytes(step.Offset()))
	return ExitSuccess
}
