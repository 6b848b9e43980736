package main

import (
	"flag"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/ligustah/chunky/internal/metrics"
	"github.com/ligustah/chunky/internal/progress"
	"github.com/ligustah/chunky/internal/transfer"
)

const defaultContentType = "application/octet-stream"

// runUpload sends a local file through a resumable upload session, one
// chunk per attempt.
func runUpload(args []string) int {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)

	var flags commonFlags
	flags.register(fs)

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: chunky upload [options] <localfile> <bucket>/<object>

Upload a local file through a resumable upload session. Failed chunks are
retried with randomized exponential backoff until the upload completes or
stops making progress.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "Error: expected <localfile> and <bucket>/<object>")
		fs.Usage()
		return ExitInvalidArgs
	}
	localPath := fs.Arg(0)
	bucket, object, err := parseObject(fs.Arg(1))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

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

	f, err := os.Open(localPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening source file: %v\n", err)
		return ExitLocalError
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading source file: %v\n", err)
		return ExitLocalError
	}
	if !stat.Mode().IsRegular() {
		fmt.Fprintf(os.Stderr, "Error: %s is not a regular file\n", localPath)
		return ExitLocalError
	}
	size := stat.Size()

	contentType := cfg.ContentType
	if contentType == "" {
		contentType = guessContentType(localPath)
	}

	ctx, cancel := signalContext()
	defer cancel()

	st, err := openStore(ctx, cfg, scopeReadWrite, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		return ExitGeneral
	}
	defer st.Close()

	fmt.Fprintln(os.Stderr, "[chunky] Building upload request...")
	session, err := st.StartUpload(ctx, bucket, object, size, contentType)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting upload session: %v\n", err)
		return exitCode(ctx, err)
	}
	log.Debug().Str("bucket", bucket).Str("object", object).Int64("size", size).Str("content_type", contentType).Msg("upload session started")

	var out io.Writer = os.Stdout
	if cfg.Quiet {
		out = io.Discard
	}
	reporter := progress.NewReporter(progress.Options{
		Direction:   "Upload",
		Source:      localPath,
		Destination: bucket + "/" + object,
		TotalSize:   size,
		ChunkSize:   cfg.ChunkSize,
		Output:      out,
	})
	reporter.Start()

	m := metrics.New()
	step := transfer.NewUpload(f, size, session, transfer.WithChunkSize(cfg.ChunkSize))
	_, err = transfer.Run(ctx, step, driverOptions(cfg, &log, reporter, m.Observer("upload")))
	writeMetrics(cfg, m)

	if err != nil {
		if ctx.Err() != nil {
			fmt.Fprintf(os.Stderr, "[chunky] Upload interrupted after %s\n", progress.FormatBytes(step.Offset()))
			return ExitInterrupted
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(ctx, err)
	}

	if obj := step.Object(); obj != nil {
		fmt.Fprintf(os.Stderr, "[chunky] Uploaded: %s/%s (%s, generation %d)\n",
			obj.Bucket, obj.Name, progress.FormatBytes(obj.Size), obj.Generation)
	}
	return ExitSuccess
}

// guessContentType derives a content type from the file extension.
func guessContentType(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return defaultContentType
}
