package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ligustah/chunky/internal/config"
)

// runDelete removes an object and, with -uploads, its abandoned upload
// sessions. By default prompts for confirmation unless -force is specified.
func runDelete(args []string) int {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)

	var flags commonFlags
	flags.register(fs)
	force := fs.Bool("force", false, "Skip confirmation prompt")
	uploads := fs.Bool("uploads", false, "Also remove abandoned upload sessions (bucket URL stores only)")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: chunky delete [options] <bucket>/<object>

Remove an object from storage.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Error: expected <bucket>/<object>")
		fs.Usage()
		return ExitInvalidArgs
	}
	bucket, object, err := parseObject(fs.Arg(0))
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
	if *uploads && cfg.Store == config.StoreGCS {
		fmt.Fprintf(os.Stderr, "Error: %v\n", errUploadsNotListed)
		return ExitInvalidArgs
	}

	// Confirm deletion unless -force
	if !*force {
		fmt.Printf("Delete %s/%s? [y/N]: ", bucket, object)
		reader := bufio.NewReader(os.Stdin)
		response, _ := reader.ReadString('\n')
		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			fmt.Fprintln(os.Stderr, "Cancelled")
			return ExitSuccess
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	st, err := openStore(ctx, cfg, scopeReadWrite, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		return ExitGeneral
	}
	defer st.Close()

	if *uploads {
		n, err := st.AbortUploads(ctx, bucket, object)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error removing upload sessions: %v\n", err)
			return exitCode(ctx, err)
		}
		fmt.Fprintf(os.Stderr, "[chunky] Removed %d upload session objects\n", n)
	}

	err = st.Delete(ctx, bucket, object)
	switch {
	case err == nil:
		fmt.Fprintf(os.Stderr, "[chunky] Deleted: %s/%s\n", bucket, object)
	case *uploads && isNotFound(err):
		// Only abandoned sessions existed.
		fmt.Fprintf(os.Stderr, "[chunky] No object at %s/%s\n", bucket, object)
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(ctx, err)
	}

	return ExitSuccess
}

func isNotFound(err error) bool {
	var status interface{ StatusCode() int }
	return errors.As(err, &status) && status.StatusCode() == 404
}
