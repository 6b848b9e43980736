package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ligustah/chunky/internal/transfer"
)

// Options configures the progress reporter.
type Options struct {
	// Direction labels progress lines, e.g. "Upload" or "Download".
	Direction string

	// Source and Destination are shown in the header.
	Source      string
	Destination string

	// TotalSize is the total size in bytes, or -1 if not yet known.
	TotalSize int64

	// ChunkSize is the size of each chunk (for display).
	ChunkSize int64

	// Output is where to write progress lines.
	// Default: os.Stdout
	Output io.Writer
}

// Reporter prints a line after every confirmed chunk. It implements
// transfer.Observer.
type Reporter struct {
	opts Options
	now  func() time.Time

	mu         sync.Mutex
	startTime  time.Time
	lastUpdate time.Time
	lastBytes  int64
	retries    int
}

var _ transfer.Observer = (*Reporter)(nil)

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.Direction == "" {
		opts.Direction = "Transfer"
	}

	return &Reporter{
		opts: opts,
		now:  time.Now,
	}
}

// Start prints the header and starts the clock.
func (r *Reporter) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.startTime = r.now()
	r.lastUpdate = r.startTime

	fmt.Fprintf(r.opts.Output, "[chunky] %s: %s -> %s\n", r.opts.Direction, r.opts.Source, r.opts.Destination)
	total := "unknown"
	if r.opts.TotalSize >= 0 {
		total = FormatBytes(r.opts.TotalSize)
	}
	fmt.Fprintf(r.opts.Output, "[chunky] Total size: %s | Chunk size: %s\n", total, FormatBytes(r.opts.ChunkSize))
}

// Progressed prints the completion percentage after a confirmed chunk.
func (r *Reporter) Progressed(p transfer.Progress, done bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.startTime.IsZero() {
		r.startTime = r.now()
		r.lastUpdate = r.startTime
	}

	now := r.now()
	elapsed := now.Sub(r.lastUpdate).Seconds()
	if elapsed < 0.1 {
		elapsed = 0.1
	}
	speed := float64(p.Bytes-r.lastBytes) / elapsed
	if speed < 0 {
		speed = 0
	}
	r.lastUpdate = now
	r.lastBytes = p.Bytes

	var percent int64 = 100
	if !done && p.Total > 0 {
		percent = p.Bytes * 100 / p.Total
	}

	fmt.Fprintf(r.opts.Output, "%s %d%% | %s / %s | Speed: %s/s\n",
		r.opts.Direction,
		percent,
		FormatBytes(p.Bytes),
		FormatBytes(max(p.Total, 0)),
		FormatBytes(int64(speed)),
	)
}

// Retrying counts retries for the final summary.
func (r *Reporter) Retrying(failures int, err error, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

// Finished prints the final status.
func (r *Reporter) Finished(res transfer.Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if res.State != transfer.Succeeded {
		fmt.Fprintf(r.opts.Output, "[chunky] %s %s after %d attempts (%d retries)\n",
			r.opts.Direction, res.State, res.Attempts, r.retries)
		return
	}

	duration := r.now().Sub(r.startTime)
	avgSpeed := float64(res.Progress.Bytes) / max(duration.Seconds(), 0.001)

	fmt.Fprintf(r.opts.Output, "%s complete!\n", r.opts.Direction)
	fmt.Fprintf(r.opts.Output, "[chunky] Total time: %s | Average speed: %s/s | Attempts: %d | Retries: %d\n",
		formatDuration(duration),
		FormatBytes(int64(avgSpeed)),
		res.Attempts,
		r.retries,
	)
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}

// FormatBytes formats bytes with IEC units, e.g. "2.0 MiB".
func FormatBytes(b int64) string {
	if b < 0 {
		return "-" + humanize.IBytes(uint64(-b))
	}
	return humanize.IBytes(uint64(b))
}

// ParseBytes parses a human-readable byte string. IEC suffixes ("256MiB")
// are powers of 1024, SI suffixes ("256MB") powers of 1000.
func ParseBytes(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte string: %s", s)
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("byte string out of range: %s", s)
	}
	return int64(n), nil
}
