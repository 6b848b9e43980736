package transfer

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// DefaultMaxRetries is the number of consecutive progressless failures
// tolerated before a transfer is considered stuck.
const DefaultMaxRetries = 5

// State is the state of a Driver run.
type State int

const (
	// Running means attempts are still being made.
	Running State = iota
	// Succeeded means the Step reported completion.
	Succeeded
	// AbortedFatal means a non-retryable failure stopped the transfer.
	AbortedFatal
	// AbortedStuck means the retry budget ran out without progress.
	AbortedStuck
	// Cancelled means the context was done before the transfer finished.
	Cancelled
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case AbortedFatal:
		return "aborted_fatal"
	case AbortedStuck:
		return "aborted_stuck"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Outcome is the result of a single attempt: either progress or a failure.
type Outcome struct {
	Progress Progress
	Done     bool

	// Err is non-nil for a failed attempt, in which case Kind is set.
	Err  error
	Kind FailureKind
}

// Failed reports whether the attempt failed.
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Observer receives Driver events. An Observer shared between drivers must
// be safe for concurrent use.
type Observer interface {
	// Progressed is called after every attempt that moved the cursor.
	Progressed(p Progress, done bool)

	// Retrying is called before backing off after a retryable failure.
	Retrying(failures int, err error, delay time.Duration)

	// Finished is called once when the run reaches a terminal state.
	Finished(res Result, err error)
}

// Result describes how a Driver run ended.
type Result struct {
	State    State
	Attempts int

	// Failures is the consecutive failure count when the run ended.
	Failures int

	// Retries is the total number of backoff waits.
	Retries int

	// Progress is the last progress reported by the Step.
	Progress Progress
}

// Options configures a Driver.
type Options struct {
	// MaxRetries is the number of consecutive retryable failures tolerated
	// without progress. Negative disables retries. Default: 5
	MaxRetries int

	// Backoff computes the wait before a retry. Default: DefaultBackoff()
	Backoff Backoff

	// Sleep suspends between attempts. Default: Sleep
	Sleep Sleeper

	// Classify maps attempt errors to failure kinds. Default: Classify
	Classify func(error) FailureKind

	// Observers receive progress and retry events.
	Observers []Observer

	// Logger receives diagnostic output. Default: zerolog.Nop()
	Logger *zerolog.Logger
}

// Driver repeatedly asks a Step for the next chunk until it completes or the
// transfer has to be abandoned.
type Driver struct {
	opts Options
	log  zerolog.Logger
}

// NewDriver creates a driver with the given options.
func NewDriver(opts Options) *Driver {
	switch {
	case opts.MaxRetries == 0:
		opts.MaxRetries = DefaultMaxRetries
	case opts.MaxRetries < 0:
		opts.MaxRetries = 0
	}
	if opts.Backoff == nil {
		opts.Backoff = DefaultBackoff()
	}
	if opts.Sleep == nil {
		opts.Sleep = Sleep
	}
	if opts.Classify == nil {
		opts.Classify = Classify
	}

	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	return &Driver{opts: opts, log: log}
}

// Run drives step to completion. It returns nil only when the run ends in
// Succeeded. A fatal failure is returned unmodified; an exhausted retry
// budget returns a *StuckError wrapping the last failure.
func (d *Driver) Run(ctx context.Context, step Step) (Result, error) {
	res := Result{State: Running, Progress: Progress{Total: -1}}
	var err error

	for res.State == Running {
		if ctxErr := ctx.Err(); ctxErr != nil {
			res.State, err = Cancelled, ctxErr
			break
		}

		out := d.attempt(ctx, step)
		res.Attempts++
		res.State, err = d.next(ctx, &res, out)
	}

	d.finish(res, err)
	return res, err
}

// attempt runs one Step attempt and folds its return values into an Outcome.
func (d *Driver) attempt(ctx context.Context, step Step) Outcome {
	p, done, err := step.Attempt(ctx)
	if err != nil {
		return Outcome{Err: err, Kind: d.opts.Classify(err)}
	}
	return Outcome{Progress: p, Done: done}
}

// next applies one transition and returns the new state.
func (d *Driver) next(ctx context.Context, res *Result, out Outcome) (State, error) {
	if !out.Failed() {
		res.Progress = out.Progress
		res.Failures = 0
		d.progressed(out.Progress, out.Done)
		if out.Done {
			return Succeeded, nil
		}
		return Running, nil
	}

	if out.Kind != Retryable {
		// Cancellation surfaces through the step as a context error.
		if ctx.Err() != nil {
			return Cancelled, out.Err
		}
		return AbortedFatal, out.Err
	}

	res.Failures++
	if res.Failures > d.opts.MaxRetries {
		return AbortedStuck, &StuckError{Failures: res.Failures, Err: out.Err}
	}

	delay := d.opts.Backoff.Delay(res.Failures)
	d.log.Warn().
		Err(out.Err).
		Int("retry", res.Failures).
		Dur("delay", delay).
		Int64("bytes", res.Progress.Bytes).
		Msgf("caught error, sleeping for %s before retry #%d", delay, res.Failures)
	for _, o := range d.opts.Observers {
		o.Retrying(res.Failures, out.Err, delay)
	}

	res.Retries++
	if err := d.opts.Sleep(ctx, delay); err != nil {
		return Cancelled, err
	}
	return Running, nil
}

func (d *Driver) progressed(p Progress, done bool) {
	d.log.Debug().
		Int64("bytes", p.Bytes).
		Int64("total", p.Total).
		Bool("done", done).
		Msg("chunk confirmed")
	for _, o := range d.opts.Observers {
		o.Progressed(p, done)
	}
}

func (d *Driver) finish(res Result, err error) {
	switch res.State {
	case Succeeded:
		d.log.Debug().Int("attempts", res.Attempts).Int64("bytes", res.Progress.Bytes).Msg("transfer complete")
	case AbortedStuck:
		d.log.Error().Err(err).Int("failures", res.Failures).Msg("failed to make progress for too many consecutive iterations")
	case AbortedFatal:
		d.log.Error().Err(err).Msg("transfer aborted")
	case Cancelled:
		d.log.Warn().Err(err).Int64("bytes", res.Progress.Bytes).Msg("transfer cancelled")
	}
	for _, o := range d.opts.Observers {
		o.Finished(res, err)
	}
}

// Run drives step with a driver built from opts.
func Run(ctx context.Context, step Step, opts Options) (Result, error) {
	return NewDriver(opts).Run(ctx, step)
}
