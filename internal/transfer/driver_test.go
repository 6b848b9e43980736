package transfer

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const mib = 1024 * 1024

func testOptions(t *testing.T, b Backoff, observers ...Observer) Options {
	t.Helper()
	log := zerolog.New(zerolog.NewTestWriter(t))
	return Options{
		Backoff:   b,
		Sleep:     noSleep,
		Observers: observers,
		Logger:    &log,
	}
}

func TestAllSuccessUploadTakesThreeAttempts(t *testing.T) {
	data := testData(5 * mib)
	session := &memSession{}
	obs := &recordingObserver{}

	step := NewUpload(bytesReaderAt(data), int64(len(data)), session, WithChunkSize(2*mib))
	res, err := Run(context.Background(), step, testOptions(t, &recordingBackoff{}, obs))
	require.NoError(t, err)

	assert.Equal(t, Succeeded, res.State)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []int64{0, 2 * mib, 4 * mib}, session.offsets)
	assert.Equal(t, Progress{Bytes: 5 * mib, Total: 5 * mib}, res.Progress)
	assert.Equal(t, data, session.data.Bytes())
	require.NotNil(t, step.Object())

	require.Len(t, obs.progress, 3)
	assert.Equal(t, int64(5*mib), obs.progress[2].Bytes)
}

func TestAllSuccessDownloadTakesThreeAttempts(t *testing.T) {
	data := testData(5 * mib)
	src := &memSource{data: data}
	dst := &memFile{}

	step := NewDownload(src, dst, WithChunkSize(2*mib))
	res, err := Run(context.Background(), step, testOptions(t, &recordingBackoff{}))
	require.NoError(t, err)

	assert.Equal(t, Succeeded, res.State)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, Progress{Bytes: 5 * mib, Total: 5 * mib}, res.Progress)
	assert.Equal(t, data, dst.buf)
	assert.Equal(t, 3, dst.syncs)
}

func TestRetryableFailuresThenSuccess(t *testing.T) {
	data := testData(1024)
	session := &memSession{failures: []error{statusErr(503), statusErr(503)}}
	backoff := &recordingBackoff{}

	step := NewUpload(bytesReaderAt(data), int64(len(data)), session)
	res, err := Run(context.Background(), step, testOptions(t, backoff))
	require.NoError(t, err)

	assert.Equal(t, Succeeded, res.State)
	assert.Equal(t, 0, res.Failures)
	assert.Equal(t, 2, res.Retries)
	assert.Equal(t, []int{1, 2}, backoff.calls)
	assert.Equal(t, []int64{0, 0, 0}, session.offsets)
}

func TestStuckAfterMaxRetries(t *testing.T) {
	var outcomes []Outcome
	for i := 0; i < 6; i++ {
		outcomes = append(outcomes, failed(statusErr(503)))
	}
	step := &scriptedStep{outcomes: outcomes}
	backoff := &recordingBackoff{}

	opts := testOptions(t, backoff)
	opts.MaxRetries = 5
	res, err := Run(context.Background(), step, opts)

	assert.Equal(t, AbortedStuck, res.State)
	assert.Equal(t, 6, step.calls)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, backoff.calls)

	var stuck *StuckError
	require.ErrorAs(t, err, &stuck)
	assert.Equal(t, 6, stuck.Failures)

	var status statusErr
	require.ErrorAs(t, err, &status)
	assert.Equal(t, 503, status.StatusCode())
}

func TestFatalShortCircuits(t *testing.T) {
	step := &scriptedStep{outcomes: []Outcome{
		progressed(2*mib, 10*mib, false),
		failed(statusErr(403)),
	}}
	backoff := &recordingBackoff{}

	res, err := Run(context.Background(), step, testOptions(t, backoff))

	assert.Equal(t, AbortedFatal, res.State)
	assert.Equal(t, statusErr(403), err)
	assert.Equal(t, 2, step.calls)
	assert.Empty(t, backoff.calls)
}

func TestFatalWithoutPriorFailures(t *testing.T) {
	unknown := errors.New("object metadata malformed")
	step := &scriptedStep{outcomes: []Outcome{failed(unknown)}}

	res, err := Run(context.Background(), step, testOptions(t, &recordingBackoff{}))

	assert.Equal(t, AbortedFatal, res.State)
	assert.Same(t, unknown, err)
	assert.Equal(t, 0, res.Failures)
}

func TestProgressResetsFailureCounter(t *testing.T) {
	step := &scriptedStep{outcomes: []Outcome{
		failed(statusErr(500)),
		failed(statusErr(502)),
		progressed(1, 4, false),
		failed(statusErr(503)),
		failed(statusErr(504)),
		failed(io.ErrUnexpectedEOF),
		progressed(2, 4, false),
		failed(statusErr(500)),
		progressed(4, 4, true),
	}}
	backoff := &recordingBackoff{}

	opts := testOptions(t, backoff)
	opts.MaxRetries = 3
	res, err := Run(context.Background(), step, opts)
	require.NoError(t, err)

	assert.Equal(t, Succeeded, res.State)
	assert.Equal(t, 0, res.Failures)
	assert.Equal(t, []int{1, 2, 1, 2, 3, 1}, backoff.calls)
}

func TestStuckExactlyAtBudget(t *testing.T) {
	for max := 0; max <= 6; max++ {
		var outcomes []Outcome
		for i := 0; i < max+1; i++ {
			outcomes = append(outcomes, failed(statusErr(503)))
		}
		step := &scriptedStep{outcomes: outcomes}

		opts := testOptions(t, &recordingBackoff{})
		opts.MaxRetries = max
		if max == 0 {
			opts.MaxRetries = -1
		}
		res, err := Run(context.Background(), step, opts)

		assert.Equal(t, AbortedStuck, res.State, "max=%d", max)
		assert.Equal(t, max+1, step.calls, "max=%d", max)
		assert.Equal(t, max+1, res.Failures, "max=%d", max)
		assert.Error(t, err)

		// max failures followed by progress must not abort.
		outcomes = outcomes[:max]
		outcomes = append(outcomes, progressed(1, 1, true))
		step = &scriptedStep{outcomes: outcomes}
		res, err = Run(context.Background(), step, opts)
		require.NoError(t, err, "max=%d", max)
		assert.Equal(t, Succeeded, res.State, "max=%d", max)
	}
}

func TestDefaultMaxRetries(t *testing.T) {
	var outcomes []Outcome
	for i := 0; i < DefaultMaxRetries+1; i++ {
		outcomes = append(outcomes, failed(statusErr(502)))
	}
	step := &scriptedStep{outcomes: outcomes}

	res, _ := Run(context.Background(), step, Options{Sleep: noSleep})
	assert.Equal(t, AbortedStuck, res.State)
	assert.Equal(t, DefaultMaxRetries+1, step.calls)
}

func TestProgressIsMonotonic(t *testing.T) {
	data := testData(3*mib + 17)
	src := &memSource{
		data: data,
		failures: []error{
			nil,
			statusErr(503),
			&LocalError{Op: "read", Err: io.ErrUnexpectedEOF},
		},
	}
	dst := &memFile{}
	obs := &recordingObserver{}

	step := NewDownload(src, dst, WithChunkSize(512*1024))
	_, err := Run(context.Background(), step, testOptions(t, &recordingBackoff{}, obs))
	require.NoError(t, err)

	var last int64
	for _, p := range obs.progress {
		assert.GreaterOrEqual(t, p.Bytes, last)
		assert.LessOrEqual(t, p.Bytes, int64(len(data)))
		last = p.Bytes
	}
	assert.Equal(t, int64(len(data)), last)
	assert.Equal(t, data, dst.buf)
}

func TestCancelledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	step := &scriptedStep{}
	obs := &recordingObserver{}
	res, err := Run(ctx, step, testOptions(t, &recordingBackoff{}, obs))

	assert.Equal(t, Cancelled, res.State)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, step.calls)
	require.Len(t, obs.finished, 1)
	assert.Equal(t, Cancelled, obs.finished[0].State)
}

func TestCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	step := &scriptedStep{outcomes: []Outcome{failed(statusErr(503))}}
	opts := testOptions(t, &recordingBackoff{})
	opts.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return Sleep(ctx, time.Hour)
	}

	res, err := Run(ctx, step, opts)
	assert.Equal(t, Cancelled, res.State)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, step.calls)
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.NoError(t, Sleep(context.Background(), 0))
}

func TestConcurrentDrivers(t *testing.T) {
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			data := testData(256*1024 + i)
			src := &memSource{data: data, failures: []error{statusErr(503), nil, statusErr(500)}}
			dst := &memFile{}

			step := NewDownload(src, dst, WithChunkSize(64*1024))
			_, err := Run(context.Background(), step, Options{
				Backoff: ExponentialBackoff{Unit: time.Millisecond},
			})
			if err != nil {
				return err
			}
			if len(dst.buf) != len(data) {
				return errors.New("size mismatch")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "succeeded", Succeeded.String())
	assert.Equal(t, "aborted_stuck", AbortedStuck.String())
	assert.Equal(t, "aborted_fatal", AbortedFatal.String())
	assert.Equal(t, "cancelled", Cancelled.String())
	assert.Equal(t, "running", Running.String())
}
