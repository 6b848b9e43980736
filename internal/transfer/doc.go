// Package transfer moves large objects in bounded chunks and survives
// transient failures without re-sending confirmed bytes.
//
// A [Step] moves one chunk per call. [Upload] reads from a local file and
// feeds an [UploadSession]; [Download] reads ranges from a [RangeSource] and
// writes them into a local file. The [Driver] is direction-agnostic: it calls
// the step until it reports completion, classifies every failure with
// [Classify] and decides whether to retry, back off or give up.
//
// # Usage
//
//	step := transfer.NewUpload(f, size, session, transfer.WithChunkSize(2<<20))
//	res, err := transfer.Run(ctx, step, transfer.Options{MaxRetries: 5})
//
// # Retries
//
// Progress resets the consecutive failure counter. A retryable failure
// increments it and waits [ExponentialBackoff.Delay] before the next attempt.
// Once the counter exceeds MaxRetries the run ends as [AbortedStuck] with a
// [*StuckError]. Any fatal failure ends the run as [AbortedFatal] and is
// returned unchanged.
//
// # Cancellation
//
// The context is checked before every attempt and during backoff waits. An
// attempt that already received its bytes always finishes writing them.
package transfer
