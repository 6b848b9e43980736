package transfer

import (
	"errors"
	"fmt"
	"io"
)

// ErrNoProgress is returned by a Step when the remote accepted a request but
// confirmed no new bytes.
var ErrNoProgress = errors.New("transfer: no bytes confirmed")

// ErrShortChunk is returned when the remote served fewer bytes than requested.
var ErrShortChunk = fmt.Errorf("transfer: short chunk: %w", io.ErrUnexpectedEOF)

// LocalError marks a failure reading or writing the local file.
type LocalError struct {
	Op  string
	Err error
}

func (e *LocalError) Error() string {
	return fmt.Sprintf("local %s: %v", e.Op, e.Err)
}

func (e *LocalError) Unwrap() error {
	return e.Err
}

// StuckError is returned when too many consecutive attempts failed without
// making progress. It wraps the last retryable error.
type StuckError struct {
	Failures int
	Err      error
}

func (e *StuckError) Error() string {
	return fmt.Sprintf("transfer stuck after %d consecutive failures: %v", e.Failures, e.Err)
}

func (e *StuckError) Unwrap() error {
	return e.Err
}
