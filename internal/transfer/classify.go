package transfer

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"net/url"
	"os"
	"syscall"
)

// FailureKind says whether a failed attempt may be retried.
type FailureKind int

const (
	// Retryable failures are absorbed by the Driver with backoff.
	Retryable FailureKind = iota + 1
	// Fatal failures abort the transfer immediately.
	Fatal
)

func (k FailureKind) String() string {
	switch k {
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// retryableStatus is the fixed set of remote status codes worth retrying.
var retryableStatus = map[int]bool{
	500: true,
	502: true,
	503: true,
	504: true,
}

// IsRetryableStatus reports whether a remote status code is transient.
func IsRetryableStatus(code int) bool {
	return retryableStatus[code]
}

// statusCoder is implemented by remote errors that carry an HTTP status.
type statusCoder interface {
	StatusCode() int
}

// Classify maps an error returned by a Step to a FailureKind.
// Every non-nil error is either Retryable or Fatal.
func Classify(err error) FailureKind {
	if err == nil {
		return Fatal
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		if IsRetryableStatus(sc.StatusCode()) {
			return Retryable
		}
		return Fatal
	}

	// The caller asked us to stop; url.Error wraps these too.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Fatal
	}

	if errors.Is(err, ErrNoProgress) {
		return Retryable
	}

	if isTransportError(err) || isLocalIOError(err) {
		return Retryable
	}

	return Fatal
}

func isTransportError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}

func isLocalIOError(err error) bool {
	var local *LocalError
	if errors.As(err, &local) {
		return true
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return true
	}
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return true
	}
	return errors.Is(err, io.ErrShortWrite)
}
