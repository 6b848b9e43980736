package transfer

import (
	"context"
	"io"
	"time"
)

// DefaultChunkSize is the number of bytes moved per attempt.
const DefaultChunkSize = 2 * 1024 * 1024

// Progress is a snapshot of how far a transfer has come.
type Progress struct {
	// Bytes is the number of bytes confirmed so far.
	Bytes int64

	// Total is the object size, or -1 if not yet known.
	Total int64
}

// Fraction returns the completed fraction in [0, 1], or 0 if the total is unknown.
func (p Progress) Fraction() float64 {
	if p.Total < 0 {
		return 0
	}
	if p.Total == 0 {
		return 1
	}
	return float64(p.Bytes) / float64(p.Total)
}

// Step moves the next chunk of a transfer.
//
// Attempt returns the progress after the attempt and whether the transfer is
// complete. A non-nil error means no progress was made and the cursor did not
// move, so Attempt may be called again.
type Step interface {
	Attempt(ctx context.Context) (Progress, bool, error)
}

// ObjectInfo describes a remote object.
type ObjectInfo struct {
	Bucket      string
	Name        string
	Size        int64
	ContentType string
	ETag        string
	MD5         string
	Generation  int64
	Updated     time.Time
}

// ChunkStatus is the remote response to one chunk of a resumable upload.
type ChunkStatus struct {
	// Committed is the number of bytes the remote has persisted.
	Committed int64

	// Object is set once the upload is finalized.
	Object *ObjectInfo
}

// UploadSession is a server-tracked resumable upload.
type UploadSession interface {
	// PutChunk sends data as the range starting at offset of an object of
	// total bytes. The chunk reaching total finalizes the object.
	PutChunk(ctx context.Context, offset int64, data []byte, total int64) (ChunkStatus, error)

	// Status reports how many bytes the remote has committed so far.
	Status(ctx context.Context, total int64) (ChunkStatus, error)
}

// RangeSource serves byte ranges of a remote object.
type RangeSource interface {
	// ReadRange opens [offset, offset+length) and reports the object's total size.
	ReadRange(ctx context.Context, offset, length int64) (io.ReadCloser, int64, error)
}

// StepOption configures an upload or download step.
type StepOption func(*stepOptions)

type stepOptions struct {
	chunkSize int64
	offset    int64
}

func defaultStepOptions() stepOptions {
	return stepOptions{chunkSize: DefaultChunkSize}
}

// WithChunkSize sets the number of bytes moved per attempt.
func WithChunkSize(n int64) StepOption {
	return func(o *stepOptions) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithOffset resumes a transfer whose first n bytes are already confirmed.
func WithOffset(n int64) StepOption {
	return func(o *stepOptions) {
		if n > 0 {
			o.offset = n
		}
	}
}
