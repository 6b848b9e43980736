package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrObjectChanged is returned when the remote object's size changes during
// a download.
var ErrObjectChanged = errors.New("transfer: remote object changed during download")

// Download copies a remote object into dst, one chunk per attempt.
type Download struct {
	src  RangeSource
	dst  io.WriterAt
	opts stepOptions

	offset int64
	total  int64
	buf    []byte
}

// NewDownload creates a download step writing into dst.
func NewDownload(src RangeSource, dst io.WriterAt, options ...StepOption) *Download {
	opts := defaultStepOptions()
	for _, opt := range options {
		opt(&opts)
	}

	return &Download{
		src:    src,
		dst:    dst,
		opts:   opts,
		offset: opts.offset,
		total:  -1,
	}
}

// Offset returns the number of bytes committed to dst.
func (d *Download) Offset() int64 {
	return d.offset
}

// Attempt fetches the next range and writes it at the cursor. A chunk only
// counts once every byte of it has been written and synced.
func (d *Download) Attempt(ctx context.Context) (Progress, bool, error) {
	if d.total >= 0 && d.offset >= d.total {
		return d.progress(), true, nil
	}

	length := d.opts.chunkSize
	if d.total >= 0 && d.total-d.offset < length {
		length = d.total - d.offset
	}

	rc, total, err := d.src.ReadRange(ctx, d.offset, length)
	if err != nil {
		return d.progress(), false, err
	}
	defer rc.Close()

	if d.total >= 0 && total != d.total {
		return d.progress(), false, fmt.Errorf("%w: size was %d, now %d", ErrObjectChanged, d.total, total)
	}
	if d.offset > total {
		return d.progress(), false, fmt.Errorf("%w: offset %d beyond size %d", ErrObjectChanged, d.offset, total)
	}
	if total-d.offset < length {
		length = total - d.offset
	}

	if int64(cap(d.buf)) < length {
		d.buf = make([]byte, length)
	}
	buf := d.buf[:length]

	if _, err := io.ReadFull(rc, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = ErrShortChunk
		}
		return d.progress(), false, fmt.Errorf("read range at %d: %w", d.offset, err)
	}

	if err := d.commit(buf); err != nil {
		return d.progress(), false, err
	}

	d.offset += length
	d.total = total
	return d.progress(), d.offset >= d.total, nil
}

// commit writes buf at the cursor and flushes it to stable storage when dst
// supports it.
func (d *Download) commit(buf []byte) error {
	if len(buf) > 0 {
		n, err := d.dst.WriteAt(buf, d.offset)
		if err == nil && n < len(buf) {
			err = io.ErrShortWrite
		}
		if err != nil {
			return &LocalError{Op: "write", Err: err}
		}
	}

	if s, ok := d.dst.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			return &LocalError{Op: "sync", Err: err}
		}
	}
	return nil
}

func (d *Download) progress() Progress {
	return Progress{Bytes: d.offset, Total: d.total}
}
