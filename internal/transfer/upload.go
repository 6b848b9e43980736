package transfer

import (
	"context"
	"fmt"
	"io"
)

// Upload sends a local file through a resumable upload session, one chunk
// per attempt.
type Upload struct {
	src     io.ReaderAt
	size    int64
	session UploadSession
	opts    stepOptions

	offset int64
	buf    []byte
	object *ObjectInfo
}

// NewUpload creates an upload step for size bytes of src.
func NewUpload(src io.ReaderAt, size int64, session UploadSession, options ...StepOption) *Upload {
	opts := defaultStepOptions()
	for _, opt := range options {
		opt(&opts)
	}

	offset := opts.offset
	if offset > size {
		offset = size
	}

	return &Upload{
		src:     src,
		size:    size,
		session: session,
		opts:    opts,
		offset:  offset,
	}
}

// Offset returns the number of bytes the remote has confirmed.
func (u *Upload) Offset() int64 {
	return u.offset
}

// Object returns the finalized object, or nil until the upload is done.
func (u *Upload) Object() *ObjectInfo {
	return u.object
}

// Resume moves the cursor to the offset the remote session has committed.
func (u *Upload) Resume(ctx context.Context) error {
	st, err := u.session.Status(ctx, u.size)
	if err != nil {
		return err
	}
	return u.apply(st)
}

// Attempt reads the next chunk at the cursor and sends it. The cursor only
// moves to what the remote confirms.
func (u *Upload) Attempt(ctx context.Context) (Progress, bool, error) {
	if u.object != nil {
		return u.progress(), true, nil
	}

	n := u.size - u.offset
	if n > u.opts.chunkSize {
		n = u.opts.chunkSize
	}

	var (
		st  ChunkStatus
		err error
	)
	if n == 0 {
		// Everything was sent; ask the remote to confirm the object.
		st, err = u.session.Status(ctx, u.size)
	} else {
		var chunk []byte
		chunk, err = u.read(n)
		if err != nil {
			return u.progress(), false, err
		}
		st, err = u.session.PutChunk(ctx, u.offset, chunk, u.size)
	}
	if err != nil {
		return u.progress(), false, err
	}

	before := u.offset
	if err := u.apply(st); err != nil {
		return u.progress(), false, err
	}
	if u.object != nil {
		return u.progress(), true, nil
	}
	if u.offset == before {
		return u.progress(), false, ErrNoProgress
	}
	return u.progress(), false, nil
}

func (u *Upload) read(n int64) ([]byte, error) {
	if int64(cap(u.buf)) < n {
		u.buf = make([]byte, n)
	}
	buf := u.buf[:n]

	m, err := u.src.ReadAt(buf, u.offset)
	if int64(m) == n {
		return buf, nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return nil, &LocalError{Op: "read", Err: fmt.Errorf("offset %d: %w", u.offset, err)}
}

func (u *Upload) apply(st ChunkStatus) error {
	if st.Object != nil {
		u.object = st.Object
		u.offset = u.size
		return nil
	}
	if st.Committed > u.size {
		return fmt.Errorf("transfer: remote committed %d bytes of a %d byte object", st.Committed, u.size)
	}
	// The remote may persist less than was sent, never less than it had.
	if st.Committed > u.offset {
		u.offset = st.Committed
	}
	return nil
}

func (u *Upload) progress() Progress {
	return Progress{Bytes: u.offset, Total: u.size}
}
