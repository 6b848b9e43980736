package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// statusErr is a remote failure with an HTTP status.
type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("remote status %d", int(e)) }
func (e statusErr) StatusCode() int { return int(e) }

// scriptedStep replays a fixed list of outcomes.
type scriptedStep struct {
	outcomes []Outcome
	calls    int
}

func (s *scriptedStep) Attempt(ctx context.Context) (Progress, bool, error) {
	if s.calls >= len(s.outcomes) {
		panic(fmt.Sprintf("unexpected attempt %d", s.calls+1))
	}
	o := s.outcomes[s.calls]
	s.calls++
	return o.Progress, o.Done, o.Err
}

func progressed(bytes, total int64, done bool) Outcome {
	return Outcome{Progress: Progress{Bytes: bytes, Total: total}, Done: done}
}

func failed(err error) Outcome {
	return Outcome{Err: err}
}

// recordingBackoff records the failure counts it was asked about.
type recordingBackoff struct {
	mu    sync.Mutex
	calls []int
}

func (b *recordingBackoff) Delay(failures int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, failures)
	return time.Duration(failures) * time.Millisecond
}

func noSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

// recordingObserver collects driver events.
type recordingObserver struct {
	mu       sync.Mutex
	progress []Progress
	retries  []int
	finished []Result
}

func (o *recordingObserver) Progressed(p Progress, done bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress = append(o.progress, p)
}

func (o *recordingObserver) Retrying(failures int, err error, delay time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries = append(o.retries, failures)
}

func (o *recordingObserver) Finished(res Result, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, res)
}

// memSession is an in-memory resumable upload session with fault injection.
type memSession struct {
	mu        sync.Mutex
	data      bytes.Buffer
	finalized bool

	// failures holds errors returned by upcoming PutChunk calls.
	failures []error

	// accept limits how many bytes of each chunk get committed (0 = all).
	accept int64

	// offsets records the offset of every PutChunk call.
	offsets []int64
}

func (s *memSession) PutChunk(ctx context.Context, offset int64, data []byte, total int64) (ChunkStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.offsets = append(s.offsets, offset)
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		if err != nil {
			return ChunkStatus{}, err
		}
	}

	committed := int64(s.data.Len())
	if offset != committed {
		return ChunkStatus{}, fmt.Errorf("offset %d does not match committed %d", offset, committed)
	}
	if s.accept > 0 && int64(len(data)) > s.accept {
		data = data[:s.accept]
	}
	s.data.Write(data)

	return s.status(total), nil
}

func (s *memSession) Status(ctx context.Context, total int64) (ChunkStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status(total), nil
}

func (s *memSession) status(total int64) ChunkStatus {
	committed := int64(s.data.Len())
	if committed == total {
		s.finalized = true
		return ChunkStatus{Committed: committed, Object: &ObjectInfo{Name: "obj", Size: committed}}
	}
	return ChunkStatus{Committed: committed}
}

// memSource serves ranges from a byte slice with fault injection.
type memSource struct {
	mu   sync.Mutex
	data []byte

	// failures holds errors returned by upcoming ReadRange calls.
	failures []error

	// truncate cuts the body of the next ReadRange call to this many bytes.
	truncate int

	// ranges records every requested [offset, length].
	ranges [][2]int64
}

func (s *memSource) ReadRange(ctx context.Context, offset, length int64) (io.ReadCloser, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ranges = append(s.ranges, [2]int64{offset, length})
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		if err != nil {
			return nil, 0, err
		}
	}

	size := int64(len(s.data))
	end := offset + length
	if end > size {
		end = size
	}
	body := s.data[offset:end]
	if s.truncate > 0 {
		body = body[:s.truncate]
		s.truncate = 0
	}
	return io.NopCloser(bytes.NewReader(body)), size, nil
}

// memFile is an io.WriterAt backed by memory.
type memFile struct {
	mu      sync.Mutex
	buf     []byte
	writes  [][2]int64
	failErr error
	syncs   int
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failErr != nil {
		err := f.failErr
		f.failErr = nil
		return 0, err
	}
	f.writes = append(f.writes, [2]int64{off, int64(len(p))})
	if need := off + int64(len(p)); need > int64(len(f.buf)) {
		f.buf = append(f.buf, make([]byte, need-int64(len(f.buf)))...)
	}
	copy(f.buf[off:], p)
	return len(p), nil
}

func (f *memFile) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs++
	return nil
}

func testData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func bytesReaderAt(b []byte) io.ReaderAt {
	return bytes.NewReader(b)
}
