package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadFailedAttemptDoesNotConsumeBytes(t *testing.T) {
	data := testData(3000)
	session := &memSession{failures: []error{nil, statusErr(503)}}

	step := NewUpload(bytesReaderAt(data), int64(len(data)), session, WithChunkSize(1000))

	p, done, err := step.Attempt(context.Background())
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, int64(1000), p.Bytes)

	_, _, err = step.Attempt(context.Background())
	require.Error(t, err)
	assert.Equal(t, int64(1000), step.Offset())

	p, done, err = step.Attempt(context.Background())
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, int64(2000), p.Bytes)

	assert.Equal(t, []int64{0, 1000, 1000}, session.offsets)
}

func TestUploadPartialCommit(t *testing.T) {
	data := testData(1000)
	session := &memSession{accept: 300}

	step := NewUpload(bytesReaderAt(data), int64(len(data)), session, WithChunkSize(500))
	res, err := Run(context.Background(), step, testOptions(t, &recordingBackoff{}))
	require.NoError(t, err)

	assert.Equal(t, Succeeded, res.State)
	assert.Equal(t, []int64{0, 300, 600, 900}, session.offsets)
	assert.Equal(t, data, session.data.Bytes())
}

func TestUploadNoProgressIsRetryable(t *testing.T) {
	session := &stallSession{}
	step := NewUpload(bytesReaderAt(testData(10)), 10, session)

	_, _, err := step.Attempt(context.Background())
	assert.ErrorIs(t, err, ErrNoProgress)
	assert.Equal(t, Retryable, Classify(err))
}

func TestUploadResumeFromOffset(t *testing.T) {
	data := testData(5000)
	session := &memSession{}
	session.data.Write(data[:2000])

	step := NewUpload(bytesReaderAt(data), int64(len(data)), session, WithChunkSize(1000), WithOffset(2000))
	_, err := Run(context.Background(), step, testOptions(t, &recordingBackoff{}))
	require.NoError(t, err)

	for _, off := range session.offsets {
		assert.GreaterOrEqual(t, off, int64(2000))
	}
	assert.Equal(t, data, session.data.Bytes())
}

func TestUploadResumeQueriesSession(t *testing.T) {
	data := testData(4000)
	session := &memSession{}
	session.data.Write(data[:1500])

	step := NewUpload(bytesReaderAt(data), int64(len(data)), session, WithChunkSize(1000))
	require.NoError(t, step.Resume(context.Background()))
	assert.Equal(t, int64(1500), step.Offset())

	_, err := Run(context.Background(), step, testOptions(t, &recordingBackoff{}))
	require.NoError(t, err)
	assert.Equal(t, []int64{1500, 2500, 3500}, session.offsets)
}

func TestUploadEmptyFile(t *testing.T) {
	session := &memSession{}
	step := NewUpload(bytesReaderAt(nil), 0, session)

	res, err := Run(context.Background(), step, testOptions(t, &recordingBackoff{}))
	require.NoError(t, err)
	assert.Equal(t, Succeeded, res.State)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, session.offsets)
	require.NotNil(t, step.Object())
}

func TestUploadShortLocalRead(t *testing.T) {
	session := &memSession{}
	// Claims 100 bytes but the file only has 40.
	step := NewUpload(bytesReaderAt(testData(40)), 100, session, WithChunkSize(32))

	_, _, err := step.Attempt(context.Background())
	require.NoError(t, err)

	_, _, err = step.Attempt(context.Background())
	var local *LocalError
	require.ErrorAs(t, err, &local)
	assert.Equal(t, "read", local.Op)
	assert.Equal(t, Retryable, Classify(err))
	assert.Equal(t, int64(32), step.Offset())
}

func TestDownloadShortBodyIsNotProgress(t *testing.T) {
	data := testData(2048)
	src := &memSource{data: data, truncate: 100}
	dst := &memFile{}

	step := NewDownload(src, dst, WithChunkSize(1024))

	_, _, err := step.Attempt(context.Background())
	assert.ErrorIs(t, err, ErrShortChunk)
	assert.Equal(t, Retryable, Classify(err))
	assert.Equal(t, int64(0), step.Offset())
	assert.Empty(t, dst.writes)

	res, err := Run(context.Background(), step, testOptions(t, &recordingBackoff{}))
	require.NoError(t, err)
	assert.Equal(t, Succeeded, res.State)
	assert.Equal(t, data, dst.buf)
}

func TestDownloadWriteFailureKeepsOffset(t *testing.T) {
	data := testData(2048)
	src := &memSource{data: data}
	dst := &memFile{failErr: errors.New("disk full")}

	step := NewDownload(src, dst, WithChunkSize(1024))

	_, _, err := step.Attempt(context.Background())
	var local *LocalError
	require.ErrorAs(t, err, &local)
	assert.Equal(t, "write", local.Op)
	assert.Equal(t, Retryable, Classify(err))
	assert.Equal(t, int64(0), step.Offset())

	p, done, err := step.Attempt(context.Background())
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, Progress{Bytes: 1024, Total: 2048}, p)
}

func TestDownloadResumeFromOffset(t *testing.T) {
	data := testData(5000)
	src := &memSource{data: data}
	dst := &memFile{}

	step := NewDownload(src, dst, WithChunkSize(1000), WithOffset(3000))
	_, err := Run(context.Background(), step, testOptions(t, &recordingBackoff{}))
	require.NoError(t, err)

	for _, r := range src.ranges {
		assert.GreaterOrEqual(t, r[0], int64(3000))
	}
	for _, w := range dst.writes {
		assert.GreaterOrEqual(t, w[0], int64(3000))
	}
	assert.Equal(t, data[3000:], dst.buf[3000:])
}

func TestDownloadEmptyObject(t *testing.T) {
	src := &memSource{data: []byte{}}
	dst := &memFile{}

	step := NewDownload(src, dst)
	res, err := Run(context.Background(), step, testOptions(t, &recordingBackoff{}))
	require.NoError(t, err)
	assert.Equal(t, Succeeded, res.State)
	assert.Equal(t, Progress{Bytes: 0, Total: 0}, res.Progress)
	assert.Empty(t, dst.writes)
}

func TestDownloadObjectChanged(t *testing.T) {
	src := &memSource{data: testData(2000)}
	dst := &memFile{}

	step := NewDownload(src, dst, WithChunkSize(1000))
	_, _, err := step.Attempt(context.Background())
	require.NoError(t, err)

	src.data = testData(3000)
	_, _, err = step.Attempt(context.Background())
	assert.ErrorIs(t, err, ErrObjectChanged)
	assert.Equal(t, Fatal, Classify(err))
}

func TestDownloadToFile(t *testing.T) {
	data := testData(10000)
	path := filepath.Join(t.TempDir(), "out.bin")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	step := NewDownload(&memSource{data: data}, f, WithChunkSize(4096))
	_, err = Run(context.Background(), step, testOptions(t, &recordingBackoff{}))
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

// stallSession accepts every chunk but never commits anything.
type stallSession struct{}

func (stallSession) PutChunk(ctx context.Context, offset int64, data []byte, total int64) (ChunkStatus, error) {
	return ChunkStatus{Committed: offset}, nil
}

func (stallSession) Status(ctx context.Context, total int64) (ChunkStatus, error) {
	return ChunkStatus{}, nil
}

var _ io.WriterAt = (*memFile)(nil)
