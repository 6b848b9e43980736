package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"

	"github.com/ligustah/chunky/internal/testutils"
	"github.com/ligustah/chunky/internal/transfer"
)

func openMem(t *testing.T) *Bucket {
	t.Helper()
	b, err := Open(context.Background(), "mem://")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func noDelay(int) time.Duration { return 0 }

func runOptions() transfer.Options {
	return transfer.Options{Backoff: transfer.BackoffFunc(noDelay)}
}

func TestStat(t *testing.T) {
	ctx := context.Background()
	b := openMem(t)
	if err := b.bucket.WriteAll(ctx, "dir/a.txt", []byte("hello"), &blob.WriterOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}

	info, err := b.Stat(ctx, "dir/a.txt")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size != 5 {
		t.Errorf("expected size 5, got %d", info.Size)
	}
	if info.ContentType != "text/plain" {
		t.Errorf("expected text/plain, got %s", info.ContentType)
	}
	if info.Name != "dir/a.txt" {
		t.Errorf("expected name dir/a.txt, got %s", info.Name)
	}
}

func TestStatNotFound(t *testing.T) {
	b := openMem(t)

	_, err := b.Stat(context.Background(), "missing")
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode() != 404 {
		t.Fatalf("expected a 404 StatusError, got %v", err)
	}
	if gcerrors.Code(err) != gcerrors.NotFound {
		t.Error("expected the gocloud code to survive wrapping")
	}
	if transfer.Classify(err) != transfer.Fatal {
		t.Error("expected not found to be fatal")
	}
}

func TestWrapErr(t *testing.T) {
	if err := wrapErr("op", "key", nil); err != nil {
		t.Errorf("expected nil, got %v", err)
	}

	err := wrapErr("read", "key", context.Canceled)
	var se *StatusError
	if errors.As(err, &se) {
		t.Error("context errors must not become status errors")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if transfer.Classify(err) != transfer.Fatal {
		t.Error("expected cancellation to be fatal")
	}

	plain := errors.New("boom")
	if err := wrapErr("read", "key", plain); !errors.Is(err, plain) {
		t.Errorf("expected wrapped error, got %v", err)
	}
}

func TestReadRange(t *testing.T) {
	ctx := context.Background()
	b := openMem(t)
	data := []byte("Hello, World! This is test data for range requests.")
	if err := b.bucket.WriteAll(ctx, "obj", data, nil); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}

	rc, total, err := b.Object("obj").ReadRange(ctx, 7, 5)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	defer rc.Close()

	body, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "World" {
		t.Errorf("expected 'World', got '%s'", body)
	}
	if total != int64(len(data)) {
		t.Errorf("expected total %d, got %d", len(data), total)
	}
}

func TestDownload(t *testing.T) {
	ctx := context.Background()
	b := openMem(t)
	data := testutils.GenerateTestData(t, 1000*1000)
	if err := b.bucket.WriteAll(ctx, "big.bin", data, nil); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}

	path := filepath.Join(t.TempDir(), "out.bin")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()

	step := transfer.NewDownload(b.Object("big.bin"), f, transfer.WithChunkSize(256*1024))
	res, err := transfer.Run(ctx, step, runOptions())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Attempts != 4 {
		t.Errorf("expected 4 attempts, got %d", res.Attempts)
	}

	testutils.CompareFileToData(t, path, data)
}

func TestDownloadEmptyObject(t *testing.T) {
	ctx := context.Background()
	b := openMem(t)
	if err := b.bucket.WriteAll(ctx, "empty", nil, nil); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}

	step := transfer.NewDownload(b.Object("empty"), &bufferAt{})
	res, err := transfer.Run(ctx, step, runOptions())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != transfer.Succeeded || res.Progress.Total != 0 {
		t.Errorf("expected empty success, got %+v", res)
	}
}

func TestDownloadMissingIsFatal(t *testing.T) {
	b := openMem(t)

	step := transfer.NewDownload(b.Object("missing"), &bufferAt{})
	res, err := transfer.Run(context.Background(), step, runOptions())
	if res.State != transfer.AbortedFatal {
		t.Errorf("expected aborted_fatal, got %s", res.State)
	}
	if res.Attempts != 1 {
		t.Errorf("expected a single attempt, got %d", res.Attempts)
	}
	if gcerrors.Code(err) != gcerrors.NotFound {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestFileBucket(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "backups")
	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	b, err := Open(ctx, "file://"+filepath.ToSlash(root))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	data := testutils.GenerateTestData(t, 300*1024)
	session, err := b.StartUpload(ctx, "nested/file.bin", int64(len(data)), "")
	if err != nil {
		t.Fatalf("StartUpload: %v", err)
	}

	step := transfer.NewUpload(bytes.NewReader(data), int64(len(data)), session, transfer.WithChunkSize(64*1024))
	if _, err := transfer.Run(ctx, step, runOptions()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if obj := step.Object(); obj == nil || obj.Bucket != "backups" || obj.Name != "nested/file.bin" {
		t.Errorf("unexpected object %+v", obj)
	}

	rc, total, err := b.Object("nested/file.bin").ReadRange(ctx, 0, int64(len(data)))
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	defer rc.Close()
	if total != int64(len(data)) {
		t.Errorf("expected total %d, got %d", len(data), total)
	}
	testutils.CompareReaderToData(t, rc, data)
}

func TestBucketName(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"s3://my-bucket?region=us-east-1&endpoint=http://localhost:9000", "my-bucket"},
		{"gs://archive", "archive"},
		{"file:///var/data/backups", "backups"},
		{"file:///var/data/backups/", "backups"},
		{"mem://", ""},
	}

	for _, tt := range tests {
		if got := bucketName(tt.url); got != tt.want {
			t.Errorf("bucketName(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}

	if got := New("named", memblob.OpenBucket(nil)).Name(); got != "named" {
		t.Errorf("expected name from New, got %q", got)
	}
}

// bufferAt is an in-memory io.WriterAt.
type bufferAt struct {
	buf []byte
}

func (b *bufferAt) WriteAt(p []byte, off int64) (int, error) {
	if end := off + int64(len(p)); end > int64(len(b.buf)) {
		b.buf = append(b.buf, make([]byte, end-int64(len(b.buf)))...)
	}
	copy(b.buf[off:], p)
	return len(p), nil
}
