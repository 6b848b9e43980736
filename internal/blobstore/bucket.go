package blobstore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"

	"github.com/rs/zerolog"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	"github.com/ligustah/chunky/internal/transfer"
)

// StatusError is a bucket failure expressed as an HTTP-like status code so
// it classifies like a response from the JSON API.
type StatusError struct {
	Code int
	Op   string
	Key  string
	Err  error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("blobstore: %s %s: %d %s: %v", e.Op, e.Key, e.Code, http.StatusText(e.Code), e.Err)
}

// StatusCode returns the mapped status code.
func (e *StatusError) StatusCode() int {
	return e.Code
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

var codeStatus = map[gcerrors.ErrorCode]int{
	gcerrors.NotFound:           http.StatusNotFound,
	gcerrors.PermissionDenied:   http.StatusForbidden,
	gcerrors.InvalidArgument:    http.StatusBadRequest,
	gcerrors.FailedPrecondition: http.StatusPreconditionFailed,
	gcerrors.AlreadyExists:      http.StatusConflict,
	gcerrors.ResourceExhausted:  http.StatusTooManyRequests,
	gcerrors.Internal:           http.StatusInternalServerError,
	gcerrors.Unimplemented:      http.StatusNotImplemented,
	gcerrors.DeadlineExceeded:   http.StatusGatewayTimeout,
}

// wrapErr maps a gocloud error to a *StatusError. Context errors and errors
// without a known code are returned with the operation prepended.
func wrapErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("blobstore: %s %s: %w", op, key, err)
	}
	if code, ok := codeStatus[gcerrors.Code(err)]; ok {
		return &StatusError{Code: code, Op: op, Key: key, Err: err}
	}
	return fmt.Errorf("blobstore: %s %s: %w", op, key, err)
}

// isNotExist returns true if the error indicates the object doesn't exist.
func isNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}

// Bucket serves chunked transfers against a gocloud bucket.
type Bucket struct {
	bucket *blob.Bucket
	name   string
	log    zerolog.Logger

	// remove deletes one key; replaced in tests.
	remove func(ctx context.Context, key string) error
}

// Open opens the bucket at a gocloud URL such as mem://, file:///path,
// s3://bucket or gs://bucket.
func Open(ctx context.Context, url string) (*Bucket, error) {
	b, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("blobstore: open %s: %w", url, err)
	}
	return New(bucketName(url), b), nil
}

// New wraps an already opened bucket named name. The caller keeps ownership
// of b.
func New(name string, b *blob.Bucket) *Bucket {
	return &Bucket{
		bucket: b,
		name:   name,
		log:    zerolog.Nop(),
		remove: b.Delete,
	}
}

// SetLogger sets the logger for best-effort cleanup warnings.
func (b *Bucket) SetLogger(log zerolog.Logger) {
	b.log = log
}

// Name returns the bucket name reported in object metadata.
func (b *Bucket) Name() string {
	return b.name
}

// bucketName extracts the bucket from a gocloud URL: the host for s3:// and
// gs://, the last path element for file://.
func bucketName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	if u.Host != "" {
		return u.Host
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// Close releases the underlying bucket.
func (b *Bucket) Close() error {
	return b.bucket.Close()
}

// Stat returns the metadata of an object.
func (b *Bucket) Stat(ctx context.Context, key string) (*transfer.ObjectInfo, error) {
	attrs, err := b.bucket.Attributes(ctx, key)
	if err != nil {
		return nil, wrapErr("stat", key, err)
	}
	return objectInfo(b.name, key, attrs), nil
}

// Delete removes an object.
func (b *Bucket) Delete(ctx context.Context, key string) error {
	return wrapErr("delete", key, b.bucket.Delete(ctx, key))
}

// Object returns a range reader for an object.
func (b *Bucket) Object(key string) *ObjectReader {
	return &ObjectReader{bucket: b.bucket, key: key}
}

// ObjectReader serves byte ranges of one object.
type ObjectReader struct {
	bucket *blob.Bucket
	key    string
}

// ReadRange reads [offset, offset+length) of the object. The returned total
// is the full object size.
func (r *ObjectReader) ReadRange(ctx context.Context, offset, length int64) (io.ReadCloser, int64, error) {
	rd, err := r.bucket.NewRangeReader(ctx, r.key, offset, length, nil)
	if err != nil {
		return nil, 0, wrapErr("read", r.key, err)
	}
	return rd, rd.Size(), nil
}

func objectInfo(bucket, key string, attrs *blob.Attributes) *transfer.ObjectInfo {
	info := &transfer.ObjectInfo{
		Bucket:      bucket,
		Name:        key,
		Size:        attrs.Size,
		ContentType: attrs.ContentType,
		ETag:        attrs.ETag,
		Updated:     attrs.ModTime,
	}
	if len(attrs.MD5) > 0 {
		info.MD5 = base64.StdEncoding.EncodeToString(attrs.MD5)
	}
	return info
}
