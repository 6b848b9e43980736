package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ligustah/chunky/internal/transfer"
)

// DefaultEndpoint is the Google Cloud Storage JSON API endpoint.
const DefaultEndpoint = "https://storage.googleapis.com"

// ChunkAlignment is the granularity required for every non-final chunk of a
// resumable upload.
const ChunkAlignment = 256 * 1024

// statusResumeIncomplete is returned by the upload endpoint while a
// resumable session still expects more bytes.
const statusResumeIncomplete = 308

// Common errors.
var (
	ErrNotFound     = errors.New("http: object not found")
	ErrForbidden    = errors.New("http: access forbidden")
	ErrUnauthorized = errors.New("http: unauthorized")
	ErrNoSession    = errors.New("http: upload session URI missing from response")
	ErrChunkAlign   = fmt.Errorf("http: chunk size must be a multiple of %d bytes", ChunkAlignment)
)

// Options configures the HTTP client.
type Options struct {
	// Endpoint is the base URL of the storage API.
	// Default: https://storage.googleapis.com
	Endpoint string

	// HTTPClient issues requests. It is expected to carry authorization.
	// Default: a client with Timeout
	HTTPClient *http.Client

	// Timeout for individual requests when HTTPClient is not set.
	// Default: 60s
	Timeout time.Duration

	// UserAgent is sent with every request.
	UserAgent string

	// RetryAttempts is the maximum number of retries for metadata requests.
	// Chunk requests are never retried here.
	// Default: 5
	RetryAttempts int

	// RetryBackoff is the initial backoff duration for metadata requests.
	// Default: 1s
	RetryBackoff time.Duration

	// RetryMaxBackoff is the maximum backoff duration for metadata requests.
	// Default: 30s
	RetryMaxBackoff time.Duration
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Endpoint:        DefaultEndpoint,
		Timeout:         60 * time.Second,
		UserAgent:       "chunky",
		RetryAttempts:   5,
		RetryBackoff:    time.Second,
		RetryMaxBackoff: 30 * time.Second,
	}
}

// StatusError is a non-success response from the storage API.
type StatusError struct {
	Code    int
	Status  string
	Message string
	err     error
}

func (e *StatusError) Error() string {
	msg := e.Status
	if msg == "" {
		msg = strconv.Itoa(e.Code)
	}
	if e.Message != "" {
		return fmt.Sprintf("http: %s: %s", msg, e.Message)
	}
	return "http: " + msg
}

// StatusCode returns the HTTP status code.
func (e *StatusError) StatusCode() int {
	return e.Code
}

func (e *StatusError) Unwrap() error {
	return e.err
}

// Client talks to the Cloud Storage JSON API.
type Client struct {
	client   *http.Client
	opts     Options
	endpoint string
}

// NewClient creates a new client with the given options.
func NewClient(opts Options) *Client {
	def := DefaultOptions()
	if opts.Endpoint == "" {
		opts.Endpoint = def.Endpoint
	}
	if opts.Timeout == 0 {
		opts.Timeout = def.Timeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = def.UserAgent
	}
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = def.RetryBackoff
	}
	if opts.RetryMaxBackoff == 0 {
		opts.RetryMaxBackoff = def.RetryMaxBackoff
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
				DisableCompression:  true, // We want raw bytes for range requests
			},
			Timeout: opts.Timeout,
		}
	}

	return &Client{
		client:   client,
		opts:     opts,
		endpoint: strings.TrimRight(opts.Endpoint, "/"),
	}
}

// objectResource is the JSON representation of an object.
type objectResource struct {
	Bucket      string    `json:"bucket"`
	Name        string    `json:"name"`
	Size        string    `json:"size"`
	ContentType string    `json:"contentType"`
	ETag        string    `json:"etag"`
	MD5Hash     string    `json:"md5Hash"`
	Generation  string    `json:"generation"`
	Updated     time.Time `json:"updated"`
}

func (o *objectResource) info() (*transfer.ObjectInfo, error) {
	size, err := strconv.ParseInt(o.Size, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("http: invalid object size %q: %w", o.Size, err)
	}
	info := &transfer.ObjectInfo{
		Bucket:      o.Bucket,
		Name:        o.Name,
		Size:        size,
		ContentType: o.ContentType,
		ETag:        o.ETag,
		MD5:         o.MD5Hash,
		Updated:     o.Updated,
	}
	if o.Generation != "" {
		if g, err := strconv.ParseInt(o.Generation, 10, 64); err == nil {
			info.Generation = g
		}
	}
	return info, nil
}

// Stat fetches the metadata of an object.
func (c *Client) Stat(ctx context.Context, bucket, object string) (*transfer.ObjectInfo, error) {
	var info *transfer.ObjectInfo
	err := c.retry(ctx, func() error {
		req, err := c.newRequest(ctx, http.MethodGet, c.objectURL(bucket, object, nil), nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return statusError(resp)
		}

		var obj objectResource
		if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil {
			return backoff.Permanent(fmt.Errorf("http: decode object metadata: %w", err))
		}
		info, err = obj.info()
		return err
	})
	return info, err
}

// Delete removes an object.
func (c *Client) Delete(ctx context.Context, bucket, object string) error {
	return c.retry(ctx, func() error {
		req, err := c.newRequest(ctx, http.MethodDelete, c.objectURL(bucket, object, nil), nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer drain(resp.Body)

		if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
			return statusError(resp)
		}
		return nil
	})
}

// UploadSession is a resumable upload session identified by its URI.
type UploadSession struct {
	client *Client
	uri    string
}

// URI returns the session URI. It can be used to resume the session later
// within its lifetime.
func (s *UploadSession) URI() string {
	return s.uri
}

// StartUpload opens a resumable upload session for size bytes. chunkSize is
// validated against the API's alignment rule.
func (c *Client) StartUpload(ctx context.Context, bucket, object string, size, chunkSize int64, contentType string) (*UploadSession, error) {
	if chunkSize%ChunkAlignment != 0 && chunkSize < size {
		return nil, ErrChunkAlign
	}

	meta, err := json.Marshal(map[string]string{"name": object, "contentType": contentType})
	if err != nil {
		return nil, err
	}

	u := c.endpoint + "/upload/storage/v1/b/" + url.PathEscape(bucket) + "/o?" + url.Values{
		"uploadType": {"resumable"},
		"name":       {object},
	}.Encode()

	var uri string
	err = c.retry(ctx, func() error {
		req, err := c.newRequest(ctx, http.MethodPost, u, bytes.NewReader(meta))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json; charset=UTF-8")
		req.Header.Set("X-Upload-Content-Type", contentType)
		req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(size, 10))

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer drain(resp.Body)

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return statusError(resp)
		}
		uri = resp.Header.Get("Location")
		if uri == "" {
			return backoff.Permanent(ErrNoSession)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &UploadSession{client: c, uri: uri}, nil
}

// ResumeUpload attaches to an existing session URI.
func (c *Client) ResumeUpload(uri string) *UploadSession {
	return &UploadSession{client: c, uri: uri}
}

// PutChunk sends data as bytes [offset, offset+len(data)) of total.
func (s *UploadSession) PutChunk(ctx context.Context, offset int64, data []byte, total int64) (transfer.ChunkStatus, error) {
	req, err := s.client.newRequest(ctx, http.MethodPut, s.uri, bytes.NewReader(data))
	if err != nil {
		return transfer.ChunkStatus{}, err
	}
	req.ContentLength = int64(len(data))
	if len(data) == 0 {
		req.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", total))
	} else {
		req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+int64(len(data))-1, total))
	}

	return s.client.doChunk(req)
}

// Status asks the session how many bytes it has persisted.
func (s *UploadSession) Status(ctx context.Context, total int64) (transfer.ChunkStatus, error) {
	return s.PutChunk(ctx, 0, nil, total)
}

// Cancel abandons the session. Bytes already sent are discarded.
func (s *UploadSession) Cancel(ctx context.Context) error {
	req, err := s.client.newRequest(ctx, http.MethodDelete, s.uri, nil)
	if err != nil {
		return err
	}

	resp, err := s.client.client.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp.Body)

	// 499 is the documented response to a cancelled session.
	if resp.StatusCode == 499 || resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK {
		return nil
	}
	return statusError(resp)
}

func (c *Client) doChunk(req *http.Request) (transfer.ChunkStatus, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return transfer.ChunkStatus{}, err
	}
	defer drain(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var obj objectResource
		if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil {
			return transfer.ChunkStatus{}, fmt.Errorf("http: decode object metadata: %w", err)
		}
		info, err := obj.info()
		if err != nil {
			return transfer.ChunkStatus{}, err
		}
		return transfer.ChunkStatus{Committed: info.Size, Object: info}, nil

	case statusResumeIncomplete:
		committed, err := ParseRange(resp.Header.Get("Range"))
		if err != nil {
			return transfer.ChunkStatus{}, err
		}
		return transfer.ChunkStatus{Committed: committed}, nil

	default:
		return transfer.ChunkStatus{}, statusError(resp)
	}
}

// Object returns a range reader for an object.
func (c *Client) Object(bucket, object string) *ObjectReader {
	return &ObjectReader{client: c, bucket: bucket, object: object}
}

// ObjectReader serves byte ranges of one object.
type ObjectReader struct {
	client *Client
	bucket string
	object string
}

// ReadRange performs a range request for [offset, offset+length).
// The returned total is the full object size.
func (r *ObjectReader) ReadRange(ctx context.Context, offset, length int64) (io.ReadCloser, int64, error) {
	c := r.client
	u := c.objectURL(r.bucket, r.object, url.Values{"alt": {"media"}})

	req, err := c.newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, _, total, err := ParseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			resp.Body.Close()
			return nil, 0, err
		}
		if start != offset {
			resp.Body.Close()
			return nil, 0, fmt.Errorf("%w: requested offset %d, got %q", ErrRangeMismatch, offset, resp.Header.Get("Content-Range"))
		}
		if total < 0 {
			resp.Body.Close()
			return nil, 0, fmt.Errorf("http: object size unknown in %q", resp.Header.Get("Content-Range"))
		}
		return resp.Body, total, nil

	case http.StatusOK:
		// The whole object fits in the range, or the server ignored it.
		if offset != 0 || resp.ContentLength < 0 {
			resp.Body.Close()
			return nil, 0, ErrRangeNotSupported
		}
		return resp.Body, resp.ContentLength, nil

	case http.StatusRequestedRangeNotSatisfiable:
		// Empty objects cannot satisfy any range.
		defer drain(resp.Body)
		if offset == 0 {
			if _, _, total, err := ParseContentRange(resp.Header.Get("Content-Range")); err == nil && total == 0 {
				return io.NopCloser(bytes.NewReader(nil)), 0, nil
			}
		}
		return nil, 0, statusError(resp)

	default:
		defer drain(resp.Body)
		return nil, 0, statusError(resp)
	}
}

// ErrRangeNotSupported is returned when a server ignores a Range header.
var ErrRangeNotSupported = errors.New("http: server does not support range requests")

// ErrRangeMismatch is returned when a partial response does not start at the
// requested offset.
var ErrRangeMismatch = errors.New("http: response range does not match request")

func (c *Client) newRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	return req, nil
}

func (c *Client) objectURL(bucket, object string, q url.Values) string {
	u := c.endpoint + "/storage/v1/b/" + url.PathEscape(bucket) + "/o/" + url.PathEscape(object)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// retry runs op with exponential backoff, retrying transport failures and
// server errors only.
func (c *Client) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RetryBackoff
	b.MaxInterval = c.opts.RetryMaxBackoff
	b.MaxElapsedTime = 0

	var policy backoff.BackOff = b
	if c.opts.RetryAttempts > 0 {
		policy = backoff.WithMaxRetries(b, uint64(c.opts.RetryAttempts))
	} else {
		policy = &backoff.StopBackOff{}
	}

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if transfer.Classify(err) != transfer.Retryable {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}

// apiError is the JSON error body returned by the storage API.
type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// statusError builds a StatusError from a failed response.
func statusError(resp *http.Response) error {
	e := &StatusError{Code: resp.StatusCode, Status: resp.Status}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var ae apiError
	if json.Unmarshal(body, &ae) == nil && ae.Error.Message != "" {
		e.Message = ae.Error.Message
	} else if s := strings.TrimSpace(string(body)); s != "" && len(s) < 512 {
		e.Message = s
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		e.err = ErrNotFound
	case http.StatusForbidden:
		e.err = ErrForbidden
	case http.StatusUnauthorized:
		e.err = ErrUnauthorized
	}
	return e
}

func drain(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, 64*1024))
	body.Close()
}

// ParseRange parses the Range header of an incomplete resumable upload and
// returns the number of bytes persisted. A missing header means none.
func ParseRange(header string) (int64, error) {
	if header == "" {
		return 0, nil
	}
	// Format: bytes=0-end
	v := strings.TrimPrefix(header, "bytes=")
	parts := strings.Split(v, "-")
	if len(parts) != 2 || parts[0] != "0" {
		return 0, fmt.Errorf("invalid Range format: %s", header)
	}
	end, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid end byte: %w", err)
	}
	return end + 1, nil
}

// ParseContentRange parses a Content-Range header value.
// Returns start, end, total bytes. Total may be -1 if unknown. For
// unsatisfied ranges ("bytes */total") start and end are -1.
func ParseContentRange(header string) (start, end, total int64, err error) {
	// Format: bytes start-end/total, bytes start-end/* or bytes */total
	header = strings.TrimPrefix(header, "bytes ")
	parts := strings.Split(header, "/")
	if len(parts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	if parts[1] == "*" {
		total = -1
	} else {
		total, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
		}
	}

	if parts[0] == "*" {
		return -1, -1, total, nil
	}

	rangeParts := strings.Split(parts[0], "-")
	if len(rangeParts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	start, err = strconv.ParseInt(rangeParts[0], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}

	end, err = strconv.ParseInt(rangeParts[1], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}

	return start, end, total, nil
}
