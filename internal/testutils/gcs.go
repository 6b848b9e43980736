package testutils

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// Operations that faults can be injected into.
const (
	OpInit  = "init"  // POST that opens a resumable session
	OpChunk = "chunk" // PUT to a session URI
	OpMedia = "media" // GET ?alt=media
	OpMeta  = "meta"  // GET object metadata
)

// Fault describes how the server misbehaves for one request.
// The zero value lets the request through.
type Fault struct {
	// Status replies with this status code and a JSON error body.
	Status int

	// Truncate sends only this many body bytes of a media response and then
	// closes the connection.
	Truncate int

	// Commit persists only this many bytes of a chunk.
	Commit int

	// Drop closes the connection without replying.
	Drop bool
}

// StoredObject is an object held by GCSServer.
type StoredObject struct {
	Bucket      string
	Name        string
	ContentType string
	Data        []byte
	Generation  int64
	Updated     time.Time
}

type uploadSession struct {
	bucket      string
	name        string
	contentType string
	total       int64
	data        []byte
	done        bool
	cancelled   bool
}

// GCSServer is an in-memory fake of the Cloud Storage JSON API endpoints used
// for resumable uploads and ranged media downloads.
type GCSServer struct {
	*httptest.Server

	mu         sync.Mutex
	objects    map[string]*StoredObject
	sessions   map[string]*uploadSession
	faults     map[string][]Fault
	counts     map[string]int
	nextID     int
	generation int64
}

// StartGCSServer starts a fake storage server that is closed when the test
// ends.
func StartGCSServer(t *testing.T) *GCSServer {
	t.Helper()

	s := &GCSServer{
		objects:  make(map[string]*StoredObject),
		sessions: make(map[string]*uploadSession),
		faults:   make(map[string][]Fault),
		counts:   make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload/storage/v1/b/{bucket}/o", s.handleInit)
	mux.HandleFunc("PUT /upload/storage/v1/b/{bucket}/o", s.handleChunk)
	mux.HandleFunc("DELETE /upload/storage/v1/b/{bucket}/o", s.handleCancel)
	mux.HandleFunc("GET /storage/v1/b/{bucket}/o/{object...}", s.handleGet)
	mux.HandleFunc("DELETE /storage/v1/b/{bucket}/o/{object...}", s.handleDelete)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Inject queues faults for op. Each request of that kind consumes one.
func (s *GCSServer) Inject(op string, faults ...Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], faults...)
}

// Count returns how many requests of kind op were received.
func (s *GCSServer) Count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[op]
}

// PutObject stores an object directly.
func (s *GCSServer) PutObject(bucket, name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store(bucket, name, "application/octet-stream", data)
}

// Object returns a stored object, or nil.
func (s *GCSServer) Object(bucket, name string) *StoredObject {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects[bucket+"/"+name]
}

// Sessions returns the number of sessions that are neither finished nor
// cancelled.
func (s *GCSServer) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if !sess.done && !sess.cancelled {
			n++
		}
	}
	return n
}

func (s *GCSServer) store(bucket, name, contentType string, data []byte) *StoredObject {
	s.generation++
	obj := &StoredObject{
		Bucket:      bucket,
		Name:        name,
		ContentType: contentType,
		Data:        append([]byte(nil), data...),
		Generation:  s.generation,
		Updated:     time.Now().UTC().Truncate(time.Millisecond),
	}
	s.objects[bucket+"/"+name] = obj
	return obj
}

// begin counts the request and pops its fault. It reports false when the
// fault already produced the response.
func (s *GCSServer) begin(w http.ResponseWriter, op string) (Fault, bool) {
	s.mu.Lock()
	s.counts[op]++
	var f Fault
	if q := s.faults[op]; len(q) > 0 {
		f = q[0]
		s.faults[op] = q[1:]
	}
	s.mu.Unlock()

	switch {
	case f.Drop:
		hijackClose(w)
		return f, false
	case f.Status != 0:
		writeError(w, f.Status, "injected fault")
		return f, false
	}
	return f, true
}

func (s *GCSServer) handleInit(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.begin(w, OpInit); !ok {
		return
	}

	if r.URL.Query().Get("uploadType") != "resumable" {
		writeError(w, http.StatusBadRequest, "unsupported uploadType")
		return
	}

	var meta struct {
		Name        string `json:"name"`
		ContentType string `json:"contentType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
		writeError(w, http.StatusBadRequest, "invalid metadata")
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = meta.Name
	}
	if name == "" {
		writeError(w, http.StatusBadRequest, "missing object name")
		return
	}

	contentType := r.Header.Get("X-Upload-Content-Type")
	if contentType == "" {
		contentType = meta.ContentType
	}
	total := int64(-1)
	if v := r.Header.Get("X-Upload-Content-Length"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid X-Upload-Content-Length")
			return
		}
		total = n
	}

	s.mu.Lock()
	s.nextID++
	id := fmt.Sprintf("session-%d", s.nextID)
	s.sessions[id] = &uploadSession{
		bucket:      r.PathValue("bucket"),
		name:        name,
		contentType: contentType,
		total:       total,
	}
	s.mu.Unlock()

	w.Header().Set("Location", fmt.Sprintf("%s/upload/storage/v1/b/%s/o?uploadType=resumable&upload_id=%s",
		s.URL, r.PathValue("bucket"), id))
	w.WriteHeader(http.StatusOK)
}

func (s *GCSServer) handleChunk(w http.ResponseWriter, r *http.Request) {
	f, ok := s.begin(w, OpChunk)
	if !ok {
		return
	}

	start, end, total, err := parseChunkRange(r.Header.Get("Content-Range"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[r.URL.Query().Get("upload_id")]
	switch {
	case !ok:
		writeError(w, http.StatusNotFound, "no such upload session")
		return
	case sess.cancelled:
		writeError(w, http.StatusGone, "upload session cancelled")
		return
	}
	if sess.done {
		if obj := s.objects[sess.bucket+"/"+sess.name]; obj != nil {
			s.writeObject(w, http.StatusOK, obj)
		} else {
			writeError(w, http.StatusNotFound, "No such object")
		}
		return
	}
	if total >= 0 {
		if sess.total >= 0 && sess.total != total {
			writeError(w, http.StatusBadRequest, "total size mismatch")
			return
		}
		sess.total = total
	}

	if start >= 0 {
		committed := int64(len(sess.data))
		if int64(len(body)) != end-start+1 {
			writeError(w, http.StatusBadRequest, "body does not match Content-Range")
			return
		}
		if start > committed {
			writeError(w, http.StatusBadRequest, "chunk starts beyond committed bytes")
			return
		}
		// Overlapping bytes were already persisted.
		if skip := committed - start; skip >= int64(len(body)) {
			body = nil
		} else {
			body = body[skip:]
		}
		if f.Commit > 0 && f.Commit < len(body) {
			body = body[:f.Commit]
		}
		sess.data = append(sess.data, body...)
	}

	if sess.total >= 0 && int64(len(sess.data)) == sess.total {
		sess.done = true
		obj := s.store(sess.bucket, sess.name, sess.contentType, sess.data)
		s.writeObject(w, http.StatusOK, obj)
		return
	}

	if len(sess.data) > 0 {
		w.Header().Set("Range", fmt.Sprintf("bytes=0-%d", len(sess.data)-1))
	}
	w.WriteHeader(308)
}

func (s *GCSServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[r.URL.Query().Get("upload_id")]
	if !ok {
		writeError(w, http.StatusNotFound, "no such upload session")
		return
	}
	sess.cancelled = true
	w.WriteHeader(499)
}

func (s *GCSServer) handleGet(w http.ResponseWriter, r *http.Request) {
	op := OpMeta
	if r.URL.Query().Get("alt") == "media" {
		op = OpMedia
	}
	f, ok := s.begin(w, op)
	if !ok {
		return
	}

	s.mu.Lock()
	obj := s.objects[r.PathValue("bucket")+"/"+r.PathValue("object")]
	s.mu.Unlock()
	if obj == nil {
		writeError(w, http.StatusNotFound, "No such object")
		return
	}

	if op == OpMeta {
		s.writeObject(w, http.StatusOK, obj)
		return
	}

	size := int64(len(obj.Data))
	rng := r.Header.Get("Range")
	if rng == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		writeTruncated(w, obj.Data, f.Truncate)
		return
	}

	start, end, err := parseByteRange(rng)
	if err != nil || start >= size {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		writeError(w, http.StatusRequestedRangeNotSatisfiable, "requested range not satisfiable")
		return
	}
	if end >= size {
		end = size - 1
	}

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(http.StatusPartialContent)
	writeTruncated(w, obj.Data[start:end+1], f.Truncate)
}

func (s *GCSServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := r.PathValue("bucket") + "/" + r.PathValue("object")
	if _, ok := s.objects[key]; !ok {
		writeError(w, http.StatusNotFound, "No such object")
		return
	}
	delete(s.objects, key)
	w.WriteHeader(http.StatusNoContent)
}

func (s *GCSServer) writeObject(w http.ResponseWriter, code int, obj *StoredObject) {
	sum := md5.Sum(obj.Data)
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"kind":        "storage#object",
		"bucket":      obj.Bucket,
		"name":        obj.Name,
		"size":        strconv.Itoa(len(obj.Data)),
		"contentType": obj.ContentType,
		"etag":        fmt.Sprintf("etag-%d", obj.Generation),
		"md5Hash":     base64.StdEncoding.EncodeToString(sum[:]),
		"generation":  strconv.FormatInt(obj.Generation, 10),
		"updated":     obj.Updated.Format(time.RFC3339Nano),
	})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": msg},
	})
}

// writeTruncated writes at most limit bytes of data when limit is positive.
// The declared Content-Length makes the client see an unexpected EOF.
func writeTruncated(w http.ResponseWriter, data []byte, limit int) {
	if limit > 0 && limit < len(data) {
		w.Write(data[:limit])
		if fl, ok := w.(http.Flusher); ok {
			fl.Flush()
		}
		hijackClose(w)
		return
	}
	w.Write(data)
}

func hijackClose(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic("testutils: response writer does not support hijacking")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		panic(err)
	}
	conn.Close()
}

// parseChunkRange parses "bytes a-b/total", "bytes */total" or "bytes a-b/*".
// start and end are -1 for a status query; total is -1 when unknown.
func parseChunkRange(h string) (start, end, total int64, err error) {
	v, ok := strings.CutPrefix(h, "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", h)
	}
	rng, tot, ok := strings.Cut(v, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", h)
	}

	total = -1
	if tot != "*" {
		if total, err = strconv.ParseInt(tot, 10, 64); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", h)
		}
	}
	if rng == "*" {
		return -1, -1, total, nil
	}

	a, b, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", h)
	}
	if start, err = strconv.ParseInt(a, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", h)
	}
	if end, err = strconv.ParseInt(b, 10, 64); err != nil || end < start {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", h)
	}
	return start, end, total, nil
}

// parseByteRange parses a "bytes=a-b" request header.
func parseByteRange(h string) (start, end int64, err error) {
	v, ok := strings.CutPrefix(h, "bytes=")
	if !ok {
		return 0, 0, fmt.Errorf("invalid Range %q", h)
	}
	a, b, ok := strings.Cut(v, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid Range %q", h)
	}
	if start, err = strconv.ParseInt(a, 10, 64); err != nil {
		return 0, 0, err
	}
	if end, err = strconv.ParseInt(b, 10, 64); err != nil || end < start {
		return 0, 0, fmt.Errorf("invalid Range %q", h)
	}
	return start, end, nil
}
