package blobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	"golang.org/x/sync/errgroup"

	"github.com/ligustah/chunky/internal/transfer"
)

// deleteConcurrency bounds parallel deletes during cleanup.
const deleteConcurrency = 8

// part is one confirmed chunk of an upload session.
// The index is implicit from the array position.
type part struct {
	Object string `json:"object"`
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
}

// sessionState is persisted next to the parts so a session can be resumed
// from another process.
type sessionState struct {
	Key         string    `json:"key"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type,omitempty"`
	Committed   int64     `json:"committed"`
	Parts       []part    `json:"parts"`
	StartedAt   time.Time `json:"started_at"`
}

// uploadsPrefix returns the prefix under which sessions for key live.
func uploadsPrefix(key string) string {
	return key + ".uploads/"
}

// UploadSession is a resumable upload emulated with part objects. Each
// confirmed chunk is stored as its own object and the final chunk assembles
// them into the destination.
type UploadSession struct {
	bucket *Bucket
	id     string
	prefix string

	mu    sync.Mutex
	state *sessionState

	// object is set once the parts have been assembled.
	object *transfer.ObjectInfo
}

// StartUpload opens a new upload session for size bytes of key.
func (b *Bucket) StartUpload(ctx context.Context, key string, size int64, contentType string) (*UploadSession, error) {
	id := uuid.NewString()
	s := &UploadSession{
		bucket: b,
		id:     id,
		prefix: uploadsPrefix(key) + id + "/",
		state: &sessionState{
			Key:         key,
			Size:        size,
			ContentType: contentType,
			Parts:       []part{},
			StartedAt:   time.Now().UTC(),
		},
	}
	if err := s.save(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// ResumeUpload attaches to an existing session of key.
func (b *Bucket) ResumeUpload(ctx context.Context, key, id string) (*UploadSession, error) {
	s := &UploadSession{
		bucket: b,
		id:     id,
		prefix: uploadsPrefix(key) + id + "/",
	}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// ID returns the session identifier.
func (s *UploadSession) ID() string {
	return s.id
}

func (s *UploadSession) statePath() string {
	return s.prefix + "state.json"
}

func (s *UploadSession) load(ctx context.Context) error {
	data, err := s.bucket.bucket.ReadAll(ctx, s.statePath())
	if err != nil {
		return wrapErr("read session", s.statePath(), err)
	}
	var st sessionState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("blobstore: unmarshal session state: %w", err)
	}
	s.state = &st
	return nil
}

func (s *UploadSession) save(ctx context.Context) error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	return wrapErr("write session", s.statePath(), s.bucket.bucket.WriteAll(ctx, s.statePath(), data, nil))
}

// PutChunk stores data as bytes [offset, offset+len(data)) of total. Bytes
// the session already holds are skipped. The chunk that completes the object
// assembles it.
func (s *UploadSession) PutChunk(ctx context.Context, offset int64, data []byte, total int64) (transfer.ChunkStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state
	if s.object != nil && total == st.Size {
		return transfer.ChunkStatus{Committed: s.object.Size, Object: s.object}, nil
	}
	if total != st.Size {
		return transfer.ChunkStatus{}, &StatusError{
			Code: http.StatusBadRequest, Op: "put chunk", Key: st.Key,
			Err: fmt.Errorf("total %d does not match session size %d", total, st.Size),
		}
	}
	if offset > st.Committed {
		return transfer.ChunkStatus{}, &StatusError{
			Code: http.StatusBadRequest, Op: "put chunk", Key: st.Key,
			Err: fmt.Errorf("offset %d beyond committed %d", offset, st.Committed),
		}
	}

	if skip := st.Committed - offset; skip < int64(len(data)) {
		data = data[skip:]
		p := part{
			Object: fmt.Sprintf("part-%06d", len(st.Parts)),
			Offset: st.Committed,
			Size:   int64(len(data)),
		}
		if err := s.bucket.bucket.WriteAll(ctx, s.prefix+p.Object, data, nil); err != nil {
			return transfer.ChunkStatus{}, wrapErr("write part", s.prefix+p.Object, err)
		}

		st.Parts = append(st.Parts, p)
		st.Committed += p.Size
		if err := s.save(ctx); err != nil {
			// The part is not recorded; it will be overwritten.
			st.Parts = st.Parts[:len(st.Parts)-1]
			st.Committed -= p.Size
			return transfer.ChunkStatus{}, err
		}
	}

	return s.finishIfComplete(ctx)
}

// Status reloads the session state and reports the committed offset. A
// session holding every byte is assembled.
func (s *UploadSession) Status(ctx context.Context, total int64) (transfer.ChunkStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The state object is gone once a finished session is cleaned up.
	if s.object != nil {
		return transfer.ChunkStatus{Committed: s.object.Size, Object: s.object}, nil
	}
	if err := s.load(ctx); err != nil {
		return transfer.ChunkStatus{}, err
	}
	if total != s.state.Size {
		return transfer.ChunkStatus{}, &StatusError{
			Code: http.StatusBadRequest, Op: "status", Key: s.state.Key,
			Err: fmt.Errorf("total %d does not match session size %d", total, s.state.Size),
		}
	}
	return s.finishIfComplete(ctx)
}

func (s *UploadSession) finishIfComplete(ctx context.Context) (transfer.ChunkStatus, error) {
	st := s.state
	if st.Committed < st.Size {
		return transfer.ChunkStatus{Committed: st.Committed}, nil
	}

	info, err := s.assemble(ctx)
	if err != nil {
		return transfer.ChunkStatus{}, err
	}
	s.object = info

	// The object is complete; leftovers are removed by AbortUploads.
	if err := s.cleanup(ctx); err != nil {
		s.bucket.log.Warn().
			Err(err).
			Str("key", s.state.Key).
			Str("session", s.id).
			Msg("failed to remove upload parts, leaving them for abort")
	}
	return transfer.ChunkStatus{Committed: info.Size, Object: info}, nil
}

// assemble concatenates the parts into the destination object.
func (s *UploadSession) assemble(ctx context.Context) (*transfer.ObjectInfo, error) {
	st := s.state
	b := s.bucket.bucket

	// Cancel on failure so the writer discards what it has.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := b.NewWriter(wctx, st.Key, &blob.WriterOptions{ContentType: contentTypeOrDefault(st.ContentType)})
	if err != nil {
		return nil, wrapErr("assemble", st.Key, err)
	}

	for _, p := range st.Parts {
		if err := copyPart(ctx, b, w, s.prefix+p.Object, p.Size); err != nil {
			cancel()
			w.Close()
			return nil, err
		}
	}

	if err := w.Close(); err != nil {
		return nil, wrapErr("assemble", st.Key, err)
	}

	attrs, err := b.Attributes(ctx, st.Key)
	if err != nil {
		return nil, wrapErr("stat", st.Key, err)
	}
	return objectInfo(s.bucket.name, st.Key, attrs), nil
}

func copyPart(ctx context.Context, b *blob.Bucket, w io.Writer, key string, size int64) error {
	r, err := b.NewReader(ctx, key, nil)
	if err != nil {
		return wrapErr("read part", key, err)
	}
	defer r.Close()

	n, err := io.Copy(w, r)
	if err != nil {
		return wrapErr("copy part", key, err)
	}
	if n != size {
		return fmt.Errorf("blobstore: part %s has %d bytes, expected %d: %w", key, n, size, io.ErrUnexpectedEOF)
	}
	return nil
}

// Cancel abandons the session and removes its parts.
func (s *UploadSession) Cancel(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanup(ctx)
}

// cleanup deletes every part and the state object.
func (s *UploadSession) cleanup(ctx context.Context) error {
	keys := make([]string, 0, len(s.state.Parts)+1)
	for _, p := range s.state.Parts {
		keys = append(keys, s.prefix+p.Object)
	}
	keys = append(keys, s.statePath())
	return s.bucket.deleteKeys(ctx, keys)
}

// deleteKeys removes keys concurrently. Missing keys are ignored.
func (b *Bucket) deleteKeys(ctx context.Context, keys []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(deleteConcurrency)
	for _, key := range keys {
		g.Go(func() error {
			if err := b.remove(gctx, key); err != nil && !isNotExist(err) {
				return wrapErr("delete", key, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func contentTypeOrDefault(ct string) string {
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}
