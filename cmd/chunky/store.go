package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/ligustah/chunky/internal/blobstore"
	"github.com/ligustah/chunky/internal/config"
	chunkyhttp "github.com/ligustah/chunky/internal/http"
	"github.com/ligustah/chunky/internal/transfer"
)

// OAuth scopes for the Cloud Storage JSON API.
const (
	scopeReadWrite = "https://www.googleapis.com/auth/devstorage.read_write"
	scopeReadOnly  = "https://www.googleapis.com/auth/devstorage.read_only"
)

// accessTokenEnv holds a pre-issued access token, e.g. from
// "gcloud auth print-access-token".
const accessTokenEnv = "GOOGLE_OAUTH_ACCESS_TOKEN"

var errUploadsNotListed = errors.New("the gcs store does not list abandoned upload sessions; they expire on their own after a week")

// store is the part of a storage backend the commands need.
type store interface {
	StartUpload(ctx context.Context, bucket, object string, size int64, contentType string) (transfer.UploadSession, error)
	Object(ctx context.Context, bucket, object string) (transfer.RangeSource, error)
	Stat(ctx context.Context, bucket, object string) (*transfer.ObjectInfo, error)
	Delete(ctx context.Context, bucket, object string) error
	AbortUploads(ctx context.Context, bucket, object string) (int, error)
	Close() error
}

// openStore selects the backend named by cfg.Store.
func openStore(ctx context.Context, cfg config.Config, scope string, log zerolog.Logger) (store, error) {
	if cfg.Store != config.StoreGCS {
		return &blobStore{cfg: cfg, log: log, buckets: make(map[string]*blobstore.Bucket)}, nil
	}

	client, err := authorizedClient(ctx, cfg, scope)
	if err != nil {
		return nil, err
	}

	return &gcsStore{
		client: chunkyhttp.NewClient(chunkyhttp.Options{
			Endpoint:      cfg.Endpoint,
			HTTPClient:    client,
			RetryAttempts: cfg.Retry.RequestAttempts,
		}),
		chunkSize: cfg.ChunkSize,
	}, nil
}

// authorizedClient returns an HTTP client that signs requests with an OAuth
// token: a static token from the environment, a service account key file, or
// application default credentials, in that order.
func authorizedClient(ctx context.Context, cfg config.Config, scope string) (*http.Client, error) {
	if cfg.NoAuth {
		return nil, nil
	}

	fmt.Fprintln(os.Stderr, "[chunky] Authenticating...")

	if tok := os.Getenv(accessTokenEnv); tok != "" {
		return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok})), nil
	}

	if cfg.CredentialsFile != "" {
		data, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read credentials: %w", err)
		}
		creds, err := google.CredentialsFromJSON(ctx, data, scope)
		if err != nil {
			return nil, fmt.Errorf("parse credentials: %w", err)
		}
		return oauth2.NewClient(ctx, creds.TokenSource), nil
	}

	creds, err := google.FindDefaultCredentials(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("find default credentials: %w", err)
	}
	return oauth2.NewClient(ctx, creds.TokenSource), nil
}

type gcsStore struct {
	client    *chunkyhttp.Client
	chunkSize int64
}

func (s *gcsStore) StartUpload(ctx context.Context, bucket, object string, size int64, contentType string) (transfer.UploadSession, error) {
	session, err := s.client.StartUpload(ctx, bucket, object, size, s.chunkSize, contentType)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *gcsStore) Object(_ context.Context, bucket, object string) (transfer.RangeSource, error) {
	return s.client.Object(bucket, object), nil
}

func (s *gcsStore) Stat(ctx context.Context, bucket, object string) (*transfer.ObjectInfo, error) {
	return s.client.Stat(ctx, bucket, object)
}

func (s *gcsStore) Delete(ctx context.Context, bucket, object string) error {
	return s.client.Delete(ctx, bucket, object)
}

func (s *gcsStore) AbortUploads(context.Context, string, string) (int, error) {
	return 0, errUploadsNotListed
}

func (s *gcsStore) Close() error {
	return nil
}

// blobStore opens gocloud buckets on first use from the store URL template.
type blobStore struct {
	cfg config.Config
	log zerolog.Logger

	mu      sync.Mutex
	buckets map[string]*blobstore.Bucket
}

func (s *blobStore) bucket(ctx context.Context, name string) (*blobstore.Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.buckets[name]; ok {
		return b, nil
	}
	b, err := blobstore.Open(ctx, s.cfg.BucketURL(name))
	if err != nil {
		return nil, err
	}
	b.SetLogger(s.log)
	s.buckets[name] = b
	return b, nil
}

func (s *blobStore) StartUpload(ctx context.Context, bucket, object string, size int64, contentType string) (transfer.UploadSession, error) {
	b, err := s.bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	session, err := b.StartUpload(ctx, object, size, contentType)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *blobStore) Object(ctx context.Context, bucket, object string) (transfer.RangeSource, error) {
	b, err := s.bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	return b.Object(object), nil
}

func (s *blobStore) Stat(ctx context.Context, bucket, object string) (*transfer.ObjectInfo, error) {
	b, err := s.bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	return b.Stat(ctx, object)
}

func (s *blobStore) Delete(ctx context.Context, bucket, object string) error {
	b, err := s.bucket(ctx, bucket)
	if err != nil {
		return err
	}
	return b.Delete(ctx, object)
}

func (s *blobStore) AbortUploads(ctx context.Context, bucket, object string) (int, error) {
	b, err := s.bucket(ctx, bucket)
	if err != nil {
		return 0, err
	}
	return b.AbortUploads(ctx, object)
}

func (s *blobStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for name, b := range s.buckets {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bucket %s: %w", name, err))
		}
	}
	s.buckets = nil
	return errors.Join(errs...)
}
