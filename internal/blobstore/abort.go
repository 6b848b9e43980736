package blobstore

import (
	"context"
	"io"
	"strings"

	"gocloud.dev/blob"
)

// Uploads lists the ids of sessions that were started for key and not yet
// completed or cancelled.
func (b *Bucket) Uploads(ctx context.Context, key string) ([]string, error) {
	prefix := uploadsPrefix(key)
	iter := b.bucket.List(&blob.ListOptions{Prefix: prefix, Delimiter: "/"})

	var ids []string
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, wrapErr("list", prefix, err)
		}
		if !obj.IsDir {
			continue
		}
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(obj.Key, prefix), "/"))
	}
	return ids, nil
}

// AbortUploads removes every session of key, including parts written by
// sessions whose state was never saved. It returns the number of objects
// deleted.
func (b *Bucket) AbortUploads(ctx context.Context, key string) (int, error) {
	prefix := uploadsPrefix(key)
	iter := b.bucket.List(&blob.ListOptions{Prefix: prefix})

	var keys []string
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, wrapErr("list", prefix, err)
		}
		keys = append(keys, obj.Key)
	}

	if err := b.deleteKeys(ctx, keys); err != nil {
		return 0, err
	}
	return len(keys), nil
}
