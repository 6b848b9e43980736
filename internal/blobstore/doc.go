// Package blobstore runs chunked transfers against gocloud.dev/blob buckets.
//
// Downloads read byte ranges with [blob.Bucket.NewRangeReader]. Uploads are
// resumable sessions emulated in the bucket itself: every confirmed chunk is
// stored as a part object and a small state file records the committed
// offset, so a session survives a dropped connection or a restarted process.
// The chunk that completes the object concatenates the parts into the
// destination and removes the session.
//
// Bucket errors are returned as [*StatusError] with an HTTP-like status code
// derived from the gocloud error code, so the transfer driver classifies them
// the same way as responses from the JSON API.
//
// # Usage
//
//	bucket, err := blobstore.Open(ctx, "s3://my-bucket?region=us-east-1")
//	defer bucket.Close()
//
//	session, err := bucket.StartUpload(ctx, "path/to/object", size, "application/octet-stream")
//	step := transfer.NewUpload(file, size, session)
//	result, err := transfer.Run(ctx, step, transfer.Options{})
//
//	// Resume later, possibly from another process
//	session, err = bucket.ResumeUpload(ctx, "path/to/object", session.ID())
//
// # Storage Layout
//
//	{bucket}/{object}.uploads/{session}/part-000000
//	{bucket}/{object}.uploads/{session}/part-000001
//	{bucket}/{object}.uploads/{session}/state.json   (deleted on completion)
//	{bucket}/{object}                                (on completion)
package blobstore
