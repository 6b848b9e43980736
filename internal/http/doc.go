// Package http talks to the Cloud Storage JSON API for chunked transfers.
//
// This package handles:
//   - Opening, querying and cancelling resumable upload sessions
//   - Sending chunks with Content-Range and reading the committed offset
//     back from 308 responses
//   - Range requests against object media for chunked downloads
//   - Object metadata and deletion, retried with exponential backoff
//
// Chunk and range requests are issued exactly once. Retrying them is the job
// of the transfer driver, which sees every failure and decides whether the
// run is still making progress. Every non-success response is returned as a
// *StatusError so the driver can classify it by status code.
//
// # Usage
//
//	client := http.NewClient(http.Options{
//	    HTTPClient: authorizedClient,
//	})
//
//	session, err := client.StartUpload(ctx, "bucket", "path/to/object", size,
//	    transfer.DefaultChunkSize, "application/octet-stream")
//	step := transfer.NewUpload(file, size, session)
//
//	// Download
//	step := transfer.NewDownload(client.Object("bucket", "path/to/object"), file)
//	result, err := transfer.Run(ctx, step, transfer.Options{})
package http
