// Package progress provides progress reporting for chunked transfers.
//
// A [Reporter] is a transfer.Observer: it prints one line per confirmed
// chunk with the completion percentage and speed, and a summary once the
// run ends.
//
// # Usage
//
//	reporter := progress.NewReporter(progress.Options{
//	    Direction: "Upload",
//	    TotalSize: size,
//	    ChunkSize: transfer.DefaultChunkSize,
//	})
//	reporter.Start()
//
//	result, err := transfer.Run(ctx, step, transfer.Options{
//	    Observers: []transfer.Observer{reporter},
//	})
//
// # Output Format
//
//	[chunky] Upload: backup.tar -> my-bucket/backups/backup.tar
//	[chunky] Total size: 5.0 MiB | Chunk size: 2.0 MiB
//	Upload 40% | 2.0 MiB / 5.0 MiB | Speed: 1.2 MiB/s
//	Upload 80% | 4.0 MiB / 5.0 MiB | Speed: 1.3 MiB/s
//	Upload 100% | 5.0 MiB / 5.0 MiB | Speed: 1.1 MiB/s
//	Upload complete!
//	[chunky] Total time: 4s | Average speed: 1.2 MiB/s | Attempts: 3 | Retries: 0
package progress
