// Package backplane provides storage layers for the cache Broker.
//
// Every backplane satisfies cache.Backplane: Read returns the stored bytes
// and metadata (or nothing), Put writes a value with an absolute horizon the
// store enforces itself, and Defer hands a task to a Deferrer so that it
// outlives the request that scheduled it.
//
// # Implementations
//
//   - Memory: an in-process key-value store with attached metadata.
//   - Response: a response-style cache keyed by URL, carrying metadata in an
//     x-metadata header and the horizon in cache-control.
//   - S3: an object store backplane on aws-sdk-go-v2, carrying metadata in
//     object user metadata and the horizon in Expires.
//
// # Deferred work
//
// Background runs each deferred task on its own goroutine, optionally bounded
// by a semaphore, and can be drained at shutdown:
//
//	bg := backplane.NewBackground(backplane.BackgroundConfig{MaxConcurrent: 32})
//	bp := backplane.NewMemory(backplane.WithDeferrer(bg))
//	defer bg.Wait(ctx)
package backplane
