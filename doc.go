// Package spoolcache implements an embedded asynchronous cache over a
// transactional backend. Callers enqueue operations and get a Future back;
// a single dispatcher goroutine drains the queue, coalesces redundant work,
// and executes each drained batch inside one backend transaction. Futures
// settle only after that transaction commits, so an observed completion is
// always a durable one.
//
// Components:
//   - Queue: the untyped operation queue (insert, select, invalidate,
//     expiry purge, vacuum, flush barrier).
//   - Backend: transactional row store (SQLite, PostgreSQL, Redis, or the
//     in-process memory store).
//   - Cache[V]: typed facade over a Queue. Codec[V] (de)serializes values;
//     an optional front.Store answers repeat reads in-process when it
//     provably holds the latest committed row.
//
// Write pattern:
//
//	fut := cache.PutAsync(spoolcache.Entry[User]{Key: "u:42", Value: u})
//	// ... do other work; the write batches behind the scenes
//	if _, err := fut.Wait(ctx); err != nil { /* write never committed */ }
//
// Or synchronously:
//
//	_ = cache.Put(ctx, spoolcache.Entry[User]{Key: "u:42", Value: u})
package spoolcache
