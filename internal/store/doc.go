// Package store provides durable persistence for the offline engine:
// named cache partitions of response snapshots, the outbox queue of
// pending write requests, and the local mood/progress record collections.
package store
