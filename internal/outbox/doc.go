// Package outbox replays queued write requests against the network in
// enqueue order, classifying each attempt as delivered, retryable or
// permanently rejected.
package outbox
