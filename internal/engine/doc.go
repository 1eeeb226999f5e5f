// Package engine wires the store, strategies, fallback generator, outbox,
// sync coordinator and control channel into the HTTP intercept surface that
// harbord serves.
package engine
