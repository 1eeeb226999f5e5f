// Package syncer coordinates background synchronization: outbox replay,
// the mood and progress batch channels, and the periodic insight checks.
package syncer
